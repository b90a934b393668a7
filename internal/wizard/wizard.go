// Package wizard provides an interactive setup and messaging flow for
// the cipherline client: register or log in, then send and receive
// messages from a terminal UI.
package wizard

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/cipherline/internal/client"
	"github.com/postalsys/cipherline/internal/config"
	"github.com/postalsys/cipherline/internal/identity"
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Result summarizes what the wizard did, for the calling command to
// decide whether to persist anything.
type Result struct {
	ClientID   identity.ClientID
	Registered bool
}

// Wizard drives an interactive session against a connected client.
type Wizard struct {
	cfg *config.ClientConfig
	c   *client.Client
}

// New builds a Wizard around an already-connected, not-yet-authenticated
// client.
func New(cfg *config.ClientConfig, c *client.Client) *Wizard {
	return &Wizard{cfg: cfg, c: c}
}

// Run walks the user through authentication and a simple send/inbox
// loop until they choose to quit.
func (w *Wizard) Run(ctx context.Context) (*Result, error) {
	printBanner()

	action, err := askAuthAction()
	if err != nil {
		return nil, err
	}

	var result Result
	switch action {
	case actionRegister:
		password, err := askNewPassword()
		if err != nil {
			return nil, err
		}
		id, err := w.c.Register([]byte(password))
		if err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}
		printInfo(fmt.Sprintf("registered as client id %s", id.String()))
		result = Result{ClientID: id, Registered: true}
	case actionLogin:
		id, password, err := askLoginCredentials()
		if err != nil {
			return nil, err
		}
		if err := w.c.Login(id, []byte(password)); err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}
		result = Result{ClientID: id}
	}

	if err := w.messageLoop(); err != nil {
		return &result, err
	}
	return &result, nil
}

type authAction int

const (
	actionRegister authAction = iota
	actionLogin
)

func printBanner() {
	fmt.Println(bannerStyle.Render("cipherline"))
	fmt.Println(infoStyle.Render("end-to-end encrypted, server-mediated messaging"))
	fmt.Println()
}

func printInfo(msg string) {
	fmt.Println(infoStyle.Render(msg))
}

func printError(msg string) {
	fmt.Println(errorStyle.Render(msg))
}

func askAuthAction() (authAction, error) {
	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Authenticate").
			Options(
				huh.NewOption("Register a new client id", "register"),
				huh.NewOption("Log in with an existing client id", "login"),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return 0, err
	}
	if choice == "register" {
		return actionRegister, nil
	}
	return actionLogin, nil
}

func askNewPassword() (string, error) {
	var password, confirm string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Choose a password").EchoMode(huh.EchoModePassword).Value(&password),
		huh.NewInput().Title("Confirm password").EchoMode(huh.EchoModePassword).Value(&confirm),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("wizard: passwords did not match")
	}
	return password, nil
}

func askLoginCredentials() (identity.ClientID, string, error) {
	var idStr, password string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Client id").Value(&idStr),
		huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password),
	))
	if err := form.Run(); err != nil {
		return 0, "", err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("wizard: invalid client id %q: %w", idStr, err)
	}
	return identity.ClientID(id), password, nil
}

func (w *Wizard) messageLoop() error {
	for {
		var action string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("What next?").
				Options(
					huh.NewOption("Send a message", "send"),
					huh.NewOption("View channel peers", "peers"),
					huh.NewOption("Download history with a peer", "history"),
					huh.NewOption("Quit", "quit"),
				).
				Value(&action),
		))
		if err := form.Run(); err != nil {
			return err
		}

		switch action {
		case "send":
			if err := w.sendFlow(); err != nil {
				printError(err.Error())
			}
		case "peers":
			if err := w.peersFlow(); err != nil {
				printError(err.Error())
			}
		case "history":
			if err := w.historyFlow(); err != nil {
				printError(err.Error())
			}
		case "quit":
			return nil
		}
	}
}

func askPeerID(title string) (identity.ClientID, error) {
	var idStr string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(title).Value(&idStr),
	))
	if err := form.Run(); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wizard: invalid client id %q: %w", idStr, err)
	}
	return identity.ClientID(id), nil
}

func (w *Wizard) sendFlow() error {
	peer, err := askPeerID("Send to client id")
	if err != nil {
		return err
	}

	var content string
	form := huh.NewForm(huh.NewGroup(
		huh.NewText().Title("Message").Value(&content),
	))
	if err := form.Run(); err != nil {
		return err
	}

	if err := w.c.SendMessage(peer, []byte(content)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	printInfo("sent")
	return nil
}

func (w *Wizard) peersFlow() error {
	peers, err := w.c.GetChannelPeers()
	if err != nil {
		return fmt.Errorf("get channel peers: %w", err)
	}
	if len(peers) == 0 {
		printInfo("no channels yet")
		return nil
	}
	for _, p := range peers {
		fmt.Fprintln(os.Stdout, p.String())
	}
	return nil
}

func (w *Wizard) historyFlow() error {
	peer, err := askPeerID("Download history with client id")
	if err != nil {
		return err
	}

	messages, err := w.c.DownloadMessages(peer)
	if err != nil {
		return fmt.Errorf("download messages: %w", err)
	}
	for i, m := range messages {
		fmt.Printf("[%d] %d: %s\n", i, m.Sender, m.Content)
	}
	return nil
}
