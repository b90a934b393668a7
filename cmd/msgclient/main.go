// Command msgclient is the cipherline client: register or log in to a
// relay server, then send and fetch end-to-end messages.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/cipherline/internal/client"
	"github.com/postalsys/cipherline/internal/config"
	"github.com/postalsys/cipherline/internal/identity"
	"github.com/postalsys/cipherline/internal/wizard"
)

// readPassword returns flagVal if set, otherwise prompts on the
// controlling terminal without echoing keystrokes.
func readPassword(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("password required: pass --password or run interactively")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cfg := config.DefaultClient()

	root := &cobra.Command{
		Use:   "msgclient",
		Short: "cipherline messaging client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return nil
			}
			loaded, err := config.LoadClient(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			*cfg = *loaded
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to client config file")
	root.PersistentFlags().StringVar(&cfg.Server.Address, "server", cfg.Server.Address, "server address")
	root.PersistentFlags().StringVar(&cfg.Server.PublicKeyPath, "server-key", "", "path to server's RSA public key PEM")

	root.AddCommand(
		wizardCmd(cfg),
		registerCmd(cfg),
		loginCmd(cfg),
		sendCmd(cfg),
		inboxCmd(cfg),
		peersCmd(cfg),
	)
	return root
}

func loadServerPublicKey(cfg *config.ClientConfig) (*rsa.PublicKey, error) {
	pemBytes, err := cfg.Server.GetPublicKeyPEM()
	if err != nil {
		return nil, err
	}
	if len(pemBytes) == 0 {
		return nil, fmt.Errorf("no server public key configured (set --server-key or server.public_key_path)")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in server public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("server public key is not an RSA key")
	}
	return rsaKey, nil
}

func connect(ctx context.Context, cfg *config.ClientConfig, onMessage client.OnMessage) (*client.Client, error) {
	pub, err := loadServerPublicKey(cfg)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Server.DialTimeout)
	defer cancel()

	c := client.New(pub, onMessage)
	if err := c.Connect(dialCtx, cfg.Server.Address); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Server.Address, err)
	}
	return c, nil
}

func wizardCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive register/login/send session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			_, err = wizard.New(cfg, c).Run(cmd.Context())
			return err
		},
	}
}

func registerCmd(cfg *config.ClientConfig) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new client id",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			pw, err := readPassword(password)
			if err != nil {
				return err
			}
			id, err := c.Register([]byte(pw))
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			fmt.Println(id.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password for the new client id (prompts if omitted)")
	return cmd
}

func loginCmd(cfg *config.ClientConfig) *cobra.Command {
	var idStr, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with an existing client id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClientID(idStr)
			if err != nil {
				return err
			}

			c, err := connect(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			pw, err := readPassword(password)
			if err != nil {
				return err
			}
			if err := c.Login(id, []byte(pw)); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&idStr, "id", "", "client id")
	cmd.Flags().StringVar(&password, "password", "", "password (prompts if omitted)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func sendCmd(cfg *config.ClientConfig) *cobra.Command {
	var idStr, password, toStr, message string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to another client",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClientID(idStr)
			if err != nil {
				return err
			}
			to, err := parseClientID(toStr)
			if err != nil {
				return err
			}

			c, err := connect(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			pw, err := readPassword(password)
			if err != nil {
				return err
			}
			if err := c.Login(id, []byte(pw)); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if err := c.SendMessage(to, []byte(message)); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
			fmt.Printf("sent %s to %s\n", humanize.Bytes(uint64(len(message))), to.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&idStr, "id", "", "client id")
	cmd.Flags().StringVar(&password, "password", "", "password (prompts if omitted)")
	cmd.Flags().StringVar(&toStr, "to", "", "receiver client id")
	cmd.Flags().StringVar(&message, "message", "", "message content")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("message")
	return cmd
}

func inboxCmd(cfg *config.ClientConfig) *cobra.Command {
	var idStr, password, peerStr string
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Download the full message history shared with a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClientID(idStr)
			if err != nil {
				return err
			}
			peer, err := parseClientID(peerStr)
			if err != nil {
				return err
			}

			c, err := connect(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			pw, err := readPassword(password)
			if err != nil {
				return err
			}
			if err := c.Login(id, []byte(pw)); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			messages, err := c.DownloadMessages(peer)
			if err != nil {
				return fmt.Errorf("download messages: %w", err)
			}
			var totalBytes uint64
			for i, m := range messages {
				fmt.Printf("[%d] %d: %s\n", i, m.Sender, m.Content)
				totalBytes += uint64(len(m.Content))
			}
			fmt.Printf("%s messages, %s\n", humanize.Comma(int64(len(messages))), humanize.Bytes(totalBytes))
			return nil
		},
	}
	cmd.Flags().StringVar(&idStr, "id", "", "client id")
	cmd.Flags().StringVar(&password, "password", "", "password (prompts if omitted)")
	cmd.Flags().StringVar(&peerStr, "peer", "", "peer client id")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("peer")
	return cmd
}

func peersCmd(cfg *config.ClientConfig) *cobra.Command {
	var idStr, password string
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List clients sharing a channel with this client",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClientID(idStr)
			if err != nil {
				return err
			}

			c, err := connect(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			pw, err := readPassword(password)
			if err != nil {
				return err
			}
			if err := c.Login(id, []byte(pw)); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			peers, err := c.GetChannelPeers()
			if err != nil {
				return fmt.Errorf("get channel peers: %w", err)
			}
			for _, p := range peers {
				fmt.Println(p.String())
			}
			fmt.Printf("%s peers\n", humanize.Comma(int64(len(peers))))
			return nil
		},
	}
	cmd.Flags().StringVar(&idStr, "id", "", "client id")
	cmd.Flags().StringVar(&password, "password", "", "password (prompts if omitted)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func parseClientID(s string) (identity.ClientID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid client id %q: %w", s, err)
	}
	return identity.ClientID(v), nil
}
