// Package client implements the client-side session machine: connect,
// register or log in, then the request methods each typed request/reply
// pair in the packet taxonomy, plus a DownloadMessages convenience method
// layered on top.
package client

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/cipherline/internal/frame"
	"github.com/postalsys/cipherline/internal/identity"
	"github.com/postalsys/cipherline/internal/protocol"
	"github.com/postalsys/cipherline/internal/session"
	"github.com/postalsys/cipherline/internal/transport"
)

// Session states.
const (
	stateDisconnected int32 = iota
	stateConnected
	stateAuthenticated
)

// OnMessage is invoked, from the stream's reader goroutine, for every
// unsolicited NewMessage push the server sends.
type OnMessage func(sender identity.ClientID, content []byte)

// Client drives one connection through Disconnected -> Connected ->
// Authenticated -> Disconnected.
type Client struct {
	serverPub *rsa.PublicKey
	onMessage OnMessage

	state atomic.Int32

	mu     sync.Mutex
	stream *session.Stream
	id     identity.ClientID
}

// New builds a Client that verifies the server's identity with serverPub
// during key exchange and invokes onMessage for incoming pushes. onMessage
// may be nil.
func New(serverPub *rsa.PublicKey, onMessage OnMessage) *Client {
	return &Client{serverPub: serverPub, onMessage: onMessage}
}

// Connect dials addr, performs the key exchange, and installs the
// encrypted transport and packet stream. It does not authenticate.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if !c.state.CompareAndSwap(stateDisconnected, stateConnected) {
		return ErrAlreadyConnected
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.state.Store(stateDisconnected)
		return fmt.Errorf("client: dial %s: %w", addr, err)
	}

	tr, err := transport.ClientExchangeKey(frame.New(conn), c.serverPub)
	if err != nil {
		conn.Close()
		c.state.Store(stateDisconnected)
		return err
	}

	stream := session.New(tr)
	stream.RegisterCallback(protocol.KindNewMessage, func(p protocol.Packet) {
		if c.onMessage == nil {
			return
		}
		push := p.(protocol.NewMessagePush)
		c.onMessage(identity.ClientID(push.Message.Sender), push.Message.Content)
	})

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	return nil
}

// Disconnect closes the session. Safe to call from any connected state.
func (c *Client) Disconnect() error {
	prev := c.state.Swap(stateDisconnected)
	if prev == stateDisconnected {
		return ErrNotConnected
	}

	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Close()
}

// Register writes a positional Register packet and blocks for the reply.
// On success the client transitions to Authenticated and the new id is
// returned.
func (c *Client) Register(password []byte) (identity.ClientID, error) {
	if err := c.requireState(stateConnected); err != nil {
		return 0, err
	}

	stream := c.currentStream()
	if err := stream.WritePacket(protocol.NewRegister(password)); err != nil {
		return 0, err
	}

	reply, err := stream.ReadInbound()
	if err != nil {
		return 0, err
	}

	success, ok := reply.(protocol.RegisterSuccess)
	if !ok {
		return 0, fmt.Errorf("client: unexpected register reply %s", reply.Kind())
	}

	id := identity.ClientID(success.ID)
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	c.state.Store(stateAuthenticated)

	return id, nil
}

// Login writes a positional Login packet and blocks for the reply. On
// success the client transitions to Authenticated.
func (c *Client) Login(id identity.ClientID, password []byte) error {
	if err := c.requireState(stateConnected); err != nil {
		return err
	}

	stream := c.currentStream()
	if err := stream.WritePacket(protocol.NewLogin(int64(id), password)); err != nil {
		return err
	}

	reply, err := stream.ReadInbound()
	if err != nil {
		return err
	}

	switch reply.(type) {
	case protocol.LoginSuccess:
		c.mu.Lock()
		c.id = id
		c.mu.Unlock()
		c.state.Store(stateAuthenticated)
		return nil
	case protocol.LoginFail:
		return ErrLoginFailed
	default:
		return fmt.Errorf("client: unexpected login reply %s", reply.Kind())
	}
}

// ID returns the authenticated client id. Only meaningful once Register
// or Login has succeeded.
func (c *Client) ID() identity.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) currentStream() *session.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// requireState reports whether the client is in want, translating any
// mismatch into the precise local error §7 calls for.
func (c *Client) requireState(want int32) error {
	switch c.state.Load() {
	case stateDisconnected:
		return ErrNotConnected
	case stateAuthenticated:
		if want == stateAuthenticated {
			return nil
		}
		return ErrAlreadyAuthorized
	case stateConnected:
		if want == stateConnected {
			return nil
		}
		return ErrNotAuthorized
	default:
		return ErrNotConnected
	}
}

// newRequestID draws a fresh request correlation id. Request ids share
// the same random 64-bit signed keyspace as client ids (§4.4).
func newRequestID() (int64, error) {
	id, err := identity.NewClientID()
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}
