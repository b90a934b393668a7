package client

import (
	"fmt"

	"github.com/postalsys/cipherline/internal/identity"
	"github.com/postalsys/cipherline/internal/protocol"
)

// GetChannelPeers lists every client this session's authenticated client
// shares a channel with.
func (c *Client) GetChannelPeers() ([]identity.ClientID, error) {
	if err := c.requireState(stateAuthenticated); err != nil {
		return nil, err
	}

	reqID, err := newRequestID()
	if err != nil {
		return nil, err
	}

	reply, err := c.currentStream().MakeRequest(protocol.NewGetChannelPeers(reqID))
	if err != nil {
		return nil, err
	}

	success, ok := reply.(protocol.GetChannelPeersSuccess)
	if !ok {
		return nil, fmt.Errorf("client: unexpected GetChannelPeers reply %s", reply.Kind())
	}

	peers := make([]identity.ClientID, len(success.Peers))
	for i, p := range success.Peers {
		peers[i] = identity.ClientID(p)
	}
	return peers, nil
}

// GetMessagesCount returns the number of messages in the channel shared
// with peer. Returns ErrNoSuchClient if no channel exists with peer yet.
func (c *Client) GetMessagesCount(peer identity.ClientID) (int64, error) {
	if err := c.requireState(stateAuthenticated); err != nil {
		return 0, err
	}

	reqID, err := newRequestID()
	if err != nil {
		return 0, err
	}

	reply, err := c.currentStream().MakeRequest(protocol.NewGetMessagesCount(reqID, int64(peer)))
	if err != nil {
		return 0, err
	}

	switch p := reply.(type) {
	case protocol.GetMessagesCountSuccess:
		return p.Count, nil
	case protocol.GetMessagesCountFailNoSuchClient:
		return 0, ErrNoSuchClient
	default:
		return 0, fmt.Errorf("client: unexpected GetMessagesCount reply %s", reply.Kind())
	}
}

// SendMessage sends content to receiver. Returns ErrNoSuchClient if
// receiver is not a registered client.
func (c *Client) SendMessage(receiver identity.ClientID, content []byte) error {
	if err := c.requireState(stateAuthenticated); err != nil {
		return err
	}

	reqID, err := newRequestID()
	if err != nil {
		return err
	}

	reply, err := c.currentStream().MakeRequest(protocol.NewSendMessage(reqID, int64(receiver), content))
	if err != nil {
		return err
	}

	switch reply.(type) {
	case protocol.SendMessageSuccess:
		return nil
	case protocol.SendMessageFailNoSuchClient:
		return ErrNoSuchClient
	default:
		return fmt.Errorf("client: unexpected SendMessage reply %s", reply.Kind())
	}
}

// GetMessages returns count messages starting at first from the channel
// shared with peer. Returns ErrInvalidRange if the range is out of
// bounds.
func (c *Client) GetMessages(peer identity.ClientID, first, count int64) ([]protocol.WireMessage, error) {
	if err := c.requireState(stateAuthenticated); err != nil {
		return nil, err
	}

	reqID, err := newRequestID()
	if err != nil {
		return nil, err
	}

	reply, err := c.currentStream().MakeRequest(protocol.NewGetMessages(reqID, int64(peer), first, count))
	if err != nil {
		return nil, err
	}

	switch p := reply.(type) {
	case protocol.GetMessagesSuccess:
		return p.Messages, nil
	case protocol.GetMessagesFailInvalidRange:
		return nil, ErrInvalidRange
	default:
		return nil, fmt.Errorf("client: unexpected GetMessages reply %s", reply.Kind())
	}
}

// DownloadMessages fetches the full message history shared with peer in
// one call: GetMessagesCount followed by GetMessages(0, count).
func (c *Client) DownloadMessages(peer identity.ClientID) ([]protocol.WireMessage, error) {
	count, err := c.GetMessagesCount(peer)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return c.GetMessages(peer, 0, count)
}

// SetEncryptionKeysMessage records that the message at messageID (which
// must have been sent by this client) carries this client's key-bundle
// material for the channel shared with peer. Returns ErrNoSuchClient if
// no channel exists with peer yet, or ErrInvalidId if messageID is out
// of range or was not sent by this client.
func (c *Client) SetEncryptionKeysMessage(peer identity.ClientID, messageID int64) error {
	if err := c.requireState(stateAuthenticated); err != nil {
		return err
	}

	reqID, err := newRequestID()
	if err != nil {
		return err
	}

	reply, err := c.currentStream().MakeRequest(protocol.NewSetEncryptionKeysMessage(reqID, int64(peer), messageID))
	if err != nil {
		return err
	}

	switch reply.(type) {
	case protocol.SetEncryptionKeysMessageSuccess:
		return nil
	case protocol.SetEncryptionKeysMessageFailNoSuchClient:
		return ErrNoSuchClient
	case protocol.SetEncryptionKeysMessageFailInvalidId:
		return ErrInvalidId
	default:
		return fmt.Errorf("client: unexpected SetEncryptionKeysMessage reply %s", reply.Kind())
	}
}

// GetEncryptionKeysMessage returns the key-bundle pointer owner has set
// for the channel shared with peer, or nil if none has been set. owner
// and peer need not include this client's own id: the server resolves
// the channel from the pair directly.
func (c *Client) GetEncryptionKeysMessage(owner, peer identity.ClientID) (*int64, error) {
	if err := c.requireState(stateAuthenticated); err != nil {
		return nil, err
	}

	reqID, err := newRequestID()
	if err != nil {
		return nil, err
	}

	reply, err := c.currentStream().MakeRequest(protocol.NewGetEncryptionKeysMessage(reqID, int64(owner), int64(peer)))
	if err != nil {
		return nil, err
	}

	switch p := reply.(type) {
	case protocol.GetEncryptionKeysMessageSuccess:
		return p.MessageID, nil
	case protocol.GetEncryptionKeysMessageFailNoSuchClient:
		return nil, ErrNoSuchClient
	default:
		return nil, fmt.Errorf("client: unexpected GetEncryptionKeysMessage reply %s", reply.Kind())
	}
}
