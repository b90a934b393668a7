// Package store defines the persistence contract the server session
// machine drives, and provides a volatile in-memory implementation of it.
package store

import (
	"errors"

	"github.com/postalsys/cipherline/internal/identity"
)

// Declared store errors. The session machine maps these 1:1 onto the
// packet taxonomy's typed failure replies; any other error is treated as
// a fatal protocol error.
var (
	ErrClientNotExists  = errors.New("store: client does not exist")
	ErrChannelNotExists = errors.New("store: channel does not exist")
	ErrInvalidRange     = errors.New("store: invalid message range")
	ErrInvalidId        = errors.New("store: invalid message id")
)

// Message is a single entry in a channel's ordered log. Its position in
// that log is its only identity; there is no separate message id.
type Message struct {
	Sender  identity.ClientID
	Content []byte
}

// Store is the persistence contract the server drives. Implementations
// must serialize their own mutations if shared across sessions.
type Store interface {
	// RegisterClient allocates a fresh client id and persists the given
	// credential against it.
	RegisterClient(password []byte) (identity.ClientID, error)

	// DeleteClient removes a client record. Not reachable from the wire
	// protocol; exposed for administrative use.
	DeleteClient(id identity.ClientID) error

	// CheckPassword reports whether password matches the credential on
	// file for id. Returns ErrClientNotExists if id is unknown.
	CheckPassword(id identity.ClientID, password []byte) (bool, error)

	// AddMessage appends content, sent by senderID, to the channel
	// shared with receiverID, creating the channel on first use. Returns
	// ErrClientNotExists if either party is unregistered.
	AddMessage(senderID, receiverID identity.ClientID, content []byte) error

	// GetMessagesCount returns the number of messages in a channel.
	// Returns ErrChannelNotExists if the channel has never received a
	// message.
	GetMessagesCount(channel identity.ChannelID) (int, error)

	// GetMessages returns the count messages starting at first. Returns
	// ErrChannelNotExists if the channel doesn't exist, or
	// ErrInvalidRange if first < 0, count < 0, or first+count exceeds
	// the channel's length.
	GetMessages(channel identity.ChannelID, first, count int) ([]Message, error)

	// GetChannelPeers lists every client that shares a channel with
	// client.
	GetChannelPeers(client identity.ClientID) ([]identity.ClientID, error)

	// SetEncryptionKeysMessage records that messageID (a message sent
	// by owner within channel) carries owner's key-bundle material for
	// that channel. Returns ErrChannelNotExists if the channel does not
	// exist yet, or ErrInvalidId if messageID is out of range or was
	// not sent by owner.
	SetEncryptionKeysMessage(channel identity.ChannelID, owner identity.ClientID, messageID int) error

	// GetEncryptionKeysMessage returns the key-bundle pointer owner has
	// set for channel, or nil if none has been set. Returns
	// ErrChannelNotExists if the channel does not exist.
	GetEncryptionKeysMessage(channel identity.ChannelID, owner identity.ClientID) (*int, error)
}
