package store

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/postalsys/cipherline/internal/identity"
)

// CredentialLookup is implemented by Store backends that can hand back
// the raw credential bytes they persisted, so HashedStore can compare a
// bcrypt hash against it without the Store interface itself exposing raw
// credentials to callers that don't need them.
type CredentialLookup interface {
	LookupCredential(identity.ClientID) ([]byte, bool)
}

// HashedStore wraps a Store so that credentials are hashed with bcrypt at
// rest instead of kept in cleartext, without changing the wire protocol
// (§9(d)). RegisterClient and CheckPassword are intercepted; every other
// method passes straight through to the wrapped Store.
type HashedStore struct {
	inner  Store
	lookup CredentialLookup
	cost   int

	mu sync.Mutex
}

// DefaultBcryptCost matches bcrypt.DefaultCost; named here so callers
// tuning it don't need to import golang.org/x/crypto/bcrypt directly.
const DefaultBcryptCost = bcrypt.DefaultCost

// NewHashedStore wraps inner, hashing credentials at the given bcrypt
// cost. A cost of 0 or less selects DefaultBcryptCost. lookup must return
// the credentials inner persists; a MemoryStore passed as both does.
func NewHashedStore(inner Store, lookup CredentialLookup, cost int) *HashedStore {
	if cost <= 0 {
		cost = DefaultBcryptCost
	}
	return &HashedStore{inner: inner, lookup: lookup, cost: cost}
}

func (h *HashedStore) RegisterClient(password []byte) (identity.ClientID, error) {
	// bcrypt rejects passwords longer than 72 bytes with an error, which
	// is returned as is. Hashing is serialized so a slow registration
	// burst can't stack up unboundedly against the underlying store's own
	// lock.
	h.mu.Lock()
	hash, err := bcrypt.GenerateFromPassword(password, h.cost)
	h.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return h.inner.RegisterClient(hash)
}

func (h *HashedStore) CheckPassword(id identity.ClientID, password []byte) (bool, error) {
	hash, exists := h.lookup.LookupCredential(id)
	if !exists {
		return false, ErrClientNotExists
	}
	return bcrypt.CompareHashAndPassword(hash, password) == nil, nil
}

func (h *HashedStore) DeleteClient(id identity.ClientID) error {
	return h.inner.DeleteClient(id)
}

func (h *HashedStore) AddMessage(senderID, receiverID identity.ClientID, content []byte) error {
	return h.inner.AddMessage(senderID, receiverID, content)
}

func (h *HashedStore) GetMessagesCount(channel identity.ChannelID) (int, error) {
	return h.inner.GetMessagesCount(channel)
}

func (h *HashedStore) GetMessages(channel identity.ChannelID, first, count int) ([]Message, error) {
	return h.inner.GetMessages(channel, first, count)
}

func (h *HashedStore) GetChannelPeers(client identity.ClientID) ([]identity.ClientID, error) {
	return h.inner.GetChannelPeers(client)
}

func (h *HashedStore) SetEncryptionKeysMessage(channel identity.ChannelID, owner identity.ClientID, messageID int) error {
	return h.inner.SetEncryptionKeysMessage(channel, owner, messageID)
}

func (h *HashedStore) GetEncryptionKeysMessage(channel identity.ChannelID, owner identity.ClientID) (*int, error) {
	return h.inner.GetEncryptionKeysMessage(channel, owner)
}
