package store

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/postalsys/cipherline/internal/identity"
)

// maxRegistrationAttempts bounds the random-id collision retry. Collision
// probability against a 64-bit keyspace is negligible; this only guards
// against a pathologically exhausted id space.
const maxRegistrationAttempts = 64

type channelRecord struct {
	messages          []Message
	keyBundlePointers map[identity.ClientID]int
}

// MemoryStore is a volatile, process-local Store. It has no durability:
// all state is lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	passwords map[identity.ClientID][]byte
	channels  map[identity.ChannelID]*channelRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		passwords: make(map[identity.ClientID][]byte),
		channels:  make(map[identity.ChannelID]*channelRecord),
	}
}

func (m *MemoryStore) RegisterClient(password []byte) (identity.ClientID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < maxRegistrationAttempts; attempt++ {
		id, err := identity.NewClientID()
		if err != nil {
			return 0, err
		}
		if _, exists := m.passwords[id]; exists {
			continue
		}
		m.passwords[id] = append([]byte(nil), password...)
		return id, nil
	}
	return 0, fmt.Errorf("store: could not allocate a unique client id after %d attempts", maxRegistrationAttempts)
}

// LookupCredential returns the raw credential bytes stored for id,
// satisfying store.CredentialLookup for HashedStore.
func (m *MemoryStore) LookupCredential(id identity.ClientID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.passwords[id]
	if !exists {
		return nil, false
	}
	return append([]byte(nil), stored...), true
}

func (m *MemoryStore) DeleteClient(id identity.ClientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.passwords[id]; !exists {
		return ErrClientNotExists
	}
	delete(m.passwords, id)
	return nil
}

func (m *MemoryStore) CheckPassword(id identity.ClientID, password []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.passwords[id]
	if !exists {
		return false, ErrClientNotExists
	}
	return bytes.Equal(stored, password), nil
}

// AddMessage permits senderID == receiverID: NewChannelID's "two distinct
// clients" doc comment describes the intended usage, not an enforced
// precondition, and a degenerate single-client ChannelID{x, x} behaves
// exactly like any other channel (its own log, its own key-bundle
// pointer). The wire protocol never forms this request itself; nothing in
// SPEC_FULL.md's Non-goals excludes a client messaging itself, so it is
// accepted rather than rejected.
func (m *MemoryStore) AddMessage(senderID, receiverID identity.ClientID, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.passwords[senderID]; !exists {
		return ErrClientNotExists
	}
	if _, exists := m.passwords[receiverID]; !exists {
		return ErrClientNotExists
	}

	channel := identity.NewChannelID(senderID, receiverID)
	rec, exists := m.channels[channel]
	if !exists {
		rec = &channelRecord{keyBundlePointers: make(map[identity.ClientID]int)}
		m.channels[channel] = rec
	}

	rec.messages = append(rec.messages, Message{
		Sender:  senderID,
		Content: append([]byte(nil), content...),
	})
	return nil
}

func (m *MemoryStore) GetMessagesCount(channel identity.ChannelID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.channels[channel]
	if !exists {
		return 0, ErrChannelNotExists
	}
	return len(rec.messages), nil
}

func (m *MemoryStore) GetMessages(channel identity.ChannelID, first, count int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.channels[channel]
	if !exists {
		return nil, ErrChannelNotExists
	}

	if first < 0 || count < 0 || first+count > len(rec.messages) {
		return nil, ErrInvalidRange
	}

	out := make([]Message, count)
	copy(out, rec.messages[first:first+count])
	return out, nil
}

func (m *MemoryStore) GetChannelPeers(client identity.ClientID) ([]identity.ClientID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var peers []identity.ClientID
	for channel := range m.channels {
		if other, ok := channel.Other(client); ok {
			peers = append(peers, other)
		}
	}
	return peers, nil
}

func (m *MemoryStore) SetEncryptionKeysMessage(channel identity.ChannelID, owner identity.ClientID, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.channels[channel]
	if !exists {
		return ErrChannelNotExists
	}

	if messageID < 0 || messageID >= len(rec.messages) || rec.messages[messageID].Sender != owner {
		return ErrInvalidId
	}

	rec.keyBundlePointers[owner] = messageID
	return nil
}

func (m *MemoryStore) GetEncryptionKeysMessage(channel identity.ChannelID, owner identity.ClientID) (*int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.channels[channel]
	if !exists {
		return nil, ErrChannelNotExists
	}

	idx, set := rec.keyBundlePointers[owner]
	if !set {
		return nil, nil
	}
	v := idx
	return &v, nil
}
