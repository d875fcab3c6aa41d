package session

import (
	"context"
	"sync"

	"codeberg.org/mutker/wabot-instance/internal/protocol"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.Mutex
	creds   protocol.Credentials
	saves   int
	deletes int
	err     error
}

func NewMemoryStore(initial protocol.Credentials) *MemoryStore {
	return &MemoryStore{creds: initial}
}

func (m *MemoryStore) Load(_ context.Context) (protocol.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return protocol.Credentials{}, m.err
	}
	return m.creds, nil
}

func (m *MemoryStore) Save(_ context.Context, creds protocol.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.creds = creds
	m.saves++
	return nil
}

func (m *MemoryStore) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.creds = protocol.Credentials{}
	m.deletes++
	return nil
}

func (*MemoryStore) Close() error {
	return nil
}

// FailWith makes every call return err until reset with nil.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Stats returns how many saves and deletes have succeeded.
func (m *MemoryStore) Stats() (saves, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves, m.deletes
}
