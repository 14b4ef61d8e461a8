package cache

import (
	"context"
	"sync"
)

// MemoryRemote is an in-process Remote implementation, used in tests and as
// a reference for what the contract requires of a real transport.
type MemoryRemote struct {
	mu      sync.Mutex
	entries map[string][]byte

	// Fail, when set, makes every call return this error.
	Fail error
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{entries: make(map[string][]byte)}
}

func (m *MemoryRemote) Get(_ context.Context, address string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fail != nil {
		return nil, m.Fail
	}
	data, ok := m.entries[address]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryRemote) Put(_ context.Context, address string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fail != nil {
		return m.Fail
	}
	m.entries[address] = append([]byte(nil), data...)
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryRemote) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
