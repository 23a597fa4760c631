package keystore

import "sync"

// MockKeystore is an in-memory implementation of Keystore for testing.
// This is exported so it can be used by tests in other packages.
type MockKeystore struct {
	mu   sync.RWMutex
	keys map[string][32]byte
}

// NewMockKeystore creates a new in-memory keystore for testing.
func NewMockKeystore() *MockKeystore {
	return &MockKeystore{keys: make(map[string][32]byte)}
}

func (m *MockKeystore) GetIdentityKey(keyID string) ([32]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	priv, ok := m.keys[keyID]
	if !ok {
		return [32]byte{}, ErrKeyNotFound
	}
	return priv, nil
}

func (m *MockKeystore) SetIdentityKey(keyID string, priv [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[keyID] = priv
	return nil
}

func (m *MockKeystore) ListKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	return ids, nil
}
