// Package keystore persists the executor's X25519 identity key, the
// recipient key module payloads are sealed to. The real backend sits on the
// OS keyring; an in-memory mock is exported for tests in other packages.
package keystore

import "errors"

// ErrKeyNotFound is returned when no key exists under the requested ID.
var ErrKeyNotFound = errors.New("keystore: key not found")

// Keystore stores X25519 private scalars by key ID.
type Keystore interface {
	// GetIdentityKey retrieves the private scalar stored under keyID.
	GetIdentityKey(keyID string) ([32]byte, error)
	// SetIdentityKey stores a private scalar under keyID.
	SetIdentityKey(keyID string, priv [32]byte) error
	// ListKeys returns all stored key IDs.
	ListKeys() ([]string, error)
}
