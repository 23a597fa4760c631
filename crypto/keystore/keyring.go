package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// serviceName namespaces this system's keys inside the OS keyring.
const serviceName = "semimod-executor"

// KeyringKeystore implements Keystore on the OS keyring (Keychain on macOS,
// libsecret on Linux, wincred on Windows, encrypted file as fallback).
type KeyringKeystore struct {
	ring keyring.Keyring
}

// NewKeyringKeystore opens the OS keyring for this service.
func NewKeyringKeystore() (Keystore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &KeyringKeystore{ring: ring}, nil
}

// GetIdentityKey retrieves an X25519 private scalar from the keyring.
func (k *KeyringKeystore) GetIdentityKey(keyID string) ([32]byte, error) {
	item, err := k.ring.Get(keyID)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return [32]byte{}, ErrKeyNotFound
		}
		return [32]byte{}, fmt.Errorf("failed to get key from keyring: %w", err)
	}

	raw, err := hex.DecodeString(string(item.Data))
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to decode stored key: %w", err)
	}
	if len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("stored key has invalid size: %d bytes", len(raw))
	}

	var priv [32]byte
	copy(priv[:], raw)
	return priv, nil
}

// SetIdentityKey stores an X25519 private scalar in the keyring.
func (k *KeyringKeystore) SetIdentityKey(keyID string, priv [32]byte) error {
	err := k.ring.Set(keyring.Item{
		Key:  keyID,
		Data: []byte(hex.EncodeToString(priv[:])),
	})
	if err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// ListKeys returns all key IDs stored in the keyring for this service.
func (k *KeyringKeystore) ListKeys() ([]string, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	return keys, nil
}
