// Package ecies implements the asymmetric codec that seals module payloads:
// an ephemeral-key Diffie-Hellman exchange on X25519, HMAC-based key
// derivation, AES-128-CTR encryption, and an encrypt-then-MAC integrity tag.
//
// Wire format: [ephemeral_public_key:32][iv:16][ciphertext][mac:32]
//
// Decryption verifies the MAC over the first three fields with a
// constant-time comparison before touching the ciphertext. That ordering is a
// hard invariant: plaintext is never produced from an unauthenticated buffer.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// PublicKeySize is the fixed length of an X25519 curve point encoding.
	PublicKeySize = 32
	// PrivateKeySize is the fixed length of an X25519 scalar.
	PrivateKeySize = 32
	// IVSize is the AES-CTR initialization vector length.
	IVSize = aes.BlockSize
	// MACSize is the HMAC-SHA256 tag length. The tag is kept full-width on
	// the wire.
	MACSize = sha256.Size

	// minCiphertextSize is the smallest well-formed buffer: an ephemeral
	// public key, an IV, an empty ciphertext, and a tag.
	minCiphertextSize = PublicKeySize + IVSize + MACSize
)

// ErrCiphertextTooShort is returned for buffers below the minimum size.
var ErrCiphertextTooShort = errors.New("ecies: ciphertext shorter than minimum envelope size")

// ErrIntegrity is returned when MAC verification fails. The ciphertext is
// never decrypted in that case.
var ErrIntegrity = errors.New("ecies: message authentication failed")

// GenerateKeyPair generates a fresh X25519 key pair from crypto/rand.
func GenerateKeyPair() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("failed to generate private scalar: %w", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("failed to compute public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return pub, priv, nil
}

// PublicKeyFromPrivate recomputes the public point for a stored scalar.
func PublicKeyFromPrivate(priv [32]byte) ([32]byte, error) {
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute public key: %w", err)
	}
	var pub [32]byte
	copy(pub[:], pubBytes)
	return pub, nil
}

// Encrypt seals plaintext to the recipient's public key.
//
// A fresh ephemeral key pair is generated per call from a cryptographically
// secure source, used once, and zeroized before returning. Ephemeral keys are
// never persisted or reused: reuse across two encryptions breaks the scheme.
func Encrypt(plaintext []byte, recipientPub [32]byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer zeroize(ephPriv[:])

	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ephemeral public key: %w", err)
	}

	// Shared secret is the u-coordinate of the ECDH point. X25519 rejects
	// the all-zero output of low-order peer points.
	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer zeroize(shared)

	encKey, macKey := deriveKeys(shared)
	defer zeroize(encKey)
	defer zeroize(macKey)

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	// Build output: [ephemeral_public_key][iv][ciphertext][mac]
	out := make([]byte, 0, PublicKeySize+IVSize+len(ciphertext)+MACSize)
	out = append(out, ephPub...)
	out = append(out, iv...)
	out = append(out, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(out) // ephemeral_public_key || iv || ciphertext
	out = mac.Sum(out)

	return out, nil
}

// Decrypt opens a buffer produced by Encrypt using the recipient's private
// scalar. The MAC is recomputed over the embedded ephemeral public key, IV,
// and ciphertext and compared in constant time; on mismatch ErrIntegrity is
// returned and no decryption is attempted.
func Decrypt(ciphertext []byte, recipientPriv [32]byte) ([]byte, error) {
	if len(ciphertext) < minCiphertextSize {
		return nil, ErrCiphertextTooShort
	}

	ephPub := ciphertext[:PublicKeySize]
	body := ciphertext[:len(ciphertext)-MACSize]
	tag := ciphertext[len(ciphertext)-MACSize:]
	iv := ciphertext[PublicKeySize : PublicKeySize+IVSize]
	encrypted := ciphertext[PublicKeySize+IVSize : len(ciphertext)-MACSize]

	// ECDH is commutative in the exponent: the recipient's scalar against
	// the embedded ephemeral point recovers the sender's shared secret.
	shared, err := curve25519.X25519(recipientPriv[:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer zeroize(shared)

	encKey, macKey := deriveKeys(shared)
	defer zeroize(encKey)
	defer zeroize(macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, ErrIntegrity
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext := make([]byte, len(encrypted))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, encrypted)

	return plaintext, nil
}

// deriveKeys expands the shared secret into the cipher key and MAC key:
// HMAC-SHA256 keyed on an empty key with the secret as message, split 16/16.
func deriveKeys(shared []byte) (encKey, macKey []byte) {
	kdf := hmac.New(sha256.New, nil)
	kdf.Write(shared)
	material := kdf.Sum(nil)
	return material[:16], material[16:32]
}
