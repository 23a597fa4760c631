package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// AccessPolicy is the author-declared record that travels with an encrypted
// module and controls when it may be decrypted. It is pure data; the policy
// gate compares it against a RequestPolicy at load time, and the key
// derivation service binds derived keys to its canonical hash, so a published
// policy can never be altered without changing the module key.
type AccessPolicy struct {
	// RequiresPayment marks the module as paid-tier. The gate then requires
	// a payment proof to be present on the request.
	RequiresPayment bool `json:"requires_payment" yaml:"requires_payment"`
	// Price and Currency describe the asking price. Kept as a string so the
	// canonical encoding is stable (no float formatting ambiguity).
	Price    string `json:"price,omitempty" yaml:"price,omitempty"`
	Currency string `json:"currency,omitempty" yaml:"currency,omitempty"`
	// ValidUntil, when set, is the instant after which the module may no
	// longer be decrypted. Expiry is strict: a request at exactly ValidUntil
	// is already expired.
	ValidUntil *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	// Author identifies the publisher.
	Author string `json:"author" yaml:"author"`
	// Version is the author-assigned module version string.
	Version string `json:"version" yaml:"version"`
}

// RequestPolicy is supplied by the party requesting decryption.
type RequestPolicy struct {
	// PaymentProof is an opaque receipt from the external payment
	// collaborator. The gate checks presence only; authenticity validation
	// is delegated.
	PaymentProof string `json:"payment_proof,omitempty"`
	// AttestationContext is caller-chosen data bound into the attestation
	// quote's report data (for example a nonce or a request hash).
	AttestationContext []byte `json:"attestation_context,omitempty"`
}

// CanonicalJSON returns a deterministic JSON encoding of v: object keys are
// sorted and the output carries no insignificant whitespace. Two structurally
// equal values always produce byte-identical encodings, which makes the
// result safe to hash.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for canonicalization: %w", err)
	}
	// Round-trip through an untyped value. encoding/json sorts map keys on
	// output, which gives us the canonical ordering for every nested object.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}
	canon, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal canonical form: %w", err)
	}
	return canon, nil
}

// Hash returns the SHA-256 of the policy's canonical JSON encoding.
func (p AccessPolicy) Hash() ([32]byte, error) {
	canon, err := CanonicalJSON(p)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

// HashHex returns the lowercase hex form of Hash.
func (p AccessPolicy) HashHex() (string, error) {
	h, err := p.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// PathComponent returns the first 16 hex characters of the policy hash,
// the segment used in trust-anchor derivation paths. Two different policies
// for the same module land on different paths, so their keys are unrelated.
func (p AccessPolicy) PathComponent() (string, error) {
	h, err := p.HashHex()
	if err != nil {
		return "", err
	}
	return h[:16], nil
}
