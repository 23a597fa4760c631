// Package trustanchor models the external trust boundary of the pipeline:
// the collaborator that owns root key material and produces attestation
// quotes. The core only ever talks to the TrustAnchor interface; the real
// backend is the guest agent on its unix socket, and a clearly separate
// deterministic simulator exists for tests. Production code paths fail closed
// when the anchor is unavailable — there is no implicit fallback.
package trustanchor

import (
	"context"
	"crypto/sha256"
	"errors"
)

// MaxReportDataSize is the largest report-data payload an attestation quote
// can bind directly. Larger inputs must be hashed down, never truncated.
const MaxReportDataSize = 64

// ErrUnavailable indicates the trust anchor could not be reached. It is
// transient: callers may retry with backoff up to a bounded attempt count,
// then must surface it.
var ErrUnavailable = errors.New("trustanchor: trust anchor unavailable")

// DerivedRoot is the result of a root-key derivation.
type DerivedRoot struct {
	// Key is the root key material for the requested path.
	Key []byte
	// SignatureChain is the ordered provenance chain establishing that the
	// key came from an authorized trust-anchor operation. The chain is
	// opaque to the core; its cryptographic validity is the anchor's domain.
	SignatureChain [][]byte
}

// AttestationQuote is an attestation over caller-supplied report data.
type AttestationQuote struct {
	Quote []byte
}

// TrustAnchor is the only interface the core has toward the trusted
// execution collaborator.
type TrustAnchor interface {
	// DeriveKey derives root key material for a path and purpose.
	// Derivation is deterministic: the same path and purpose against the
	// same anchor state always yield the same key.
	DeriveKey(ctx context.Context, path, purpose string) (*DerivedRoot, error)
	// RequestQuote produces an attestation quote binding reportData, which
	// must not exceed MaxReportDataSize bytes.
	RequestQuote(ctx context.Context, reportData []byte) (*AttestationQuote, error)
}

// PrepareReportData makes arbitrary data fit the report-data limit: payloads
// within the limit pass through unchanged, larger ones are SHA-256 reduced.
func PrepareReportData(data []byte) []byte {
	if len(data) <= MaxReportDataSize {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	sum := sha256.Sum256(data)
	return sum[:]
}
