package trustanchor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
)

// Simulator is a deterministic TrustAnchor stand-in for tests and local
// development. It derives keys by HMAC over a fixed seed, so the same path
// and purpose always produce the same key, and two simulators with the same
// seed agree.
//
// It is a test double, wired in explicitly at construction time. Production
// configurations use the guest agent and fail closed when it is unreachable;
// nothing in this repository selects the simulator based on a runtime probe.
type Simulator struct {
	seed []byte
}

// NewSimulator creates a simulator with the given seed. The seed stands in
// for the hardware root of trust.
func NewSimulator(seed []byte) *Simulator {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &Simulator{seed: s}
}

// DeriveKey deterministically derives 32 bytes of key material for the path.
func (s *Simulator) DeriveKey(_ context.Context, path, purpose string) (*DerivedRoot, error) {
	key := s.hmac("simulated-root-key:" + path + ":" + purpose)
	// A single-element chain marks simulated provenance; nothing downstream
	// can mistake it for a hardware-backed chain.
	sig := s.hmac("simulated-provenance:" + path)
	return &DerivedRoot{
		Key:            key,
		SignatureChain: [][]byte{sig},
	}, nil
}

// RequestQuote produces a deterministic pseudo-quote binding reportData.
func (s *Simulator) RequestQuote(_ context.Context, reportData []byte) (*AttestationQuote, error) {
	mac := hmac.New(sha256.New, s.seed)
	mac.Write([]byte("simulated-quote:"))
	mac.Write(reportData)
	return &AttestationQuote{Quote: mac.Sum(nil)}, nil
}

func (s *Simulator) hmac(label string) []byte {
	mac := hmac.New(sha256.New, s.seed)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}
