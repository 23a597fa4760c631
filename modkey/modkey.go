// Package modkey derives module-and-policy-scoped keys from the trust
// anchor's root key material. Derivation is deterministic, so decrypting a
// published module never requires storing its key — only the ability to
// re-derive it along the same policy path.
package modkey

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/ecies"
	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
	"github.com/Account-Link/dstack-semiproprietary-modules/trustanchor"
)

// Namespace prefixes every derivation path this system requests from the
// trust anchor, separating its keys from any other tenant of the anchor.
const Namespace = "semimod"

// DerivedKey is scoped to exactly one (module, policy) pair. Two different
// policies for the same module land on different derivation paths and chain
// through different hashes, so their keys are unrelated: compromise of one
// derived key reveals neither the root key nor any sibling key.
type DerivedKey struct {
	ModuleID   string
	PolicyHash [32]byte
	Key        [32]byte
	// ProvenanceChain is the trust anchor's ordered signature chain for the
	// root-key operation, carried through for audit.
	ProvenanceChain [][]byte
}

// DerivationPath returns the canonical trust-anchor path for a module and
// policy: "<namespace>/<module_id>/<first 16 hex chars of policy hash>".
// The path depends only on its inputs' canonical forms, never on field order.
func DerivationPath(moduleID string, pol policy.AccessPolicy) (string, error) {
	component, err := pol.PathComponent()
	if err != nil {
		return "", fmt.Errorf("failed to hash access policy: %w", err)
	}
	return fmt.Sprintf("%s/%s/%s", Namespace, moduleID, component), nil
}

// DeriveModuleKey derives the key for one (module, policy) pair, delegating
// the root-key operation to the trust anchor.
//
// The module key is SHA256(root_key || module_id || canonical_json(policy)):
// the root key chained through a module- and policy-specific hash. Anchor
// unavailability surfaces as trustanchor.ErrUnavailable; there is no
// deterministic fallback on the production path.
func DeriveModuleKey(ctx context.Context, anchor trustanchor.TrustAnchor, moduleID string, pol policy.AccessPolicy, purpose string) (*DerivedKey, error) {
	if moduleID == "" {
		return nil, fmt.Errorf("module ID cannot be empty")
	}
	if anchor == nil {
		return nil, fmt.Errorf("trust anchor cannot be nil")
	}

	path, err := DerivationPath(moduleID, pol)
	if err != nil {
		return nil, err
	}

	root, err := anchor.DeriveKey(ctx, path, purpose)
	if err != nil {
		return nil, fmt.Errorf("root key derivation failed: %w", err)
	}

	canonPolicy, err := policy.CanonicalJSON(pol)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize access policy: %w", err)
	}
	policyHash, err := pol.Hash()
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write(root.Key)
	h.Write([]byte(moduleID))
	h.Write(canonPolicy)

	var key [32]byte
	copy(key[:], h.Sum(nil))

	return &DerivedKey{
		ModuleID:        moduleID,
		PolicyHash:      policyHash,
		Key:             key,
		ProvenanceChain: root.SignatureChain,
	}, nil
}

// KeyPair interprets the derived key as an X25519 scalar and returns the
// matching codec key pair. The publisher seals to the public half; an
// executor that can re-derive the key holds the private half by
// construction.
func (k *DerivedKey) KeyPair() (pub, priv [32]byte, err error) {
	priv = k.Key
	pub, err = ecies.PublicKeyFromPrivate(priv)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("failed to derive module public key: %w", err)
	}
	return pub, priv, nil
}
