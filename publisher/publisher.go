// Package publisher implements the publish path: verify author source
// against the capability policy, derive the module- and policy-scoped key,
// seal the source with the codec, and produce the durable package record.
// It coordinates the verifier, key derivation, and codec packages and
// performs no I/O of its own — callers persist the result (e.g. via store).
package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Account-Link/dstack-semiproprietary-modules/bundle"
	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/ecies"
	"github.com/Account-Link/dstack-semiproprietary-modules/modkey"
	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
	"github.com/Account-Link/dstack-semiproprietary-modules/trustanchor"
	"github.com/Account-Link/dstack-semiproprietary-modules/verifier"
)

// PurposeEncrypt is the trust-anchor purpose string for publish-time
// derivations. The load path uses the same purpose so both sides land on the
// same key.
const PurposeEncrypt = "module-key"

// PublishRequest contains everything needed to publish a module.
type PublishRequest struct {
	// Source is the UTF-8 module source text.
	Source []byte
	// ModuleID identifies the module. When empty, a fresh UUID is minted;
	// a published module ID is never reused for different content.
	ModuleID string
	// AccessPolicy is the author-declared policy that travels with the
	// package and scopes the module key.
	AccessPolicy policy.AccessPolicy
	// Capability is the policy the source must verify against.
	Capability policy.CapabilityPolicy
	// Anchor is the trust anchor that owns root key material.
	Anchor trustanchor.TrustAnchor
	// Now overrides the publication timestamp source. Defaults to time.Now.
	Now func() time.Time
}

// PublishResult is the sealed package plus the audit trail of its creation.
type PublishResult struct {
	// Package is the durable record to publish. Its source hash binds the
	// plaintext; its ciphertext is sealed to the module's derived key.
	Package *bundle.Package
	// CID is the package's content address.
	CID string
	// Verification is the accepting verdict the source received.
	Verification verifier.Result
	// CiphertextHash is the hex SHA-256 of the sealed bytes.
	CiphertextHash string
	// ProvenanceDepth is the length of the trust anchor's signature chain
	// for the key derivation.
	ProvenanceDepth int
}

// Publish runs the full publish path. A module the verifier rejects is never
// encrypted: the error is the verifier's taxonomy error carrying the
// complete ordered violation list.
func Publish(ctx context.Context, req *PublishRequest) (*PublishResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if len(req.Source) == 0 {
		return nil, errors.New("source cannot be empty")
	}
	if req.Anchor == nil {
		return nil, errors.New("trust anchor cannot be nil")
	}

	result := verifier.Verify(string(req.Source), req.Capability)
	if !result.Accepted {
		return nil, fmt.Errorf("refusing to publish: %w", result.Err())
	}

	moduleID := req.ModuleID
	if moduleID == "" {
		moduleID = uuid.NewString()
	}

	key, err := modkey.DeriveModuleKey(ctx, req.Anchor, moduleID, req.AccessPolicy, PurposeEncrypt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive module key: %w", err)
	}
	recipientPub, _, err := key.KeyPair()
	if err != nil {
		return nil, err
	}

	ciphertext, err := ecies.Encrypt(req.Source, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt module: %w", err)
	}

	now := time.Now
	if req.Now != nil {
		now = req.Now
	}

	pkg := &bundle.Package{
		Metadata: bundle.Metadata{
			ModuleID:   moduleID,
			Policy:     req.AccessPolicy,
			SourceHash: bundle.SourceHash(req.Source),
			CreatedAt:  now().UTC(),
		},
		Ciphertext: ciphertext,
	}

	id, err := pkg.CID()
	if err != nil {
		return nil, err
	}

	ctHash := sha256.Sum256(ciphertext)
	return &PublishResult{
		Package:         pkg,
		CID:             id,
		Verification:    result,
		CiphertextHash:  hex.EncodeToString(ctHash[:]),
		ProvenanceDepth: len(key.ProvenanceChain),
	}, nil
}
