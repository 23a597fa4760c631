// Package executor implements the load path. It coordinates the gate, key
// derivation, codec, verifier, and loader packages to turn a published
// package back into a callable module, and returns structured results with
// hashes for audit logging.
//
// Functions here perform no logging - they are pure library functions that
// return structured data. Logging is handled by the caller (e.g. CLI).
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Account-Link/dstack-semiproprietary-modules/bundle"
	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/ecies"
	"github.com/Account-Link/dstack-semiproprietary-modules/gate"
	"github.com/Account-Link/dstack-semiproprietary-modules/loader"
	"github.com/Account-Link/dstack-semiproprietary-modules/modkey"
	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
	"github.com/Account-Link/dstack-semiproprietary-modules/publisher"
	"github.com/Account-Link/dstack-semiproprietary-modules/trustanchor"
	"github.com/Account-Link/dstack-semiproprietary-modules/verifier"
)

// IntegrityError indicates the package's content failed a cryptographic
// check: the codec MAC did not verify, or the decrypted plaintext did not
// hash to the published source hash. Either way the package is treated as
// corrupt or tampered and nothing derived from it is exposed.
type IntegrityError struct {
	Cause error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("package integrity failure: %v", e.Cause)
}

func (e *IntegrityError) Unwrap() error {
	return e.Cause
}

// LoadModuleRequest contains all the information needed to load a published
// module for execution.
type LoadModuleRequest struct {
	// Package is the published encrypted package.
	Package *bundle.Package
	// RequestPolicy carries the requester's payment proof and attestation
	// context, evaluated by the gate before any key material is derived.
	RequestPolicy policy.RequestPolicy
	// Capability is the policy the decrypted source is re-verified against
	// before it is evaluated. It must demand the exports callers will use.
	Capability policy.CapabilityPolicy
	// Anchor is the trust anchor that owns root key material.
	Anchor trustanchor.TrustAnchor
	// Now overrides the gate's clock. Defaults to time.Now.
	Now func() time.Time
}

// LoadHashes contains the SHA256 hashes calculated during a load, proof of
// what was authorized, decrypted, and exposed.
type LoadHashes struct {
	// PackageCID is the content address of the loaded package.
	PackageCID string `json:"package_cid"`
	// CiphertextHash is the hex SHA256 of the sealed bytes as published.
	CiphertextHash string `json:"ciphertext_hash"`
	// SourceHash is the package's published source hash, confirmed against
	// the decrypted plaintext before load.
	SourceHash string `json:"source_hash"`
	// QuoteHash is the hex SHA256 of the attestation quote the gate
	// obtained for this request.
	QuoteHash string `json:"quote_hash"`
}

// LoadModuleResult is the loaded module plus the audit trail of how it got
// there.
type LoadModuleResult struct {
	// Module is the loaded, probed module. Only the capability policy's
	// required exports are callable.
	Module *loader.Module
	// Authorization is the gate's grant for this request.
	Authorization *gate.Authorization
	// Verification is the accepting verdict the decrypted source received.
	Verification verifier.Result
	// Hashes contains the hashes calculated during the load.
	Hashes LoadHashes
	// ProvenanceDepth is the length of the trust anchor's signature chain
	// for the key derivation.
	ProvenanceDepth int
}

// LoadModule runs the full load path:
//  1. Evaluates the gate against the package's access policy
//  2. Derives the module key from the trust anchor
//  3. Decrypts the ciphertext and confirms the source hash binding
//  4. Re-verifies the plaintext against the capability policy
//  5. Loads the module in an isolated runtime and runs the known-answer probe
//
// Plaintext key material lives only for the duration of the call; nothing is
// persisted. A failure at any step exposes no module handle.
func LoadModule(ctx context.Context, req *LoadModuleRequest) (*LoadModuleResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if req.Package == nil {
		return nil, errors.New("package cannot be nil")
	}
	if req.Anchor == nil {
		return nil, errors.New("trust anchor cannot be nil")
	}

	var gateOpts []gate.Option
	if req.Now != nil {
		gateOpts = append(gateOpts, gate.WithClock(req.Now))
	}
	auth, err := gate.New(req.Anchor, gateOpts...).Authorize(ctx, req.Package.Metadata.Policy, req.RequestPolicy)
	if err != nil {
		return nil, fmt.Errorf("access denied: %w", err)
	}

	key, err := modkey.DeriveModuleKey(ctx, req.Anchor, req.Package.Metadata.ModuleID,
		req.Package.Metadata.Policy, publisher.PurposeEncrypt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive module key: %w", err)
	}
	_, priv, err := key.KeyPair()
	if err != nil {
		return nil, err
	}

	source, err := ecies.Decrypt(req.Package.Ciphertext, priv)
	if err != nil {
		if errors.Is(err, ecies.ErrIntegrity) || errors.Is(err, ecies.ErrCiphertextTooShort) {
			return nil, &IntegrityError{Cause: err}
		}
		return nil, fmt.Errorf("failed to decrypt module: %w", err)
	}

	if err := req.Package.VerifySource(source); err != nil {
		return nil, &IntegrityError{Cause: err}
	}

	// The publish-time verdict is not trusted: the plaintext is re-verified
	// here before it reaches the evaluator.
	result := verifier.Verify(string(source), req.Capability)
	if !result.Accepted {
		return nil, fmt.Errorf("refusing to load: %w", result.Err())
	}

	mod, err := loader.Load(string(source), req.Capability.RequiredExports)
	if err != nil {
		return nil, fmt.Errorf("failed to load module: %w", err)
	}

	if err := loader.Probe(ctx, mod); err != nil {
		return nil, err
	}

	id, err := req.Package.CID()
	if err != nil {
		return nil, err
	}
	ctHash := sha256.Sum256(req.Package.Ciphertext)
	quoteHash := sha256.Sum256(auth.Claim.Quote)

	return &LoadModuleResult{
		Module:        mod,
		Authorization: auth,
		Verification:  result,
		Hashes: LoadHashes{
			PackageCID:     id,
			CiphertextHash: hex.EncodeToString(ctHash[:]),
			SourceHash:     req.Package.Metadata.SourceHash,
			QuoteHash:      hex.EncodeToString(quoteHash[:]),
		},
		ProvenanceDepth: len(key.ProvenanceChain),
	}, nil
}

// ExecuteModuleRequest loads a module and invokes one of its exports in a
// single call, for callers that need a one-shot result rather than a
// long-lived module handle.
type ExecuteModuleRequest struct {
	LoadModuleRequest
	// Export is the name of the exported function to invoke. It must be one
	// of the capability policy's required exports.
	Export string
	// Args are the arguments passed to the export, converted into the
	// runtime.
	Args []any
}

// ExecuteModuleResult is the outcome of a one-shot load-and-call.
type ExecuteModuleResult struct {
	// Load is the full load result, including the audit hashes.
	Load *LoadModuleResult
	// Output is the exported (host-side) value the call returned.
	Output any
}

// ExecuteModule loads a module and calls a single export. The module handle
// is not retained; each call runs the full load path including the probe.
func ExecuteModule(ctx context.Context, req *ExecuteModuleRequest) (*ExecuteModuleResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if req.Export == "" {
		return nil, errors.New("export name cannot be empty")
	}

	loaded, err := LoadModule(ctx, &req.LoadModuleRequest)
	if err != nil {
		return nil, err
	}

	output, err := loaded.Module.Call(ctx, req.Export, req.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute module: %w", err)
	}

	return &ExecuteModuleResult{
		Load:   loaded,
		Output: output,
	}, nil
}
