// Package gate evaluates a request-time policy against a module's published
// access policy before key release. The gate enforces preconditions only:
// payment-proof presence, strict expiry, and availability of a well-formed
// attestation claim. Proof authenticity and quote validity are delegated to
// the external payment and trust-anchor collaborators.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
	"github.com/Account-Link/dstack-semiproprietary-modules/trustanchor"
)

// Named rule failures. Callers and audit logs depend on distinguishing
// these; a generic "denied" is never returned.
var (
	// ErrPaymentRequired: the module requires payment and the request
	// carries no payment proof.
	ErrPaymentRequired = errors.New("gate: payment proof required")
	// ErrExpired: the module's access policy validity window has passed.
	ErrExpired = errors.New("gate: access policy expired")
	// ErrAttestationUnavailable: no structurally well-formed attestation
	// claim could be obtained for the requester's execution context.
	ErrAttestationUnavailable = errors.New("gate: attestation unavailable")
)

// AttestationClaim binds the requester's execution context at authorization
// time. Its cryptographic validity is the trust anchor's domain; the gate
// checks structure only.
type AttestationClaim struct {
	// ReportData is what the quote binds, already reduced to the report
	// data size limit.
	ReportData []byte
	// Quote is the anchor-produced attestation.
	Quote []byte
}

// Authorization is the gate's grant: proof that every rule passed at
// GrantedAt, carrying the attestation claim for downstream audit.
type Authorization struct {
	ModuleAuthor string
	GrantedAt    time.Time
	Claim        AttestationClaim
}

// Gate authorizes decryption requests. The trust anchor and the clock are
// injected at construction; tests substitute both.
type Gate struct {
	anchor trustanchor.TrustAnchor
	now    func() time.Time
}

// Option configures a Gate at creation time.
type Option func(*Gate)

// WithClock overrides the time source, for deterministic expiry tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate bound to a trust anchor.
func New(anchor trustanchor.TrustAnchor, opts ...Option) *Gate {
	g := &Gate{
		anchor: anchor,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize evaluates every rule independently and returns an Authorization
// only when all pass. Failures are joined, so a request that is both unpaid
// and expired reports both — errors.Is matches each named rule error.
func (g *Gate) Authorize(ctx context.Context, modulePolicy policy.AccessPolicy, request policy.RequestPolicy) (*Authorization, error) {
	var failures []error

	if modulePolicy.RequiresPayment && request.PaymentProof == "" {
		failures = append(failures, ErrPaymentRequired)
	}

	now := g.now()
	if modulePolicy.ValidUntil != nil && !now.Before(*modulePolicy.ValidUntil) {
		failures = append(failures, fmt.Errorf("%w: valid until %s", ErrExpired, modulePolicy.ValidUntil.Format(time.RFC3339)))
	}

	claim, err := g.obtainClaim(ctx, request)
	if err != nil {
		failures = append(failures, err)
	}

	if len(failures) > 0 {
		return nil, errors.Join(failures...)
	}

	return &Authorization{
		ModuleAuthor: modulePolicy.Author,
		GrantedAt:    now,
		Claim:        *claim,
	}, nil
}

func (g *Gate) obtainClaim(ctx context.Context, request policy.RequestPolicy) (*AttestationClaim, error) {
	reportData := trustanchor.PrepareReportData(request.AttestationContext)
	quote, err := g.anchor.RequestQuote(ctx, reportData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationUnavailable, err)
	}
	if quote == nil || len(quote.Quote) == 0 {
		return nil, fmt.Errorf("%w: anchor returned empty quote", ErrAttestationUnavailable)
	}
	return &AttestationClaim{
		ReportData: reportData,
		Quote:      quote.Quote,
	}, nil
}
