package trustanchor

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultSocketPath is where the guest agent listens inside a production
// enclave.
const DefaultSocketPath = "/var/run/dstack.sock"

const (
	defaultTimeout  = 5 * time.Second
	defaultAttempts = 3
	defaultBackoff  = 250 * time.Millisecond
)

// GuestAgent is the production TrustAnchor: a JSON client for the guest
// agent's HTTP API on a unix domain socket. Every call is bounded by a
// per-attempt timeout and a fixed retry budget; transient transport failures
// surface as ErrUnavailable, never as a silent substitute key.
type GuestAgent struct {
	client   *http.Client
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// Option configures a GuestAgent at creation time.
type Option func(*GuestAgent)

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *GuestAgent) { g.timeout = d }
}

// WithAttempts sets the bounded retry count (total attempts, minimum 1).
func WithAttempts(n int) Option {
	return func(g *GuestAgent) {
		if n >= 1 {
			g.attempts = n
		}
	}
}

// WithBackoff sets the base delay between attempts. The delay doubles per
// retry.
func WithBackoff(d time.Duration) Option {
	return func(g *GuestAgent) { g.backoff = d }
}

// NewGuestAgent creates a client for the guest agent socket at socketPath.
func NewGuestAgent(socketPath string, opts ...Option) *GuestAgent {
	g := &GuestAgent{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		timeout:  defaultTimeout,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type getKeyRequest struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
}

type getKeyResponse struct {
	Key            string   `json:"key"`
	SignatureChain []string `json:"signature_chain"`
}

type getQuoteRequest struct {
	ReportData string `json:"report_data"`
}

type getQuoteResponse struct {
	Quote string `json:"quote"`
}

// DeriveKey requests root key material for a derivation path.
func (g *GuestAgent) DeriveKey(ctx context.Context, path, purpose string) (*DerivedRoot, error) {
	var resp getKeyResponse
	if err := g.post(ctx, "/GetKey", getKeyRequest{Path: path, Purpose: purpose}, &resp); err != nil {
		return nil, err
	}

	key, err := hex.DecodeString(resp.Key)
	if err != nil {
		return nil, fmt.Errorf("guest agent returned malformed key: %w", err)
	}
	chain := make([][]byte, 0, len(resp.SignatureChain))
	for i, sig := range resp.SignatureChain {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			return nil, fmt.Errorf("guest agent returned malformed signature %d: %w", i, err)
		}
		chain = append(chain, raw)
	}

	return &DerivedRoot{Key: key, SignatureChain: chain}, nil
}

// RequestQuote requests an attestation quote over reportData.
func (g *GuestAgent) RequestQuote(ctx context.Context, reportData []byte) (*AttestationQuote, error) {
	if len(reportData) > MaxReportDataSize {
		return nil, fmt.Errorf("report data exceeds %d bytes; hash it down first", MaxReportDataSize)
	}

	var resp getQuoteResponse
	req := getQuoteRequest{ReportData: hex.EncodeToString(reportData)}
	if err := g.post(ctx, "/GetQuote", req, &resp); err != nil {
		return nil, err
	}

	quote, err := hex.DecodeString(resp.Quote)
	if err != nil {
		return nil, fmt.Errorf("guest agent returned malformed quote: %w", err)
	}
	return &AttestationQuote{Quote: quote}, nil
}

// post sends one JSON request with bounded retries. Transport errors and 5xx
// responses are retried with doubling backoff; 4xx responses fail fast.
func (g *GuestAgent) post(ctx context.Context, endpoint string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := g.backoff
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = g.postOnce(ctx, endpoint, payload, respBody)
		if lastErr == nil {
			return nil
		}
		var fatal *fatalStatusError
		if errors.As(lastErr, &fatal) {
			return fmt.Errorf("guest agent rejected %s: %s", endpoint, fatal.status)
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrUnavailable, endpoint, g.attempts, lastErr)
}

func (g *GuestAgent) postOnce(ctx context.Context, endpoint string, payload []byte, respBody any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Host is ignored by the unix-socket dialer but required by net/http.
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, "http://localhost"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &fatalStatusError{status: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// fatalStatusError marks a response that must not be retried.
type fatalStatusError struct {
	status string
}

func (e *fatalStatusError) Error() string {
	return "fatal status: " + e.status
}
