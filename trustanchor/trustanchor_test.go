package trustanchor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestPrepareReportData(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{name: "empty", size: 0, want: 0},
		{name: "small", size: 16, want: 16},
		{name: "exactly at limit", size: MaxReportDataSize, want: MaxReportDataSize},
		{name: "one over limit", size: MaxReportDataSize + 1, want: sha256.Size},
		{name: "large", size: 4096, want: sha256.Size},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0xAB}, tt.size)
			got := PrepareReportData(data)
			if len(got) != tt.want {
				t.Errorf("PrepareReportData() length = %d, want %d", len(got), tt.want)
			}
			if tt.size > MaxReportDataSize {
				sum := sha256.Sum256(data)
				if !bytes.Equal(got, sum[:]) {
					t.Error("oversized data was not SHA-256 reduced")
				}
			} else if !bytes.Equal(got, data) {
				t.Error("in-limit data was not passed through unchanged")
			}
		})
	}
}

func TestSimulatorDeterministic(t *testing.T) {
	ctx := context.Background()
	a := NewSimulator([]byte("seed"))
	b := NewSimulator([]byte("seed"))

	rootA, err := a.DeriveKey(ctx, "semimod/m1/abcd", "module-key")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	rootB, err := b.DeriveKey(ctx, "semimod/m1/abcd", "module-key")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if !bytes.Equal(rootA.Key, rootB.Key) {
		t.Error("same seed and path produced different keys")
	}
	if len(rootA.SignatureChain) != 1 {
		t.Errorf("SignatureChain length = %d, want 1", len(rootA.SignatureChain))
	}

	other, err := a.DeriveKey(ctx, "semimod/m1/ffff", "module-key")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if bytes.Equal(rootA.Key, other.Key) {
		t.Error("different paths produced the same key")
	}

	otherSeed, err := NewSimulator([]byte("other")).DeriveKey(ctx, "semimod/m1/abcd", "module-key")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if bytes.Equal(rootA.Key, otherSeed.Key) {
		t.Error("different seeds produced the same key")
	}
}

func TestSimulatorQuoteBindsReportData(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator([]byte("seed"))

	q1, err := sim.RequestQuote(ctx, []byte("nonce-1"))
	if err != nil {
		t.Fatalf("RequestQuote() error = %v", err)
	}
	q2, err := sim.RequestQuote(ctx, []byte("nonce-2"))
	if err != nil {
		t.Fatalf("RequestQuote() error = %v", err)
	}
	if bytes.Equal(q1.Quote, q2.Quote) {
		t.Error("different report data produced the same quote")
	}

	again, err := sim.RequestQuote(ctx, []byte("nonce-1"))
	if err != nil {
		t.Fatalf("RequestQuote() error = %v", err)
	}
	if !bytes.Equal(q1.Quote, again.Quote) {
		t.Error("same report data produced different quotes")
	}
}

// serveUnix runs an HTTP handler on a unix socket under the test temp dir.
func serveUnix(t *testing.T, handler http.Handler) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("failed to listen on unix socket: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(func() { _ = srv.Close() })
	return socketPath
}

func TestGuestAgentDeriveKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	sig := bytes.Repeat([]byte{0x22}, 64)

	mux := http.NewServeMux()
	mux.HandleFunc("/GetKey", func(w http.ResponseWriter, r *http.Request) {
		var req getKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Path != "semimod/m1/abcd" || req.Purpose != "module-key" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(getKeyResponse{
			Key:            hex.EncodeToString(key),
			SignatureChain: []string{hex.EncodeToString(sig)},
		})
	})

	agent := NewGuestAgent(serveUnix(t, mux))
	root, err := agent.DeriveKey(context.Background(), "semimod/m1/abcd", "module-key")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if !bytes.Equal(root.Key, key) {
		t.Error("derived key does not match agent response")
	}
	if len(root.SignatureChain) != 1 || !bytes.Equal(root.SignatureChain[0], sig) {
		t.Error("signature chain does not match agent response")
	}
}

func TestGuestAgentRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/GetQuote", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(getQuoteResponse{Quote: hex.EncodeToString([]byte("quote"))})
	})

	agent := NewGuestAgent(serveUnix(t, mux), WithAttempts(3), WithBackoff(time.Millisecond))
	quote, err := agent.RequestQuote(context.Background(), []byte("nonce"))
	if err != nil {
		t.Fatalf("RequestQuote() error = %v", err)
	}
	if string(quote.Quote) != "quote" {
		t.Errorf("Quote = %q", quote.Quote)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("agent called %d times, want 3", got)
	}
}

func TestGuestAgentFailsFastOnClientError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/GetKey", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such path", http.StatusBadRequest)
	})

	agent := NewGuestAgent(serveUnix(t, mux), WithAttempts(3), WithBackoff(time.Millisecond))
	_, err := agent.DeriveKey(context.Background(), "semimod/m1/abcd", "module-key")
	if err == nil {
		t.Fatal("DeriveKey() succeeded against rejecting agent")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("4xx rejection reported as transient: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("agent called %d times, want 1 (no retry on 4xx)", got)
	}
}

func TestGuestAgentUnreachable(t *testing.T) {
	agent := NewGuestAgent(
		filepath.Join(t.TempDir(), "missing.sock"),
		WithAttempts(2), WithBackoff(time.Millisecond), WithTimeout(100*time.Millisecond),
	)
	_, err := agent.DeriveKey(context.Background(), "semimod/m1/abcd", "module-key")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("DeriveKey() error = %v, want ErrUnavailable", err)
	}
}

func TestGuestAgentRejectsOversizedReportData(t *testing.T) {
	agent := NewGuestAgent(filepath.Join(t.TempDir(), "unused.sock"))
	_, err := agent.RequestQuote(context.Background(), make([]byte, MaxReportDataSize+1))
	if err == nil {
		t.Fatal("RequestQuote() accepted oversized report data")
	}
}
