package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Account-Link/dstack-semiproprietary-modules/executor"
	"github.com/Account-Link/dstack-semiproprietary-modules/gate"
	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
	"github.com/Account-Link/dstack-semiproprietary-modules/store"
	"github.com/Account-Link/dstack-semiproprietary-modules/trustanchor"
)

var (
	serveListen  string
	serveTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "127.0.0.1:8475", "Address to serve the execution API on")
	serveCmd.Flags().DurationVar(&serveTimeout, "call-timeout", 30*time.Second, "Per-request execution timeout")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve module execution over HTTP",
	Long: "Runs a long-lived execution service. Each request names a published\n" +
		"package and an export; the full load path runs per request, so every\n" +
		"execution is gated and probed. When --capability-policy names a file,\n" +
		"the policy is hot-reloaded on change; a file that fails to parse never\n" +
		"replaces the running policy.",
	RunE: runServe,
}

// server holds the state shared across requests. The capability policy is
// guarded by a mutex because the watcher swaps it concurrently.
type server struct {
	mu         sync.RWMutex
	capability policy.CapabilityPolicy

	store  *store.Store
	anchor trustanchor.TrustAnchor
	log    *slog.Logger
}

func (s *server) currentPolicy() policy.CapabilityPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capability
}

func (s *server) setPolicy(p policy.CapabilityPolicy) {
	s.mu.Lock()
	s.capability = p
	s.mu.Unlock()
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	capability, err := capabilityFromFlags()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	srv := &server{
		capability: capability,
		store:      st,
		anchor:     anchorFromFlags(),
		log:        log,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if policyPath != "" {
		watcher := policy.NewWatcher(policyPath,
			func(p policy.CapabilityPolicy) {
				srv.setPolicy(p)
				log.Info("capability policy reloaded", "path", policyPath)
			},
			func(err error) {
				log.Error("capability policy reload failed, keeping current policy", "path", policyPath, "error", err)
			},
		)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/execute", srv.handleExecute)
	mux.HandleFunc("GET /v1/packages", srv.handleList)

	httpSrv := &http.Server{
		Addr:              serveListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("serving", "addr", serveListen, "store", storePath)
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type executeRequest struct {
	CID                string `json:"cid"`
	Export             string `json:"export"`
	Args               []any  `json:"args"`
	PaymentProof       string `json:"payment_proof,omitempty"`
	AttestationContext []byte `json:"attestation_context,omitempty"`
}

type executeResponse struct {
	Output any                 `json:"output"`
	Hashes executor.LoadHashes `json:"hashes"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.CID == "" || req.Export == "" {
		httpError(w, http.StatusBadRequest, errors.New("cid and export are required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), serveTimeout)
	defer cancel()

	pkg, err := s.store.Get(ctx, req.CID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, err)
		} else {
			httpError(w, http.StatusInternalServerError, err)
		}
		return
	}

	start := time.Now()
	result, err := executor.ExecuteModule(ctx, &executor.ExecuteModuleRequest{
		LoadModuleRequest: executor.LoadModuleRequest{
			Package: pkg,
			RequestPolicy: policy.RequestPolicy{
				PaymentProof:       req.PaymentProof,
				AttestationContext: req.AttestationContext,
			},
			Capability: s.currentPolicy(),
			Anchor:     s.anchor,
		},
		Export: req.Export,
		Args:   req.Args,
	})
	if err != nil {
		s.log.Warn("execution refused",
			"cid", req.CID, "export", req.Export, "error", err,
			"elapsed", time.Since(start))
		httpError(w, statusForError(err), err)
		return
	}

	s.log.Info("executed module",
		"cid", req.CID,
		"module_id", pkg.Metadata.ModuleID,
		"export", req.Export,
		"quote_hash", result.Load.Hashes.QuoteHash,
		"elapsed", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(executeResponse{
		Output: result.Output,
		Hashes: result.Load.Hashes,
	})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

// statusForError maps the pipeline's error taxonomy onto HTTP statuses:
// gate denials are the client's problem, integrity and anchor failures are
// the service's.
func statusForError(err error) int {
	switch {
	case errors.Is(err, gate.ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, gate.ErrExpired), errors.Is(err, gate.ErrAttestationUnavailable):
		return http.StatusForbidden
	case errors.Is(err, trustanchor.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		var integrity *executor.IntegrityError
		if errors.As(err, &integrity) {
			return http.StatusConflict
		}
		return http.StatusUnprocessableEntity
	}
}

func httpError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
