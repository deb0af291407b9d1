package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/launchkit/patchsync/internal/config"
	"github.com/launchkit/patchsync/internal/listen"
	"github.com/launchkit/patchsync/internal/state"
)

// SignatureHeader carries the HMAC of the request body as sha256=<hex>
const SignatureHeader = "X-Patchsync-Signature-256"

// PublishEvent is sent by the publisher after a new manifest is uploaded
type PublishEvent struct {
	Etag string `json:"etag"`
}

// Runner performs one patch run
type Runner func(ctx context.Context) error

// Server implements the trigger HTTP server
type Server struct {
	cfg        *config.Config
	run        Runner
	logger     *slog.Logger
	secret     []byte
	baseCtx    context.Context
	runMu      sync.Mutex // guards runRunning, runPending and closed
	runRunning bool       // whether a patch run is in progress
	runPending bool       // whether another run is needed after the current one
	closed     bool       // no new runs start once set
	runs       sync.WaitGroup
	debounce   *debouncer
}

// debouncer implements debouncing for trigger events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new trigger server
func NewServer(cfg *config.Config, run Runner, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.SecretFile)
	}

	return &Server{
		cfg:      cfg,
		run:      run,
		logger:   logger,
		secret:   secret,
		baseCtx:  context.Background(),
		debounce: &debouncer{delay: 2 * time.Second},
	}, nil
}

// Start performs an initial patch run, then serves trigger requests until
// ctx is cancelled. Cancelling ctx also cancels a run in progress.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial patch before starting trigger server")
	s.performRun(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	l, inherited, err := listen.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("trigger server starting", "addr", l.Addr().String(), "inherited", inherited)
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down trigger server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// A run past the download phase finishes its install and cleanup
		s.runMu.Lock()
		s.closed = true
		s.runMu.Unlock()
		s.runs.Wait()

		return err
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming publish notifications
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event PublishEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	// The marker only changes after a successful run, so an equal etag means
	// the game directory already matches
	if event.Etag != "" && event.Etag == state.Get(s.cfg.Paths.GameDir) {
		s.logger.Info("ignoring notification for installed etag", "etag", event.Etag)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Already up to date\n")
		return
	}

	s.logger.Info("webhook accepted", "etag", event.Etag)

	s.debounce.trigger(func() {
		s.performRun(s.baseCtx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Patch triggered\n")
}

// verifySignature checks the sha256=<hex> HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// performRun executes a patch run with single-flight semantics.
// If a run is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performRun(ctx context.Context) {
	s.runMu.Lock()
	if s.closed {
		s.runMu.Unlock()
		return
	}
	if s.runRunning {
		s.runPending = true
		s.runMu.Unlock()
		s.logger.Info("patch already in progress, queuing pending re-run")
		return
	}
	s.runRunning = true
	s.runs.Add(1)
	s.runMu.Unlock()
	defer s.runs.Done()

	for {
		if err := s.run(ctx); err != nil {
			s.logger.Error("patch run failed", "error", err)
		}

		s.runMu.Lock()
		if !s.runPending || ctx.Err() != nil {
			s.runRunning = false
			s.runPending = false
			s.runMu.Unlock()
			break
		}
		s.runPending = false
		s.runMu.Unlock()

		s.logger.Info("re-running patch due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
