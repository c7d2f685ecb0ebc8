// Package api provides the HTTP surface and service wiring for LeadPipe.
//
// Run assembles the store, flow registry, conversation engine, and
// follow-up sweeper, then serves the WhatsApp webhook until the context is
// cancelled.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ResiLeads/LeadPipe/internal/flow"
	"github.com/ResiLeads/LeadPipe/internal/followup"
	"github.com/ResiLeads/LeadPipe/internal/messaging"
	"github.com/ResiLeads/LeadPipe/internal/scheduler"
	"github.com/ResiLeads/LeadPipe/internal/store"
)

// Default server configuration constants
const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultTurnTimeout bounds one engine turn including sends.
	DefaultTurnTimeout = 60 * time.Second
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	VerifyToken   string
	AppSecret     string
	SweepInterval time.Duration
	TurnTimeout   time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAppSecret sets the Meta app secret used for webhook signature
// validation. An empty secret disables validation.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithSweepInterval sets the follow-up sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Opts) { o.SweepInterval = d }
}

// Server hosts the webhook endpoints.
type Server struct {
	engine      *flow.Engine
	verifyToken string
	appSecret   string
	turnTimeout time.Duration
}

// NewServer creates a webhook server around an engine.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	return &Server{
		engine:      engine,
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		turnTimeout: cfg.TurnTimeout,
	}
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			slog.Error("Health check write failed", "error", err)
		}
	})
	return mux
}

// Run wires the service together and serves until ctx is cancelled. The
// responder may be nil when no GenAI key is configured.
func Run(ctx context.Context, st store.Store, sender messaging.Sender, responder flow.Responder, opts ...Option) error {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = followup.DefaultSweepInterval
	}

	registry := flow.NewRegistry(st)
	engineOpts := []flow.EngineOption{}
	if responder != nil {
		engineOpts = append(engineOpts, flow.WithResponder(responder))
	}
	engine := flow.NewEngine(st, registry, sender, engineOpts...)
	sweeper := followup.NewSweeper(st, sender, engine.Locks())

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(fmt.Sprintf("@every %s", cfg.SweepInterval), func() {
		sweeper.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule follow-up sweep: %w", err)
	}
	slog.Info("Follow-up sweep scheduled", "interval", cfg.SweepInterval)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: NewServer(engine, opts...).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("LeadPipe API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down LeadPipe API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}
