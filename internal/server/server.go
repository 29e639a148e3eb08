// Package server exposes the tracker over HTTP: the passkey-scoped announce
// and scrape endpoints for BitTorrent clients, and the key-protected API the
// site backend uses to push torrents and users.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/arcadia/arcadia-tracker/internal/announce"
	"github.com/arcadia/arcadia-tracker/internal/clientlist"
	"github.com/arcadia/arcadia-tracker/internal/config"
	"github.com/arcadia/arcadia-tracker/internal/identity"
	"github.com/arcadia/arcadia-tracker/internal/ingest"
	"github.com/arcadia/arcadia-tracker/internal/metrics"
	"github.com/arcadia/arcadia-tracker/internal/ratelimit"
	"github.com/arcadia/arcadia-tracker/internal/reconcile"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	limiterPruneEvery = time.Minute
	limiterIdleTTL    = 10 * time.Minute
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger

	index *identity.Index
	store *swarm.Store
	users *swarm.Users

	engine     *announce.Engine
	ingest     *ingest.Service
	reconciler *reconcile.Reconciler
	metrics    *metrics.Metrics
	clients    *clientlist.List
	limiter    *ratelimit.Limiter

	sink    reconcile.Sink
	handler http.Handler
}

type Option func(*Server)

// WithSink sets where reconciliation reports go. The default only logs them.
func WithSink(sink reconcile.Sink) Option { return func(s *Server) { s.sink = sink } }

// New wires the swarm state, engines and HTTP routes for cfg.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		index:  identity.New(),
		store:  swarm.NewStore(),
		users:  swarm.NewUsers(),
		sink:   reconcile.LogSink{Logger: logger},
	}
	for _, opt := range opts {
		opt(s)
	}

	var engineOpts []announce.Option
	var reconcileOpts []reconcile.Option
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(s.index, s.store, s.users)
		engineOpts = append(engineOpts, announce.WithObserver(s.metrics))
		reconcileOpts = append(reconcileOpts, reconcile.WithObserver(s.metrics))
	}
	if cfg.ClientList.Path != "" {
		s.clients = &clientlist.List{}
		engineOpts = append(engineOpts, announce.WithClientList(s.clients))
	}
	if s.limiter = ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst); s.limiter != nil {
		engineOpts = append(engineOpts, announce.WithRateLimiter(s.limiter))
	}

	s.engine = announce.New(announce.Config{
		Interval:       cfg.Announce.Interval,
		MinInterval:    cfg.Announce.MinInterval,
		DefaultNumWant: cfg.Announce.DefaultNumWant,
		MaxNumWant:     cfg.Announce.MaxNumWant,
	}, s.index, s.store, s.users, logger, engineOpts...)

	s.ingest = ingest.NewService(cfg.APIKey, s.index, s.store, s.users, logger)

	rc := reconcile.NewConfig(cfg.Announce.Interval, cfg.Reconcile.Interval, cfg.Reconcile.PeerExpiryFactor)
	s.reconciler = reconcile.New(rc, s.store, s.users, s.sink, logger, reconcileOpts...)

	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Ingest returns the ingestion service, e.g. for a warm start before Run.
func (s *Server) Ingest() *ingest.Service { return s.ingest }

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server and the background loops on ln. On shutdown
// it drains in-flight requests and flushes one last reconciliation report.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.APIKey == config.DevAPIKey {
		s.logger.Warn("using insecure default api key, set api_key or ARCADIA_TRACKER_API_KEY for production use")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	s.startLoops(loopCtx, &wg)

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("tracker listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		wg.Wait()
		return fmt.Errorf("serve: %w", err)
	}

	s.logger.Info("shutting down gracefully")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	shutdownErr := srv.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()

	if _, err := s.reconciler.RunOnce(shutdownCtx); err != nil {
		s.logger.Error("final reconciliation pass failed", "error", err)
	}

	if shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
		s.logger.Warn("forcing shutdown after timeout, some handlers incomplete")
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) startLoops(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reconciler.Run(ctx)
	}()

	if s.clients != nil {
		if err := s.clients.Watch(ctx, s.cfg.ClientList.Path, s.logger); err != nil {
			s.logger.Warn("client allowlist live reload disabled", "path", s.cfg.ClientList.Path, "error", err)
		}
	}

	if s.limiter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pruneLimiter(ctx)
		}()
	}
}

func (s *Server) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterPruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.limiter.Prune(now.Add(-limiterIdleTTL)); n > 0 {
				s.logger.Debug("pruned rate limit buckets", "removed", n, "remaining", s.limiter.Len())
			}
		}
	}
}
