// Package reconcile expires stale peers and hands aggregate counters to the
// backend on a fixed cadence.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

// Report is the aggregate state handed to a Sink after one pass.
type Report struct {
	At       time.Time            `json:"at"`
	Evicted  int                  `json:"evicted"`
	Torrents []swarm.TorrentStats `json:"torrents"`
	Users    []swarm.UserStats    `json:"users"`
}

// Credited sums the pending transfer credit over all users.
func (r Report) Credited() (up, down uint64) {
	for _, u := range r.Users {
		up += u.CreditedUploaded
		down += u.CreditedDownloaded
	}
	return up, down
}

// Sink persists a report. A failed Flush is retried on the next pass with
// the same credit.
type Sink interface {
	Flush(ctx context.Context, r Report) error
}

// LogSink writes a one-line summary of each report.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Flush(ctx context.Context, r Report) error {
	up, down := r.Credited()
	s.Logger.InfoContext(ctx, "stats snapshot",
		"torrents", humanize.Comma(int64(len(r.Torrents))),
		"users", humanize.Comma(int64(len(r.Users))),
		"credited_up", humanize.Bytes(up),
		"credited_down", humanize.Bytes(down))
	return nil
}

// Observer receives the result of every pass.
type Observer interface {
	ObservePass(evicted int, elapsed time.Duration, err error)
}

type Config struct {
	// Interval is the sweep cadence.
	Interval time.Duration
	// PeerTTL is how long a peer may go without announcing.
	PeerTTL time.Duration
}

// NewConfig derives the peer TTL as a multiple of the announce interval.
// A zero sweep interval defaults to the announce interval.
func NewConfig(announceInterval, interval time.Duration, expiryFactor float64) Config {
	if interval <= 0 {
		interval = announceInterval
	}
	return Config{
		Interval: interval,
		PeerTTL:  time.Duration(float64(announceInterval) * expiryFactor),
	}
}

type Reconciler struct {
	cfg      Config
	store    *swarm.Store
	users    *swarm.Users
	sink     Sink
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Reconciler)

func WithObserver(o Observer) Option { return func(r *Reconciler) { r.observer = o } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(cfg Config, store *swarm.Store, users *swarm.Users, sink Sink, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:    cfg,
		store:  store,
		users:  users,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep evicts every peer that has not announced within the TTL, exactly as
// if it had sent stopped, and returns how many were removed.
func (r *Reconciler) Sweep() int {
	evicted, deltas := r.store.EvictStale(r.now().Add(-r.cfg.PeerTTL))
	for userID, d := range deltas {
		r.users.Apply(userID, d)
	}
	return evicted
}

// Snapshot reports current counters without draining pending credit.
func (r *Reconciler) Snapshot() Report {
	return Report{
		At:       r.now(),
		Torrents: r.store.Stats(),
		Users:    r.users.Stats(),
	}
}

// RunOnce sweeps, drains pending credit and flushes the result. Credit is
// handed back to the users when the sink fails.
func (r *Reconciler) RunOnce(ctx context.Context) (rep Report, err error) {
	start := r.now()
	defer func() {
		if r.observer != nil {
			r.observer.ObservePass(rep.Evicted, r.now().Sub(start), err)
		}
	}()

	rep = Report{
		At:       start,
		Evicted:  r.Sweep(),
		Torrents: r.store.Stats(),
		Users:    r.users.Drain(),
	}

	if err := r.sink.Flush(ctx, rep); err != nil {
		r.users.Recredit(rep.Users)
		return rep, fmt.Errorf("flush stats: %w", err)
	}

	r.logger.InfoContext(ctx, "reconciliation pass",
		"evicted", humanize.Comma(int64(rep.Evicted)),
		"torrents", len(rep.Torrents),
		"users", len(rep.Users),
		"took", r.now().Sub(start))
	return rep, nil
}

// Run calls RunOnce every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reconciliation pass failed", "error", err)
			}
		}
	}
}
