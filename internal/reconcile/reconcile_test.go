package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/arcadia/arcadia-tracker/internal/codec"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

type memSink struct {
	reports []Report
	err     error
}

func (m *memSink) Flush(_ context.Context, r Report) error {
	if m.err != nil {
		return m.err
	}
	m.reports = append(m.reports, r)
	return nil
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupSwarm creates torrent 1 with one fresh leecher (user 1) and one stale
// seeder (user 2) last seen two hours before now.
func setupSwarm(t *testing.T, now time.Time) (*swarm.Store, *swarm.Users) {
	t.Helper()
	store, users := swarm.NewStore(), swarm.NewUsers()
	if _, err := store.UpsertTorrent(swarm.Record{ID: 1, InfoHash: codec.InfoHash{1}}, nil); err != nil {
		t.Fatalf("UpsertTorrent: %v", err)
	}
	users.Upsert(1)
	users.Upsert(2)

	put := func(user uint32, seeder bool, seen time.Time) {
		var d swarm.Delta
		_ = store.WithTorrent(1, func(tr *swarm.Torrent) error {
			d = tr.PutPeer(swarm.PeerKey{UserID: user, PeerID: codec.PeerID{byte(user)}}, swarm.Peer{
				IP:        netip.MustParseAddr("10.0.0.1"),
				Port:      6881,
				IsSeeder:  seeder,
				IsActive:  true,
				UpdatedAt: seen,
			})
			return nil
		})
		users.Apply(user, d)
	}
	put(1, false, now.Add(-time.Minute))
	put(2, true, now.Add(-2*time.Hour))
	return store, users
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(30*time.Minute, 0, 2)
	if cfg.Interval != 30*time.Minute {
		t.Errorf("Interval = %v, want 30m", cfg.Interval)
	}
	if cfg.PeerTTL != time.Hour {
		t.Errorf("PeerTTL = %v, want 1h", cfg.PeerTTL)
	}
	if cfg := NewConfig(30*time.Minute, 5*time.Minute, 1.5); cfg.Interval != 5*time.Minute || cfg.PeerTTL != 45*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestSweep(t *testing.T) {
	clock := &fixedClock{t: time.Now()}
	store, users := setupSwarm(t, clock.t)
	r := New(NewConfig(30*time.Minute, 0, 2), store, users, &memSink{}, discard(), WithClock(clock.now))

	if n := r.Sweep(); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}

	_ = store.View(1, func(tr *swarm.Torrent) error {
		if tr.Seeders() != 0 || tr.Leechers() != 1 || tr.Len() != 1 {
			t.Errorf("seeders=%d leechers=%d len=%d; want 0 1 1", tr.Seeders(), tr.Leechers(), tr.Len())
		}
		return nil
	})
	if u, _ := users.Get(2); u.NumSeeding() != 0 {
		t.Errorf("user 2 seeding = %d, want 0", u.NumSeeding())
	}
	if u, _ := users.Get(1); u.NumLeeching() != 1 {
		t.Errorf("user 1 leeching = %d, want 1", u.NumLeeching())
	}

	if n := r.Sweep(); n != 0 {
		t.Errorf("second sweep evicted %d", n)
	}
}

func TestRunOnce(t *testing.T) {
	clock := &fixedClock{t: time.Now()}
	store, users := setupSwarm(t, clock.t)
	users.Credit(1, 1<<20, 512)
	sink := &memSink{}
	r := New(NewConfig(30*time.Minute, 0, 2), store, users, sink, discard(), WithClock(clock.now))

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", rep.Evicted)
	}
	if len(sink.reports) != 1 {
		t.Fatalf("sink got %d reports", len(sink.reports))
	}
	if up, down := rep.Credited(); up != 1<<20 || down != 512 {
		t.Errorf("credited = %d/%d", up, down)
	}
	if len(rep.Torrents) != 1 || rep.Torrents[0].Leechers != 1 {
		t.Errorf("torrents = %+v", rep.Torrents)
	}

	// Credit was drained by the first pass.
	rep, _ = r.RunOnce(context.Background())
	if up, _ := rep.Credited(); up != 0 {
		t.Errorf("credit flushed twice: %d", up)
	}
}

func TestRunOnce_FlushFailureKeepsCredit(t *testing.T) {
	clock := &fixedClock{t: time.Now()}
	store, users := setupSwarm(t, clock.t)
	users.Credit(1, 100, 0)
	boom := errors.New("db down")
	sink := &memSink{err: boom}
	r := New(NewConfig(30*time.Minute, 0, 2), store, users, sink, discard(), WithClock(clock.now))

	if _, err := r.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	sink.err = nil
	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if up, _ := rep.Credited(); up != 100 {
		t.Errorf("credited up = %d, want 100 carried over", up)
	}
}

func TestSnapshot_DoesNotDrain(t *testing.T) {
	store, users := setupSwarm(t, time.Now())
	users.Credit(1, 10, 0)
	r := New(NewConfig(time.Minute, 0, 2), store, users, LogSink{Logger: discard()}, discard())

	for i := 0; i < 2; i++ {
		if up, _ := r.Snapshot().Credited(); up != 10 {
			t.Errorf("snapshot %d credited = %d, want 10", i, up)
		}
	}
	if rep := r.Snapshot(); rep.Evicted != 0 {
		t.Errorf("snapshot evicted peers")
	}
}

type countingObserver struct {
	passes  int
	evicted int
}

func (c *countingObserver) ObservePass(evicted int, _ time.Duration, _ error) {
	c.passes++
	c.evicted += evicted
}

func TestRun_StopsOnCancel(t *testing.T) {
	store, users := setupSwarm(t, time.Now())
	obs := &countingObserver{}
	r := New(Config{Interval: 10 * time.Millisecond, PeerTTL: time.Hour}, store, users,
		LogSink{Logger: discard()}, discard(), WithObserver(obs))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if obs.passes == 0 {
		t.Error("no passes ran")
	}
	if obs.evicted != 1 {
		t.Errorf("evicted = %d, want 1", obs.evicted)
	}
}
