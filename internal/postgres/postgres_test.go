package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/arcadia/arcadia-tracker/internal/codec"
	"github.com/arcadia/arcadia-tracker/internal/identity"
	"github.com/arcadia/arcadia-tracker/internal/ingest"
	"github.com/arcadia/arcadia-tracker/internal/reconcile"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

func TestClampFactor(t *testing.T) {
	cases := map[int16]int{-5: 0, 0: 0, 100: 100, 255: 255, 300: 255}
	for in, want := range cases {
		if got := clampFactor(in); got != want {
			t.Errorf("clampFactor(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestTorrentRow_Record(t *testing.T) {
	hash := make([]byte, 20)
	hash[0] = 0xab

	rec, err := torrentRow{ID: 3, InfoHash: hash, UploadFactor: 200, DownloadFactor: -1, TimesCompleted: 7}.record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ID != 3 || rec.InfoHash[0] != 0xab || rec.UploadFactor != 200 || rec.DownloadFactor != 0 || rec.TimesCompleted != 7 {
		t.Errorf("rec = %+v", rec)
	}

	if _, err := (torrentRow{ID: 3, InfoHash: hash[:10]}).record(); !errors.Is(err, codec.ErrMalformedIdentifier) {
		t.Errorf("short hash: err = %v", err)
	}
	if _, err := (torrentRow{ID: 0, InfoHash: hash}).record(); !errors.Is(err, ingest.ErrInvalidRecord) {
		t.Errorf("zero id: err = %v", err)
	}
}

func TestPeerRow_Record(t *testing.T) {
	row := peerRow{
		TorrentID: 1,
		UserID:    2,
		PeerID:    []byte("-qB4650-abcdefghijkl"),
		IP:        netip.MustParsePrefix("::ffff:10.1.2.3/128"),
		Port:      51413,
		Seeder:    true,
		Active:    true,
		UpdatedAt: time.Unix(1700000000, 0),
		Uploaded:  -1,
	}
	rec, err := row.record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.IP != netip.MustParseAddr("10.1.2.3") {
		t.Errorf("ip = %v, want 10.1.2.3", rec.IP)
	}
	if rec.Port != 51413 || !rec.IsSeeder || rec.Uploaded != 0 {
		t.Errorf("rec = %+v", rec)
	}

	row.Port = 70000
	if _, err := row.record(); !errors.Is(err, ingest.ErrInvalidRecord) {
		t.Errorf("bad port: err = %v", err)
	}
}

func TestFlushBatch(t *testing.T) {
	rep := reconcile.Report{
		Torrents: []swarm.TorrentStats{{ID: 1}, {ID: 2}},
		Users:    []swarm.UserStats{{ID: 5, CreditedUploaded: 10}},
	}
	if n := flushBatch(rep).Len(); n != 3 {
		t.Errorf("batch len = %d, want 3", n)
	}
	if n := flushBatch(reconcile.Report{}).Len(); n != 0 {
		t.Errorf("empty report queued %d statements", n)
	}
}

// TestWarmStart_Integration runs against a live database when
// ARCADIA_TRACKER_TEST_DATABASE_URL is set.
func TestWarmStart_Integration(t *testing.T) {
	url := os.Getenv("ARCADIA_TRACKER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ARCADIA_TRACKER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := Open(ctx, url, 2, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	index, store, users := identity.New(), swarm.NewStore(), swarm.NewUsers()
	svc := ingest.NewService("k", index, store, users, logger)
	stats, err := db.WarmStart(ctx, svc)
	if err != nil {
		t.Fatalf("WarmStart: %v", err)
	}
	if store.Len() != stats.Torrents {
		t.Errorf("store has %d torrents, loaded %d", store.Len(), stats.Torrents)
	}
}
