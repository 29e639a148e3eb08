package swarm

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/arcadia/arcadia-tracker/internal/codec"
)

func setupStore(t *testing.T, id uint32) *Store {
	t.Helper()
	s := NewStore()
	if _, err := s.UpsertTorrent(Record{ID: id, InfoHash: codec.InfoHash{byte(id)}}, nil); err != nil {
		t.Fatalf("UpsertTorrent: %v", err)
	}
	return s
}

func key(user uint32, b byte) PeerKey {
	return PeerKey{UserID: user, PeerID: codec.PeerID{b}}
}

func peer(seeder bool, port uint16) Peer {
	return Peer{
		IP:        netip.MustParseAddr("10.0.0.1"),
		Port:      port,
		IsSeeder:  seeder,
		IsActive:  true,
		UpdatedAt: time.Now(),
	}
}

func TestPutPeer_Counters(t *testing.T) {
	s := setupStore(t, 1)

	_ = s.WithTorrent(1, func(tr *Torrent) error {
		d := tr.PutPeer(key(1, 1), peer(false, 6881))
		if d != (Delta{Leeching: 1}) {
			t.Errorf("delta = %+v, want +1 leeching", d)
		}

		// Replacing the same key must not add a second entry.
		d = tr.PutPeer(key(1, 1), peer(false, 6882))
		if !d.IsZero() {
			t.Errorf("delta on refresh = %+v, want zero", d)
		}
		if tr.Len() != 1 {
			t.Errorf("len = %d, want 1", tr.Len())
		}

		d = tr.PutPeer(key(1, 1), peer(true, 6882))
		if d != (Delta{Seeding: 1, Leeching: -1}) {
			t.Errorf("delta on flip = %+v", d)
		}
		if tr.Seeders() != 1 || tr.Leechers() != 0 {
			t.Errorf("seeders, leechers = %d, %d; want 1, 0", tr.Seeders(), tr.Leechers())
		}
		return nil
	})
}

func TestPutPeer_InactiveNotCounted(t *testing.T) {
	s := setupStore(t, 1)
	_ = s.WithTorrent(1, func(tr *Torrent) error {
		p := peer(true, 6881)
		p.IsActive = false
		tr.PutPeer(key(1, 1), p)
		if tr.Seeders() != 0 {
			t.Errorf("seeders = %d, want 0", tr.Seeders())
		}
		if got := tr.SelectPeers(key(2, 2), 10, false); len(got) != 0 {
			t.Errorf("selected %d inactive peers", len(got))
		}
		return nil
	})
}

func TestRemovePeer(t *testing.T) {
	s := setupStore(t, 1)
	_ = s.WithTorrent(1, func(tr *Torrent) error {
		tr.PutPeer(key(1, 1), peer(true, 6881))

		old, d, ok := tr.RemovePeer(key(1, 1))
		if !ok {
			t.Fatal("RemovePeer reported absent")
		}
		if !old.IsSeeder {
			t.Error("removed entry lost is_seeder")
		}
		if d != (Delta{Seeding: -1}) {
			t.Errorf("delta = %+v, want -1 seeding", d)
		}
		if tr.Seeders() != 0 || tr.Len() != 0 {
			t.Errorf("seeders = %d, len = %d after remove", tr.Seeders(), tr.Len())
		}

		if _, _, ok := tr.RemovePeer(key(1, 1)); ok {
			t.Error("second RemovePeer reported present")
		}
		return nil
	})
}

func TestSelectPeers(t *testing.T) {
	s := setupStore(t, 1)
	_ = s.WithTorrent(1, func(tr *Torrent) error {
		tr.PutPeer(key(1, 1), peer(true, 1))
		tr.PutPeer(key(2, 2), peer(true, 2))
		tr.PutPeer(key(3, 3), peer(false, 3))
		tr.PutPeer(key(4, 4), peer(false, 4))
		return nil
	})

	t.Run("excludes requester", func(t *testing.T) {
		peers, err := s.SnapshotPeers(1, key(3, 3), 10)
		if err != nil {
			t.Fatalf("SnapshotPeers: %v", err)
		}
		if len(peers) != 3 {
			t.Fatalf("got %d peers, want 3", len(peers))
		}
		for _, p := range peers {
			if p.Port == 3 {
				t.Error("requesting peer returned")
			}
		}
	})

	t.Run("leecher gets seeders first", func(t *testing.T) {
		var peers []codec.Peer
		_ = s.View(1, func(tr *Torrent) error {
			peers = tr.SelectPeers(key(3, 3), 2, false)
			return nil
		})
		if len(peers) != 2 {
			t.Fatalf("got %d peers, want 2", len(peers))
		}
		for _, p := range peers {
			if p.Port != 1 && p.Port != 2 {
				t.Errorf("port %d is not a seeder", p.Port)
			}
		}
	})

	t.Run("seeder gets leechers only", func(t *testing.T) {
		var peers []codec.Peer
		_ = s.View(1, func(tr *Torrent) error {
			peers = tr.SelectPeers(key(1, 1), 10, true)
			return nil
		})
		if len(peers) != 2 {
			t.Fatalf("got %d peers, want 2", len(peers))
		}
		for _, p := range peers {
			if p.Port != 3 && p.Port != 4 {
				t.Errorf("port %d is not a leecher", p.Port)
			}
		}
	})

	t.Run("zero limit", func(t *testing.T) {
		peers, _ := s.SnapshotPeers(1, key(9, 9), 0)
		if len(peers) != 0 {
			t.Errorf("got %d peers, want 0", len(peers))
		}
	})
}

func TestUpsertTorrent(t *testing.T) {
	h := codec.InfoHash{0xaa}

	t.Run("refresh keeps peers and never lowers completions", func(t *testing.T) {
		s := NewStore()
		created, err := s.UpsertTorrent(Record{ID: 1, InfoHash: h, TimesCompleted: 5, UploadFactor: 100}, nil)
		if err != nil || !created {
			t.Fatalf("UpsertTorrent = %v, %v; want true, nil", created, err)
		}
		_ = s.WithTorrent(1, func(tr *Torrent) error {
			tr.PutPeer(key(1, 1), peer(false, 1))
			return nil
		})

		created, err = s.UpsertTorrent(Record{ID: 1, InfoHash: h, IsDeleted: true, TimesCompleted: 2, DownloadFactor: 50}, nil)
		if err != nil || created {
			t.Fatalf("UpsertTorrent = %v, %v; want false, nil", created, err)
		}

		_ = s.View(1, func(tr *Torrent) error {
			if !tr.IsDeleted() {
				t.Error("is_deleted not replaced")
			}
			if tr.TimesCompleted() != 5 {
				t.Errorf("times_completed = %d, want 5", tr.TimesCompleted())
			}
			if up, down := tr.Factors(); up != 0 || down != 50 {
				t.Errorf("factors = %d/%d, want 0/50", up, down)
			}
			if tr.Leechers() != 1 || tr.Len() != 1 {
				t.Errorf("peers lost on refresh: leechers = %d, len = %d", tr.Leechers(), tr.Len())
			}
			return nil
		})
	})

	t.Run("info_hash is immutable", func(t *testing.T) {
		s := NewStore()
		_, _ = s.UpsertTorrent(Record{ID: 1, InfoHash: h}, nil)
		_, err := s.UpsertTorrent(Record{ID: 1, InfoHash: codec.InfoHash{0xbb}}, nil)
		if !errors.Is(err, ErrInfoHashMismatch) {
			t.Errorf("err = %v, want ErrInfoHashMismatch", err)
		}
	})

	t.Run("bind failure aborts", func(t *testing.T) {
		s := NewStore()
		boom := errors.New("boom")
		_, err := s.UpsertTorrent(Record{ID: 1, InfoHash: h}, func() error { return boom })
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want boom", err)
		}
		if s.Len() != 0 {
			t.Errorf("Len() = %d, want 0", s.Len())
		}
	})
}

func TestWithTorrent_NotFound(t *testing.T) {
	s := NewStore()
	err := s.WithTorrent(42, func(*Torrent) error {
		t.Fatal("fn called for missing torrent")
		return nil
	})
	if !errors.Is(err, ErrTorrentNotFound) {
		t.Errorf("err = %v, want ErrTorrentNotFound", err)
	}
}

func TestEvictStale(t *testing.T) {
	s := setupStore(t, 1)
	now := time.Now()

	_ = s.WithTorrent(1, func(tr *Torrent) error {
		old := peer(true, 1)
		old.UpdatedAt = now.Add(-2 * time.Hour)
		tr.PutPeer(key(7, 1), old)

		oldLeech := peer(false, 2)
		oldLeech.UpdatedAt = now.Add(-2 * time.Hour)
		tr.PutPeer(key(7, 2), oldLeech)

		tr.PutPeer(key(8, 3), peer(false, 3))
		return nil
	})

	evicted, users := s.EvictStale(now.Add(-time.Hour))
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	if got := users[7]; got != (Delta{Seeding: -1, Leeching: -1}) {
		t.Errorf("user 7 delta = %+v", got)
	}
	if _, ok := users[8]; ok {
		t.Error("fresh peer's user has a delta")
	}

	tot := s.Totals()
	if tot.Peers != 1 || tot.Seeders != 0 || tot.Leechers != 1 {
		t.Errorf("totals = %+v", tot)
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	s := setupStore(t, 1)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.WithTorrent(1, func(tr *Torrent) error {
				tr.PutPeer(key(uint32(i), byte(i)), peer(i%2 == 0, uint16(i)))
				return nil
			})
		}(i)
	}
	wg.Wait()

	_ = s.View(1, func(tr *Torrent) error {
		if tr.Seeders() != 50 || tr.Leechers() != 50 {
			t.Errorf("seeders, leechers = %d, %d; want 50, 50", tr.Seeders(), tr.Leechers())
		}
		return nil
	})
}

func TestUsers(t *testing.T) {
	us := NewUsers()

	if !us.Upsert(1) {
		t.Error("first Upsert not reported as created")
	}
	us.Apply(1, Delta{Seeding: 2, Leeching: 1})
	if us.Upsert(1) {
		t.Error("second Upsert reported as created")
	}

	u, _ := us.Get(1)
	if u.NumSeeding() != 2 || u.NumLeeching() != 1 {
		t.Errorf("seeding, leeching = %d, %d; want 2, 1", u.NumSeeding(), u.NumLeeching())
	}

	if us.Apply(99, Delta{Seeding: 1}) {
		t.Error("Apply on unknown user succeeded")
	}

	t.Run("transient negatives read as zero", func(t *testing.T) {
		us.Apply(1, Delta{Leeching: -2})
		if u.NumLeeching() != 0 {
			t.Errorf("leeching = %d, want 0", u.NumLeeching())
		}
		us.Apply(1, Delta{Leeching: 1})
	})

	t.Run("drain and recredit", func(t *testing.T) {
		us.Credit(1, 100, 40)
		stats := us.Drain()
		if len(stats) != 1 || stats[0].CreditedUploaded != 100 || stats[0].CreditedDownloaded != 40 {
			t.Fatalf("Drain() = %+v", stats)
		}
		if again := us.Stats(); again[0].CreditedUploaded != 0 {
			t.Errorf("credit not drained: %+v", again[0])
		}
		us.Recredit(stats)
		if again := us.Stats(); again[0].CreditedUploaded != 100 {
			t.Errorf("credit not restored: %+v", again[0])
		}
	})
}
