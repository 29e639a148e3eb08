// Package swarm holds the in-memory torrent records, their peer maps and
// the per-user seeding/leeching aggregates.
package swarm

import (
	"errors"
	"sync"
	"time"

	"github.com/arcadia/arcadia-tracker/internal/codec"
)

var (
	ErrTorrentNotFound  = errors.New("torrent not found")
	ErrInfoHashMismatch = errors.New("torrent already registered with a different info_hash")
)

// Record carries the backend-owned fields of a torrent.
type Record struct {
	ID             uint32
	InfoHash       codec.InfoHash
	IsDeleted      bool
	TimesCompleted uint32
	UploadFactor   uint8
	DownloadFactor uint8
}

// Store maps torrent ids to torrents. mu guards the set of ids only; peer
// state is guarded by each torrent's own lock so unrelated swarms never
// contend. Lock order is always Store.mu before Torrent.mu.
type Store struct {
	mu       sync.RWMutex
	torrents map[uint32]*Torrent
}

func NewStore() *Store {
	return &Store{torrents: make(map[uint32]*Torrent)}
}

func (s *Store) get(id uint32) *Torrent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.torrents[id]
}

// WithTorrent runs fn with exclusive access to torrent id.
func (s *Store) WithTorrent(id uint32, fn func(*Torrent) error) error {
	t := s.get(id)
	if t == nil {
		return ErrTorrentNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t)
}

// View runs fn with shared access to torrent id.
func (s *Store) View(id uint32, fn func(*Torrent) error) error {
	t := s.get(id)
	if t == nil {
		return ErrTorrentNotFound
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fn(t)
}

// UpsertTorrent creates or refreshes rec under the structural lock. bind
// runs under the same lock before anything is mutated so the identity
// mapping and the torrent set change together; a bind error aborts.
func (s *Store) UpsertTorrent(rec Record, bind func() error) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.torrents[rec.ID]
	if exists && t.infoHash != rec.InfoHash {
		return false, ErrInfoHashMismatch
	}
	if bind != nil {
		if err := bind(); err != nil {
			return false, err
		}
	}

	if !exists {
		s.torrents[rec.ID] = newTorrent(rec)
		return true, nil
	}

	t.mu.Lock()
	t.refresh(rec)
	t.mu.Unlock()
	return false, nil
}

// SnapshotPeers returns up to limit active peers of torrent id, excluding
// the requesting peer.
func (s *Store) SnapshotPeers(id uint32, exclude PeerKey, limit int) ([]codec.Peer, error) {
	var peers []codec.Peer
	err := s.View(id, func(t *Torrent) error {
		peers = t.SelectPeers(exclude, limit, false)
		return nil
	})
	return peers, err
}

// IDs snapshots the torrent ids so sweeps can walk them without holding mu.
func (s *Store) IDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.torrents))
	for id := range s.torrents {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.torrents)
}

// Stats returns the aggregate counters of every torrent.
func (s *Store) Stats() []TorrentStats {
	ids := s.IDs()
	out := make([]TorrentStats, 0, len(ids))
	for _, id := range ids {
		_ = s.View(id, func(t *Torrent) error {
			out = append(out, t.Stats())
			return nil
		})
	}
	return out
}

// Totals summarizes the whole store.
type Totals struct {
	Torrents int `json:"torrents"`
	Peers    int `json:"peers"`
	Seeders  int `json:"seeders"`
	Leechers int `json:"leechers"`
}

func (s *Store) Totals() Totals {
	var tot Totals
	for _, id := range s.IDs() {
		_ = s.View(id, func(t *Torrent) error {
			tot.Torrents++
			tot.Peers += len(t.peers)
			tot.Seeders += int(t.seeders)
			tot.Leechers += int(t.leechers)
			return nil
		})
	}
	return tot
}

// EvictStale removes peers whose last announce is older than deadline,
// one torrent lock at a time, and returns the per-user count changes the
// caller must apply to the user aggregates.
func (s *Store) EvictStale(deadline time.Time) (evicted int, users map[uint32]Delta) {
	users = make(map[uint32]Delta)
	for _, id := range s.IDs() {
		var ev []Eviction
		_ = s.WithTorrent(id, func(t *Torrent) error {
			ev = t.evictStale(deadline)
			return nil
		})
		for _, e := range ev {
			users[e.Key.UserID] = users[e.Key.UserID].Add(e.Delta)
		}
		evicted += len(ev)
	}
	return evicted, users
}
