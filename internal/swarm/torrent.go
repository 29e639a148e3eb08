package swarm

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/arcadia/arcadia-tracker/internal/codec"
)

// PeerKey identifies a peer inside one torrent. A user running several
// clients appears once per peer id.
type PeerKey struct {
	UserID uint32
	PeerID codec.PeerID
}

type Peer struct {
	IP               netip.Addr
	Port             uint16
	IsSeeder         bool
	IsActive         bool
	HasSentCompleted bool
	UpdatedAt        time.Time
	Uploaded         uint64
	Downloaded       uint64
}

// Delta is a change in seeding/leeching peer counts. The same value is
// applied to the torrent counters and to the owning user's aggregates.
type Delta struct {
	Seeding  int
	Leeching int
}

func (d Delta) Add(o Delta) Delta {
	return Delta{Seeding: d.Seeding + o.Seeding, Leeching: d.Leeching + o.Leeching}
}

func (d Delta) Neg() Delta {
	return Delta{Seeding: -d.Seeding, Leeching: -d.Leeching}
}

func (d Delta) IsZero() bool {
	return d.Seeding == 0 && d.Leeching == 0
}

// contribution is what a peer adds to the seeders/leechers counters.
func contribution(p *Peer) Delta {
	switch {
	case p == nil || !p.IsActive:
		return Delta{}
	case p.IsSeeder:
		return Delta{Seeding: 1}
	default:
		return Delta{Leeching: 1}
	}
}

// Torrent is one swarm. Methods other than ID and InfoHash must be called
// from inside Store.WithTorrent or Store.View, which hold mu.
type Torrent struct {
	mu sync.RWMutex

	id       uint32
	infoHash codec.InfoHash

	uploadFactor   uint8
	downloadFactor uint8
	seeders        uint32
	leechers       uint32
	timesCompleted uint32
	isDeleted      bool

	peers map[PeerKey]*Peer
}

func newTorrent(rec Record) *Torrent {
	t := &Torrent{
		id:       rec.ID,
		infoHash: rec.InfoHash,
		peers:    make(map[PeerKey]*Peer),
	}
	t.refresh(rec)
	return t
}

// refresh replaces the fields the backend owns. Peer-derived counters are
// left alone and times_completed never goes backwards.
func (t *Torrent) refresh(rec Record) {
	t.isDeleted = rec.IsDeleted
	t.uploadFactor = rec.UploadFactor
	t.downloadFactor = rec.DownloadFactor
	t.timesCompleted = max(t.timesCompleted, rec.TimesCompleted)
}

func (t *Torrent) ID() uint32                { return t.id }
func (t *Torrent) InfoHash() codec.InfoHash  { return t.infoHash }
func (t *Torrent) Seeders() uint32           { return t.seeders }
func (t *Torrent) Leechers() uint32          { return t.leechers }
func (t *Torrent) TimesCompleted() uint32    { return t.timesCompleted }
func (t *Torrent) IsDeleted() bool           { return t.isDeleted }
func (t *Torrent) Len() int                  { return len(t.peers) }
func (t *Torrent) Factors() (up, down uint8) { return t.uploadFactor, t.downloadFactor }

// Peer returns a copy of the entry for key.
func (t *Torrent) Peer(key PeerKey) (Peer, bool) {
	p, ok := t.peers[key]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Range calls fn for every peer entry until fn returns false.
func (t *Torrent) Range(fn func(PeerKey, Peer) bool) {
	for k, p := range t.peers {
		if !fn(k, *p) {
			return
		}
	}
}

func (t *Torrent) apply(d Delta) {
	t.seeders = uint32(int64(t.seeders) + int64(d.Seeding))
	t.leechers = uint32(int64(t.leechers) + int64(d.Leeching))
}

// PutPeer inserts or replaces the entry for key and returns the resulting
// change in seeding/leeching counts.
func (t *Torrent) PutPeer(key PeerKey, p Peer) Delta {
	d := contribution(&p).Add(contribution(t.peers[key]).Neg())
	t.peers[key] = &p
	t.apply(d)
	return d
}

// RemovePeer deletes key, returning the removed entry and the count change.
func (t *Torrent) RemovePeer(key PeerKey) (Peer, Delta, bool) {
	p, ok := t.peers[key]
	if !ok {
		return Peer{}, Delta{}, false
	}
	d := contribution(p).Neg()
	delete(t.peers, key)
	t.apply(d)
	return *p, d, true
}

// MarkCompleted records one snatch.
func (t *Torrent) MarkCompleted() {
	t.timesCompleted++
}

// SelectPeers picks up to limit active peers other than exclude. Leechers
// get seeders first, then leechers; seeders only get leechers. Each class
// starts at a random offset so repeated announces see different peers.
func (t *Torrent) SelectPeers(exclude PeerKey, limit int, forSeeder bool) []codec.Peer {
	if limit <= 0 {
		return nil
	}

	var seeds, leeches []codec.Peer
	for k, p := range t.peers {
		if k == exclude || !p.IsActive {
			continue
		}
		entry := codec.Peer{ID: k.PeerID, IP: p.IP, Port: p.Port}
		if p.IsSeeder {
			if !forSeeder {
				seeds = append(seeds, entry)
			}
		} else {
			leeches = append(leeches, entry)
		}
	}

	out := make([]codec.Peer, 0, min(limit, len(seeds)+len(leeches)))
	out = appendRotated(out, seeds, limit)
	return appendRotated(out, leeches, limit)
}

func appendRotated(dst, src []codec.Peer, limit int) []codec.Peer {
	n := min(limit-len(dst), len(src))
	if n <= 0 {
		return dst
	}
	//nolint:gosec // G404: peer selection does not need cryptographic randomness
	start := rand.IntN(len(src))
	for i := range n {
		dst = append(dst, src[(start+i)%len(src)])
	}
	return dst
}

// Eviction describes one peer removed by a stale sweep.
type Eviction struct {
	Key   PeerKey
	Delta Delta
}

// evictStale removes every peer last seen before deadline.
func (t *Torrent) evictStale(deadline time.Time) []Eviction {
	var out []Eviction
	for k, p := range t.peers {
		if !p.UpdatedAt.Before(deadline) {
			continue
		}
		d := contribution(p).Neg()
		delete(t.peers, k)
		t.apply(d)
		out = append(out, Eviction{Key: k, Delta: d})
	}
	return out
}

// TorrentStats is the aggregate view handed to the backend.
type TorrentStats struct {
	ID             uint32         `json:"id"`
	InfoHash       codec.InfoHash `json:"info_hash"`
	Seeders        uint32         `json:"seeders"`
	Leechers       uint32         `json:"leechers"`
	TimesCompleted uint32         `json:"times_completed"`
	IsDeleted      bool           `json:"is_deleted"`
}

func (t *Torrent) Stats() TorrentStats {
	return TorrentStats{
		ID:             t.id,
		InfoHash:       t.infoHash,
		Seeders:        t.seeders,
		Leechers:       t.leechers,
		TimesCompleted: t.timesCompleted,
		IsDeleted:      t.isDeleted,
	}
}
