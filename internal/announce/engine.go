// Package announce applies client announces to the swarm store. It takes
// already-decoded requests and returns typed responses so it can be driven
// without a network stack.
package announce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/arcadia/arcadia-tracker/internal/clientlist"
	"github.com/arcadia/arcadia-tracker/internal/codec"
	"github.com/arcadia/arcadia-tracker/internal/identity"
	"github.com/arcadia/arcadia-tracker/internal/ratelimit"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

// NumWantDefault asks for the configured default peer count.
const NumWantDefault = -1

// Request is one announce with its query parameters already percent-decoded.
type Request struct {
	Passkey    string
	InfoHash   []byte
	PeerID     []byte
	IP         netip.Addr
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    int
	Compact    bool
}

type Config struct {
	Interval       time.Duration
	MinInterval    time.Duration
	DefaultNumWant int
	MaxNumWant     int
}

// Observer receives the outcome of every request.
type Observer interface {
	ObserveAnnounce(ev Event, err error, elapsed time.Duration)
	ObserveScrape(hashes int, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveAnnounce(Event, error, time.Duration) {}
func (nopObserver) ObserveScrape(int, error)                    {}

type Option func(*Engine)

func WithClientList(l *clientlist.List) Option { return func(e *Engine) { e.clients = l } }

func WithRateLimiter(l *ratelimit.Limiter) Option { return func(e *Engine) { e.limiter = l } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type Engine struct {
	cfg      Config
	index    *identity.Index
	store    *swarm.Store
	users    *swarm.Users
	clients  *clientlist.List
	limiter  *ratelimit.Limiter
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, index *identity.Index, store *swarm.Store, users *swarm.Users, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		index:    index,
		store:    store,
		users:    users,
		observer: nopObserver{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// numWant resolves the requested peer count: negative means the default,
// and the result never exceeds the server maximum.
func (e *Engine) numWant(n int) int {
	if n < 0 {
		n = e.cfg.DefaultNumWant
	}
	return min(n, e.cfg.MaxNumWant)
}

// outcome is what the torrent-scoped critical section hands back.
type outcome struct {
	delta     swarm.Delta
	creditUp  uint64
	creditDn  uint64
	completed bool
	peers     []codec.Peer
	seeders   uint32
	leechers  uint32
}

// Announce validates req, applies its event to the torrent and returns the
// response to encode. Every error is returned before shared state changes.
func (e *Engine) Announce(ctx context.Context, req Request) (resp codec.AnnounceResponse, err error) {
	start := e.now()
	defer func() { e.observer.ObserveAnnounce(req.Event, err, e.now().Sub(start)) }()

	if ok, retry := e.limiter.Allow(req.IP); !ok {
		return resp, fmt.Errorf("%w: retry in %s", ErrRateLimited, retry.Round(time.Second))
	}

	userID, err := e.index.ResolveUser(req.Passkey)
	if err != nil {
		return resp, err
	}
	infoHash, err := codec.DecodeInfoHash(req.InfoHash)
	if err != nil {
		return resp, err
	}
	peerID, err := codec.DecodePeerID(req.PeerID)
	if err != nil {
		return resp, err
	}
	if req.Port == 0 {
		return resp, fmt.Errorf("%w: port 0", ErrMalformedRequest)
	}
	if !req.IP.IsValid() {
		return resp, fmt.Errorf("%w: no client address", ErrMalformedRequest)
	}
	if !e.clients.Allowed(peerID) {
		return resp, ErrClientUnapproved
	}
	torrentID, err := e.index.ResolveTorrent(infoHash)
	if err != nil {
		return resp, err
	}

	key := swarm.PeerKey{UserID: userID, PeerID: peerID}
	var out outcome
	err = e.store.WithTorrent(torrentID, func(t *swarm.Torrent) error {
		if t.IsDeleted() {
			return ErrTorrentUnavailable
		}
		out = e.apply(ctx, t, key, req)
		return nil
	})
	if errors.Is(err, swarm.ErrTorrentNotFound) {
		// The identity mapping is written under the store's structural lock
		// together with the torrent, so this only happens mid-ingest.
		err = ErrUnregisteredTorrent
	}
	if err != nil {
		return resp, err
	}

	// User aggregates are atomics updated after the torrent lock is
	// released; they are eventually consistent with the torrent counters.
	e.users.Apply(userID, out.delta)
	e.users.Credit(userID, out.creditUp, out.creditDn)

	if e.logger.Enabled(ctx, slog.LevelDebug) {
		e.logger.DebugContext(ctx, "announce",
			"user", userID, "torrent", torrentID, "info_hash", infoHash.String(),
			"peer_id", peerID.String(), "event", req.Event.String(), "left", req.Left,
			"seeders", out.seeders, "leechers", out.leechers, "peers", len(out.peers),
			"completed", out.completed)
	}

	return codec.AnnounceResponse{
		Interval:    e.cfg.Interval,
		MinInterval: e.cfg.MinInterval,
		Complete:    out.seeders,
		Incomplete:  out.leechers,
		Peers:       out.peers,
		Compact:     req.Compact,
	}, nil
}

// apply runs the peer state machine. The caller holds the torrent lock.
func (e *Engine) apply(ctx context.Context, t *swarm.Torrent, key swarm.PeerKey, req Request) outcome {
	var out outcome
	prev, present := t.Peer(key)
	now := e.now()

	switch req.Event {
	case EventStopped:
		if present {
			_, out.delta, _ = t.RemovePeer(key)
			out.creditUp, out.creditDn = credit(t, prev, req)
		}
		out.seeders, out.leechers = t.Seeders(), t.Leechers()
		return out

	case EventStarted:
		// A new session: counters restart, so nothing is credited.
		out.delta = t.PutPeer(key, swarm.Peer{
			IP:         req.IP,
			Port:       req.Port,
			IsSeeder:   req.Left == 0,
			IsActive:   true,
			UpdatedAt:  now,
			Uploaded:   req.Uploaded,
			Downloaded: req.Downloaded,
		})

	default:
		p := prev
		if present {
			out.creditUp, out.creditDn = credit(t, prev, req)
		}
		p.IP = req.IP
		p.Port = req.Port
		p.IsActive = true
		p.IsSeeder = req.Left == 0
		p.UpdatedAt = now
		p.Uploaded = req.Uploaded
		p.Downloaded = req.Downloaded

		if req.Event == EventCompleted {
			p.IsSeeder = true
			if !p.HasSentCompleted {
				p.HasSentCompleted = true
				t.MarkCompleted()
				out.completed = true
			} else if e.logger.Enabled(ctx, slog.LevelDebug) {
				e.logger.DebugContext(ctx, "duplicate completed event ignored",
					"user", key.UserID, "torrent", t.ID(), "peer_id", key.PeerID.String())
			}
		}
		out.delta = t.PutPeer(key, p)
	}

	self, _ := t.Peer(key)
	out.peers = t.SelectPeers(key, e.numWant(req.NumWant), self.IsSeeder)
	out.seeders, out.leechers = t.Seeders(), t.Leechers()
	return out
}

// credit scales the transfer since the previous announce by the torrent's
// factors. A counter that went backwards means the client restarted and
// contributes nothing.
func credit(t *swarm.Torrent, prev swarm.Peer, req Request) (up, down uint64) {
	upFactor, downFactor := t.Factors()
	if req.Uploaded > prev.Uploaded {
		up = (req.Uploaded - prev.Uploaded) * uint64(upFactor) / 100
	}
	if req.Downloaded > prev.Downloaded {
		down = (req.Downloaded - prev.Downloaded) * uint64(downFactor) / 100
	}
	return up, down
}
