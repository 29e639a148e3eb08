// Package ingest applies torrent and user records pushed by the site
// backend to the identity index and swarm store.
package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/arcadia/arcadia-tracker/internal/codec"
	"github.com/arcadia/arcadia-tracker/internal/identity"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

var (
	ErrUnauthorized     = errors.New("invalid api key")
	ErrInvalidRecord    = errors.New("invalid record")
	ErrInfoHashConflict = errors.New("info_hash conflict")
	ErrPasskeyConflict  = errors.New("passkey conflict")
)

const maxPasskeyLen = 64

// TorrentRecord is the body of PUT /api/torrents. Seeders and leechers are
// accepted for compatibility but the tracker derives them from its peers.
type TorrentRecord struct {
	ID             uint32         `json:"id"`
	InfoHash       codec.InfoHash `json:"info_hash"`
	IsDeleted      bool           `json:"is_deleted"`
	Seeders        int64          `json:"seeders"`
	Leechers       int64          `json:"leechers"`
	TimesCompleted int64          `json:"times_completed"`
	DownloadFactor int            `json:"download_factor"`
	UploadFactor   int            `json:"upload_factor"`
}

func (r TorrentRecord) validate() error {
	switch {
	case r.ID == 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidRecord)
	case r.Seeders < 0 || r.Leechers < 0:
		return fmt.Errorf("%w: negative peer counts", ErrInvalidRecord)
	case r.TimesCompleted < 0 || r.TimesCompleted > int64(^uint32(0)):
		return fmt.Errorf("%w: times_completed out of range", ErrInvalidRecord)
	case r.DownloadFactor < 0 || r.DownloadFactor > 255:
		return fmt.Errorf("%w: download_factor out of range", ErrInvalidRecord)
	case r.UploadFactor < 0 || r.UploadFactor > 255:
		return fmt.Errorf("%w: upload_factor out of range", ErrInvalidRecord)
	}
	return nil
}

// UserRecord is the body of PUT /api/users.
type UserRecord struct {
	ID      uint32 `json:"id"`
	Passkey string `json:"passkey"`
}

func (r UserRecord) validate() error {
	switch {
	case r.ID == 0:
		return fmt.Errorf("%w: id must be positive", ErrInvalidRecord)
	case r.Passkey == "":
		return fmt.Errorf("%w: empty passkey", ErrInvalidRecord)
	case len(r.Passkey) > maxPasskeyLen:
		return fmt.Errorf("%w: passkey longer than %d bytes", ErrInvalidRecord, maxPasskeyLen)
	case strings.ContainsAny(r.Passkey, "/?#"):
		return fmt.Errorf("%w: passkey is not a path segment", ErrInvalidRecord)
	}
	return nil
}

// PeerRecord restores one peer entry, e.g. from a warm start.
type PeerRecord struct {
	TorrentID        uint32
	UserID           uint32
	PeerID           codec.PeerID
	IP               netip.Addr
	Port             uint16
	IsSeeder         bool
	IsActive         bool
	HasSentCompleted bool
	UpdatedAt        time.Time
	Uploaded         uint64
	Downloaded       uint64
}

type Service struct {
	index  *identity.Index
	store  *swarm.Store
	users  *swarm.Users
	apiKey []byte
	logger *slog.Logger
}

func NewService(apiKey string, index *identity.Index, store *swarm.Store, users *swarm.Users, logger *slog.Logger) *Service {
	return &Service{
		index:  index,
		store:  store,
		users:  users,
		apiKey: []byte(apiKey),
		logger: logger,
	}
}

// Authorize checks the shared secret in constant time.
func (s *Service) Authorize(key string) error {
	if len(s.apiKey) == 0 || subtle.ConstantTimeCompare([]byte(key), s.apiKey) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// UpsertTorrent creates or refreshes a torrent and its info_hash mapping in
// one structural step. Repeating the same record is a no-op.
func (s *Service) UpsertTorrent(ctx context.Context, rec TorrentRecord) (created bool, err error) {
	if err := rec.validate(); err != nil {
		return false, err
	}

	created, err = s.store.UpsertTorrent(swarm.Record{
		ID:             rec.ID,
		InfoHash:       rec.InfoHash,
		IsDeleted:      rec.IsDeleted,
		TimesCompleted: uint32(rec.TimesCompleted),
		UploadFactor:   uint8(rec.UploadFactor),
		DownloadFactor: uint8(rec.DownloadFactor),
	}, func() error {
		return s.index.BindTorrent(rec.InfoHash, rec.ID)
	})
	switch {
	case errors.Is(err, swarm.ErrInfoHashMismatch), errors.Is(err, identity.ErrInfoHashTaken):
		return false, fmt.Errorf("%w: %v", ErrInfoHashConflict, err)
	case err != nil:
		return false, err
	}

	s.logger.InfoContext(ctx, "torrent upserted",
		"id", rec.ID, "info_hash", rec.InfoHash.String(), "created", created, "deleted", rec.IsDeleted)
	return created, nil
}

// UpsertUser registers the user and binds its passkey. The aggregate is
// created first so a resolvable passkey always has counters to update.
func (s *Service) UpsertUser(ctx context.Context, rec UserRecord) (created bool, err error) {
	if err := rec.validate(); err != nil {
		return false, err
	}

	created = s.users.Upsert(rec.ID)
	if err := s.index.BindUser(rec.Passkey, rec.ID); err != nil {
		if errors.Is(err, identity.ErrPasskeyTaken) {
			return false, fmt.Errorf("%w: %v", ErrPasskeyConflict, err)
		}
		return false, err
	}

	s.logger.InfoContext(ctx, "user upserted", "id", rec.ID, "created", created)
	return created, nil
}

// RestorePeer inserts a peer entry directly, bypassing the announce state
// machine. Counters are derived from the entry as usual.
func (s *Service) RestorePeer(rec PeerRecord) error {
	if _, ok := s.users.Get(rec.UserID); !ok {
		return fmt.Errorf("%w: unknown user %d", ErrInvalidRecord, rec.UserID)
	}
	if rec.Port == 0 || !rec.IP.IsValid() {
		return fmt.Errorf("%w: peer without address", ErrInvalidRecord)
	}

	var d swarm.Delta
	err := s.store.WithTorrent(rec.TorrentID, func(t *swarm.Torrent) error {
		d = t.PutPeer(swarm.PeerKey{UserID: rec.UserID, PeerID: rec.PeerID}, swarm.Peer{
			IP:               rec.IP.Unmap(),
			Port:             rec.Port,
			IsSeeder:         rec.IsSeeder,
			IsActive:         rec.IsActive,
			HasSentCompleted: rec.HasSentCompleted,
			UpdatedAt:        rec.UpdatedAt,
			Uploaded:         rec.Uploaded,
			Downloaded:       rec.Downloaded,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: torrent %d: %v", ErrInvalidRecord, rec.TorrentID, err)
	}
	s.users.Apply(rec.UserID, d)
	return nil
}
