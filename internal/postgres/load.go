package postgres

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arcadia/arcadia-tracker/internal/codec"
	"github.com/arcadia/arcadia-tracker/internal/ingest"
)

const (
	torrentsQuery = `
		SELECT id, info_hash, upload_factor, download_factor, times_completed,
		       deleted_at IS NOT NULL AS is_deleted
		FROM torrents
	`
	usersQuery = `
		SELECT id, passkey
		FROM users
		WHERE passkey IS NOT NULL
	`
	peersQuery = `
		SELECT torrent_id, user_id, peer_id, ip, port, seeder, active,
		       updated_at, uploaded, downloaded
		FROM peers
		WHERE updated_at IS NOT NULL AND ip IS NOT NULL
	`
)

// Loader is the subset of the ingestion service a warm start needs.
type Loader interface {
	UpsertTorrent(ctx context.Context, rec ingest.TorrentRecord) (bool, error)
	UpsertUser(ctx context.Context, rec ingest.UserRecord) (bool, error)
	RestorePeer(rec ingest.PeerRecord) error
}

// LoadStats counts what a warm start loaded and skipped.
type LoadStats struct {
	Torrents int
	Users    int
	Peers    int
	Skipped  int
}

type torrentRow struct {
	ID             int32
	InfoHash       []byte
	UploadFactor   int16
	DownloadFactor int16
	TimesCompleted int32
	IsDeleted      bool
}

type peerRow struct {
	TorrentID  int32
	UserID     int32
	PeerID     []byte
	IP         netip.Prefix
	Port       int32
	Seeder     bool
	Active     bool
	UpdatedAt  time.Time
	Uploaded   int64
	Downloaded int64
}

// clampFactor keeps a percentage column within what the tracker stores.
func clampFactor(v int16) int {
	return int(min(max(v, 0), 255))
}

func (r torrentRow) record() (ingest.TorrentRecord, error) {
	h, err := codec.DecodeInfoHash(r.InfoHash)
	if err != nil {
		return ingest.TorrentRecord{}, err
	}
	if r.ID <= 0 {
		return ingest.TorrentRecord{}, fmt.Errorf("%w: torrent id %d", ingest.ErrInvalidRecord, r.ID)
	}
	return ingest.TorrentRecord{
		ID:             uint32(r.ID),
		InfoHash:       h,
		IsDeleted:      r.IsDeleted,
		TimesCompleted: int64(max(r.TimesCompleted, 0)),
		UploadFactor:   clampFactor(r.UploadFactor),
		DownloadFactor: clampFactor(r.DownloadFactor),
	}, nil
}

func (r peerRow) record() (ingest.PeerRecord, error) {
	id, err := codec.DecodePeerID(r.PeerID)
	if err != nil {
		return ingest.PeerRecord{}, err
	}
	if r.TorrentID <= 0 || r.UserID <= 0 {
		return ingest.PeerRecord{}, fmt.Errorf("%w: ids %d/%d", ingest.ErrInvalidRecord, r.TorrentID, r.UserID)
	}
	if r.Port <= 0 || r.Port > 65535 {
		return ingest.PeerRecord{}, fmt.Errorf("%w: port %d", ingest.ErrInvalidRecord, r.Port)
	}
	return ingest.PeerRecord{
		TorrentID:  uint32(r.TorrentID),
		UserID:     uint32(r.UserID),
		PeerID:     id,
		IP:         r.IP.Addr().Unmap(),
		Port:       uint16(r.Port),
		IsSeeder:   r.Seeder,
		IsActive:   r.Active,
		UpdatedAt:  r.UpdatedAt,
		Uploaded:   uint64(max(r.Uploaded, 0)),
		Downloaded: uint64(max(r.Downloaded, 0)),
	}, nil
}

// WarmStart replays torrents, users and peers from the database through l
// so every counter is derived exactly as it would be at runtime. Rows that
// fail validation are logged and skipped.
func (db *DB) WarmStart(ctx context.Context, l Loader) (LoadStats, error) {
	var stats LoadStats

	rows, err := db.pool.Query(ctx, torrentsQuery)
	if err != nil {
		return stats, fmt.Errorf("query torrents: %w", err)
	}
	torrents, err := pgx.CollectRows(rows, pgx.RowToStructByPos[torrentRow])
	if err != nil {
		return stats, fmt.Errorf("scan torrents: %w", err)
	}
	for _, row := range torrents {
		rec, err := row.record()
		if err == nil {
			_, err = l.UpsertTorrent(ctx, rec)
		}
		if err != nil {
			db.logger.WarnContext(ctx, "skipping torrent row", "id", row.ID, "error", err)
			stats.Skipped++
			continue
		}
		stats.Torrents++
	}

	rows, err = db.pool.Query(ctx, usersQuery)
	if err != nil {
		return stats, fmt.Errorf("query users: %w", err)
	}
	var (
		userID  int32
		passkey string
	)
	_, err = pgx.ForEachRow(rows, []any{&userID, &passkey}, func() error {
		if userID <= 0 {
			stats.Skipped++
			return nil
		}
		if _, err := l.UpsertUser(ctx, ingest.UserRecord{ID: uint32(userID), Passkey: passkey}); err != nil {
			db.logger.WarnContext(ctx, "skipping user row", "id", userID, "error", err)
			stats.Skipped++
			return nil
		}
		stats.Users++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("scan users: %w", err)
	}

	rows, err = db.pool.Query(ctx, peersQuery)
	if err != nil {
		return stats, fmt.Errorf("query peers: %w", err)
	}
	peers, err := pgx.CollectRows(rows, pgx.RowToStructByPos[peerRow])
	if err != nil {
		return stats, fmt.Errorf("scan peers: %w", err)
	}
	for _, row := range peers {
		rec, err := row.record()
		if err == nil {
			err = l.RestorePeer(rec)
		}
		if err != nil {
			db.logger.DebugContext(ctx, "skipping peer row", "torrent", row.TorrentID, "user", row.UserID, "error", err)
			stats.Skipped++
			continue
		}
		stats.Peers++
	}

	return stats, nil
}
