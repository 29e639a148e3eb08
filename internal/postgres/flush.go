package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arcadia/arcadia-tracker/internal/reconcile"
)

const (
	updateTorrentSQL = `
		UPDATE torrents
		SET seeders = $2, leechers = $3, times_completed = GREATEST(times_completed, $4)
		WHERE id = $1
	`
	updateUserSQL = `
		UPDATE users
		SET seeding = $2, leeching = $3,
		    uploaded = uploaded + $4, downloaded = downloaded + $5
		WHERE id = $1
	`
)

// flushBatch queues one UPDATE per torrent and per user in rep.
func flushBatch(rep reconcile.Report) *pgx.Batch {
	b := &pgx.Batch{}
	for _, t := range rep.Torrents {
		b.Queue(updateTorrentSQL, int64(t.ID), int64(t.Seeders), int64(t.Leechers), int64(t.TimesCompleted))
	}
	for _, u := range rep.Users {
		b.Queue(updateUserSQL, int64(u.ID), int64(u.NumSeeding), int64(u.NumLeeching),
			int64(u.CreditedUploaded), int64(u.CreditedDownloaded))
	}
	return b
}

// Flush writes rep in a single transaction. It implements reconcile.Sink.
func (db *DB) Flush(ctx context.Context, rep reconcile.Report) error {
	b := flushBatch(rep)
	if b.Len() == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return fmt.Errorf("flush %d statements: %w", b.Len(), err)
	}
	db.logger.DebugContext(ctx, "flushed stats", "torrents", len(rep.Torrents), "users", len(rep.Users))
	return nil
}
