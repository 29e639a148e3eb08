package announce

import (
	"context"

	"github.com/arcadia/arcadia-tracker/internal/codec"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

// MaxScrapeHashes bounds the info-hashes honoured per scrape request.
const MaxScrapeHashes = 64

// Scrape reports swarm counters for each requested info-hash. Unknown and
// deleted torrents are left out of the result.
func (e *Engine) Scrape(ctx context.Context, passkey string, hashes [][]byte) (files map[codec.InfoHash]codec.ScrapeFile, err error) {
	defer func() { e.observer.ObserveScrape(len(hashes), err) }()

	if _, err := e.index.ResolveUser(passkey); err != nil {
		return nil, err
	}
	if len(hashes) > MaxScrapeHashes {
		hashes = hashes[:MaxScrapeHashes]
	}

	files = make(map[codec.InfoHash]codec.ScrapeFile, len(hashes))
	for _, raw := range hashes {
		h, err := codec.DecodeInfoHash(raw)
		if err != nil {
			return nil, err
		}
		id, err := e.index.ResolveTorrent(h)
		if err != nil {
			continue
		}
		_ = e.store.View(id, func(t *swarm.Torrent) error {
			if t.IsDeleted() {
				return nil
			}
			files[h] = codec.ScrapeFile{
				Complete:   t.Seeders(),
				Downloaded: t.TimesCompleted(),
				Incomplete: t.Leechers(),
			}
			return nil
		})
	}
	return files, nil
}
