package codec

import (
	"io"
	"time"

	"github.com/jackpal/bencode-go"
)

// AnnounceResponse is the success body of an announce.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Complete    uint32
	Incomplete  uint32
	Peers       []Peer
	Compact     bool
}

// ScrapeFile holds the per-torrent statistics of a scrape response.
type ScrapeFile struct {
	Complete   uint32
	Downloaded uint32
	Incomplete uint32
}

// bencode-go sorts struct keys when encoding, so field order here is free.
type compactBody struct {
	Interval    int    `bencode:"interval"`
	MinInterval int    `bencode:"min interval"`
	Complete    int    `bencode:"complete"`
	Incomplete  int    `bencode:"incomplete"`
	Peers       string `bencode:"peers"`
}

type dictBody struct {
	Interval    int        `bencode:"interval"`
	MinInterval int        `bencode:"min interval"`
	Complete    int        `bencode:"complete"`
	Incomplete  int        `bencode:"incomplete"`
	Peers       []dictPeer `bencode:"peers"`
}

type failureBody struct {
	FailureReason string `bencode:"failure reason"`
}

type scrapeEntry struct {
	Complete   int `bencode:"complete"`
	Downloaded int `bencode:"downloaded"`
	Incomplete int `bencode:"incomplete"`
}

type scrapeBody struct {
	Files map[string]scrapeEntry `bencode:"files"`
}

// WriteAnnounce bencodes resp onto w, packing peers in the form the client asked for.
func WriteAnnounce(w io.Writer, resp AnnounceResponse) error {
	interval := int(resp.Interval / time.Second)
	minInterval := int(resp.MinInterval / time.Second)

	if resp.Compact {
		peers := AppendCompact(make([]byte, 0, len(resp.Peers)*CompactPeerLen), resp.Peers)
		return bencode.Marshal(w, compactBody{
			Interval:    interval,
			MinInterval: minInterval,
			Complete:    int(resp.Complete),
			Incomplete:  int(resp.Incomplete),
			Peers:       string(peers),
		})
	}

	return bencode.Marshal(w, dictBody{
		Interval:    interval,
		MinInterval: minInterval,
		Complete:    int(resp.Complete),
		Incomplete:  int(resp.Incomplete),
		Peers:       dictPeers(resp.Peers),
	})
}

// WriteFailure bencodes a single "failure reason" dictionary.
func WriteFailure(w io.Writer, reason string) error {
	return bencode.Marshal(w, failureBody{FailureReason: reason})
}

// WriteScrape bencodes a BEP 48 scrape response keyed by raw info-hash.
func WriteScrape(w io.Writer, files map[InfoHash]ScrapeFile) error {
	body := scrapeBody{Files: make(map[string]scrapeEntry, len(files))}
	for h, f := range files {
		body.Files[string(h[:])] = scrapeEntry{
			Complete:   int(f.Complete),
			Downloaded: int(f.Downloaded),
			Incomplete: int(f.Incomplete),
		}
	}
	return bencode.Marshal(w, body)
}
