// BitTorrent HTTP Tracker Benchmark Tool
// Simulates concurrent clients announcing against a running arcadia-tracker.
// Each worker is one user with its own passkey; it sends started for every
// torrent, then periodic announces and scrapes, and completed + stopped when
// the run ends.
//
// Usage: go run ./benchmark -target http://localhost:8080 -api-key KEY -duration 30s -concurrency 100

package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackpal/bencode-go"
)

const responseTimeout = 5 * time.Second

// LatencyStats stores latencies for a specific operation type (ingest/announce/scrape)
type LatencyStats struct {
	Latencies []time.Duration
	Mu        sync.Mutex
}

func (l *LatencyStats) Record(d time.Duration) {
	l.Mu.Lock()
	l.Latencies = append(l.Latencies, d)
	l.Mu.Unlock()
}

func (l *LatencyStats) getSorted() []time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return nil
	}
	sorted := slices.Clone(l.Latencies)
	slices.Sort(sorted)
	return sorted
}

func (l *LatencyStats) Percentile(p float64) time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	idx := min(int(float64(len(sorted))*p/100.0), len(sorted)-1)
	return sorted[idx]
}

func (l *LatencyStats) Avg() time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range l.Latencies {
		sum += d
	}
	return sum / time.Duration(len(l.Latencies))
}

func (l *LatencyStats) Max() time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)-1]
}

func (l *LatencyStats) Count() int {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return len(l.Latencies)
}

type Stats struct {
	StartTime       time.Time
	IngestLatency   LatencyStats
	AnnounceLatency LatencyStats
	ScrapeLatency   LatencyStats
	TotalRequests   atomic.Uint64
	SuccessfulReqs  atomic.Uint64
	FailedReqs      atomic.Uint64
	Rejected        atomic.Uint64
	BytesRead       atomic.Uint64
}

type Config struct {
	Target      string
	APIKey      string
	Duration    time.Duration
	Concurrency int
	RateLimit   int
	NumHashes   int
	NumWant     int
	SkipSeed    bool
}

type Benchmark struct {
	StopCh chan struct{}
	Config Config
	Stats  Stats
	client *http.Client
}

func NewBenchmark(cfg Config) *Benchmark {
	return &Benchmark{
		StopCh: make(chan struct{}),
		Config: cfg,
		client: &http.Client{
			Timeout: responseTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency * 2,
				MaxIdleConnsPerHost: cfg.Concurrency * 2,
			},
		},
	}
}

func (b *Benchmark) Run() error {
	fmt.Printf("Starting benchmark...\n")
	fmt.Printf("Target: %s\n", b.Config.Target)
	fmt.Printf("Duration: %s\n", b.Config.Duration)
	fmt.Printf("Concurrency: %d\n", b.Config.Concurrency)
	fmt.Printf("Rate limit: %d req/s per worker\n", b.Config.RateLimit)
	fmt.Printf("Info hashes: %d\n", b.Config.NumHashes)
	fmt.Println()

	if !b.Config.SkipSeed {
		if err := b.seed(); err != nil {
			return fmt.Errorf("seed tracker: %w", err)
		}
	}

	b.Stats.StartTime = time.Now()
	go b.reportProgress()

	var wg sync.WaitGroup
	for i := range b.Config.Concurrency {
		wg.Add(1)
		go b.worker(i, &wg)
	}

	time.Sleep(b.Config.Duration)
	close(b.StopCh)
	wg.Wait()
	b.printResults()
	return nil
}

// seed registers one torrent per hash and one user per worker through the
// ingestion API.
func (b *Benchmark) seed() error {
	for i := range b.Config.NumHashes {
		h := generateInfoHash(i)
		body := fmt.Sprintf(`{"id":%d,"info_hash":%q,"upload_factor":100,"download_factor":100}`,
			i+1, hex.EncodeToString(h[:]))
		if err := b.put("/api/torrents", body); err != nil {
			return err
		}
	}
	for i := range b.Config.Concurrency {
		body := fmt.Sprintf(`{"id":%d,"passkey":%q}`, i+1, passkey(i))
		if err := b.put("/api/users", body); err != nil {
			return err
		}
	}
	fmt.Printf("Seeded %d torrents and %d users\n\n", b.Config.NumHashes, b.Config.Concurrency)
	return nil
}

func (b *Benchmark) put(path, body string) error {
	start := time.Now()
	req, err := http.NewRequest(http.MethodPut, b.Config.Target+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", b.Config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	b.Stats.IngestLatency.Record(time.Since(start))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("PUT %s: %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

func (b *Benchmark) worker(id int, wg *sync.WaitGroup) {
	defer wg.Done()

	var rateLimiter *time.Ticker
	if b.Config.RateLimit > 0 {
		rateLimiter = time.NewTicker(time.Second / time.Duration(b.Config.RateLimit))
		defer rateLimiter.Stop()
	}

	key := passkey(id)
	peerID := generatePeerID(id)
	hashes := make([][20]byte, b.Config.NumHashes)
	for i := range hashes {
		hashes[i] = generateInfoHash(i)
	}

	for _, h := range hashes {
		b.count(b.doAnnounce(key, h, peerID, "started", 100))
	}

	for {
		select {
		case <-b.StopCh:
			for _, h := range hashes {
				b.count(b.doAnnounce(key, h, peerID, "completed", 0))
				b.count(b.doAnnounce(key, h, peerID, "stopped", 0))
			}
			return
		default:
		}

		if rateLimiter != nil {
			<-rateLimiter.C
		}
		b.performCycle(key, peerID, hashes)
	}
}

// performCycle sends announces for all hashes, then one scrape
func (b *Benchmark) performCycle(key string, peerID [20]byte, hashes [][20]byte) {
	for _, h := range hashes {
		select {
		case <-b.StopCh:
			return
		default:
		}
		b.count(b.doAnnounce(key, h, peerID, "", 100))
	}
	b.count(b.doScrape(key, hashes))
}

var errRejected = errors.New("tracker returned failure reason")

func (b *Benchmark) count(err error) {
	b.Stats.TotalRequests.Add(1)
	switch {
	case err == nil:
		b.Stats.SuccessfulReqs.Add(1)
	case errors.Is(err, errRejected):
		b.Stats.Rejected.Add(1)
		b.Stats.FailedReqs.Add(1)
	default:
		b.Stats.FailedReqs.Add(1)
	}
}

// get fetches a tracker URL and checks the bencoded body for a failure reason.
func (b *Benchmark) get(u string, lat *LatencyStats) error {
	start := time.Now()
	defer func() { lat.Record(time.Since(start)) }()

	resp, err := b.client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	b.Stats.BytesRead.Add(uint64(len(body)))

	v, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if d, ok := v.(map[string]any); ok {
		if reason, ok := d["failure reason"]; ok {
			return fmt.Errorf("%w: %v", errRejected, reason)
		}
	}
	return nil
}

// doAnnounce sends one announce for infoHash with the given event.
func (b *Benchmark) doAnnounce(key string, infoHash, peerID [20]byte, event string, left uint64) error {
	q := url.Values{}
	q.Set("info_hash", string(infoHash[:]))
	q.Set("peer_id", string(peerID[:]))
	q.Set("port", "6881")
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", fmt.Sprint(left))
	q.Set("numwant", fmt.Sprint(b.Config.NumWant))
	q.Set("compact", "1")
	if event != "" {
		q.Set("event", event)
	}
	return b.get(fmt.Sprintf("%s/%s/announce?%s", b.Config.Target, key, q.Encode()), &b.Stats.AnnounceLatency)
}

// doScrape requests statistics for every hash of the worker.
func (b *Benchmark) doScrape(key string, hashes [][20]byte) error {
	q := url.Values{}
	for _, h := range hashes {
		q.Add("info_hash", string(h[:]))
	}
	return b.get(fmt.Sprintf("%s/%s/scrape?%s", b.Config.Target, key, q.Encode()), &b.Stats.ScrapeLatency)
}

func (b *Benchmark) reportProgress() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(b.Stats.StartTime)
			total := b.Stats.TotalRequests.Load()
			rps := float64(total) / elapsed.Seconds()
			fmt.Printf("[%s] Total: %s | RPS: %.0f | Success: %s | Failed: %s\n",
				elapsed.Round(time.Second), humanize.Comma(int64(total)), rps,
				humanize.Comma(int64(b.Stats.SuccessfulReqs.Load())),
				humanize.Comma(int64(b.Stats.FailedReqs.Load())))
		case <-b.StopCh:
			return
		}
	}
}

func (b *Benchmark) printResults() {
	elapsed := time.Since(b.Stats.StartTime)
	total := b.Stats.TotalRequests.Load()
	ok := b.Stats.SuccessfulReqs.Load()
	failed := b.Stats.FailedReqs.Load()

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Concurrency: %d workers\n", b.Config.Concurrency)
	fmt.Println()

	fmt.Println("--- Request Statistics ---")
	fmt.Printf("Total Requests:     %s\n", humanize.Comma(int64(total)))
	successRate, failRate := 0.0, 0.0
	if total > 0 {
		successRate = float64(ok) / float64(total) * 100
		failRate = float64(failed) / float64(total) * 100
	}
	fmt.Printf("Successful:         %s (%.2f%%)\n", humanize.Comma(int64(ok)), successRate)
	fmt.Printf("Failed:             %s (%.2f%%, %s with failure reason)\n",
		humanize.Comma(int64(failed)), failRate, humanize.Comma(int64(b.Stats.Rejected.Load())))
	fmt.Printf("Requests/Second:    %.2f\n", float64(total)/elapsed.Seconds())
	fmt.Printf("Bytes Read:         %s\n", humanize.Bytes(b.Stats.BytesRead.Load()))
	fmt.Println()

	fmt.Println("--- Latency Statistics ---")
	printLatency := func(name string, lat *LatencyStats) {
		if lat.Count() == 0 {
			return
		}
		fmt.Printf("\n%s Latency (n=%d):\n", name, lat.Count())
		fmt.Printf("  Avg:  %s\n", lat.Avg())
		fmt.Printf("  P50:  %s\n", lat.Percentile(50))
		fmt.Printf("  P95:  %s\n", lat.Percentile(95))
		fmt.Printf("  P99:  %s\n", lat.Percentile(99))
		fmt.Printf("  Max:  %s\n", lat.Max())
	}
	printLatency("Ingest", &b.Stats.IngestLatency)
	printLatency("Announce", &b.Stats.AnnounceLatency)
	printLatency("Scrape", &b.Stats.ScrapeLatency)
	fmt.Println()

	if total > 0 && successRate < 95 {
		fmt.Println("WARNING: Error rate is high (>5%). Check tracker logs and ratelimit settings.")
	}
	if b.Stats.AnnounceLatency.Count() > 0 && b.Stats.AnnounceLatency.Percentile(95) > 50*time.Millisecond {
		fmt.Println("WARNING: P95 announce latency is high (>50ms). Consider reducing concurrency.")
	}
}

// generateInfoHash creates a deterministic 20-byte info hash shared by all workers.
func generateInfoHash(hashID int) [20]byte {
	var hash [20]byte
	copy(hash[0:4], "arcb")
	binary.BigEndian.PutUint32(hash[4:8], uint32(hashID))
	for i := 8; i < 20; i++ {
		hash[i] = byte(i)
	}
	return hash
}

// generatePeerID creates a qBittorrent-style peer ID for testing.
func generatePeerID(workerID int) [20]byte {
	var id [20]byte
	copy(id[0:8], "-qB4650-")
	binary.BigEndian.PutUint32(id[8:12], uint32(workerID))
	binary.BigEndian.PutUint32(id[12:16], uint32(time.Now().UnixNano()))
	return id
}

func passkey(workerID int) string {
	return fmt.Sprintf("bench%08d", workerID)
}

func main() {
	var config Config

	flag.StringVar(&config.Target, "target", "http://localhost:8080", "Tracker base URL")
	flag.StringVar(&config.APIKey, "api-key", "arcadia-tracker-dev-key-do-not-use-in-production", "Tracker API key used to seed torrents and users")
	flag.DurationVar(&config.Duration, "duration", 30*time.Second, "Benchmark duration")
	flag.IntVar(&config.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.IntVar(&config.RateLimit, "rate", 0, "Rate limit per worker (req/s, 0=unlimited)")
	flag.IntVar(&config.NumHashes, "hashes", 5, "Number of info hashes")
	flag.IntVar(&config.NumWant, "numwant", 50, "Number of peers to request")
	flag.BoolVar(&config.SkipSeed, "skip-seed", false, "Assume torrents and users already exist")
	flag.Parse()

	config.Target = strings.TrimSuffix(config.Target, "/")
	if config.Concurrency < 1 || config.NumHashes < 1 {
		log.Fatal("Concurrency and hashes must be at least 1")
	}

	if err := NewBenchmark(config).Run(); err != nil {
		log.Fatal(err)
	}
}
