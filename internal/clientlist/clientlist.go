// Package clientlist restricts announces to approved BitTorrent clients by
// peer-id prefix, e.g. "-qB46" or "-TR40".
package clientlist

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/arcadia/arcadia-tracker/internal/codec"
)

// List is a reloadable set of approved prefixes. The zero value, or a List
// that was never loaded, approves every client.
type List struct {
	prefixes atomic.Pointer[[][]byte]
}

// Allowed reports whether id starts with an approved prefix. A configured
// but empty list (e.g. the file went missing) blocks everyone.
func (l *List) Allowed(id codec.PeerID) bool {
	if l == nil {
		return true
	}
	p := l.prefixes.Load()
	if p == nil {
		return true
	}
	for _, prefix := range *p {
		if bytes.HasPrefix(id[:], prefix) {
			return true
		}
	}
	return false
}

// Len returns the number of loaded prefixes.
func (l *List) Len() int {
	if p := l.prefixes.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Set replaces the prefix set.
func (l *List) Set(prefixes [][]byte) {
	l.prefixes.Store(&prefixes)
}

// Load reads path into the list.
func (l *List) Load(path string, logger *slog.Logger) {
	prefixes := loadFile(path, logger)
	l.Set(prefixes)
	logger.Info("loaded client allowlist", "path", path, "prefixes", len(prefixes))
}

// loadFile parses one prefix per line; blank lines and lines starting with
// # are ignored. A file that cannot be opened yields an empty set.
func loadFile(path string, logger *slog.Logger) [][]byte {
	//nolint:gosec // path comes from operator config
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("failed to open client allowlist, blocking all clients", "path", path, "error", err)
		return [][]byte{}
	}
	//nolint:errcheck // read-only file
	defer f.Close()

	prefixes := [][]byte{}
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > codec.IDLen {
			logger.Warn("client allowlist: prefix longer than a peer id, skipping", "line", lineNum)
			continue
		}
		prefixes = append(prefixes, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("error reading client allowlist", "path", path, "error", err)
	}
	return prefixes
}

// Watch loads path and reloads it whenever the file is written, created or
// renamed into place, until ctx is done. The parent directory is watched so
// editors that replace the file atomically are picked up.
func (l *List) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	l.Load(path, logger)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		//nolint:errcheck // watcher close on shutdown
		defer w.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					l.Load(path, logger)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("client allowlist watcher error", "error", err)
			}
		}
	}()
	return nil
}
