package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/NYTimes/gziphandler"
	"github.com/google/uuid"
	"github.com/jpillora/requestlog"

	"github.com/arcadia/arcadia-tracker/internal/ingest"
	"github.com/arcadia/arcadia-tracker/internal/reconcile"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

const (
	apiKeyHeader    = "X-Api-Key"
	requestIDHeader = "X-Request-Id"
	maxBodyBytes    = 1 << 20
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{passkey}/announce", s.handleAnnounce)
	mux.HandleFunc("GET /{passkey}/scrape", s.handleScrape)

	mux.Handle("PUT /api/torrents", s.admin(http.HandlerFunc(s.handleUpsertTorrent)))
	mux.Handle("PUT /api/users", s.admin(http.HandlerFunc(s.handleUpsertUser)))
	mux.Handle("GET /api/stats", s.admin(gziphandler.GzipHandler(http.HandlerFunc(s.handleStats))))

	if s.metrics != nil {
		mux.Handle("GET /metrics", gziphandler.GzipHandler(s.metrics.Handler()))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		//nolint:errcheck // health probe
		w.Write([]byte("ok\n"))
	})

	return s.recoverer(mux)
}

// admin guards backend-facing routes: it tags the request with an id,
// checks the API key and optionally writes an access log line.
func (s *Server) admin(next http.Handler) http.Handler {
	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		if err := s.ingest.Authorize(r.Header.Get(apiKeyHeader)); err != nil {
			s.logger.WarnContext(r.Context(), "rejected api request",
				"request_id", id, "path", r.URL.Path, "remote", r.RemoteAddr)
			s.observeIngest(kindOf(r), err)
			writeJSONError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	}))

	if s.cfg.HTTP.AccessLog {
		opts := requestlog.DefaultOptions
		opts.Writer = slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo).Writer()
		h = requestlog.WrapWith(h, opts)
	}
	return h
}

// kindOf names the ingestion route for metrics.
func kindOf(r *http.Request) string {
	switch r.URL.Path {
	case "/api/torrents":
		return "torrent"
	case "/api/users":
		return "user"
	default:
		return "stats"
	}
}

func (s *Server) observeIngest(kind string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveIngest(kind, err)
	}
}

func (s *Server) handleUpsertTorrent(w http.ResponseWriter, r *http.Request) {
	var rec ingest.TorrentRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		s.observeIngest("torrent", err)
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	created, err := s.ingest.UpsertTorrent(r.Context(), rec)
	s.observeIngest("torrent", err)
	if err != nil {
		s.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, upsertResponse{ID: rec.ID, Created: created})
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var rec ingest.UserRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		s.observeIngest("user", err)
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	created, err := s.ingest.UpsertUser(r.Context(), rec)
	s.observeIngest("user", err)
	if err != nil {
		s.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, upsertResponse{ID: rec.ID, Created: created})
}

// handleStats returns the current counters without draining pending credit.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Totals: s.store.Totals(),
		Report: s.reconciler.Snapshot(),
	})
}

func (s *Server) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ingest.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ingest.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, ingest.ErrInfoHashConflict), errors.Is(err, ingest.ErrPasskeyConflict):
		status = http.StatusConflict
	default:
		s.logger.ErrorContext(r.Context(), "ingestion failed", "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, status, err)
}

type upsertResponse struct {
	ID      uint32 `json:"id"`
	Created bool   `json:"created"`
}

type statsResponse struct {
	Totals swarm.Totals `json:"totals"`
	reconcile.Report
}

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ingest.ErrInvalidRecord, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client went away
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
