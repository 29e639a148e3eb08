package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/arcadia/arcadia-tracker/internal/announce"
	"github.com/arcadia/arcadia-tracker/internal/codec"
)

// handleAnnounce serves GET /{passkey}/announce.
// Query: info_hash, peer_id, port, uploaded, downloaded, left are required;
// event, compact, numwant are optional. info_hash and peer_id are raw bytes,
// percent-encoded, so the query is decoded from RawQuery.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseAnnounce(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp, err := s.engine.Announce(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := codec.WriteAnnounce(&buf, resp); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeBencode(w, buf.Bytes())
}

// handleScrape serves GET /{passkey}/scrape with one or more info_hash params.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	q, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("%w: %v", announce.ErrMalformedRequest, err))
		return
	}

	raw := q["info_hash"]
	hashes := make([][]byte, len(raw))
	for i, h := range raw {
		hashes[i] = []byte(h)
	}

	files, err := s.engine.Scrape(r.Context(), r.PathValue("passkey"), hashes)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := codec.WriteScrape(&buf, files); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeBencode(w, buf.Bytes())
}

func (s *Server) parseAnnounce(r *http.Request) (announce.Request, error) {
	q, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return announce.Request{}, fmt.Errorf("%w: %v", announce.ErrMalformedRequest, err)
	}

	req := announce.Request{
		Passkey:  r.PathValue("passkey"),
		InfoHash: []byte(q.Get("info_hash")),
		PeerID:   []byte(q.Get("peer_id")),
		IP:       s.clientIP(r),
		NumWant:  announce.NumWantDefault,
		Compact:  q.Get("compact") != "0",
	}

	port, err := strconv.ParseUint(q.Get("port"), 10, 16)
	if err != nil {
		return req, fmt.Errorf("%w: port", announce.ErrMalformedRequest)
	}
	req.Port = uint16(port)

	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{"uploaded", &req.Uploaded},
		{"downloaded", &req.Downloaded},
		{"left", &req.Left},
	} {
		v, err := strconv.ParseUint(q.Get(f.name), 10, 64)
		if err != nil {
			return req, fmt.Errorf("%w: %s", announce.ErrMalformedRequest, f.name)
		}
		*f.dst = v
	}

	if req.Event, err = announce.ParseEvent(q.Get("event")); err != nil {
		return req, err
	}

	if v := q.Get("numwant"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("%w: numwant", announce.ErrMalformedRequest)
		}
		req.NumWant = n
	}
	return req, nil
}

// clientIP returns the address peers should connect to: the first
// X-Forwarded-For hop when the proxy is trusted, the socket address otherwise.
func (s *Server) clientIP(r *http.Request) netip.Addr {
	if s.cfg.HTTP.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap()
			}
		}
	}
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// writeFailure reports err to the client as a bencoded failure reason. The
// status is always 200 since clients do not reliably read status codes.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	reason := err.Error()
	if announce.Outcome(err) == "internal" {
		s.logger.ErrorContext(ctx, "tracker request failed", "path", r.URL.Path, "error", err)
		reason = "internal tracker error"
	} else if s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.DebugContext(ctx, "tracker request rejected",
			"remote", r.RemoteAddr, "outcome", announce.Outcome(err), "error", err)
	}

	var buf bytes.Buffer
	//nolint:errcheck // writing into a bytes.Buffer
	codec.WriteFailure(&buf, reason)
	writeBencode(w, buf.Bytes())
}

func writeBencode(w http.ResponseWriter, body []byte) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // client went away
	w.Write(body)
}

// recoverer turns a panic in one request into a 500 instead of killing the
// process.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.ErrorContext(context.WithoutCancel(r.Context()), "panic serving request",
					"path", r.URL.Path, "panic", fmt.Sprint(v))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
