package announce

import (
	"errors"

	"github.com/arcadia/arcadia-tracker/internal/codec"
	"github.com/arcadia/arcadia-tracker/internal/identity"
)

// Every announce failure wraps one of these. They all end up as a bencoded
// failure reason with status 200.
var (
	ErrUnknownPasskey      = identity.ErrUnknownPasskey
	ErrMalformedIdentifier = codec.ErrMalformedIdentifier
	ErrUnregisteredTorrent = identity.ErrUnregisteredTorrent
	ErrTorrentUnavailable  = errors.New("torrent unavailable")
	ErrClientUnapproved    = errors.New("client not approved")
	ErrRateLimited         = errors.New("rate limited")
	ErrMalformedRequest    = errors.New("malformed request")
)

// Outcome classifies err into a short label for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownPasskey):
		return "unknown_passkey"
	case errors.Is(err, ErrMalformedIdentifier):
		return "malformed_identifier"
	case errors.Is(err, ErrUnregisteredTorrent):
		return "unregistered_torrent"
	case errors.Is(err, ErrTorrentUnavailable):
		return "torrent_unavailable"
	case errors.Is(err, ErrClientUnapproved):
		return "client_unapproved"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformedRequest):
		return "malformed_request"
	default:
		return "internal"
	}
}
