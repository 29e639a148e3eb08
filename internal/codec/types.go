// Package codec implements the tracker's wire formats: 20-byte identifiers,
// compact and dictionary peer lists, and bencoded announce/scrape responses.
package codec

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// IDLen is the length of an info-hash or peer id (SHA-1 digest length).
const IDLen = 20

// ErrMalformedIdentifier is returned when an info-hash or peer id does not
// decode to exactly 20 bytes.
var ErrMalformedIdentifier = errors.New("malformed identifier")

// InfoHash is the 20-byte identifier of a torrent's info dictionary.
// Used as a map key directly to avoid the 40-byte hex string overhead.
type InfoHash [IDLen]byte

// PeerID is the 20-byte id a client instance picks for its session.
type PeerID [IDLen]byte

// DecodeInfoHash copies percent-decoded raw bytes into an InfoHash.
func DecodeInfoHash(b []byte) (InfoHash, error) {
	var h InfoHash
	if len(b) != IDLen {
		return h, fmt.Errorf("%w: info_hash is %d bytes", ErrMalformedIdentifier, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// DecodePeerID copies percent-decoded raw bytes into a PeerID.
func DecodePeerID(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != IDLen {
		return id, fmt.Errorf("%w: peer_id is %d bytes", ErrMalformedIdentifier, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseInfoHashHex parses the 40 character hex form used by the backend.
func ParseInfoHashHex(s string) (InfoHash, error) {
	var h InfoHash
	if len(s) != 2*IDLen {
		return h, fmt.Errorf("%w: hex info_hash is %d chars", ErrMalformedIdentifier, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformedIdentifier, err)
	}
	return h, nil
}

func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalJSON renders the hash as 40 lowercase hex characters.
func (h InfoHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON accepts either a 40 character hex string or an array of
// 20 byte values, which is how the backend serializes a raw [u8; 20].
func (h *InfoHash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseInfoHashHex(s)
		if err != nil {
			return err
		}
		*h = parsed
		return nil
	}

	var raw []uint8
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("%w: info_hash must be hex string or byte array", ErrMalformedIdentifier)
	}
	for _, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: info_hash byte %d out of range", ErrMalformedIdentifier, v)
		}
		raw = append(raw, uint8(v))
	}
	parsed, err := DecodeInfoHash(raw)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
