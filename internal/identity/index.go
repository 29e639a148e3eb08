// Package identity maps announce-path keys to internal ids: passkeys to
// user ids and info-hashes to torrent ids. Reads vastly outnumber writes.
package identity

import (
	"errors"
	"sync"

	"github.com/arcadia/arcadia-tracker/internal/codec"
)

var (
	ErrUnknownPasskey      = errors.New("unknown passkey")
	ErrUnregisteredTorrent = errors.New("unregistered torrent")
	ErrPasskeyTaken        = errors.New("passkey belongs to another user")
	ErrInfoHashTaken       = errors.New("info_hash belongs to another torrent")
)

// Index holds both lookup tables behind one read-write lock.
type Index struct {
	mu           sync.RWMutex
	passkeys     map[string]uint32
	userPasskeys map[uint32]string
	infoHashes   map[codec.InfoHash]uint32
}

func New() *Index {
	return &Index{
		passkeys:     make(map[string]uint32),
		userPasskeys: make(map[uint32]string),
		infoHashes:   make(map[codec.InfoHash]uint32),
	}
}

func (x *Index) ResolveUser(passkey string) (uint32, error) {
	x.mu.RLock()
	id, ok := x.passkeys[passkey]
	x.mu.RUnlock()
	if !ok {
		return 0, ErrUnknownPasskey
	}
	return id, nil
}

func (x *Index) ResolveTorrent(h codec.InfoHash) (uint32, error) {
	x.mu.RLock()
	id, ok := x.infoHashes[h]
	x.mu.RUnlock()
	if !ok {
		return 0, ErrUnregisteredTorrent
	}
	return id, nil
}

// BindUser maps passkey to id. A user rotating to a new passkey loses the
// old one so passkeys stay unique.
func (x *Index) BindUser(passkey string, id uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if owner, ok := x.passkeys[passkey]; ok && owner != id {
		return ErrPasskeyTaken
	}
	if old, ok := x.userPasskeys[id]; ok && old != passkey {
		delete(x.passkeys, old)
	}
	x.passkeys[passkey] = id
	x.userPasskeys[id] = passkey
	return nil
}

// BindTorrent maps h to id. Callers hold the swarm store's structural lock.
func (x *Index) BindTorrent(h codec.InfoHash, id uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if owner, ok := x.infoHashes[h]; ok && owner != id {
		return ErrInfoHashTaken
	}
	x.infoHashes[h] = id
	return nil
}

// Len reports the number of bound passkeys and info-hashes.
func (x *Index) Len() (users, torrents int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.passkeys), len(x.infoHashes)
}
