package swarm

import (
	"sync"
	"sync/atomic"
)

// User holds the cross-swarm aggregates of one account. Counters are
// atomics addressed by user id so they can be updated after a torrent
// lock is released without any user-level lock.
type User struct {
	ID uint32

	seeding  atomic.Int64
	leeching atomic.Int64

	creditedUp   atomic.Uint64
	creditedDown atomic.Uint64
}

func (u *User) NumSeeding() uint32  { return clamp(u.seeding.Load()) }
func (u *User) NumLeeching() uint32 { return clamp(u.leeching.Load()) }

// Counters are eventually consistent; a stop may land before the start
// that preceded it, so transient negatives are reported as zero.
func clamp(v int64) uint32 {
	if v < 0 {
		return 0
	}
	return uint32(v)
}

// UserStats is the aggregate view handed to the backend.
type UserStats struct {
	ID                 uint32 `json:"id"`
	NumSeeding         uint32 `json:"num_seeding"`
	NumLeeching        uint32 `json:"num_leeching"`
	CreditedUploaded   uint64 `json:"credited_uploaded"`
	CreditedDownloaded uint64 `json:"credited_downloaded"`
}

// Users is the registry of user aggregates.
type Users struct {
	mu   sync.RWMutex
	byID map[uint32]*User
}

func NewUsers() *Users {
	return &Users{byID: make(map[uint32]*User)}
}

// Upsert registers id with zeroed counters. An already known user keeps
// its counters since they are derived from live swarm state.
func (us *Users) Upsert(id uint32) (created bool) {
	us.mu.Lock()
	defer us.mu.Unlock()
	if _, ok := us.byID[id]; ok {
		return false
	}
	us.byID[id] = &User{ID: id}
	return true
}

func (us *Users) Get(id uint32) (*User, bool) {
	us.mu.RLock()
	defer us.mu.RUnlock()
	u, ok := us.byID[id]
	return u, ok
}

// Apply adds d to the user's seeding/leeching counts.
func (us *Users) Apply(id uint32, d Delta) bool {
	if d.IsZero() {
		return true
	}
	u, ok := us.Get(id)
	if !ok {
		return false
	}
	u.seeding.Add(int64(d.Seeding))
	u.leeching.Add(int64(d.Leeching))
	return true
}

// Credit adds factor-scaled transfer to the user's pending totals.
func (us *Users) Credit(id uint32, up, down uint64) bool {
	if up == 0 && down == 0 {
		return true
	}
	u, ok := us.Get(id)
	if !ok {
		return false
	}
	u.creditedUp.Add(up)
	u.creditedDown.Add(down)
	return true
}

func (us *Users) Len() int {
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.byID)
}

func (us *Users) all() []*User {
	us.mu.RLock()
	defer us.mu.RUnlock()
	out := make([]*User, 0, len(us.byID))
	for _, u := range us.byID {
		out = append(out, u)
	}
	return out
}

// Stats reports every user's counters and pending credit without draining.
func (us *Users) Stats() []UserStats {
	users := us.all()
	out := make([]UserStats, 0, len(users))
	for _, u := range users {
		out = append(out, UserStats{
			ID:                 u.ID,
			NumSeeding:         u.NumSeeding(),
			NumLeeching:        u.NumLeeching(),
			CreditedUploaded:   u.creditedUp.Load(),
			CreditedDownloaded: u.creditedDown.Load(),
		})
	}
	return out
}

// Drain is Stats with the pending credit reset to zero.
func (us *Users) Drain() []UserStats {
	users := us.all()
	out := make([]UserStats, 0, len(users))
	for _, u := range users {
		out = append(out, UserStats{
			ID:                 u.ID,
			NumSeeding:         u.NumSeeding(),
			NumLeeching:        u.NumLeeching(),
			CreditedUploaded:   u.creditedUp.Swap(0),
			CreditedDownloaded: u.creditedDown.Swap(0),
		})
	}
	return out
}

// Recredit returns drained credit after a failed flush.
func (us *Users) Recredit(stats []UserStats) {
	for _, s := range stats {
		us.Credit(s.ID, s.CreditedUploaded, s.CreditedDownloaded)
	}
}
