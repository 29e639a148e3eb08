package identity

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/arcadia/arcadia-tracker/internal/codec"
)

func TestResolveUser(t *testing.T) {
	x := New()

	if _, err := x.ResolveUser("missing"); !errors.Is(err, ErrUnknownPasskey) {
		t.Errorf("err = %v, want ErrUnknownPasskey", err)
	}

	if err := x.BindUser("key-1", 7); err != nil {
		t.Fatalf("BindUser: %v", err)
	}
	id, err := x.ResolveUser("key-1")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}
}

func TestBindUser(t *testing.T) {
	t.Run("rebinding is idempotent", func(t *testing.T) {
		x := New()
		for i := 0; i < 3; i++ {
			if err := x.BindUser("key", 1); err != nil {
				t.Fatalf("BindUser #%d: %v", i, err)
			}
		}
		if users, _ := x.Len(); users != 1 {
			t.Errorf("users = %d, want 1", users)
		}
	})

	t.Run("passkey rotation drops old key", func(t *testing.T) {
		x := New()
		_ = x.BindUser("old", 1)
		if err := x.BindUser("new", 1); err != nil {
			t.Fatalf("BindUser: %v", err)
		}
		if _, err := x.ResolveUser("old"); !errors.Is(err, ErrUnknownPasskey) {
			t.Errorf("old passkey still resolves: %v", err)
		}
		if id, _ := x.ResolveUser("new"); id != 1 {
			t.Errorf("new passkey resolves to %d, want 1", id)
		}
	})

	t.Run("passkey owned by another user", func(t *testing.T) {
		x := New()
		_ = x.BindUser("shared", 1)
		if err := x.BindUser("shared", 2); !errors.Is(err, ErrPasskeyTaken) {
			t.Errorf("err = %v, want ErrPasskeyTaken", err)
		}
		if id, _ := x.ResolveUser("shared"); id != 1 {
			t.Errorf("owner changed to %d", id)
		}
	})
}

func TestBindTorrent(t *testing.T) {
	x := New()
	h := codec.InfoHash{1}

	if _, err := x.ResolveTorrent(h); !errors.Is(err, ErrUnregisteredTorrent) {
		t.Errorf("err = %v, want ErrUnregisteredTorrent", err)
	}

	if err := x.BindTorrent(h, 10); err != nil {
		t.Fatalf("BindTorrent: %v", err)
	}
	if err := x.BindTorrent(h, 10); err != nil {
		t.Errorf("rebinding same id: %v", err)
	}
	if err := x.BindTorrent(h, 11); !errors.Is(err, ErrInfoHashTaken) {
		t.Errorf("err = %v, want ErrInfoHashTaken", err)
	}

	id, err := x.ResolveTorrent(h)
	if err != nil || id != 10 {
		t.Errorf("ResolveTorrent = %d, %v; want 10, nil", id, err)
	}
}

func TestIndex_ConcurrentReadsAndWrites(t *testing.T) {
	x := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = x.BindUser(fmt.Sprintf("key-%d", i), uint32(i))
			_ = x.BindTorrent(codec.InfoHash{byte(i)}, uint32(i))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = x.ResolveUser(fmt.Sprintf("key-%d", i))
			_, _ = x.ResolveTorrent(codec.InfoHash{byte(i)})
		}(i)
	}
	wg.Wait()

	users, torrents := x.Len()
	if users != 50 || torrents != 50 {
		t.Errorf("Len() = %d, %d; want 50, 50", users, torrents)
	}
}
