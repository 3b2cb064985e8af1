package alova

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStorage(t *testing.T, prefix string) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storage := NewRedisStorageWithClient(client, prefix)
	t.Cleanup(func() { _ = storage.Close() })
	return storage, mr
}

func newTestLevelDBStorage(t *testing.T) *LevelDBStorage {
	t.Helper()
	storage, err := NewLevelDBStorage(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("NewLevelDBStorage() error = %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestStorageContract(t *testing.T) {
	storages := map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage { return NewMemoryStorage() },
		"redis": func(t *testing.T) Storage {
			s, _ := newTestRedisStorage(t, "test:")
			return s
		},
		"leveldb": func(t *testing.T) Storage { return newTestLevelDBStorage(t) },
	}

	for name, open := range storages {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			if _, err := s.Get(ctx, "alova:a:missing"); !errors.Is(err, ErrCacheMiss) {
				t.Fatalf("Get(missing) error = %v, want ErrCacheMiss", err)
			}

			for _, key := range []string{"alova:a:one", "alova:a:two", "alova:b:one"} {
				if err := s.Set(ctx, key, []byte("v-"+key), 0); err != nil {
					t.Fatalf("Set(%s) error = %v", key, err)
				}
			}

			got, err := s.Get(ctx, "alova:a:one")
			if err != nil || string(got) != "v-alova:a:one" {
				t.Fatalf("Get() = %q, %v", got, err)
			}

			if err := s.Set(ctx, "alova:a:one", []byte("updated"), 0); err != nil {
				t.Fatal(err)
			}
			got, _ = s.Get(ctx, "alova:a:one")
			if string(got) != "updated" {
				t.Errorf("overwrite not visible, got %q", got)
			}

			keys, err := s.Keys(ctx, "alova:a:")
			if err != nil {
				t.Fatalf("Keys() error = %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "alova:a:one" || keys[1] != "alova:a:two" {
				t.Errorf("Keys(alova:a:) = %v", keys)
			}

			if err := s.Remove(ctx, "alova:a:one"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if err := s.Remove(ctx, "alova:a:one"); err != nil {
				t.Fatalf("second Remove() error = %v", err)
			}
			if _, err := s.Get(ctx, "alova:a:one"); !errors.Is(err, ErrCacheMiss) {
				t.Errorf("Get(removed) error = %v, want ErrCacheMiss", err)
			}
		})
	}
}

func TestMemoryStorageTTL(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStorage()
	s.now = clock.Now
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	_ = s.Set(ctx, "forever", []byte("v"), 0)

	clock.Advance(59 * time.Second)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("entry expired early: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected miss after ttl, got %v", err)
	}
	if _, err := s.Get(ctx, "forever"); err != nil {
		t.Errorf("zero ttl entry should not expire: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expired entry should be deleted on read, Len() = %d", s.Len())
	}
}

func TestMemoryStorageHonoursContext(t *testing.T) {
	s := NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Set(ctx, "k", nil, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Set() error = %v, want context.Canceled", err)
	}
	if _, err := s.Keys(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("Keys() error = %v, want context.Canceled", err)
	}
}

func TestRedisStorageTTLAndPrefix(t *testing.T) {
	s, mr := newTestRedisStorage(t, "app:")
	ctx := context.Background()

	if err := s.Set(ctx, "alova:x:k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("app:alova:x:k") {
		t.Fatal("key should be written under the storage prefix")
	}
	if ttl := mr.TTL("app:alova:x:k"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	keys, err := s.Keys(ctx, "alova:x:")
	if err != nil || len(keys) != 1 || keys[0] != "alova:x:k" {
		t.Errorf("Keys() = %v, %v; want prefix stripped", keys, err)
	}

	mr.FastForward(time.Minute)
	if _, err := s.Get(ctx, "alova:x:k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected miss after ttl, got %v", err)
	}
}

func TestNewRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStorage(RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisStorage() error = %v", err)
	}
	defer s.Close()

	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisStorage(RedisConfig{Addr: addr}); err == nil {
		t.Error("expected an error for an unreachable server")
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob(`a*b?[c]\`); got != `a\*b\?\[c\]\\` {
		t.Errorf("escapeGlob() = %q", got)
	}
}

func TestLevelDBStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	ctx := context.Background()

	s, err := NewLevelDBStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "alova:x:k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewLevelDBStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "alova:x:k")
	if err != nil || string(got) != "v" {
		t.Errorf("Get() after reopen = %q, %v", got, err)
	}
}
