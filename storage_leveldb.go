package alova

import (
	"context"
	"errors"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStorage persists entries in an on-disk LevelDB database. Expiry
// is not enforced here; the cache prunes expired snapshots when it reads
// them.
type LevelDBStorage struct {
	db *leveldb.DB
}

// NewLevelDBStorage opens (or creates) the database at path.
func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStorage{db: db}, nil
}

func (s *LevelDBStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return value, nil
}

func (s *LevelDBStorage) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Put([]byte(key), value, nil)
}

func (s *LevelDBStorage) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete([]byte(key), nil)
}

func (s *LevelDBStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

// Close closes the database.
func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}
