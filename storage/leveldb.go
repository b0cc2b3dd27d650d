package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

type LevelStore struct {
	db *leveldb.DB
}

func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		log.Error("open leveldb fail", "path", path, "err", err)
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Get(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := s.db.Get([]byte(k), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "leveldb get %s", k)
		}
		out[i] = v
	}
	return out, nil
}

func (s *LevelStore) Set(ctx context.Context, key string, value []byte) (bool, error) {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return false, errors.Wrapf(err, "leveldb put %s", key)
	}
	return true, nil
}

func (s *LevelStore) Delete(ctx context.Context, keys []string) (int, error) {
	batch := new(leveldb.Batch)
	count := 0
	for _, k := range keys {
		ok, err := s.db.Has([]byte(k), nil)
		if err != nil {
			return 0, errors.Wrapf(err, "leveldb has %s", k)
		}
		if ok {
			batch.Delete([]byte(k))
			count++
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, errors.Wrap(err, "leveldb delete")
	}
	return count, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
