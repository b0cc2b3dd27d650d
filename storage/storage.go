// Package storage provides the key/value capability used for encrypted key
// records and cached chain metadata.
package storage

import (
	"context"

	"github.com/pkg/errors"
)

// Store is a batch oriented key/value store. Get returns one slot per key
// with nil for missing keys; Delete returns how many keys existed.
type Store interface {
	Get(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, keys []string) (int, error)
	Close() error
}

type Config struct {
	// Backend is one of "leveldb", "memory" or "redis".
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "leveldb":
		return NewLevelStore(cfg.Path)
	case "redis":
		return NewRedisStore(ctx, cfg.Addr, cfg.Password, cfg.DB, cfg.Prefix)
	}
	return nil, errors.Errorf("unknown storage backend %q", cfg.Backend)
}

// GetOne reads a single key.
func GetOne(ctx context.Context, s Store, key string) ([]byte, bool, error) {
	values, err := s.Get(ctx, []string{key})
	if err != nil {
		return nil, false, err
	}
	if len(values) == 0 || values[0] == nil {
		return nil, false, nil
	}
	return values[0], true, nil
}
