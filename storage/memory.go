package storage

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps values in process memory without expiry.
type MemoryStore struct {
	c *gocache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: gocache.New(gocache.NoExpiration, 0)}
}

func (m *MemoryStore) Get(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.c.Get(k); ok {
			out[i] = append([]byte(nil), v.([]byte)...)
		}
	}
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) (bool, error) {
	m.c.Set(key, append([]byte(nil), value...), gocache.NoExpiration)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys []string) (int, error) {
	count := 0
	for _, k := range keys {
		if _, ok := m.c.Get(k); ok {
			m.c.Delete(k)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Close() error {
	m.c.Flush()
	return nil
}
