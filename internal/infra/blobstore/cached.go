package blobstore

import (
	"context"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync/cid"
)

// memcached rejects items over 1MB by default.
const maxCachedItem = 1000 * 1000

// CachedStore puts a memcached read-through cache in front of another store.
// Blobs never change, so entries need no expiry or invalidation.
type CachedStore struct {
	inner  Store
	mc     *memcache.Client
	logger *zap.Logger
}

func NewCachedStore(inner Store, mc *memcache.Client, logger *zap.Logger) *CachedStore {
	return &CachedStore{inner: inner, mc: mc, logger: logger}
}

func cacheKey(id cid.CID) string {
	return "blob:" + id.String()
}

func (s *CachedStore) Put(ctx context.Context, data []byte) (cid.CID, error) {
	id, err := s.inner.Put(ctx, data)
	if err != nil {
		return "", err
	}
	s.remember(id, data)
	return id, nil
}

func (s *CachedStore) Get(ctx context.Context, id cid.CID) ([]byte, error) {
	item, err := s.mc.Get(cacheKey(id))
	if err == nil {
		return item.Value, nil
	}
	if err != memcache.ErrCacheMiss {
		s.logger.Debug("memcached read failed", zap.String("cid", id.String()), zap.Error(err))
	}

	data, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(id, data)
	return data, nil
}

func (s *CachedStore) GetRange(ctx context.Context, id cid.CID, offset, length int64) ([]byte, error) {
	if item, err := s.mc.Get(cacheKey(id)); err == nil {
		if part, ok := sliceRange(item.Value, offset, length); ok {
			return part, nil
		}
	}
	if ranger, ok := s.inner.(RangeGetter); ok {
		return ranger.GetRange(ctx, id, offset, length)
	}
	data, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	part, ok := sliceRange(data, offset, length)
	if !ok {
		return nil, errRangeOutside(id, offset, length, len(data))
	}
	return part, nil
}

func (s *CachedStore) remember(id cid.CID, data []byte) {
	if len(data) > maxCachedItem {
		return
	}
	if err := s.mc.Set(&memcache.Item{Key: cacheKey(id), Value: data}); err != nil {
		s.logger.Debug("memcached write failed", zap.String("cid", id.String()), zap.Error(err))
	}
}

var _ Store = (*CachedStore)(nil)
var _ RangeGetter = (*CachedStore)(nil)
