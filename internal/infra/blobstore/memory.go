package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
)

// MemoryStore keeps blobs in process memory. Used for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[cid.CID][]byte

	puts   int
	gets   int
	ranges int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[cid.CID][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (cid.CID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := cid.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if _, ok := s.blobs[id]; !ok {
		stored := make([]byte, len(data))
		copy(stored, data)
		s.blobs[id] = stored
	}
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, id cid.CID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	data, ok := s.blobs[id]
	if !ok {
		return nil, domain.NotFoundError{Resource: fmt.Sprintf("blob %s", id)}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) GetRange(ctx context.Context, id cid.CID, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges++
	data, ok := s.blobs[id]
	if !ok {
		return nil, domain.NotFoundError{Resource: fmt.Sprintf("blob %s", id)}
	}
	part, ok := sliceRange(data, offset, length)
	if !ok {
		return nil, errRangeOutside(id, offset, length, len(data))
	}
	out := make([]byte, len(part))
	copy(out, part)
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Calls returns the number of Put, Get and GetRange calls served so far.
func (s *MemoryStore) Calls() (puts, gets, ranges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts, s.gets, s.ranges
}

var _ Store = (*MemoryStore)(nil)
var _ RangeGetter = (*MemoryStore)(nil)
