// Package blobstore provides content-addressed, append-only blob storage.
// There is no delete: removal is always expressed at the pointer level.
package blobstore

import (
	"context"
	"fmt"

	"github.com/totegamma/profilesync/cid"
)

// Store uploads and fetches opaque payloads by CID.
type Store interface {
	// Put uploads data and returns its CID. Same bytes, same CID; safe to retry.
	Put(ctx context.Context, data []byte) (cid.CID, error)

	// Get returns the payload for id, domain.ErrNotFound if the store does not
	// know it, or domain.ErrStoreUnavailable on transport failure.
	Get(ctx context.Context, id cid.CID) ([]byte, error)
}

// RangeGetter is implemented by stores that can serve a byte range of a blob
// without transferring the whole payload.
type RangeGetter interface {
	GetRange(ctx context.Context, id cid.CID, offset, length int64) ([]byte, error)
}

func sliceRange(data []byte, offset, length int64) ([]byte, bool) {
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, false
	}
	return data[offset : offset+length], true
}

func errRangeOutside(id cid.CID, offset, length int64, size int) error {
	return fmt.Errorf("range %d+%d outside blob %s of %d bytes", offset, length, id, size)
}
