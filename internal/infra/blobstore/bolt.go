package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
)

var bucketBlobs = []byte("blobs")

// BoltStore is a single-node append-only store backed by a bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening blob database")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating blob bucket")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Put(ctx context.Context, data []byte) (cid.CID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := cid.Sum(data)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		if bucket.Get([]byte(id)) != nil {
			return nil
		}
		return bucket.Put([]byte(id), data)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return id, nil
}

func (s *BoltStore) Get(ctx context.Context, id cid.CID) ([]byte, error) {
	return s.read(ctx, id, func(data []byte) ([]byte, error) {
		return data, nil
	})
}

func (s *BoltStore) GetRange(ctx context.Context, id cid.CID, offset, length int64) ([]byte, error) {
	return s.read(ctx, id, func(data []byte) ([]byte, error) {
		part, ok := sliceRange(data, offset, length)
		if !ok {
			return nil, errRangeOutside(id, offset, length, len(data))
		}
		return part, nil
	})
}

// read copies the selected bytes out of the transaction; bbolt values are
// only valid while it is open.
func (s *BoltStore) read(ctx context.Context, id cid.CID, pick func([]byte) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketBlobs).Get([]byte(id))
		if value == nil {
			return domain.NotFoundError{Resource: fmt.Sprintf("blob %s", id)}
		}
		part, err := pick(value)
		if err != nil {
			return err
		}
		out = make([]byte, len(part))
		copy(out, part)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Store = (*BoltStore)(nil)
var _ RangeGetter = (*BoltStore)(nil)
