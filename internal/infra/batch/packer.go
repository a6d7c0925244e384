// Package batch packs many small images into a single content-addressed blob
// and reads individual items back by patch id.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/blobstore"
)

// MaxItems is the most items one batch may hold.
const MaxItems = 666

const defaultWorkers = 4

var tracer = otel.Tracer("batch")

type Item struct {
	Name   string
	Data   []byte
	Format string
}

// Source is an item whose bytes still have to be fetched.
type Source struct {
	Name   string
	Source string
	Format string
}

// Fetcher loads the bytes behind a Source.
type Fetcher interface {
	FetchBytes(ctx context.Context, source string) ([]byte, error)
}

type Patch struct {
	Name    string
	PatchID PatchID
	Index   int
	Size    int
	Format  string
}

type Dropped struct {
	Name string
	Err  error
}

type Result struct {
	BatchID cid.CID
	// Patches follows input order. Duplicate payloads share an index.
	Patches []Patch
	Dropped []Dropped
}

type Packer struct {
	store   blobstore.Store
	workers int
	headers *cache.Cache
	logger  *zap.Logger
}

func NewPacker(store blobstore.Store, workers int, logger *zap.Logger) *Packer {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Packer{
		store:   store,
		workers: workers,
		headers: cache.New(30*time.Minute, time.Hour),
		logger:  logger.With(zap.String("service", "batch")),
	}
}

func checkCount(n int) error {
	if n == 0 {
		return domain.ErrEmptyBatch
	}
	if n > MaxItems {
		return &domain.BatchTooLargeError{Count: n, Limit: MaxItems}
	}
	return nil
}

// Pack writes items as one batch with a single Put.
func (p *Packer) Pack(ctx context.Context, items []Item) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Batch.Pack")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	if err := checkCount(len(items)); err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, item := range items {
		if len(item.Data) > maxItemSize {
			err := fmt.Errorf("%w: item %s is %d bytes, limit %d", domain.ErrInvalidInput, item.Name, len(item.Data), maxItemSize)
			span.RecordError(err)
			return nil, err
		}
	}

	h := header{Version: formatVersion}
	var data [][]byte
	var offset uint64
	indexOf := make([]int, len(items))
	seen := make(map[uint64][]int)

	for i, item := range items {
		if idx, ok := findDuplicate(seen, items, item.Data); ok {
			indexOf[i] = indexOf[idx]
			continue
		}
		sum := xxh3.Hash(item.Data)
		seen[sum] = append(seen[sum], i)

		format := item.Format
		if format == "" {
			format = http.DetectContentType(item.Data)
		}
		stored, tag := compressAuto(item.Data, format)

		indexOf[i] = len(h.Items)
		h.Items = append(h.Items, entry{
			Name:        item.Name,
			Digest:      cid.Sum(item.Data).String(),
			Format:      format,
			Compression: tag,
			Offset:      offset,
			Stored:      uint64(len(stored)),
			Size:        uint64(len(item.Data)),
		})
		data = append(data, stored)
		offset += uint64(len(stored))
	}

	blob, err := encodeBatch(h, data)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	batchID, err := p.store.Put(ctx, blob)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "uploading batch")
	}

	result := &Result{BatchID: batchID}
	for i, item := range items {
		e := h.Items[indexOf[i]]
		patchID, err := NewPatchID(batchID, indexOf[i])
		if err != nil {
			return nil, err
		}
		result.Patches = append(result.Patches, Patch{
			Name:    item.Name,
			PatchID: patchID,
			Index:   indexOf[i],
			Size:    int(e.Size),
			Format:  e.Format,
		})
	}

	p.logger.Debug("packed batch",
		zap.String("batch", batchID.String()),
		zap.Int("items", len(items)),
		zap.Int("unique", len(h.Items)),
		zap.Int("bytes", len(blob)),
	)
	return result, nil
}

func findDuplicate(seen map[uint64][]int, items []Item, data []byte) (int, bool) {
	for _, idx := range seen[xxh3.Hash(data)] {
		if bytes.Equal(items[idx].Data, data) {
			return idx, true
		}
	}
	return 0, false
}

// PackSources fetches every source on a bounded pool and packs whatever
// arrived. Sources that fail to load are reported in Result.Dropped and do
// not fail the batch.
func (p *Packer) PackSources(ctx context.Context, fetcher Fetcher, sources []Source) (*Result, error) {
	if err := checkCount(len(sources)); err != nil {
		return nil, err
	}

	fetched := make([][]byte, len(sources))
	failures := make([]error, len(sources))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)
	for i, src := range sources {
		group.Go(func() error {
			data, err := fetcher.FetchBytes(gctx, src.Source)
			if err != nil {
				failures[i] = err
				return nil
			}
			if len(data) > maxItemSize {
				failures[i] = fmt.Errorf("%w: %d bytes exceeds %d", domain.ErrInvalidInput, len(data), maxItemSize)
				return nil
			}
			fetched[i] = data
			return nil
		})
	}
	group.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var items []Item
	var dropped []Dropped
	for i, src := range sources {
		if failures[i] != nil {
			p.logger.Warn("dropping unreadable image", zap.String("name", src.Name), zap.Error(failures[i]))
			dropped = append(dropped, Dropped{Name: src.Name, Err: failures[i]})
			continue
		}
		items = append(items, Item{Name: src.Name, Data: fetched[i], Format: src.Format})
	}

	if len(items) == 0 {
		return &Result{Dropped: dropped}, domain.ErrEmptyBatch
	}

	result, err := p.Pack(ctx, items)
	if err != nil {
		return nil, err
	}
	result.Dropped = dropped
	return result, nil
}

// FetchPatch returns the original bytes of one batch item.
func (p *Packer) FetchPatch(ctx context.Context, batchID cid.CID, patchID PatchID) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Batch.FetchPatch")
	defer span.End()

	owner, index, err := patchID.Parse()
	if err != nil {
		return nil, domain.NotFoundError{Resource: fmt.Sprintf("patch %s", patchID)}
	}
	if owner != batchID {
		return nil, domain.NotFoundError{Resource: fmt.Sprintf("patch %s in batch %s", patchID, batchID)}
	}

	var read func(offset, length int64) ([]byte, error)
	if ranger, ok := p.store.(blobstore.RangeGetter); ok {
		read = func(offset, length int64) ([]byte, error) {
			return ranger.GetRange(ctx, batchID, offset, length)
		}
	} else {
		blob, err := p.store.Get(ctx, batchID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		read = func(offset, length int64) ([]byte, error) {
			if offset < 0 || length < 0 || offset+length > int64(len(blob)) {
				return nil, fmt.Errorf("batch %s truncated", batchID)
			}
			return blob[offset : offset+length], nil
		}
	}

	h, dataStart, err := p.loadHeader(batchID, read)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if index >= len(h.Items) {
		return nil, domain.NotFoundError{Resource: fmt.Sprintf("patch %s in batch %s", patchID, batchID)}
	}
	e := h.Items[index]

	stored, err := read(dataStart+int64(e.Offset), int64(e.Stored))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	data, err := decompress(stored, e.Compression, int(e.Size))
	if err != nil {
		return nil, errors.Wrapf(err, "patch %s", patchID)
	}
	if cid.Sum(data).String() != e.Digest {
		return nil, fmt.Errorf("patch %s failed digest verification", patchID)
	}
	return data, nil
}

type cachedHeader struct {
	header    header
	dataStart int64
}

func (p *Packer) loadHeader(batchID cid.CID, read func(offset, length int64) ([]byte, error)) (header, int64, error) {
	if v, ok := p.headers.Get(batchID.String()); ok {
		c := v.(cachedHeader)
		return c.header, c.dataStart, nil
	}

	preamble, err := read(0, preambleSize)
	if err != nil {
		return header{}, 0, err
	}
	size, err := headerSize(preamble)
	if err != nil {
		return header{}, 0, err
	}
	raw, err := read(preambleSize, int64(size))
	if err != nil {
		return header{}, 0, err
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return header{}, 0, err
	}

	dataStart := int64(preambleSize + size)
	p.headers.SetDefault(batchID.String(), cachedHeader{header: h, dataStart: dataStart})
	return h, dataStart, nil
}
