package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/blobstore"
)

// plainStore hides the RangeGetter capability of the wrapped store.
type plainStore struct {
	inner blobstore.Store
}

func (s plainStore) Put(ctx context.Context, data []byte) (cid.CID, error) {
	return s.inner.Put(ctx, data)
}

func (s plainStore) Get(ctx context.Context, id cid.CID) ([]byte, error) {
	return s.inner.Get(ctx, id)
}

type mockFetcher struct {
	files map[string][]byte
}

func (f mockFetcher) FetchBytes(ctx context.Context, source string) ([]byte, error) {
	data, ok := f.files[source]
	if !ok {
		return nil, domain.NotFoundError{Resource: source}
	}
	return data, nil
}

func sampleItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{
			Name: fmt.Sprintf("img-%d.png", i),
			Data: []byte(fmt.Sprintf("image payload number %d %s", i, strings.Repeat("x", i%7*40))),
		}
	}
	return items
}

func TestPackAndFetchPatches(t *testing.T) {
	store := blobstore.NewMemoryStore()
	packer := NewPacker(store, 2, zap.NewNop())

	items := sampleItems(12)
	result, err := packer.Pack(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, result.Patches, len(items))

	puts, _, _ := store.Calls()
	assert.Equal(t, 1, puts)

	// fresh packer so the header is read from the store
	reader := NewPacker(store, 2, zap.NewNop())
	for i, patch := range result.Patches {
		assert.Equal(t, items[i].Name, patch.Name)
		data, err := reader.FetchPatch(context.Background(), result.BatchID, patch.PatchID)
		require.NoError(t, err)
		assert.Equal(t, items[i].Data, data)
	}

	_, gets, ranges := store.Calls()
	assert.Zero(t, gets)
	assert.NotZero(t, ranges)
}

func TestFetchPatchWithoutRangeSupport(t *testing.T) {
	store := plainStore{inner: blobstore.NewMemoryStore()}
	packer := NewPacker(store, 2, zap.NewNop())

	items := sampleItems(3)
	result, err := packer.Pack(context.Background(), items)
	require.NoError(t, err)

	data, err := packer.FetchPatch(context.Background(), result.BatchID, result.Patches[2].PatchID)
	require.NoError(t, err)
	assert.Equal(t, items[2].Data, data)
}

func TestPackIsDeterministic(t *testing.T) {
	items := sampleItems(5)
	first, err := NewPacker(blobstore.NewMemoryStore(), 2, zap.NewNop()).Pack(context.Background(), items)
	require.NoError(t, err)
	second, err := NewPacker(blobstore.NewMemoryStore(), 2, zap.NewNop()).Pack(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, first.BatchID, second.BatchID)
	assert.Equal(t, first.Patches, second.Patches)
}

func TestPackRejectsOversizedBatchBeforeUpload(t *testing.T) {
	store := blobstore.NewMemoryStore()
	packer := NewPacker(store, 2, zap.NewNop())

	_, err := packer.Pack(context.Background(), sampleItems(MaxItems+1))
	require.ErrorIs(t, err, domain.ErrBatchTooLarge)

	var tooLarge *domain.BatchTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, 667, tooLarge.Count)

	puts, gets, ranges := store.Calls()
	assert.Zero(t, puts+gets+ranges)
}

func TestPackAcceptsExactlyMaxItems(t *testing.T) {
	packer := NewPacker(blobstore.NewMemoryStore(), 2, zap.NewNop())
	result, err := packer.Pack(context.Background(), sampleItems(MaxItems))
	require.NoError(t, err)
	assert.Len(t, result.Patches, MaxItems)
}

func TestPackRejectsEmptyBatch(t *testing.T) {
	packer := NewPacker(blobstore.NewMemoryStore(), 2, zap.NewNop())
	_, err := packer.Pack(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrEmptyBatch)
}

func TestPackDeduplicatesIdenticalImages(t *testing.T) {
	store := blobstore.NewMemoryStore()
	packer := NewPacker(store, 2, zap.NewNop())

	same := bytes.Repeat([]byte{0xAB}, 512)
	items := []Item{
		{Name: "a.png", Data: same},
		{Name: "b.png", Data: []byte("different")},
		{Name: "c.png", Data: same},
	}
	result, err := packer.Pack(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, result.Patches[0].PatchID, result.Patches[2].PatchID)
	assert.NotEqual(t, result.Patches[0].PatchID, result.Patches[1].PatchID)

	data, err := packer.FetchPatch(context.Background(), result.BatchID, result.Patches[2].PatchID)
	require.NoError(t, err)
	assert.Equal(t, same, data)
}

func TestPackSourcesToleratesFailedFetches(t *testing.T) {
	store := blobstore.NewMemoryStore()
	packer := NewPacker(store, 3, zap.NewNop())

	fetcher := mockFetcher{files: map[string][]byte{
		"1.png": []byte("one"),
		"2.png": []byte("two"),
		"4.png": []byte("four"),
		"5.png": []byte("five"),
	}}
	var sources []Source
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("%d.png", i)
		sources = append(sources, Source{Name: name, Source: name})
	}

	result, err := packer.PackSources(context.Background(), fetcher, sources)
	require.NoError(t, err)
	assert.Len(t, result.Patches, 4)
	require.Len(t, result.Dropped, 1)
	assert.Equal(t, "3.png", result.Dropped[0].Name)
	assert.ErrorIs(t, result.Dropped[0].Err, domain.ErrNotFound)

	for _, patch := range result.Patches {
		data, err := packer.FetchPatch(context.Background(), result.BatchID, patch.PatchID)
		require.NoError(t, err)
		assert.Equal(t, fetcher.files[patch.Name], data)
	}
}

func TestPackSourcesAllFailed(t *testing.T) {
	store := blobstore.NewMemoryStore()
	packer := NewPacker(store, 3, zap.NewNop())

	result, err := packer.PackSources(context.Background(), mockFetcher{}, []Source{{Name: "x", Source: "x"}})
	require.ErrorIs(t, err, domain.ErrEmptyBatch)
	assert.Len(t, result.Dropped, 1)

	puts, _, _ := store.Calls()
	assert.Zero(t, puts)
}

func TestFetchPatchRejectsForeignPatch(t *testing.T) {
	store := blobstore.NewMemoryStore()
	packer := NewPacker(store, 2, zap.NewNop())

	first, err := packer.Pack(context.Background(), sampleItems(2))
	require.NoError(t, err)
	second, err := packer.Pack(context.Background(), sampleItems(3))
	require.NoError(t, err)

	_, err = packer.FetchPatch(context.Background(), first.BatchID, second.Patches[0].PatchID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = packer.FetchPatch(context.Background(), first.BatchID, PatchID("garbage"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompressionRoundtrip(t *testing.T) {
	text := []byte(strings.Repeat("<svg><path d='M0 0L10 10'/></svg>", 50))
	stored, tag := compressAuto(text, "image/svg+xml")
	assert.NotEqual(t, CompressionNone, tag)
	assert.Less(t, len(stored), len(text))

	out, err := decompress(stored, tag, len(text))
	require.NoError(t, err)
	assert.Equal(t, text, out)
}

func TestFetchPatchRejectsCorruptHeader(t *testing.T) {
	payload := []byte("ten bytes!")
	digest := cid.Sum(payload).String()

	cases := map[string]entry{
		"offset past int64":       {Digest: digest, Offset: 1 << 63, Stored: 10, Size: 10},
		"huge declared size":      {Digest: digest, Compression: CompressionLZ4, Stored: 10, Size: 1 << 40},
		"stored larger than size": {Digest: digest, Compression: CompressionLZ4, Stored: 10, Size: 4},
		"stored past end":         {Digest: digest, Stored: 1000, Size: 1000},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			blob, err := encodeBatch(header{Version: formatVersion, Items: []entry{e}}, [][]byte{payload})
			require.NoError(t, err)

			for _, store := range []blobstore.Store{blobstore.NewMemoryStore(), plainStore{inner: blobstore.NewMemoryStore()}} {
				batchID, err := store.Put(context.Background(), blob)
				require.NoError(t, err)
				patchID, err := NewPatchID(batchID, 0)
				require.NoError(t, err)

				packer := NewPacker(store, 1, zap.NewNop())
				assert.NotPanics(t, func() {
					_, err = packer.FetchPatch(context.Background(), batchID, patchID)
				})
				assert.Error(t, err)
			}
		})
	}
}

func TestCompressionNeverGrowsItems(t *testing.T) {
	noise := make([]byte, 512)
	for i := range noise {
		noise[i] = byte(i*131 + i/7*29)
	}
	stored, _ := compressAuto(noise, "application/octet-stream")
	assert.LessOrEqual(t, len(stored), len(noise))
}
