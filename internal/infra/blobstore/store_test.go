package blobstore

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*params.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if params.Range != nil {
		spec := strings.TrimPrefix(*params.Range, "bytes=")
		bounds := strings.SplitN(spec, "-", 2)
		start, _ := strconv.Atoi(bounds[0])
		end, _ := strconv.Atoi(bounds[1])
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
		"s3":     NewS3Store(&fakeS3{objects: map[string][]byte{}}, "bucket", "blobs/"),
		"cached": NewCachedStore(NewMemoryStore(), memcache.New("127.0.0.1:1"), zap.NewNop()),
	}
}

func TestStoresAreContentAddressed(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := store.Put(ctx, []byte("image bytes"))
			require.NoError(t, err)
			second, err := store.Put(ctx, []byte("image bytes"))
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.Equal(t, cid.Sum([]byte("image bytes")), first)

			data, err := store.Get(ctx, first)
			require.NoError(t, err)
			assert.Equal(t, "image bytes", string(data))
		})
	}
}

func TestStoresReportUnknownBlobs(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), cid.Sum([]byte("never stored")))
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestStoresServeRanges(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := store.Put(ctx, []byte("abcdefghij"))
			require.NoError(t, err)

			ranger, ok := store.(RangeGetter)
			require.True(t, ok)
			part, err := ranger.GetRange(ctx, id, 3, 4)
			require.NoError(t, err)
			assert.Equal(t, "defg", string(part))
		})
	}
}

func TestS3StoreSkipsExistingObjects(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{}}
	store := NewS3Store(api, "bucket", "")

	for i := 0; i < 3; i++ {
		_, err := store.Put(context.Background(), []byte("same"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, api.puts)
}
