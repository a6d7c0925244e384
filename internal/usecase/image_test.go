package usecase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync"
)

func TestResolvePriority(t *testing.T) {
	r := NewImageResolver(ResolverConfig{
		BlobBase:  "https://blobs.example/v1/blobs",
		PatchBase: "https://agg.example/v1/batches/",
		LocalBase: "/uploads",
	}, zap.NewNop())

	full := profilesync.ImageRef{CID: "bafk1", BatchID: "batch", PatchID: "patch", LocalFilename: "a b.png"}
	assert.Equal(t, []string{
		"https://blobs.example/v1/blobs/bafk1",
		"https://agg.example/v1/batches/batch/patches/patch",
		"/uploads/a%20b.png",
	}, r.Candidates(full))

	u, ok := r.Resolve(profilesync.ImageRef{BatchID: "batch", PatchID: "patch", LocalFilename: "a.png"})
	assert.True(t, ok)
	assert.Equal(t, "https://agg.example/v1/batches/batch/patches/patch", u)

	// batch without patch is not addressable
	u, ok = r.Resolve(profilesync.ImageRef{BatchID: "batch", LocalFilename: "a.png"})
	assert.True(t, ok)
	assert.Equal(t, "/uploads/a.png", u)

	_, ok = r.Resolve(profilesync.ImageRef{})
	assert.False(t, ok)
}

func TestFetchFallsBackOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		switch req.URL.Path {
		case "/patches/batch/patches/patch":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png"))
		case "/local/a.png":
			_, _ = w.Write([]byte("local"))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	r := NewImageResolver(ResolverConfig{
		BlobBase:    srv.URL + "/blobs",
		PatchBase:   srv.URL + "/patches",
		LocalBase:   srv.URL + "/local",
		Placeholder: "/static/placeholder.svg",
	}, zap.NewNop())

	img := r.Fetch(context.Background(), profilesync.ImageRef{CID: "bafk1", BatchID: "batch", PatchID: "patch", LocalFilename: "a.png"})
	assert.False(t, img.Placeholder)
	assert.Equal(t, []byte("png"), img.Data)
	assert.Equal(t, "image/png", img.ContentType)
	assert.EqualValues(t, 2, hits.Load())

	// the local copy would work but is a second fallback
	hits.Store(0)
	img = r.Fetch(context.Background(), profilesync.ImageRef{CID: "bafk1", BatchID: "batch", PatchID: "missing", LocalFilename: "a.png"})
	assert.True(t, img.Placeholder)
	assert.Equal(t, "/static/placeholder.svg", img.URL)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchWithoutCandidates(t *testing.T) {
	r := NewImageResolver(ResolverConfig{Placeholder: "/p.svg"}, zap.NewNop())
	img := r.Fetch(context.Background(), profilesync.ImageRef{LocalFilename: "a.png"})
	assert.True(t, img.Placeholder)
	assert.Equal(t, "/p.svg", img.URL)
}
