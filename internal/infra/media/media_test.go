package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/profilesync/internal/domain"
)

func TestDirFetcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cover.png"), []byte("png"), 0o600))
	fetcher := NewDirFetcher(root)

	data, err := fetcher.FetchBytes(context.Background(), "cover.png")
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	_, err = fetcher.FetchBytes(context.Background(), "missing.png")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDirFetcherStaysInRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "uploads")
	require.NoError(t, os.Mkdir(root, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("s"), 0o600))
	fetcher := NewDirFetcher(root)

	for _, name := range []string{"../secret", "", "/"} {
		_, err := fetcher.FetchBytes(context.Background(), name)
		assert.ErrorIs(t, err, domain.ErrNotFound, name)
	}
}
