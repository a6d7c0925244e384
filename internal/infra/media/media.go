// Package media reads locally uploaded images by filename.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/totegamma/profilesync/internal/domain"
)

// DirFetcher serves files from the uploads directory.
type DirFetcher struct {
	root string
}

func NewDirFetcher(root string) *DirFetcher {
	return &DirFetcher{root: root}
}

// FetchBytes returns domain.ErrNotFound for missing files and for names that
// try to leave the uploads directory.
func (f *DirFetcher) FetchBytes(ctx context.Context, source string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, ok := f.resolve(source)
	if !ok {
		return nil, domain.NotFoundError{Resource: fmt.Sprintf("upload %q", source)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFoundError{Resource: fmt.Sprintf("upload %q", source)}
		}
		return nil, errors.Wrapf(err, "reading upload %q", source)
	}
	return data, nil
}

// Path returns the on-disk location of source.
func (f *DirFetcher) Path(source string) (string, bool) {
	return f.resolve(source)
}

func (f *DirFetcher) resolve(source string) (string, bool) {
	if source == "" || strings.ContainsRune(source, 0) {
		return "", false
	}
	clean := filepath.Clean("/" + source)
	path := filepath.Join(f.root, clean)
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return path, true
}
