package usecase

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/totegamma/profilesync"
)

const maxImageSize = 32 << 20

// ImageResolver turns an ImageRef into URLs, preferring direct blobs over
// batch patches over local uploads.
type ImageResolver struct {
	blobBase    string
	patchBase   string
	localBase   string
	placeholder string
	client      *http.Client
	logger      *zap.Logger
}

type ResolverConfig struct {
	// BlobBase + cid
	BlobBase string
	// PatchBase + batchId + "/patches/" + patchId
	PatchBase string
	// LocalBase + localFilename
	LocalBase   string
	Placeholder string
	Timeout     time.Duration
}

func NewImageResolver(cfg ResolverConfig, logger *zap.Logger) *ImageResolver {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ImageResolver{
		blobBase:    withSlash(cfg.BlobBase),
		patchBase:   withSlash(cfg.PatchBase),
		localBase:   withSlash(cfg.LocalBase),
		placeholder: cfg.Placeholder,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With(zap.String("service", "images")),
	}
}

func withSlash(base string) string {
	if base == "" || strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}

// Resolve returns the URL of the authoritative mode.
func (r *ImageResolver) Resolve(ref profilesync.ImageRef) (string, bool) {
	candidates := r.Candidates(ref)
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0], true
}

// Candidates lists every URL the ref can be served from, best first.
func (r *ImageResolver) Candidates(ref profilesync.ImageRef) []string {
	var urls []string
	if ref.CID != "" && r.blobBase != "" {
		urls = append(urls, r.blobBase+url.PathEscape(ref.CID))
	}
	if ref.BatchID != "" && ref.PatchID != "" && r.patchBase != "" {
		urls = append(urls, fmt.Sprintf("%s%s/patches/%s", r.patchBase, url.PathEscape(ref.BatchID), url.PathEscape(ref.PatchID)))
	}
	if ref.LocalFilename != "" && r.localBase != "" {
		urls = append(urls, r.localBase+url.PathEscape(ref.LocalFilename))
	}
	return urls
}

// Image is the outcome of Fetch. Data is empty for the placeholder.
type Image struct {
	URL         string
	Data        []byte
	ContentType string
	Placeholder bool
}

// Fetch tries the best candidate and falls back at most once before giving
// up with the placeholder.
func (r *ImageResolver) Fetch(ctx context.Context, ref profilesync.ImageRef) Image {
	candidates := r.Candidates(ref)
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}
	for _, u := range candidates {
		data, contentType, err := r.get(ctx, u)
		if err == nil {
			return Image{URL: u, Data: data, ContentType: contentType}
		}
		r.logger.Debug("image candidate failed", zap.String("url", u), zap.Error(err))
	}
	return Image{URL: r.placeholder, Placeholder: true}
}

func (r *ImageResolver) get(ctx context.Context, u string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}
