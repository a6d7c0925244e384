package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 4
	cacheableSize     = 256 << 10
	userAgent         = "profilesync-client/1.0"
)

// Client talks to a publisher (writes) and an aggregator (reads) of a
// content-addressed blob network.
type Client struct {
	client     *http.Client
	cache      *cache.Cache
	logger     *zap.Logger
	publisher  string
	aggregator string
	maxRetries uint64
	interval   time.Duration
}

type Options struct {
	MaxRetries uint64
	Timeout    time.Duration
	Logger     *zap.Logger

	// RetryInterval switches the exponential policy to a constant one.
	RetryInterval time.Duration
}

func New(publisher, aggregator string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := http.Client{
		Timeout: timeout,
	}
	c := &Client{
		client:     &httpClient,
		cache:      cache.New(10*time.Minute, 15*time.Minute),
		logger:     logger.With(zap.String("service", "blobclient")),
		publisher:  strings.TrimSuffix(publisher, "/"),
		aggregator: strings.TrimSuffix(aggregator, "/"),
		maxRetries: retries,
		interval:   opts.RetryInterval,
	}
	httpClient.Transport = c
	return c
}

func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	return http.DefaultTransport.RoundTrip(req)
}

type putResponse struct {
	CID string `json:"cid"`
}

// Put uploads data to the publisher. Identical payloads map to the same CID,
// so a retried upload is harmless.
func (c *Client) Put(ctx context.Context, data []byte) (cid.CID, error) {
	expected := cid.Sum(data)

	var result putResponse
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.publisher+"/v1/blobs", bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("publisher returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return backoff.Permanent(fmt.Errorf("publisher returned %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to decode publisher response"))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if result.CID != expected.String() {
		return "", errors.Wrapf(domain.ErrStoreUnavailable, "publisher returned cid %s, expected %s", result.CID, expected)
	}
	return expected, nil
}

// Get downloads a blob from the aggregator and verifies its content.
func (c *Client) Get(ctx context.Context, id cid.CID) ([]byte, error) {
	if cached, ok := c.cache.Get(id.String()); ok {
		return cached.([]byte), nil
	}

	data, err := c.fetch(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if !id.Verify(data) {
		return nil, errors.Wrapf(domain.ErrStoreUnavailable, "aggregator served corrupt content for %s", id)
	}

	if len(data) <= cacheableSize {
		c.cache.Set(id.String(), data, cache.DefaultExpiration)
	}
	return data, nil
}

// GetRange fetches length bytes of a blob starting at offset.
func (c *Client) GetRange(ctx context.Context, id cid.CID, offset, length int64) ([]byte, error) {
	if cached, ok := c.cache.Get(id.String()); ok {
		data := cached.([]byte)
		if offset >= 0 && length >= 0 && offset+length <= int64(len(data)) {
			return data[offset : offset+length], nil
		}
	}

	data, err := c.fetch(ctx, id, fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != length {
		return nil, errors.Wrapf(domain.ErrStoreUnavailable, "range read of %s returned %d bytes, expected %d", id, len(data), length)
	}
	return data, nil
}

func (c *Client) fetch(ctx context.Context, id cid.CID, byteRange string) ([]byte, error) {
	var body []byte
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.aggregator+"/v1/blobs/"+id.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if byteRange != "" {
			req.Header.Set("Range", byteRange)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(domain.NotFoundError{Resource: fmt.Sprintf("blob %s", id)})
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("aggregator returned %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
			return backoff.Permanent(fmt.Errorf("aggregator returned %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// retry runs op with exponential backoff. Transport failures that survive
// every attempt become domain.ErrStoreUnavailable; not-found is returned as is.
func (c *Client) retry(ctx context.Context, op func() error) error {
	var base backoff.BackOff = backoff.NewExponentialBackOff()
	if c.interval > 0 {
		base = backoff.NewConstantBackOff(c.interval)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(base, c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("blob request failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
