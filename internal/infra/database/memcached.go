package database

import (
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// NewMemcached returns a client for the blob read cache.
func NewMemcached(server string) *memcache.Client {
	client := memcache.New(server)
	client.Timeout = 200 * time.Millisecond
	client.MaxIdleConns = 16
	return client
}
