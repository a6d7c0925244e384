package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
nodeInfo:
  fqdn: profiles.example
  privatekey: 4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318
server:
  postgresDsn: host=db
  redisAddr: redis:6379
blobstore:
  backend: http
  publisherURL: https://publisher.example
ledger:
  rpcURL: http://chain:8545
  registryAddress: "0x00000000000000000000000000000000000a11ce"
  pollInterval: 500ms
sync:
  orphanTTL: 30m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "profiles.example", cfg.NodeInfo.FQDN)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", cfg.NodeInfo.Address)
	assert.Equal(t, "https://publisher.example", cfg.BlobStore.AggregatorURL)
	assert.Equal(t, 3, cfg.BlobStore.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Ledger.PollInterval)
	assert.Equal(t, SignerWallet, cfg.Ledger.Signer)
	assert.Equal(t, 30*time.Minute, cfg.Sync.OrphanTTL)
	assert.Equal(t, 8, cfg.Sync.ImageWorkers)
}

func TestLoadRejectsIncompleteBackends(t *testing.T) {
	for name, body := range map[string]string{
		"http without publisher": "blobstore:\n  backend: http\n",
		"bolt without path":      "blobstore:\n  backend: bolt\n",
		"unknown backend":        "blobstore:\n  backend: ftp\n",
		"key signer without key": "blobstore:\n  backend: s3\n  s3Bucket: b\nledger:\n  signer: key\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
