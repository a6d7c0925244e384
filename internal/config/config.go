package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-yaml/yaml"

	"github.com/totegamma/profilesync"
)

type Config struct {
	NodeInfo  NodeInfo  `yaml:"nodeInfo"`
	Server    Server    `yaml:"server"`
	BlobStore BlobStore `yaml:"blobstore"`
	Ledger    Ledger    `yaml:"ledger"`
	Sync      Sync      `yaml:"sync"`
}

type NodeInfo struct {
	FQDN       string `yaml:"fqdn"`
	PrivateKey string `yaml:"privatekey"`

	// ---
	Address string
}

type Server struct {
	PostgresDsn   string `yaml:"postgresDsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
	UploadsPath   string `yaml:"uploadsPath"`
	PublicURL     string `yaml:"publicURL"`
}

const (
	BackendHTTP = "http"
	BackendBolt = "bolt"
	BackendS3   = "s3"
)

type BlobStore struct {
	Backend       string `yaml:"backend"` // http, bolt, s3
	PublisherURL  string `yaml:"publisherURL"`
	AggregatorURL string `yaml:"aggregatorURL"`
	BoltPath      string `yaml:"boltPath"`
	S3Bucket      string `yaml:"s3Bucket"`
	S3Region      string `yaml:"s3Region"`
	S3Prefix      string `yaml:"s3Prefix"`
	MaxRetries    int    `yaml:"maxRetries"`
}

const (
	SignerKey    = "key"
	SignerWallet = "wallet"
)

type Ledger struct {
	RPCURL          string        `yaml:"rpcURL"`
	RegistryAddress string        `yaml:"registryAddress"`
	ChainID         int64         `yaml:"chainID"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	Signer          string        `yaml:"signer"` // key, wallet
	SignerKey       string        `yaml:"signerKey"`
}

type Sync struct {
	ImageWorkers   int           `yaml:"imageWorkers"`
	PlaceholderURL string        `yaml:"placeholderURL"`
	OrphanTTL      time.Duration `yaml:"orphanTTL"`
}

func Load(path string) (Config, error) {

	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	err = yaml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, err
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return Config{}, err
	}

	if config.NodeInfo.PrivateKey != "" {
		address, err := profilesync.PrivKeyToAddr(config.NodeInfo.PrivateKey)
		if err != nil {
			return Config{}, err
		}
		config.NodeInfo.Address = address
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.BlobStore.Backend == "" {
		c.BlobStore.Backend = BackendHTTP
	}
	if c.BlobStore.MaxRetries == 0 {
		c.BlobStore.MaxRetries = 3
	}
	if c.BlobStore.AggregatorURL == "" {
		c.BlobStore.AggregatorURL = c.BlobStore.PublisherURL
	}
	if c.Ledger.PollInterval == 0 {
		c.Ledger.PollInterval = 2 * time.Second
	}
	if c.Ledger.Signer == "" {
		c.Ledger.Signer = SignerWallet
	}
	if c.Sync.ImageWorkers == 0 {
		c.Sync.ImageWorkers = 8
	}
	if c.Sync.OrphanTTL == 0 {
		c.Sync.OrphanTTL = time.Hour
	}
	if c.Sync.PlaceholderURL == "" {
		c.Sync.PlaceholderURL = "/static/placeholder.svg"
	}
	if c.Server.UploadsPath == "" {
		c.Server.UploadsPath = "uploads"
	}
}

func (c *Config) validate() error {
	switch c.BlobStore.Backend {
	case BackendHTTP:
		if c.BlobStore.PublisherURL == "" {
			return fmt.Errorf("blobstore.publisherURL is required for the http backend")
		}
	case BackendBolt:
		if c.BlobStore.BoltPath == "" {
			return fmt.Errorf("blobstore.boltPath is required for the bolt backend")
		}
	case BackendS3:
		if c.BlobStore.S3Bucket == "" {
			return fmt.Errorf("blobstore.s3Bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown blobstore backend %q", c.BlobStore.Backend)
	}

	switch c.Ledger.Signer {
	case SignerWallet:
	case SignerKey:
		if c.Ledger.SignerKey == "" {
			return fmt.Errorf("ledger.signerKey is required for the key signer")
		}
	default:
		return fmt.Errorf("unknown ledger signer %q", c.Ledger.Signer)
	}
	return nil
}
