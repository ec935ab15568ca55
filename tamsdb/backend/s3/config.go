package s3

import (
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/vastmedia/tams/tamsdb/backend"
)

type Config struct {
	Endpoint  string         `yaml:"endpoint" json:"endpoint"`
	Region    string         `yaml:"region" json:"region"`
	Bucket    string         `yaml:"bucket" json:"bucket"`
	AccessKey string         `yaml:"access_key" json:"access_key"`
	SecretKey flagext.Secret `yaml:"secret_key" json:"secret_key"`
	Insecure  bool           `yaml:"insecure" json:"insecure"`

	// PresignTTL caps the lifetime of minted URLs. Requests asking for more
	// (or nothing) get this value.
	PresignTTL time.Duration `yaml:"presign_ttl" json:"presign_ttl"`

	// Descriptor fields surfaced to clients alongside presigned GET URLs.
	StoreType        string `yaml:"store_type" json:"store_type"`
	Provider         string `yaml:"provider" json:"provider"`
	AvailabilityZone string `yaml:"availability_zone" json:"availability_zone"`
	StoreProduct     string `yaml:"store_product" json:"store_product"`
	StorageID        string `yaml:"storage_id" json:"storage_id"`
	DefaultLabel     string `yaml:"default_label" json:"default_label"`
}

func (cfg *Config) applyDefaults() {
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = backend.DefaultPresignTTL
	}
	if cfg.StoreType == "" {
		cfg.StoreType = "http_object_store"
	}
	if cfg.Provider == "" {
		cfg.Provider = "aws"
	}
	if cfg.StoreProduct == "" {
		cfg.StoreProduct = "s3"
	}
}
