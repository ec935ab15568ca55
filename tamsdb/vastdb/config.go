package vastdb

import (
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/vastmedia/tams/tamsdb/vastdb/endpoint"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultBatchSize         = 100
	DefaultMaxWorkers        = 4
	DefaultParallelThreshold = 10
	DefaultMaxRetries        = 3
	DefaultQueueDepth        = 10000
)

// BatchConfig tunes chunked batch insertion.
type BatchConfig struct {
	BatchSize  int `yaml:"batch_size" json:"default_batch_size"`
	MaxWorkers int `yaml:"max_workers" json:"default_max_workers"`
	// ParallelThreshold is the batch count above which insertion goes
	// parallel; at or below it batches run sequentially.
	ParallelThreshold int `yaml:"parallel_threshold" json:"parallel_threshold"`
	MaxRetries        int `yaml:"max_retries" json:"default_max_retries"`
	// QueueDepth bounds the shared worker pool's backlog.
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
}

func (cfg *BatchConfig) ApplyDefaults() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.ParallelThreshold <= 0 {
		cfg.ParallelThreshold = DefaultParallelThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
}

// Config binds the columnar layer to its endpoints, bucket and schema.
type Config struct {
	Endpoints []string       `yaml:"endpoints" json:"vast_endpoints"`
	AccessKey string         `yaml:"access_key" json:"vast_access_key"`
	SecretKey flagext.Secret `yaml:"secret_key" json:"vast_secret_key"`
	Bucket    string         `yaml:"bucket" json:"vast_bucket"`
	Schema    string         `yaml:"schema" json:"vast_schema"`

	Timeout  time.Duration           `yaml:"timeout" json:"vast_timeout"`
	Balancer endpoint.BalancerConfig `yaml:"balancer" json:"balancer"`
	Batch    BatchConfig             `yaml:"batch" json:"batch"`
	CacheTTL time.Duration           `yaml:"cache_ttl" json:"cache_ttl"`
}

func (cfg *Config) ApplyDefaults() {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	cfg.Batch.ApplyDefaults()
}
