package tamsdb

import (
	"strings"
	"time"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/vastmedia/tams/pkg/perfmon"
	"github.com/vastmedia/tams/tamsdb/backend/s3"
	"github.com/vastmedia/tams/tamsdb/vastdb"
)

// Config aggregates every layer's settings.
type Config struct {
	Vast vastdb.Config  `yaml:"vast" json:"vast"`
	S3   s3.Config      `yaml:"s3" json:"s3"`
	Perf perfmon.Config `yaml:"perf" json:"perf"`
}

func DefaultConfig() Config {
	cfg := Config{}
	cfg.Vast.Schema = "tams"
	cfg.Vast.ApplyDefaults()
	cfg.Perf.ApplyDefaults()
	return cfg
}

// knownKeys is the accepted config-file surface; anything else is logged
// and ignored so stale files keep loading across versions.
var knownKeys = map[string]struct{}{
	"vast.endpoints":            {},
	"vast.access_key":           {},
	"vast.secret_key":           {},
	"vast.bucket":               {},
	"vast.schema":               {},
	"vast.timeout":              {},
	"vast.cache_ttl":            {},
	"vast.prefer_fastest":       {},
	"vast.analytics_sticky_for": {},
	"vast.batch_size":           {},
	"vast.max_workers":          {},
	"vast.parallel_threshold":   {},
	"vast.max_retries":          {},
	"vast.queue_depth":          {},
	"s3.endpoint":               {},
	"s3.region":                 {},
	"s3.bucket":                 {},
	"s3.access_key":             {},
	"s3.secret_key":             {},
	"s3.insecure":               {},
	"s3.presign_ttl":            {},
	"s3.store_type":             {},
	"s3.provider":               {},
	"s3.availability_zone":      {},
	"s3.store_product":          {},
	"s3.storage_id":             {},
	"s3.default_label":          {},
	"perf.history_cap":          {},
	"perf.slow_query_threshold": {},
}

// LoadConfig overlays a JSON config file onto the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string, logger gkLog.Logger) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}

	for _, key := range v.AllKeys() {
		if _, ok := knownKeys[key]; !ok {
			level.Warn(logger).Log("msg", "ignoring unknown config key", "key", key, "file", path)
		}
	}

	cfg.initFromViper(v)
	cfg.Vast.ApplyDefaults()
	cfg.Perf.ApplyDefaults()
	return cfg, nil
}

func (cfg *Config) initFromViper(v *viper.Viper) {
	setStrings(v, "vast.endpoints", &cfg.Vast.Endpoints)
	setString(v, "vast.access_key", &cfg.Vast.AccessKey)
	if v.IsSet("vast.secret_key") {
		_ = cfg.Vast.SecretKey.Set(v.GetString("vast.secret_key"))
	}
	setString(v, "vast.bucket", &cfg.Vast.Bucket)
	setString(v, "vast.schema", &cfg.Vast.Schema)
	setDuration(v, "vast.timeout", &cfg.Vast.Timeout)
	setDuration(v, "vast.cache_ttl", &cfg.Vast.CacheTTL)
	if v.IsSet("vast.prefer_fastest") {
		cfg.Vast.Balancer.PreferFastest = v.GetBool("vast.prefer_fastest")
	}
	setDuration(v, "vast.analytics_sticky_for", &cfg.Vast.Balancer.AnalyticsStickyFor)
	setInt(v, "vast.batch_size", &cfg.Vast.Batch.BatchSize)
	setInt(v, "vast.max_workers", &cfg.Vast.Batch.MaxWorkers)
	setInt(v, "vast.parallel_threshold", &cfg.Vast.Batch.ParallelThreshold)
	setInt(v, "vast.max_retries", &cfg.Vast.Batch.MaxRetries)
	setInt(v, "vast.queue_depth", &cfg.Vast.Batch.QueueDepth)

	setString(v, "s3.endpoint", &cfg.S3.Endpoint)
	setString(v, "s3.region", &cfg.S3.Region)
	setString(v, "s3.bucket", &cfg.S3.Bucket)
	setString(v, "s3.access_key", &cfg.S3.AccessKey)
	if v.IsSet("s3.secret_key") {
		_ = cfg.S3.SecretKey.Set(v.GetString("s3.secret_key"))
	}
	if v.IsSet("s3.insecure") {
		cfg.S3.Insecure = v.GetBool("s3.insecure")
	}
	setDuration(v, "s3.presign_ttl", &cfg.S3.PresignTTL)
	setString(v, "s3.store_type", &cfg.S3.StoreType)
	setString(v, "s3.provider", &cfg.S3.Provider)
	setString(v, "s3.availability_zone", &cfg.S3.AvailabilityZone)
	setString(v, "s3.store_product", &cfg.S3.StoreProduct)
	setString(v, "s3.storage_id", &cfg.S3.StorageID)
	setString(v, "s3.default_label", &cfg.S3.DefaultLabel)

	setInt(v, "perf.history_cap", &cfg.Perf.HistoryCap)
	setDuration(v, "perf.slow_query_threshold", &cfg.Perf.SlowQueryThreshold)
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setStrings(v *viper.Viper, key string, dst *[]string) {
	if v.IsSet(key) {
		*dst = v.GetStringSlice(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if !v.IsSet(key) {
		return
	}
	// accept both "30s" strings and raw nanosecond numbers
	if d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key))); err == nil {
		*dst = d
		return
	}
	*dst = v.GetDuration(key)
}
