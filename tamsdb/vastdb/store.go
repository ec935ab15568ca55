package vastdb

import (
	"context"
	"time"

	kitlog "github.com/go-kit/log"

	"github.com/vastmedia/tams/pkg/perfmon"
)

// Store ties the columnar layer together: connection management, metadata
// cache, query planning, batch workers and performance recording.
type Store struct {
	cfg     Config
	mgr     *Manager
	cache   *MetadataCache
	planner *Planner
	pool    *Pool
	monitor *perfmon.Monitor
	logger  kitlog.Logger
}

func NewStore(cfg Config, engine Engine, monitor *perfmon.Monitor, logger kitlog.Logger) *Store {
	cfg.ApplyDefaults()

	cache := NewMetadataCache(cfg.CacheTTL)
	return &Store{
		cfg:     cfg,
		mgr:     NewManager(cfg, engine, logger),
		cache:   cache,
		planner: NewPlanner(cache),
		pool: NewPool(&PoolConfig{
			MaxWorkers: cfg.Batch.MaxWorkers,
			QueueDepth: cfg.Batch.QueueDepth,
		}),
		monitor: monitor,
		logger:  logger,
	}
}

// Connect bootstraps the bucket/schema binding.
func (s *Store) Connect(ctx context.Context) error {
	return s.mgr.Connect(ctx)
}

// Close releases sessions and stops the batch workers. Idempotent.
func (s *Store) Close() error {
	s.pool.Shutdown()
	return s.mgr.Close()
}

// Cache exposes the metadata cache for observability surfaces.
func (s *Store) Cache() *MetadataCache {
	return s.cache
}

// Manager exposes the connection manager, mainly for endpoint health.
func (s *Store) Manager() *Manager {
	return s.mgr
}

// record reports one operation outcome to the performance monitor.
func (s *Store) record(queryType, table string, start time.Time, rows int, cfg QueryConfig, err error) {
	if s.monitor == nil {
		return
	}
	qm := perfmon.QueryMetric{
		QueryType:     queryType,
		Table:         table,
		ExecutionTime: time.Since(start),
		Rows:          rows,
		Splits:        cfg.NumSplits,
		Subsplits:     cfg.NumSubSplits,
		Success:       err == nil,
	}
	if err != nil {
		qm.Error = err.Error()
	}
	s.monitor.Record(qm)
}

// refreshMetadata pulls schema and stats from an open table handle into the
// cache. Used on first touch and after DDL invalidation.
func (s *Store) refreshMetadata(ctx context.Context, table Table) (Schema, error) {
	schema, err := table.Columns(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := table.Stats(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Update(table.Name(), schema, stats.TotalRows)
	return schema, nil
}

// tableSchema returns the schema for a table, from cache when fresh.
func (s *Store) tableSchema(ctx context.Context, tx Tx, name string) (Schema, error) {
	if schema, ok := s.cache.Columns(name); ok {
		return schema, nil
	}
	tbl, err := tx.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.refreshMetadata(ctx, tbl)
}
