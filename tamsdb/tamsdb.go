// Package tamsdb is the facade over the time-addressable media store: entity
// CRUD (sources, flows, objects), segment ingest and lookup across the
// columnar index and the object store, tags, and analytics.
package tamsdb

import (
	"context"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/perfmon"
	utillog "github.com/vastmedia/tams/pkg/util/log"
	"github.com/vastmedia/tams/tamsdb/analytics"
	"github.com/vastmedia/tams/tamsdb/backend"
	"github.com/vastmedia/tams/tamsdb/vastdb"
)

var (
	// ErrNotFound is returned by lookups that miss.
	ErrNotFound = errors.New("not found")
	// ErrLiveReferences rejects hard deletes of entities something still
	// points at.
	ErrLiveReferences = errors.New("entity has live references")
	// ErrSourceNotLive rejects flows whose source is missing or soft-deleted.
	ErrSourceNotLive = errors.New("source does not exist or is soft-deleted")
	// ErrFlowNotLive rejects segments whose flow is missing or soft-deleted.
	ErrFlowNotLive = errors.New("flow does not exist or is soft-deleted")
)

// DB bundles the columnar store, the segment payload store, and the
// analytics layer behind one handle.
type DB struct {
	cfg      Config
	store    *vastdb.Store
	objects  backend.Store
	hybrid   *analytics.Hybrid
	analyzer *analytics.Analyzer
	monitor  *perfmon.Monitor
	logger   gkLog.Logger
}

// New connects to the columnar engine, bootstraps the persisted table
// layout, and wires analytics. The object store bucket is created lazily by
// the first segment write.
func New(ctx context.Context, cfg Config, engine vastdb.Engine, objects backend.Store, logger gkLog.Logger) (*DB, error) {
	if logger == nil {
		logger = utillog.Logger
	}

	monitor := perfmon.New(cfg.Perf, logger)
	store := vastdb.NewStore(cfg.Vast, engine, monitor, logger)

	if err := store.Connect(ctx); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "connecting to columnar store")
	}
	if err := bootstrapTables(ctx, store); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "bootstrapping tables")
	}

	hybrid := analytics.NewHybrid(store, logger)
	if !hybrid.Enabled() {
		level.Warn(logger).Log("msg", "hybrid analytics unavailable, percentile and correlation queries will fail")
	}

	db := &DB{
		cfg:      cfg,
		store:    store,
		objects:  objects,
		hybrid:   hybrid,
		analyzer: analytics.NewAnalyzer(store, hybrid, logger),
		monitor:  monitor,
		logger:   logger,
	}

	level.Info(logger).Log("msg", "tamsdb ready",
		"endpoints", len(cfg.Vast.Endpoints),
		"bucket", cfg.Vast.Bucket,
		"schema", cfg.Vast.Schema,
		"hybrid", hybrid.Enabled())
	return db, nil
}

func (db *DB) Close() error {
	err := db.hybrid.Close()
	if cerr := db.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (db *DB) Store() *vastdb.Store           { return db.store }
func (db *DB) Objects() backend.Store         { return db.objects }
func (db *DB) Analytics() *analytics.Analyzer { return db.analyzer }
func (db *DB) Monitor() *perfmon.Monitor      { return db.monitor }
