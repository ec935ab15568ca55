package vastdb

import (
	"context"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vastmedia/tams/tamsdb/vastdb/endpoint"
)

var tracer = otel.Tracer("tamsdb/vastdb")

// Manager opens and reuses engine sessions per endpoint and hands out
// transactional scopes with endpoint selection and health reporting.
type Manager struct {
	cfg      Config
	engine   Engine
	logger   kitlog.Logger
	pool     *endpoint.Pool
	balancer *endpoint.Balancer

	mtx      sync.Mutex
	sessions map[string]Session
	closed   bool
}

func NewManager(cfg Config, engine Engine, logger kitlog.Logger) *Manager {
	cfg.ApplyDefaults()

	pool := endpoint.NewPool(cfg.Endpoints, logger)
	return &Manager{
		cfg:      cfg,
		engine:   engine,
		logger:   logger,
		pool:     pool,
		balancer: endpoint.NewBalancer(pool, cfg.Balancer),
		sessions: make(map[string]Session),
	}
}

// EndpointPool exposes health tracking for observability surfaces.
func (m *Manager) EndpointPool() *endpoint.Pool {
	return m.pool
}

// Connect verifies the configured bucket exists and creates the schema when
// missing. A missing bucket is terminal: the columnar store owns bucket
// provisioning.
func (m *Manager) Connect(ctx context.Context) error {
	return m.Transaction(ctx, endpoint.OpWrite, func(ctx context.Context, tx Tx) error {
		ok, err := tx.session.BucketExists(ctx, m.cfg.Bucket)
		if err != nil {
			return errors.Wrap(err, "checking bucket")
		}
		if !ok {
			return errors.Wrapf(ErrBucketDoesNotExist, "bucket %q", m.cfg.Bucket)
		}

		ok, err = tx.session.SchemaExists(ctx, m.cfg.Bucket, m.cfg.Schema)
		if err != nil {
			return errors.Wrap(err, "checking schema")
		}
		if !ok {
			level.Info(m.logger).Log("msg", "creating schema", "bucket", m.cfg.Bucket, "schema", m.cfg.Schema)
			if err := tx.session.CreateSchema(ctx, m.cfg.Bucket, m.cfg.Schema); err != nil {
				return errors.Wrap(err, "creating schema")
			}
		}
		return nil
	})
}

// Tx is a transactional scope bound to one session and the configured
// bucket/schema.
type Tx struct {
	session Session
	bucket  string
	schema  string
}

func (tx Tx) Table(ctx context.Context, name string) (Table, error) {
	return tx.session.Table(ctx, tx.bucket, tx.schema, name)
}

func (tx Tx) CreateTable(ctx context.Context, name string, schema Schema) (Table, error) {
	return tx.session.CreateTable(ctx, tx.bucket, tx.schema, name, schema)
}

func (tx Tx) ListTables(ctx context.Context) ([]string, error) {
	return tx.session.ListTables(ctx, tx.bucket, tx.schema)
}

// Transaction selects an endpoint for the operation kind, acquires its
// session and runs fn within the configured timeout. Release and outcome
// reporting happen on every exit path.
func (m *Manager) Transaction(ctx context.Context, kind endpoint.OpKind, fn func(ctx context.Context, tx Tx) error) error {
	return m.transact(ctx, string(kind), func() (string, error) {
		return m.balancer.Endpoint(kind)
	}, fn)
}

// Query is the read-scoped variant: complex queries are biased toward
// least-error endpoints, simple ones round-robin.
func (m *Manager) Query(ctx context.Context, complex bool, fn func(ctx context.Context, tx Tx) error) error {
	return m.transact(ctx, string(endpoint.OpRead), func() (string, error) {
		return m.balancer.EndpointForQuery(complex)
	}, fn)
}

func (m *Manager) transact(ctx context.Context, kind string, pick func() (string, error), fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := tracer.Start(ctx, "vastdb.Transaction", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	ep, err := pick()
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("endpoint", ep), attribute.String("kind", kind))

	sess, err := m.session(ctx, ep)
	if err != nil {
		m.pool.ReportError(ep, err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err = fn(ctx, Tx{session: sess, bucket: m.cfg.Bucket, schema: m.cfg.Schema})
	elapsed := time.Since(start)

	if err != nil {
		m.pool.ReportError(ep, err)
		return err
	}
	m.pool.ReportSuccess(ep, elapsed)
	return nil
}

func (m *Manager) session(ctx context.Context, ep string) (Session, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return nil, errors.New("connection manager is closed")
	}
	if sess, ok := m.sessions[ep]; ok {
		return sess, nil
	}

	sess, err := m.engine.Open(ctx, ep, SessionOptions{
		AccessKey: m.cfg.AccessKey,
		SecretKey: m.cfg.SecretKey.String(),
		Timeout:   m.cfg.Timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening session to %s", ep)
	}
	m.sessions[ep] = sess
	return sess, nil
}

// Close shuts down all sessions. It is idempotent.
func (m *Manager) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for ep, sess := range m.sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing session to %s", ep)
		}
	}
	m.sessions = nil
	return firstErr
}
