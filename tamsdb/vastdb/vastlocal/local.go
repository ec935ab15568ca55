// Package vastlocal is an in-memory implementation of the vastdb engine
// interfaces. It backs tests and development environments the same way a
// local backend sits next to the remote ones in the object-store layer.
package vastlocal

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/vastmedia/tams/tamsdb/vastdb"
)

// Engine is a process-local columnar engine. All sessions share the same
// state, so multi-endpoint managers behave as if they talked to one cluster.
type Engine struct {
	mtx     sync.Mutex
	buckets map[string]map[string]*namespace
	opened  map[string]int

	// failure injection for tests
	insertFailures atomic.Int32
	selectFailures atomic.Int32
	openFailures   atomic.Int32
}

type namespace struct {
	tables map[string]*table
}

// New returns an engine pre-provisioned with one bucket.
func New(buckets ...string) *Engine {
	e := &Engine{
		buckets: make(map[string]map[string]*namespace),
		opened:  make(map[string]int),
	}
	for _, b := range buckets {
		e.buckets[b] = make(map[string]*namespace)
	}
	return e
}

// FailInserts makes the next n insert calls fail. Used by tests exercising
// the batch retry loop.
func (e *Engine) FailInserts(n int) { e.insertFailures.Store(int32(n)) }

// FailSelects makes the next n select calls fail.
func (e *Engine) FailSelects(n int) { e.selectFailures.Store(int32(n)) }

// FailOpens makes the next n session opens fail. Used by endpoint health
// tests.
func (e *Engine) FailOpens(n int) { e.openFailures.Store(int32(n)) }

func takeFailure(c *atomic.Int32) bool {
	for {
		n := c.Load()
		if n <= 0 {
			return false
		}
		if c.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Open implements vastdb.Engine.
func (e *Engine) Open(_ context.Context, endpoint string, _ vastdb.SessionOptions) (vastdb.Session, error) {
	if takeFailure(&e.openFailures) {
		return nil, errors.Errorf("dial %s: injected failure", endpoint)
	}

	e.mtx.Lock()
	e.opened[endpoint]++
	e.mtx.Unlock()

	return &session{eng: e}, nil
}

// OpenedEndpoints returns the endpoints sessions were opened against, sorted.
// Used by tests asserting balancing policy.
func (e *Engine) OpenedEndpoints() []string {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	out := make([]string, 0, len(e.opened))
	for ep := range e.opened {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}

type session struct {
	eng    *Engine
	closed atomic.Bool
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *session) BucketExists(_ context.Context, bucket string) (bool, error) {
	s.eng.mtx.Lock()
	defer s.eng.mtx.Unlock()
	_, ok := s.eng.buckets[bucket]
	return ok, nil
}

func (s *session) SchemaExists(_ context.Context, bucket, schema string) (bool, error) {
	s.eng.mtx.Lock()
	defer s.eng.mtx.Unlock()
	b, ok := s.eng.buckets[bucket]
	if !ok {
		return false, vastdb.ErrBucketDoesNotExist
	}
	_, ok = b[schema]
	return ok, nil
}

func (s *session) CreateSchema(_ context.Context, bucket, schema string) error {
	s.eng.mtx.Lock()
	defer s.eng.mtx.Unlock()
	b, ok := s.eng.buckets[bucket]
	if !ok {
		return vastdb.ErrBucketDoesNotExist
	}
	if _, ok := b[schema]; !ok {
		b[schema] = &namespace{tables: make(map[string]*table)}
	}
	return nil
}

func (s *session) namespace(bucket, schema string) (*namespace, error) {
	b, ok := s.eng.buckets[bucket]
	if !ok {
		return nil, vastdb.ErrBucketDoesNotExist
	}
	ns, ok := b[schema]
	if !ok {
		return nil, vastdb.ErrSchemaDoesNotExist
	}
	return ns, nil
}

func (s *session) ListTables(_ context.Context, bucket, schema string) ([]string, error) {
	s.eng.mtx.Lock()
	defer s.eng.mtx.Unlock()

	ns, err := s.namespace(bucket, schema)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ns.tables))
	for name := range ns.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *session) Table(_ context.Context, bucket, schema, name string) (vastdb.Table, error) {
	s.eng.mtx.Lock()
	defer s.eng.mtx.Unlock()

	ns, err := s.namespace(bucket, schema)
	if err != nil {
		return nil, err
	}
	t, ok := ns.tables[name]
	if !ok {
		return nil, errors.Wrapf(vastdb.ErrTableDoesNotExist, "table %s", name)
	}
	return t, nil
}

func (s *session) CreateTable(_ context.Context, bucket, schema, name string, tableSchema vastdb.Schema) (vastdb.Table, error) {
	s.eng.mtx.Lock()
	defer s.eng.mtx.Unlock()

	ns, err := s.namespace(bucket, schema)
	if err != nil {
		return nil, err
	}
	if t, ok := ns.tables[name]; ok {
		return t, nil
	}
	t := &table{
		eng:         s.eng,
		name:        name,
		schema:      append(vastdb.Schema(nil), tableSchema...),
		projections: make(map[string]vastdb.Projection),
	}
	ns.tables[name] = t
	return t, nil
}
