package vastdb

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricBatchQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tams",
		Name:      "batch_queue_length",
		Help:      "Current length of the batch work queue.",
	})

	metricBatchQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tams",
		Name:      "batch_queue_max",
		Help:      "Maximum number of items in the batch work queue.",
	})
)

// JobFunc executes one unit of batch work. Outcomes are recorded by the
// payload itself; the returned error is only the first-failure summary.
type JobFunc func(ctx context.Context, payload interface{}) error

type job struct {
	ctx     context.Context
	payload interface{}
	fn      JobFunc

	wg  *sync.WaitGroup
	err *atomic.Error
}

// PoolConfig bounds the shared batch worker pool.
type PoolConfig struct {
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
}

// Pool is a bounded worker pool for batch operations.
type Pool struct {
	cfg  *PoolConfig
	size *atomic.Int32

	workQueue chan *job
	stopOnce  sync.Once
}

func NewPool(cfg *PoolConfig) *Pool {
	if cfg == nil {
		cfg = defaultPoolConfig()
	}

	q := make(chan *job, cfg.QueueDepth)
	p := &Pool{
		cfg:       cfg,
		workQueue: q,
		size:      atomic.NewInt32(0),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker(q)
	}

	metricBatchQueueMax.Set(float64(cfg.QueueDepth))

	return p
}

// RunJobs submits all payloads and waits for them to complete. The first
// job error is returned; per-payload outcomes belong to the payloads.
func (p *Pool) RunJobs(ctx context.Context, payloads []interface{}, fn JobFunc) error {
	totalJobs := len(payloads)

	// sanity check before we even attempt to start adding jobs
	if int(p.size.Load())+totalJobs > p.cfg.QueueDepth {
		return errors.Errorf("queue doesn't have room for %d jobs", totalJobs)
	}

	wg := &sync.WaitGroup{}
	err := atomic.NewError(nil)

	wg.Add(totalJobs)
	for i, payload := range payloads {
		j := &job{
			ctx:     ctx,
			fn:      fn,
			payload: payload,
			wg:      wg,
			err:     err,
		}

		select {
		case p.workQueue <- j:
			p.size.Inc()
			metricBatchQueueLength.Set(float64(p.size.Load()))
		default:
			// drop the unsubmitted remainder from the wait count and let the
			// jobs already in flight drain before reporting the overflow
			wg.Add(-(totalJobs - i))
			wg.Wait()
			return errors.New("failed to add a job to work queue")
		}
	}

	wg.Wait()
	return err.Load()
}

func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.workQueue)
	})
}

func (p *Pool) worker(q <-chan *job) {
	for j := range q {
		p.size.Dec()
		metricBatchQueueLength.Set(float64(p.size.Load()))

		if err := j.fn(j.ctx, j.payload); err != nil {
			j.err.Store(err)
		}
		j.wg.Done()
	}
}

func defaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers: DefaultMaxWorkers,
		QueueDepth: 10000,
	}
}
