// Package endpoint tracks the health of the columnar engine's endpoints and
// selects one per operation kind.
package endpoint

import (
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// consecutive errors before an endpoint is marked unhealthy
const unhealthyThreshold = 3

var metricHealthyEndpoints = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tams",
	Name:      "healthy_endpoints",
	Help:      "Number of columnar engine endpoints currently considered healthy.",
})

// Health is the tracked state of a single endpoint.
type Health struct {
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	ErrorCount   int           `json:"error_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Pool tracks health for a fixed set of endpoints. Callers report operation
// outcomes; three consecutive errors mark an endpoint unhealthy and a single
// success resets it.
type Pool struct {
	logger kitlog.Logger

	mtx       sync.Mutex
	order     []string
	endpoints map[string]*Health
}

func NewPool(endpoints []string, logger kitlog.Logger) *Pool {
	p := &Pool{
		logger:    logger,
		order:     append([]string(nil), endpoints...),
		endpoints: make(map[string]*Health, len(endpoints)),
	}
	for _, ep := range endpoints {
		p.endpoints[ep] = &Health{Healthy: true, LastCheck: time.Now()}
	}
	metricHealthyEndpoints.Set(float64(len(endpoints)))
	return p
}

// ReportSuccess resets the error counter and records the response time.
func (p *Pool) ReportSuccess(ep string, responseTime time.Duration) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	h, ok := p.endpoints[ep]
	if !ok {
		return
	}
	if !h.Healthy {
		level.Info(p.logger).Log("msg", "endpoint recovered", "endpoint", ep)
	}
	h.Healthy = true
	h.ErrorCount = 0
	h.LastError = ""
	h.ResponseTime = responseTime
	h.LastCheck = time.Now()
	p.updateGaugeLocked()
}

// ReportError bumps the error counter; the counter is monotonically
// increasing between successes so concurrent reporters cannot lose strikes.
func (p *Pool) ReportError(ep string, err error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	h, ok := p.endpoints[ep]
	if !ok {
		return
	}
	h.ErrorCount++
	if err != nil {
		h.LastError = err.Error()
	}
	h.LastCheck = time.Now()
	if h.ErrorCount >= unhealthyThreshold && h.Healthy {
		h.Healthy = false
		level.Warn(p.logger).Log("msg", "endpoint marked unhealthy", "endpoint", ep,
			"errors", h.ErrorCount, "last_error", h.LastError)
	}
	p.updateGaugeLocked()
}

func (p *Pool) updateGaugeLocked() {
	healthy := 0
	for _, h := range p.endpoints {
		if h.Healthy {
			healthy++
		}
	}
	metricHealthyEndpoints.Set(float64(healthy))
}

// Health returns a copy of the tracked state for one endpoint.
func (p *Pool) Health(ep string) (Health, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	h, ok := p.endpoints[ep]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// Healthy returns all healthy endpoints in registration order.
func (p *Pool) Healthy() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	out := make([]string, 0, len(p.order))
	for _, ep := range p.order {
		if p.endpoints[ep].Healthy {
			out = append(out, ep)
		}
	}
	return out
}

// Endpoints returns all endpoints in registration order.
func (p *Pool) Endpoints() []string {
	return append([]string(nil), p.order...)
}

// Snapshot returns a copy of the full health map.
func (p *Pool) Snapshot() map[string]Health {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	out := make(map[string]Health, len(p.endpoints))
	for ep, h := range p.endpoints {
		out[ep] = *h
	}
	return out
}
