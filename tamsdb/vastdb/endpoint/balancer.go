package endpoint

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrNoHealthyEndpoints is returned when every endpoint is marked unhealthy.
// Selection never blocks waiting for recovery; the caller surfaces the error.
var ErrNoHealthyEndpoints = errors.New("no healthy endpoints")

// OpKind selects the balancing policy.
type OpKind string

const (
	OpRead      OpKind = "read"
	OpWrite     OpKind = "write"
	OpAnalytics OpKind = "analytics"
)

const defaultAnalyticsStickyFor = 5 * time.Second

// BalancerConfig tunes endpoint selection.
type BalancerConfig struct {
	// PreferFastest routes reads to the fastest healthy endpoint instead of
	// round-robin.
	PreferFastest      bool          `yaml:"prefer_fastest" json:"prefer_fastest"`
	AnalyticsStickyFor time.Duration `yaml:"analytics_sticky_for" json:"analytics_sticky_for"`
}

// Balancer selects endpoints from a Pool by operation kind:
//
//	read      - fastest healthy (or round-robin)
//	write     - least errors, tie-break on response time
//	analytics - sticky endpoint refreshed periodically
type Balancer struct {
	cfg  BalancerConfig
	pool *Pool

	rr atomic.Uint64

	stickyMtx sync.Mutex
	stickyEp  string
	stickyAt  time.Time
}

func NewBalancer(pool *Pool, cfg BalancerConfig) *Balancer {
	if cfg.AnalyticsStickyFor <= 0 {
		cfg.AnalyticsStickyFor = defaultAnalyticsStickyFor
	}
	return &Balancer{cfg: cfg, pool: pool}
}

// Endpoint returns an endpoint for the given operation kind.
func (b *Balancer) Endpoint(kind OpKind) (string, error) {
	healthy := b.pool.Healthy()
	if len(healthy) == 0 {
		return "", ErrNoHealthyEndpoints
	}

	switch kind {
	case OpWrite:
		return b.leastErrors(healthy), nil
	case OpAnalytics:
		return b.sticky(healthy), nil
	default:
		if b.cfg.PreferFastest {
			return b.fastest(healthy), nil
		}
		return b.roundRobin(healthy), nil
	}
}

// EndpointForQuery biases complex queries toward least-error endpoints while
// simple queries round-robin across the healthy set.
func (b *Balancer) EndpointForQuery(complex bool) (string, error) {
	healthy := b.pool.Healthy()
	if len(healthy) == 0 {
		return "", ErrNoHealthyEndpoints
	}
	if complex {
		return b.leastErrors(healthy), nil
	}
	return b.roundRobin(healthy), nil
}

func (b *Balancer) roundRobin(healthy []string) string {
	n := b.rr.Inc() - 1
	return healthy[int(n%uint64(len(healthy)))]
}

func (b *Balancer) fastest(healthy []string) string {
	best := healthy[0]
	bestRT := time.Duration(-1)
	for _, ep := range healthy {
		h, ok := b.pool.Health(ep)
		if !ok {
			continue
		}
		if bestRT < 0 || h.ResponseTime < bestRT {
			best, bestRT = ep, h.ResponseTime
		}
	}
	return best
}

func (b *Balancer) leastErrors(healthy []string) string {
	best := healthy[0]
	bestErrs := -1
	bestRT := time.Duration(-1)
	for _, ep := range healthy {
		h, ok := b.pool.Health(ep)
		if !ok {
			continue
		}
		if bestErrs < 0 || h.ErrorCount < bestErrs ||
			(h.ErrorCount == bestErrs && h.ResponseTime < bestRT) {
			best, bestErrs, bestRT = ep, h.ErrorCount, h.ResponseTime
		}
	}
	return best
}

func (b *Balancer) sticky(healthy []string) string {
	b.stickyMtx.Lock()
	defer b.stickyMtx.Unlock()

	if b.stickyEp != "" && time.Since(b.stickyAt) < b.cfg.AnalyticsStickyFor {
		for _, ep := range healthy {
			if ep == b.stickyEp {
				return ep
			}
		}
	}

	b.stickyEp = b.leastErrors(healthy)
	b.stickyAt = time.Now()
	return b.stickyEp
}
