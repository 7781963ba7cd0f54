package failover

import (
	"sync"
	"time"
)

// BreakerState is the tri-state of one backend's circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig gates the optional per-backend circuit breaker. It ships
// disabled so the attempt arithmetic of routes stays exact; enabling it is
// an operator decision for flappy upstreams.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// BreakerSet holds one circuit per backend name.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	circuits map[string]*circuit
	now      func() time.Time
}

type circuit struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewBreakerSet returns nil when disabled, which the coordinator treats as
// "always allow".
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	if !cfg.Enabled {
		return nil
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &BreakerSet{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

func (s *BreakerSet) circuitFor(backend string) *circuit {
	c, ok := s.circuits[backend]
	if !ok {
		c = &circuit{state: BreakerClosed}
		s.circuits[backend] = c
	}
	return c
}

// Allow reports whether a call to the backend may proceed. An open circuit
// past its recovery timeout transitions to half-open and admits one probe.
func (s *BreakerSet) Allow(backend string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.circuitFor(backend)
	switch c.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if s.now().Sub(c.lastFailure) >= s.cfg.RecoveryTimeout {
			c.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the circuit and clears the failure run.
func (s *BreakerSet) RecordSuccess(backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.circuitFor(backend)
	c.failures = 0
	c.state = BreakerClosed
}

// RecordFailure counts a failure; a half-open probe failure re-opens
// immediately, a closed circuit opens at the threshold.
func (s *BreakerSet) RecordFailure(backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.circuitFor(backend)
	c.failures++
	c.lastFailure = s.now()
	if c.state == BreakerHalfOpen || c.failures >= s.cfg.FailureThreshold {
		c.state = BreakerOpen
	}
}

// State returns the current circuit state for a backend.
func (s *BreakerSet) State(backend string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.circuitFor(backend).state
}
