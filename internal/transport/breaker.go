package transport

import (
	"sync"
	"time"

	"github.com/Armour007/aura-core/internal/metrics"
)

const (
	DefaultBreakerThreshold = 3
	DefaultBreakerOpenFor   = 30 * time.Second
)

// CircuitBreaker opens after threshold consecutive failures and stays open
// for openFor.
type CircuitBreaker struct {
	name       string
	mu         sync.Mutex
	failures   int
	openedTill time.Time
	threshold  int
	openFor    time.Duration
	open       bool
	now        func() time.Time
}

func NewCircuitBreaker(name string, threshold int, openFor time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if openFor <= 0 {
		openFor = DefaultBreakerOpenFor
	}
	b := &CircuitBreaker{name: name, threshold: threshold, openFor: openFor, now: time.Now}
	metrics.SetBreakerState(name, false)
	return b
}

func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.openedTill) {
		if !b.open {
			b.open = true
			metrics.SetBreakerState(b.name, true)
		}
		return false
	}
	if b.open { // transition to closed
		b.open = false
		metrics.SetBreakerState(b.name, false)
	}
	return true
}

func (b *CircuitBreaker) ReportSuccess() {
	b.mu.Lock()
	b.failures = 0
	if b.open {
		b.open = false
		metrics.SetBreakerState(b.name, false)
	}
	b.mu.Unlock()
}

func (b *CircuitBreaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedTill = b.now().Add(b.openFor)
		b.failures = 0
		b.open = true
		metrics.SetBreakerState(b.name, true)
	}
}

// Breakers keeps one breaker per peer.
type Breakers struct {
	mu        sync.Mutex
	m         map[string]*CircuitBreaker
	threshold int
	openFor   time.Duration
}

func NewBreakers(threshold int, openFor time.Duration) *Breakers {
	return &Breakers{m: map[string]*CircuitBreaker{}, threshold: threshold, openFor: openFor}
}

func (bs *Breakers) Get(name string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok := bs.m[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, bs.threshold, bs.openFor)
	bs.m[name] = b
	return b
}
