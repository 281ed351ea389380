package circuitbreaker

import (
	"sync"

	"github.com/sony/gobreaker"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
)

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = gobreaker.ErrOpenState

// Breaker guards calls to an unreliable dependency
type Breaker struct {
	name     string
	enabled  bool
	settings gobreaker.Settings
	logger   logger.Logger

	mu    sync.RWMutex
	inner *gobreaker.CircuitBreaker
}

// New creates a breaker from configuration.
// isSuccessful, when set, decides which errors count as failures.
func New(name string, cfg config.CircuitBreakerConfig, log logger.Logger, isSuccessful func(error) bool) *Breaker {
	b := &Breaker{
		name:    name,
		enabled: cfg.Enabled,
		logger:  log,
	}
	threshold := uint32(cfg.Threshold)
	b.settings = gobreaker.Settings{
		Name:         name,
		MaxRequests:  1,
		Interval:     cfg.WindowDuration,
		Timeout:      cfg.ResetTimeout,
		IsSuccessful: isSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Notice("Circuit breaker %s changed from %s to %s", name, from, to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	b.inner = gobreaker.NewCircuitBreaker(b.settings)
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return b
}

// Execute runs fn unless the breaker is open
func (b *Breaker) Execute(fn func() error) error {
	if !b.enabled {
		return fn()
	}
	b.mu.RLock()
	inner := b.inner
	b.mu.RUnlock()

	_, err := inner.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// IsOpen reports whether calls are currently rejected
func (b *Breaker) IsOpen() bool {
	return b.State() == gobreaker.StateOpen.String()
}

// State returns the textual breaker state
func (b *Breaker) State() string {
	if !b.enabled {
		return "disabled"
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inner.State().String()
}

// IsEnabled returns whether the circuit breaker is enabled
func (b *Breaker) IsEnabled() bool {
	return b.enabled
}

// Reset closes the breaker and clears its counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inner = gobreaker.NewCircuitBreaker(b.settings)
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(0)
	b.logger.Info("Circuit breaker %s manually reset", b.name)
}
