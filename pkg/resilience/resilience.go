// Package resilience wraps calls to flaky dependencies with retry,
// timeout and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"socialhub-backend/pkg/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("dependency temporarily unavailable (circuit breaker open)")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// Config tunes a Breaker
type Config struct {
	MaxFailures    int
	Cooldown       time.Duration
	AttemptTimeout time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the settings used for object storage
func DefaultConfig() Config {
	return Config{
		MaxFailures:    3,
		Cooldown:       10 * time.Second,
		AttemptTimeout: 10 * time.Second,
		MaxAttempts:    3,
		Backoff:        100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

type breakerMetrics struct {
	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	state         *prometheus.GaugeVec
}

var (
	metricsInstance *breakerMetrics
	metricsOnce     sync.Once
)

func sharedMetrics() *breakerMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dependency_requests_total",
					Help: "Total number of requests to external dependencies",
				},
				[]string{"dependency", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dependency_errors_total",
					Help: "Total number of external dependency errors",
				},
				[]string{"dependency", "operation", "error_type"},
			),
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dependency_circuit_breaker_state",
				Help: "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
			}, []string{"dependency"}),
		}
		prometheus.MustRegister(metricsInstance.requestsTotal, metricsInstance.errorsTotal, metricsInstance.state)
	})
	return metricsInstance
}

// Breaker guards one named dependency
type Breaker struct {
	name    string
	cfg     Config
	metrics *breakerMetrics
	now     func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
}

// NewBreaker creates a closed breaker for dependency name
func NewBreaker(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		metrics: sharedMetrics(),
		now:     time.Now,
		state:   CircuitBreakerClosed,
	}
}

// Execute runs fn with per-attempt timeout and linear backoff between
// attempts. While open, calls fail fast with ErrCircuitOpen until the
// cooldown elapses; the next call then probes in half-open state.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if !b.allow() {
			b.metrics.requestsTotal.WithLabelValues(b.name, operation, "circuit_breaker_open").Inc()
			return ErrCircuitOpen
		}

		err := b.attempt(ctx, fn)
		if err == nil {
			b.onSuccess()
			b.metrics.requestsTotal.WithLabelValues(b.name, operation, "success").Inc()
			return nil
		}
		lastErr = err
		b.metrics.errorsTotal.WithLabelValues(b.name, operation, classifyError(err)).Inc()
		b.metrics.requestsTotal.WithLabelValues(b.name, operation, "failure").Inc()
		b.onFailure(operation)

		if attempt == b.cfg.MaxAttempts {
			break
		}
		backoff := time.Duration(attempt) * b.cfg.Backoff
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
		logger.Warn("Dependency operation failed, backing off",
			zap.String("dependency", b.name),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", b.name, operation, b.cfg.MaxAttempts, lastErr)
}

func (b *Breaker) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitBreakerOpen {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return false
	}
	b.setStateLocked(CircuitBreakerHalfOpen)
	return true
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker closed", zap.String("dependency", b.name))
		b.setStateLocked(CircuitBreakerClosed)
	}
}

func (b *Breaker) onFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.MaxFailures {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker opened",
				zap.String("dependency", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
		b.openedAt = b.now()
		b.setStateLocked(CircuitBreakerOpen)
	}
}

func (b *Breaker) setStateLocked(s CircuitBreakerState) {
	b.state = s
	var v float64
	switch s {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	b.metrics.state.WithLabelValues(b.name).Set(v)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// classifyError classifies errors for metrics labels
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
