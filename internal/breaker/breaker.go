// Package breaker guards the personalization pipeline: it classifies
// failures, tracks a three-state circuit, and decides per request whether
// to retry or force the default experience.
package breaker

import (
	"math"
	"sync"
	"time"
)

// State of the circuit.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Ordinal maps the state for numeric monitoring pipelines:
// 0 closed, 1 half-open, 2 open.
func (s State) Ordinal() int { return int(s) }

func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Config holds the breaker thresholds.
type Config struct {
	MaxErrors         int           // consecutive errors before closed -> open
	RecoveryThreshold int           // consecutive successes before half-open -> closed
	Cooldown          time.Duration // window gating retry eligibility after repeated errors
}

func DefaultConfig() Config {
	return Config{MaxErrors: 5, RecoveryThreshold: 3, Cooldown: 60 * time.Second}
}

// Sample is one performance observation in the rolling window.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	LatencyMs float64   `json:"latency_ms"`
	Success   bool      `json:"success"`
}

const sampleWindow = 100

// CircuitBreaker is a single process-wide instance per deployment unit,
// mutated on every pipeline outcome. All state changes happen under one
// mutex so concurrent invocations never lose updates. It lives for the
// process lifetime and is only reset by an operator action.
type CircuitBreaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	consecutiveErrors    int
	consecutiveSuccesses int
	totalRequests        int64
	totalErrors          int64
	totalFallbacks       int64
	lastErrorTime        time.Time
	lastSuccessTime      time.Time
	samples              []Sample
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 5
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, samples: make([]Sample, 0, sampleWindow)}
}

// RecordSuccess notes a successful pipeline outcome and applies the
// half-open -> closed transition once enough consecutive successes
// accumulate.
func (cb *CircuitBreaker) RecordSuccess(latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.consecutiveSuccesses++
	cb.consecutiveErrors = 0
	cb.lastSuccessTime = time.Now()
	cb.addSample(Sample{Timestamp: cb.lastSuccessTime, LatencyMs: float64(latency.Milliseconds()), Success: true})

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.cfg.RecoveryThreshold {
		cb.state = StateClosed
		cb.consecutiveErrors = 0
	}
}

// RecordFailure notes a failed pipeline outcome. From closed, the circuit
// opens at MaxErrors consecutive errors; from half-open, any error opens
// it.
func (cb *CircuitBreaker) RecordFailure(latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalErrors++
	cb.consecutiveErrors++
	cb.consecutiveSuccesses = 0
	cb.lastErrorTime = time.Now()
	cb.addSample(Sample{Timestamp: cb.lastErrorTime, LatencyMs: float64(latency.Milliseconds()), Success: false})

	switch cb.state {
	case StateClosed:
		if cb.consecutiveErrors >= cb.cfg.MaxErrors {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
	}
}

// RecordFallback counts a request served with the default experience.
func (cb *CircuitBreaker) RecordFallback() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalFallbacks++
}

// Probe moves an open circuit to half-open. Not automatic: the cooldown in
// the classifier governs retry eligibility, and recovery probing is an
// operator or scheduled action.
func (cb *CircuitBreaker) Probe() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return false
	}
	cb.state = StateHalfOpen
	cb.consecutiveErrors = 0
	cb.consecutiveSuccesses = 0
	return true
}

// ProbeAfterCooldown applies Probe once the cooldown has elapsed since the
// last error, so an open circuit recovers without operator action. Called
// on the request path; a no-op unless the circuit is open.
func (cb *CircuitBreaker) ProbeAfterCooldown() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return false
	}
	if cb.lastErrorTime.IsZero() || time.Since(cb.lastErrorTime) < cb.cfg.Cooldown {
		return false
	}
	cb.state = StateHalfOpen
	cb.consecutiveErrors = 0
	cb.consecutiveSuccesses = 0
	return true
}

// Reset zeroes all counters and closes the circuit. Operator action only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveErrors = 0
	cb.consecutiveSuccesses = 0
	cb.totalRequests = 0
	cb.totalErrors = 0
	cb.totalFallbacks = 0
	cb.lastErrorTime = time.Time{}
	cb.lastSuccessTime = time.Time{}
	cb.samples = cb.samples[:0]
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	State                State     `json:"state"`
	ConsecutiveErrors    int       `json:"consecutive_errors"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalRequests        int64     `json:"total_requests"`
	TotalErrors          int64     `json:"total_errors"`
	TotalFallbacks       int64     `json:"total_fallbacks"`
	LastErrorTime        time.Time `json:"last_error_time,omitempty"`
	LastSuccessTime      time.Time `json:"last_success_time,omitempty"`
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:                cb.state,
		ConsecutiveErrors:    cb.consecutiveErrors,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		TotalRequests:        cb.totalRequests,
		TotalErrors:          cb.totalErrors,
		TotalFallbacks:       cb.totalFallbacks,
		LastErrorTime:        cb.lastErrorTime,
		LastSuccessTime:      cb.lastSuccessTime,
	}
}

// ConsecutiveErrorInfo returns the inputs the classifier needs.
func (cb *CircuitBreaker) ConsecutiveErrorInfo() (int, time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveErrors, cb.lastErrorTime
}

func (cb *CircuitBreaker) addSample(s Sample) {
	if len(cb.samples) >= sampleWindow {
		copy(cb.samples, cb.samples[1:])
		cb.samples[len(cb.samples)-1] = s
		return
	}
	cb.samples = append(cb.samples, s)
}

// Metrics aggregates totals and the rolling sample window. Percentages and
// latency are rounded to the nearest integer, matching what dashboards
// display.
type Metrics struct {
	State         State   `json:"state"`
	ErrorRate     float64 `json:"error_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	Uptime        float64 `json:"uptime"`
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	SampleCount   int     `json:"sample_count"`
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	m := Metrics{
		State:         cb.state,
		TotalRequests: cb.totalRequests,
		TotalErrors:   cb.totalErrors,
		SampleCount:   len(cb.samples),
	}
	if cb.totalRequests > 0 {
		m.ErrorRate = math.Round(float64(cb.totalErrors) / float64(cb.totalRequests) * 100)
	}
	m.Uptime = 100 - m.ErrorRate
	if len(cb.samples) > 0 {
		sum := 0.0
		for _, s := range cb.samples {
			sum += s.LatencyMs
		}
		m.AvgLatencyMs = math.Round(sum / float64(len(cb.samples)))
	}
	return m
}
