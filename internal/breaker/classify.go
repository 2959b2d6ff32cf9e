package breaker

import (
	"errors"
	"strings"
	"time"
)

// Typed sentinels for pipeline-internal failures. Code we control wraps
// these so classification does not depend on message text; the substring
// scan below remains for errors produced outside our control.
var (
	ErrTimeout = errors.New("personalization timeout")
	ErrNetwork = errors.New("network request failed")
	ErrData    = errors.New("malformed profile data")
)

// Level names the degraded experience to serve.
type Level string

const (
	LevelSimplified Level = "simplified" // skip the cache, infer fresh
	LevelCached     Level = "cached"     // serve last-known-good persona
	LevelDefault    Level = "default"    // unpersonalized experience
)

// Reason categorizes the failure.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonNetwork     Reason = "network"
	ReasonData        Reason = "data"
	ReasonBreakerOpen Reason = "circuit-breaker-open"
	ReasonUnknown     Reason = "unknown"
)

// Fallback is the classifier's per-request decision.
type Fallback struct {
	Level       Level  `json:"level"`
	Reason      Reason `json:"reason"`
	ShouldRetry bool   `json:"should_retry"`
}

// Classify maps a pipeline error to a fallback strategy.
//
// When consecutive errors have reached the breaker threshold and the last
// error is still inside the cooldown window, the default experience is
// forced regardless of error type. Once the cooldown elapses, retries are
// allowed again even with a high consecutive-error count; the cooldown,
// not a counter reset, gates retry eligibility.
func (cb *CircuitBreaker) Classify(err error) Fallback {
	consecutive, lastErr := cb.ConsecutiveErrorInfo()
	return ClassifyWith(err, consecutive, lastErr, cb.cfg)
}

// ClassifyWith is the pure form, usable without a breaker instance.
func ClassifyWith(err error, consecutiveErrors int, lastErrorTime time.Time, cfg Config) Fallback {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}

	if consecutiveErrors >= cfg.MaxErrors && !lastErrorTime.IsZero() &&
		time.Since(lastErrorTime) < cfg.Cooldown {
		return Fallback{Level: LevelDefault, Reason: ReasonBreakerOpen, ShouldRetry: false}
	}

	switch {
	case errors.Is(err, ErrTimeout):
		return Fallback{Level: LevelSimplified, Reason: ReasonTimeout, ShouldRetry: true}
	case errors.Is(err, ErrNetwork):
		return Fallback{Level: LevelCached, Reason: ReasonNetwork, ShouldRetry: true}
	case errors.Is(err, ErrData):
		return Fallback{Level: LevelDefault, Reason: ReasonData, ShouldRetry: false}
	}

	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return Fallback{Level: LevelSimplified, Reason: ReasonTimeout, ShouldRetry: true}
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") || strings.Contains(msg, "unreachable") || strings.Contains(msg, "refused"):
		return Fallback{Level: LevelCached, Reason: ReasonNetwork, ShouldRetry: true}
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "malformed") || strings.Contains(msg, "invalid"):
		// Not worth retrying; treat as permanent for this request.
		return Fallback{Level: LevelDefault, Reason: ReasonData, ShouldRetry: false}
	}
	return Fallback{Level: LevelDefault, Reason: ReasonUnknown, ShouldRetry: false}
}
