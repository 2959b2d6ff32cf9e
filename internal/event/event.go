// Package event defines the resolution event envelope emitted to sinks.
// Optional fields are omitted when empty.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeResolution  = "resolution"
	TypeRateLimited = "rate_limited"
	TypeBot         = "bot"
	TypeError       = "error"
)

// Event records one persona resolution outcome. Emitted fire-and-forget
// after the response is written; delivery is best-effort.
type Event struct {
	EventID string `json:"event_id,omitempty"`
	TS      string `json:"ts,omitempty"` // ISO8601
	Type    string `json:"type,omitempty"`

	SessionID   string  `json:"session_id,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"` // first 16 hex chars only
	Path        string  `json:"path,omitempty"`
	Persona     string  `json:"persona,omitempty"`
	Source      string  `json:"source,omitempty"` // client-cookie | redis-cache | inferred
	Confidence  float64 `json:"confidence,omitempty"`
	Strategy    string  `json:"strategy,omitempty"`
	LatencyMs   int64   `json:"latency_ms,omitempty"`
	Error       string  `json:"error,omitempty"`
	AnonIP      string  `json:"anon_ip,omitempty"` // anonymized, geo use only
}

// New stamps the envelope with an id and timestamp.
func New(eventType string) Event {
	return Event{
		EventID: uuid.New().String(),
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Type:    eventType,
	}
}
