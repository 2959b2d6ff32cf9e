package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shortontech/gopersona/internal/persona"
)

// KeyType is the middle segment of a cache key.
type KeyType string

const (
	KeyProfile  KeyType = "profile"
	KeyScores   KeyType = "scores"
	KeyBehavior KeyType = "behavior"
	KeyPersona  KeyType = "persona"
)

// Confidence-driven TTL tiers: cache freshness tracks trust in the
// underlying inference, so low-confidence guesses get revisited sooner.
// Boundary values belong to the higher tier.
func TTLForConfidence(confidence float64) time.Duration {
	switch {
	case confidence >= 0.8:
		return 4 * time.Hour
	case confidence >= 0.6:
		return 2 * time.Hour
	case confidence >= 0.3:
		return time.Hour
	default:
		return 30 * time.Minute
	}
}

// Stats are the rolling observability counters the cache exposes.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Assignment is the persona record stored per visitor.
type Assignment struct {
	Persona    persona.Persona `json:"persona"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PersonaCache layers the key schema, serialization, TTL policy and
// observability counters over a Store. Every primary write mirrors into a
// local in-memory replica so a network fallback can still serve the
// last-known-good persona.
type PersonaCache struct {
	primary Store
	replica *MemoryStore
	prefix  string
	timeout time.Duration

	mu           sync.Mutex
	hits         int64
	misses       int64
	errors       int64
	totalLatency time.Duration
	observations int64
}

func New(primary Store, prefix string, timeout time.Duration) *PersonaCache {
	if timeout <= 0 {
		timeout = 25 * time.Millisecond
	}
	return &PersonaCache{
		primary: primary,
		replica: NewMemoryStore(),
		prefix:  prefix,
		timeout: timeout,
	}
}

func (c *PersonaCache) Key(t KeyType, id string) string {
	return c.prefix + string(t) + ":" + id
}

// bound applies the per-operation budget so a slow store can never stall a
// response past the latency target.
func (c *PersonaCache) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *PersonaCache) observe(start time.Time) {
	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.observations++
	c.mu.Unlock()
}

func (c *PersonaCache) countHit()  { c.mu.Lock(); c.hits++; c.mu.Unlock() }
func (c *PersonaCache) countMiss() { c.mu.Lock(); c.misses++; c.mu.Unlock() }
func (c *PersonaCache) countErr()  { c.mu.Lock(); c.errors++; c.mu.Unlock() }

func (c *PersonaCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Errors: c.errors}
	if c.observations > 0 {
		s.AvgLatencyMs = float64(c.totalLatency.Milliseconds()) / float64(c.observations)
	}
	return s
}

// get reads a JSON value into out. Returns ErrNotFound on miss.
func (c *PersonaCache) get(ctx context.Context, key string, out any) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	b, err := c.primary.Get(ctx, key)
	c.observe(start)
	if err == ErrNotFound {
		c.countMiss()
		return ErrNotFound
	}
	if err != nil {
		c.countErr()
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		c.countErr()
		return fmt.Errorf("failed to parse cached value at %s: %w", key, err)
	}
	c.countHit()
	return nil
}

// set writes a JSON value to the primary and mirrors it into the replica.
func (c *PersonaCache) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_ = c.replica.Set(ctx, key, b, ttl)

	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := time.Now()
	err = c.primary.Set(ctx, key, b, ttl)
	c.observe(start)
	if err != nil {
		c.countErr()
		return err
	}
	return nil
}

// GetAssignment looks up the persona assignment for a visitor.
func (c *PersonaCache) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	var a Assignment
	err := c.get(ctx, c.Key(KeyPersona, id), &a)
	return a, err
}

// SetAssignment stores a persona assignment with a confidence-driven TTL.
func (c *PersonaCache) SetAssignment(ctx context.Context, id string, a Assignment) error {
	return c.set(ctx, c.Key(KeyPersona, id), a, TTLForConfidence(a.Confidence))
}

// GetProfile looks up the full user profile.
func (c *PersonaCache) GetProfile(ctx context.Context, id string) (*persona.UserProfile, error) {
	var p persona.UserProfile
	if err := c.get(ctx, c.Key(KeyProfile, id), &p); err != nil {
		return nil, err
	}
	p.BehavioralPatterns = persona.CapPatterns(p.BehavioralPatterns)
	return &p, nil
}

// SetProfile stores a profile under an explicit TTL (freshly inferred
// profiles use the configured profile TTL rather than the confidence
// tiers).
func (c *PersonaCache) SetProfile(ctx context.Context, id string, p *persona.UserProfile, ttl time.Duration) error {
	return c.set(ctx, c.Key(KeyProfile, id), p, ttl)
}

// SetScores stores a score vector with a confidence-driven TTL.
func (c *PersonaCache) SetScores(ctx context.Context, id string, scores map[persona.Persona]float64, confidence float64) error {
	return c.set(ctx, c.Key(KeyScores, id), scores, TTLForConfidence(confidence))
}

// GetScores reads a stored score vector.
func (c *PersonaCache) GetScores(ctx context.Context, id string) (map[persona.Persona]float64, error) {
	scores := map[persona.Persona]float64{}
	err := c.get(ctx, c.Key(KeyScores, id), &scores)
	return scores, err
}

// AppendBehavior appends a pattern to the visitor's behavior log, capped at
// the newest MaxPatterns entries. Behavior entries use double the base TTL
// since they accumulate value over a longer window.
func (c *PersonaCache) AppendBehavior(ctx context.Context, id string, pattern persona.BehavioralPattern, confidence float64) error {
	key := c.Key(KeyBehavior, id)
	var patterns []persona.BehavioralPattern
	if err := c.get(ctx, key, &patterns); err != nil && err != ErrNotFound {
		return err
	}
	patterns = persona.CapPatterns(append(patterns, pattern))
	return c.set(ctx, key, patterns, 2*TTLForConfidence(confidence))
}

// GetBehavior reads the stored behavior log.
func (c *PersonaCache) GetBehavior(ctx context.Context, id string) ([]persona.BehavioralPattern, error) {
	var patterns []persona.BehavioralPattern
	err := c.get(ctx, c.Key(KeyBehavior, id), &patterns)
	return patterns, err
}

// LastKnownAssignment reads the local replica only: the last-known-good
// value served when the classifier picks the "cached" fallback level while
// the primary store is unreachable.
func (c *PersonaCache) LastKnownAssignment(ctx context.Context, id string) (Assignment, bool) {
	b, err := c.replica.Get(ctx, c.Key(KeyPersona, id))
	if err != nil {
		return Assignment{}, false
	}
	var a Assignment
	if err := json.Unmarshal(b, &a); err != nil {
		return Assignment{}, false
	}
	return a, true
}

// LastKnownBehavior reads the behavior log from the local replica only,
// for inference while the primary store is unreachable.
func (c *PersonaCache) LastKnownBehavior(ctx context.Context, id string) []persona.BehavioralPattern {
	b, err := c.replica.Get(ctx, c.Key(KeyBehavior, id))
	if err != nil {
		return nil
	}
	var patterns []persona.BehavioralPattern
	if err := json.Unmarshal(b, &patterns); err != nil {
		return nil
	}
	return patterns
}

// Invalidate removes every record for a visitor from the primary and the
// replica. Operator action, not part of the request path.
func (c *PersonaCache) Invalidate(ctx context.Context, id string) error {
	var firstErr error
	for _, t := range []KeyType{KeyPersona, KeyProfile, KeyScores, KeyBehavior} {
		key := c.Key(t, id)
		_ = c.replica.Delete(ctx, key)
		bctx, cancel := c.bound(ctx)
		err := c.primary.Delete(bctx, key)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sweep drops expired entries from the replica, and from the primary when
// it is the in-process store. Redis expires its own keys.
func (c *PersonaCache) Sweep() {
	c.replica.Sweep()
	if m, ok := c.primary.(*MemoryStore); ok {
		m.Sweep()
	}
}

// StartSweep runs Sweep on an interval until stop is closed.
func (c *PersonaCache) StartSweep(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Ping checks primary store connectivity (readiness probes).
func (c *PersonaCache) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.primary.Ping(ctx)
}

func (c *PersonaCache) StoreName() string { return c.primary.Name() }
