// Package resolve is the edge request router: on each request it runs the
// tiered resolution (explicit client persona cookie -> cache lookup ->
// fresh inference), applies rate limiting and bot filtering, and delegates
// to the circuit breaker when any step fails. Personalization failures
// never fail the underlying page request.
package resolve

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shortontech/gopersona/internal/breaker"
	"github.com/shortontech/gopersona/internal/cache"
	"github.com/shortontech/gopersona/internal/fingerprint"
	"github.com/shortontech/gopersona/internal/metrics"
	"github.com/shortontech/gopersona/internal/persona"
	"github.com/shortontech/gopersona/internal/ratelimit"
	"github.com/shortontech/gopersona/pkg/config"
)

// Resolution sources, surfaced in x-persona-source.
const (
	SourceClientCookie = "client-cookie"
	SourceRedisCache   = "redis-cache"
	SourceInferred     = "inferred"
	SourceDefault      = "default"
)

// Confidence levels fixed per source tier.
const (
	confidenceClientCookie = 0.85
	confidenceCacheHit     = 0.75
)

const (
	personaCookie = "user_persona"
	sessionCookie = "session_id"
)

// Resolution is the outcome of one request's pipeline run.
type Resolution struct {
	Persona     persona.Persona `json:"persona,omitempty"`
	Source      string          `json:"source"`
	Confidence  float64         `json:"confidence"`
	SessionID   string          `json:"session_id,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"` // first 16 hex chars only
	Decision    RoutingDecision `json:"decision"`
	Latency     time.Duration   `json:"-"`
	LatencyMs   int64           `json:"latency_ms"`

	Skipped     bool   `json:"skipped,omitempty"` // personalization globally disabled
	Bot         bool   `json:"bot,omitempty"`
	RateLimited bool   `json:"rate_limited,omitempty"`
	Err         string `json:"error,omitempty"`
}

// Resolver owns the per-instance pipeline state. All shared structures are
// injected, never package globals, so tests construct isolated instances.
type Resolver struct {
	cfg     config.Config
	gen     *fingerprint.Generator
	limiter *ratelimit.Limiter
	cache   *cache.PersonaCache
	cb      *breaker.CircuitBreaker
	metrics *metrics.Metrics

	async sync.WaitGroup
}

func New(cfg config.Config, personaCache *cache.PersonaCache, cb *breaker.CircuitBreaker, m *metrics.Metrics) *Resolver {
	return &Resolver{
		cfg:     cfg,
		gen:     fingerprint.NewGenerator(cfg.FingerprintSalt),
		limiter: ratelimit.NewLimiter(cfg.RateLimitWindow, cfg.RateLimitMax),
		cache:   personaCache,
		cb:      cb,
		metrics: m,
	}
}

// Limiter exposes the rate limiter for cleanup scheduling.
func (rs *Resolver) Limiter() *ratelimit.Limiter { return rs.limiter }

// FingerprintHash computes the full fingerprint hash for a request. The
// generator memoizes, so callers on the debug surface pay nothing extra.
func (rs *Resolver) FingerprintHash(r *http.Request) string {
	return rs.gen.Generate(r, rs.cfg.TrustProxy).Hash
}

// WaitAsync blocks until in-flight fire-and-forget writes settle. Used on
// shutdown and in tests; the request path never calls it.
func (rs *Resolver) WaitAsync() { rs.async.Wait() }

// Resolve runs the tiered pipeline for one request. It always returns a
// usable Resolution; any internal panic or error degrades to the default
// experience with the error noted, never an empty result.
func (rs *Resolver) Resolve(ctx context.Context, r *http.Request) (res Resolution) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = Resolution{
				Source:   SourceDefault,
				Decision: DefaultDecision(),
				Err:      fmt.Sprintf("panic: %v", rec),
			}
			rs.cb.RecordFallback()
			log.Printf("resolve: recovered: %v", rec)
		}
		res.Latency = time.Since(start)
		res.LatencyMs = res.Latency.Milliseconds()
		if rs.metrics != nil {
			rs.metrics.ObserveResolveDuration(res.Latency)
			rs.metrics.SetBreakerState(rs.cb.State().Ordinal())
		}
	}()

	if !rs.cfg.Enabled {
		return Resolution{Skipped: true, Source: SourceDefault, Decision: DefaultDecision()}
	}

	// Tier 1: explicit, validated client signal.
	if c, err := r.Cookie(personaCookie); err == nil && persona.Valid(c.Value) {
		return rs.resolveFromCookie(r, persona.Persona(c.Value))
	}

	fp := rs.gen.Generate(r, rs.cfg.TrustProxy)

	if !rs.limiter.Allow(fp.Hash) {
		if rs.metrics != nil {
			rs.metrics.RateLimited.Inc()
		}
		return Resolution{RateLimited: true, Source: SourceDefault, Decision: DefaultDecision(), Fingerprint: fp.ShortHash()}
	}

	if fingerprint.IsBotLikely(fp.Components) {
		if rs.metrics != nil {
			rs.metrics.BotRequests.Inc()
		}
		return Resolution{Bot: true, Source: SourceDefault, Decision: DefaultDecision(), Fingerprint: fp.ShortHash()}
	}

	sessionID := rs.sessionID(r, fp)

	if rs.cb.ProbeAfterCooldown() {
		log.Printf("resolve: breaker cooldown elapsed, trying the store again")
	}

	// Tier 2: distributed cache.
	assignment, err := rs.cache.GetAssignment(ctx, fp.Hash)
	if err == nil {
		rs.cb.RecordSuccess(time.Since(start))
		if rs.metrics != nil {
			rs.metrics.IncrementCacheOps("get", "hit")
			rs.metrics.IncrementResolutions(SourceRedisCache)
		}
		res := Resolution{
			Persona:     assignment.Persona,
			Source:      SourceRedisCache,
			Confidence:  confidenceCacheHit,
			SessionID:   sessionID,
			Fingerprint: fp.ShortHash(),
			Decision:    DecideRouting(assignment.Persona, r.URL.Path),
		}
		rs.backgroundRefresh(fp.Hash, sessionID, r.URL.Path, assignment)
		return res
	}
	if err != cache.ErrNotFound {
		return rs.degrade(ctx, err, fp, sessionID, r.URL.Path, start)
	}
	if rs.metrics != nil {
		rs.metrics.IncrementCacheOps("get", "miss")
	}

	// Tier 3: fresh inference (cold start).
	res = rs.infer(fp, sessionID, r.URL.Path, true, rs.historyForInference(ctx, fp.Hash))
	rs.cb.RecordSuccess(time.Since(start))
	return res
}

// resolveFromCookie trusts the validated cookie immediately and persists
// the assignment off the response path.
func (rs *Resolver) resolveFromCookie(r *http.Request, p persona.Persona) Resolution {
	fp := rs.gen.Generate(r, rs.cfg.TrustProxy)
	sessionID := rs.sessionID(r, fp)
	if rs.metrics != nil {
		rs.metrics.IncrementResolutions(SourceClientCookie)
	}

	rs.spawn("persist cookie persona", func(ctx context.Context) error {
		return rs.cache.SetAssignment(ctx, fp.Hash, cache.Assignment{
			Persona:    p,
			Confidence: confidenceClientCookie,
			Source:     SourceClientCookie,
			UpdatedAt:  time.Now(),
		})
	})

	return Resolution{
		Persona:     p,
		Source:      SourceClientCookie,
		Confidence:  confidenceClientCookie,
		SessionID:   sessionID,
		Fingerprint: fp.ShortHash(),
		Decision:    DecideRouting(p, r.URL.Path),
	}
}

// infer performs cold-start scoring from the current path plus whatever
// behavior history the caller could read, optionally persisting the fresh
// profile.
func (rs *Resolver) infer(fp fingerprint.Fingerprint, sessionID, path string, persist bool, history []persona.BehavioralPattern) Resolution {
	scores := persona.ScoreFromPath(path, history)

	var top persona.Persona
	var conf float64
	if max := maxScore(scores); max > 0 {
		top = persona.Winner(scores)
		conf = persona.InitialConfidence
	} else {
		top, conf = persona.InferInitialPersona(path, fp.Components.UserAgent)
	}

	if rs.metrics != nil {
		rs.metrics.IncrementResolutions(SourceInferred)
	}

	if persist {
		profile := &persona.UserProfile{
			PrimaryPersona:  top,
			ConfidenceScore: conf,
			EngagementLevel: persona.EngagementLow,
			SessionID:       sessionID,
			LastUpdated:     time.Now(),
			DemographicIndicators: map[string]string{
				"anon_ip":  fingerprint.AnonymizeIP(fp.Components.IP),
				"platform": fp.Components.Platform,
			},
		}
		pattern := persona.BehavioralPattern{
			Type: "pageview", Weight: 1, Value: path, Timestamp: time.Now(),
		}
		profile.AppendPattern(pattern)
		hash := fp.Hash
		assignment := cache.Assignment{Persona: top, Confidence: conf, Source: SourceInferred, UpdatedAt: time.Now()}
		rs.spawn("persist inferred profile", func(ctx context.Context) error {
			if err := rs.cache.SetProfile(ctx, hash, profile, rs.cfg.ProfileTTL); err != nil {
				return err
			}
			if err := rs.cache.AppendBehavior(ctx, hash, pattern, conf); err != nil {
				return err
			}
			if err := rs.cache.SetAssignment(ctx, hash, assignment); err != nil {
				return err
			}
			return rs.cache.SetScores(ctx, hash, scores, conf)
		})
	}

	return Resolution{
		Persona:     top,
		Source:      SourceInferred,
		Confidence:  conf,
		SessionID:   sessionID,
		Fingerprint: fp.ShortHash(),
		Decision:    DecideRouting(top, path),
	}
}

// degrade handles a failed cache step: record the failure, classify it,
// and serve the level the classifier picked.
func (rs *Resolver) degrade(ctx context.Context, err error, fp fingerprint.Fingerprint, sessionID, path string, start time.Time) Resolution {
	rs.cb.RecordFailure(time.Since(start))
	fallback := rs.cb.Classify(err)
	if rs.metrics != nil {
		rs.metrics.IncrementCacheOps("get", "error")
		rs.metrics.IncrementFallbacks(string(fallback.Reason))
	}
	log.Printf("resolve: cache failure (%s): %v", fallback.Reason, err)

	switch fallback.Level {
	case breaker.LevelCached:
		if a, ok := rs.cache.LastKnownAssignment(ctx, fp.Hash); ok {
			if rs.metrics != nil {
				rs.metrics.IncrementResolutions(SourceRedisCache)
			}
			return Resolution{
				Persona:     a.Persona,
				Source:      SourceRedisCache,
				Confidence:  confidenceCacheHit,
				SessionID:   sessionID,
				Fingerprint: fp.ShortHash(),
				Decision:    DecideRouting(a.Persona, path),
				Err:         string(fallback.Reason),
			}
		}
		fallthrough
	case breaker.LevelSimplified:
		if fallback.ShouldRetry {
			// Inference history comes from the replica here; re-reading the
			// store that just failed would burn another timeout.
			res := rs.infer(fp, sessionID, path, false, rs.cache.LastKnownBehavior(ctx, fp.Hash))
			res.Err = string(fallback.Reason)
			return res
		}
	}

	rs.cb.RecordFallback()
	if rs.metrics != nil {
		rs.metrics.IncrementResolutions(SourceDefault)
	}
	return Resolution{
		Source:      SourceDefault,
		SessionID:   sessionID,
		Fingerprint: fp.ShortHash(),
		Decision:    DefaultDecision(),
		Err:         string(fallback.Reason),
	}
}

// backgroundRefresh appends the current pageview to the behavior log and
// the stored profile, rescores the visitor, and refreshes the assignment
// when the stored profile went stale. Runs entirely off the response path.
func (rs *Resolver) backgroundRefresh(hash, sessionID, path string, assignment cache.Assignment) {
	rs.spawn("behavior refresh", func(ctx context.Context) error {
		pattern := persona.BehavioralPattern{
			Type: "pageview", Weight: 1, Value: path, Timestamp: time.Now(),
		}
		if err := rs.cache.AppendBehavior(ctx, hash, pattern, assignment.Confidence); err != nil {
			return err
		}

		history, err := rs.cache.GetBehavior(ctx, hash)
		if err != nil && err != cache.ErrNotFound {
			return err
		}
		scores := persona.ScoreFromPath(path, history)
		newTop := persona.Winner(scores)

		profile, err := rs.cache.GetProfile(ctx, hash)
		if err != nil && err != cache.ErrNotFound {
			return err
		}
		if profile == nil {
			// Assignment without a profile: cookie-sourced visitors, or the
			// profile key expired first.
			profile = &persona.UserProfile{
				PrimaryPersona:  assignment.Persona,
				ConfidenceScore: assignment.Confidence,
				EngagementLevel: persona.EngagementLow,
				SessionID:       sessionID,
				LastUpdated:     assignment.UpdatedAt,
			}
		}
		profile.AppendPattern(pattern)
		stale := persona.ShouldUpdateProfile(profile, newTop, time.Now())
		if stale {
			profile.PrimaryPersona = newTop
			profile.LastUpdated = time.Now()
		}
		if err := rs.cache.SetProfile(ctx, hash, profile, rs.cfg.ProfileTTL); err != nil {
			return err
		}
		if !stale {
			return nil
		}
		if err := rs.cache.SetScores(ctx, hash, scores, assignment.Confidence); err != nil {
			return err
		}
		return rs.cache.SetAssignment(ctx, hash, cache.Assignment{
			Persona:    newTop,
			Confidence: assignment.Confidence,
			Source:     SourceInferred,
			UpdatedAt:  time.Now(),
		})
	})
}

// historyForInference reads behavior history best-effort; a missing or
// unreadable log just means inference runs cold.
func (rs *Resolver) historyForInference(ctx context.Context, hash string) []persona.BehavioralPattern {
	history, err := rs.cache.GetBehavior(ctx, hash)
	if err != nil {
		return nil
	}
	return history
}

// sessionID reuses an existing session cookie verbatim, else synthesizes
// {first16CharsOfHash}-{epochMillis}.
func (rs *Resolver) sessionID(r *http.Request, fp fingerprint.Fingerprint) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return fp.ShortHash() + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// spawn runs a fire-and-forget cache write on its own bounded context.
// Best-effort, no delivery guarantee: failures are logged and counted,
// never surfaced to the response.
func (rs *Resolver) spawn(label string, fn func(ctx context.Context) error) {
	rs.async.Add(1)
	go func() {
		defer rs.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			if rs.metrics != nil {
				rs.metrics.IncrementCacheOps("set", "error")
			}
			log.Printf("resolve: %s: %v", label, err)
		}
	}()
}

func maxScore(scores map[persona.Persona]float64) float64 {
	max := 0.0
	for _, v := range scores {
		if v > max {
			max = v
		}
	}
	return max
}
