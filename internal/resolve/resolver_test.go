package resolve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shortontech/gopersona/internal/breaker"
	"github.com/shortontech/gopersona/internal/cache"
	"github.com/shortontech/gopersona/internal/persona"
	"github.com/shortontech/gopersona/internal/ratelimit"
	"github.com/shortontech/gopersona/pkg/config"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36"

func testConfig() config.Config {
	return config.Config{
		Enabled:         true,
		FingerprintSalt: "test-salt",
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		CacheTimeout:    100 * time.Millisecond,
		ProfileTTL:      time.Hour,
	}
}

func newTestResolver(store cache.Store) (*Resolver, *breaker.CircuitBreaker, *cache.PersonaCache) {
	cfg := testConfig()
	pc := cache.New(store, "test:", cfg.CacheTimeout)
	cb := breaker.New(breaker.DefaultConfig())
	return New(cfg, pc, cb, nil), cb, pc
}

func newPageRequest(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.RemoteAddr = "203.0.113.42:54321"
	r.Header.Set("User-Agent", chromeUA)
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	return r
}

func TestResolveDisabled(t *testing.T) {
	rs, _, _ := newTestResolver(cache.NewMemoryStore())
	rs.cfg.Enabled = false

	res := rs.Resolve(context.Background(), newPageRequest("/pricing"))
	if !res.Skipped {
		t.Error("Skipped = false, want true when personalization is disabled")
	}
	if res.Decision.Strategy != StrategyDefault {
		t.Errorf("Strategy = %q, want default", res.Decision.Strategy)
	}
}

func TestResolveCookieTier(t *testing.T) {
	rs, _, pc := newTestResolver(cache.NewMemoryStore())

	r := newPageRequest("/pricing")
	r.AddCookie(&http.Cookie{Name: "user_persona", Value: "urgent-buyer"})

	res := rs.Resolve(context.Background(), r)

	if res.Persona != persona.UrgentBuyer {
		t.Errorf("Persona = %s, want urgent-buyer", res.Persona)
	}
	if res.Source != SourceClientCookie {
		t.Errorf("Source = %q, want client-cookie", res.Source)
	}
	if res.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", res.Confidence)
	}

	// The assignment persists off the response path.
	rs.WaitAsync()
	fp := rs.gen.Generate(r, false)
	a, err := pc.GetAssignment(context.Background(), fp.Hash)
	if err != nil {
		t.Fatalf("GetAssignment after cookie resolve: %v", err)
	}
	if a.Persona != persona.UrgentBuyer || a.Source != SourceClientCookie {
		t.Errorf("persisted assignment = %+v", a)
	}
}

func TestResolveInvalidCookieIgnored(t *testing.T) {
	rs, _, _ := newTestResolver(cache.NewMemoryStore())

	r := newPageRequest("/pricing")
	r.AddCookie(&http.Cookie{Name: "user_persona", Value: "superuser"})

	res := rs.Resolve(context.Background(), r)
	if res.Source == SourceClientCookie {
		t.Error("unvalidated cookie value was trusted")
	}
}

func TestResolveColdStart(t *testing.T) {
	rs, _, _ := newTestResolver(cache.NewMemoryStore())

	res := rs.Resolve(context.Background(), newPageRequest("/pricing"))

	if res.Source != SourceInferred {
		t.Errorf("Source = %q, want inferred", res.Source)
	}
	// Pricing scores price-conscious and budget-planner equally; the
	// tie breaks to the earlier persona.
	if res.Persona != persona.PriceConscious {
		t.Errorf("Persona = %s, want price-conscious", res.Persona)
	}
	if res.Confidence != persona.InitialConfidence {
		t.Errorf("Confidence = %v, want %v", res.Confidence, persona.InitialConfidence)
	}
	if res.Decision.Strategy != StrategyVariant {
		t.Errorf("Strategy = %q, want variant", res.Decision.Strategy)
	}
	rs.WaitAsync()
}

func TestResolveCacheHit(t *testing.T) {
	rs, cb, _ := newTestResolver(cache.NewMemoryStore())

	first := rs.Resolve(context.Background(), newPageRequest("/pricing"))
	if first.Source != SourceInferred {
		t.Fatalf("first Source = %q, want inferred", first.Source)
	}
	rs.WaitAsync()

	second := rs.Resolve(context.Background(), newPageRequest("/pricing"))
	if second.Source != SourceRedisCache {
		t.Errorf("second Source = %q, want redis-cache", second.Source)
	}
	if second.Confidence != 0.75 {
		t.Errorf("Confidence = %v, want 0.75", second.Confidence)
	}
	if second.Persona != first.Persona {
		t.Errorf("Persona changed across hits: %s vs %s", second.Persona, first.Persona)
	}
	rs.WaitAsync()

	if cb.State() != breaker.StateClosed {
		t.Errorf("breaker state = %s, want closed", cb.State())
	}
}

func TestRepeatVisitsGrowStoredProfile(t *testing.T) {
	rs, _, pc := newTestResolver(cache.NewMemoryStore())
	ctx := context.Background()

	rs.Resolve(ctx, newPageRequest("/pricing"))
	rs.WaitAsync()

	fp := rs.gen.Generate(newPageRequest("/pricing"), false)
	initial, err := pc.GetProfile(ctx, fp.Hash)
	if err != nil {
		t.Fatalf("GetProfile after cold start: %v", err)
	}
	if len(initial.BehavioralPatterns) != 1 {
		t.Fatalf("cold-start patterns = %d, want 1", len(initial.BehavioralPatterns))
	}
	if behavior, err := pc.GetBehavior(ctx, fp.Hash); err != nil || len(behavior) != 1 {
		t.Fatalf("cold-start behavior = %d entries, err %v, want 1", len(behavior), err)
	}

	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		res := rs.Resolve(ctx, newPageRequest("/pricing"))
		if res.Source != SourceRedisCache {
			t.Fatalf("visit %d Source = %q, want redis-cache", i+2, res.Source)
		}
		rs.WaitAsync()
	}

	got, err := pc.GetProfile(ctx, fp.Hash)
	if err != nil {
		t.Fatalf("GetProfile after repeat visits: %v", err)
	}
	if len(got.BehavioralPatterns) != 4 {
		t.Errorf("patterns = %d, want 4 after 4 visits", len(got.BehavioralPatterns))
	}
	if !got.LastUpdated.After(initial.LastUpdated) {
		t.Errorf("LastUpdated did not advance: %v vs %v", got.LastUpdated, initial.LastUpdated)
	}
	if behavior, err := pc.GetBehavior(ctx, fp.Hash); err != nil || len(behavior) != 4 {
		t.Errorf("behavior = %d entries, err %v, want 4", len(behavior), err)
	}
}

func TestResolveRateLimited(t *testing.T) {
	rs, _, _ := newTestResolver(cache.NewMemoryStore())
	rs.limiter = ratelimit.NewLimiter(time.Minute, 2)

	ctx := context.Background()
	rs.Resolve(ctx, newPageRequest("/"))
	rs.Resolve(ctx, newPageRequest("/"))
	res := rs.Resolve(ctx, newPageRequest("/"))

	if !res.RateLimited {
		t.Error("RateLimited = false, want true on third request")
	}
	if res.Persona != "" {
		t.Errorf("Persona = %s, want empty for rate-limited request", res.Persona)
	}
	rs.WaitAsync()
}

func TestResolveBotSkipped(t *testing.T) {
	rs, _, pc := newTestResolver(cache.NewMemoryStore())

	r := newPageRequest("/pricing")
	r.Header.Set("User-Agent", "curl/8.4.0")

	res := rs.Resolve(context.Background(), r)
	if !res.Bot {
		t.Error("Bot = false, want true for curl")
	}
	if res.Persona != "" {
		t.Errorf("Persona = %s, want empty for bot", res.Persona)
	}
	rs.WaitAsync()

	// Bots never touch the persona store.
	fp := rs.gen.Generate(r, false)
	if _, err := pc.GetAssignment(context.Background(), fp.Hash); err != cache.ErrNotFound {
		t.Errorf("bot left a cache entry: %v", err)
	}
}

func TestResolveDegradeServesLastKnown(t *testing.T) {
	store := &flakyStore{inner: cache.NewMemoryStore()}
	rs, cb, pc := newTestResolver(store)

	// Seed the replica through a write while the primary is down; the
	// primary write fails but the local copy sticks.
	fp := rs.gen.Generate(newPageRequest("/pricing"), false)
	store.down = true
	_ = pc.SetAssignment(context.Background(), fp.Hash, cache.Assignment{
		Persona: persona.TechSavvy, Confidence: 0.75, Source: SourceInferred, UpdatedAt: time.Now(),
	})

	res := rs.Resolve(context.Background(), newPageRequest("/pricing"))

	if res.Persona != persona.TechSavvy {
		t.Errorf("Persona = %s, want last-known tech-savvy", res.Persona)
	}
	if res.Source != SourceRedisCache {
		t.Errorf("Source = %q, want redis-cache", res.Source)
	}
	if res.Err != string(breaker.ReasonNetwork) {
		t.Errorf("Err = %q, want network", res.Err)
	}
	if cb.Snapshot().TotalErrors != 1 {
		t.Errorf("TotalErrors = %d, want 1", cb.Snapshot().TotalErrors)
	}
	rs.WaitAsync()
}

func TestResolveDegradeFallsBackToInference(t *testing.T) {
	store := &flakyStore{inner: cache.NewMemoryStore(), down: true}
	rs, _, _ := newTestResolver(store)

	// No replica entry exists, so the cached level falls through to a
	// fresh inference.
	res := rs.Resolve(context.Background(), newPageRequest("/pricing"))

	if res.Source != SourceInferred {
		t.Errorf("Source = %q, want inferred", res.Source)
	}
	if res.Persona != persona.PriceConscious {
		t.Errorf("Persona = %s, want price-conscious", res.Persona)
	}
	if res.Err == "" {
		t.Error("Err empty, want the classifier reason noted")
	}
	rs.WaitAsync()
}

func TestResolveDefaultAfterBreakerOpens(t *testing.T) {
	store := &flakyStore{inner: cache.NewMemoryStore(), down: true}
	rs, cb, _ := newTestResolver(store)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		rs.Resolve(ctx, newPageRequest("/pricing"))
	}
	res := rs.Resolve(ctx, newPageRequest("/pricing"))

	if cb.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", cb.State())
	}
	if res.Source != SourceDefault {
		t.Errorf("Source = %q, want default while breaker is open", res.Source)
	}
	if res.Err != string(breaker.ReasonBreakerOpen) {
		t.Errorf("Err = %q, want circuit-breaker-open", res.Err)
	}
	rs.WaitAsync()
}

func TestResolveRecoversAfterCooldown(t *testing.T) {
	store := &flakyStore{inner: cache.NewMemoryStore(), down: true}
	cfg := testConfig()
	pc := cache.New(store, "test:", cfg.CacheTimeout)
	cb := breaker.New(breaker.Config{MaxErrors: 2, RecoveryThreshold: 1, Cooldown: 20 * time.Millisecond})
	rs := New(cfg, pc, cb, nil)

	ctx := context.Background()
	rs.Resolve(ctx, newPageRequest("/pricing"))
	rs.Resolve(ctx, newPageRequest("/pricing"))
	if cb.State() != breaker.StateOpen {
		t.Fatalf("state = %s, want open after repeated failures", cb.State())
	}

	store.down = false
	time.Sleep(30 * time.Millisecond)

	res := rs.Resolve(ctx, newPageRequest("/pricing"))
	if res.Source != SourceInferred {
		t.Errorf("Source = %q, want inferred once the store answers again", res.Source)
	}
	if cb.State() != breaker.StateClosed {
		t.Errorf("state = %s, want closed after recovery", cb.State())
	}
	rs.WaitAsync()
}

func TestDegradedInferenceSkipsStoreReads(t *testing.T) {
	store := &flakyStore{inner: cache.NewMemoryStore()}
	rs, _, pc := newTestResolver(store)
	ctx := context.Background()

	fp := rs.gen.Generate(newPageRequest("/pricing"), false)
	_ = pc.AppendBehavior(ctx, fp.Hash, persona.BehavioralPattern{
		Type: "pageview", Weight: 1, Value: "/pricing", Timestamp: time.Now(),
	}, 0.4)

	store.down = true
	before := store.gets

	res := rs.Resolve(ctx, newPageRequest("/pricing"))
	if res.Source != SourceInferred {
		t.Fatalf("Source = %q, want inferred", res.Source)
	}
	// One read for the assignment lookup; inference history comes from the
	// replica, not another doomed round-trip against the failed store.
	if got := store.gets - before; got != 1 {
		t.Errorf("store reads during degraded resolve = %d, want 1", got)
	}
	rs.WaitAsync()
}

func TestSessionID(t *testing.T) {
	rs, _, _ := newTestResolver(cache.NewMemoryStore())

	t.Run("existing cookie reused", func(t *testing.T) {
		r := newPageRequest("/")
		r.AddCookie(&http.Cookie{Name: "session_id", Value: "existing-session"})
		fp := rs.gen.Generate(r, false)
		if got := rs.sessionID(r, fp); got != "existing-session" {
			t.Errorf("sessionID = %q, want existing-session", got)
		}
	})

	t.Run("synthesized format", func(t *testing.T) {
		r := newPageRequest("/")
		fp := rs.gen.Generate(r, false)
		got := rs.sessionID(r, fp)

		parts := strings.SplitN(got, "-", 2)
		if len(parts) != 2 {
			t.Fatalf("sessionID = %q, want hash-millis", got)
		}
		if parts[0] != fp.ShortHash() {
			t.Errorf("prefix = %q, want %q", parts[0], fp.ShortHash())
		}
		if len(parts[1]) != 13 {
			t.Errorf("suffix = %q, want 13-digit epoch millis", parts[1])
		}
	})
}

// flakyStore fails every operation while down and counts read attempts.
type flakyStore struct {
	inner *cache.MemoryStore
	down  bool
	gets  int
}

func (s *flakyStore) Name() string { return "flaky" }

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets++
	if s.down {
		return nil, errNetwork
	}
	return s.inner.Get(ctx, key)
}

func (s *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.down {
		return errNetwork
	}
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	if s.down {
		return errNetwork
	}
	return s.inner.Delete(ctx, key)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.down {
		return errNetwork
	}
	return nil
}

var errNetwork = &netError{}

type netError struct{}

func (*netError) Error() string { return "dial tcp: connect: connection refused" }
