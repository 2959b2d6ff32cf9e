package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shortontech/gopersona/internal/persona"
)

// downStore simulates an unreachable primary.
type downStore struct{}

func (downStore) Name() string { return "down" }

func (downStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (downStore) Delete(context.Context, string) error { return errors.New("connection refused") }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestCache() *PersonaCache {
	return New(NewMemoryStore(), "test:", 100*time.Millisecond)
}

func TestTTLForConfidence(t *testing.T) {
	tests := []struct {
		confidence float64
		want       time.Duration
	}{
		{0.95, 4 * time.Hour},
		{0.8, 4 * time.Hour},
		{0.79, 2 * time.Hour},
		{0.6, 2 * time.Hour},
		{0.59, time.Hour},
		{0.3, time.Hour},
		{0.29, 30 * time.Minute},
		{0.0, 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f", tt.confidence), func(t *testing.T) {
			if got := TTLForConfidence(tt.confidence); got != tt.want {
				t.Errorf("TTLForConfidence(%v) = %v, want %v", tt.confidence, got, tt.want)
			}
		})
	}
}

func TestAssignmentRoundtrip(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	_, err := c.GetAssignment(ctx, "fp1")
	if err != ErrNotFound {
		t.Fatalf("GetAssignment on empty cache = %v, want ErrNotFound", err)
	}

	in := Assignment{
		Persona:    persona.TechSavvy,
		Confidence: 0.75,
		Source:     "redis-cache",
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := c.SetAssignment(ctx, "fp1", in); err != nil {
		t.Fatalf("SetAssignment: %v", err)
	}

	got, err := c.GetAssignment(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if got.Persona != in.Persona || got.Confidence != in.Confidence || got.Source != in.Source {
		t.Errorf("GetAssignment = %+v, want %+v", got, in)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestProfileRoundtrip(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	in := &persona.UserProfile{
		PrimaryPersona:  persona.Researcher,
		ConfidenceScore: 0.4,
		SessionID:       "abc-123",
		LastUpdated:     time.Now().UTC(),
	}
	for i := 0; i < persona.MaxPatterns+5; i++ {
		in.BehavioralPatterns = append(in.BehavioralPatterns, persona.BehavioralPattern{
			Type: "pageview", Value: fmt.Sprintf("/p%d", i),
		})
	}

	if err := c.SetProfile(ctx, "fp2", in, time.Hour); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	got, err := c.GetProfile(ctx, "fp2")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.PrimaryPersona != persona.Researcher {
		t.Errorf("PrimaryPersona = %s, want researcher", got.PrimaryPersona)
	}
	if len(got.BehavioralPatterns) != persona.MaxPatterns {
		t.Errorf("patterns = %d, want capped at %d", len(got.BehavioralPatterns), persona.MaxPatterns)
	}
}

func TestScoresRoundtrip(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	in := map[persona.Persona]float64{persona.PriceConscious: 1.0, persona.BudgetPlanner: 0.8}
	if err := c.SetScores(ctx, "fp3", in, 0.4); err != nil {
		t.Fatalf("SetScores: %v", err)
	}
	got, err := c.GetScores(ctx, "fp3")
	if err != nil {
		t.Fatalf("GetScores: %v", err)
	}
	if got[persona.PriceConscious] != 1.0 || got[persona.BudgetPlanner] != 0.8 {
		t.Errorf("GetScores = %v, want %v", got, in)
	}
}

func TestAppendBehaviorCap(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	for i := 0; i < persona.MaxPatterns+3; i++ {
		err := c.AppendBehavior(ctx, "fp4", persona.BehavioralPattern{
			Type: "pageview", Value: fmt.Sprintf("/p%d", i),
		}, 0.5)
		if err != nil {
			t.Fatalf("AppendBehavior %d: %v", i, err)
		}
	}

	got, err := c.GetBehavior(ctx, "fp4")
	if err != nil {
		t.Fatalf("GetBehavior: %v", err)
	}
	if len(got) != persona.MaxPatterns {
		t.Fatalf("len = %d, want %d", len(got), persona.MaxPatterns)
	}
	if got[0].Value != "/p3" {
		t.Errorf("oldest kept = %q, want /p3", got[0].Value)
	}
}

func TestCorruptValueClassifiesAsData(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, "test:", 100*time.Millisecond)
	ctx := context.Background()

	_ = store.Set(ctx, c.Key(KeyPersona, "fp5"), []byte("{not json"), time.Hour)

	_, err := c.GetAssignment(ctx, "fp5")
	if err == nil {
		t.Fatal("expected error for corrupt value")
	}
	if want := "failed to parse cached value at test:persona:fp5"; !strings.HasPrefix(err.Error(), want) {
		t.Errorf("error = %q, want prefix %q", err, want)
	}
	if c.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", c.Stats().Errors)
	}
}

func TestLastKnownAssignment(t *testing.T) {
	c := New(downStore{}, "test:", 100*time.Millisecond)
	ctx := context.Background()

	if _, ok := c.LastKnownAssignment(ctx, "fp6"); ok {
		t.Fatal("LastKnownAssignment on empty replica should miss")
	}

	// The primary write fails, but the replica is populated first.
	err := c.SetAssignment(ctx, "fp6", Assignment{
		Persona: persona.UrgentBuyer, Confidence: 0.85, Source: "client-cookie",
	})
	if err == nil {
		t.Fatal("SetAssignment against a down primary should error")
	}

	got, ok := c.LastKnownAssignment(ctx, "fp6")
	if !ok {
		t.Fatal("LastKnownAssignment should serve the replica copy")
	}
	if got.Persona != persona.UrgentBuyer {
		t.Errorf("Persona = %s, want urgent-buyer", got.Persona)
	}
}

func TestPingReflectsPrimary(t *testing.T) {
	ctx := context.Background()
	if err := newTestCache().Ping(ctx); err != nil {
		t.Errorf("Ping on memory store = %v, want nil", err)
	}
	if err := New(downStore{}, "test:", time.Millisecond).Ping(ctx); err == nil {
		t.Error("Ping on down store = nil, want error")
	}
}

func TestLastKnownBehavior(t *testing.T) {
	c := New(downStore{}, "test:", 100*time.Millisecond)
	ctx := context.Background()

	if got := c.LastKnownBehavior(ctx, "fp7"); got != nil {
		t.Fatalf("LastKnownBehavior on empty replica = %v, want nil", got)
	}

	// The primary append fails, but the replica keeps the log.
	_ = c.AppendBehavior(ctx, "fp7", persona.BehavioralPattern{Type: "pageview", Value: "/docs"}, 0.5)
	_ = c.AppendBehavior(ctx, "fp7", persona.BehavioralPattern{Type: "pageview", Value: "/docs/api"}, 0.5)

	got := c.LastKnownBehavior(ctx, "fp7")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[1].Value != "/docs/api" {
		t.Errorf("newest entry = %q, want /docs/api", got[1].Value)
	}
}

func TestInvalidateRemovesAllKeys(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	_ = c.SetAssignment(ctx, "fp8", Assignment{Persona: persona.TechSavvy, Confidence: 0.75})
	_ = c.SetProfile(ctx, "fp8", &persona.UserProfile{PrimaryPersona: persona.TechSavvy}, time.Hour)
	_ = c.SetScores(ctx, "fp8", map[persona.Persona]float64{persona.TechSavvy: 1.0}, 0.75)
	_ = c.AppendBehavior(ctx, "fp8", persona.BehavioralPattern{Type: "pageview", Value: "/docs"}, 0.75)

	if err := c.Invalidate(ctx, "fp8"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if _, err := c.GetAssignment(ctx, "fp8"); err != ErrNotFound {
		t.Errorf("GetAssignment after invalidate = %v, want ErrNotFound", err)
	}
	if _, err := c.GetProfile(ctx, "fp8"); err != ErrNotFound {
		t.Errorf("GetProfile after invalidate = %v, want ErrNotFound", err)
	}
	if _, err := c.GetScores(ctx, "fp8"); err != ErrNotFound {
		t.Errorf("GetScores after invalidate = %v, want ErrNotFound", err)
	}
	if _, ok := c.LastKnownAssignment(ctx, "fp8"); ok {
		t.Error("replica still serves the invalidated assignment")
	}
	if got := c.LastKnownBehavior(ctx, "fp8"); got != nil {
		t.Errorf("replica still serves invalidated behavior: %v", got)
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, "test:", 100*time.Millisecond)
	ctx := context.Background()

	_ = c.SetProfile(ctx, "stale", &persona.UserProfile{PrimaryPersona: persona.Researcher}, time.Millisecond)
	_ = c.SetProfile(ctx, "live", &persona.UserProfile{PrimaryPersona: persona.Researcher}, time.Hour)
	time.Sleep(5 * time.Millisecond)

	// Expired but still resident until swept.
	if store.Len() != 2 {
		t.Fatalf("Len before sweep = %d, want 2", store.Len())
	}
	c.Sweep()
	if store.Len() != 1 {
		t.Errorf("primary Len after sweep = %d, want 1", store.Len())
	}
	if c.replica.Len() != 1 {
		t.Errorf("replica Len after sweep = %d, want 1", c.replica.Len())
	}

	t.Run("periodic sweep", func(t *testing.T) {
		_ = c.SetProfile(ctx, "stale2", &persona.UserProfile{}, time.Millisecond)
		stop := make(chan struct{})
		defer close(stop)
		c.StartSweep(5*time.Millisecond, stop)
		time.Sleep(50 * time.Millisecond)
		if store.Len() != 1 {
			t.Errorf("primary Len = %d, want 1 after the ticker fires", store.Len())
		}
	})
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}

	_ = s.Set(ctx, "stale", []byte("v"), time.Millisecond)
	_ = s.Set(ctx, "live", []byte("v"), time.Hour)
	time.Sleep(5 * time.Millisecond)
	s.Sweep()
	if s.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", s.Len())
	}
}
