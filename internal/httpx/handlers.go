package httpx

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/shortontech/gopersona/internal/breaker"
	"github.com/shortontech/gopersona/internal/cache"
	"github.com/shortontech/gopersona/internal/event"
	"github.com/shortontech/gopersona/internal/fingerprint"
	"github.com/shortontech/gopersona/internal/health"
	"github.com/shortontech/gopersona/internal/metrics"
	"github.com/shortontech/gopersona/internal/persona"
	"github.com/shortontech/gopersona/internal/resolve"
	cfg "github.com/shortontech/gopersona/pkg/config"
)

type Env struct {
	Cfg      cfg.Config
	Resolver *resolve.Resolver
	Breaker  *breaker.CircuitBreaker
	Cache    *cache.PersonaCache
	Metrics  *metrics.Metrics
	Emit     func(event.Event) // injected sink fan-out
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Cache != nil {
		if err := e.Cache.Ping(r.Context()); err != nil {
			// Degraded, not down: the pipeline serves defaults without the store.
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "ready (store %s unreachable)", e.Cache.StoreName())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Decide runs the resolution pipeline and answers with the decision
// headers: CDN workers and page renderers read those, not the body.
func (e Env) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// CDN workers pass the page being served; without it the endpoint's
	// own path would feed the scorer.
	if p := r.URL.Query().Get("path"); p != "" {
		r = r.Clone(r.Context())
		r.URL.Path = p
	}

	res := e.Resolver.Resolve(r.Context(), r)
	applyDecisionHeaders(w.Header(), res)
	e.emitResolution(r, res)

	if res.RateLimited {
		writeRateLimited(w)
		return
	}

	if e.Cfg.Debug || r.URL.Query().Get("debug") == "true" {
		payload := struct {
			resolve.Resolution
			Scores map[persona.Persona]float64 `json:"scores,omitempty"`
		}{Resolution: res}
		if e.Cache != nil && !res.Skipped && !res.Bot {
			if scores, err := e.Cache.GetScores(r.Context(), e.Resolver.FingerprintHash(r)); err == nil {
				payload.Scores = scores
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PersonalizationHealth serves the health reporter's JSON shape plus the
// cache's rolling counters.
func (e Env) PersonalizationHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := health.GenerateReport(e.Breaker.Metrics())
	payload := struct {
		health.Report
		Cache cache.Stats `json:"cache"`
	}{Report: report}
	if e.Cache != nil {
		payload.Cache = e.Cache.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}

// PersonalizationReset zeroes the breaker counters. Gated to
// non-production environments.
func (e Env) PersonalizationReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.EqualFold(e.Cfg.Environment, "production") {
		http.Error(w, "reset disabled in production", http.StatusForbidden)
		return
	}

	e.Breaker.Reset()
	if e.Metrics != nil {
		e.Metrics.SetBreakerState(e.Breaker.State().Ordinal())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

// PersonalizationInvalidate drops every cached record for one fingerprint
// hash, so operators can purge a visitor (support requests, bad
// assignments) without flushing the whole store.
func (e Env) PersonalizationInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("fingerprint")
	if id == "" {
		http.Error(w, "missing fingerprint parameter", http.StatusBadRequest)
		return
	}
	if e.Cache == nil {
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := e.Cache.Invalidate(r.Context(), id); err != nil {
		log.Printf("httpx: invalidate %s: %v", id, err)
		http.Error(w, "invalidation failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "invalidated"})
}

// applyDecisionHeaders writes the pipeline outcome for downstream
// collaborators. Only the first 16 hex chars of the fingerprint ever leave
// the process.
func applyDecisionHeaders(h http.Header, res resolve.Resolution) {
	if res.Skipped {
		return
	}
	if res.Persona != "" {
		h.Set("x-user-persona", string(res.Persona))
	}
	h.Set("x-persona-source", res.Source)
	h.Set("x-persona-confidence", fmt.Sprintf("%.2f", res.Confidence))
	h.Set("x-personalization-latency", fmt.Sprintf("%dms", res.LatencyMs))
	if res.SessionID != "" {
		h.Set("x-session-id", res.SessionID)
	}
	if res.Fingerprint != "" {
		h.Set("x-fingerprint", res.Fingerprint)
	}
	h.Set("x-routing-strategy", res.Decision.Strategy)
	if res.Bot {
		h.Set("x-bot-detected", "1")
	}
	if res.Err != "" {
		h.Set("x-personalization-error", res.Err)
	}
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "60")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "rate_limited",
		"message": "Too many requests from this client. Retry after the window resets.",
	})
}

// emitResolution fans the outcome out to the configured sinks,
// best-effort.
func (e Env) emitResolution(r *http.Request, res resolve.Resolution) {
	if e.Emit == nil || res.Skipped {
		return
	}
	eventType := event.TypeResolution
	switch {
	case res.RateLimited:
		eventType = event.TypeRateLimited
	case res.Bot:
		eventType = event.TypeBot
	case res.Err != "":
		eventType = event.TypeError
	}
	ev := event.New(eventType)
	ev.SessionID = res.SessionID
	ev.Fingerprint = res.Fingerprint
	ev.Path = r.URL.Path
	ev.Persona = string(res.Persona)
	ev.Source = res.Source
	ev.Confidence = res.Confidence
	ev.Strategy = res.Decision.Strategy
	ev.LatencyMs = res.LatencyMs
	ev.Error = res.Err
	ev.AnonIP = fingerprint.AnonymizeIP(fingerprint.ClientIP(r, e.Cfg.TrustProxy))
	e.Emit(ev)
}
