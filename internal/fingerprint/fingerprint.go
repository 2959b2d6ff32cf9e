package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Components holds the header-derived signals that feed the fingerprint.
// Never includes cookies or client-executed data; purely header-derived,
// so it works at the edge without running any client JS.
type Components struct {
	UserAgent      string `json:"user_agent,omitempty"`
	AcceptLanguage string `json:"accept_language,omitempty"`
	AcceptEncoding string `json:"accept_encoding,omitempty"`
	IP             string `json:"ip,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	Platform       string `json:"platform,omitempty"`
	ScreenHint     string `json:"screen_hint,omitempty"`
	ColorDepth     string `json:"color_depth,omitempty"`
	DeviceMemory   string `json:"device_memory,omitempty"`
}

// Fingerprint identifies a likely-unique visitor. Immutable once created.
type Fingerprint struct {
	Hash       string     `json:"hash"`
	Components Components `json:"components"`
	Confidence float64    `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ShortHash returns the first 16 hex chars, the only form that ever leaves
// the process in a response header.
func (f Fingerprint) ShortHash() string {
	if len(f.Hash) < 16 {
		return f.Hash
	}
	return f.Hash[:16]
}

// Generator derives fingerprints from request headers. Memoizes briefly per
// (IP, user-agent) pair; an injected instance, not a package global, so
// tests construct isolated copies.
type Generator struct {
	salt    string
	memoTTL time.Duration

	mu   sync.Mutex
	memo map[string]memoEntry
}

type memoEntry struct {
	fp      Fingerprint
	created time.Time
}

func NewGenerator(salt string) *Generator {
	return &Generator{
		salt:    salt,
		memoTTL: 60 * time.Second,
		memo:    make(map[string]memoEntry),
	}
}

// ExtractComponents pulls the fingerprint signals out of the request.
// Optional client hints default to absent.
func ExtractComponents(r *http.Request, trustProxy bool) Components {
	h := r.Header
	return Components{
		UserAgent:      h.Get("User-Agent"),
		AcceptLanguage: h.Get("Accept-Language"),
		AcceptEncoding: h.Get("Accept-Encoding"),
		IP:             ClientIP(r, trustProxy),
		Timezone:       h.Get("X-Timezone"),
		Platform:       strings.Trim(h.Get("Sec-CH-UA-Platform"), `"`),
		ScreenHint:     h.Get("Viewport-Width"),
		ColorDepth:     h.Get("Sec-CH-Color-Depth"),
		DeviceMemory:   h.Get("Device-Memory"),
	}
}

// Generate is deterministic: two requests with identical header sets hash
// identically. The digest covers a canonically ordered, salt-suffixed
// concatenation so ordering changes never leak into unrelated fields.
func (g *Generator) Generate(r *http.Request, trustProxy bool) Fingerprint {
	c := ExtractComponents(r, trustProxy)
	return g.FromComponents(c)
}

// FromComponents derives the fingerprint for an already-extracted component
// set.
func (g *Generator) FromComponents(c Components) Fingerprint {
	key := c.IP + "|" + c.UserAgent
	now := time.Now()

	g.mu.Lock()
	if e, ok := g.memo[key]; ok && now.Sub(e.created) < g.memoTTL {
		g.mu.Unlock()
		return e.fp
	}
	g.mu.Unlock()

	fp := Fingerprint{
		Hash:       g.hash(c),
		Components: c,
		Confidence: confidence(c),
		Timestamp:  now,
	}

	g.mu.Lock()
	g.memo[key] = memoEntry{fp: fp, created: now}
	// Opportunistic eviction keeps the memo bounded without a sweeper.
	if len(g.memo) > 4096 {
		for k, e := range g.memo {
			if now.Sub(e.created) >= g.memoTTL {
				delete(g.memo, k)
			}
		}
	}
	g.mu.Unlock()

	return fp
}

// hash digests the components in a fixed canonical order with the salt
// appended. The full-precision IP is required here to distinguish visitors;
// anonymization applies only to stored geolocation signals.
func (g *Generator) hash(c Components) string {
	canonical := strings.Join([]string{
		c.UserAgent,
		c.AcceptLanguage,
		c.AcceptEncoding,
		c.IP,
		c.Timezone,
		c.Platform,
		c.ScreenHint,
	}, "|") + "|" + g.salt
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// confidence starts at a floor and accumulates fixed increments per
// available signal, capped at 1.0. Adding a signal never lowers it.
func confidence(c Components) float64 {
	score := 0.3
	if c.UserAgent != "" {
		score += 0.3
	}
	if c.IP != "" {
		score += 0.2
	}
	if c.AcceptLanguage != "" {
		score += 0.1
	}
	for _, hint := range []string{c.Timezone, c.Platform, c.ScreenHint, c.ColorDepth, c.DeviceMemory} {
		if hint != "" {
			score += 0.05
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// botMarkers is the fixed deny-list: crawler names, headless/automation
// tooling, and language-runtime client markers.
var botMarkers = []string{
	"bot", "crawler", "spider", "scraper",
	"curl", "wget", "headless", "phantom", "selenium",
	"python", "java/", "go-http-client", "node-fetch", "ruby", "perl", "php",
}

// IsBotLikely reports whether the user-agent matches the deny-list.
// No I/O; bot requests are short-circuited before any cache or scoring
// work.
func IsBotLikely(c Components) bool {
	if c.UserAgent == "" {
		return true
	}
	ua := strings.ToLower(c.UserAgent)
	for _, marker := range botMarkers {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// ClientIP extracts the client IP, honoring proxy headers only when the
// deployment says to trust them.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
			return strings.TrimSpace(cf)
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return strings.TrimSpace(xrip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// AnonymizeIP zeroes the host portion of an address: the last IPv4 octet or
// the last two IPv6 groups. Used for stored geolocation signals only, never
// for the fingerprint hash.
func AnonymizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	v6 := parsed.To16()
	masked := make(net.IP, len(v6))
	copy(masked, v6)
	for i := 12; i < 16; i++ {
		masked[i] = 0
	}
	return masked.String()
}
