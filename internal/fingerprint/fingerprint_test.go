package fingerprint

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36"

func newRequest(ua string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	r.RemoteAddr = "203.0.113.42:54321"
	if ua != "" {
		r.Header.Set("User-Agent", ua)
	}
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	r.Header.Set("Accept-Encoding", "gzip, deflate, br")
	return r
}

func TestGenerateDeterministic(t *testing.T) {
	g := NewGenerator("test-salt")

	a := g.Generate(newRequest(chromeUA), false)
	b := g.Generate(newRequest(chromeUA), false)

	if a.Hash != b.Hash {
		t.Errorf("identical requests hashed differently: %s vs %s", a.Hash, b.Hash)
	}
	if len(a.Hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a.Hash))
	}
	if len(a.ShortHash()) != 16 {
		t.Errorf("short hash length = %d, want 16", len(a.ShortHash()))
	}
}

func TestGenerateSaltChangesHash(t *testing.T) {
	a := NewGenerator("salt-a").Generate(newRequest(chromeUA), false)
	b := NewGenerator("salt-b").Generate(newRequest(chromeUA), false)
	if a.Hash == b.Hash {
		t.Error("different salts produced the same hash")
	}
}

func TestGenerateDifferentClientsDiffer(t *testing.T) {
	g := NewGenerator("test-salt")

	a := g.Generate(newRequest(chromeUA), false)

	r := newRequest(chromeUA)
	r.RemoteAddr = "198.51.100.7:1234"
	b := g.Generate(r, false)

	if a.Hash == b.Hash {
		t.Error("different IPs produced the same hash")
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		c    Components
		want float64
	}{
		{"no signals", Components{}, 0.3},
		{"ua only", Components{UserAgent: chromeUA}, 0.6},
		{"ua and ip", Components{UserAgent: chromeUA, IP: "203.0.113.42"}, 0.8},
		{"ua ip lang", Components{UserAgent: chromeUA, IP: "203.0.113.42", AcceptLanguage: "en-US"}, 0.9},
		{"one hint", Components{UserAgent: chromeUA, IP: "203.0.113.42", AcceptLanguage: "en-US", Timezone: "America/New_York"}, 0.95},
		{"two hints", Components{UserAgent: chromeUA, IP: "203.0.113.42", AcceptLanguage: "en-US", Timezone: "America/New_York", Platform: "Windows"}, 1.0},
		{"capped at one", Components{
			UserAgent: chromeUA, IP: "203.0.113.42", AcceptLanguage: "en-US",
			Timezone: "America/New_York", Platform: "Windows", ScreenHint: "1920",
			ColorDepth: "24", DeviceMemory: "8",
		}, 1.0},
	}

	const eps = 1e-9
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := confidence(tt.c)
			if diff := got - tt.want; diff > eps || diff < -eps {
				t.Errorf("confidence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsBotLikely(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want bool
	}{
		{"empty ua", "", true},
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1)", true},
		{"curl", "curl/8.4.0", true},
		{"headless chrome", "Mozilla/5.0 HeadlessChrome/120.0", true},
		{"python requests", "python-requests/2.31", true},
		{"go client", "Go-http-client/2.0", true},
		{"real chrome", chromeUA, false},
		{"real safari", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Safari/604.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBotLikely(Components{UserAgent: tt.ua}); got != tt.want {
				t.Errorf("IsBotLikely(%q) = %v, want %v", tt.ua, got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	t.Run("remote addr by default", func(t *testing.T) {
		r := newRequest(chromeUA)
		r.Header.Set("X-Forwarded-For", "10.0.0.1")
		if got := ClientIP(r, false); got != "203.0.113.42" {
			t.Errorf("ClientIP = %q, want 203.0.113.42", got)
		}
	})

	t.Run("cf header wins with trusted proxy", func(t *testing.T) {
		r := newRequest(chromeUA)
		r.Header.Set("CF-Connecting-IP", "198.51.100.9")
		r.Header.Set("X-Forwarded-For", "10.0.0.1")
		if got := ClientIP(r, true); got != "198.51.100.9" {
			t.Errorf("ClientIP = %q, want 198.51.100.9", got)
		}
	})

	t.Run("first xff hop", func(t *testing.T) {
		r := newRequest(chromeUA)
		r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
		if got := ClientIP(r, true); got != "198.51.100.9" {
			t.Errorf("ClientIP = %q, want 198.51.100.9", got)
		}
	})
}

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.42", "203.0.113.0"},
		{"10.1.2.3", "10.1.2.0"},
		{"2001:db8:85a3::8a2e:370:7334", "2001:db8:85a3::8a2e:0:0"},
		{"not-an-ip", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := AnonymizeIP(tt.in); got != tt.want {
				t.Errorf("AnonymizeIP(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
