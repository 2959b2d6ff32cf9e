package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerAddr  string
	Enabled     bool // master switch: when false every request passes through unpersonalized
	Debug       bool
	Environment string // "development", "staging", "production"
	TrustProxy  bool

	FingerprintSalt string

	// Middleware mode: forward requests to an origin after stamping
	// decision headers.
	MiddlewareMode     bool
	ForwardDestination string

	// Rate limiting (per fingerprint hash, fixed window).
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Circuit breaker.
	BreakerMaxErrors         int
	BreakerRecoveryThreshold int
	BreakerCooldown          time.Duration

	// Persona cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CachePrefix   string
	CacheTimeout  time.Duration // per-operation budget against the store
	ProfileTTL    time.Duration // TTL for freshly inferred profiles

	Outputs []string // enabled sinks: log, kafka, postgres
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}

func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// getSeconds reads an integer env var expressed in seconds.
func getSeconds(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// getHours reads an integer env var expressed in hours.
func getHours(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Hour
		}
	}
	return def
}

// getMillis reads an integer env var expressed in milliseconds.
func getMillis(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func Load() Config {
	return Config{
		ServerAddr:  getOr("SERVER_ADDR", ":19891"),
		Enabled:     getBool("PERSONALIZATION_ENABLED", true),
		Debug:       getBool("DEBUG", false),
		Environment: getOr("ENVIRONMENT", "development"),
		TrustProxy:  getBool("TRUST_PROXY", false),

		FingerprintSalt: getOr("FINGERPRINT_SALT", "gopersona-v1"),

		MiddlewareMode:     getBool("MIDDLEWARE_MODE", false),
		ForwardDestination: getOr("FORWARD_DESTINATION", ""),

		RateLimitWindow: getSeconds("RATE_LIMIT_WINDOW_SECONDS", 60*time.Second),
		RateLimitMax:    getInt("RATE_LIMIT_MAX", 100),

		BreakerMaxErrors:         getInt("CB_MAX_ERRORS", 5),
		BreakerRecoveryThreshold: getInt("CB_RECOVERY_THRESHOLD", 3),
		BreakerCooldown:          getSeconds("CB_COOLDOWN_SECONDS", 60*time.Second),

		RedisAddr:     getOr("REDIS_ADDR", ""), // empty: in-memory store only
		RedisPassword: getOr("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		CachePrefix:   getOr("CACHE_PREFIX", "gopersona:"),
		CacheTimeout:  getMillis("CACHE_TIMEOUT_MS", 25*time.Millisecond),
		ProfileTTL:    getHours("PROFILE_TTL_HOURS", 24*time.Hour),

		Outputs: getStringSlice("OUTPUTS", "log"),
	}
}
