package persona

import "time"

// Persona is one of the fixed visitor-intent categories used to select
// content variants. The declaration order is the deterministic tie-break
// order for scoring.
type Persona string

const (
	PriceConscious    Persona = "price-conscious"
	QualityFocused    Persona = "quality-focused"
	ConvenienceSeeker Persona = "convenience-seeker"
	TechSavvy         Persona = "tech-savvy"
	HealthConscious   Persona = "health-conscious"
	BudgetPlanner     Persona = "budget-planner"
	UrgentBuyer       Persona = "urgent-buyer"
	Researcher        Persona = "researcher"
)

// All lists every persona in declaration order.
var All = []Persona{
	PriceConscious,
	QualityFocused,
	ConvenienceSeeker,
	TechSavvy,
	HealthConscious,
	BudgetPlanner,
	UrgentBuyer,
	Researcher,
}

// Valid reports whether s is one of the fixed persona identifiers. Only
// valid values are trusted when asserted by a client cookie.
func Valid(s string) bool {
	for _, p := range All {
		if string(p) == s {
			return true
		}
	}
	return false
}

type EngagementLevel string

const (
	EngagementLow    EngagementLevel = "low"
	EngagementMedium EngagementLevel = "medium"
	EngagementHigh   EngagementLevel = "high"
)

// BehavioralPattern is a single observed signal, append-only within a
// profile.
type BehavioralPattern struct {
	Type      string    `json:"type"`
	Weight    float64   `json:"weight"`
	Value     string    `json:"value,omitempty"` // path or context
	Timestamp time.Time `json:"timestamp"`
}

// MaxPatterns caps the behavioral pattern log per profile; the oldest
// entry is evicted first.
const MaxPatterns = 50

// UserProfile is owned by the router for the duration of one request and
// persisted by the cache between requests, keyed by fingerprint hash or
// session id.
type UserProfile struct {
	PrimaryPersona        Persona             `json:"primary_persona"`
	ConfidenceScore       float64             `json:"confidence_score"`
	BehavioralPatterns    []BehavioralPattern `json:"behavioral_patterns,omitempty"`
	DemographicIndicators map[string]string   `json:"demographic_indicators,omitempty"`
	EngagementLevel       EngagementLevel     `json:"engagement_level,omitempty"`
	ConversionProbability float64             `json:"conversion_probability"`
	SessionID             string              `json:"session_id,omitempty"`
	LastUpdated           time.Time           `json:"last_updated"`
}

// AppendPattern appends p, evicting the oldest pattern once the log holds
// MaxPatterns entries.
func (u *UserProfile) AppendPattern(p BehavioralPattern) {
	u.BehavioralPatterns = append(u.BehavioralPatterns, p)
	if n := len(u.BehavioralPatterns); n > MaxPatterns {
		u.BehavioralPatterns = u.BehavioralPatterns[n-MaxPatterns:]
	}
}

// CapPatterns enforces the pattern cap on a list coming from storage.
func CapPatterns(patterns []BehavioralPattern) []BehavioralPattern {
	if n := len(patterns); n > MaxPatterns {
		return patterns[n-MaxPatterns:]
	}
	return patterns
}
