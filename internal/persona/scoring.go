package persona

import (
	"strings"
	"time"
)

// Path-intent rules: fixed increments applied when the current navigation
// path matches a known intent. Substring matching on the lowercased path.
type pathRule struct {
	match    []string
	personas []Persona
	weight   float64
}

var pathRules = []pathRule{
	{match: []string{"/pricing", "/calculator", "/cost"}, personas: []Persona{PriceConscious, BudgetPlanner}, weight: 1.0},
	{match: []string{"/how-it-works", "/about", "/reviews"}, personas: []Persona{Researcher, QualityFocused}, weight: 1.0},
	{match: []string{"/consultation", "/book", "/appointment"}, personas: []Persona{UrgentBuyer, HealthConscious}, weight: 1.0},
	{match: []string{"/features", "/integrations", "/api"}, personas: []Persona{TechSavvy}, weight: 1.0},
	{match: []string{"/quick-start", "/get-started"}, personas: []Persona{ConvenienceSeeker}, weight: 1.0},
}

// Simplified keyword buckets applied to stored pattern history.
var historyBuckets = []struct {
	keyword  string
	personas []Persona
}{
	{"pricing", []Persona{PriceConscious, BudgetPlanner}},
	{"quality", []Persona{QualityFocused}},
	{"quick", []Persona{ConvenienceSeeker}},
}

const historyWeight = 0.2

// InitialConfidence is the fixed confidence assigned to cold-start
// inference, used only when neither a client-asserted persona nor a cache
// hit exists.
const InitialConfidence = 0.4

// ScoreFromPath converts the current navigation path plus stored pattern
// history into a normalized score vector over the fixed persona set.
// All returned values are in [0,1]; the leading persona scores exactly 1.0
// unless every raw score was 0 (scale-invariant regardless of absolute
// activity volume).
func ScoreFromPath(currentPath string, history []BehavioralPattern) map[Persona]float64 {
	scores := make(map[Persona]float64, len(All))
	for _, p := range All {
		scores[p] = 0
	}

	lower := strings.ToLower(currentPath)
	if lower == "/" || lower == "" {
		scores[ConvenienceSeeker] += 1.0
	}
	for _, rule := range pathRules {
		for _, m := range rule.match {
			if strings.Contains(lower, m) {
				for _, p := range rule.personas {
					scores[p] += rule.weight
				}
				break
			}
		}
	}

	for _, pattern := range history {
		value := strings.ToLower(pattern.Value)
		for _, bucket := range historyBuckets {
			if strings.Contains(value, bucket.keyword) {
				for _, p := range bucket.personas {
					scores[p] += historyWeight
				}
			}
		}
	}

	normalize(scores)
	return scores
}

// normalize divides every score by the maximum raw score (1 guards the
// all-zero vector), clamped to 1.0.
func normalize(scores map[Persona]float64) {
	max := 0.0
	for _, v := range scores {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return
	}
	for p, v := range scores {
		n := v / max
		if n > 1 {
			n = 1
		}
		scores[p] = n
	}
}

// Winner returns the persona with the highest score; ties break by
// declaration order so results are reproducible.
func Winner(scores map[Persona]float64) Persona {
	best := All[0]
	bestScore := scores[best]
	for _, p := range All[1:] {
		if scores[p] > bestScore {
			best = p
			bestScore = scores[p]
		}
	}
	return best
}

// InferInitialPersona guesses a persona from the path and device alone,
// with no behavioral history. Mobile devices lean convenience; everything
// else defaults to researcher.
func InferInitialPersona(path, userAgent string) (Persona, float64) {
	scores := ScoreFromPath(path, nil)
	for _, p := range All {
		if scores[p] > 0 {
			return Winner(scores), InitialConfidence
		}
	}
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone") {
		return ConvenienceSeeker, InitialConfidence
	}
	return Researcher, InitialConfidence
}

// staleness thresholds for stored profiles
const (
	updateAfter           = time.Hour
	updateBelowConfidence = 0.7
)

// ShouldUpdateProfile flags a stored profile for background refresh: the
// freshly computed top persona differs from the stored one, the profile is
// older than an hour, or its confidence is low. It never forces synchronous
// recomputation on the request path.
func ShouldUpdateProfile(stored *UserProfile, newTop Persona, now time.Time) bool {
	if stored == nil {
		return true
	}
	if stored.PrimaryPersona != newTop {
		return true
	}
	if now.Sub(stored.LastUpdated) > updateAfter {
		return true
	}
	return stored.ConfidenceScore < updateBelowConfidence
}
