package resolve

import (
	"strings"

	"github.com/shortontech/gopersona/internal/persona"
)

// Routing strategies.
const (
	StrategyDefault      = "default"
	StrategyPersonalized = "personalized"
	StrategyVariant      = "variant"
	StrategyRedirect     = "redirect"
)

// RoutingDecision is ephemeral: computed per request, never persisted.
type RoutingDecision struct {
	Strategy      string `json:"strategy"`
	TargetPath    string `json:"target_path,omitempty"`
	ShouldRewrite bool   `json:"should_rewrite"`
	Priority      string `json:"priority"` // low | medium | high
	Reasoning     string `json:"reasoning,omitempty"`
	CacheKey      string `json:"cache_key,omitempty"`
}

func DefaultDecision() RoutingDecision {
	return RoutingDecision{Strategy: StrategyDefault, ShouldRewrite: false, Priority: "low"}
}

// routingRules whitelists the path/persona combinations that get anything
// other than the default strategy.
var routingRules = []struct {
	persona    persona.Persona
	pathPrefix string
	decision   RoutingDecision
}{
	{persona.PriceConscious, "/pricing", RoutingDecision{
		Strategy: StrategyVariant, TargetPath: "/pricing/value", ShouldRewrite: true,
		Priority: "high", Reasoning: "price-conscious visitor on pricing page",
	}},
	{persona.UrgentBuyer, "/", RoutingDecision{
		Strategy: StrategyPersonalized, TargetPath: "/book", ShouldRewrite: false,
		Priority: "high", Reasoning: "urgent buyer gets booking call-to-action",
	}},
	{persona.Researcher, "/how-it-works", RoutingDecision{
		Strategy: StrategyPersonalized, ShouldRewrite: false,
		Priority: "medium", Reasoning: "researcher gets expanded detail variant",
	}},
	{persona.TechSavvy, "/features", RoutingDecision{
		Strategy: StrategyVariant, TargetPath: "/features/technical", ShouldRewrite: true,
		Priority: "medium", Reasoning: "tech-savvy visitor gets the technical deep-dive",
	}},
}

// DecideRouting returns the whitelisted decision for a persona/path pair,
// or the default when no rule matches.
func DecideRouting(p persona.Persona, path string) RoutingDecision {
	for _, rule := range routingRules {
		if rule.persona != p {
			continue
		}
		if rule.pathPrefix == "/" {
			if path == "/" || path == "" {
				d := rule.decision
				d.CacheKey = string(p) + ":" + path
				return d
			}
			continue
		}
		if strings.HasPrefix(path, rule.pathPrefix) {
			d := rule.decision
			d.CacheKey = string(p) + ":" + path
			return d
		}
	}
	return DefaultDecision()
}
