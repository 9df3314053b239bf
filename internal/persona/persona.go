// Package persona holds the static persona and knowledge-domain tables.
//
// A persona bundles a display name, a system-prompt fragment, and a fixed
// set of knowledge domains. The default persona carries no fixed domains:
// it is the only persona for which domain inference runs. All tables here
// are consulted read-only; there is no runtime persona administration.
package persona

import "strings"

// DefaultID identifies the built-in default persona.
const DefaultID = "default"

// Persona selects a system prompt and a domain scope for a chat session.
type Persona struct {
	ID           string
	DisplayName  string
	SystemPrompt string

	// Domains is the fixed domain list for non-default personas.
	// Empty for the default persona, which infers domains per turn.
	Domains []string
}

// IsDefault reports whether p is the default persona.
func (p Persona) IsDefault() bool {
	return p.ID == DefaultID
}

// personas is the static persona table.
var personas = map[string]Persona{
	DefaultID: {
		ID:          DefaultID,
		DisplayName: "Parley",
		SystemPrompt: "You are Parley, a helpful assistant. Answer concisely " +
			"and use the available tools when they would improve the answer.",
	},
	"researcher": {
		ID:          "researcher",
		DisplayName: "Researcher",
		SystemPrompt: "You are a meticulous research assistant. Cite sources " +
			"retrieved by tools and distinguish facts from speculation.",
		Domains: []string{"science", "technology"},
	},
	"analyst": {
		ID:          "analyst",
		DisplayName: "Analyst",
		SystemPrompt: "You are a financial analyst. Be precise with figures " +
			"and always state the date of any market data.",
		Domains: []string{"finance", "news"},
	},
	"concierge": {
		ID:          "concierge",
		DisplayName: "Concierge",
		SystemPrompt: "You are a travel and dining concierge. Prefer current, " +
			"location-specific information from tools over general knowledge.",
		Domains: []string{"travel", "food"},
	},
}

// Lookup returns the persona for id. ok is false when id is unknown;
// callers fall back to Default() and log the anomaly.
func Lookup(id string) (Persona, bool) {
	p, ok := personas[id]
	return p, ok
}

// Default returns the default persona.
func Default() Persona {
	return personas[DefaultID]
}

// Vocabulary is the closed set of knowledge domains the resolver may
// select from. Domain-bearing tools only understand these values.
var Vocabulary = []string{
	"technology",
	"science",
	"health",
	"finance",
	"news",
	"travel",
	"food",
	"entertainment",
	"sports",
	"general",
}

// InVocabulary reports whether domain is a known domain name.
func InVocabulary(domain string) bool {
	for _, d := range Vocabulary {
		if d == domain {
			return true
		}
	}
	return false
}

// domainKeywords maps each domain to trigger keywords. Consulted only when
// model-based domain classification fails.
var domainKeywords = map[string][]string{
	"technology":    {"software", "computer", "programming", "code", "app", "ai", "internet", "gadget"},
	"science":       {"physics", "chemistry", "biology", "research", "experiment", "theory", "quantum"},
	"health":        {"health", "medical", "doctor", "symptom", "disease", "medicine", "fitness", "diet"},
	"finance":       {"stock", "market", "invest", "money", "bank", "crypto", "economy", "price"},
	"news":          {"news", "today", "latest", "current", "breaking", "headline", "election"},
	"travel":        {"travel", "flight", "hotel", "vacation", "trip", "destination", "visa"},
	"food":          {"recipe", "cook", "restaurant", "food", "meal", "ingredient", "cuisine"},
	"entertainment": {"movie", "music", "show", "game", "celebrity", "film", "series", "concert"},
	"sports":        {"football", "soccer", "basketball", "tennis", "match", "score", "team", "league"},
}

// defaultDomains is the last-resort domain set. Never empty: it backs the
// guarantee that domain-bearing tool calls always receive a scope.
var defaultDomains = []string{"general", "news"}

// KeywordDomains matches text against the keyword table and returns the
// domains whose keywords appear, at most three, in vocabulary order.
func KeywordDomains(text string) []string {
	lower := strings.ToLower(text)

	var matched []string
	for _, domain := range Vocabulary {
		for _, kw := range domainKeywords[domain] {
			if strings.Contains(lower, kw) {
				matched = append(matched, domain)
				break
			}
		}
		if len(matched) == 3 {
			break
		}
	}
	return matched
}

// DefaultDomains returns a copy of the static fallback domain list.
func DefaultDomains() []string {
	out := make([]string, len(defaultDomains))
	copy(out, defaultDomains)
	return out
}
