// Package search derives a normalized search query and a set of knowledge
// domains from free-form user text.
//
// Both derivations are fallible backend calls with total fallbacks: the
// query falls back to the verbatim user text, and domains fall back from
// model classification to keyword matching to a static default list.
// Resolve never returns an empty domain set for the default persona.
package search

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/parley0/parley/internal/log"
	"github.com/parley0/parley/internal/model"
	"github.com/parley0/parley/internal/persona"
)

// Context is the resolved search intent for one user turn.
type Context struct {
	Query   string
	Domains []string
}

const (
	// Small token budgets: these calls do extraction, not generation.
	queryMaxTokens  = 64
	domainMaxTokens = 32

	// maxDomains caps the classified domain set.
	maxDomains = 3
)

const querySystem = `Extract the core search query from the user's message.
Respond with ONLY the query text, no quotes, no explanation.
If the message is not a searchable request, repeat it unchanged.`

var domainSystem = `Select 1 to 3 knowledge domains that best match the user's message.
Choose ONLY from: ` + strings.Join(persona.Vocabulary, ", ") + `.
Respond with ONLY the domain names, comma-separated.`

// Resolver derives search intent via lightweight backend calls.
type Resolver struct {
	client model.Client
	logger log.Logger
}

// New creates a resolver backed by the given client.
func New(client model.Client, logger log.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

// Resolve derives the search context for userText under persona p.
// Non-default personas pin their fixed domain list without a
// classification call; the default persona goes through the three-tier
// fallback (model, keyword table, static default).
func (r *Resolver) Resolve(ctx context.Context, userText string, p persona.Persona) Context {
	out := Context{Query: r.resolveQuery(ctx, userText)}

	if !p.IsDefault() {
		out.Domains = make([]string, len(p.Domains))
		copy(out.Domains, p.Domains)
		return out
	}

	out.Domains = r.resolveDomains(ctx, userText)
	return out
}

// resolveQuery extracts a refined search query, falling back to the
// verbatim text on any failure.
func (r *Resolver) resolveQuery(ctx context.Context, userText string) string {
	resp, err := r.client.Complete(ctx, &model.Request{
		System:    querySystem,
		Messages:  []*ai.Message{ai.NewUserMessage(ai.NewTextPart(userText))},
		MaxTokens: queryMaxTokens,
	})
	if err != nil {
		r.logger.Debug("query extraction failed, using verbatim text", "error", err)
		return userText
	}

	query := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Text), `"`))
	if query == "" {
		return userText
	}
	return query
}

// resolveDomains classifies domains for the default persona with the
// keyword table and static defaults as fallbacks. Never returns empty.
func (r *Resolver) resolveDomains(ctx context.Context, userText string) []string {
	resp, err := r.client.Complete(ctx, &model.Request{
		System:    domainSystem,
		Messages:  []*ai.Message{ai.NewUserMessage(ai.NewTextPart(userText))},
		MaxTokens: domainMaxTokens,
	})
	if err == nil {
		if domains := parseDomains(resp.Text); len(domains) > 0 {
			return domains
		}
		r.logger.Debug("domain classification yielded nothing usable", "output", resp.Text)
	} else {
		r.logger.Debug("domain classification failed", "error", err)
	}

	if domains := persona.KeywordDomains(userText); len(domains) > 0 {
		return domains
	}

	return persona.DefaultDomains()
}

// parseDomains accepts either a comma-separated list or a JSON array and
// keeps only known vocabulary entries, capped at maxDomains.
func parseDomains(text string) []string {
	var candidates []string

	if raw, err := model.ExtractJSON(text); err == nil {
		var arr []string
		if json.Unmarshal(raw, &arr) == nil {
			candidates = arr
		}
	}
	if candidates == nil {
		candidates = strings.Split(text, ",")
	}

	var domains []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		d := strings.ToLower(strings.TrimSpace(c))
		if d == "" || seen[d] || !persona.InVocabulary(d) {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
		if len(domains) == maxDomains {
			break
		}
	}
	return domains
}
