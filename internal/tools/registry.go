// Package tools manages tool descriptors for the orchestrator: argument
// enrichment and validation before invocation, and safe display formatting
// of calls and results afterwards.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/parley0/parley/internal/log"
	"github.com/parley0/parley/internal/model"
)

// Descriptor declares one invokable tool. Schema is the raw JSON schema
// for the tool's arguments as delivered by the tool backend.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// SearchContext carries the resolved search intent used to complete
// tool arguments.
type SearchContext struct {
	Query    string   // refined search query from the resolver
	UserText string   // original, unmodified user text
	Domains  []string // resolved knowledge domains, never empty
}

// MaxResultLimit caps any result-count argument regardless of what the
// model asked for, bounding worst-case payload size.
const MaxResultLimit = 10

// ErrUnknownTool is returned for calls naming an unregistered tool; the
// check happens before any network call.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// queryAliases are property names treated as query-like parameters.
var queryAliases = map[string]bool{
	"query":        true,
	"q":            true,
	"search":       true,
	"search_query": true,
	"keywords":     true,
}

// limitAliases are property names treated as result-count parameters.
var limitAliases = map[string]bool{
	"limit":       true,
	"max_results": true,
	"count":       true,
	"num_results": true,
}

// propertySpec is the slice of a schema property the enricher needs.
type propertySpec struct {
	Type    string `json:"type"`
	Default any    `json:"default"`
}

type schemaSpec struct {
	Properties map[string]propertySpec `json:"properties"`
	Required   []string                `json:"required"`
}

// entry pairs a descriptor with its parsed schema and compiled validator.
type entry struct {
	desc   Descriptor
	spec   schemaSpec
	schema *gojsonschema.Schema // nil when the descriptor carries no usable schema
}

// Registry holds registered tool descriptors. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// Register adds descriptors, replacing same-named ones. Descriptors with
// malformed schemas are still registered; enrichment works off whatever
// parsed and validation is skipped.
func (r *Registry) Register(descs ...Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range descs {
		e := entry{desc: d}
		if len(d.Schema) > 0 {
			if err := json.Unmarshal(d.Schema, &e.spec); err != nil {
				r.logger.Warn("tool schema does not parse", "tool", d.Name, "error", err)
			}
			compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.Schema))
			if err != nil {
				r.logger.Warn("tool schema does not compile", "tool", d.Name, "error", err)
			} else {
				e.schema = compiled
			}
		}
		r.entries[d.Name] = e
		r.logger.Debug("tool registered", "tool", d.Name)
	}
}

// Tools returns all descriptors sorted by name.
func (r *Registry) Tools() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Specs returns the registered tools as backend tool specs.
func (r *Registry) Specs() []model.ToolSpec {
	descs := r.Tools()
	specs := make([]model.ToolSpec, len(descs))
	for i, d := range descs {
		specs[i] = model.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return specs
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Enrich completes and validates arguments for a tool call.
//
// Per schema property:
//   - query-like: filled from sc.Query when absent; overwritten with
//     sc.Query when the model passed exactly the unmodified user text,
//     meaning it customized nothing and the refined query wins.
//   - "domains": filled from sc.Domains when absent or empty.
//   - result-count: capped at MaxResultLimit.
//   - required and still missing: filled from the schema default when one
//     is declared. Values are never invented beyond that, so a call with
//     a genuinely missing argument fails validation visibly instead of
//     running with a fabricated value.
//
// Arguments already present and complete pass through unchanged, which
// makes Enrich idempotent. The enriched map is validated against the
// tool schema before being returned.
func (r *Registry) Enrich(name string, rawArgs map[string]any, sc SearchContext) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args := make(map[string]any, len(rawArgs))
	for k, v := range rawArgs {
		args[k] = v
	}

	for prop := range e.spec.Properties {
		switch {
		case queryAliases[prop]:
			v, present := args[prop]
			if !present {
				args[prop] = sc.Query
			} else if s, isStr := v.(string); isStr && s == sc.UserText && sc.Query != sc.UserText {
				args[prop] = sc.Query
			}
		case prop == "domains":
			if v, present := args[prop]; !present || isEmptyList(v) {
				args[prop] = sc.Domains
			}
		case limitAliases[prop]:
			if n, isNum := numericArg(args[prop]); isNum && n > MaxResultLimit {
				args[prop] = MaxResultLimit
			}
		}
	}

	for _, req := range e.spec.Required {
		if _, present := args[req]; present {
			continue
		}
		if def := e.spec.Properties[req].Default; def != nil {
			args[req] = def
		}
	}

	if err := r.validate(e, args); err != nil {
		return nil, err
	}
	return args, nil
}

// validate checks args against the tool's compiled schema.
func (r *Registry) validate(e entry, args map[string]any) error {
	if e.schema == nil {
		return nil
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validating arguments for %s: %w", e.desc.Name, err)
	}
	if result.Valid() {
		return nil
	}

	var b []byte
	for i, re := range result.Errors() {
		if i > 0 {
			b = append(b, "; "...)
		}
		b = append(b, re.String()...)
	}
	return fmt.Errorf("invalid arguments for %s: %s", e.desc.Name, b)
}

// isEmptyList reports whether v is nil or a zero-length slice.
func isEmptyList(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case []any:
		return len(s) == 0
	case []string:
		return len(s) == 0
	}
	return false
}

// numericArg normalizes a JSON number argument to int.
func numericArg(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
