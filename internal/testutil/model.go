// Package testutil provides shared test doubles.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"

	"github.com/parley0/parley/internal/model"
)

// ScriptedModel is a deterministic model.Client for tests. Complete calls
// are answered by substring-matching the request against registered rules;
// Stream calls consume explicitly queued event scripts, falling back to
// streaming the matched Complete response as a single text chunk.
//
// Thread-safe for concurrent use.
type ScriptedModel struct {
	mu       sync.Mutex
	rules    []scriptRule
	fallback string
	streams  [][]model.Event
	calls    []RecordedCall
}

type scriptRule struct {
	pattern string // lower-cased substring matched against request text
	text    string
	tools   []*ai.ToolRequest
	err     error
}

// RecordedCall captures one backend call for assertions.
type RecordedCall struct {
	Kind   string // "complete" or "stream"
	System string
	Text   string // concatenated message text
}

// NewScriptedModel creates a scripted client with a fallback response used
// when no rule matches.
func NewScriptedModel(fallback string) *ScriptedModel {
	return &ScriptedModel{fallback: fallback}
}

// AddResponse registers a pattern-response rule. First match wins.
func (m *ScriptedModel) AddResponse(pattern, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, scriptRule{pattern: strings.ToLower(pattern), text: text})
}

// AddToolResponse registers a rule whose response announces tool calls.
func (m *ScriptedModel) AddToolResponse(pattern, text string, tools ...*ai.ToolRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, scriptRule{pattern: strings.ToLower(pattern), text: text, tools: tools})
}

// AddError registers a rule that fails the call.
func (m *ScriptedModel) AddError(pattern string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, scriptRule{pattern: strings.ToLower(pattern), err: err})
}

// QueueStream enqueues an explicit event script for the next Stream call.
// Scripts are consumed in FIFO order.
func (m *ScriptedModel) QueueStream(events ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, events)
}

// Calls returns a copy of all recorded calls.
func (m *ScriptedModel) Calls() []RecordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]RecordedCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// CallCount returns the number of backend calls of the given kind.
func (m *ScriptedModel) CallCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Complete implements model.Client.
func (m *ScriptedModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	text := requestText(req)

	m.mu.Lock()
	m.calls = append(m.calls, RecordedCall{Kind: "complete", System: req.System, Text: text})
	rule := m.match(req.System + "\n" + text)
	m.mu.Unlock()

	if rule.err != nil {
		return nil, rule.err
	}
	return &model.Response{Text: rule.text, ToolRequests: rule.tools}, nil
}

// Stream implements model.Client.
func (m *ScriptedModel) Stream(_ context.Context, req *model.Request) (<-chan model.Event, error) {
	text := requestText(req)

	m.mu.Lock()
	m.calls = append(m.calls, RecordedCall{Kind: "stream", System: req.System, Text: text})

	var script []model.Event
	if len(m.streams) > 0 {
		script = m.streams[0]
		m.streams = m.streams[1:]
	} else {
		rule := m.match(req.System + "\n" + text)
		if rule.err != nil {
			script = []model.Event{{Kind: model.EventError, Err: rule.err}}
		} else {
			script = []model.Event{
				{Kind: model.EventText, Text: rule.text},
				{Kind: model.EventDone, Response: &model.Response{Text: rule.text, ToolRequests: rule.tools}},
			}
		}
	}
	m.mu.Unlock()

	ch := make(chan model.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// match finds the first rule whose pattern appears in text.
// Caller holds m.mu.
func (m *ScriptedModel) match(text string) scriptRule {
	lower := strings.ToLower(text)
	for _, r := range m.rules {
		if strings.Contains(lower, r.pattern) {
			return r
		}
	}
	return scriptRule{text: m.fallback}
}

// requestText concatenates all text parts of all request messages.
func requestText(req *model.Request) string {
	var b strings.Builder
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Text != "" {
				b.WriteString(part.Text)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
