// Package conversation tracks the state of one chat session: its identity,
// its bound persona, and the append-only transcript replayed to the
// backend on every call.
//
// Thread safety: State is safe for concurrent use, though the orchestrator
// serializes turns per session.
package conversation

import (
	"errors"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/parley0/parley/internal/log"
	"github.com/parley0/parley/internal/persona"
)

// ErrUnmatchedToolResult is returned when a tool-result append has no
// preceding tool-use turn with the same correlation ref.
var ErrUnmatchedToolResult = errors.New("tool result without matching tool use")

// State is the conversation state of a single chat session.
//
// The transcript is append-only: prior turns are never mutated, and
// History returns deep copies so callers cannot reach internal state.
type State struct {
	mu         sync.RWMutex
	chatID     uuid.UUID
	persona    persona.Persona
	transcript []*ai.Message
	logger     log.Logger
}

// New creates conversation state with a fresh chat id and the default
// persona bound.
func New(logger log.Logger) *State {
	return &State{
		chatID:  uuid.New(),
		persona: persona.Default(),
		logger:  logger,
	}
}

// StartNewChat discards the transcript, binds the persona for personaID
// (default when empty or unknown), and returns the new chat id.
func (s *State) StartNewChat(personaID string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chatID = uuid.New()
	s.transcript = nil
	s.persona = s.resolvePersona(personaID)

	s.logger.Debug("started new chat", "chat_id", s.chatID, "persona", s.persona.ID)
	return s.chatID
}

// SetPersona rebinds the persona mid-chat. An unknown id falls back to the
// default persona; the session is never left without a valid persona.
func (s *State) SetPersona(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persona = s.resolvePersona(id)
}

// resolvePersona maps an id to a persona, logging unknown ids.
// Caller holds s.mu.
func (s *State) resolvePersona(id string) persona.Persona {
	if id == "" {
		return persona.Default()
	}
	p, ok := persona.Lookup(id)
	if !ok {
		s.logger.Warn("unknown persona, falling back to default", "persona_id", id)
		return persona.Default()
	}
	return p
}

// ChatID returns the current chat session id.
func (s *State) ChatID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatID
}

// Persona returns the currently bound persona.
func (s *State) Persona() persona.Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persona
}

// AddUserMessage appends a user text turn.
func (s *State) AddUserMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, ai.NewUserMessage(ai.NewTextPart(text)))
}

// AddAssistantMessage appends an assistant text turn. When the bound
// persona is non-default, the persona's display name is prefixed unless
// already present, so multi-persona transcripts stay attributable on
// replay.
func (s *State) AddAssistantMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, ai.NewModelMessage(ai.NewTextPart(s.attribute(text))))
}

// attribute applies the persona display-name prefix. Caller holds s.mu.
func (s *State) attribute(text string) string {
	if s.persona.IsDefault() {
		return text
	}
	prefix := s.persona.DisplayName + ": "
	if len(text) >= len(prefix) && text[:len(prefix)] == prefix {
		return text
	}
	return prefix + text
}

// AddToolUseMessage appends a tool-invocation-request turn with the given
// correlation ref.
func (s *State) AddToolUseMessage(ref, name string, args map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, &ai.Message{
		Role: ai.RoleModel,
		Content: []*ai.Part{{
			Kind: ai.PartToolRequest,
			ToolRequest: &ai.ToolRequest{
				Ref:   ref,
				Name:  name,
				Input: args,
			},
		}},
	})
}

// AddToolResultMessage appends a tool-invocation-result turn. The ref must
// match a previously appended tool-use turn; an unmatched result is
// rejected so the transcript invariant holds.
func (s *State) AddToolResultMessage(ref, name string, content any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasToolUse(ref) {
		return ErrUnmatchedToolResult
	}

	s.transcript = append(s.transcript, &ai.Message{
		Role: ai.RoleTool,
		Content: []*ai.Part{{
			Kind: ai.PartToolResponse,
			ToolResponse: &ai.ToolResponse{
				Ref:    ref,
				Name:   name,
				Output: content,
			},
		}},
	})
	return nil
}

// hasToolUse reports whether a tool-use turn with ref exists.
// Caller holds s.mu.
func (s *State) hasToolUse(ref string) bool {
	for _, msg := range s.transcript {
		for _, part := range msg.Content {
			if part.ToolRequest != nil && part.ToolRequest.Ref == ref {
				return true
			}
		}
	}
	return false
}

// History returns an ordered deep copy of the transcript. Mutating the
// returned messages does not affect internal state.
func (s *State) History() []*ai.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ai.Message, len(s.transcript))
	for i, msg := range s.transcript {
		out[i] = copyMessage(msg)
	}
	return out
}

// Len returns the number of turns in the transcript.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transcript)
}

// copyMessage deep-copies a message and its parts, including tool request
// inputs and response outputs, so History never hands out a path back
// into the transcript.
func copyMessage(msg *ai.Message) *ai.Message {
	parts := make([]*ai.Part, len(msg.Content))
	for i, part := range msg.Content {
		cp := &ai.Part{
			Kind:        part.Kind,
			ContentType: part.ContentType,
			Text:        part.Text,
		}
		if part.ToolRequest != nil {
			cp.ToolRequest = &ai.ToolRequest{
				Ref:   part.ToolRequest.Ref,
				Name:  part.ToolRequest.Name,
				Input: cloneValue(part.ToolRequest.Input),
			}
		}
		if part.ToolResponse != nil {
			cp.ToolResponse = &ai.ToolResponse{
				Ref:    part.ToolResponse.Ref,
				Name:   part.ToolResponse.Name,
				Output: cloneValue(part.ToolResponse.Output),
			}
		}
		parts[i] = cp
	}
	return &ai.Message{Role: msg.Role, Content: parts}
}

// cloneValue recursively copies the JSON-shaped values tool inputs and
// outputs are built from. Scalars are immutable and returned as-is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
