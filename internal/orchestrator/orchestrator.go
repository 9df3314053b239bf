// Package orchestrator turns one user utterance into a streamed,
// possibly multi-phase exchange with the model backend.
//
// A turn moves through admission (rate limit, safety), an initial
// streaming call that collects tool calls without executing them, then
// alternating tool-execution and follow-up streaming phases until the
// model stops requesting tools. Failures at any phase are classified
// into a fixed taxonomy and sent through the sink as a final structured
// chunk; nothing propagates past Respond unclassified.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/parley0/parley/internal/conversation"
	"github.com/parley0/parley/internal/log"
	"github.com/parley0/parley/internal/model"
	"github.com/parley0/parley/internal/ratelimit"
	"github.com/parley0/parley/internal/safety"
	"github.com/parley0/parley/internal/search"
	"github.com/parley0/parley/internal/tools"
)

const (
	// toolPacingDelay spaces backend and tool calls to respect upstream
	// pacing expectations.
	toolPacingDelay = 500 * time.Millisecond

	// maxToolRounds bounds the tool-execution / follow-up loop so a
	// model that keeps requesting tools cannot spin a turn forever.
	maxToolRounds = 8
)

const followupInstruction = `The tool results for the user's request are now part of the conversation.
Explain them to the user in plain language, referencing the relevant values.
Do not request further tools unless strictly necessary.`

const emptyResponseFallback = "I could not produce an answer this time. Please try rephrasing your question."

// Turn is one inbound user turn. A ChatID that does not match the
// session's current chat starts a fresh one.
type Turn struct {
	Text      string
	ChatID    string
	PersonaID string
	CallerID  string
}

// Sink receives outbound chunks in order. Returning false cancels the
// turn; the orchestrator stops emitting promptly.
type Sink func(chunk string) bool

// ToolInvoker is the tool backend surface the orchestrator needs.
// Satisfied by toolclient.Client.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (result string, isErr bool, err error)
}

// Deps are the collaborators for one orchestrator instance.
type Deps struct {
	Model        model.Client
	Limiter      *ratelimit.Limiter
	Gate         *safety.Gate
	Resolver     *search.Resolver
	Registry     *tools.Registry
	ToolBackend  ToolInvoker
	Conversation *conversation.State
	Logger       log.Logger
}

// Orchestrator drives the streaming turn state machine for one session.
// One turn at a time; concurrent sessions use separate instances sharing
// only the rate limiter and tool backend.
type Orchestrator struct {
	model    model.Client
	limiter  *ratelimit.Limiter
	gate     *safety.Gate
	resolver *search.Resolver
	registry *tools.Registry
	backend  ToolInvoker
	conv     *conversation.State
	pace     *rate.Limiter
	logger   log.Logger
}

// New creates an orchestrator from its collaborators.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		model:    d.Model,
		limiter:  d.Limiter,
		gate:     d.Gate,
		resolver: d.Resolver,
		registry: d.Registry,
		backend:  d.ToolBackend,
		conv:     d.Conversation,
		pace:     rate.NewLimiter(rate.Every(toolPacingDelay), 1),
		logger:   d.Logger,
	}
}

// Respond processes one turn, streaming output through sink. On failure
// the final chunk is a structured error payload and the returned error
// is a *TurnError carrying the same kind. Caller-initiated cancellation
// is not an error.
func (o *Orchestrator) Respond(ctx context.Context, turn Turn, sink Sink) error {
	em := &emitter{sink: sink}

	err := o.respond(ctx, turn, em)
	if err == nil || errors.Is(err, errCanceled) {
		return nil
	}

	var te *TurnError
	if !errors.As(err, &te) {
		te = turnError(Classify(err), err)
	}
	o.logger.Error("turn failed", "kind", te.Kind, "error", err)

	em.stopped = false // the error payload is always delivered
	em.send(renderError(te.Kind, te.Message))
	return te
}

func (o *Orchestrator) respond(ctx context.Context, turn Turn, em *emitter) error {
	if turn.ChatID == "" || turn.ChatID != o.conv.ChatID().String() {
		o.conv.StartNewChat(turn.PersonaID)
	} else if turn.PersonaID != "" {
		o.conv.SetPersona(turn.PersonaID)
	}

	scope := turn.CallerID
	if scope == "" {
		scope = o.conv.ChatID().String()
	}
	if d := o.limiter.CheckAndAdmit(scope); !d.Allowed {
		return &TurnError{Kind: KindRateLimited, Message: userMessage(KindRateLimited), Err: errors.New(d.Reason)}
	}

	o.conv.AddUserMessage(turn.Text)

	if v := o.gate.ClassifyRequest(ctx, turn.Text); !v.Safe {
		return &TurnError{
			Kind:    KindUnsafeContent,
			Message: fmt.Sprintf("%s (%s)", userMessage(KindUnsafeContent), v.Reason),
			Err:     fmt.Errorf("request rejected: %s", v.Reason),
		}
	}

	p := o.conv.Persona()
	resolved := o.resolver.Resolve(ctx, turn.Text, p)
	sc := tools.SearchContext{
		Query:    resolved.Query,
		UserText: turn.Text,
		Domains:  resolved.Domains,
	}
	o.logger.Debug("search intent resolved", "query", sc.Query, "domains", sc.Domains)

	if err := o.pace.Wait(ctx); err != nil {
		return err
	}
	out, err := o.initialStream(ctx, o.request(p.SystemPrompt), em)
	if err != nil {
		return err
	}

	text, calls := out.text, out.toolCalls
	if text != "" {
		o.conv.AddAssistantMessage(text)
	}
	if text == "" && len(calls) == 0 {
		em.sendText(emptyResponseFallback)
		o.conv.AddAssistantMessage(emptyResponseFallback)
		return nil
	}

	for round := 0; len(calls) > 0; round++ {
		if round >= maxToolRounds {
			o.logger.Warn("tool round cap reached, stopping", "rounds", round)
			break
		}

		for _, call := range calls {
			if em.stopped {
				return errCanceled
			}
			o.executeTool(ctx, call, sc, em)
		}

		if err := o.pace.Wait(ctx); err != nil {
			return err
		}
		fout, err := o.followupStream(ctx, o.request(p.SystemPrompt+"\n\n"+followupInstruction), em)
		if err != nil {
			return err
		}
		if fout.text != "" {
			o.conv.AddAssistantMessage(fout.text)
		}
		calls = fout.toolCalls
	}
	return nil
}

// request builds a backend request from the current transcript.
func (o *Orchestrator) request(system string) *model.Request {
	return &model.Request{
		System:   system,
		Messages: o.conv.History(),
		Tools:    o.registry.Specs(),
	}
}

// executeTool runs one collected tool call end to end: enrich, invoke,
// safety-check, format, emit, and record the tool-use/tool-result pair.
// Failures become error results in the transcript; they never abort the
// remaining calls or the turn.
func (o *Orchestrator) executeTool(ctx context.Context, call *ai.ToolRequest, sc tools.SearchContext, em *emitter) {
	ref := call.Ref
	if ref == "" {
		ref = uuid.NewString()
	}
	args := coerceArgs(call.Input)

	var (
		result string
		isErr  bool
	)
	enriched, err := o.registry.Enrich(call.Name, args, sc)
	if err != nil {
		o.logger.Warn("tool call rejected", "tool", call.Name, "error", err)
		enriched = args
		result = "tool call failed: " + err.Error()
		isErr = true
	} else if err := o.pace.Wait(ctx); err != nil {
		result = "tool call canceled"
		isErr = true
	} else {
		r, flag, err := o.backend.Invoke(ctx, call.Name, enriched)
		if err != nil {
			o.logger.Warn("tool invocation failed", "tool", call.Name, "error", err)
			result = "tool call failed: " + err.Error()
			isErr = true
		} else {
			result, isErr = r, flag
		}
	}

	result = tools.Truncate(result)
	if !isErr {
		if v := o.gate.ClassifyToolResult(ctx, result); !v.Safe {
			o.logger.Warn("tool result withheld", "tool", call.Name, "reason", v.Reason)
			result = "Content withheld by safety policy: " + v.Reason
		}
	}

	em.send(tools.Format(call.Name, enriched, result, isErr))

	o.conv.AddToolUseMessage(ref, call.Name, enriched)
	if err := o.conv.AddToolResultMessage(ref, call.Name, result); err != nil {
		o.logger.Error("recording tool result", "tool", call.Name, "error", err)
	}
}

// coerceArgs normalizes a tool-call input payload to a string-keyed map.
func coerceArgs(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case json.RawMessage:
		var m map[string]any
		if json.Unmarshal(v, &m) == nil {
			return m
		}
	case string:
		var m map[string]any
		if json.Unmarshal([]byte(v), &m) == nil {
			return m
		}
	default:
		if raw, err := json.Marshal(v); err == nil {
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil {
				return m
			}
		}
	}
	return map[string]any{}
}
