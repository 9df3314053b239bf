// Package model defines the port to the language-model backend.
//
// The orchestrator talks to a Client and never to a concrete provider. The
// genkit-backed implementation lives in genkit.go; tests use the scripted
// client from internal/testutil. Message, part, and tool-request types are
// Genkit's ai package types so transcripts replay without translation.
package model

import (
	"context"
	"encoding/json"

	"github.com/firebase/genkit/go/ai"
)

// ToolSpec declares one callable tool to the backend.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON schema for the tool's arguments
}

// Request is one backend generation call. Messages carry the full
// transcript from turn zero; that replay is the only conversational memory.
type Request struct {
	System    string
	Messages  []*ai.Message
	Tools     []ToolSpec
	MaxTokens int // 0 means provider default
}

// Response is the terminal result of a generation call.
type Response struct {
	Text         string
	ToolRequests []*ai.ToolRequest
}

// EventKind discriminates stream events.
type EventKind int

const (
	// EventText carries a streamed text delta.
	EventText EventKind = iota
	// EventToolRequest carries a tool call announced mid-stream.
	EventToolRequest
	// EventDone is the terminal signal; Response holds the complete result.
	EventDone
	// EventError terminates the stream with a backend failure.
	EventError
)

// Event is one item on a generation stream. After EventDone or EventError
// the channel is closed; no further events follow either.
type Event struct {
	Kind        EventKind
	Text        string
	ToolRequest *ai.ToolRequest
	Response    *Response
	Err         error
}

// Client is the black-box language-model backend.
type Client interface {
	// Complete runs a non-streaming generation call.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream opens a streaming generation call. The returned channel is
	// closed after a terminal event. Stalls are the caller's problem: the
	// orchestrator runs an inactivity watchdog against this channel.
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}
