package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/parley0/parley/internal/log"
)

// streamBuffer bounds how far the producing goroutine can run ahead of the
// consumer before blocking.
const streamBuffer = 16

// GenkitClient implements Client on top of a Genkit instance.
//
// Tool declarations are rendered into the system prompt and announced
// calls are recovered both from structured tool-request parts and, for
// providers without native tool calling, by parsing the response text.
type GenkitClient struct {
	g         *genkit.Genkit
	modelName string // provider-qualified, e.g. "googleai/gemini-2.5-flash"
	parser    *OutputParser
	logger    log.Logger
}

// NewGenkitClient creates a backend client for the given provider-qualified
// model name.
func NewGenkitClient(g *genkit.Genkit, modelName string, logger log.Logger) *GenkitClient {
	return &GenkitClient{
		g:         g,
		modelName: modelName,
		parser:    NewOutputParser(),
		logger:    logger,
	}
}

// Complete implements Client.
func (c *GenkitClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := genkit.Generate(ctx, c.g, c.options(req)...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return c.toResponse(resp), nil
}

// Stream implements Client. Generation runs in a goroutine; chunks are
// forwarded as events and the terminal response closes the channel.
func (c *GenkitClient) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	events := make(chan Event, streamBuffer)

	cb := func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
		for _, part := range chunk.Content {
			var ev Event
			switch {
			case part.ToolRequest != nil:
				ev = Event{Kind: EventToolRequest, ToolRequest: part.ToolRequest}
			case part.Text != "":
				ev = Event{Kind: EventText, Text: part.Text}
			default:
				continue
			}
			select {
			case events <- ev:
			case <-cbCtx.Done():
				return cbCtx.Err()
			}
		}
		return nil
	}

	opts := append(c.options(req), ai.WithStreaming(cb))

	go func() {
		defer close(events)
		resp, err := genkit.Generate(ctx, c.g, opts...)
		if err != nil {
			events <- Event{Kind: EventError, Err: err}
			return
		}
		events <- Event{Kind: EventDone, Response: c.toResponse(resp)}
	}()

	return events, nil
}

// options builds the generate options shared by both call modes.
func (c *GenkitClient) options(req *Request) []ai.GenerateOption {
	system := req.System
	if len(req.Tools) > 0 {
		system += "\n\n" + renderToolSpecs(req.Tools)
	}

	opts := []ai.GenerateOption{
		ai.WithSystem(system),
		ai.WithMessages(req.Messages...),
	}
	if c.modelName != "" {
		opts = append(opts, ai.WithModelName(c.modelName))
	}
	return opts
}

// toResponse merges structured tool requests with any calls announced only
// in the response text.
func (c *GenkitClient) toResponse(resp *ai.ModelResponse) *Response {
	text := resp.Text()
	requests := resp.ToolRequests()
	if len(requests) == 0 {
		if parsed := c.parser.ParseToolCalls(text); len(parsed) > 0 {
			c.logger.Debug("recovered tool calls from response text", "count", len(parsed))
			requests = parsed
		}
	}
	return &Response{Text: text, ToolRequests: requests}
}

// renderToolSpecs writes tool declarations into a system-prompt section for
// providers without native tool calling. Providers with native support
// ignore the duplication harmlessly.
func renderToolSpecs(specs []ToolSpec) string {
	var b strings.Builder
	b.WriteString("You can call the following tools. To call one, respond with a JSON object ")
	b.WriteString(`of the form {"tool": "<name>", "arguments": {...}} and nothing else.` + "\n")
	for _, s := range specs {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		if len(s.Schema) > 0 {
			fmt.Fprintf(&b, "  arguments schema: %s\n", s.Schema)
		}
	}
	return b.String()
}
