// Package toolclient connects to an MCP tool backend and exposes its
// tools to the orchestrator.
//
// Two transports are supported: a subprocess speaking stdio (endpoint is
// a command line) and a streamable HTTP endpoint (endpoint is a URL).
package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley0/parley/internal/log"
	"github.com/parley0/parley/internal/tools"
)

// ErrNotConnected is returned by Invoke before a successful Connect or
// after Close.
var ErrNotConnected = errors.New("tool backend not connected")

// clientInfo identifies this client to the backend during the MCP
// handshake.
var clientInfo = &mcp.Implementation{
	Name:    "parley",
	Version: "1.0.0",
}

// Client is an MCP client for one tool backend. Invocations are
// serialized; the orchestrator runs tool calls one at a time anyway and
// stdio transports are not safe for interleaved requests.
type Client struct {
	mu      sync.Mutex
	session *mcp.ClientSession
	logger  log.Logger
}

// New creates a disconnected client.
func New(logger log.Logger) *Client {
	return &Client{logger: logger}
}

// Connect establishes a session with the backend at endpoint and returns
// the descriptors of every tool it advertises. Endpoints starting with
// http:// or https:// use the streamable HTTP transport; anything else is
// run as a stdio subprocess.
func (c *Client) Connect(ctx context.Context, endpoint string) ([]tools.Descriptor, error) {
	transport, err := transportFor(endpoint)
	if err != nil {
		return nil, err
	}
	return c.ConnectTransport(ctx, transport)
}

// ConnectTransport is Connect with an explicit transport.
func (c *Client) ConnectTransport(ctx context.Context, transport mcp.Transport) ([]tools.Descriptor, error) {
	client := mcp.NewClient(clientInfo, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to tool backend: %w", err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	descs := make([]tools.Descriptor, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		schema, err := marshalSchema(t.InputSchema)
		if err != nil {
			c.logger.Warn("tool schema does not serialize, skipping tool", "tool", t.Name, "error", err)
			continue
		}
		descs = append(descs, tools.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}

	c.mu.Lock()
	if c.session != nil {
		_ = c.session.Close()
	}
	c.session = session
	c.mu.Unlock()

	c.logger.Info("tool backend connected", "tools", len(descs))
	return descs, nil
}

// Invoke calls the named tool with args and returns the concatenated text
// content of the result. isErr reports the backend's error flag for the
// call; a transport or protocol failure is returned as err instead.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (result string, isErr bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return "", false, ErrNotConnected
	}

	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", false, fmt.Errorf("calling tool %s: %w", name, err)
	}

	var b strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String(), res.IsError, nil
}

// Close tears down the session. Safe to call when never connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// transportFor maps an endpoint string to an MCP transport.
func transportFor(endpoint string) (mcp.Transport, error) {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return &mcp.StreamableClientTransport{Endpoint: endpoint}, nil
	}

	fields := strings.Fields(endpoint)
	if len(fields) == 0 {
		return nil, errors.New("empty tool backend endpoint")
	}
	return &mcp.CommandTransport{Command: exec.Command(fields[0], fields[1:]...)}, nil
}

// marshalSchema serializes a backend-provided input schema to raw JSON
// for the registry.
func marshalSchema(s any) (json.RawMessage, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}
