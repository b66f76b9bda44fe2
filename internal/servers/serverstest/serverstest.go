// ABOUTME: In-process MCP servers for tests that exercise the server manager
// ABOUTME: Builds go-sdk servers and a transport factory backed by in-memory pipes

// Package serverstest provides in-process MCP servers for tests.
package serverstest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/toolhost/internal/config"
)

// Handler computes a tool result from decoded arguments.
type Handler func(args map[string]any) (*mcp.CallToolResult, error)

// Tool describes a tool served by a test server.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Text returns a handler that always answers with text.
func Text(text string) Handler {
	return func(map[string]any) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
	}
}

// Echo returns a handler that answers with "<prefix>:<args as JSON>".
func Echo(prefix string) Handler {
	return func(args map[string]any) (*mcp.CallToolResult, error) {
		data, _ := json.Marshal(args)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: prefix + ":" + string(data)}},
		}, nil
	}
}

// NewServer builds a server offering tools.
func NewServer(name string, tools ...Tool) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.0.1"}, nil)
	for _, tool := range tools {
		handler := tool.Handler
		if handler == nil {
			handler = Text(tool.Name)
		}
		server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: map[string]any{"type": "object"},
		}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := map[string]any{}
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return nil, err
				}
			}
			return handler(args)
		})
	}
	return server
}

// Factory returns a transport factory that connects each server config to
// the in-process server of the same name. Unknown names fail to connect.
func Factory(t testing.TB, servers map[string]*mcp.Server) func(context.Context, config.ServerConfig) (mcp.Transport, error) {
	return func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
		server, ok := servers[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no test server named %q", cfg.Name)
		}
		serverTransport, clientTransport := mcp.NewInMemoryTransports()
		session, err := server.Connect(ctx, serverTransport, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = session.Close() })
		return clientTransport, nil
	}
}

// Hanging is a transport that never connects; Connect blocks until ctx ends.
type Hanging struct{}

// Connect implements mcp.Transport.
func (Hanging) Connect(ctx context.Context) (mcp.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// Entry returns an enabled, allow-listed server entry.
func Entry(name string) config.ServerConfig {
	return config.ServerConfig{Name: name, Command: name, AllowListed: true}
}
