// Package server provides a factory for creating the MCP server with
// session tracking installed.
package server

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-session-tracker/pkg/tracker"
)

// Version is set at build time.
var Version = "dev"

// New creates the MCP server and the tracker behind it. Every inbound
// request passes through the tracking middleware; the reconnection tools
// are registered on the server.
func New(cfg *tracker.Config) (*mcp.Server, *tracker.Tracker, error) {
	t, err := tracker.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building tracker: %w", err)
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, nil)

	mcpServer.AddReceivingMiddleware(t.Tracking().Middleware())
	t.RegisterTools(mcpServer)
	t.Start()

	return mcpServer, t, nil
}
