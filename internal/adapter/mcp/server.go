// Package mcp exposes ReplyForge read operations over the Model Context
// Protocol: knowledge search, event status and tenant usage.
package mcp

import (
	"context"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/domain/knowledge"
	"github.com/Strob0t/ReplyForge/internal/domain/usage"
)

// KnowledgeSearcher runs a tenant-scoped knowledge query.
type KnowledgeSearcher interface {
	Retrieve(ctx context.Context, q knowledge.Query) ([]knowledge.Result, error)
}

// EventReader looks up an inbound event by its external message id.
type EventReader interface {
	Lookup(ctx context.Context, externalID string) (*inbound.Event, error)
}

// UsageReader returns a tenant's current usage window.
type UsageReader interface {
	Usage(ctx context.Context, tenantID string) (*usage.Counter, error)
}

// RuntimeInfo describes what the running process has configured.
type RuntimeInfo struct {
	Providers []string `json:"providers"`
	Channels  []string `json:"channels"`
}

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Name    string
	Version string
	APIKey  string // empty disables auth
}

// ServerDeps are the read services behind the tools. Any may be nil; the
// corresponding tool then reports that it is not configured.
type ServerDeps struct {
	Knowledge KnowledgeSearcher
	Events    EventReader
	Usage     UsageReader
	Runtime   func() RuntimeInfo
}

// Server wraps an mcp-go server with ReplyForge tools and resources.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
}

// NewServer creates the MCP server and registers its tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Name == "" {
		cfg.Name = "replyforge"
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the streamable HTTP transport, guarded by the API key.
func (s *Server) Handler() http.Handler {
	return requireAPIKey(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
