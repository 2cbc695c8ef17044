package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"replyforge://runtime",
			"Runtime",
			mcplib.WithResourceDescription("Language model providers and delivery channels configured in this process"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRuntimeResource,
	)
}

func (s *Server) handleRuntimeResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	info := RuntimeInfo{Providers: []string{}, Channels: []string{}}
	if s.deps.Runtime != nil {
		info = s.deps.Runtime()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
