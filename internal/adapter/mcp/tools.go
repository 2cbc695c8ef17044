package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/ReplyForge/internal/domain/knowledge"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.searchKnowledgeTool(),
		s.getEventStatusTool(),
		s.getTenantUsageTool(),
	)
}

func (s *Server) searchKnowledgeTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("search_knowledge_base",
		mcplib.WithDescription("Search a tenant's knowledge base and return the most relevant passages"),
		mcplib.WithString("tenant_id",
			mcplib.Required(),
			mcplib.Description("Tenant whose knowledge base is searched"),
		),
		mcplib.WithString("query",
			mcplib.Required(),
			mcplib.Description("What to look up"),
		),
		mcplib.WithNumber("top_k",
			mcplib.Description("Maximum number of passages (1-20)"),
			mcplib.Min(1),
			mcplib.Max(20),
		),
		mcplib.WithNumber("min_score",
			mcplib.Description("Lowest similarity score to return (0-1); omit for the configured default"),
			mcplib.Min(0),
			mcplib.Max(1),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleSearchKnowledge,
	}
}

func (s *Server) getEventStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_event_status",
		mcplib.WithDescription("Get the processing status and outcome of an inbound message"),
		mcplib.WithString("external_id",
			mcplib.Required(),
			mcplib.Description("The external message id from the messaging provider"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetEventStatus,
	}
}

func (s *Server) getTenantUsageTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_tenant_usage",
		mcplib.WithDescription("Get a tenant's message and token usage in the current billing window"),
		mcplib.WithString("tenant_id",
			mcplib.Required(),
			mcplib.Description("The tenant ID"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetTenantUsage,
	}
}

func (s *Server) handleSearchKnowledge(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Knowledge == nil {
		return mcplib.NewToolResultError("knowledge search not configured"), nil
	}
	args := req.GetArguments()
	tenantID, _ := args["tenant_id"].(string)
	query, _ := args["query"].(string)
	if tenantID == "" || query == "" {
		return mcplib.NewToolResultError("tenant_id and query are required"), nil
	}
	topK := 0
	if v, ok := args["top_k"].(float64); ok {
		topK = int(v)
	}
	q := knowledge.Query{TenantID: tenantID, Text: query, TopK: topK}
	if v, ok := args["min_score"].(float64); ok {
		q.Threshold = knowledge.MinScore(v)
	}

	results, err := s.deps.Knowledge.Retrieve(ctx, q)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("knowledge search failed", err), nil
	}
	data, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal results", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetEventStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Events == nil {
		return mcplib.NewToolResultError("event reader not configured"), nil
	}
	externalID, ok := req.GetArguments()["external_id"].(string)
	if !ok || externalID == "" {
		return mcplib.NewToolResultError("external_id is required"), nil
	}
	ev, err := s.deps.Events.Lookup(ctx, externalID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get event %s", externalID), err,
		), nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal event", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetTenantUsage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Usage == nil {
		return mcplib.NewToolResultError("usage reader not configured"), nil
	}
	tenantID, ok := req.GetArguments()["tenant_id"].(string)
	if !ok || tenantID == "" {
		return mcplib.NewToolResultError("tenant_id is required"), nil
	}
	c, err := s.deps.Usage.Usage(ctx, tenantID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get usage", err), nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal usage", err), nil
	}
	return toolResultJSON(string(data)), nil
}
