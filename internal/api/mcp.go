package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qalyd/qalyd/internal/query"
	"github.com/qalyd/qalyd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	Queries *query.Service
}

// NewMCPServer creates an MCP server with all qalyd tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"qalyd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("qalyd serves cached research queries over health-economics data, with uploaded bills as context."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("submit_query",
			mcp.WithDescription("Submit a research query. Returns the cached result when an equivalent query completed recently; otherwise runs it and records the outcome."),
			mcp.WithString("text", mcp.Description("The research question"), mcp.Required()),
			mcp.WithArray("bills", mcp.Description("Optional IDs of uploaded bills to use as context")),
		),
		mcpSubmitQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("query_history",
			mcp.WithDescription("List past queries, newest first."),
			mcp.WithString("status", mcp.Description("Filter by status (pending, in_flight, complete, failed)")),
			mcp.WithString("bill", mcp.Description("Filter to queries that referenced this bill ID")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpQueryHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("list_bills",
			mcp.WithDescription("List uploaded bills and their summarization state."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListBills(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"qalyd://stats",
			"Cache Statistics",
			mcp.WithResourceDescription("Cache hit/miss/coalesced counters and record counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpSubmitQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		billRefs := req.GetStringSlice("bills", nil)

		q, cached, err := deps.Queries.Submit(ctx, query.Submission{
			Text:     text,
			BillRefs: billRefs,
		})
		var verr *query.ValidationError
		if errors.As(err, &verr) {
			return mcpError(verr.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		b, err := json.Marshal(SubmitQueryResponse{
			QueryView: queryView(q),
			Cached:    cached,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpQueryHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var filter storage.HistoryFilter

		if status := req.GetString("status", ""); status != "" {
			switch s := storage.QueryStatus(status); s {
			case storage.StatusPending, storage.StatusInFlight, storage.StatusComplete, storage.StatusFailed:
				filter.Status = s
			default:
				return mcpError(fmt.Sprintf("unknown status %q", status)), nil
			}
		}
		filter.BillRef = req.GetString("bill", "")

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		queries, _, err := deps.Queries.History(filter, "", limit)
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}

		if len(queries) == 0 {
			return mcpText("[]"), nil
		}

		views := make([]QueryView, len(queries))
		for i, q := range queries {
			views[i] = queryView(q)
		}

		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpListBills(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		records, err := deps.Store.ListBills(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list bills: %v", err)), nil
		}

		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		views := make([]BillView, len(records))
		for i, b := range records {
			views[i] = billView(b)
		}

		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Queries.Stats()
		if err != nil {
			return nil, fmt.Errorf("failed to gather stats: %w", err)
		}

		b, err := json.Marshal(statsResponse(stats))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
