package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/threadcorpus/internal/storage"
)

// NewMCPServer creates an MCP server exposing the status API reads as
// tools. Tools whose source is nil in deps answer with a tool error.
func NewMCPServer(deps StatusDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"threadcorpus",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("threadcorpus: progress, community report and run history of Reddit dump parses."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("status",
			mcp.WithDescription("Live progress of the parse run in this process."),
		),
		mcpStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("report",
			mcp.WithDescription("Qualifying comments per community, largest first."),
			mcp.WithNumber("top", mcp.Description("Number of communities to return (default 20, 0 returns all)")),
		),
		mcpReport(deps),
	)

	s.AddTool(
		mcp.NewTool("runs",
			mcp.WithDescription("Recent parse runs from the run ledger, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		mcpRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("One parse run with its flush cycles and output shards."),
			mcp.WithString("id", mcp.Description("Run ID"), mcp.Required()),
		),
		mcpGetRun(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"threadcorpus://report",
			"Community Report",
			mcp.WithResourceDescription("Full per-community tally as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceReport(deps),
	)

	return s
}

func mcpStatus(deps StatusDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Progress == nil {
			return mcpError("no parse run in this process"), nil
		}
		return mcpJSON(deps.Progress.Progress()), nil
	}
}

func mcpReport(deps StatusDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Report == nil {
			return mcpError("no report available"), nil
		}
		top := req.GetInt("top", 20)
		if top < 0 {
			top = 20
		}
		if top > 10000 {
			top = 10000
		}
		return mcpJSON(newReportView(deps.Report, top)), nil
	}
}

func mcpRuns(deps StatusDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Runs == nil {
			return mcpError("run ledger is disabled"), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		runs, err := listRunViews(deps.Runs, limit)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(runs), nil
	}
}

func mcpGetRun(deps StatusDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Runs == nil {
			return mcpError("run ledger is disabled"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		detail, err := loadRunDetail(deps.Runs, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", id)), nil
		}
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(detail), nil
	}
}

func mcpResourceReport(deps StatusDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Report == nil {
			return nil, errors.New("no report available")
		}
		b, err := json.Marshal(newReportView(deps.Report, 0))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal report: %w", err)
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

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
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
