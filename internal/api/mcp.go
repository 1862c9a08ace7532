package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sitesync/internal/offline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Queue   QueueService
	Version string
}

// NewMCPServer creates an MCP server exposing the offline queue.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"sitesync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("sitesync: offline queue of construction-site writes awaiting delivery to the site server."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("pending_actions",
			mcp.WithDescription("List queued actions that have not reached the server yet, oldest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of actions (default 50)")),
		),
		mcpPendingActions(deps),
	)

	s.AddTool(
		mcp.NewTool("pending_count",
			mcp.WithDescription("Number of queued actions awaiting delivery."),
		),
		mcpPendingCount(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_action",
			mcp.WithDescription("Queue a write for delivery when the server is reachable."),
			mcp.WithString("type", mcp.Description("CREATE_TASK, CREATE_ISSUE, CREATE_POST or ADD_MATERIAL"), mcp.Required()),
			mcp.WithString("payload", mcp.Description("JSON object with the action fields"), mcp.Required()),
		),
		mcpQueueAction(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Replay queued actions against the server now and report the outcome."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_pending",
			mcp.WithDescription("Discard every queued action without sending it. Irreversible."),
			mcp.WithBoolean("confirm", mcp.Description("Must be true"), mcp.Required()),
		),
		mcpClearPending(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"queue://pending",
			"Pending Actions",
			mcp.WithResourceDescription("Queued actions as a JSON array"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func() any { return deps.Queue.Pending() }),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://dropped",
			"Dropped Actions",
			mcp.WithResourceDescription("Actions removed after the server rejected them"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func() any { return deps.Queue.Dropped() }),
	)

	return s
}

func mcpPendingActions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}

		actions := deps.Queue.Pending()
		if len(actions) > limit {
			actions = actions[:limit]
		}
		if len(actions) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(actions)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal actions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPendingCount(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpText(fmt.Sprintf("%d", deps.Queue.Count())), nil
	}
}

func mcpQueueAction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		raw, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}

		payload, err := offline.DecodePayload(offline.Kind(kind), json.RawMessage(raw))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		id, err := deps.Queue.Enqueue(payload)
		if err != nil && !errors.Is(err, offline.ErrStorage) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpText(fmt.Sprintf("Queued action %s (not yet persisted: %v)", id, err)), nil
		}
		return mcpText(fmt.Sprintf("Queued action %s", id)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := deps.Queue.Drain(ctx)
		switch {
		case res.Skipped:
			return mcpText("A sync is already in progress."), nil
		case res.Offline:
			return mcpText("Server unreachable; actions stay queued."), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !req.GetBool("confirm", false) {
			return mcpError("confirm must be true to discard queued actions"), nil
		}
		n := deps.Queue.Count()
		if err := deps.Queue.Clear(); err != nil {
			return mcpError(fmt.Sprintf("failed to clear queue: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Discarded %d queued actions", n)), nil
	}
}

func mcpResourceJSON(load func() any) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(load())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal resource: %w", err)
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
