// Package mcpserver exposes register history read-only over the Model
// Context Protocol, so assistants can look up what was exported.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zombor/irys/internal/store"
)

// Tools answers MCP tool calls from a store
type Tools struct {
	store store.Reader
}

// NewTools creates tool handlers reading from st
func NewTools(st store.Reader) *Tools {
	return &Tools{store: st}
}

// New builds an MCP server with the register history tools registered
func New(st store.Reader, version string) *server.MCPServer {
	t := NewTools(st)
	s := server.NewMCPServer("irys", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_exports",
		mcp.WithDescription("List the export batches committed to a register, newest first"),
		mcp.WithString("eventName", mcp.Required(), mcp.Description("Register (event) name")),
	), t.ListExports)

	s.AddTool(mcp.NewTool("get_export_rows",
		mcp.WithDescription("Get the rows committed by one export batch"),
		mcp.WithString("eventName", mcp.Required(), mcp.Description("Register (event) name")),
		mcp.WithString("exportId", mcp.Required(), mcp.Description("Export id from list_exports")),
	), t.GetExportRows)

	s.AddTool(mcp.NewTool("get_register",
		mcp.WithDescription("Get the typed columns of a register"),
		mcp.WithString("eventName", mcp.Required(), mcp.Description("Register (event) name")),
	), t.GetRegister)

	s.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Get a capture session with its status and audit trail"),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session id")),
	), t.GetSession)

	return s
}

func (t *Tools) ListExports(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventName, err := req.RequireString("eventName")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exports, err := t.store.ListExports(ctx, eventName)
	if err != nil {
		return failure("listing exports", err)
	}
	return jsonResult(map[string]any{"eventName": eventName, "exports": exports})
}

func (t *Tools) GetExportRows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventName, err := req.RequireString("eventName")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exportID, err := req.RequireString("exportId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := t.store.GetExportRows(ctx, eventName, exportID)
	if err != nil {
		return failure("getting export rows", err)
	}
	return jsonResult(map[string]any{
		"eventName": eventName,
		"exportId":  exportID,
		"rowCount":  len(rows),
		"rows":      rows,
	})
}

func (t *Tools) GetRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventName, err := req.RequireString("eventName")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sch, err := t.store.GetSchemaByEvent(ctx, eventName)
	if err != nil {
		return failure("getting register", err)
	}
	return jsonResult(sch)
}

func (t *Tools) GetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := t.store.GetSession(ctx, id)
	if err != nil {
		return failure("getting session", err)
	}
	events, err := t.store.ListAudit(ctx, id)
	if err != nil {
		return failure("listing audit events", err)
	}
	return jsonResult(map[string]any{"session": sess, "audit": events})
}

// failure reports not found as a tool error; anything else fails the call
func failure(doing string, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError("not found"), nil
	}
	return nil, fmt.Errorf("%s: %w", doing, err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
