package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/accredit/internal/documents"
)

// MCPDeps holds dependencies for the MCP server. The stdio transport carries
// no credentials, so every tool acts as Identity.
type MCPDeps struct {
	App      AppDeps
	Identity Principal
}

// NewMCPServer creates an MCP server with the analysis tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"accredit",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("accredit maps evidence documents to accreditation standards and reports compliance."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("register_document",
			mcp.WithDescription("Register a plain-text evidence document and return its id."),
			mcp.WithString("text", mcp.Description("Document text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("category", mcp.Description("Evidence category, e.g. assessment or governance")),
		),
		mcpRegisterDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_document",
			mcp.WithDescription("Queue an analysis of a document against an accreditor's standards. Returns the job; an active job for the same document is returned instead of a new one."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
			mcp.WithString("accreditor", mcp.Description("Accreditor id, e.g. regional_commission"), mcp.Required()),
			mcp.WithString("analysis_depth", mcp.Description("quick, standard, detailed or comprehensive (default standard)")),
		),
		mcpAnalyzeDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Return the status, progress and results of an analysis job."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpGetJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_mappings",
			mcp.WithDescription("List evidence mappings for an accreditor with a coverage summary."),
			mcp.WithString("accreditor", mcp.Description("Accreditor id"), mcp.Required()),
			mcp.WithString("standard_code", mcp.Description("Restrict to one standard code")),
		),
		mcpGetMappings(deps),
	)

	s.AddTool(
		mcp.NewTool("compliance_snapshot",
			mcp.WithDescription("Compute the compliance snapshot for an accreditor: coverage, per-standard levels, gaps and risk."),
			mcp.WithString("accreditor", mcp.Description("Accreditor id"), mcp.Required()),
		),
		mcpComplianceSnapshot(deps),
	)

	return s
}

func mcpRegisterDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || text == "" {
			return mcpError("text is required"), nil
		}
		doc, err := deps.App.Documents.Register(ctx, documents.RegisterRequest{
			OwnerID:       deps.Identity.UserID,
			InstitutionID: deps.Identity.InstitutionID,
			Title:         req.GetString("title", ""),
			Category:      req.GetString("category", ""),
			Text:          text,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to register document: %v", err)), nil
		}
		return mcpJSON(map[string]string{"id": doc.ID, "title": doc.Title})
	}
}

func mcpAnalyzeDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		accreditor, err := req.RequireString("accreditor")
		if err != nil {
			return mcpError("accreditor is required"), nil
		}

		job, err := deps.App.createJob(ctx, deps.Identity, documentID, accreditor, req.GetString("analysis_depth", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("analysis not started: %v", err)), nil
		}
		return mcpJSON(map[string]any{"job_id": job.ID, "status": job.Status, "progress": job.Progress})
	}
}

func mcpGetJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		job, err := deps.App.loadJob(ctx, deps.Identity, jobID)
		if err != nil {
			return mcpError(fmt.Sprintf("job %s: %v", jobID, err)), nil
		}
		return mcpJSON(job)
	}
}

func mcpGetMappings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accreditor, err := req.RequireString("accreditor")
		if err != nil {
			return mcpError("accreditor is required"), nil
		}
		resp, err := deps.App.listMappings(ctx, deps.Identity, accreditor, req.GetString("standard_code", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("listing mappings failed: %v", err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpComplianceSnapshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accreditor, err := req.RequireString("accreditor")
		if err != nil {
			return mcpError("accreditor is required"), nil
		}
		snap, err := deps.App.Aggregator.Snapshot(ctx, deps.Identity.InstitutionID, accreditor)
		if err != nil {
			return mcpError(fmt.Sprintf("snapshot failed: %v", err)), nil
		}
		return mcpJSON(snap)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
