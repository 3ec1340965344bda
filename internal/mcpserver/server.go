// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the reconciliation engine to LLM clients via stdio
// transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/recon"
	"github.com/starford/ansuz/internal/spool"
	"github.com/starford/ansuz/internal/treestore"
)

// Server wraps the MCP server with Ansuz tools.
type Server struct {
	mcp   *server.MCPServer
	spool spool.Store
	tree  treestore.Store
	recon *recon.Reconciler
}

// New creates a new MCP server with all Ansuz tools registered.
func New(sp spool.Store, tree treestore.Store, rc *recon.Reconciler) *Server {
	s := &Server{spool: sp, tree: tree, recon: rc}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_pages",
		mcp.WithDescription("List every notebook page the spool knows, with stroke counters and the last pass state."),
	), s.listPages)

	s.mcp.AddTool(mcp.NewTool("page_status",
		mcp.WithDescription("Status of one page: stroke counters, live pass state, and the last journaled pass."),
		mcp.WithString("page", mcp.Required(), mcp.Description("Page key (e.g. s3.o27.b603.p57)")),
	), s.pageStatus)

	s.mcp.AddTool(mcp.NewTool("pending_ink",
		mcp.WithDescription("List spooled strokes of a page that no pass has consumed yet."),
		mcp.WithString("page", mcp.Required(), mcp.Description("Page key")),
	), s.pendingInk)

	s.mcp.AddTool(mcp.NewTool("reconcile_page",
		mcp.WithDescription("Run one reconciliation pass over a page and return its report. "+
			"At most one pass runs per page; a concurrent trigger is refused."),
		mcp.WithString("page", mcp.Required(), mcp.Description("Page key")),
	), s.reconcilePage)

	s.mcp.AddTool(mcp.NewTool("page_report",
		mcp.WithDescription("Return the last journaled pass report of a page."),
		mcp.WithString("page", mcp.Required(), mcp.Description("Page key")),
	), s.pageReport)

	s.mcp.AddTool(mcp.NewTool("read_transcription",
		mcp.WithDescription("Read the transcribed outline of a page as an indented bullet list."),
		mcp.WithString("page", mcp.Required(), mcp.Description("Page key")),
	), s.readTranscription)

	s.mcp.AddTool(mcp.NewTool("get_batch_contract",
		mcp.WithDescription("Returns the canonical ink batch file format. "+
			"Call this before composing batches for the drop directory or the API, "+
			"or read the ansuz://batch-format resource."),
	), s.getBatchContract)

	// Resource: ink batch format contract.
	s.mcp.AddResource(
		mcp.NewResource("ansuz://batch-format", "Ink Batch Format Contract",
			mcp.WithResourceDescription("Canonical JSON schema for ink batch files and API stroke submissions."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readBatchFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// pageArg extracts and parses the required "page" argument.
func pageArg(req mcp.CallToolRequest) (models.PageID, error) {
	key, err := req.RequireString("page")
	if err != nil {
		return models.PageID{}, err
	}
	return models.ParsePageKey(key)
}

func (s *Server) listPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rows, err := s.spool.ListPages()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(rows) == 0 {
		return mcp.NewToolResultText("no pages spooled"), nil
	}
	out, _ := json.MarshalIndent(rows, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) pageStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := pageArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := s.spool.ListPages()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	key := page.Key()
	var row *spool.PageStatus
	for i := range rows {
		if rows[i].PageKey == key {
			row = &rows[i]
			break
		}
	}
	if row == nil {
		return mcp.NewToolResultError(fmt.Sprintf("unknown page: %s", key)), nil
	}

	status := map[string]any{
		"page":    row.PageKey,
		"strokes": row.Strokes,
		"pending": row.Pending,
		"deleted": row.Deleted,
		"state":   s.recon.PageState(key),
	}
	if rec, lpErr := s.spool.LastPass(key); lpErr == nil {
		status["lastPass"] = rec
	}
	out, _ := json.MarshalIndent(status, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

// pendingStroke is the per-stroke line of the pending_ink listing.
type pendingStroke struct {
	ID        string  `json:"id"`
	StartTime int64   `json:"startTime"`
	MinY      float64 `json:"minY"`
	MaxY      float64 `json:"maxY"`
}

func (s *Server) pendingInk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := pageArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	strokes, err := s.spool.Strokes(page.Key())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var pending []pendingStroke
	for i := range strokes {
		st := &strokes[i]
		if st.Deleted || st.Associated() {
			continue
		}
		p := pendingStroke{ID: st.ID, StartTime: st.StartTime}
		if span, ok := st.YSpan(); ok {
			p.MinY = span.MinY
			p.MaxY = span.MaxY
		}
		pending = append(pending, p)
	}
	if len(pending) == 0 {
		return mcp.NewToolResultText("no pending ink"), nil
	}
	out, _ := json.MarshalIndent(pending, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) reconcilePage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := pageArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rep, err := s.recon.Reconcile(ctx, page, recon.PassOptions{})
	if err != nil {
		if errors.Is(err, apperr.ErrPassInFlight) {
			return mcp.NewToolResultError(fmt.Sprintf("pass already in flight for %s", page.Key())), nil
		}
		if rep == nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		// Failed passes still carry a report with partial counts.
	}
	out, _ := json.MarshalIndent(rep, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) pageReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := pageArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.spool.LastPass(page.Key())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no pass recorded for %s", page.Key())), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(rec, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readTranscription(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := pageArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	blocks, err := s.tree.PageTree(ctx, page.OutlinePage())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no outline page for %s", page.Key())), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	var anchor *models.Block
	for _, b := range blocks {
		if strings.TrimSpace(b.Content) == models.AnchorContent {
			anchor = b
			break
		}
	}
	if anchor == nil || len(anchor.Children) == 0 {
		return mcp.NewToolResultText("no transcription yet"), nil
	}

	var sb strings.Builder
	for _, c := range anchor.Children {
		writeOutline(&sb, c, 0)
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}

func writeOutline(sb *strings.Builder, b *models.Block, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString("- ")
	sb.WriteString(b.Content)
	sb.WriteString("\n")
	for _, c := range b.Children {
		writeOutline(sb, c, depth+1)
	}
}

func (s *Server) getBatchContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(BatchFormatContract), nil
}

func (s *Server) readBatchFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "ansuz://batch-format",
			MIMEType: "text/markdown",
			Text:     BatchFormatContract,
		},
	}, nil
}
