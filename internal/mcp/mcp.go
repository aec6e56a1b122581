// Package mcp exposes the agent runtime over the Model Context Protocol.
//
// MCP clients can start and resume runs, answer confirmation requests and
// inspect run history through tools, and read pending confirmations as a
// resource. Identity comes from the request context, the same as the HTTP
// API.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/model"
)

// RunStore is the part of the run store the MCP tools read from.
type RunStore interface {
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)
	ListRuns(ctx context.Context, userID string, limit, offset int) ([]model.Run, error)
	GetRunDetail(ctx context.Context, userID string, runID uuid.UUID) (model.RunDetail, error)
	ListPendingConfirmations(ctx context.Context, userID string) ([]model.PendingConfirmation, error)
}

// Server wraps the MCP server with the agent runtime.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runtime   *agent.Runtime
	store     RunStore
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(runtime *agent.Runtime, store RunStore, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runtime: runtime,
		store:   store,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"michi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
