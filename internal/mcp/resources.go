package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
)

const (
	uriPendingConfirmations = "michi://confirmations/pending"
	uriRecentRuns           = "michi://runs/recent"
	uriRunPrefix            = "michi://runs/"
)

func (s *Server) registerResources() {
	// michi://confirmations/pending: tool calls waiting for the caller's decision.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriPendingConfirmations,
			"Pending Confirmations",
			mcplib.WithResourceDescription("Tool invocations awaiting the caller's approval, with run goal and safety decision"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingConfirmations,
	)

	// michi://runs/recent: the caller's latest runs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriRecentRuns,
			"Recent Runs",
			mcplib.WithResourceDescription("The caller's 20 most recent runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	// michi://runs/{id}: full record of one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriRunPrefix+"{id}",
			"Run Detail",
			mcplib.WithTemplateDescription("A run with its steps, invocations, decisions and evidence"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunDetail,
	)
}

func (s *Server) handlePendingConfirmations(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pending, err := s.store.ListPendingConfirmations(ctx, ctxutil.UserIDFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("mcp: pending confirmations: %w", err)
	}
	if pending == nil {
		pending = []model.PendingConfirmation{}
	}
	return jsonContents(uriPendingConfirmations, pending)
}

func (s *Server) handleRecentRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.store.ListRuns(ctx, ctxutil.UserIDFromContext(ctx), 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}
	if runs == nil {
		runs = []model.Run{}
	}
	return jsonContents(uriRecentRuns, runs)
}

func (s *Server) handleRunDetail(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, err := uuid.Parse(strings.TrimPrefix(uri, uriRunPrefix))
	if err != nil || !strings.HasPrefix(uri, uriRunPrefix) {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	detail, err := s.store.GetRunDetail(ctx, ctxutil.UserIDFromContext(ctx), runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run detail: %w", err)
	}
	return jsonContents(uri, detail)
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
