// Package builtin provides the host-default tools every deployment registers:
// user-scoped memory notes and the human confirmation request.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/tools"
)

// MemoryStore is the slice of the run store the memory tools need.
type MemoryStore interface {
	CreateMemory(ctx context.Context, m model.Memory) (model.Memory, error)
	ListMemory(ctx context.Context, userID string, memType model.MemoryType, limit int) ([]model.Memory, error)
}

// MemoryWriteArgs is the input of memory_write.
type MemoryWriteArgs struct {
	Type    model.MemoryType `json:"type" validate:"required,oneof=fact procedure preference warning concept" jsonschema:"enum=fact,enum=procedure,enum=preference,enum=warning,enum=concept"`
	Content string           `json:"content" validate:"required,max=4000"`
	Links   map[string]any   `json:"links,omitempty"`
}

// MemoryWriteResult is the output of memory_write.
type MemoryWriteResult struct {
	ID        uuid.UUID `json:"id" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryReadArgs is the input of memory_read.
type MemoryReadArgs struct {
	Type  model.MemoryType `json:"type,omitempty" validate:"omitempty,oneof=fact procedure preference warning concept"`
	Limit int              `json:"limit,omitempty" validate:"gte=0,lte=50"`
}

// MemoryReadResult is the output of memory_read.
type MemoryReadResult struct {
	Memories []MemoryNote `json:"memories" validate:"dive"`
}

// MemoryNote is one note as the agent sees it.
type MemoryNote struct {
	ID      uuid.UUID        `json:"id"`
	Type    model.MemoryType `json:"type" validate:"required"`
	Content string           `json:"content"`
	Links   map[string]any   `json:"links,omitempty"`
}

// ConfirmationArgs is the input of the confirmation tool.
type ConfirmationArgs struct {
	Question string `json:"question" validate:"required,max=2000"`
	Note     string `json:"note,omitempty" validate:"max=2000"`
}

// ConfirmationResult is returned once a human approved the request.
type ConfirmationResult struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

// MemoryWrite stores a note for the calling user.
func MemoryWrite(store MemoryStore) tools.Tool {
	return tools.Define(tools.Spec{
		Name:        "memory_write",
		Description: "Save a long-lived note about the user (fact, procedure, preference, warning, or concept).",
		Permission:  tools.PermWrite,
		SideEffects: true,
	}, func(ctx context.Context, tc tools.Context, in MemoryWriteArgs) (MemoryWriteResult, error) {
		m, err := store.CreateMemory(ctx, model.Memory{
			UserID:  tc.UserID,
			Type:    in.Type,
			Content: in.Content,
			Links:   in.Links,
		})
		if err != nil {
			return MemoryWriteResult{}, fmt.Errorf("memory_write: %w", err)
		}
		return MemoryWriteResult{ID: m.ID, CreatedAt: m.CreatedAt}, nil
	})
}

// MemoryRead lists the calling user's notes, newest first.
func MemoryRead(store MemoryStore) tools.Tool {
	return tools.Define(tools.Spec{
		Name:        "memory_read",
		Description: "Read the user's saved notes, newest first, optionally filtered by type.",
		Permission:  tools.PermRead,
	}, func(ctx context.Context, tc tools.Context, in MemoryReadArgs) (MemoryReadResult, error) {
		limit := in.Limit
		if limit == 0 {
			limit = 10
		}
		mems, err := store.ListMemory(ctx, tc.UserID, in.Type, limit)
		if err != nil {
			return MemoryReadResult{}, fmt.Errorf("memory_read: %w", err)
		}
		out := MemoryReadResult{Memories: make([]MemoryNote, 0, len(mems))}
		for _, m := range mems {
			out.Memories = append(out.Memories, MemoryNote{ID: m.ID, Type: m.Type, Content: m.Content, Links: m.Links})
		}
		return out, nil
	})
}

// Confirmation is the tool the guard always routes to a human. It only runs
// after approval, so executing it reports the approval.
func Confirmation(name string) tools.Tool {
	return tools.Define(tools.Spec{
		Name:        name,
		Description: "Ask the human to approve before continuing. Use before anything irreversible.",
		Permission:  tools.PermRead,
	}, func(_ context.Context, _ tools.Context, in ConfirmationArgs) (ConfirmationResult, error) {
		return ConfirmationResult{Approved: true, Note: in.Note}, nil
	})
}

// All returns the default tool set.
func All(store MemoryStore, confirmationTool string) []tools.Tool {
	return []tools.Tool{
		MemoryWrite(store),
		MemoryRead(store),
		Confirmation(confirmationTool),
	}
}
