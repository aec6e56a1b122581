package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EvidenceSource enumerates evidence source types.
type EvidenceSource string

const (
	SourceTool      EvidenceSource = "tool"
	SourceMemory    EvidenceSource = "memory"
	SourceDocument  EvidenceSource = "document"
	SourceUserInput EvidenceSource = "user_input"
	SourceOther     EvidenceSource = "other"
)

// ParseEvidenceSource maps s onto the closed set, falling back to other.
func ParseEvidenceSource(s string) EvidenceSource {
	switch src := EvidenceSource(s); src {
	case SourceTool, SourceMemory, SourceDocument, SourceUserInput:
		return src
	default:
		return SourceOther
	}
}

// Evidence links a plan claim to supporting (or absent) data. Immutable.
type Evidence struct {
	ID           uuid.UUID      `json:"id"`
	RunID        uuid.UUID      `json:"run_id"`
	Claim        string         `json:"claim"`
	EvidenceText string         `json:"evidence_text"`
	SourceType   EvidenceSource `json:"source_type"`
	SourceRef    *string        `json:"source_ref,omitempty"`
	Confidence   float64        `json:"confidence"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Experience is a post-hoc summary of a completed run.
type Experience struct {
	ID             uuid.UUID        `json:"id"`
	UserID         string           `json:"user_id"`
	RunID          uuid.UUID        `json:"run_id"`
	Tags           []string         `json:"tags"`
	Situation      string           `json:"situation"`
	ActionsSummary string           `json:"actions_summary"`
	Outcome        string           `json:"outcome"`
	EvalScore      *float64         `json:"eval_score,omitempty"`
	Embedding      *pgvector.Vector `json:"-"`
	CreatedAt      time.Time        `json:"created_at"`

	// Similarity is populated by recall queries only.
	Similarity *float32 `json:"similarity,omitempty"`
}

// MemoryType classifies a user-scoped memory note.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryProcedure  MemoryType = "procedure"
	MemoryPreference MemoryType = "preference"
	MemoryWarning    MemoryType = "warning"
	MemoryConcept    MemoryType = "concept"
)

// Memory is a long-lived structured note the agent writes and reads.
type Memory struct {
	ID        uuid.UUID      `json:"id"`
	UserID    string         `json:"user_id"`
	Type      MemoryType     `json:"type"`
	Content   string         `json:"content"`
	Links     map[string]any `json:"links,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
