package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
)

// GetRunDetail loads a run and all of its child records, scoped to userID.
func (db *DB) GetRunDetail(ctx context.Context, userID string, runID uuid.UUID) (model.RunDetail, error) {
	run, err := db.GetRun(ctx, userID, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	detail := model.RunDetail{Run: run}
	if detail.Steps, err = db.ListSteps(ctx, runID); err != nil {
		return model.RunDetail{}, err
	}
	if detail.Invocations, err = db.ListInvocations(ctx, runID); err != nil {
		return model.RunDetail{}, err
	}
	if detail.SafetyDecisions, err = db.ListSafetyDecisions(ctx, runID); err != nil {
		return model.RunDetail{}, err
	}
	if detail.RoutingDecisions, err = db.ListRoutingDecisions(ctx, runID); err != nil {
		return model.RunDetail{}, err
	}
	if detail.Evidence, err = db.ListEvidence(ctx, runID); err != nil {
		return model.RunDetail{}, err
	}
	return detail, nil
}
