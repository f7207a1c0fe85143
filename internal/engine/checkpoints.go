package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vetline/internal/domain"
	"vetline/internal/events"
)

// suspension describes the checkpoint a finishing path wants to create.
// Resolve, when set, closes out the previous checkpoint in the same
// transaction (sign-off approved, next suspension created atomically).
type suspension struct {
	Type      string
	Phase     domain.Phase
	Payload   domain.Artifact
	PivotKind string
	Gate      *domain.GateDecision
	Resolve   func(*sql.Tx) error
}

// finishSuspended persists the pending checkpoint and pauses the run. The
// partial unique index on checkpoints backs the single-pending invariant; a
// second pending insert for the same run fails the transaction.
func (e Engine) finishSuspended(ctx context.Context, run domain.ValidationRun, expected int64, st staged, sp suspension, actorID string) (AdvanceResult, error) {
	spec, err := e.Config.CheckpointSpecFor(sp.Type)
	if err != nil {
		return AdvanceResult{}, err
	}
	if run.HitlState != nil {
		return AdvanceResult{}, fmt.Errorf("run %s already suspended on %s", run.ID, *run.HitlState)
	}
	now := e.now().UTC()
	cp := domain.Checkpoint{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Type:      sp.Type,
		Phase:     sp.Phase,
		Payload:   sp.Payload,
		Status:    domain.CheckpointPending,
		PivotKind: sp.PivotKind,
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(spec.TTLDuration()).Format(time.RFC3339),
	}
	hitl := sp.Type
	run.Status = domain.RunPaused
	run.HitlState = &hitl

	extra := func(tx *sql.Tx) error {
		if sp.Resolve != nil {
			if err := sp.Resolve(tx); err != nil {
				return err
			}
		}
		return e.Repo.InsertCheckpointTx(ctx, tx, cp)
	}
	err = e.persist(ctx, run, expected, st, extra, events.CheckpointCreated, events.EventPayload{
		"checkpoint_id": cp.ID,
		"type":          cp.Type,
		"phase":         string(cp.Phase),
		"pivot_kind":    cp.PivotKind,
		"expires_at":    cp.ExpiresAt,
	}, actorID)
	if err != nil {
		return AdvanceResult{}, err
	}
	res := suspendedResult(run, cp)
	res.Gate = sp.Gate
	return res, nil
}

// ExpireStale sweeps pending checkpoints past their expiry. Each one is
// resolved as an implicit reject with feedback "expired" and routed through
// the checkpoint type's normal rejection policy. Returns the swept ids.
func (e Engine) ExpireStale(ctx context.Context, actorID string) ([]string, error) {
	stale, err := e.Repo.ExpiredPending(ctx, e.nowRFC3339())
	if err != nil {
		return nil, err
	}
	var swept []string
	var errs []error
	for _, cp := range stale {
		dec := domain.Decision{
			CheckpointID: cp.ID,
			Outcome:      domain.OutcomeReject,
			Feedback:     "expired",
			ActorID:      actorID,
		}
		_, err := e.withConflictRetry(ctx, cp.RunID, func() (AdvanceResult, error) {
			run, err := e.Repo.GetRun(ctx, cp.RunID)
			if err != nil {
				return AdvanceResult{}, err
			}
			if run.Status.Terminal() {
				return AdvanceResult{}, nil
			}
			fresh, err := e.Repo.GetCheckpoint(ctx, cp.ID)
			if err != nil {
				return AdvanceResult{}, err
			}
			if fresh.Status != domain.CheckpointPending {
				return AdvanceResult{}, nil
			}
			spec, err := e.Config.CheckpointSpecFor(fresh.Type)
			if err != nil {
				return AdvanceResult{}, err
			}
			return e.applyRejection(ctx, run, fresh, spec, dec, events.CheckpointExpired)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep checkpoint %s: %w", cp.ID, err))
			continue
		}
		swept = append(swept, cp.ID)
	}
	return swept, errors.Join(errs...)
}
