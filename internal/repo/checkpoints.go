package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"vetline/internal/domain"
)

// ErrAlreadyResolved means a second resolution attempt hit a checkpoint that
// is no longer pending. Resolutions are never overwritten.
var ErrAlreadyResolved = errors.New("checkpoint already resolved")

func (r Repo) InsertCheckpointTx(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal checkpoint payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints(id,run_id,checkpoint_type,phase,payload_json,status,feedback,reject_route,pivot_kind,created_at,expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.RunID, c.Type, string(c.Phase), string(payload), c.Status,
		nullable(c.Feedback), nullable(c.RejectRoute), nullable(c.PivotKind), c.CreatedAt, c.ExpiresAt)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	row := r.DB.QueryRowContext(ctx, checkpointSelect+` WHERE id=?`, id)
	return scanCheckpointRow(row)
}

// PendingCheckpoint returns the single pending checkpoint for a run.
func (r Repo) PendingCheckpoint(ctx context.Context, runID string) (domain.Checkpoint, error) {
	row := r.DB.QueryRowContext(ctx, checkpointSelect+` WHERE run_id=? AND status=?`, runID, domain.CheckpointPending)
	return scanCheckpointRow(row)
}

// ResolveCheckpointTx performs the single allowed terminal transition of a
// checkpoint. The conditional UPDATE makes resolution atomic: the loser of a
// race sees zero affected rows and gets ErrAlreadyResolved.
func (r Repo) ResolveCheckpointTx(ctx context.Context, tx *sql.Tx, id, status string, edits domain.Artifact, feedback, rejectRoute, resolvedAt string) error {
	if status != domain.CheckpointApproved && status != domain.CheckpointRejected {
		return fmt.Errorf("invalid checkpoint resolution %q", status)
	}
	var editsJSON any
	if len(edits) > 0 {
		b, err := json.Marshal(edits)
		if err != nil {
			return fmt.Errorf("marshal user edits: %w", err)
		}
		editsJSON = string(b)
	}
	res, err := tx.ExecContext(ctx, `UPDATE checkpoints SET status=?, user_edits_json=?, feedback=?, reject_route=?, resolved_at=?
WHERE id=? AND status=?`,
		status, editsJSON, nullable(feedback), nullable(rejectRoute), resolvedAt, id, domain.CheckpointPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.GetCheckpoint(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (r Repo) ListCheckpointsByRun(ctx context.Context, runID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, checkpointSelect+` WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCheckpoints(rows)
}

// ExpiredPending returns pending checkpoints whose expiry is at or before now.
func (r Repo) ExpiredPending(ctx context.Context, now string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, checkpointSelect+` WHERE status=? AND expires_at<=? ORDER BY expires_at ASC`,
		domain.CheckpointPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCheckpoints(rows)
}

const checkpointSelect = `SELECT id,run_id,checkpoint_type,phase,payload_json,status,user_edits_json,feedback,reject_route,pivot_kind,created_at,resolved_at,expires_at
FROM checkpoints`

func scanCheckpointRow(row *sql.Row) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var phase, payload string
	var edits, feedback, route, pivot, resolvedAt sql.NullString
	err := row.Scan(&c.ID, &c.RunID, &c.Type, &phase, &payload, &c.Status, &edits, &feedback, &route, &pivot, &c.CreatedAt, &resolvedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	return fillCheckpoint(c, phase, payload, edits, feedback, route, pivot, resolvedAt)
}

func collectCheckpoints(rows *sql.Rows) ([]domain.Checkpoint, error) {
	var res []domain.Checkpoint
	for rows.Next() {
		var c domain.Checkpoint
		var phase, payload string
		var edits, feedback, route, pivot, resolvedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Type, &phase, &payload, &c.Status, &edits, &feedback, &route, &pivot, &c.CreatedAt, &resolvedAt, &c.ExpiresAt); err != nil {
			return nil, err
		}
		filled, err := fillCheckpoint(c, phase, payload, edits, feedback, route, pivot, resolvedAt)
		if err != nil {
			return nil, err
		}
		res = append(res, filled)
	}
	return res, rows.Err()
}

func fillCheckpoint(c domain.Checkpoint, phase, payload string, edits, feedback, route, pivot, resolvedAt sql.NullString) (domain.Checkpoint, error) {
	c.Phase = domain.Phase(phase)
	if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
		return c, fmt.Errorf("decode checkpoint payload: %w", err)
	}
	if edits.Valid && edits.String != "" {
		if err := json.Unmarshal([]byte(edits.String), &c.UserEdits); err != nil {
			return c, fmt.Errorf("decode user edits: %w", err)
		}
	}
	if feedback.Valid {
		c.Feedback = feedback.String
	}
	if route.Valid {
		c.RejectRoute = route.String
	}
	if pivot.Valid {
		c.PivotKind = pivot.String
	}
	if resolvedAt.Valid {
		v := resolvedAt.String
		c.ResolvedAt = &v
	}
	return c, nil
}
