package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vetline/internal/config"
	"vetline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means a concurrent writer updated the run between
	// our load and save. Callers retry from freshly loaded state.
	ErrVersionConflict = errors.New("version conflict")
)

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- project configs ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- runs ---

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.ValidationRun) error {
	iterations, err := marshalIterations(run.Iterations)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(id,project_id,current_phase,status,hitl_state,iterations_json,fail_reason,final_decision,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, string(run.CurrentPhase), string(run.Status), run.HitlState, iterations,
		nullable(run.FailReason), nullable(run.FinalDecision), run.Version, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.ValidationRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT id,project_id,current_phase,status,hitl_state,iterations_json,fail_reason,final_decision,version,created_at,updated_at
FROM runs WHERE id=?`, id))
}

// SaveRunTx persists run state guarded by the version the caller loaded.
// The stored version advances by one; a concurrent writer in between makes
// the WHERE clause miss and surfaces ErrVersionConflict.
func (r Repo) SaveRunTx(ctx context.Context, tx *sql.Tx, run domain.ValidationRun, expectedVersion int64) error {
	iterations, err := marshalIterations(run.Iterations)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET current_phase=?,status=?,hitl_state=?,iterations_json=?,fail_reason=?,final_decision=?,version=?,updated_at=?
WHERE id=? AND version=?`,
		string(run.CurrentPhase), string(run.Status), run.HitlState, iterations,
		nullable(run.FailReason), nullable(run.FinalDecision), expectedVersion+1, run.UpdatedAt,
		run.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) ListRuns(ctx context.Context, projectID string, status domain.RunStatus) ([]domain.ValidationRun, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(status))
	}
	query := `SELECT id,project_id,current_phase,status,hitl_state,iterations_json,fail_reason,final_decision,version,created_at,updated_at
FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRun
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func scanRun(row *sql.Row) (domain.ValidationRun, error) {
	var run domain.ValidationRun
	var phase, status, iterations string
	var hitl, failReason, finalDecision sql.NullString
	err := row.Scan(&run.ID, &run.ProjectID, &phase, &status, &hitl, &iterations, &failReason, &finalDecision, &run.Version, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	return fillRun(run, phase, status, iterations, hitl, failReason, finalDecision)
}

func scanRunRows(rows *sql.Rows) (domain.ValidationRun, error) {
	var run domain.ValidationRun
	var phase, status, iterations string
	var hitl, failReason, finalDecision sql.NullString
	if err := rows.Scan(&run.ID, &run.ProjectID, &phase, &status, &hitl, &iterations, &failReason, &finalDecision, &run.Version, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return run, err
	}
	return fillRun(run, phase, status, iterations, hitl, failReason, finalDecision)
}

func fillRun(run domain.ValidationRun, phase, status, iterations string, hitl, failReason, finalDecision sql.NullString) (domain.ValidationRun, error) {
	run.CurrentPhase = domain.Phase(phase)
	run.Status = domain.RunStatus(status)
	if hitl.Valid {
		v := hitl.String
		run.HitlState = &v
	}
	if failReason.Valid {
		run.FailReason = failReason.String
	}
	if finalDecision.Valid {
		run.FinalDecision = finalDecision.String
	}
	run.Iterations = map[domain.Phase]int{}
	if iterations != "" {
		if err := json.Unmarshal([]byte(iterations), &run.Iterations); err != nil {
			return run, fmt.Errorf("decode iterations: %w", err)
		}
	}
	return run, nil
}

func marshalIterations(m map[domain.Phase]int) (string, error) {
	if m == nil {
		m = map[domain.Phase]int{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- artifacts (append-only) ---

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.PhaseArtifact) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal artifact payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(id,run_id,phase,iteration,revision,payload_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.RunID, string(a.Phase), a.Iteration, a.Revision, string(payload), a.CreatedAt)
	return err
}

// NextArtifactRevision returns the next free revision for a (phase, iteration)
// slot. Revisions start at 0.
func (r Repo) NextArtifactRevision(ctx context.Context, runID string, phase domain.Phase, iteration int) (int, error) {
	var next int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision)+1, 0) FROM artifacts WHERE run_id=? AND phase=? AND iteration=?`,
		runID, string(phase), iteration).Scan(&next)
	return next, err
}

func (r Repo) ListArtifacts(ctx context.Context, runID string) ([]domain.PhaseArtifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,phase,iteration,revision,payload_json,created_at
FROM artifacts WHERE run_id=? ORDER BY created_at ASC, iteration ASC, revision ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestArtifact returns the highest iteration/revision entry for a phase.
func (r Repo) LatestArtifact(ctx context.Context, runID string, phase domain.Phase) (domain.PhaseArtifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,phase,iteration,revision,payload_json,created_at
FROM artifacts WHERE run_id=? AND phase=? ORDER BY iteration DESC, revision DESC LIMIT 1`, runID, string(phase))
	if err != nil {
		return domain.PhaseArtifact{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.PhaseArtifact{}, err
		}
		return domain.PhaseArtifact{}, ErrNotFound
	}
	return scanArtifact(rows)
}

// LatestArtifacts returns the newest artifact per phase for a run.
func (r Repo) LatestArtifacts(ctx context.Context, runID string) (map[domain.Phase]domain.Artifact, error) {
	all, err := r.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	latest := make(map[domain.Phase]domain.PhaseArtifact)
	for _, a := range all {
		cur, ok := latest[a.Phase]
		if !ok || a.Iteration > cur.Iteration || (a.Iteration == cur.Iteration && a.Revision > cur.Revision) {
			latest[a.Phase] = a
		}
	}
	out := make(map[domain.Phase]domain.Artifact, len(latest))
	for phase, a := range latest {
		out[phase] = a.Payload
	}
	return out, nil
}

func scanArtifact(rows *sql.Rows) (domain.PhaseArtifact, error) {
	var a domain.PhaseArtifact
	var phase, payload string
	if err := rows.Scan(&a.ID, &a.RunID, &phase, &a.Iteration, &a.Revision, &payload, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Phase = domain.Phase(phase)
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return a, fmt.Errorf("decode artifact payload: %w", err)
	}
	return a, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id > cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
