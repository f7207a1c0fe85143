// Package engine is the run coordinator: it owns every transition of a
// validation run's status and current phase. Phase executors produce
// artifacts, the gate classifies them, and the engine either advances,
// suspends on a checkpoint, or terminates the run. Each Advance/Resume call
// is a short-lived unit of work; nothing blocks while a human decides.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vetline/internal/config"
	"vetline/internal/domain"
	"vetline/internal/events"
	"vetline/internal/executor"
	"vetline/internal/gate"
	"vetline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Executors *executor.Registry
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *executor.Registry) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Executors: reg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Actions reported by AdvanceResult.
const (
	ActionSuspended = "suspended"
	ActionIterating = "iterating"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
	ActionAbandoned = "abandoned"
)

// AdvanceResult describes where an Advance/Resume/Abandon call left the run.
type AdvanceResult struct {
	RunID      string               `json:"run_id"`
	Action     string               `json:"action" enum:"suspended,iterating,completed,failed,abandoned"`
	Phase      domain.Phase         `json:"phase"`
	Status     domain.RunStatus     `json:"status"`
	Checkpoint *domain.Checkpoint   `json:"checkpoint,omitempty"`
	Gate       *domain.GateDecision `json:"gate,omitempty"`
	Message    string               `json:"message,omitempty"`
}

// Version-conflict losers retry from freshly loaded state before giving up.
const (
	conflictRetries = 3
	conflictBackoff = 25 * time.Millisecond
)

func (e Engine) withConflictRetry(ctx context.Context, runID string, op func() (AdvanceResult, error)) (AdvanceResult, error) {
	var res AdvanceResult
	var err error
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		res, err = op()
		if !errors.Is(err, repo.ErrVersionConflict) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return AdvanceResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * conflictBackoff):
		}
	}
	return AdvanceResult{}, fmt.Errorf("run %s: %w", runID, ErrConcurrentModification)
}

// InitProject creates a project with its default run configuration.
func (e Engine) InitProject(ctx context.Context, projectID, name, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowRFC3339(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// StartRun creates a running validation run positioned at the brief phase.
func (e Engine) StartRun(ctx context.Context, projectID, actorID string) (domain.ValidationRun, error) {
	if e.Config == nil {
		return domain.ValidationRun{}, errors.New("config not loaded")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationRun{}, fmt.Errorf("project %s: %w", projectID, ErrInvalidProject)
		}
		return domain.ValidationRun{}, err
	}
	ts := e.nowRFC3339()
	run := domain.ValidationRun{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		CurrentPhase: domain.PhaseBrief,
		Status:       domain.RunRunning,
		Iterations:   map[domain.Phase]int{},
		Version:      1,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.ValidationRun{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.AppendRun(ctx, tx, events.RunStarted, projectID, run.ID, actorID, events.EventPayload{"phase": string(run.CurrentPhase)}); err != nil {
		return domain.ValidationRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationRun{}, err
	}
	return run, nil
}

// Advance executes phases from the run's persisted cursor until the run
// suspends, iterates, or terminates. Calling it on a paused run is a no-op
// that reports the pending checkpoint again.
func (e Engine) Advance(ctx context.Context, runID, actorID string) (AdvanceResult, error) {
	return e.withConflictRetry(ctx, runID, func() (AdvanceResult, error) {
		return e.advanceOnce(ctx, runID, actorID)
	})
}

func (e Engine) advanceOnce(ctx context.Context, runID, actorID string) (AdvanceResult, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if run.Status.Terminal() {
		return AdvanceResult{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunTerminated)
	}
	if run.Status == domain.RunPaused {
		cp, err := e.Repo.PendingCheckpoint(ctx, runID)
		if err != nil {
			return AdvanceResult{}, fmt.Errorf("paused run %s has no pending checkpoint: %w", runID, err)
		}
		return suspendedResult(run, cp), nil
	}
	state, err := e.Repo.LatestArtifacts(ctx, runID)
	if err != nil {
		return AdvanceResult{}, err
	}
	return e.execute(ctx, run, executor.PhaseState(state), actorID)
}

// execute walks the phase sequence from run.CurrentPhase. Every path out of
// the loop persists the staged artifacts and the new run state in one
// transaction, so a crash mid-walk loses only executor output and the
// executor re-runs on the next Advance.
func (e Engine) execute(ctx context.Context, run domain.ValidationRun, state executor.PhaseState, actorID string) (AdvanceResult, error) {
	expected := run.Version
	var st staged
	if state == nil {
		state = executor.PhaseState{}
	}
	for steps := 0; steps <= len(domain.PhaseSequence); steps++ {
		phase := run.CurrentPhase
		if !domain.ValidPhase(phase) {
			return AdvanceResult{}, fmt.Errorf("run %s: phase %s is not executable", run.ID, phase)
		}
		exec, err := e.Executors.For(phase)
		if err != nil {
			return AdvanceResult{}, err
		}
		artifact, execErr := exec.Execute(ctx, phase, state)
		if execErr != nil {
			reason := fmt.Sprintf("%s: phase %s: %v", ReasonExecutor, phase, execErr)
			return e.finishFailed(ctx, run, expected, st, phase, reason, actorID, nil)
		}
		if err := e.stageArtifact(ctx, &st, run, phase, artifact); err != nil {
			return AdvanceResult{}, err
		}
		state[phase] = artifact

		// Real-spend actions suspend before the gate ever sees them.
		if t := artifact.RequiresApproval(); t != "" {
			if !config.ActionCheckpointType(t) {
				return AdvanceResult{}, fmt.Errorf("run %s: phase %s requested unknown approval %q", run.ID, phase, t)
			}
			return e.finishSuspended(ctx, run, expected, st, suspension{
				Type: t, Phase: phase, Payload: artifact,
			}, actorID)
		}

		dec := gate.Evaluate(phase, artifact)
		st.events = append(st.events, stagedEvent{events.GateDecided, events.EventPayload{
			"phase":     string(phase),
			"outcome":   string(dec.Outcome),
			"signal":    dec.Signal,
			"value":     dec.Value,
			"readiness": dec.Readiness,
			"reason":    dec.Reason,
		}})

		switch dec.Outcome {
		case domain.GateProceed:
			if signoff := e.Config.SignoffFor(phase); signoff != "" {
				return e.finishSuspended(ctx, run, expected, st, suspension{
					Type: signoff, Phase: phase, Payload: artifact, Gate: &dec,
				}, actorID)
			}
			next, ok := domain.NextPhase(phase)
			if !ok {
				return e.finishSuspended(ctx, run, expected, st, suspension{
					Type: config.CheckpointRequestHumanDecision, Phase: phase,
					Payload: finalPayload(state), Gate: &dec,
				}, actorID)
			}
			run.CurrentPhase = next

		case domain.GateIterate:
			target := dec.TargetPhase
			if !domain.ValidPhase(target) {
				target = phase
			}
			n, ok := e.bumpIteration(&run, target)
			if !ok {
				reason := fmt.Sprintf("%s: phase %s exceeded %d iterations", ReasonMaxIterations, target, e.Config.MaxIterations())
				return e.finishFailed(ctx, run, expected, st, phase, reason, actorID, nil)
			}
			run.CurrentPhase = target
			return e.finishIterating(ctx, run, expected, st, target, n, &dec, dec.Reason, actorID, nil)

		case domain.GatePivot:
			signoff := e.Config.SignoffFor(phase)
			if signoff == "" {
				signoff = config.CheckpointRequestHumanDecision
			}
			return e.finishSuspended(ctx, run, expected, st, suspension{
				Type: signoff, Phase: phase, Payload: artifact,
				PivotKind: dec.PivotKind, Gate: &dec,
			}, actorID)

		default:
			reason := dec.Reason
			if reason == "" {
				reason = fmt.Sprintf("gate failed phase %s", phase)
			}
			return e.finishFailed(ctx, run, expected, st, phase, reason, actorID, nil)
		}
	}
	return AdvanceResult{}, fmt.Errorf("run %s: phase walk did not terminate", run.ID)
}

// Resume resolves the pending checkpoint named by the decision and routes the
// run per the checkpoint type's semantics.
func (e Engine) Resume(ctx context.Context, dec domain.Decision) (AdvanceResult, error) {
	if dec.CheckpointID == "" {
		return AdvanceResult{}, validationErrorf("checkpoint_id is required")
	}
	if dec.Outcome != domain.OutcomeApprove && dec.Outcome != domain.OutcomeReject {
		return AdvanceResult{}, validationErrorf("outcome must be %q or %q", domain.OutcomeApprove, domain.OutcomeReject)
	}
	cp, err := e.Repo.GetCheckpoint(ctx, dec.CheckpointID)
	if err != nil {
		return AdvanceResult{}, err
	}

	var cont bool
	res, err := e.withConflictRetry(ctx, cp.RunID, func() (AdvanceResult, error) {
		r, c, err := e.resumeOnce(ctx, cp.RunID, dec)
		cont = c
		return r, err
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	if cont {
		// Approval committed; continue executing from the new cursor.
		return e.Advance(ctx, cp.RunID, dec.ActorID)
	}
	return res, nil
}

func (e Engine) resumeOnce(ctx context.Context, runID string, dec domain.Decision) (AdvanceResult, bool, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return AdvanceResult{}, false, err
	}
	if run.Status.Terminal() {
		return AdvanceResult{}, false, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunTerminated)
	}
	cp, err := e.Repo.GetCheckpoint(ctx, dec.CheckpointID)
	if err != nil {
		return AdvanceResult{}, false, err
	}
	if cp.RunID != run.ID {
		return AdvanceResult{}, false, fmt.Errorf("checkpoint %s belongs to run %s: %w", cp.ID, cp.RunID, ErrCheckpointMismatch)
	}
	if cp.Status != domain.CheckpointPending {
		return AdvanceResult{}, false, fmt.Errorf("checkpoint %s is %s: %w", cp.ID, cp.Status, repo.ErrAlreadyResolved)
	}
	if run.Status != domain.RunPaused || run.HitlState == nil || *run.HitlState != cp.Type {
		return AdvanceResult{}, false, fmt.Errorf("run %s is not awaiting %s: %w", run.ID, cp.Type, ErrCheckpointMismatch)
	}
	exp, err := time.Parse(time.RFC3339, cp.ExpiresAt)
	if err != nil {
		return AdvanceResult{}, false, fmt.Errorf("checkpoint %s has invalid expires_at %q: %w", cp.ID, cp.ExpiresAt, err)
	}
	if e.now().UTC().After(exp) {
		return AdvanceResult{}, false, fmt.Errorf("checkpoint %s expired at %s: %w", cp.ID, cp.ExpiresAt, ErrCheckpointExpired)
	}
	spec, err := e.Config.CheckpointSpecFor(cp.Type)
	if err != nil {
		return AdvanceResult{}, false, err
	}
	if len(dec.Edits) > 0 && !spec.Editable {
		return AdvanceResult{}, false, validationErrorf("checkpoint %s is read-only", cp.Type)
	}

	if dec.Outcome == domain.OutcomeApprove {
		return e.applyApproval(ctx, run, cp, spec, dec)
	}
	res, err := e.applyRejection(ctx, run, cp, spec, dec, events.CheckpointResolved)
	return res, false, err
}

// applyApproval commits the checkpoint resolution and the run's new cursor.
// The second return value asks the caller to continue executing.
func (e Engine) applyApproval(ctx context.Context, run domain.ValidationRun, cp domain.Checkpoint, spec config.CheckpointSpec, dec domain.Decision) (AdvanceResult, bool, error) {
	expected := run.Version
	actorID := dec.ActorID
	resolvedAt := e.nowRFC3339()
	resolve := func(tx *sql.Tx) error {
		return e.Repo.ResolveCheckpointTx(ctx, tx, cp.ID, domain.CheckpointApproved, dec.Edits, dec.Feedback, "", resolvedAt)
	}

	var st staged
	st.events = append(st.events, stagedEvent{events.CheckpointResolved, events.EventPayload{
		"checkpoint_id": cp.ID,
		"type":          cp.Type,
		"outcome":       domain.CheckpointApproved,
		"edited":        len(dec.Edits) > 0,
	}})

	// Edits land as a new revision of the phase's latest artifact; the
	// pre-edit revision stays retrievable.
	approved := cp.Payload
	iteration := run.Iterations[cp.Phase]
	if latest, err := e.Repo.LatestArtifact(ctx, run.ID, cp.Phase); err == nil {
		approved = latest.Payload
		iteration = latest.Iteration
	} else if !errors.Is(err, repo.ErrNotFound) {
		return AdvanceResult{}, false, err
	}
	if len(dec.Edits) > 0 {
		approved = mergeArtifacts(approved, dec.Edits)
	}

	switch {
	case cp.PivotKind != "":
		// Accepting a pivot routes to its target phase and counts an
		// iteration there. Checked before terminal_on_reject so a pivot
		// that suspended on the final-decision type never completes as go.
		target := pivotTarget(cp.PivotKind)
		n, ok := e.bumpIteration(&run, target)
		if !ok {
			reason := fmt.Sprintf("%s: phase %s exceeded %d iterations", ReasonMaxIterations, target, e.Config.MaxIterations())
			res, err := e.finishFailed(ctx, run, expected, st, cp.Phase, reason, actorID, resolve)
			return res, false, err
		}
		run.Status = domain.RunRunning
		run.CurrentPhase = target
		run.HitlState = nil
		res, err := e.finishIterating(ctx, run, expected, st, target, n, nil, "pivot "+cp.PivotKind, actorID, resolve)
		if err != nil {
			return AdvanceResult{}, false, err
		}
		return res, true, nil

	case spec.TerminalOnReject:
		// Final go decision.
		run.Status = domain.RunCompleted
		run.CurrentPhase = domain.PhaseCompleted
		run.FinalDecision = domain.FinalGo
		run.HitlState = nil
		err := e.persist(ctx, run, expected, st, resolve, events.RunCompleted,
			events.EventPayload{"final_decision": domain.FinalGo}, actorID)
		if err != nil {
			return AdvanceResult{}, false, err
		}
		return AdvanceResult{
			RunID: run.ID, Action: ActionCompleted, Phase: domain.PhaseCompleted,
			Status: domain.RunCompleted, Message: "final decision: " + domain.FinalGo,
		}, false, nil

	case spec.RerunPhase:
		// Approved side-effect action: record the grant and re-run the phase.
		granted := cloneArtifact(approved)
		delete(granted, domain.RequiresApprovalKey)
		granted["approval_granted"] = cp.Type
		if err := e.stageRevision(ctx, &st, run.ID, cp.Phase, iteration, granted); err != nil {
			return AdvanceResult{}, false, err
		}
		run.Status = domain.RunRunning
		run.HitlState = nil
		if err := e.persist(ctx, run, expected, st, resolve, "", nil, actorID); err != nil {
			return AdvanceResult{}, false, err
		}
		return AdvanceResult{RunID: run.ID, Action: ActionIterating, Phase: run.CurrentPhase, Status: domain.RunRunning}, true, nil

	default:
		// Phase sign-off: merged edits become the artifact the next phase sees.
		if len(dec.Edits) > 0 {
			if err := e.stageRevision(ctx, &st, run.ID, cp.Phase, iteration, approved); err != nil {
				return AdvanceResult{}, false, err
			}
		}
		run.Status = domain.RunRunning
		run.HitlState = nil
		next, ok := domain.NextPhase(cp.Phase)
		if !ok {
			// Viability signed off; ask for the final go/no-go.
			state, err := e.Repo.LatestArtifacts(ctx, run.ID)
			if err != nil {
				return AdvanceResult{}, false, err
			}
			ps := executor.PhaseState(state)
			ps[cp.Phase] = approved
			sp := suspension{
				Type: config.CheckpointRequestHumanDecision, Phase: cp.Phase,
				Payload: finalPayload(ps), Resolve: resolve,
			}
			res, err := e.finishSuspended(ctx, run, expected, st, sp, actorID)
			return res, false, err
		}
		run.CurrentPhase = next
		if err := e.persist(ctx, run, expected, st, resolve, "", nil, actorID); err != nil {
			return AdvanceResult{}, false, err
		}
		return AdvanceResult{RunID: run.ID, Action: ActionIterating, Phase: next, Status: domain.RunRunning}, true, nil
	}
}

// applyRejection routes a rejected checkpoint. Expiry goes through here too,
// with resolvedEvent set to checkpoint.expired.
func (e Engine) applyRejection(ctx context.Context, run domain.ValidationRun, cp domain.Checkpoint, spec config.CheckpointSpec, dec domain.Decision, resolvedEvent string) (AdvanceResult, error) {
	expected := run.Version
	actorID := dec.ActorID
	resolvedAt := e.nowRFC3339()

	if spec.TerminalOnReject {
		resolve := func(tx *sql.Tx) error {
			return e.Repo.ResolveCheckpointTx(ctx, tx, cp.ID, domain.CheckpointRejected, nil, dec.Feedback, "", resolvedAt)
		}
		var st staged
		st.events = append(st.events, stagedEvent{resolvedEvent, events.EventPayload{
			"checkpoint_id": cp.ID, "type": cp.Type, "outcome": domain.CheckpointRejected,
		}})
		// Rejecting the idea is a legitimate product outcome, not a failure.
		run.Status = domain.RunCompleted
		run.CurrentPhase = domain.PhaseCompleted
		run.FinalDecision = domain.FinalNoGo
		run.HitlState = nil
		err := e.persist(ctx, run, expected, st, resolve, events.RunCompleted,
			events.EventPayload{"final_decision": domain.FinalNoGo, "feedback": dec.Feedback}, actorID)
		if err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{
			RunID: run.ID, Action: ActionCompleted, Phase: domain.PhaseCompleted,
			Status: domain.RunCompleted, Message: "final decision: " + domain.FinalNoGo,
		}, nil
	}

	route := dec.RejectRoute
	if route == "" {
		route = spec.DefaultRejectRoute
	}
	targetName, ok := spec.RejectRoutes[route]
	if !ok {
		return AdvanceResult{}, validationErrorf("unknown reject route %q for checkpoint %s", route, cp.Type)
	}
	target := domain.Phase(targetName)

	resolve := func(tx *sql.Tx) error {
		return e.Repo.ResolveCheckpointTx(ctx, tx, cp.ID, domain.CheckpointRejected, nil, dec.Feedback, route, resolvedAt)
	}
	var st staged
	st.events = append(st.events, stagedEvent{resolvedEvent, events.EventPayload{
		"checkpoint_id": cp.ID, "type": cp.Type, "outcome": domain.CheckpointRejected,
		"route": route, "feedback": dec.Feedback,
	}})

	n, ok := e.bumpIteration(&run, target)
	if !ok {
		reason := fmt.Sprintf("%s: phase %s exceeded %d iterations", ReasonMaxIterations, target, e.Config.MaxIterations())
		return e.finishFailed(ctx, run, expected, st, cp.Phase, reason, actorID, resolve)
	}
	run.Status = domain.RunRunning
	run.CurrentPhase = target
	run.HitlState = nil
	return e.finishIterating(ctx, run, expected, st, target, n, nil, "rejected: "+route, actorID, resolve)
}

// Abandon is valid in any non-terminal state and is itself terminal. A
// pending checkpoint is resolved as rejected so it cannot be acted on later.
func (e Engine) Abandon(ctx context.Context, runID, reason, actorID string) (AdvanceResult, error) {
	return e.withConflictRetry(ctx, runID, func() (AdvanceResult, error) {
		run, err := e.Repo.GetRun(ctx, runID)
		if err != nil {
			return AdvanceResult{}, err
		}
		if run.Status.Terminal() {
			return AdvanceResult{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunTerminated)
		}
		expected := run.Version
		var st staged
		var resolve func(*sql.Tx) error
		if run.Status == domain.RunPaused {
			cp, err := e.Repo.PendingCheckpoint(ctx, runID)
			if err != nil {
				return AdvanceResult{}, err
			}
			resolvedAt := e.nowRFC3339()
			resolve = func(tx *sql.Tx) error {
				return e.Repo.ResolveCheckpointTx(ctx, tx, cp.ID, domain.CheckpointRejected, nil, "run abandoned", "", resolvedAt)
			}
			st.events = append(st.events, stagedEvent{events.CheckpointResolved, events.EventPayload{
				"checkpoint_id": cp.ID, "type": cp.Type, "outcome": domain.CheckpointRejected, "feedback": "run abandoned",
			}})
		}
		phase := run.CurrentPhase
		run.Status = domain.RunAbandoned
		run.HitlState = nil
		err = e.persist(ctx, run, expected, st, resolve, events.RunAbandoned,
			events.EventPayload{"phase": string(phase), "reason": reason}, actorID)
		if err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{
			RunID: runID, Action: ActionAbandoned, Phase: phase,
			Status: domain.RunAbandoned, Message: reason,
		}, nil
	})
}

// staged collects writes produced while walking phases in memory; they commit
// together with the run's state change or not at all.
type staged struct {
	artifacts []domain.PhaseArtifact
	events    []stagedEvent
}

type stagedEvent struct {
	typ     string
	payload events.EventPayload
}

func (e Engine) stageArtifact(ctx context.Context, st *staged, run domain.ValidationRun, phase domain.Phase, payload domain.Artifact) error {
	iteration := run.Iterations[phase]
	return e.stageRevision(ctx, st, run.ID, phase, iteration, payload)
}

func (e Engine) stageRevision(ctx context.Context, st *staged, runID string, phase domain.Phase, iteration int, payload domain.Artifact) error {
	rev, err := e.Repo.NextArtifactRevision(ctx, runID, phase, iteration)
	if err != nil {
		return err
	}
	st.artifacts = append(st.artifacts, domain.PhaseArtifact{
		ID:        uuid.NewString(),
		RunID:     runID,
		Phase:     phase,
		Iteration: iteration,
		Revision:  rev,
		Payload:   payload,
		CreatedAt: e.nowRFC3339(),
	})
	st.events = append(st.events, stagedEvent{events.PhaseExecuted, events.EventPayload{
		"phase": string(phase), "iteration": iteration, "revision": rev,
	}})
	return nil
}

// persist writes staged artifacts and events, runs the optional extra write,
// and saves the run with a version check, all in one transaction.
func (e Engine) persist(ctx context.Context, run domain.ValidationRun, expected int64, st staged, extra func(*sql.Tx) error, evtType string, payload events.EventPayload, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, a := range st.artifacts {
		if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}
	for _, ev := range st.events {
		if err := e.Events.AppendRun(ctx, tx, ev.typ, run.ProjectID, run.ID, actorID, ev.payload); err != nil {
			return err
		}
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}
	run.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.SaveRunTx(ctx, tx, run, expected); err != nil {
		return err
	}
	if evtType != "" {
		if err := e.Events.AppendRun(ctx, tx, evtType, run.ProjectID, run.ID, actorID, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) finishFailed(ctx context.Context, run domain.ValidationRun, expected int64, st staged, phase domain.Phase, reason, actorID string, extra func(*sql.Tx) error) (AdvanceResult, error) {
	run.Status = domain.RunFailed
	run.CurrentPhase = domain.PhaseFailed
	run.HitlState = nil
	run.FailReason = reason
	err := e.persist(ctx, run, expected, st, extra, events.RunFailed,
		events.EventPayload{"phase": string(phase), "reason": reason}, actorID)
	if err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{
		RunID: run.ID, Action: ActionFailed, Phase: phase,
		Status: domain.RunFailed, Message: reason,
	}, nil
}

func (e Engine) finishIterating(ctx context.Context, run domain.ValidationRun, expected int64, st staged, target domain.Phase, iteration int, dec *domain.GateDecision, reason, actorID string, extra func(*sql.Tx) error) (AdvanceResult, error) {
	err := e.persist(ctx, run, expected, st, extra, events.RunIterating,
		events.EventPayload{"target": string(target), "iteration": iteration, "reason": reason}, actorID)
	if err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{
		RunID: run.ID, Action: ActionIterating, Phase: target,
		Status: domain.RunRunning, Gate: dec, Message: reason,
	}, nil
}

func (e Engine) bumpIteration(run *domain.ValidationRun, target domain.Phase) (int, bool) {
	if run.Iterations == nil {
		run.Iterations = map[domain.Phase]int{}
	}
	n := run.Iterations[target] + 1
	if n > e.Config.MaxIterations() {
		return n, false
	}
	run.Iterations[target] = n
	return n, true
}

// pivotTarget maps a pivot kind to the phase that re-examines it.
func pivotTarget(kind string) domain.Phase {
	switch kind {
	case domain.PivotValue, domain.PivotSegment:
		return domain.PhaseDiscovery
	case domain.PivotFeatureDowngrade:
		return domain.PhaseFeasibility
	case domain.PivotStrategic:
		return domain.PhaseDesirability
	}
	return domain.PhaseDiscovery
}

func suspendedResult(run domain.ValidationRun, cp domain.Checkpoint) AdvanceResult {
	c := cp
	return AdvanceResult{
		RunID:      run.ID,
		Action:     ActionSuspended,
		Phase:      cp.Phase,
		Status:     domain.RunPaused,
		Checkpoint: &c,
		Message:    "awaiting " + cp.Type,
	}
}

func finalPayload(state executor.PhaseState) domain.Artifact {
	phases := make(map[string]domain.Artifact, len(state))
	for p, a := range state {
		phases[string(p)] = a
	}
	return domain.Artifact{
		"summary": "all phases passed; final go/no-go decision requested",
		"phases":  phases,
	}
}

// mergeArtifacts overlays edits onto base; nested objects merge key-wise,
// everything else is replaced.
func mergeArtifacts(base domain.Artifact, edits domain.Artifact) domain.Artifact {
	out := make(domain.Artifact, len(base)+len(edits))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range edits {
		bm, bok := out[k].(map[string]any)
		em, eok := v.(map[string]any)
		if bok && eok {
			out[k] = map[string]any(mergeArtifacts(bm, em))
			continue
		}
		out[k] = v
	}
	return out
}

func cloneArtifact(a domain.Artifact) domain.Artifact {
	out := make(domain.Artifact, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
