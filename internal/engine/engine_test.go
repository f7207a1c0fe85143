package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"vetline/internal/config"
	"vetline/internal/db"
	"vetline/internal/domain"
	"vetline/internal/engine"
	"vetline/internal/executor"
	"vetline/internal/migrate"
	"vetline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Script *executor.Scripted
	Ctx    context.Context
	Clock  time.Time
}

func newTestEnv(t *testing.T, script *executor.Scripted) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	reg := executor.NewRegistry()
	for _, p := range domain.PhaseSequence {
		reg.Register(p, script)
	}
	env := &testEnv{
		Script: script,
		Ctx:    context.Background(),
		Clock:  time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, cfg, reg)
	eng.Now = func() time.Time { return env.Clock }
	env.Engine = eng
	if _, err := eng.InitProject(env.Ctx, "proj-1", "test", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return env
}

// happyScript mirrors the demo numbers: every gate proceeds.
func happyScript() *executor.Scripted {
	return executor.NewScripted().
		Script(domain.PhaseBrief, domain.Artifact{
			"summary": "B2B invoicing copilot for freelance designers",
		}).
		Script(domain.PhaseDiscovery, domain.Artifact{
			"summary":   "12 interviews, strong resonance",
			"fit_score": 82.0,
			"sub_scores": map[string]any{
				"problem_resonance": 88.0,
				"segment_clarity":   79.0,
			},
		}).
		Script(domain.PhaseDesirability, domain.Artifact{
			"summary":         "landing page test",
			"conversion_rate": 0.12,
		}).
		Script(domain.PhaseFeasibility, domain.Artifact{
			"summary":          "MVP buildable",
			"technical_risk":   25.0,
			"timeline_months":  4.0,
			"cost_per_month":   6000.0,
			"budget_per_month": 8000.0,
		}).
		Script(domain.PhaseViability, domain.Artifact{
			"summary":        "subscription model",
			"ltv":            900.0,
			"cac":            220.0,
			"payback_months": 7.0,
		})
}

func startRun(t *testing.T, env *testEnv) domain.ValidationRun {
	t.Helper()
	run, err := env.Engine.StartRun(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return run
}

func advance(t *testing.T, env *testEnv, runID string) engine.AdvanceResult {
	t.Helper()
	res, err := env.Engine.Advance(env.Ctx, runID, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return res
}

func mustSuspend(t *testing.T, res engine.AdvanceResult, cpType string) *domain.Checkpoint {
	t.Helper()
	if res.Action != engine.ActionSuspended || res.Checkpoint == nil {
		t.Fatalf("expected suspension on %s, got action %s", cpType, res.Action)
	}
	if res.Checkpoint.Type != cpType {
		t.Fatalf("expected checkpoint %s, got %s", cpType, res.Checkpoint.Type)
	}
	return res.Checkpoint
}

func resume(t *testing.T, env *testEnv, dec domain.Decision) engine.AdvanceResult {
	t.Helper()
	if dec.ActorID == "" {
		dec.ActorID = "tester"
	}
	res, err := env.Engine.Resume(env.Ctx, dec)
	if err != nil {
		t.Fatalf("resume %s: %v", dec.CheckpointID, err)
	}
	return res
}

func approve(t *testing.T, env *testEnv, cp *domain.Checkpoint) engine.AdvanceResult {
	t.Helper()
	return resume(t, env, domain.Decision{CheckpointID: cp.ID, Outcome: domain.OutcomeApprove})
}

func getRun(t *testing.T, env *testEnv, runID string) domain.ValidationRun {
	t.Helper()
	run, err := env.Engine.Repo.GetRun(env.Ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func TestHappyPathCompletesGo(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)

	res := advance(t, env, run.ID)
	for _, want := range []string{
		config.CheckpointApproveBrief,
		config.CheckpointApproveDiscoveryOutput,
		config.CheckpointApproveDesirabilityGate,
		config.CheckpointApproveFeasibilityGate,
		config.CheckpointApproveViabilityGate,
		config.CheckpointRequestHumanDecision,
	} {
		cp := mustSuspend(t, res, want)
		paused := getRun(t, env, run.ID)
		if paused.Status != domain.RunPaused {
			t.Fatalf("suspended run should be paused, got %s", paused.Status)
		}
		if paused.HitlState == nil || *paused.HitlState != want {
			t.Fatalf("hitl_state should be %s while paused", want)
		}
		res = approve(t, env, cp)
	}

	if res.Action != engine.ActionCompleted {
		t.Fatalf("expected completed, got %s", res.Action)
	}
	final := getRun(t, env, run.ID)
	if final.Status != domain.RunCompleted || final.CurrentPhase != domain.PhaseCompleted {
		t.Fatalf("expected completed/completed, got %s/%s", final.Status, final.CurrentPhase)
	}
	if final.FinalDecision != domain.FinalGo {
		t.Fatalf("expected final decision go, got %q", final.FinalDecision)
	}
	if final.HitlState != nil {
		t.Fatalf("terminal run must not carry hitl_state")
	}
	for _, p := range domain.PhaseSequence {
		if got := env.Script.Calls(p); got != 1 {
			t.Fatalf("phase %s executed %d times, want 1", p, got)
		}
	}
}

func TestAdvanceOnPausedRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)

	first := advance(t, env, run.ID)
	cp := mustSuspend(t, first, config.CheckpointApproveBrief)

	second := advance(t, env, run.ID)
	again := mustSuspend(t, second, config.CheckpointApproveBrief)
	if again.ID != cp.ID {
		t.Fatalf("re-advance returned a different checkpoint: %s vs %s", again.ID, cp.ID)
	}
	if got := env.Script.Calls(domain.PhaseBrief); got != 1 {
		t.Fatalf("brief executed %d times, want 1", got)
	}
	cps, err := env.Engine.Repo.ListCheckpointsByRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("expected a single checkpoint, got %d", len(cps))
	}
}

func TestIterationCapFailsRun(t *testing.T) {
	script := executor.NewScripted().
		Script(domain.PhaseBrief, domain.Artifact{"summary": "weak idea"}).
		Script(domain.PhaseDiscovery, domain.Artifact{
			"fit_score":  50.0,
			"sub_scores": map[string]any{"problem_resonance": 50.0},
		})
	env := newTestEnv(t, script)
	run := startRun(t, env)

	res := advance(t, env, run.ID)
	cp := mustSuspend(t, res, config.CheckpointApproveBrief)

	max := env.Engine.Config.MaxIterations()
	res = approve(t, env, cp)
	for i := 1; i < max; i++ {
		if res.Action != engine.ActionIterating {
			t.Fatalf("pass %d: expected iterating, got %s (%s)", i, res.Action, res.Message)
		}
		res = advance(t, env, run.ID)
	}
	// One more weak pass pushes the counter past the cap.
	res = advance(t, env, run.ID)
	if res.Action != engine.ActionFailed {
		t.Fatalf("expected failed after cap, got %s", res.Action)
	}

	final := getRun(t, env, run.ID)
	if final.Status != domain.RunFailed || final.CurrentPhase != domain.PhaseFailed {
		t.Fatalf("expected failed/failed, got %s/%s", final.Status, final.CurrentPhase)
	}
	if !strings.Contains(final.FailReason, "max_iterations_exceeded") {
		t.Fatalf("fail reason should name the cap, got %q", final.FailReason)
	}
	if got := env.Script.Calls(domain.PhaseDiscovery); got != max+1 {
		t.Fatalf("discovery executed %d times, want %d", got, max+1)
	}
}

func TestApproveWithEditsCreatesRevision(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)

	cp := mustSuspend(t, advance(t, env, run.ID), config.CheckpointApproveBrief)
	res := resume(t, env, domain.Decision{
		CheckpointID: cp.ID,
		Outcome:      domain.OutcomeApprove,
		Edits:        domain.Artifact{"summary": "edited by founder", "target_market": "EU"},
	})
	mustSuspend(t, res, config.CheckpointApproveDiscoveryOutput)

	latest, err := env.Engine.Repo.LatestArtifact(env.Ctx, run.ID, domain.PhaseBrief)
	if err != nil {
		t.Fatalf("latest brief: %v", err)
	}
	if latest.Payload["summary"] != "edited by founder" || latest.Payload["target_market"] != "EU" {
		t.Fatalf("edits not merged: %v", latest.Payload)
	}
	if latest.Revision != 1 {
		t.Fatalf("edit should land as revision 1, got %d", latest.Revision)
	}

	all, err := env.Engine.Repo.ListArtifacts(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	var sawOriginal bool
	for _, a := range all {
		if a.Phase == domain.PhaseBrief && a.Revision == 0 {
			sawOriginal = true
			if a.Payload["summary"] == "edited by founder" {
				t.Fatalf("original revision was overwritten")
			}
		}
	}
	if !sawOriginal {
		t.Fatalf("pre-edit revision must stay retrievable")
	}
}

func TestEditsOnReadOnlyCheckpointRejected(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)

	cp := mustSuspend(t, advance(t, env, run.ID), config.CheckpointApproveBrief)
	res := approve(t, env, cp)
	cp = mustSuspend(t, res, config.CheckpointApproveDiscoveryOutput)

	_, err := env.Engine.Resume(env.Ctx, domain.Decision{
		CheckpointID: cp.ID,
		Outcome:      domain.OutcomeApprove,
		Edits:        domain.Artifact{"fit_score": 99.0},
		ActorID:      "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	fresh, gerr := env.Engine.Repo.GetCheckpoint(env.Ctx, cp.ID)
	if gerr != nil {
		t.Fatalf("get checkpoint: %v", gerr)
	}
	if fresh.Status != domain.CheckpointPending {
		t.Fatalf("rejected edit must leave checkpoint pending, got %s", fresh.Status)
	}
}

func TestRejectRoutesRun(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)

	cp := mustSuspend(t, advance(t, env, run.ID), config.CheckpointApproveBrief)
	cp = mustSuspend(t, approve(t, env, cp), config.CheckpointApproveDiscoveryOutput)

	res := resume(t, env, domain.Decision{
		CheckpointID: cp.ID,
		Outcome:      domain.OutcomeReject,
		RejectRoute:  "request_changes",
		Feedback:     "wrong segment entirely",
	})
	if res.Action != engine.ActionIterating {
		t.Fatalf("expected iterating, got %s", res.Action)
	}

	routed := getRun(t, env, run.ID)
	if routed.Status != domain.RunRunning || routed.CurrentPhase != domain.PhaseBrief {
		t.Fatalf("request_changes should route to brief, got %s/%s", routed.Status, routed.CurrentPhase)
	}
	if routed.Iterations[domain.PhaseBrief] != 1 {
		t.Fatalf("routed target should count an iteration, got %v", routed.Iterations)
	}

	resolved, err := env.Engine.Repo.GetCheckpoint(env.Ctx, cp.ID)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if resolved.Status != domain.CheckpointRejected || resolved.RejectRoute != "request_changes" {
		t.Fatalf("resolution not recorded: %s/%s", resolved.Status, resolved.RejectRoute)
	}
	if resolved.Feedback != "wrong segment entirely" {
		t.Fatalf("feedback not recorded: %q", resolved.Feedback)
	}
}

func TestRejectUnknownRouteIsValidationError(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)

	cp := mustSuspend(t, advance(t, env, run.ID), config.CheckpointApproveBrief)
	_, err := env.Engine.Resume(env.Ctx, domain.Decision{
		CheckpointID: cp.ID,
		Outcome:      domain.OutcomeReject,
		RejectRoute:  "bogus",
		ActorID:      "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fresh, _ := env.Engine.Repo.GetCheckpoint(env.Ctx, cp.ID)
	if fresh.Status != domain.CheckpointPending {
		t.Fatalf("unknown route must not resolve the checkpoint, got %s", fresh.Status)
	}
}

func TestFinalRejectCompletesNoGo(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)

	res := advance(t, env, run.ID)
	for _, want := range []string{
		config.CheckpointApproveBrief,
		config.CheckpointApproveDiscoveryOutput,
		config.CheckpointApproveDesirabilityGate,
		config.CheckpointApproveFeasibilityGate,
		config.CheckpointApproveViabilityGate,
	} {
		res = approve(t, env, mustSuspend(t, res, want))
	}
	final := mustSuspend(t, res, config.CheckpointRequestHumanDecision)

	out := resume(t, env, domain.Decision{
		CheckpointID: final.ID,
		Outcome:      domain.OutcomeReject,
		Feedback:     "market too small",
	})
	if out.Action != engine.ActionCompleted {
		t.Fatalf("no_go is a completion, got %s", out.Action)
	}
	done := getRun(t, env, run.ID)
	if done.Status != domain.RunCompleted || done.FinalDecision != domain.FinalNoGo {
		t.Fatalf("expected completed/no_go, got %s/%q", done.Status, done.FinalDecision)
	}
}

func TestAbandonResolvesPendingCheckpoint(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)
	cp := mustSuspend(t, advance(t, env, run.ID), config.CheckpointApproveBrief)

	res, err := env.Engine.Abandon(env.Ctx, run.ID, "lost interest", "tester")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if res.Action != engine.ActionAbandoned {
		t.Fatalf("expected abandoned, got %s", res.Action)
	}

	done := getRun(t, env, run.ID)
	if done.Status != domain.RunAbandoned || done.HitlState != nil {
		t.Fatalf("expected abandoned run without hitl_state, got %s", done.Status)
	}
	resolved, _ := env.Engine.Repo.GetCheckpoint(env.Ctx, cp.ID)
	if resolved.Status != domain.CheckpointRejected || resolved.Feedback != "run abandoned" {
		t.Fatalf("pending checkpoint not closed out: %s/%q", resolved.Status, resolved.Feedback)
	}

	if _, err := env.Engine.Advance(env.Ctx, run.ID, "tester"); !errors.Is(err, engine.ErrRunTerminated) {
		t.Fatalf("advance after abandon should fail terminal, got %v", err)
	}
	if _, err := env.Engine.Resume(env.Ctx, domain.Decision{CheckpointID: cp.ID, Outcome: domain.OutcomeApprove, ActorID: "tester"}); err == nil {
		t.Fatalf("resume after abandon should fail")
	}
}

func TestResolveTwiceReturnsAlreadyResolved(t *testing.T) {
	env := newTestEnv(t, happyScript())
	run := startRun(t, env)
	cp := mustSuspend(t, advance(t, env, run.ID), config.CheckpointApproveBrief)

	approve(t, env, cp)
	_, err := env.Engine.Resume(env.Ctx, domain.Decision{
		CheckpointID: cp.ID,
		Outcome:      domain.OutcomeReject,
		ActorID:      "tester",
	})
	if !errors.Is(err, repo.ErrAlreadyResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
	if run := getRun(t, env, run.ID); run.CurrentPhase != domain.PhaseDiscovery {
		t.Fatalf("second resolution must not move the run, at %s", run.CurrentPhase)
	}
}

func TestSpendApprovalRerunsPhase(t *testing.T) {
	script := executor.NewScripted().
		Script(domain.PhaseBrief, domain.Artifact{"summary": "idea"}).
		Script(domain.PhaseDiscovery, domain.Artifact{"fit_score": 82.0}).
		Script(domain.PhaseDesirability,
			domain.Artifact{
				"summary":                  "needs a bigger ad budget",
				domain.RequiresApprovalKey: config.CheckpointApproveSpendIncrease,
				"proposed_spend_per_day":   150.0,
			},
			domain.Artifact{
				"summary":         "campaign at increased spend",
				"conversion_rate": 0.12,
			},
		)
	env := newTestEnv(t, script)
	run := startRun(t, env)

	res := advance(t, env, run.ID)
	res = approve(t, env, mustSuspend(t, res, config.CheckpointApproveBrief))
	res = approve(t, env, mustSuspend(t, res, config.CheckpointApproveDiscoveryOutput))

	spend := mustSuspend(t, res, config.CheckpointApproveSpendIncrease)
	if spend.Phase != domain.PhaseDesirability {
		t.Fatalf("spend checkpoint should hang off desirability, got %s", spend.Phase)
	}

	res = approve(t, env, spend)
	mustSuspend(t, res, config.CheckpointApproveDesirabilityGate)
	if got := env.Script.Calls(domain.PhaseDesirability); got != 2 {
		t.Fatalf("desirability should re-run after the grant, executed %d times", got)
	}

	all, err := env.Engine.Repo.ListArtifacts(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	var sawGrant bool
	for _, a := range all {
		if a.Phase == domain.PhaseDesirability && a.Payload["approval_granted"] == config.CheckpointApproveSpendIncrease {
			sawGrant = true
			if _, blocked := a.Payload[domain.RequiresApprovalKey]; blocked {
				t.Fatalf("granted revision still carries requires_approval")
			}
		}
	}
	if !sawGrant {
		t.Fatalf("approval grant revision not recorded")
	}
}

func TestPivotApprovalRoutesToTarget(t *testing.T) {
	script := executor.NewScripted().
		Script(domain.PhaseBrief, domain.Artifact{"summary": "idea"}).
		Script(domain.PhaseDiscovery,
			domain.Artifact{"fit_score": 82.0},
			domain.Artifact{"fit_score": 85.0},
		).
		Script(domain.PhaseDesirability, domain.Artifact{
			"summary":         "mild interest only",
			"conversion_rate": 0.05,
		})
	env := newTestEnv(t, script)
	run := startRun(t, env)

	res := advance(t, env, run.ID)
	res = approve(t, env, mustSuspend(t, res, config.CheckpointApproveBrief))
	res = approve(t, env, mustSuspend(t, res, config.CheckpointApproveDiscoveryOutput))

	cp := mustSuspend(t, res, config.CheckpointApproveDesirabilityGate)
	if cp.PivotKind != domain.PivotValue {
		t.Fatalf("mild interest should propose a value pivot, got %q", cp.PivotKind)
	}
	if res.Gate == nil || res.Gate.Outcome != domain.GatePivot {
		t.Fatalf("suspension should carry the pivot gate decision")
	}

	res = approve(t, env, cp)
	mustSuspend(t, res, config.CheckpointApproveDiscoveryOutput)

	routed := getRun(t, env, run.ID)
	if routed.Iterations[domain.PhaseDiscovery] != 1 {
		t.Fatalf("accepted pivot should count an iteration at the target, got %v", routed.Iterations)
	}
	if got := env.Script.Calls(domain.PhaseDiscovery); got != 2 {
		t.Fatalf("discovery should re-run after the pivot, executed %d times", got)
	}
}

func TestPivotWithoutSignoffStillRoutesToTarget(t *testing.T) {
	script := executor.NewScripted().
		Script(domain.PhaseBrief, domain.Artifact{"summary": "idea"}).
		Script(domain.PhaseDiscovery, domain.Artifact{"fit_score": 82.0}).
		Script(domain.PhaseDesirability, domain.Artifact{
			"summary":         "nobody signed up",
			"conversion_rate": 0.001,
		})
	env := newTestEnv(t, script)
	// A phase with no sign-off entry falls back to the final-decision type
	// when its gate pivots.
	delete(env.Engine.Config.Checkpoints.PhaseSignoff, string(domain.PhaseDesirability))
	run := startRun(t, env)

	res := advance(t, env, run.ID)
	res = approve(t, env, mustSuspend(t, res, config.CheckpointApproveBrief))
	res = approve(t, env, mustSuspend(t, res, config.CheckpointApproveDiscoveryOutput))

	cp := mustSuspend(t, res, config.CheckpointRequestHumanDecision)
	if cp.PivotKind != domain.PivotSegment {
		t.Fatalf("no interest should propose a segment pivot, got %q", cp.PivotKind)
	}

	res = approve(t, env, cp)
	mustSuspend(t, res, config.CheckpointApproveDiscoveryOutput)

	routed := getRun(t, env, run.ID)
	if routed.Status == domain.RunCompleted || routed.FinalDecision != "" {
		t.Fatalf("accepting a pivot must not complete the run, got %s/%q", routed.Status, routed.FinalDecision)
	}
	if routed.Iterations[domain.PhaseDiscovery] != 1 {
		t.Fatalf("pivot should count an iteration at the target, got %v", routed.Iterations)
	}
	if got := env.Script.Calls(domain.PhaseDiscovery); got != 2 {
		t.Fatalf("discovery should re-run after the pivot, executed %d times", got)
	}
}

func assertPausedMatchesPending(t *testing.T, env *testEnv, runID string) {
	t.Helper()
	run := getRun(t, env, runID)
	cp, err := env.Engine.Repo.PendingCheckpoint(env.Ctx, runID)
	pending := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("pending checkpoint: %v", err)
	}
	if run.Status == domain.RunPaused {
		if run.HitlState == nil {
			t.Fatalf("paused run must carry hitl_state")
		}
		if !pending {
			t.Fatalf("paused run must have a pending checkpoint")
		}
		if cp.Type != *run.HitlState {
			t.Fatalf("hitl_state %s does not match pending checkpoint %s", *run.HitlState, cp.Type)
		}
		return
	}
	if run.HitlState != nil {
		t.Fatalf("%s run must not carry hitl_state", run.Status)
	}
	if pending {
		t.Fatalf("%s run must not have a pending checkpoint (%s)", run.Status, cp.Type)
	}
}

func TestPausedInvariantHoldsUnderRandomSequences(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 2026} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			env := newTestEnv(t, happyScript())
			rng := rand.New(rand.NewSource(seed))
			run := startRun(t, env)
			assertPausedMatchesPending(t, env, run.ID)

			for step := 0; step < 40; step++ {
				cur := getRun(t, env, run.ID)
				if cur.Status.Terminal() {
					break
				}
				if cur.Status != domain.RunPaused {
					advance(t, env, run.ID)
					assertPausedMatchesPending(t, env, run.ID)
					continue
				}
				cp, err := env.Engine.Repo.PendingCheckpoint(env.Ctx, run.ID)
				if err != nil {
					t.Fatalf("pending checkpoint: %v", err)
				}
				switch rng.Intn(5) {
				case 0:
					advance(t, env, run.ID)
				case 1:
					spec, err := env.Engine.Config.CheckpointSpecFor(cp.Type)
					if err != nil {
						t.Fatalf("spec for %s: %v", cp.Type, err)
					}
					dec := domain.Decision{
						CheckpointID: cp.ID,
						Outcome:      domain.OutcomeReject,
						Feedback:     "try again",
					}
					if len(spec.RejectRoutes) > 0 {
						routes := make([]string, 0, len(spec.RejectRoutes))
						for r := range spec.RejectRoutes {
							routes = append(routes, r)
						}
						sort.Strings(routes)
						dec.RejectRoute = routes[rng.Intn(len(routes))]
					}
					resume(t, env, dec)
				default:
					approve(t, env, &cp)
				}
				assertPausedMatchesPending(t, env, run.ID)
			}
			assertPausedMatchesPending(t, env, run.ID)
		})
	}
}

func TestMalformedArtifactFailsRun(t *testing.T) {
	script := executor.NewScripted().
		Script(domain.PhaseBrief, domain.Artifact{"segments": []any{"designers"}})
	env := newTestEnv(t, script)
	run := startRun(t, env)

	res := advance(t, env, run.ID)
	if res.Action != engine.ActionFailed {
		t.Fatalf("malformed brief should fail the run, got %s", res.Action)
	}
	final := getRun(t, env, run.ID)
	if final.Status != domain.RunFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.FailReason, "malformed") {
		t.Fatalf("fail reason should mention the malformed artifact, got %q", final.FailReason)
	}
}

func TestStartRunUnknownProject(t *testing.T) {
	env := newTestEnv(t, happyScript())
	if _, err := env.Engine.StartRun(env.Ctx, "ghost", "tester"); !errors.Is(err, engine.ErrInvalidProject) {
		t.Fatalf("expected invalid project, got %v", err)
	}
}

func TestResumeValidatesDecision(t *testing.T) {
	env := newTestEnv(t, happyScript())
	var verr engine.ValidationError
	if _, err := env.Engine.Resume(env.Ctx, domain.Decision{Outcome: domain.OutcomeApprove}); !errors.As(err, &verr) {
		t.Fatalf("missing checkpoint_id should be a validation error, got %v", err)
	}
	if _, err := env.Engine.Resume(env.Ctx, domain.Decision{CheckpointID: "cp-1", Outcome: "maybe"}); !errors.As(err, &verr) {
		t.Fatalf("bad outcome should be a validation error, got %v", err)
	}
}
