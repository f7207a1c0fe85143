package domain

// Phase is one stage of the fixed validation sequence.
type Phase string

const (
	PhaseBrief        Phase = "brief"
	PhaseDiscovery    Phase = "discovery"
	PhaseDesirability Phase = "desirability"
	PhaseFeasibility  Phase = "feasibility"
	PhaseViability    Phase = "viability"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// PhaseSequence is the execution order. Terminal pseudo-phases are not listed.
var PhaseSequence = []Phase{
	PhaseBrief,
	PhaseDiscovery,
	PhaseDesirability,
	PhaseFeasibility,
	PhaseViability,
}

// NextPhase returns the phase after p in the fixed sequence, or false if p is
// the last executable phase (or not part of the sequence).
func NextPhase(p Phase) (Phase, bool) {
	for i, s := range PhaseSequence {
		if s == p && i+1 < len(PhaseSequence) {
			return PhaseSequence[i+1], true
		}
	}
	return "", false
}

// ValidPhase reports whether p is an executable phase.
func ValidPhase(p Phase) bool {
	for _, s := range PhaseSequence {
		if s == p {
			return true
		}
	}
	return false
}

// RunStatus is the lifecycle state of a validation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAbandoned RunStatus = "abandoned"
)

// Terminal reports whether no further Advance/Resume is valid.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAbandoned
}

// Final decisions recorded when a run completes.
const (
	FinalGo   = "go"
	FinalNoGo = "no_go"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ValidationRun is the aggregate root driving one idea through the phase
// sequence. Iterations maps phase -> retry counter; HitlState is set iff
// Status == paused.
type ValidationRun struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	CurrentPhase  Phase         `json:"current_phase"`
	Status        RunStatus     `json:"status" enum:"running,paused,completed,failed,abandoned"`
	HitlState     *string       `json:"hitl_state,omitempty"`
	Iterations    map[Phase]int `json:"iterations"`
	FailReason    string        `json:"fail_reason,omitempty"`
	FinalDecision string        `json:"final_decision,omitempty" enum:"go,no_go"`
	Version       int64         `json:"version"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
}

// Artifact is the typed-enough payload a phase executor produces. Field
// conventions per phase are enforced by the gate, not here.
type Artifact map[string]any

// RequiresApprovalKey marks an artifact that must be human-approved before
// the phase can continue (real-spend actions).
const RequiresApprovalKey = "requires_approval"

// RequiresApproval returns the side-effect checkpoint type requested by the
// artifact, if any.
func (a Artifact) RequiresApproval() string {
	if a == nil {
		return ""
	}
	if v, ok := a[RequiresApprovalKey].(string); ok {
		return v
	}
	return ""
}

// PhaseArtifact is one append-only entry of a run's phase state. Iteration N's
// output never overwrites iteration N-1's; human edits land as a new revision
// of the same iteration.
type PhaseArtifact struct {
	ID        string   `json:"id"`
	RunID     string   `json:"run_id"`
	Phase     Phase    `json:"phase"`
	Iteration int      `json:"iteration"`
	Revision  int      `json:"revision"`
	Payload   Artifact `json:"payload"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// Checkpoint statuses.
const (
	CheckpointPending  = "pending"
	CheckpointApproved = "approved"
	CheckpointRejected = "rejected"
)

// Checkpoint is a persisted suspension point awaiting a human decision.
// Immutable after resolution.
type Checkpoint struct {
	ID          string   `json:"id"`
	RunID       string   `json:"run_id"`
	Type        string   `json:"checkpoint_type"`
	Phase       Phase    `json:"phase"`
	Payload     Artifact `json:"payload"`
	Status      string   `json:"status" enum:"pending,approved,rejected"`
	UserEdits   Artifact `json:"user_edits,omitempty"`
	Feedback    string   `json:"feedback,omitempty"`
	RejectRoute string   `json:"reject_route,omitempty"`
	PivotKind   string   `json:"pivot_kind,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	ResolvedAt  *string  `json:"resolved_at,omitempty" format:"date-time"`
	ExpiresAt   string   `json:"expires_at" format:"date-time"`
}

// GateOutcome is the routing tag produced by the quality gate.
type GateOutcome string

const (
	GateProceed GateOutcome = "proceed"
	GateIterate GateOutcome = "iterate"
	GatePivot   GateOutcome = "pivot"
	GateFail    GateOutcome = "fail"
)

// Pivot kinds.
const (
	PivotValue            = "value"
	PivotSegment          = "segment"
	PivotFeatureDowngrade = "feature_downgrade"
	PivotStrategic        = "strategic"
)

// GateDecision is the output contract of the quality gate. It always carries
// the numeric signal that produced it so routing stays auditable.
type GateDecision struct {
	Outcome     GateOutcome `json:"outcome" enum:"proceed,iterate,pivot,fail"`
	Signal      string      `json:"signal"`
	Value       float64     `json:"value"`
	Readiness   float64     `json:"readiness"`
	TargetPhase Phase       `json:"target_phase,omitempty"`
	PivotKind   string      `json:"pivot_kind,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Reasons     []string    `json:"reasons,omitempty"`
}

// Decision outcomes accepted by the intake.
const (
	OutcomeApprove = "approve"
	OutcomeReject  = "reject"
)

// Decision is the external approve/reject payload handed to the coordinator.
type Decision struct {
	CheckpointID string   `json:"checkpoint_id"`
	Outcome      string   `json:"outcome" enum:"approve,reject"`
	Edits        Artifact `json:"edits,omitempty"`
	Feedback     string   `json:"feedback,omitempty"`
	RejectRoute  string   `json:"reject_route,omitempty"`
	ActorID      string   `json:"-"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
