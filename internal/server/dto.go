package server

import (
	"vetline/internal/domain"
	"vetline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type StartRunRequest struct {
	ProjectID string `json:"project_id,omitempty"`
}

type AbandonRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecisionRequest struct {
	CheckpointID string         `json:"checkpoint_id"`
	Outcome      string         `json:"outcome" enum:"approve,reject"`
	Edits        map[string]any `json:"edits,omitempty"`
	Feedback     string         `json:"feedback,omitempty"`
	RejectRoute  string         `json:"reject_route,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type RunResponse struct {
	ID            string              `json:"id"`
	ProjectID     string              `json:"project_id"`
	CurrentPhase  string              `json:"current_phase"`
	Status        string              `json:"status" enum:"running,paused,completed,failed,abandoned"`
	HitlState     *string             `json:"hitl_state,omitempty"`
	Iterations    map[string]int      `json:"iterations"`
	FailReason    string              `json:"fail_reason,omitempty"`
	FinalDecision string              `json:"final_decision,omitempty" enum:"go,no_go"`
	Version       int64               `json:"version"`
	CreatedAt     string              `json:"created_at" format:"date-time"`
	UpdatedAt     string              `json:"updated_at" format:"date-time"`
	Pending       *CheckpointResponse `json:"pending_checkpoint,omitempty"`
}

type CheckpointResponse struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Type        string         `json:"checkpoint_type"`
	Phase       string         `json:"phase"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status" enum:"pending,approved,rejected"`
	UserEdits   map[string]any `json:"user_edits,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	RejectRoute string         `json:"reject_route,omitempty"`
	PivotKind   string         `json:"pivot_kind,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ResolvedAt  *string        `json:"resolved_at,omitempty" format:"date-time"`
	ExpiresAt   string         `json:"expires_at" format:"date-time"`
}

type ArtifactResponse struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase"`
	Iteration int            `json:"iteration"`
	Revision  int            `json:"revision"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type AdvanceResponse struct {
	RunID      string              `json:"run_id"`
	Action     string              `json:"action" enum:"suspended,iterating,completed,failed,abandoned"`
	Phase      string              `json:"phase"`
	Status     string              `json:"status"`
	Checkpoint *CheckpointResponse `json:"checkpoint,omitempty"`
	Gate       *GateResponse       `json:"gate,omitempty"`
	Message    string              `json:"message,omitempty"`
}

type GateResponse struct {
	Outcome   string   `json:"outcome" enum:"proceed,iterate,pivot,fail"`
	Signal    string   `json:"signal"`
	Value     float64  `json:"value"`
	Readiness float64  `json:"readiness"`
	PivotKind string   `json:"pivot_kind,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
}

type SweepResponse struct {
	Expired []string `json:"expired"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Mapping helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func runResponse(r domain.ValidationRun) RunResponse {
	iters := make(map[string]int, len(r.Iterations))
	for p, n := range r.Iterations {
		iters[string(p)] = n
	}
	return RunResponse{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		CurrentPhase:  string(r.CurrentPhase),
		Status:        string(r.Status),
		HitlState:     r.HitlState,
		Iterations:    iters,
		FailReason:    r.FailReason,
		FinalDecision: r.FinalDecision,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func mapRuns(items []domain.ValidationRun) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, runResponse(r))
	}
	return out
}

func checkpointResponse(c domain.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		ID:          c.ID,
		RunID:       c.RunID,
		Type:        c.Type,
		Phase:       string(c.Phase),
		Payload:     c.Payload,
		Status:      c.Status,
		UserEdits:   c.UserEdits,
		Feedback:    c.Feedback,
		RejectRoute: c.RejectRoute,
		PivotKind:   c.PivotKind,
		CreatedAt:   c.CreatedAt,
		ResolvedAt:  c.ResolvedAt,
		ExpiresAt:   c.ExpiresAt,
	}
}

func mapCheckpoints(items []domain.Checkpoint) []CheckpointResponse {
	out := make([]CheckpointResponse, 0, len(items))
	for _, c := range items {
		out = append(out, checkpointResponse(c))
	}
	return out
}

func artifactResponse(a domain.PhaseArtifact) ArtifactResponse {
	return ArtifactResponse{
		ID:        a.ID,
		RunID:     a.RunID,
		Phase:     string(a.Phase),
		Iteration: a.Iteration,
		Revision:  a.Revision,
		Payload:   a.Payload,
		CreatedAt: a.CreatedAt,
	}
}

func mapArtifacts(items []domain.PhaseArtifact) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		out = append(out, artifactResponse(a))
	}
	return out
}

func advanceResponse(res engine.AdvanceResult) AdvanceResponse {
	out := AdvanceResponse{
		RunID:   res.RunID,
		Action:  res.Action,
		Phase:   string(res.Phase),
		Status:  string(res.Status),
		Message: res.Message,
	}
	if res.Checkpoint != nil {
		cp := checkpointResponse(*res.Checkpoint)
		out.Checkpoint = &cp
	}
	if res.Gate != nil {
		out.Gate = &GateResponse{
			Outcome:   string(res.Gate.Outcome),
			Signal:    res.Gate.Signal,
			Value:     res.Gate.Value,
			Readiness: res.Gate.Readiness,
			PivotKind: res.Gate.PivotKind,
			Reason:    res.Gate.Reason,
			Reasons:   res.Gate.Reasons,
		}
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			ProjectID:  e.ProjectID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}
