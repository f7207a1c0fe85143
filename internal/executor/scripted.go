package executor

import (
	"context"
	"sync"

	"vetline/internal/domain"
)

// Scripted replays canned artifacts per phase, in order, repeating the last
// one once the script is exhausted. It backs `vl run demo` and the engine
// tests; production deployments register real crew-backed executors instead.
type Scripted struct {
	mu      sync.Mutex
	scripts map[domain.Phase][]domain.Artifact
	cursor  map[domain.Phase]int
	calls   map[domain.Phase]int
}

func NewScripted() *Scripted {
	return &Scripted{
		scripts: make(map[domain.Phase][]domain.Artifact),
		cursor:  make(map[domain.Phase]int),
		calls:   make(map[domain.Phase]int),
	}
}

// Script appends artifacts to a phase's playback queue.
func (s *Scripted) Script(phase domain.Phase, artifacts ...domain.Artifact) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[phase] = append(s.scripts[phase], artifacts...)
	return s
}

// Calls returns how many times a phase executed.
func (s *Scripted) Calls(phase domain.Phase) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[phase]
}

func (s *Scripted) Execute(ctx context.Context, phase domain.Phase, state PhaseState) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[phase]++
	script := s.scripts[phase]
	if len(script) == 0 {
		return domain.Artifact{"summary": string(phase) + " output"}, nil
	}
	i := s.cursor[phase]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		s.cursor[phase]++
	}
	// Copy so callers cannot mutate the script through the returned artifact.
	out := make(domain.Artifact, len(script[i]))
	for k, v := range script[i] {
		out[k] = v
	}
	return out, nil
}

// DemoRegistry returns a registry scripted with a plausible happy-path run,
// used by `vl run demo`.
func DemoRegistry() *Registry {
	s := NewScripted().
		Script(domain.PhaseBrief, domain.Artifact{
			"summary":  "B2B invoicing copilot for freelance designers",
			"segments": []any{"freelance designers", "small studios"},
			"problem":  "late payments and manual follow-up",
		}).
		Script(domain.PhaseDiscovery, domain.Artifact{
			"summary":   "12 interviews, strong problem resonance",
			"fit_score": 82.0,
			"sub_scores": map[string]any{
				"problem_resonance": 88.0,
				"segment_clarity":   79.0,
				"value_alignment":   80.0,
			},
		}).
		Script(domain.PhaseDesirability, domain.Artifact{
			"summary":         "landing page test, 400 visitors",
			"conversion_rate": 0.12,
			"visitors":        400.0,
			"signups":         48.0,
		}).
		Script(domain.PhaseFeasibility, domain.Artifact{
			"summary":          "MVP buildable with existing billing APIs",
			"technical_risk":   25.0,
			"timeline_months":  4.0,
			"cost_per_month":   6000.0,
			"budget_per_month": 8000.0,
		}).
		Script(domain.PhaseViability, domain.Artifact{
			"summary":        "subscription model, organic acquisition",
			"ltv":            900.0,
			"cac":            220.0,
			"payback_months": 7.0,
		})
	reg := NewRegistry()
	for _, p := range domain.PhaseSequence {
		reg.Register(p, s)
	}
	return reg
}
