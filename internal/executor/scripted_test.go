package executor

import (
	"context"
	"testing"

	"vetline/internal/domain"
)

func TestScriptedReplaysInOrderAndRepeatsLast(t *testing.T) {
	s := NewScripted().Script(domain.PhaseDiscovery,
		domain.Artifact{"fit_score": 50.0},
		domain.Artifact{"fit_score": 80.0},
	)
	ctx := context.Background()

	first, err := s.Execute(ctx, domain.PhaseDiscovery, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first["fit_score"] != 50.0 {
		t.Fatalf("expected first artifact, got %v", first)
	}
	second, _ := s.Execute(ctx, domain.PhaseDiscovery, nil)
	third, _ := s.Execute(ctx, domain.PhaseDiscovery, nil)
	if second["fit_score"] != 80.0 || third["fit_score"] != 80.0 {
		t.Fatalf("script should repeat the last artifact, got %v then %v", second, third)
	}
	if s.Calls(domain.PhaseDiscovery) != 3 {
		t.Fatalf("expected 3 calls, got %d", s.Calls(domain.PhaseDiscovery))
	}
}

func TestScriptedReturnsCopies(t *testing.T) {
	s := NewScripted().Script(domain.PhaseBrief, domain.Artifact{"summary": "original"})
	ctx := context.Background()

	out, _ := s.Execute(ctx, domain.PhaseBrief, nil)
	out["summary"] = "mutated"
	again, _ := s.Execute(ctx, domain.PhaseBrief, nil)
	if again["summary"] != "original" {
		t.Fatalf("callers must not mutate the script, got %v", again)
	}
}

func TestRegistryCompleteRequiresAllPhases(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Complete(); err == nil {
		t.Fatalf("empty registry should not be complete")
	}
	s := NewScripted()
	for _, p := range domain.PhaseSequence {
		reg.Register(p, s)
	}
	if err := reg.Complete(); err != nil {
		t.Fatalf("full registry should be complete: %v", err)
	}
	if _, err := reg.For(domain.Phase("launch")); err == nil {
		t.Fatalf("unknown phase must not resolve an executor")
	}
}

func TestDemoRegistryWalksHappyPath(t *testing.T) {
	reg := DemoRegistry()
	if err := reg.Complete(); err != nil {
		t.Fatalf("demo registry incomplete: %v", err)
	}
	exec, err := reg.For(domain.PhaseViability)
	if err != nil {
		t.Fatalf("viability executor: %v", err)
	}
	a, err := exec.Execute(context.Background(), domain.PhaseViability, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a["ltv"] == nil || a["cac"] == nil {
		t.Fatalf("demo viability artifact missing economics: %v", a)
	}
}
