package config

import (
	"strings"
	"testing"
	"time"

	"vetline/internal/domain"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id not applied: %q", cfg.Project.ID)
	}
	if cfg.MaxIterations() != 3 {
		t.Fatalf("default max iterations should be 3, got %d", cfg.MaxIterations())
	}
}

func TestDefaultCatalogCoversClosedSet(t *testing.T) {
	cfg := Default("proj-1")
	for _, name := range checkpointTypes {
		spec, err := cfg.CheckpointSpecFor(name)
		if err != nil {
			t.Fatalf("catalog missing %s: %v", name, err)
		}
		if spec.TTLDuration() <= 0 {
			t.Fatalf("%s has no usable ttl: %q", name, spec.TTL)
		}
	}
	if _, err := cfg.CheckpointSpecFor("approve_everything"); err == nil {
		t.Fatalf("unknown type must not resolve")
	}
}

func TestSignoffMapping(t *testing.T) {
	cfg := Default("proj-1")
	cases := map[domain.Phase]string{
		domain.PhaseBrief:        CheckpointApproveBrief,
		domain.PhaseDiscovery:    CheckpointApproveDiscoveryOutput,
		domain.PhaseDesirability: CheckpointApproveDesirabilityGate,
		domain.PhaseFeasibility:  CheckpointApproveFeasibilityGate,
		domain.PhaseViability:    CheckpointApproveViabilityGate,
	}
	for phase, want := range cases {
		if got := cfg.SignoffFor(phase); got != want {
			t.Fatalf("signoff for %s: want %s, got %s", phase, want, got)
		}
	}
}

func TestActionCheckpointTypes(t *testing.T) {
	for _, name := range []string{
		CheckpointApproveExperimentPlan,
		CheckpointApprovePricingTest,
		CheckpointApproveCampaignLaunch,
		CheckpointApproveSpendIncrease,
	} {
		if !ActionCheckpointType(name) {
			t.Fatalf("%s should be an action checkpoint", name)
		}
	}
	if ActionCheckpointType(CheckpointApproveBrief) {
		t.Fatalf("approve_brief is a sign-off, not an action checkpoint")
	}
}

func TestValidateRejectsUnknownCatalogType(t *testing.T) {
	cfg := Default("proj-1")
	cfg.Checkpoints.Catalog["approve_everything"] = CheckpointSpec{
		TTL:                "24h",
		RejectRoutes:       map[string]string{"revise": "brief"},
		DefaultRejectRoute: "revise",
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown checkpoint type") {
		t.Fatalf("expected unknown-type error, got %v", err)
	}
}

func TestValidateRejectsBadTTL(t *testing.T) {
	cfg := Default("proj-1")
	spec := cfg.Checkpoints.Catalog[CheckpointApproveBrief]
	spec.TTL = "soon"
	cfg.Checkpoints.Catalog[CheckpointApproveBrief] = spec
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unparseable ttl should fail validation")
	}
}

func TestValidateRejectsRouteToUnknownPhase(t *testing.T) {
	cfg := Default("proj-1")
	spec := cfg.Checkpoints.Catalog[CheckpointApproveBrief]
	spec.RejectRoutes = map[string]string{"revise": "launch"}
	cfg.Checkpoints.Catalog[CheckpointApproveBrief] = spec
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown phase") {
		t.Fatalf("expected unknown-phase error, got %v", err)
	}
}

func TestValidateRejectsMissingDefaultRoute(t *testing.T) {
	cfg := Default("proj-1")
	spec := cfg.Checkpoints.Catalog[CheckpointApproveBrief]
	spec.DefaultRejectRoute = "escalate"
	cfg.Checkpoints.Catalog[CheckpointApproveBrief] = spec
	if err := cfg.Validate(); err == nil {
		t.Fatalf("undeclared default route should fail validation")
	}
}

func TestValidateTerminalTypeDeclaresNoRoutes(t *testing.T) {
	cfg := Default("proj-1")
	spec := cfg.Checkpoints.Catalog[CheckpointRequestHumanDecision]
	spec.RejectRoutes = map[string]string{"retry": "viability"}
	cfg.Checkpoints.Catalog[CheckpointRequestHumanDecision] = spec
	if err := cfg.Validate(); err == nil {
		t.Fatalf("terminal checkpoint with routes should fail validation")
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("proj-2")))
	if err != nil {
		t.Fatalf("parse generated default: %v", err)
	}
	if cfg.Project.ID != "proj-2" || cfg.Project.Kind != "validation-project" {
		t.Fatalf("generated default misparsed: %+v", cfg.Project)
	}
	spec, err := cfg.CheckpointSpecFor(CheckpointApproveSpendIncrease)
	if err != nil {
		t.Fatalf("spend increase spec: %v", err)
	}
	if !spec.RerunPhase || spec.TTLDuration() != 24*time.Hour {
		t.Fatalf("spend increase spec misparsed: %+v", spec)
	}
}
