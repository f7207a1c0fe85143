package gate

import (
	"strings"
	"testing"

	"vetline/internal/domain"
)

func TestBriefReady(t *testing.T) {
	dec := Evaluate(domain.PhaseBrief, domain.Artifact{"summary": "B2B invoicing copilot"})
	if dec.Outcome != domain.GateProceed {
		t.Fatalf("expected proceed, got %s (%s)", dec.Outcome, dec.Reason)
	}
	if dec.Signal != SignalBriefReady {
		t.Fatalf("expected %s, got %s", SignalBriefReady, dec.Signal)
	}
}

func TestBriefMissingSummaryIsMalformed(t *testing.T) {
	dec := Evaluate(domain.PhaseBrief, domain.Artifact{"segments": []any{"designers"}})
	if dec.Outcome != domain.GateFail || dec.Signal != SignalMalformed {
		t.Fatalf("expected malformed fail, got %s/%s", dec.Outcome, dec.Signal)
	}
	if !strings.Contains(dec.Reason, ReasonMalformed) {
		t.Fatalf("reason should carry %q, got %q", ReasonMalformed, dec.Reason)
	}
}

func TestDiscoveryStrongFitProceeds(t *testing.T) {
	dec := Evaluate(domain.PhaseDiscovery, domain.Artifact{"fit_score": 85.0})
	if dec.Outcome != domain.GateProceed {
		t.Fatalf("fit 85 should proceed, got %s (%s)", dec.Outcome, dec.Reason)
	}
	if dec.Signal != SignalFitStrong {
		t.Fatalf("expected %s, got %s", SignalFitStrong, dec.Signal)
	}
	if dec.Value != 85 {
		t.Fatalf("expected value 85, got %v", dec.Value)
	}
}

func TestDiscoveryExactThresholdProceeds(t *testing.T) {
	dec := Evaluate(domain.PhaseDiscovery, domain.Artifact{"fit_score": FitScoreProceed})
	if dec.Outcome != domain.GateProceed {
		t.Fatalf("fit at the threshold should proceed, got %s", dec.Outcome)
	}
}

func TestDiscoveryWeakFitIteratesAtWeakestSubArea(t *testing.T) {
	dec := Evaluate(domain.PhaseDiscovery, domain.Artifact{
		"fit_score": 55.0,
		"sub_scores": map[string]any{
			"problem_resonance": 70.0,
			"segment_clarity":   40.0,
			"value_alignment":   55.0,
		},
	})
	if dec.Outcome != domain.GateIterate {
		t.Fatalf("fit 55 should iterate, got %s", dec.Outcome)
	}
	if dec.TargetPhase != domain.PhaseDiscovery {
		t.Fatalf("iterate should target discovery, got %s", dec.TargetPhase)
	}
	if !strings.Contains(dec.Reason, "segment_clarity") {
		t.Fatalf("reason should name segment_clarity, got %q", dec.Reason)
	}
}

func TestDiscoveryWeakestSubAreaTieBreaksAlphabetically(t *testing.T) {
	dec := Evaluate(domain.PhaseDiscovery, domain.Artifact{
		"fit_score": 50.0,
		"sub_scores": map[string]any{
			"value_alignment":   30.0,
			"problem_resonance": 30.0,
		},
	})
	if !strings.Contains(dec.Reason, "problem_resonance") {
		t.Fatalf("tie should pick the first name alphabetically, got %q", dec.Reason)
	}
}

func TestDiscoveryMissingFitScoreIsMalformed(t *testing.T) {
	dec := Evaluate(domain.PhaseDiscovery, domain.Artifact{"summary": "no numbers"})
	if dec.Outcome != domain.GateFail || dec.Signal != SignalMalformed {
		t.Fatalf("missing fit_score must classify as malformed, got %s/%s", dec.Outcome, dec.Signal)
	}
}

func TestDiscoveryNonNumericFitScoreIsMalformed(t *testing.T) {
	dec := Evaluate(domain.PhaseDiscovery, domain.Artifact{"fit_score": "eighty"})
	if dec.Signal != SignalMalformed {
		t.Fatalf("string fit_score must classify as malformed, got %s", dec.Signal)
	}
}

func TestDesirabilityBands(t *testing.T) {
	cases := []struct {
		rate    float64
		outcome domain.GateOutcome
		signal  string
		pivot   string
	}{
		{0.12, domain.GateProceed, SignalStrongCommitment, ""},
		{ConversionStrong, domain.GateProceed, SignalStrongCommitment, ""},
		{0.05, domain.GatePivot, SignalMildInterest, domain.PivotValue},
		{ConversionMild, domain.GatePivot, SignalMildInterest, domain.PivotValue},
		{0.001, domain.GatePivot, SignalNoInterest, domain.PivotSegment},
		{0, domain.GatePivot, SignalNoInterest, domain.PivotSegment},
	}
	for _, tc := range cases {
		dec := Evaluate(domain.PhaseDesirability, domain.Artifact{"conversion_rate": tc.rate})
		if dec.Outcome != tc.outcome || dec.Signal != tc.signal {
			t.Fatalf("rate %v: expected %s/%s, got %s/%s", tc.rate, tc.outcome, tc.signal, dec.Outcome, dec.Signal)
		}
		if dec.PivotKind != tc.pivot {
			t.Fatalf("rate %v: expected pivot %q, got %q", tc.rate, tc.pivot, dec.PivotKind)
		}
	}
}

func TestFeasibilityGreen(t *testing.T) {
	dec := Evaluate(domain.PhaseFeasibility, domain.Artifact{
		"technical_risk":   25.0,
		"timeline_months":  4.0,
		"cost_per_month":   6000.0,
		"budget_per_month": 8000.0,
	})
	if dec.Outcome != domain.GateProceed || dec.Signal != SignalGreen {
		t.Fatalf("expected green proceed, got %s/%s (%s)", dec.Outcome, dec.Signal, dec.Reason)
	}
}

func TestFeasibilityHighRiskFails(t *testing.T) {
	dec := Evaluate(domain.PhaseFeasibility, domain.Artifact{
		"technical_risk":   80.0,
		"timeline_months":  4.0,
		"cost_per_month":   1000.0,
		"budget_per_month": 8000.0,
	})
	if dec.Outcome != domain.GateFail || dec.Signal != SignalRedImpossible {
		t.Fatalf("risk 80 must fail, got %s/%s", dec.Outcome, dec.Signal)
	}
}

func TestFeasibilityCostOverrunFails(t *testing.T) {
	dec := Evaluate(domain.PhaseFeasibility, domain.Artifact{
		"technical_risk":   10.0,
		"timeline_months":  3.0,
		"cost_per_month":   25000.0,
		"budget_per_month": 8000.0,
	})
	if dec.Outcome != domain.GateFail {
		t.Fatalf("3x cost overrun must fail, got %s (%s)", dec.Outcome, dec.Reason)
	}
}

func TestFeasibilityConstrainedPivotsFeatureDowngrade(t *testing.T) {
	dec := Evaluate(domain.PhaseFeasibility, domain.Artifact{
		"technical_risk":   60.0,
		"timeline_months":  9.0,
		"cost_per_month":   9000.0,
		"budget_per_month": 8000.0,
	})
	if dec.Outcome != domain.GatePivot || dec.PivotKind != domain.PivotFeatureDowngrade {
		t.Fatalf("constrained build should pivot feature_downgrade, got %s/%s", dec.Outcome, dec.PivotKind)
	}
}

func TestFeasibilityZeroBudgetIsMalformed(t *testing.T) {
	dec := Evaluate(domain.PhaseFeasibility, domain.Artifact{
		"technical_risk":   10.0,
		"timeline_months":  3.0,
		"cost_per_month":   1000.0,
		"budget_per_month": 0.0,
	})
	if dec.Signal != SignalMalformed {
		t.Fatalf("zero budget must classify as malformed, got %s", dec.Signal)
	}
}

func TestViabilityProfitable(t *testing.T) {
	dec := Evaluate(domain.PhaseViability, domain.Artifact{
		"ltv": 900.0, "cac": 220.0, "payback_months": 7.0,
	})
	if dec.Outcome != domain.GateProceed || dec.Signal != SignalProfitable {
		t.Fatalf("LTV:CAC 4.1 should proceed, got %s/%s", dec.Outcome, dec.Signal)
	}
}

func TestViabilitySlowPaybackIsNotProfitable(t *testing.T) {
	dec := Evaluate(domain.PhaseViability, domain.Artifact{
		"ltv": 900.0, "cac": 220.0, "payback_months": 18.0,
	})
	if dec.Outcome != domain.GateIterate || dec.Signal != SignalMarginal {
		t.Fatalf("good ratio with slow payback should iterate, got %s/%s", dec.Outcome, dec.Signal)
	}
	if dec.TargetPhase != domain.PhaseViability {
		t.Fatalf("viability iterate targets viability, got %s", dec.TargetPhase)
	}
}

func TestViabilityUnderwaterPivotsStrategic(t *testing.T) {
	dec := Evaluate(domain.PhaseViability, domain.Artifact{
		"ltv": 100.0, "cac": 220.0, "payback_months": 7.0,
	})
	if dec.Outcome != domain.GatePivot || dec.PivotKind != domain.PivotStrategic {
		t.Fatalf("LTV:CAC 0.5 should pivot strategic, got %s/%s", dec.Outcome, dec.PivotKind)
	}
}

func TestUnknownPhaseIsMalformed(t *testing.T) {
	dec := Evaluate(domain.Phase("launch"), domain.Artifact{"summary": "x"})
	if dec.Outcome != domain.GateFail || dec.Signal != SignalMalformed {
		t.Fatalf("unknown phase must classify as malformed, got %s/%s", dec.Outcome, dec.Signal)
	}
}
