// Package gate classifies phase artifacts into routing decisions.
//
// Every function here is pure: arithmetic and comparison over fields already
// present in the artifact, no I/O and no model calls. Earlier generations of
// this product let a language model decide stage advancement; the gate exists
// so that advancement is reproducible and testable instead.
package gate

import (
	"encoding/json"
	"fmt"
	"sort"

	"vetline/internal/domain"
)

// Documented thresholds. Routing depends on these exact values.
const (
	// Discovery: problem/solution fit score, 0-100.
	FitScoreProceed = 70.0

	// Desirability: conversion-rate bands from pricing/landing experiments.
	ConversionStrong = 0.10
	ConversionMild   = 0.02

	// Feasibility: technical risk 0-100, build timeline in months, and cost
	// against the declared monthly budget.
	RiskGreenMax       = 40.0
	RiskRedMin         = 75.0
	TimelineGreenMax   = 6.0
	CostOverrunRedMult = 2.0

	// Viability: LTV:CAC ratio and CAC payback in months.
	LTVCACProfitable = 3.0
	LTVCACMarginal   = 1.5
	PaybackMaxMonths = 12.0
)

// Signals summarizing each phase's quantitative result.
const (
	SignalBriefReady        = "BRIEF_READY"
	SignalFitStrong         = "FIT_STRONG"
	SignalFitWeak           = "FIT_WEAK"
	SignalStrongCommitment  = "STRONG_COMMITMENT"
	SignalMildInterest      = "MILD_INTEREST"
	SignalNoInterest        = "NO_INTEREST"
	SignalGreen             = "GREEN"
	SignalOrangeConstrained = "ORANGE_CONSTRAINED"
	SignalRedImpossible     = "RED_IMPOSSIBLE"
	SignalProfitable        = "PROFITABLE"
	SignalMarginal          = "MARGINAL"
	SignalUnderwater        = "UNDERWATER"
	SignalMalformed         = "ARTIFACT_MALFORMED"
)

// ReasonMalformed is the terminal reason recorded when a gate cannot
// classify an artifact. Missing numerics are never silently defaulted.
const ReasonMalformed = "artifact malformed"

// Evaluate classifies one phase artifact. Unknown phases are a programming
// error and classify as malformed.
func Evaluate(phase domain.Phase, artifact domain.Artifact) domain.GateDecision {
	switch phase {
	case domain.PhaseBrief:
		return evaluateBrief(artifact)
	case domain.PhaseDiscovery:
		return evaluateDiscovery(artifact)
	case domain.PhaseDesirability:
		return evaluateDesirability(artifact)
	case domain.PhaseFeasibility:
		return evaluateFeasibility(artifact)
	case domain.PhaseViability:
		return evaluateViability(artifact)
	default:
		return malformed(fmt.Sprintf("no gate for phase %q", phase))
	}
}

// evaluateBrief has no numeric threshold: a brief either carries the summary
// the reviewer will read, or it cannot be routed at all.
func evaluateBrief(artifact domain.Artifact) domain.GateDecision {
	summary, ok := artifact["summary"].(string)
	if !ok || summary == "" {
		return malformed("brief missing summary")
	}
	return domain.GateDecision{
		Outcome:   domain.GateProceed,
		Signal:    SignalBriefReady,
		Value:     1,
		Readiness: 1,
		Reasons:   []string{"brief ready for review"},
	}
}

func evaluateDiscovery(artifact domain.Artifact) domain.GateDecision {
	fit, err := numField(artifact, "fit_score")
	if err != nil {
		return malformed(err.Error())
	}
	readiness := clamp(fit/100, 0, 1)
	if fit >= FitScoreProceed {
		return domain.GateDecision{
			Outcome:   domain.GateProceed,
			Signal:    SignalFitStrong,
			Value:     fit,
			Readiness: readiness,
			Reasons:   []string{fmt.Sprintf("fit score %.0f >= %.0f", fit, FitScoreProceed)},
		}
	}
	weakest, werr := weakestSubArea(artifact)
	reason := fmt.Sprintf("fit score %.0f below %.0f", fit, FitScoreProceed)
	reasons := []string{reason}
	if werr == nil {
		reason = fmt.Sprintf("%s; weakest sub-area: %s", reason, weakest)
		reasons = append(reasons, "weakest sub-area: "+weakest)
	}
	return domain.GateDecision{
		Outcome:     domain.GateIterate,
		Signal:      SignalFitWeak,
		Value:       fit,
		Readiness:   readiness,
		TargetPhase: domain.PhaseDiscovery,
		Reason:      reason,
		Reasons:     reasons,
	}
}

func evaluateDesirability(artifact domain.Artifact) domain.GateDecision {
	rate, err := numField(artifact, "conversion_rate")
	if err != nil {
		return malformed(err.Error())
	}
	readiness := clamp(rate/ConversionStrong, 0, 1)
	switch {
	case rate >= ConversionStrong:
		return domain.GateDecision{
			Outcome:   domain.GateProceed,
			Signal:    SignalStrongCommitment,
			Value:     rate,
			Readiness: readiness,
			Reasons:   []string{fmt.Sprintf("conversion %.3f >= %.2f", rate, ConversionStrong)},
		}
	case rate >= ConversionMild:
		return domain.GateDecision{
			Outcome:   domain.GatePivot,
			Signal:    SignalMildInterest,
			Value:     rate,
			Readiness: readiness,
			PivotKind: domain.PivotValue,
			Reason:    fmt.Sprintf("conversion %.3f shows mild interest; value proposition pivot", rate),
		}
	default:
		return domain.GateDecision{
			Outcome:   domain.GatePivot,
			Signal:    SignalNoInterest,
			Value:     rate,
			Readiness: readiness,
			PivotKind: domain.PivotSegment,
			Reason:    fmt.Sprintf("conversion %.3f shows no interest; customer segment pivot", rate),
		}
	}
}

func evaluateFeasibility(artifact domain.Artifact) domain.GateDecision {
	risk, err := numField(artifact, "technical_risk")
	if err != nil {
		return malformed(err.Error())
	}
	timeline, err := numField(artifact, "timeline_months")
	if err != nil {
		return malformed(err.Error())
	}
	cost, err := numField(artifact, "cost_per_month")
	if err != nil {
		return malformed(err.Error())
	}
	budget, err := numField(artifact, "budget_per_month")
	if err != nil {
		return malformed(err.Error())
	}
	if budget <= 0 {
		return malformed("budget_per_month must be positive")
	}
	overrun := cost / budget
	readiness := clamp(1-risk/100, 0, 1)
	switch {
	case risk >= RiskRedMin || overrun > CostOverrunRedMult:
		return domain.GateDecision{
			Outcome:   domain.GateFail,
			Signal:    SignalRedImpossible,
			Value:     risk,
			Readiness: readiness,
			Reason:    fmt.Sprintf("risk %.0f / cost overrun %.1fx: not buildable as specified", risk, overrun),
		}
	case risk < RiskGreenMax && timeline <= TimelineGreenMax && overrun <= 1:
		return domain.GateDecision{
			Outcome:   domain.GateProceed,
			Signal:    SignalGreen,
			Value:     risk,
			Readiness: readiness,
			Reasons:   []string{fmt.Sprintf("risk %.0f, timeline %.0fmo, within budget", risk, timeline)},
		}
	default:
		return domain.GateDecision{
			Outcome:   domain.GatePivot,
			Signal:    SignalOrangeConstrained,
			Value:     risk,
			Readiness: readiness,
			PivotKind: domain.PivotFeatureDowngrade,
			Reason:    fmt.Sprintf("buildable only under constraints (risk %.0f, timeline %.0fmo, overrun %.1fx)", risk, timeline, overrun),
		}
	}
}

func evaluateViability(artifact domain.Artifact) domain.GateDecision {
	ltv, err := numField(artifact, "ltv")
	if err != nil {
		return malformed(err.Error())
	}
	cac, err := numField(artifact, "cac")
	if err != nil {
		return malformed(err.Error())
	}
	payback, err := numField(artifact, "payback_months")
	if err != nil {
		return malformed(err.Error())
	}
	if cac <= 0 {
		return malformed("cac must be positive")
	}
	ratio := ltv / cac
	readiness := clamp(ratio/LTVCACProfitable, 0, 1)
	switch {
	case ratio >= LTVCACProfitable && payback <= PaybackMaxMonths:
		return domain.GateDecision{
			Outcome:   domain.GateProceed,
			Signal:    SignalProfitable,
			Value:     ratio,
			Readiness: readiness,
			Reasons:   []string{fmt.Sprintf("LTV:CAC %.1f, payback %.0fmo", ratio, payback)},
		}
	case ratio >= LTVCACMarginal:
		return domain.GateDecision{
			Outcome:     domain.GateIterate,
			Signal:      SignalMarginal,
			Value:       ratio,
			Readiness:   readiness,
			TargetPhase: domain.PhaseViability,
			Reason:      fmt.Sprintf("LTV:CAC %.1f marginal; optimize pricing or costs", ratio),
		}
	default:
		return domain.GateDecision{
			Outcome:   domain.GatePivot,
			Signal:    SignalUnderwater,
			Value:     ratio,
			Readiness: readiness,
			PivotKind: domain.PivotStrategic,
			Reason:    fmt.Sprintf("LTV:CAC %.1f underwater; strategic pivot required", ratio),
		}
	}
}

// weakestSubArea picks the lowest-scoring entry of the discovery sub_scores
// map. Ties break alphabetically so the target is deterministic.
func weakestSubArea(artifact domain.Artifact) (string, error) {
	raw, ok := artifact["sub_scores"].(map[string]any)
	if !ok || len(raw) == 0 {
		return "", fmt.Errorf("missing sub_scores")
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	weakest := ""
	low := 0.0
	for _, name := range names {
		v, ok := toFloat(raw[name])
		if !ok {
			return "", fmt.Errorf("sub_scores.%s is not numeric", name)
		}
		if weakest == "" || v < low {
			weakest = name
			low = v
		}
	}
	return weakest, nil
}

func numField(artifact domain.Artifact, key string) (float64, error) {
	raw, ok := artifact[key]
	if !ok {
		return 0, fmt.Errorf("missing numeric field %s", key)
	}
	v, ok := toFloat(raw)
	if !ok {
		return 0, fmt.Errorf("field %s is not numeric", key)
	}
	return v, nil
}

// toFloat accepts the numeric shapes JSON round-trips produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func malformed(detail string) domain.GateDecision {
	return domain.GateDecision{
		Outcome: domain.GateFail,
		Signal:  SignalMalformed,
		Reason:  ReasonMalformed + ": " + detail,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
