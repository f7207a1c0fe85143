// Package executor defines the contract between the run coordinator and the
// agent crews that produce phase artifacts. The crews themselves live outside
// this repository; the coordinator only sees a function from accumulated
// phase state to one new artifact.
package executor

import (
	"context"
	"fmt"

	"vetline/internal/domain"
)

// PhaseState is the accumulated input to an executor: the latest artifact of
// every phase that has run so far.
type PhaseState map[domain.Phase]domain.Artifact

// Executor runs one phase's crew logic. Implementations must be idempotent
// or side-effect-free from the caller's view: a crash between execution and
// persistence discards the artifact and re-runs the executor. Real-world side
// effects (payments, ad spend) must be requested via the artifact's
// requires_approval field, never performed directly.
type Executor interface {
	Execute(ctx context.Context, phase domain.Phase, state PhaseState) (domain.Artifact, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, phase domain.Phase, state PhaseState) (domain.Artifact, error)

func (f Func) Execute(ctx context.Context, phase domain.Phase, state PhaseState) (domain.Artifact, error) {
	return f(ctx, phase, state)
}

// Registry maps phases to their executors.
type Registry struct {
	executors map[domain.Phase]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.Phase]Executor)}
}

// Register binds an executor to a phase, replacing any previous binding.
func (r *Registry) Register(phase domain.Phase, e Executor) {
	r.executors[phase] = e
}

// For returns the executor for a phase.
func (r *Registry) For(phase domain.Phase) (Executor, error) {
	e, ok := r.executors[phase]
	if !ok {
		return nil, fmt.Errorf("no executor registered for phase %q", phase)
	}
	return e, nil
}

// Complete reports whether every phase in the sequence has an executor.
func (r *Registry) Complete() error {
	for _, p := range domain.PhaseSequence {
		if _, ok := r.executors[p]; !ok {
			return fmt.Errorf("no executor registered for phase %q", p)
		}
	}
	return nil
}
