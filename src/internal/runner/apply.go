package runner

import (
	"context"
)

// RunnerApply synthesizes the manifest set and applies it to the configured namespace
type RunnerApply struct {
	*RunnerBase
}

// make RunnerApply implement RunnerInterface
var _ RunnerInterface = (*RunnerApply)(nil)

func NewRunnerApply(ctx context.Context, options *Options, components Components) (*RunnerApply, error) {
	base, err := NewRunnerBase(ctx, options, components)
	if err != nil {
		return nil, err
	}
	return &RunnerApply{RunnerBase: base}, nil
}

func (r *RunnerApply) Process() error {
	logger.Info("Apply: starting...")

	if r.Config == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	synthesis, err := r.Synthesize()
	if err != nil {
		return err
	}

	// written before the policy gate so a denied manifest can still be inspected
	if err := r.Persist(synthesis); err != nil {
		return err
	}

	policyResult, err := r.EvaluatePolicies(synthesis.Index)
	if err != nil {
		return err
	}

	if err := r.Reconcile(OPERATION_APPLY, synthesis.Index, policyResult); err != nil {
		return err
	}

	logger.Info("Apply: done.")
	return nil
}
