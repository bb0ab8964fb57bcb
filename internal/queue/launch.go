package queue

import (
	"context"
	"errors"

	"github.com/fyreflow/pipeliner/internal/preflight"
	"github.com/fyreflow/pipeliner/internal/vault"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// ErrPreflightFailed is returned by Launcher.QueueRun when the smart run
// plan contains at least one failing check.
var ErrPreflightFailed = errors.New("queue: preflight failed")

// Launcher implements the run-admission sequence from spec 4.5: preflight,
// secure-input persistence/merge/mask, run creation, and worker dispatch.
// Both the HTTP boundary and the scheduler share one Launcher so the rules
// are enforced identically for manual and scheduled launches.
type Launcher struct {
	Queue     *Queue
	Vault     *vault.Vault
	Preflight *preflight.Evaluator
}

// QueueRun admits and launches a run. When preflight fails it returns a nil
// run, the evaluated SmartRunPlan, and ErrPreflightFailed.
func (l *Launcher) QueueRun(ctx context.Context, p pipeline.Pipeline, task string, rawInputs map[string]string, persistSensitive bool) (*pipeline.PipelineRun, *preflight.SmartRunPlan, error) {
	if rawInputs == nil {
		rawInputs = map[string]string{}
	}

	existingSecure, err := l.Vault.Get(p.ID)
	if err != nil {
		return nil, nil, err
	}

	available := make(map[string]bool, len(rawInputs)+len(existingSecure))
	for k := range rawInputs {
		available[k] = true
	}
	for k := range existingSecure {
		available[k] = true
	}

	sensitive := vault.PickSensitive(rawInputs)
	if persistSensitive {
		for k := range sensitive {
			available[k] = true
		}
	}

	plan, err := l.Preflight.Evaluate(ctx, preflight.Input{Pipeline: p, AvailableInputs: available})
	if err != nil {
		return nil, nil, err
	}
	if failing := plan.Failing(); len(failing) > 0 {
		return nil, &plan, ErrPreflightFailed
	}

	if persistSensitive && len(sensitive) > 0 {
		if _, err := l.Vault.Upsert(p.ID, sensitive); err != nil {
			return nil, nil, err
		}
	}

	secure, err := l.Vault.Get(p.ID)
	if err != nil {
		return nil, nil, err
	}
	merged := vault.Merge(rawInputs, secure)

	sensitiveKeys := make(map[string]string, len(sensitive)+len(secure))
	for k := range sensitive {
		sensitiveKeys[k] = ""
	}
	for k := range secure {
		sensitiveKeys[k] = ""
	}
	masked := vault.Mask(merged, sensitiveKeys)

	run, err := l.Queue.store.CreateRun(ctx, p, task, masked)
	if err != nil {
		return nil, nil, err
	}

	l.Queue.Enqueue(run.ID)
	return run, &plan, nil
}

// Reattach re-merges secure inputs for a run transitioning back to running
// from awaiting_approval or paused, appending a recovery log line, then
// resumes it on the queue. Spec 4.5's "attach-worker-to-existing-run".
func (l *Launcher) Reattach(ctx context.Context, runID, pipelineID string) error {
	secure, err := l.Vault.Get(pipelineID)
	if err != nil {
		return err
	}
	if _, err := l.Queue.store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
		if len(secure) > 0 {
			r.Inputs = vault.Merge(r.Inputs, secure)
			r.Logs = append(r.Logs, "worker re-attached, secure inputs re-merged")
			return
		}
		r.Logs = append(r.Logs, "worker re-attached")
	}); err != nil {
		return err
	}
	return l.Queue.Resume(ctx, runID)
}
