// Package recovery implements the startup sweep (spec 4.6): runs left
// mid-flight by a previous process are re-queued, suspended runs are left
// for a human, and orphans whose pipeline disappeared are cancelled.
package recovery

import (
	"context"
	"fmt"

	"github.com/fyreflow/pipeliner/internal/queue"
	"github.com/fyreflow/pipeliner/internal/statestore"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// Sweeper runs the one-shot startup recovery pass.
type Sweeper struct {
	Store    statestore.StateStore
	Launcher *queue.Launcher
}

// Result tallies what the sweep did, useful for a startup log line.
type Result struct {
	Requeued  int
	LeftAsIs  int
	Orphaned  int
}

// Run scans every run and applies the partition rules. It is safe to call
// exactly once, at process start after state load.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var result Result

	runs, err := s.Store.ListRuns(ctx, 0)
	if err != nil {
		return result, err
	}

	pipelines := make(map[string]bool)
	all, err := s.Store.ListPipelines(ctx)
	if err != nil {
		return result, err
	}
	for _, p := range all {
		pipelines[p.ID] = true
	}

	for _, run := range runs {
		if !pipelines[run.PipelineID] {
			if err := s.orphan(ctx, run); err != nil {
				return result, err
			}
			result.Orphaned++
			continue
		}

		switch run.Status {
		case pipeline.RunQueued, pipeline.RunRunning:
			if err := s.requeue(ctx, run); err != nil {
				return result, err
			}
			result.Requeued++

		case pipeline.RunPaused, pipeline.RunAwaitingApproval:
			if err := s.annotate(ctx, run); err != nil {
				return result, err
			}
			result.LeftAsIs++
		}
	}

	return result, nil
}

func (s *Sweeper) orphan(ctx context.Context, run *pipeline.PipelineRun) error {
	_, err := s.Store.UpdateRun(ctx, run.ID, func(r *pipeline.PipelineRun) {
		if r.Status.Terminal() {
			return
		}
		r.Status = pipeline.RunCancelled
		r.Logs = append(r.Logs, "cancelled at startup: pipeline_no_longer_exists")
	})
	return err
}

// requeue resets status to queued, clears approvals (a fresh run attempt
// re-derives its own gate state), appends a recovery log line, and attaches
// a fresh worker. It does not clear StepRuns: the executor's pickNextStep
// picks up from the last completed step rather than restarting the
// pipeline, since step output and attempts history remain valid evidence
// of what already happened.
func (s *Sweeper) requeue(ctx context.Context, run *pipeline.PipelineRun) error {
	_, err := s.Store.UpdateRun(ctx, run.ID, func(r *pipeline.PipelineRun) {
		r.Status = pipeline.RunQueued
		r.Approvals = nil
		r.Logs = append(r.Logs, "recovered after restart, re-queued")
	})
	if err != nil {
		return err
	}
	s.Launcher.Queue.Enqueue(run.ID)
	return nil
}

func (s *Sweeper) annotate(ctx context.Context, run *pipeline.PipelineRun) error {
	line := fmt.Sprintf("process restarted while run was %s, awaiting manual action", run.Status)
	if len(run.Logs) > 0 && run.Logs[len(run.Logs)-1] == line {
		return nil
	}
	_, err := s.Store.UpdateRun(ctx, run.ID, func(r *pipeline.PipelineRun) {
		r.Logs = append(r.Logs, line)
	})
	return err
}
