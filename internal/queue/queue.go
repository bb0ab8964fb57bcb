// Package queue implements the Run Queue and Controller Registry: an
// in-process worker pool that pulls queued runs and drives each through
// the executor, tracking a live cancellation channel per running run so
// callers can request a stop or pause without reaching into executor
// internals.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fyreflow/pipeliner/internal/executor"
	"github.com/fyreflow/pipeliner/internal/logging"
	"github.com/fyreflow/pipeliner/internal/statestore"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// DefaultConcurrency bounds the number of runs executed simultaneously,
// matching the teacher's fixed worker-pool sizing rather than an unbounded
// goroutine-per-run model.
const DefaultConcurrency = 4

// controller tracks one in-flight run so it can be cancelled or paused.
type controller struct {
	runID  string
	signal *executor.CancelSignal
	once   sync.Once
}

func (c *controller) stop(status pipeline.RunStatus) {
	c.once.Do(func() {
		c.signal.Status = status
		close(c.signal.Done)
	})
}

// Queue accepts run ids, fans them out across a bounded worker pool, and
// keeps a registry of live controllers for Stop/Pause.
type Queue struct {
	store    statestore.StateStore
	executor *executor.Executor
	logger   *slog.Logger

	pending chan string

	mu          sync.Mutex
	controllers map[string]*controller

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Queue with the given worker concurrency and starts its
// workers immediately; call Shutdown to stop them.
func New(store statestore.StateStore, exec *executor.Executor, logger *slog.Logger, concurrency int) *Queue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	q := &Queue{
		store:       store,
		executor:    exec,
		logger:      logger,
		pending:     make(chan string, 256),
		controllers: make(map[string]*controller),
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Enqueue submits a run id for execution. It never blocks the caller's
// request path: if the buffer is full, it spawns a dedicated goroutine so
// submission still succeeds.
func (q *Queue) Enqueue(runID string) {
	select {
	case q.pending <- runID:
	default:
		go func() { q.pending <- runID }()
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case runID, ok := <-q.pending:
			if !ok {
				return
			}
			q.run(runID)
		}
	}
}

func (q *Queue) run(runID string) {
	ctrl := &controller{runID: runID, signal: executor.NewCancelSignal()}
	q.mu.Lock()
	q.controllers[runID] = ctrl
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.controllers, runID)
		q.mu.Unlock()
	}()

	ctx := context.Background()
	if err := q.executor.Execute(ctx, runID, ctrl.signal); err != nil {
		if q.logger != nil {
			q.logger.Error("run execution failed", slog.String(logging.RunIDKey, runID), slog.Any("error", err))
		}
	}
}

// Stop cancels an in-flight run and marks it terminally cancelled. It is a
// no-op if the run is not currently owned by this queue (e.g. already
// terminal, or awaiting approval on a different process).
func (q *Queue) Stop(runID string) bool {
	q.mu.Lock()
	ctrl, ok := q.controllers[runID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	ctrl.stop(pipeline.RunCancelled)
	return true
}

// Resume moves a run sitting in awaiting_approval or paused back to queued
// and re-enqueues it; a terminal run is rejected.
func (q *Queue) Resume(ctx context.Context, runID string) error {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("queue: run %s is already terminal (%s)", runID, run.Status)
	}
	if _, err := q.store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
		if r.Status == pipeline.RunAwaitingApproval || r.Status == pipeline.RunPaused {
			r.Status = pipeline.RunQueued
		}
	}); err != nil {
		return err
	}
	q.Enqueue(runID)
	return nil
}

// Pause requests a graceful stop that leaves the run resumable at
// RunPaused rather than RunCancelled; Resume re-queues it.
func (q *Queue) Pause(runID string) bool {
	q.mu.Lock()
	ctrl, ok := q.controllers[runID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	ctrl.stop(pipeline.RunPaused)
	return true
}

// ActiveRunIDs returns the ids of runs currently owned by a worker.
func (q *Queue) ActiveRunIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.controllers))
	for id := range q.controllers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting new work and waits for in-flight runs' worker
// goroutines to observe stopCh. It does not forcibly cancel running runs;
// callers that want a hard stop should Stop each ActiveRunIDs() entry
// first.
func (q *Queue) Shutdown() {
	close(q.stopCh)
	q.wg.Wait()
}
