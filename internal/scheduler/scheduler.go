// Package scheduler implements the cron-matching tick loop described in
// spec 4.7: a fixed-interval ticker with a catch-up window, per-pipeline
// marker persistence, and preflight-gated dispatch, structured after the
// teacher's daemon scheduler (ticker + mutex + stopCh/doneCh shutdown).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyreflow/pipeliner/internal/cron"
	"github.com/fyreflow/pipeliner/internal/preflight"
	"github.com/fyreflow/pipeliner/internal/queue"
	"github.com/fyreflow/pipeliner/internal/statestore"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// TickInterval is the fixed ticker period named in spec 4.7.
const TickInterval = 15 * time.Second

// DefaultCatchupWindowMinutes is used when SCHEDULER_CATCHUP_WINDOW_MINUTES
// is unset.
const DefaultCatchupWindowMinutes = 15

// ClampCatchupWindow enforces the named bound [0,720].
func ClampCatchupWindow(minutes int) int {
	if minutes < 0 {
		return 0
	}
	if minutes > 720 {
		return 720
	}
	return minutes
}

// Scheduler is a single-threaded ticker with a re-entrancy guard: a tick
// that is still running when the next one fires is skipped rather than
// queued.
type Scheduler struct {
	Store            statestore.StateStore
	Launcher         *queue.Launcher
	Logger           *slog.Logger
	CatchupWindowMin int

	mu       sync.Mutex
	markers  map[string]string
	warned   map[string]bool
	loaded   bool
	ticking  int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// Start begins the ticker loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	if s.markers == nil {
		s.markers = make(map[string]string)
	}
	if s.warned == nil {
		s.warned = make(map[string]bool)
	}
	if s.CatchupWindowMin == 0 {
		s.CatchupWindowMin = DefaultCatchupWindowMinutes
	}
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the ticker loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	if !s.loaded {
		s.loadMarkers(ctx)
	}

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if !atomic.CompareAndSwapInt32(&s.ticking, 0, 1) {
				continue
			}
			s.tick(ctx, now.UTC())
			atomic.StoreInt32(&s.ticking, 0)
		}
	}
}

func (s *Scheduler) loadMarkers(ctx context.Context) {
	pipelines, err := s.Store.ListPipelines(ctx)
	if err != nil {
		return
	}
	for _, p := range pipelines {
		if marker, ok, err := s.Store.GetSchedulerMarker(ctx, p.ID); err == nil && ok {
			s.markers[p.ID] = marker
		}
	}
	s.loaded = true
}

// tick implements the five numbered steps of spec 4.7.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	pipelines, err := s.Store.ListPipelines(ctx)
	if err != nil {
		s.log().Error("scheduler: list pipelines failed", slog.Any("error", err))
		return
	}

	window := buildCatchupWindow(now, s.CatchupWindowMin)
	anyFired := false

	for _, p := range pipelines {
		if p.Schedule == nil || !p.Schedule.Enabled {
			continue
		}
		if s.handlePipeline(ctx, p, window) {
			anyFired = true
		}
	}

	if anyFired {
		s.persistMarkers(ctx)
	}
}

// buildCatchupWindow returns the current minute and the preceding
// catchupMinutes minutes, oldest first, with seconds zeroed.
func buildCatchupWindow(now time.Time, catchupMinutes int) []time.Time {
	current := now.Truncate(time.Minute)
	slots := make([]time.Time, 0, catchupMinutes+1)
	for i := catchupMinutes; i >= 0; i-- {
		slots = append(slots, current.Add(-time.Duration(i)*time.Minute))
	}
	return slots
}

func (s *Scheduler) handlePipeline(ctx context.Context, p pipeline.Pipeline, window []time.Time) bool {
	expr, err := cron.Parse(p.Schedule.Cron)
	if err != nil {
		s.recordMarkerOnce(p.ID, fmt.Sprintf("invalid-cron:%s", p.Schedule.Cron), "invalid cron expression for pipeline "+p.ID)
		return false
	}

	tz := p.Schedule.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.recordMarkerOnce(p.ID, fmt.Sprintf("invalid-timezone:%s", tz), "invalid timezone for pipeline "+p.ID)
		return false
	}

	fired := false
	for _, slot := range window {
		local := slot.In(loc)
		if !expr.Matches(local) {
			continue
		}
		marker := fmt.Sprintf("%s|%s|%s", cron.ZonedMinuteKey(local, loc), p.Schedule.Cron, tz)
		if s.markerSeen(p.ID, marker) {
			continue
		}
		s.setMarker(p.ID, marker)
		fired = true
		s.handleFiring(ctx, p)
	}
	return fired
}

func (s *Scheduler) handleFiring(ctx context.Context, p pipeline.Pipeline) {
	active, err := s.hasActiveRun(ctx, p.ID)
	if err != nil {
		s.log().Error("scheduler: active run check failed", slog.String("pipeline_id", p.ID), slog.Any("error", err))
		return
	}
	if active {
		s.log().Info("scheduler: skip firing, pipeline already active", slog.String("pipeline_id", p.ID))
		return
	}

	task := ""
	var inputs map[string]string
	runMode := pipeline.RunModeSmart
	if p.Schedule != nil {
		task = p.Schedule.Task
		inputs = p.Schedule.Inputs
		if p.Schedule.RunMode != "" {
			runMode = p.Schedule.RunMode
		}
	}
	_ = runMode // quick mode still runs through the same launcher; reserved for a future lighter preflight pass

	_, plan, err := s.Launcher.QueueRun(ctx, p, task, inputs, true)
	if err != nil {
		if plan != nil {
			s.log().Info("scheduler: skip firing, preflight failed", slog.String("pipeline_id", p.ID), slog.Any("failed_checks", plan.Failing()))
			return
		}
		s.log().Error("scheduler: launch failed", slog.String("pipeline_id", p.ID), slog.Any("error", err))
	}
}

func (s *Scheduler) hasActiveRun(ctx context.Context, pipelineID string) (bool, error) {
	runs, err := s.Store.ListRuns(ctx, 0)
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		if r.PipelineID != pipelineID {
			continue
		}
		switch r.Status {
		case pipeline.RunQueued, pipeline.RunRunning, pipeline.RunAwaitingApproval, pipeline.RunPaused:
			return true, nil
		}
	}
	return false, nil
}

// markerSeen reports whether marker, or a later minute for the same cron
// and timezone, is already recorded for pipelineID, so a catch-up slot that
// has fired is not fired again on a later tick.
func (s *Scheduler) markerSeen(pipelineID, marker string) bool {
	s.mu.Lock()
	prev := s.markers[pipelineID]
	s.mu.Unlock()
	if prev == marker {
		return true
	}
	key, rest, _ := strings.Cut(marker, "|")
	prevKey, prevRest, ok := strings.Cut(prev, "|")
	return ok && rest == prevRest && key <= prevKey
}

func (s *Scheduler) setMarker(pipelineID, marker string) {
	s.mu.Lock()
	s.markers[pipelineID] = marker
	s.mu.Unlock()
}

func (s *Scheduler) recordMarkerOnce(pipelineID, sentinel, warning string) {
	s.mu.Lock()
	changed := s.markers[pipelineID] != sentinel
	s.markers[pipelineID] = sentinel
	alreadyWarned := s.warned[pipelineID]
	s.warned[pipelineID] = true
	s.mu.Unlock()

	if changed && !alreadyWarned {
		s.log().Warn("scheduler: " + warning)
	}
}

func (s *Scheduler) persistMarkers(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]string, len(s.markers))
	for k, v := range s.markers {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for pipelineID, marker := range snapshot {
		if err := s.Store.SaveSchedulerMarker(ctx, pipelineID, marker); err != nil {
			s.log().Error("scheduler: persist marker failed", slog.String("pipeline_id", pipelineID), slog.Any("error", err))
		}
	}
}

// PreflightForStartupCheck exposes the same evaluator the scheduler uses,
// backing the /api/pipelines/:id/startup-check endpoint so manual checks
// and scheduled dispatch never disagree.
func (s *Scheduler) PreflightForStartupCheck(ctx context.Context, p pipeline.Pipeline, availableInputs map[string]bool) (preflight.SmartRunPlan, error) {
	return s.Launcher.Preflight.Evaluate(ctx, preflight.Input{Pipeline: p, AvailableInputs: availableInputs, CheckSchedule: true})
}

func (s *Scheduler) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
