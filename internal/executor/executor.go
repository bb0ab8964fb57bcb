// Package executor drives one PipelineRun to a terminal status: the run
// executor (spec 4.2), its quality gate evaluation, and the
// cancellation/pause suspension points.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyreflow/pipeliner/internal/graph"
	"github.com/fyreflow/pipeliner/internal/logging"
	"github.com/fyreflow/pipeliner/internal/provider"
	"github.com/fyreflow/pipeliner/internal/statestore"
	"github.com/fyreflow/pipeliner/internal/steprunner"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// retryCap is the bounded number of attempts permitted for a single step,
// both for blocking-gate-triggered retries and for transient CLI errors.
const retryCap = 3

var backoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ArtifactLister resolves which relative paths exist in a run's workspace,
// backing the artifact_exists gate without the executor needing to know
// about the concrete storage layer.
type ArtifactLister interface {
	ListArtifacts(ctx context.Context, runID string) ([]string, error)
}

// Clock is injectable for testing (spec 6, external interface).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock with time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Executor drives runs to completion.
type Executor struct {
	Store     statestore.StateStore
	Runner    *steprunner.Runner
	Artifacts ArtifactLister
	Clock     Clock
	Logger    *slog.Logger

	// Tracer, if set, wraps each step dispatch in a span carrying the
	// provider, model and attempt count. Nil is safe; no spans are emitted.
	Tracer trace.Tracer
}

func (e *Executor) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return trace.NewNoopTracerProvider().Tracer("executor")
}

// ErrCancelled is returned internally when a suspension point observes a
// closed cancellation channel.
var ErrCancelled = fmt.Errorf("executor: run cancelled")

// errAwaitingApproval signals the loop to exit without marking the run
// terminal: a manual_approval gate has suspended execution.
var errAwaitingApproval = fmt.Errorf("executor: awaiting approval")

// CancelSignal is how the queue's controller tells a running executor to
// stop, and what terminal (or resumable, for RunPaused) status to record
// once it does. Status must be set before Done is closed; the close
// establishes the happens-before edge the executor relies on to read it
// without a data race.
type CancelSignal struct {
	Done   chan struct{}
	Status pipeline.RunStatus
}

// NewCancelSignal builds a signal defaulting to RunCancelled if Status is
// never overwritten before Done closes.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{Done: make(chan struct{}), Status: pipeline.RunCancelled}
}

// Execute drives run id to a terminal status, or until it suspends on an
// approval or pause. cancel is consulted at every suspension point named in
// spec 5: before each step dispatch, during subprocess wait (delegated to
// the provider adapter via ctx), and after each parsed stream event
// (delegated to the step runner's per-event channel drain, which respects
// ctx cancellation).
func (e *Executor) Execute(ctx context.Context, runID string, cancel *CancelSignal) error {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	p, err := e.Store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return e.fail(ctx, runID, fmt.Sprintf("pipeline %s no longer exists", run.PipelineID))
	}

	if run.Status == pipeline.RunQueued {
		if _, err := e.Store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
			r.Status = pipeline.RunRunning
		}); err != nil {
			return err
		}
	}

	ordered := graph.Order(p.Steps, p.Links)
	loopCount := 0

	for {
		select {
		case <-cancel.Done:
			return e.suspend(ctx, runID, cancel.Status, "run cancelled")
		case <-ctx.Done():
			return e.suspend(ctx, runID, pipeline.RunCancelled, "context cancelled")
		default:
		}

		run, err = e.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		next, retrying, err := pickNextStep(p, ordered, run, &loopCount)
		if err != nil {
			return e.fail(ctx, runID, err.Error())
		}
		if next == nil {
			return e.complete(ctx, runID)
		}

		if len(run.StepRuns) >= p.Policy.MaxStepExecutions && !retrying {
			return e.fail(ctx, runID, "step_budget_exhausted")
		}

		if err := e.dispatchStep(ctx, runID, p, *next, retrying, cancel); err != nil {
			switch err {
			case errAwaitingApproval:
				return nil
			case ErrCancelled:
				return e.suspend(ctx, runID, cancel.Status, "run cancelled")
			default:
				return e.fail(ctx, runID, err.Error())
			}
		}
	}
}

// pickNextStep implements spec 4.2 step 1: retry > link-follow > orchestrator
// fallback > terminate.
func pickNextStep(p pipeline.Pipeline, ordered []pipeline.Step, run *pipeline.PipelineRun, loopCount *int) (*pipeline.Step, bool, error) {
	last, haveLast := run.LastCompletedStep()

	if haveLast && last.Status == pipeline.StepFailed && last.Attempts < retryCap && stepNeedsRetry(p, last) {
		if s, ok := p.StepByID(last.StepID); ok {
			return &s, true, nil
		}
	}

	if !haveLast {
		if len(ordered) == 0 {
			return nil, false, nil
		}
		s := ordered[0]
		return &s, false, nil
	}

	outcome := outcomeToCondition(last.WorkflowOutcome)
	for _, l := range p.Links {
		if l.SourceStepID != last.StepID {
			continue
		}
		cond := l.EffectiveCondition()
		if cond == pipeline.ConditionAlways || cond == outcome {
			if s, ok := p.StepByID(l.TargetStepID); ok {
				return &s, false, nil
			}
		}
	}

	for _, s := range p.Steps {
		if s.Role == pipeline.RoleOrchestrator && *loopCount < p.Policy.MaxLoops {
			*loopCount++
			orchestrator := s
			return &orchestrator, false, nil
		}
	}

	return nil, false, nil
}

// stepNeedsRetry reports whether last's failure came from a blocking gate
// (as opposed to the step simply reaching a terminal link-less state),
// which is the only failure mode spec 4.2(a) retries in place.
func stepNeedsRetry(p pipeline.Pipeline, last pipeline.StepRun) bool {
	for _, gr := range last.QualityGateResults {
		if !gr.Passed {
			return true
		}
	}
	return false
}

func outcomeToCondition(o pipeline.WorkflowOutcome) pipeline.LinkCondition {
	if o == pipeline.OutcomePass {
		return pipeline.ConditionOnPass
	}
	return pipeline.ConditionOnFail
}

func (e *Executor) dispatchStep(ctx context.Context, runID string, p pipeline.Pipeline, step pipeline.Step, retry bool, cancel *CancelSignal) (dispatchErr error) {
	select {
	case <-cancel.Done:
		return ErrCancelled
	default:
	}

	ctx, span := e.tracer().Start(ctx, "step.dispatch", trace.WithAttributes(
		attribute.String("pipeliner.run_id", runID),
		attribute.String("pipeliner.step_id", step.ID),
		attribute.String("pipeliner.provider", step.ProviderID),
		attribute.String("pipeliner.model", step.Model),
		attribute.Bool("pipeliner.retry", retry),
	))
	defer func() {
		if dispatchErr != nil {
			span.RecordError(dispatchErr)
			span.SetStatus(codes.Error, dispatchErr.Error())
		}
		span.End()
	}()

	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	task := run.Task
	previousOutput := ""
	if last, ok := run.LastCompletedStep(); ok && last.StepID != step.ID {
		previousOutput = last.Output
	}
	inputContext := steprunner.RenderContext(step.ContextTemplate, task, previousOutput)

	attempts := 1
	if retry {
		if last, ok := lastStepRunFor(run, step.ID); ok {
			attempts = last.Attempts + 1
		}
	}

	span.SetAttributes(attribute.Int("pipeliner.attempt", attempts))
	e.appendLog(ctx, runID, fmt.Sprintf("step %s started (attempt %d)", step.ID, attempts))

	var res steprunner.Result
	var runErr error
	for attempt := 0; attempt < retryCap; attempt++ {
		select {
		case <-cancel.Done:
			return ErrCancelled
		case <-ctx.Done():
			return ErrCancelled
		default:
		}

		logf := func(ev steprunner.LogEvent) {
			e.appendLog(ctx, runID, formatStepLogEvent(step.ID, ev))
		}

		res, runErr = e.Runner.Run(ctx, runID, step, inputContext, provider.InvokeParams{StageTimeout: p.Policy.StageTimeout}, logf)
		if runErr == nil || !isTransient(runErr) {
			break
		}
		if attempt < len(backoff) {
			time.Sleep(backoff[attempt])
		}
	}

	stepRun := pipeline.StepRun{
		StepID:          step.ID,
		StepName:        step.Name,
		Role:            step.Role,
		Attempts:        attempts,
		InputContext:    inputContext,
		Output:          res.Output,
		WorkflowOutcome: res.WorkflowOutcome,
		SubagentNotes:   res.SubagentNotes,
		StartedAt:       e.Clock.Now(),
	}

	if runErr != nil {
		stepRun.Status = pipeline.StepFailed
		stepRun.WorkflowOutcome = pipeline.OutcomeFail
		stepRun.Error = runErr.Error()
		finished := e.Clock.Now()
		stepRun.FinishedAt = &finished
		e.recordStepRun(ctx, runID, stepRun, retry)
		e.appendLog(ctx, runID, fmt.Sprintf("step %s completed (fail): %s", step.ID, runErr.Error()))
		return nil
	}

	results, blocked, suspend, gateErr := e.evaluateGates(ctx, runID, p, step, &stepRun)
	stepRun.QualityGateResults = results
	finished := e.Clock.Now()
	stepRun.FinishedAt = &finished

	if suspend {
		stepRun.Status = pipeline.StepRunning
		e.recordStepRun(ctx, runID, stepRun, retry)
		return e.suspendForApproval(ctx, runID, step, results)
	}

	if gateErr != nil {
		return gateErr
	}

	if blocked {
		stepRun.Status = pipeline.StepFailed
		if stepRun.WorkflowOutcome == pipeline.OutcomePass {
			stepRun.WorkflowOutcome = pipeline.OutcomeFail
		}
	} else {
		stepRun.Status = pipeline.StepCompleted
	}

	e.recordStepRun(ctx, runID, stepRun, retry)
	e.appendLog(ctx, runID, fmt.Sprintf("step %s completed (%s)", step.ID, stepRun.WorkflowOutcome))
	return nil
}

func lastStepRunFor(run *pipeline.PipelineRun, stepID string) (pipeline.StepRun, bool) {
	for i := len(run.StepRuns) - 1; i >= 0; i-- {
		if run.StepRuns[i].StepID == stepID {
			return run.StepRuns[i], true
		}
	}
	return pipeline.StepRun{}, false
}

func (e *Executor) recordStepRun(ctx context.Context, runID string, stepRun pipeline.StepRun, retry bool) {
	_, _ = e.Store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
		if retry && len(r.StepRuns) > 0 && r.StepRuns[len(r.StepRuns)-1].StepID == stepRun.StepID {
			r.StepRuns[len(r.StepRuns)-1] = stepRun
			return
		}
		r.StepRuns = append(r.StepRuns, stepRun)
	})
}

// evaluateGates runs every QualityGate targeting step (or any_step). It
// returns per-gate results, whether any blocking gate failed, whether a
// manual_approval gate suspended the run, and a hard error for malformed
// gate configuration.
func (e *Executor) evaluateGates(ctx context.Context, runID string, p pipeline.Pipeline, step pipeline.Step, stepRun *pipeline.StepRun) ([]pipeline.QualityGateResult, bool, bool, error) {
	var results []pipeline.QualityGateResult
	blocked := false

	for _, gate := range p.QualityGates {
		if !gate.AppliesTo(step.ID) {
			continue
		}

		if gate.Kind == pipeline.GateManualApproval {
			approval := pipeline.Approval{
				ID:         uuid.NewString(),
				StepID:     step.ID,
				GateID:     gate.ID,
				CreatedAt:  e.Clock.Now(),
				Resolution: pipeline.ApprovalUnresolved,
			}
			_, _ = e.Store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
				r.Approvals = append(r.Approvals, approval)
			})
			return results, blocked, true, nil
		}

		passed, message, err := e.evaluateGate(ctx, runID, gate, stepRun.Output)
		if err != nil {
			return results, blocked, false, err
		}
		results = append(results, pipeline.QualityGateResult{GateID: gate.ID, Passed: passed, Message: message})
		if !passed && gate.Blocking {
			blocked = true
		}
	}

	return results, blocked, false, nil
}

func (e *Executor) evaluateGate(ctx context.Context, runID string, gate pipeline.QualityGate, output string) (bool, string, error) {
	switch gate.Kind {
	case pipeline.GateRegexMustMatch, pipeline.GateRegexMustNotMatch:
		flags := ""
		if strings.Contains(gate.Flags, "i") {
			flags = "(?i)"
		}
		re, err := regexp.Compile(flags + gate.Pattern)
		if err != nil {
			return false, "", fmt.Errorf("gate %s: invalid regex: %w", gate.ID, err)
		}
		matched := re.MatchString(output)
		if gate.Kind == pipeline.GateRegexMustNotMatch {
			matched = !matched
		}
		return matched, gate.Message, nil

	case pipeline.GateJSONFieldExists:
		return e.evaluateJSONFieldExists(gate, output)

	case pipeline.GateArtifactExists:
		return e.evaluateArtifactExists(ctx, runID, gate)

	default:
		return false, "", fmt.Errorf("gate %s: unsupported kind %q", gate.ID, gate.Kind)
	}
}

func (e *Executor) evaluateJSONFieldExists(gate pipeline.QualityGate, output string) (bool, string, error) {
	block := extractFencedJSON(output)
	if block == "" {
		block = output
	}

	var doc any
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return false, gate.Message, nil
	}

	query, err := gojq.Parse(toJQPath(gate.JSONPath))
	if err != nil {
		return false, "", fmt.Errorf("gate %s: invalid json path: %w", gate.ID, err)
	}

	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok || v == nil {
		return false, gate.Message, nil
	}
	if err, isErr := v.(error); isErr {
		return false, "", fmt.Errorf("gate %s: %w", gate.ID, err)
	}
	return true, gate.Message, nil
}

// toJQPath turns a dotted path like "result.status" into the gojq query
// ".result.status".
func toJQPath(dotted string) string {
	dotted = strings.TrimPrefix(dotted, ".")
	if dotted == "" {
		return "."
	}
	return "." + dotted
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

func extractFencedJSON(output string) string {
	if m := fencedJSON.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	return ""
}

func (e *Executor) evaluateArtifactExists(ctx context.Context, runID string, gate pipeline.QualityGate) (bool, string, error) {
	if e.Artifacts == nil {
		return false, gate.Message, nil
	}
	paths, err := e.Artifacts.ListArtifacts(ctx, runID)
	if err != nil {
		return false, "", fmt.Errorf("gate %s: list artifacts: %w", gate.ID, err)
	}
	for _, p := range paths {
		if ok, _ := doublestar.Match(gate.ArtifactPath, p); ok {
			return true, gate.Message, nil
		}
	}
	return false, gate.Message, nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "temporarily unavailable")
}

func formatStepLogEvent(stepID string, ev steprunner.LogEvent) string {
	switch ev.Type {
	case steprunner.LogModelShellCommand:
		return fmt.Sprintf("step %s: shell command %q in %s", stepID, ev.Command, ev.Cwd)
	case steprunner.LogModelToolAction:
		return fmt.Sprintf("step %s: tool action %s", stepID, ev.ToolName)
	case steprunner.LogCommandProgress:
		return fmt.Sprintf("step %s: still running (%dms elapsed, pid %d)", stepID, ev.ElapsedMS, ev.PID)
	default:
		return fmt.Sprintf("step %s: heartbeat", stepID)
	}
}

func (e *Executor) suspendForApproval(ctx context.Context, runID string, step pipeline.Step, results []pipeline.QualityGateResult) error {
	_, err := e.Store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
		r.Status = pipeline.RunAwaitingApproval
	})
	e.appendLog(ctx, runID, fmt.Sprintf("step %s awaiting approval", step.ID))
	if err != nil {
		return err
	}
	return errAwaitingApproval
}

func (e *Executor) complete(ctx context.Context, runID string) error {
	finished := e.Clock.Now()
	_, err := e.Store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
		r.Status = pipeline.RunCompleted
		r.FinishedAt = &finished
	})
	e.appendLog(ctx, runID, "run completed")
	return err
}

func (e *Executor) fail(ctx context.Context, runID, reason string) error {
	finished := e.Clock.Now()
	_, err := e.Store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
		r.Status = pipeline.RunFailed
		r.FinishedAt = &finished
	})
	e.appendLog(ctx, runID, "run failed: "+reason)
	return err
}

// suspend records status (RunCancelled or RunPaused) in response to a
// CancelSignal. RunPaused leaves FinishedAt unset since the run is
// resumable; any other status is treated as terminal.
func (e *Executor) suspend(ctx context.Context, runID string, status pipeline.RunStatus, reason string) error {
	_, err := e.Store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
		if r.Status.Terminal() {
			return
		}
		r.Status = status
		if status != pipeline.RunPaused {
			finished := e.Clock.Now()
			r.FinishedAt = &finished
		}
	})
	e.appendLog(ctx, runID, reason)
	return err
}

func (e *Executor) appendLog(ctx context.Context, runID, line string) {
	_, err := e.Store.UpdateRun(ctx, runID, func(r *pipeline.PipelineRun) {
		r.Logs = append(r.Logs, line)
	})
	if err != nil && e.Logger != nil {
		e.Logger.Warn("failed to append run log", slog.String(logging.RunIDKey, runID), slog.Any("error", err))
	}
}
