// Package steprunner renders a step's prompt, dispatches it to a Provider
// Adapter, and parses the resulting stream into a structured outcome.
package steprunner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/fyreflow/pipeliner/internal/provider"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// LogEventType discriminates the runner-level log events surfaced during a
// step invocation.
type LogEventType string

const (
	LogHeartbeat         LogEventType = "heartbeat"
	LogModelShellCommand LogEventType = "modelShellCommand"
	LogModelToolAction   LogEventType = "modelToolAction"
	LogCommandProgress   LogEventType = "command_progress"
)

// LogEvent is emitted during a step invocation for UI streaming / auditing.
type LogEvent struct {
	Type      LogEventType
	Command   string
	Cwd       string
	ToolName  string
	ElapsedMS int64
	PID       int
	Tag       string // delegation sub-invocation tag, empty for the primary
}

// Result is the structured outcome of one step invocation.
type Result struct {
	Output          string
	WorkflowOutcome pipeline.WorkflowOutcome
	SubagentNotes   []string
}

var workflowStatusLine = regexp.MustCompile(`(?i)^\s*WORKFLOW_STATUS:\s*(PASS|FAIL)\s*$`)

// heartbeatKeys are the only keys a metadata-only stream chunk may carry;
// any other key present makes the chunk contribute to accumulated output.
var heartbeatKeys = map[string]bool{"session_id": true, "uuid": true, "statusline": true}

// Runner dispatches steps through a provider.Dispatcher.
type Runner struct {
	dispatcher *provider.Dispatcher
}

// New builds a Runner over dispatcher.
func New(dispatcher *provider.Dispatcher) *Runner {
	return &Runner{dispatcher: dispatcher}
}

// Run renders the step's prompt, dispatches (with delegation fan-out if
// enabled), and returns the aggregated Result. logf receives runner-level
// log events as they occur.
func (r *Runner) Run(ctx context.Context, runID string, step pipeline.Step, renderedContext string, stageTimeoutParams provider.InvokeParams, logf func(LogEvent)) (Result, error) {
	prompt := BuildPrompt(step, renderedContext)

	if !step.EnableDelegation || step.DelegationCount <= 1 {
		return r.invokeOne(ctx, runID, step, prompt, stageTimeoutParams, "", logf)
	}

	count := step.DelegationCount
	results := make([]Result, count)
	errs := make([]error, count)

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tag := fmt.Sprintf("sub-%d/%d", idx+1, count)
			res, err := r.invokeOne(ctx, runID, step, prompt, stageTimeoutParams, tag, logf)
			results[idx] = res
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	return aggregateDelegation(results, errs)
}

func aggregateDelegation(results []Result, errs []error) (Result, error) {
	var notes []string
	var lastCompleted Result
	haveCompleted := false

	for i, res := range results {
		notes = append(notes, res.Output)
		if errs[i] != nil {
			continue
		}
		lastCompleted = res
		haveCompleted = true
		if res.WorkflowOutcome == pipeline.OutcomePass {
			res.SubagentNotes = notes
			return res, nil
		}
	}

	if !haveCompleted {
		return Result{}, fmt.Errorf("steprunner: all %d delegated sub-invocations failed", len(results))
	}
	lastCompleted.SubagentNotes = notes
	return lastCompleted, nil
}

func (r *Runner) invokeOne(ctx context.Context, runID string, step pipeline.Step, prompt string, params provider.InvokeParams, tag string, logf func(LogEvent)) (Result, error) {
	params.Model = step.Model
	params.ReasoningEffort = step.ReasoningEffort
	params.Tag = tag

	events, err := r.dispatcher.Invoke(ctx, runID, step.ProviderID, prompt, params)
	if err != nil {
		return Result{}, err
	}

	var output strings.Builder
	outcome := pipeline.OutcomeNeutral

	for ev := range events {
		switch ev.Kind {
		case provider.EventChunk:
			if isHeartbeat(ev.Raw) {
				if logf != nil {
					logf(LogEvent{Type: LogHeartbeat, Tag: tag})
				}
				continue
			}
			output.WriteString(ev.Chunk)
			if m := workflowStatusLine.FindStringSubmatch(ev.Chunk); m != nil {
				outcome = statusToOutcome(m[1])
			}

		case provider.EventToolCall:
			if strings.EqualFold(ev.ToolName, "Bash") {
				if logf != nil {
					logf(LogEvent{Type: LogModelShellCommand, Command: ev.Command, Cwd: ev.Cwd, Tag: tag})
				}
			} else if logf != nil {
				logf(LogEvent{Type: LogModelToolAction, ToolName: ev.ToolName, Tag: tag})
			}

		case provider.EventModelSummary:
			output.WriteString(ev.Chunk)

		case provider.EventFinalStatus:
			outcome = statusToOutcome(ev.FinalStatus)

		case provider.EventProgress:
			if logf != nil {
				logf(LogEvent{Type: LogCommandProgress, ElapsedMS: ev.ElapsedMS, PID: ev.PID, Tag: tag})
			}

		case provider.EventError:
			return Result{Output: output.String(), WorkflowOutcome: outcome}, ev.Err
		}
	}

	return Result{Output: output.String(), WorkflowOutcome: outcome}, nil
}

func statusToOutcome(status string) pipeline.WorkflowOutcome {
	switch strings.ToUpper(status) {
	case "PASS":
		return pipeline.OutcomePass
	case "FAIL":
		return pipeline.OutcomeFail
	default:
		return pipeline.OutcomeNeutral
	}
}

// isHeartbeat reports whether a decoded JSON chunk exposes only metadata
// keys (session_id, uuid, statusline).
func isHeartbeat(raw map[string]any) bool {
	if len(raw) == 0 {
		return false
	}
	for k := range raw {
		if k == "type" {
			continue
		}
		if !heartbeatKeys[k] {
			return false
		}
	}
	return true
}

// BuildPrompt concatenates the step prompt, the rendered context, an
// enumeration of enabled MCP servers, a tail of required-output
// directives, and a fixed post-amble instructing the model to emit a final
// WORKFLOW_STATUS line and, for JSON-output steps, a single fenced JSON
// block.
func BuildPrompt(step pipeline.Step, renderedContext string) string {
	var b strings.Builder

	b.WriteString(step.PromptTemplate)
	b.WriteString("\n\n")
	b.WriteString(renderedContext)

	if len(step.EnabledMCPServerIDs) > 0 {
		b.WriteString("\n\nAvailable MCP servers: ")
		b.WriteString(strings.Join(step.EnabledMCPServerIDs, ", "))
	}

	if len(step.RequiredOutputFields) > 0 {
		b.WriteString("\n\nYour output must include these fields: ")
		b.WriteString(strings.Join(step.RequiredOutputFields, ", "))
	}
	if len(step.RequiredOutputFiles) > 0 {
		b.WriteString("\n\nYour output must produce these files: ")
		b.WriteString(strings.Join(step.RequiredOutputFiles, ", "))
	}

	b.WriteString("\n\nWhen you are finished, emit a final line exactly of the form:\nWORKFLOW_STATUS: PASS\nor\nWORKFLOW_STATUS: FAIL")
	if step.OutputFormat == pipeline.OutputJSON {
		b.WriteString("\n\nAlso emit your structured result as a single fenced JSON code block.")
	}

	return b.String()
}

// RenderContext replaces {{task}} and {{previous_output}} placeholders in a
// step's context template.
func RenderContext(template, task, previousOutput string) string {
	replacer := strings.NewReplacer(
		"{{task}}", task,
		"{{previous_output}}", previousOutput,
	)
	return replacer.Replace(template)
}
