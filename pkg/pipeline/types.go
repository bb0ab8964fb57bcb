// Package pipeline defines the core data model: pipelines, steps, links,
// quality gates, schedules, runs and their nested records.
package pipeline

import "time"

// Role identifies the purpose a step plays in a pipeline's execution graph.
type Role string

const (
	RoleAnalysis     Role = "analysis"
	RolePlanner      Role = "planner"
	RoleOrchestrator Role = "orchestrator"
	RoleExecutor     Role = "executor"
	RoleTester       Role = "tester"
	RoleReview       Role = "review"
)

// OutputFormat is the format a step is expected to emit.
type OutputFormat string

const (
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
)

// LinkCondition selects when a Link is eligible to fire.
type LinkCondition string

const (
	ConditionAlways LinkCondition = "always"
	ConditionOnPass LinkCondition = "on_pass"
	ConditionOnFail LinkCondition = "on_fail"
)

// GateKind enumerates the supported quality gate checks.
type GateKind string

const (
	GateRegexMustMatch    GateKind = "regex_must_match"
	GateRegexMustNotMatch GateKind = "regex_must_not_match"
	GateJSONFieldExists   GateKind = "json_field_exists"
	GateArtifactExists    GateKind = "artifact_exists"
	GateManualApproval    GateKind = "manual_approval"
)

// AnyStep is the sentinel QualityGate.TargetStepID meaning "evaluate after
// every step" rather than one named step.
const AnyStep = "any_step"

// RunMode selects how a scheduled firing is dispatched.
type RunMode string

const (
	RunModeSmart RunMode = "smart"
	RunModeQuick RunMode = "quick"
)

// RunStatus is the closed set of PipelineRun lifecycle states.
type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunPaused           RunStatus = "paused"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunCancelled        RunStatus = "cancelled"
)

// Terminal reports whether status is one from which no further transition
// is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the closed set of StepRun lifecycle states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// WorkflowOutcome is the step-level pass/fail signal used to pick outgoing
// Links, distinct from StepStatus (a step can be StepCompleted with
// outcome fail).
type WorkflowOutcome string

const (
	OutcomePass    WorkflowOutcome = "pass"
	OutcomeFail    WorkflowOutcome = "fail"
	OutcomeNeutral WorkflowOutcome = "neutral"
	OutcomeSkipped WorkflowOutcome = "skipped"
)

// ApprovalResolution is the closed set of manual gate decisions.
type ApprovalResolution string

const (
	ApprovalUnresolved ApprovalResolution = "unresolved"
	ApprovalApproved   ApprovalResolution = "approved"
	ApprovalRejected   ApprovalResolution = "rejected"
)

// Step is one LLM invocation node in a pipeline's graph.
type Step struct {
	ID                  string       `yaml:"id" json:"id"`
	Name                string       `yaml:"name" json:"name"`
	Role                Role         `yaml:"role" json:"role"`
	PromptTemplate      string       `yaml:"prompt" json:"prompt"`
	ProviderID          string       `yaml:"provider" json:"provider"`
	Model               string       `yaml:"model" json:"model"`
	ReasoningEffort     string       `yaml:"reasoning_effort,omitempty" json:"reasoningEffort,omitempty"`
	FastMode            bool         `yaml:"fast_mode,omitempty" json:"fastMode,omitempty"`
	OneMillionContext   bool         `yaml:"one_million_context,omitempty" json:"oneMillionContext,omitempty"`
	ContextWindowTokens int          `yaml:"context_window_tokens,omitempty" json:"contextWindowTokens,omitempty"`
	ContextTemplate     string       `yaml:"context_template" json:"contextTemplate"`
	EnableDelegation    bool         `yaml:"enable_delegation,omitempty" json:"enableDelegation,omitempty"`
	DelegationCount     int          `yaml:"delegation_count,omitempty" json:"delegationCount,omitempty"`
	Storage             StorageFlags `yaml:"storage,omitempty" json:"storage,omitempty"`
	EnabledMCPServerIDs []string     `yaml:"mcp_servers,omitempty" json:"mcpServerIds,omitempty"`
	OutputFormat        OutputFormat `yaml:"output_format" json:"outputFormat"`
	RequiredOutputFields []string    `yaml:"required_output_fields,omitempty" json:"requiredOutputFields,omitempty"`
	RequiredOutputFiles  []string    `yaml:"required_output_files,omitempty" json:"requiredOutputFiles,omitempty"`
}

// StorageFlags controls how a step's artifacts are persisted.
type StorageFlags struct {
	Isolated bool `yaml:"isolated,omitempty" json:"isolated,omitempty"`
	Shared   bool `yaml:"shared,omitempty" json:"shared,omitempty"`
}

// Link is a conditional edge between two steps.
type Link struct {
	ID           string        `yaml:"id" json:"id"`
	SourceStepID string        `yaml:"source" json:"sourceStepId"`
	TargetStepID string        `yaml:"target" json:"targetStepId"`
	Condition    LinkCondition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// EffectiveCondition returns l.Condition, defaulting to "always".
func (l Link) EffectiveCondition() LinkCondition {
	if l.Condition == "" {
		return ConditionAlways
	}
	return l.Condition
}

// QualityGate is a post-step assertion that may block or annotate progress.
type QualityGate struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	TargetStepID string   `yaml:"target_step_id" json:"targetStepId"`
	Kind         GateKind `yaml:"kind" json:"kind"`
	Blocking     bool     `yaml:"blocking" json:"blocking"`
	Pattern      string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Flags        string   `yaml:"flags,omitempty" json:"flags,omitempty"`
	JSONPath     string   `yaml:"json_path,omitempty" json:"jsonPath,omitempty"`
	ArtifactPath string   `yaml:"artifact_path,omitempty" json:"artifactPath,omitempty"`
	Message      string   `yaml:"message,omitempty" json:"message,omitempty"`
}

// AppliesTo reports whether the gate should be evaluated after stepID ran.
func (g QualityGate) AppliesTo(stepID string) bool {
	return g.TargetStepID == AnyStep || g.TargetStepID == stepID
}

// RuntimePolicy bounds a pipeline's execution.
type RuntimePolicy struct {
	MaxLoops          int           `yaml:"max_loops" json:"maxLoops"`
	MaxStepExecutions int           `yaml:"max_step_executions" json:"maxStepExecutions"`
	StageTimeout      time.Duration `yaml:"stage_timeout" json:"stageTimeoutMs"`
}

// DefaultRuntimePolicy returns a default inside each bound named in the data
// model: maxLoops 4 in [0,12], maxStepExecutions 40 in [4,120], stageTimeout
// 5m in [10s,20m].
func DefaultRuntimePolicy() RuntimePolicy {
	return RuntimePolicy{
		MaxLoops:          4,
		MaxStepExecutions: 40,
		StageTimeout:      5 * time.Minute,
	}
}

// Clamp enforces the bounds named in the data model.
func (p *RuntimePolicy) Clamp() {
	if p.MaxLoops < 0 {
		p.MaxLoops = 0
	} else if p.MaxLoops > 12 {
		p.MaxLoops = 12
	}
	if p.MaxStepExecutions < 4 {
		p.MaxStepExecutions = 4
	} else if p.MaxStepExecutions > 120 {
		p.MaxStepExecutions = 120
	}
	if p.StageTimeout < 10*time.Second {
		p.StageTimeout = 10 * time.Second
	} else if p.StageTimeout > 20*time.Minute {
		p.StageTimeout = 20 * time.Minute
	}
}

// Schedule configures automatic triggering of a pipeline.
type Schedule struct {
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	Cron     string            `yaml:"cron" json:"cron"`
	Timezone string            `yaml:"timezone" json:"timezone"`
	Task     string            `yaml:"task,omitempty" json:"task,omitempty"`
	RunMode  RunMode           `yaml:"run_mode,omitempty" json:"runMode,omitempty"`
	Inputs   map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// Pipeline is a directed graph of Steps connected by Links.
type Pipeline struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Steps       []Step        `yaml:"steps" json:"steps"`
	Links       []Link        `yaml:"links" json:"links"`
	Policy      RuntimePolicy `yaml:"policy" json:"policy"`
	Schedule    *Schedule     `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	QualityGates []QualityGate `yaml:"quality_gates,omitempty" json:"qualityGates,omitempty"`
}

// StepByID returns the step with the given id, if any.
func (p *Pipeline) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks the invariants named in the data model: every link
// endpoint references an existing step.
func (p *Pipeline) Validate() error {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		ids[s.ID] = true
	}
	for _, l := range p.Links {
		if !ids[l.SourceStepID] {
			return &ValidationError{Path: "links." + l.ID + ".source", Message: "references unknown step " + l.SourceStepID}
		}
		if !ids[l.TargetStepID] {
			return &ValidationError{Path: "links." + l.ID + ".target", Message: "references unknown step " + l.TargetStepID}
		}
	}
	return nil
}

// ValidationError reports one field-level validation failure.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Path + ": " + e.Message
}

// Approval records the resolution of a manual_approval gate.
type Approval struct {
	ID         string             `json:"id"`
	StepID     string             `json:"stepId"`
	GateID     string             `json:"gateId"`
	CreatedAt  time.Time          `json:"createdAt"`
	Resolution ApprovalResolution `json:"resolution"`
	Note       string             `json:"note,omitempty"`
}

// QualityGateResult records the outcome of one gate evaluation.
type QualityGateResult struct {
	GateID  string `json:"gateId"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// StepRun is one attempt (or retried series of attempts) at executing a
// Step within a PipelineRun.
type StepRun struct {
	StepID             string              `json:"stepId"`
	StepName           string              `json:"stepName"`
	Role               Role                `json:"role"`
	Status             StepStatus          `json:"status"`
	Attempts           int                 `json:"attempts"`
	WorkflowOutcome    WorkflowOutcome     `json:"workflowOutcome"`
	InputContext       string              `json:"inputContext"`
	Output             string              `json:"output"`
	SubagentNotes      []string            `json:"subagentNotes,omitempty"`
	QualityGateResults []QualityGateResult `json:"qualityGateResults,omitempty"`
	Error              string              `json:"error,omitempty"`
	StartedAt          time.Time           `json:"startedAt"`
	FinishedAt         *time.Time          `json:"finishedAt,omitempty"`
}

// PipelineRun is one attempt to execute a Pipeline end-to-end.
type PipelineRun struct {
	ID           string            `json:"id"`
	PipelineID   string            `json:"pipelineId"`
	PipelineName string            `json:"pipelineName"`
	Task         string            `json:"task"`
	Inputs       map[string]string `json:"inputs"`
	Status       RunStatus         `json:"status"`
	StartedAt    time.Time         `json:"startedAt"`
	FinishedAt   *time.Time        `json:"finishedAt,omitempty"`
	Logs         []string          `json:"logs"`
	StepRuns     []StepRun         `json:"stepRuns"`
	Approvals    []Approval        `json:"approvals"`
}

// LastCompletedStep returns the most recent StepRun with status
// StepCompleted or StepFailed, i.e. the step whose outcome decides the next
// link to follow.
func (r *PipelineRun) LastCompletedStep() (StepRun, bool) {
	for i := len(r.StepRuns) - 1; i >= 0; i-- {
		sr := r.StepRuns[i]
		if sr.Status == StepCompleted || sr.Status == StepFailed {
			return sr, true
		}
	}
	return StepRun{}, false
}
