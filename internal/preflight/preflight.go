// Package preflight implements the "smart run plan" evaluator: a set of
// static and dynamic checks that gate both manual and scheduled run
// dispatch (spec 4.8).
package preflight

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/fyreflow/pipeliner/internal/cron"
	"github.com/fyreflow/pipeliner/internal/statestore"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// CheckStatus is the closed set of smart-run-plan check outcomes.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// Check is one evaluated line item in a SmartRunPlan.
type Check struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Details any         `json:"details,omitempty"`
}

// SmartRunPlan is the ordered list of checks produced for one candidate
// dispatch.
type SmartRunPlan struct {
	Checks []Check `json:"checks"`
}

// Failing returns the checks in the plan whose status is a hard fail, in
// plan order; it returns nil when none fail.
func (p SmartRunPlan) Failing() []Check {
	var out []Check
	for _, c := range p.Checks {
		if c.Status == StatusFail {
			out = append(out, c)
		}
	}
	return out
}

// Evaluator evaluates SmartRunPlans against live credential and MCP state.
type Evaluator struct {
	Store statestore.StateStore
}

// Input bundles everything besides the pipeline definition needed to
// evaluate a plan: the merged key set a prospective run would see.
type Input struct {
	Pipeline        pipeline.Pipeline
	AvailableInputs map[string]bool // keys present in runtimeInputs ∪ secureInputsKeys
	CheckSchedule   bool            // set by the startup-check path; Evaluate does not read it and runs the scheduling checks whenever the schedule is enabled
}

var templateKey = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Evaluate runs every check class in spec order: structural, credentials,
// inputs, MCP, scheduling.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (SmartRunPlan, error) {
	var plan SmartRunPlan

	plan.Checks = append(plan.Checks, structuralChecks(in.Pipeline)...)

	credChecks, err := e.credentialChecks(ctx, in.Pipeline)
	if err != nil {
		return plan, err
	}
	plan.Checks = append(plan.Checks, credChecks...)

	plan.Checks = append(plan.Checks, inputChecks(in.Pipeline, in.AvailableInputs)...)

	mcpChecks, err := e.mcpChecks(ctx, in.Pipeline)
	if err != nil {
		return plan, err
	}
	plan.Checks = append(plan.Checks, mcpChecks...)

	if in.Pipeline.Schedule != nil && in.Pipeline.Schedule.Enabled {
		plan.Checks = append(plan.Checks, schedulingChecks(*in.Pipeline.Schedule)...)
	}

	return plan, nil
}

func structuralChecks(p pipeline.Pipeline) []Check {
	var checks []Check

	missingModel := false
	for _, s := range p.Steps {
		if s.Model == "" {
			missingModel = true
			break
		}
	}
	if missingModel {
		checks = append(checks, Check{ID: "structural.model", Title: "Every step has a model", Status: StatusFail, Message: "one or more steps have no model configured"})
	} else {
		checks = append(checks, Check{ID: "structural.model", Title: "Every step has a model", Status: StatusPass})
	}

	if err := p.Validate(); err != nil {
		checks = append(checks, Check{ID: "structural.links", Title: "Every link endpoint exists", Status: StatusFail, Message: err.Error()})
	} else {
		checks = append(checks, Check{ID: "structural.links", Title: "Every link endpoint exists", Status: StatusPass})
	}

	orchestrators := 0
	for _, s := range p.Steps {
		if s.Role == pipeline.RoleOrchestrator {
			orchestrators++
		}
	}
	if orchestrators > 1 {
		checks = append(checks, Check{ID: "structural.orchestrator", Title: "At most one orchestrator", Status: StatusFail, Message: "multiple orchestrator steps configured"})
	} else {
		checks = append(checks, Check{ID: "structural.orchestrator", Title: "At most one orchestrator", Status: StatusPass})
	}

	missingOutputs := false
	for _, s := range p.Steps {
		if s.OutputFormat == pipeline.OutputJSON && len(s.RequiredOutputFields) == 0 && len(s.RequiredOutputFiles) == 0 {
			missingOutputs = true
			break
		}
	}
	if missingOutputs {
		checks = append(checks, Check{ID: "structural.required_outputs", Title: "Required outputs declared for json steps", Status: StatusFail, Message: "a json-output step declares no required fields or files"})
	} else {
		checks = append(checks, Check{ID: "structural.required_outputs", Title: "Required outputs declared for json steps", Status: StatusPass})
	}

	return checks
}

func (e *Evaluator) credentialChecks(ctx context.Context, p pipeline.Pipeline) ([]Check, error) {
	providers, err := e.Store.Providers(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, s := range p.Steps {
		if s.ProviderID == "" || seen[s.ProviderID] {
			continue
		}
		seen[s.ProviderID] = true
		ids = append(ids, s.ProviderID)
	}
	sort.Strings(ids)

	var checks []Check
	for _, id := range ids {
		info, ok := providers[id]
		usable := ok && (info.CanUseAPI || info.CanUseCLI || info.LoggedIn)
		if usable {
			checks = append(checks, Check{ID: "credentials." + id, Title: "Provider " + id + " has usable credentials", Status: StatusPass})
		} else {
			checks = append(checks, Check{ID: "credentials." + id, Title: "Provider " + id + " has usable credentials", Status: StatusFail, Message: "no api key, CLI session, or OAuth login available for " + id})
		}
	}
	return checks, nil
}

func inputChecks(p pipeline.Pipeline, available map[string]bool) []Check {
	referenced := make(map[string]bool)
	for _, s := range p.Steps {
		for _, k := range extractTemplateKeys(s.PromptTemplate) {
			referenced[k] = true
		}
		for _, k := range extractTemplateKeys(s.ContextTemplate) {
			referenced[k] = true
		}
	}

	keys := make([]string, 0, len(referenced))
	for k := range referenced {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var missing []string
	for _, k := range keys {
		if k == "task" || k == "previous_output" {
			continue
		}
		if !available[k] {
			missing = append(missing, k)
		}
	}

	if len(missing) > 0 {
		checks := make([]Check, 0, len(missing))
		for _, k := range missing {
			checks = append(checks, Check{ID: "inputs." + k, Title: "Input " + k + " is provided", Status: StatusFail, Message: k + " is referenced but not present in inputs or secure vault"})
		}
		return checks
	}
	return []Check{{ID: "inputs", Title: "All referenced inputs are provided", Status: StatusPass}}
}

func extractTemplateKeys(template string) []string {
	matches := templateKey.FindAllStringSubmatch(template, -1)
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, m[1])
	}
	return keys
}

func (e *Evaluator) mcpChecks(ctx context.Context, p pipeline.Pipeline) ([]Check, error) {
	servers, err := e.Store.MCPServers(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, s := range p.Steps {
		for _, id := range s.EnabledMCPServerIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var checks []Check
	for _, id := range ids {
		info, ok := servers[id]
		if ok && info.Healthy {
			checks = append(checks, Check{ID: "mcp." + id, Title: "MCP server " + id + " is healthy", Status: StatusPass})
		} else if ok {
			checks = append(checks, Check{ID: "mcp." + id, Title: "MCP server " + id + " is healthy", Status: StatusFail, Message: id + " is configured but not healthy"})
		} else {
			checks = append(checks, Check{ID: "mcp." + id, Title: "MCP server " + id + " is healthy", Status: StatusFail, Message: id + " does not resolve to a known server"})
		}
	}
	return checks, nil
}

func schedulingChecks(s pipeline.Schedule) []Check {
	var checks []Check

	if _, err := cron.Parse(s.Cron); err != nil {
		checks = append(checks, Check{ID: "scheduling.cron", Title: "Cron expression parses", Status: StatusFail, Message: err.Error()})
	} else {
		checks = append(checks, Check{ID: "scheduling.cron", Title: "Cron expression parses", Status: StatusPass})
	}

	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		checks = append(checks, Check{ID: "scheduling.timezone", Title: "Timezone resolves", Status: StatusFail, Message: err.Error()})
	} else {
		checks = append(checks, Check{ID: "scheduling.timezone", Title: "Timezone resolves", Status: StatusPass})
	}

	return checks
}
