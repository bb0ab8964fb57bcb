// Package statestore defines the StateStore contract consumed by the core
// (spec section 6) and ships two implementations: an in-memory store used
// by tests and a SQLite-backed store for local persistence.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// ErrNotFound is returned when a pipeline or run id is unknown.
var ErrNotFound = errors.New("statestore: not found")

// ProviderInfo describes one configured LLM provider.
type ProviderInfo struct {
	ID         string `json:"id"`
	CanUseAPI  bool   `json:"canUseApi"`
	CanUseCLI  bool   `json:"canUseCli"`
	LoggedIn   bool   `json:"loggedIn"`
}

// MCPServerInfo describes one configured MCP server.
type MCPServerInfo struct {
	ID      string `json:"id"`
	Healthy bool   `json:"healthy"`
}

// State is the sanitized snapshot returned by GetState.
type State struct {
	Pipelines []pipeline.Pipeline      `json:"pipelines"`
	Providers map[string]ProviderInfo  `json:"providers"`
	MCP       map[string]MCPServerInfo `json:"mcp"`
	Runs      []*pipeline.PipelineRun  `json:"runs"`
}

// RunMutator mutates a run record in place under the store's write lock.
type RunMutator func(*pipeline.PipelineRun)

// StateStore is the interface the core depends on for all persistence. It
// is a consumed, external collaborator per spec section 6 — the core never
// reaches past this interface into a concrete backend.
type StateStore interface {
	GetState(ctx context.Context) (State, error)

	GetPipeline(ctx context.Context, id string) (pipeline.Pipeline, error)
	ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error)
	CreatePipeline(ctx context.Context, p pipeline.Pipeline) (pipeline.Pipeline, error)
	UpdatePipeline(ctx context.Context, id string, p pipeline.Pipeline) (pipeline.Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error

	CreateRun(ctx context.Context, p pipeline.Pipeline, task string, inputs map[string]string) (*pipeline.PipelineRun, error)
	UpdateRun(ctx context.Context, id string, mutate RunMutator) (*pipeline.PipelineRun, error)
	GetRun(ctx context.Context, id string) (*pipeline.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]*pipeline.PipelineRun, error)
	DeleteRun(ctx context.Context, id string) error

	Providers(ctx context.Context) (map[string]ProviderInfo, error)
	MCPServers(ctx context.Context) (map[string]MCPServerInfo, error)

	SaveSchedulerMarker(ctx context.Context, pipelineID, marker string) error
	GetSchedulerMarker(ctx context.Context, pipelineID string) (string, bool, error)

	Close() error
}

// cloneRun performs a deep copy so that callers can never observe, or
// mutate, the store's internal record through a returned pointer. This
// mirrors the snapshot-read discipline spec section 5 requires: readers
// see at least the last committed mutation, never a torn or aliased one.
func cloneRun(r *pipeline.PipelineRun) *pipeline.PipelineRun {
	if r == nil {
		return nil
	}
	clone := *r

	clone.Inputs = make(map[string]string, len(r.Inputs))
	for k, v := range r.Inputs {
		clone.Inputs[k] = v
	}

	clone.Logs = append([]string(nil), r.Logs...)

	clone.StepRuns = make([]pipeline.StepRun, len(r.StepRuns))
	for i, sr := range r.StepRuns {
		srCopy := sr
		srCopy.SubagentNotes = append([]string(nil), sr.SubagentNotes...)
		srCopy.QualityGateResults = append([]pipeline.QualityGateResult(nil), sr.QualityGateResults...)
		if sr.FinishedAt != nil {
			t := *sr.FinishedAt
			srCopy.FinishedAt = &t
		}
		clone.StepRuns[i] = srCopy
	}

	clone.Approvals = append([]pipeline.Approval(nil), r.Approvals...)

	if r.FinishedAt != nil {
		t := *r.FinishedAt
		clone.FinishedAt = &t
	}

	return &clone
}

func now() time.Time { return time.Now().UTC() }
