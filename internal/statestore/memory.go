package statestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// Memory is an in-memory StateStore, used by unit tests and as the backend
// when storage.backend is "memory". All mutations are
// single-writer under mu; reads take the same lock but return deep copies,
// so callers never observe a torn or aliased record.
type Memory struct {
	mu        sync.RWMutex
	pipelines map[string]pipeline.Pipeline
	runs      map[string]*pipeline.PipelineRun
	runOrder  []string
	providers map[string]ProviderInfo
	mcp       map[string]MCPServerInfo
	markers   map[string]string
}

// NewMemory builds an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		pipelines: make(map[string]pipeline.Pipeline),
		runs:      make(map[string]*pipeline.PipelineRun),
		providers: make(map[string]ProviderInfo),
		mcp:       make(map[string]MCPServerInfo),
		markers:   make(map[string]string),
	}
}

// SeedProvider registers a provider's credential-availability info, used by
// preflight's Credentials check.
func (m *Memory) SeedProvider(info ProviderInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[info.ID] = info
}

// SeedMCPServer registers an MCP server's health, used by preflight's MCP
// check.
func (m *Memory) SeedMCPServer(info MCPServerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mcp[info.ID] = info
}

func (m *Memory) GetState(ctx context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := State{
		Providers: make(map[string]ProviderInfo, len(m.providers)),
		MCP:       make(map[string]MCPServerInfo, len(m.mcp)),
	}
	for _, p := range m.pipelines {
		state.Pipelines = append(state.Pipelines, p)
	}
	for k, v := range m.providers {
		state.Providers[k] = v
	}
	for k, v := range m.mcp {
		state.MCP[k] = v
	}
	for _, id := range m.runOrder {
		state.Runs = append(state.Runs, cloneRun(m.runs[id]))
	}
	return state, nil
}

func (m *Memory) GetPipeline(ctx context.Context, id string) (pipeline.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return pipeline.Pipeline{}, fmt.Errorf("%w: pipeline %s", ErrNotFound, id)
	}
	return p, nil
}

func (m *Memory) ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreatePipeline(ctx context.Context, p pipeline.Pipeline) (pipeline.Pipeline, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return pipeline.Pipeline{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[p.ID] = p
	return p, nil
}

func (m *Memory) UpdatePipeline(ctx context.Context, id string, p pipeline.Pipeline) (pipeline.Pipeline, error) {
	if err := p.Validate(); err != nil {
		return pipeline.Pipeline{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[id]; !ok {
		return pipeline.Pipeline{}, fmt.Errorf("%w: pipeline %s", ErrNotFound, id)
	}
	p.ID = id
	m.pipelines[id] = p
	return p, nil
}

// DeletePipeline removes the pipeline and cascades to its scheduler marker.
// Secure-input cascade is handled by the caller (the queue holds the vault
// reference; statestore has none), per the layering in dependency order.
func (m *Memory) DeletePipeline(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[id]; !ok {
		return fmt.Errorf("%w: pipeline %s", ErrNotFound, id)
	}
	delete(m.pipelines, id)
	delete(m.markers, id)
	return nil
}

func (m *Memory) CreateRun(ctx context.Context, p pipeline.Pipeline, task string, inputs map[string]string) (*pipeline.PipelineRun, error) {
	run := &pipeline.PipelineRun{
		ID:           uuid.NewString(),
		PipelineID:   p.ID,
		PipelineName: p.Name,
		Task:         task,
		Inputs:       inputs,
		Status:       pipeline.RunQueued,
		StartedAt:    now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	m.runOrder = append(m.runOrder, run.ID)
	return cloneRun(run), nil
}

func (m *Memory) UpdateRun(ctx context.Context, id string, mutate RunMutator) (*pipeline.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	mutate(run)
	return cloneRun(run), nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*pipeline.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return cloneRun(run), nil
}

func (m *Memory) ListRuns(ctx context.Context, limit int) ([]*pipeline.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*pipeline.PipelineRun, 0, len(m.runOrder))
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		out = append(out, cloneRun(m.runs[m.runOrder[i]]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	delete(m.runs, id)
	for i, rid := range m.runOrder {
		if rid == id {
			m.runOrder = append(m.runOrder[:i], m.runOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Providers(ctx context.Context) (map[string]ProviderInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ProviderInfo, len(m.providers))
	for k, v := range m.providers {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) MCPServers(ctx context.Context) (map[string]MCPServerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]MCPServerInfo, len(m.mcp))
	for k, v := range m.mcp {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SaveSchedulerMarker(ctx context.Context, pipelineID, marker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[pipelineID] = marker
	return nil
}

func (m *Memory) GetSchedulerMarker(ctx context.Context, pipelineID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	marker, ok := m.markers[pipelineID]
	return marker, ok, nil
}

func (m *Memory) Close() error { return nil }

var _ StateStore = (*Memory)(nil)
