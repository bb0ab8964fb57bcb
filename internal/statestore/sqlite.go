package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

// SQLite is a StateStore backed by a local SQLite file via the pure-Go
// modernc.org/sqlite driver (no cgo). Pipelines and runs are stored as JSON
// blobs keyed by id; SQLite's own journaling gives the writes the same
// atomicity the vault's files get from temp-file + rename.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens (creating if absent) a SQLite-backed store at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite does not support concurrent writers well

	schema := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS runs (id TEXT PRIMARY KEY, seq INTEGER, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS providers (id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS scheduler_markers (pipeline_id TEXT PRIMARY KEY, marker TEXT NOT NULL)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("statestore: migrate: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) GetState(ctx context.Context) (State, error) {
	pipelines, err := s.ListPipelines(ctx)
	if err != nil {
		return State{}, err
	}
	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		return State{}, err
	}
	providers, err := s.Providers(ctx)
	if err != nil {
		return State{}, err
	}
	mcp, err := s.MCPServers(ctx)
	if err != nil {
		return State{}, err
	}
	return State{Pipelines: pipelines, Runs: runs, Providers: providers, MCP: mcp}, nil
}

func (s *SQLite) GetPipeline(ctx context.Context, id string) (pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM pipelines WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return pipeline.Pipeline{}, fmt.Errorf("%w: pipeline %s", ErrNotFound, id)
	}
	if err != nil {
		return pipeline.Pipeline{}, err
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return pipeline.Pipeline{}, err
	}
	return p, nil
}

func (s *SQLite) ListPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Pipeline
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p pipeline.Pipeline
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) CreatePipeline(ctx context.Context, p pipeline.Pipeline) (pipeline.Pipeline, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return pipeline.Pipeline{}, err
	}
	if err := s.putPipeline(ctx, p); err != nil {
		return pipeline.Pipeline{}, err
	}
	return p, nil
}

func (s *SQLite) UpdatePipeline(ctx context.Context, id string, p pipeline.Pipeline) (pipeline.Pipeline, error) {
	if _, err := s.GetPipeline(ctx, id); err != nil {
		return pipeline.Pipeline{}, err
	}
	if err := p.Validate(); err != nil {
		return pipeline.Pipeline{}, err
	}
	p.ID = id
	if err := s.putPipeline(ctx, p); err != nil {
		return pipeline.Pipeline{}, err
	}
	return p, nil
}

func (s *SQLite) putPipeline(ctx context.Context, p pipeline.Pipeline) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO pipelines (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, p.ID, string(data))
	return err
}

func (s *SQLite) DeletePipeline(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pipeline %s", ErrNotFound, id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM scheduler_markers WHERE pipeline_id = ?`, id)
	return err
}

func (s *SQLite) CreateRun(ctx context.Context, p pipeline.Pipeline, task string, inputs map[string]string) (*pipeline.PipelineRun, error) {
	run := &pipeline.PipelineRun{
		ID:           uuid.NewString(),
		PipelineID:   p.ID,
		PipelineName: p.Name,
		Task:         task,
		Inputs:       inputs,
		Status:       pipeline.RunQueued,
		StartedAt:    now(),
	}
	if err := s.putRun(ctx, run); err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

func (s *SQLite) UpdateRun(ctx context.Context, id string, mutate RunMutator) (*pipeline.PipelineRun, error) {
	run, err := s.getRunInternal(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(run)
	if err := s.putRun(ctx, run); err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*pipeline.PipelineRun, error) {
	run, err := s.getRunInternal(ctx, id)
	if err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

func (s *SQLite) getRunInternal(ctx context.Context, id string) (*pipeline.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var run pipeline.PipelineRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLite) putRun(ctx context.Context, run *pipeline.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq int64
	_ = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM runs`).Scan(&seq)
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (id, seq, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, run.ID, seq, string(data))
	return err
}

func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]*pipeline.PipelineRun, error) {
	s.mu.Lock()
	query := `SELECT data FROM runs ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*pipeline.PipelineRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run pipeline.PipelineRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLite) Providers(ctx context.Context) (map[string]ProviderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM providers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]ProviderInfo)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var info ProviderInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return nil, err
		}
		out[info.ID] = info
	}
	return out, rows.Err()
}

func (s *SQLite) MCPServers(ctx context.Context) (map[string]MCPServerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM mcp_servers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]MCPServerInfo)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var info MCPServerInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return nil, err
		}
		out[info.ID] = info
	}
	return out, rows.Err()
}

func (s *SQLite) SeedProvider(ctx context.Context, info ProviderInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO providers (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, info.ID, string(data))
	return err
}

func (s *SQLite) SaveSchedulerMarker(ctx context.Context, pipelineID, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduler_markers (pipeline_id, marker) VALUES (?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET marker = excluded.marker`, pipelineID, marker)
	return err
}

func (s *SQLite) GetSchedulerMarker(ctx context.Context, pipelineID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marker string
	err := s.db.QueryRowContext(ctx, `SELECT marker FROM scheduler_markers WHERE pipeline_id = ?`, pipelineID).Scan(&marker)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return marker, true, nil
}

var _ StateStore = (*SQLite)(nil)
