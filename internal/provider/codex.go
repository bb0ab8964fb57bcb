package provider

import (
	"context"
	"fmt"
	"log/slog"
)

// CodexAdapter spawns the OpenAI "codex" CLI with stream-json output.
type CodexAdapter struct {
	CLIPath string // defaults to "codex" on PATH
	Logger  *slog.Logger
}

// NewCodexAdapter returns an adapter that invokes the codex CLI on PATH.
func NewCodexAdapter(logger *slog.Logger) *CodexAdapter {
	return &CodexAdapter{CLIPath: "codex", Logger: logger}
}

func (a *CodexAdapter) Name() string { return "codex" }

// Invoke spawns `codex --model <m> --reasoning-effort <e> --format stream-json`,
// writing prompt to stdin and streaming newline-delimited JSON from stdout.
func (a *CodexAdapter) Invoke(ctx context.Context, creds Credentials, prompt string, params InvokeParams) (<-chan Event, error) {
	if params.Model == "" {
		return nil, fmt.Errorf("codex: model is required")
	}

	args := []string{"--model", params.Model, "--format", "stream-json"}
	if params.ReasoningEffort != "" {
		args = append(args, "--reasoning-effort", params.ReasoningEffort)
	}

	return runCLIStream(ctx, cliStreamSpec{
		command: a.CLIPath,
		args:    args,
		prompt:  prompt,
		timeout: params.StageTimeout,
		logger:  a.Logger,
	})
}

var _ Adapter = (*CodexAdapter)(nil)
