package provider

import (
	"context"
	"fmt"
	"log/slog"
)

// ClaudeAdapter spawns the Anthropic "claude" CLI with stream-json output.
// It also declares (but does not implement beyond the interface, per the
// spec's out-of-scope note) an auth-code submission channel used by remote
// pairing.
type ClaudeAdapter struct {
	CLIPath string // defaults to "claude" on PATH
	Logger  *slog.Logger
}

// NewClaudeAdapter returns an adapter that invokes the claude CLI on PATH.
func NewClaudeAdapter(logger *slog.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{CLIPath: "claude", Logger: logger}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

// Invoke spawns `claude --print --output-format stream-json --model <m>`.
func (a *ClaudeAdapter) Invoke(ctx context.Context, creds Credentials, prompt string, params InvokeParams) (<-chan Event, error) {
	if params.Model == "" {
		return nil, fmt.Errorf("claude: model is required")
	}

	args := []string{"--print", "--output-format", "stream-json", "--model", params.Model}

	return runCLIStream(ctx, cliStreamSpec{
		command: a.CLIPath,
		args:    args,
		prompt:  prompt,
		timeout: params.StageTimeout,
		logger:  a.Logger,
	})
}

// AuthCodeSubmitter is implemented by adapters that support submitting an
// out-of-band auth code during a remote pairing flow. ClaudeAdapter does
// not implement it, and no package in this module performs an OAuth code
// exchange; the pairing package only issues and claims 6-digit codes.
type AuthCodeSubmitter interface {
	SubmitAuthCode(ctx context.Context, sessionID, code string) error
}

var _ Adapter = (*ClaudeAdapter)(nil)
