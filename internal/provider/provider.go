// Package provider implements the Provider Adapter contract: subprocess
// drivers translating between the run executor and a vendor CLI (Codex or
// Claude), yielding a lazy stream of provider events.
package provider

import (
	"context"
	"time"
)

// EventKind discriminates the variants of a ProviderEvent.
type EventKind string

const (
	EventChunk        EventKind = "chunk"
	EventToolCall     EventKind = "tool_call"
	EventToolResult   EventKind = "tool_result"
	EventModelSummary EventKind = "model_summary"
	EventFinalStatus  EventKind = "final_status"
	EventProgress     EventKind = "command_progress"
	EventError        EventKind = "error"
)

// Event is one item in a provider's output stream.
type Event struct {
	Kind  EventKind
	Chunk string

	ToolName string
	Command  string
	Cwd      string

	FinalStatus string // "PASS" | "FAIL" when Kind == EventFinalStatus

	ElapsedMS int64
	PID       int

	Err error

	// Raw carries the undecoded JSON line, used by the step runner's
	// heartbeat classifier.
	Raw map[string]any
}

// Credentials is the opaque bundle resolved for one provider just before
// spawn.
type Credentials struct {
	ProviderID string
	APIKey     string
	OAuthToken string
	Mode       CredentialMode
}

// CredentialMode selects which credential the adapter should present.
type CredentialMode string

const (
	ModeAPIKey CredentialMode = "api_key"
	ModeOAuth  CredentialMode = "oauth"
)

// CredentialResolver is the opaque collaborator the core consumes to obtain
// per-provider credentials. Resolution may trigger CLI-side token refresh
// and must be idempotent for concurrent calls.
type CredentialResolver interface {
	Resolve(ctx context.Context, providerID string) (Credentials, error)
}

// InvokeParams carries per-call dispatch parameters.
type InvokeParams struct {
	Model           string
	ReasoningEffort string
	StageTimeout    time.Duration
	Tag             string // e.g. "sub-2/4" for delegation sub-invocations
}

// Adapter is the contract implemented by each concrete provider (Codex,
// Claude): invoke(credentials, model, prompt, params, ctx) -> stream of
// ProviderEvent.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, creds Credentials, prompt string, params InvokeParams) (<-chan Event, error)
}
