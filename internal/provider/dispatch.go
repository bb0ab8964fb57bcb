package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Dispatcher resolves credentials and routes calls to the right Adapter by
// provider id, serializing credential resolution per provider (resolution
// may trigger CLI-side token refresh and must be idempotent for concurrent
// callers) and implementing the API-key-to-OAuth auth-mode fallback: two
// 401s against the API-key path within one run switch subsequent attempts
// in that run to OAuth.
type Dispatcher struct {
	adapters map[string]Adapter
	resolver CredentialResolver

	providerMu sync.Map // providerID -> *sync.Mutex

	mu          sync.Mutex
	authFailure map[string]int // runID+"|"+providerID -> consecutive 401 count
	forcedOAuth map[string]bool
}

// NewDispatcher builds a Dispatcher over the given adapters (keyed by
// provider id) and credential resolver.
func NewDispatcher(adapters map[string]Adapter, resolver CredentialResolver) *Dispatcher {
	return &Dispatcher{
		adapters:    adapters,
		resolver:    resolver,
		authFailure: make(map[string]int),
		forcedOAuth: make(map[string]bool),
	}
}

func (d *Dispatcher) providerLock(providerID string) *sync.Mutex {
	v, _ := d.providerMu.LoadOrStore(providerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Invoke resolves credentials for providerID (respecting any forced-OAuth
// fallback already recorded for this run) and dispatches to the matching
// adapter. The returned channel's EventError items are inspected
// in-stream: two 401s on the API-key path record a fallback for subsequent
// calls within the same run.
func (d *Dispatcher) Invoke(ctx context.Context, runID, providerID, prompt string, params InvokeParams) (<-chan Event, error) {
	adapter, ok := d.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter registered for %q", providerID)
	}

	lock := d.providerLock(providerID)
	lock.Lock()
	creds, err := d.resolver.Resolve(ctx, providerID)
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("provider: resolve credentials for %q: %w", providerID, err)
	}

	fallbackKey := runID + "|" + providerID
	d.mu.Lock()
	if d.forcedOAuth[fallbackKey] && creds.OAuthToken != "" {
		creds.Mode = ModeOAuth
	}
	d.mu.Unlock()

	upstream, err := adapter.Invoke(ctx, creds, prompt, params)
	if err != nil {
		return nil, err
	}

	if creds.Mode != ModeAPIKey {
		return upstream, nil
	}

	// Tap the stream to count 401s on the API-key path without altering
	// anything else about it.
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for ev := range upstream {
			if ev.Kind == EventError && ev.Err != nil && strings.Contains(ev.Err.Error(), "401") {
				d.mu.Lock()
				d.authFailure[fallbackKey]++
				if d.authFailure[fallbackKey] >= 2 {
					d.forcedOAuth[fallbackKey] = true
				}
				d.mu.Unlock()
			}
			out <- ev
		}
	}()
	return out, nil
}
