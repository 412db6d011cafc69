// Package observability provides hooks for metrics and tracing.
//
// Libraries emit events through the hook interfaces defined here without
// depending on a metrics backend. The relay server registers a Prometheus
// implementation at startup; everything else sees the no-op defaults.
//
// # Usage
//
// Register hooks at application startup:
//
//	func main() {
//	    observability.SetSyncHooks(metrics)
//	    observability.SetStoreHooks(metrics)
//	    // ... run application
//	}
//
// Libraries call hooks to emit events:
//
//	observability.Sync().OnPublish(ctx, projectID, observability.KindSnapshot, err)
package observability

import (
	"context"
	"sync"
	"time"
)

// Message kinds reported by SyncHooks.
const (
	KindSnapshot = "snapshot"
	KindCursor   = "cursor"
)

// Drop reasons reported by SyncHooks.OnDrop.
const (
	DropSelf      = "self"
	DropStale     = "stale"
	DropMalformed = "malformed"
	DropUnknown   = "unknown"
	DropPanic     = "panic"
)

// =============================================================================
// Sync Hooks
// =============================================================================

// SyncHooks receives events from the collaboration engine.
type SyncHooks interface {
	// OnPublish records an outgoing message of the given kind.
	OnPublish(ctx context.Context, projectID, kind string, err error)

	// OnApply records an inbound message applied to the local graph.
	OnApply(ctx context.Context, projectID, kind string)

	// OnDrop records an inbound message that was discarded.
	OnDrop(ctx context.Context, projectID, reason string)

	// OnStateChange records a session state transition.
	OnStateChange(ctx context.Context, projectID, state string)
}

// =============================================================================
// Store Hooks
// =============================================================================

// StoreHooks receives events from persistence backends.
type StoreHooks interface {
	OnLoad(ctx context.Context, backend string, duration time.Duration, err error)
	OnSave(ctx context.Context, backend string, version int64, duration time.Duration, err error)
}

// =============================================================================
// Relay Hooks
// =============================================================================

// RelayHooks receives events from the websocket relay.
type RelayHooks interface {
	// OnClientConnect records an accepted websocket client.
	OnClientConnect(ctx context.Context)

	// OnClientDisconnect records a client leaving after the given session length.
	OnClientDisconnect(ctx context.Context, duration time.Duration)

	// OnFrame records one relayed frame. direction is "in" or "out".
	OnFrame(ctx context.Context, direction, frameType string)

	// OnAutosave records a server-side save triggered by relayed snapshots.
	OnAutosave(ctx context.Context, projectID string, err error)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopSyncHooks is a no-op implementation of SyncHooks.
type NoopSyncHooks struct{}

func (NoopSyncHooks) OnPublish(context.Context, string, string, error) {}
func (NoopSyncHooks) OnApply(context.Context, string, string)          {}
func (NoopSyncHooks) OnDrop(context.Context, string, string)           {}
func (NoopSyncHooks) OnStateChange(context.Context, string, string)    {}

// NoopStoreHooks is a no-op implementation of StoreHooks.
type NoopStoreHooks struct{}

func (NoopStoreHooks) OnLoad(context.Context, string, time.Duration, error)        {}
func (NoopStoreHooks) OnSave(context.Context, string, int64, time.Duration, error) {}

// NoopRelayHooks is a no-op implementation of RelayHooks.
type NoopRelayHooks struct{}

func (NoopRelayHooks) OnClientConnect(context.Context)                   {}
func (NoopRelayHooks) OnClientDisconnect(context.Context, time.Duration) {}
func (NoopRelayHooks) OnFrame(context.Context, string, string)           {}
func (NoopRelayHooks) OnAutosave(context.Context, string, error)         {}

// =============================================================================
// Global Hook Registry
// =============================================================================

var (
	syncHooks  SyncHooks  = NoopSyncHooks{}
	storeHooks StoreHooks = NoopStoreHooks{}
	relayHooks RelayHooks = NoopRelayHooks{}
	hooksMu    sync.RWMutex
)

// SetSyncHooks registers custom sync hooks. Nil is ignored.
func SetSyncHooks(h SyncHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		syncHooks = h
	}
}

// SetStoreHooks registers custom store hooks. Nil is ignored.
func SetStoreHooks(h StoreHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		storeHooks = h
	}
}

// SetRelayHooks registers custom relay hooks. Nil is ignored.
func SetRelayHooks(h RelayHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		relayHooks = h
	}
}

// Sync returns the registered sync hooks.
func Sync() SyncHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return syncHooks
}

// Store returns the registered store hooks.
func Store() StoreHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return storeHooks
}

// Relay returns the registered relay hooks.
func Relay() RelayHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return relayHooks
}

// Reset restores all hooks to their no-op defaults.
// This is primarily useful for testing.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	syncHooks = NoopSyncHooks{}
	storeHooks = NoopStoreHooks{}
	relayHooks = NoopRelayHooks{}
}
