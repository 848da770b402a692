// Package remote defines the boundary between the sync engine and the
// authoritative remote store. The engine only understands a three-way
// classification of each call: applied (nil error), rejected (terminal,
// *RejectedError), or a transport failure (any other error, retryable).
// The remote's own consistency model is opaque to the engine.
package remote

import (
	"context"
	"encoding/json"

	"github.com/musehq/localsync/internal/outbox"
)

// Client submits outbox entries to the remote store. Implementations must
// be idempotent per entity key (typically upsert-by-primary-key): the engine
// provides at-least-once delivery, so a crash mid-flight can resubmit a
// mutation the remote already accepted.
type Client interface {
	// Apply submits a single data mutation. A nil return means the remote
	// durably accepted the write. A *RejectedError means the remote refused
	// it for a reason retrying cannot fix (validation, permissions). Any
	// other error is treated as transient.
	Apply(ctx context.Context, key outbox.EntityKey, op outbox.Operation, payload json.RawMessage) error

	// RunAI submits a deferred AI request identified by its idempotency key.
	// Error semantics match Apply.
	RunAI(ctx context.Context, requestKey string, payload json.RawMessage) error
}
