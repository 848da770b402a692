package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musehq/localsync/internal/outbox"
	"github.com/musehq/localsync/internal/remote"
)

func newTestOutbox(t *testing.T) *outbox.Store {
	t.Helper()

	store, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store
}

// enqueueInFlight seeds one claimed mutation and returns its current row.
func enqueueInFlight(t *testing.T, store *outbox.Store) *outbox.Mutation {
	t.Helper()

	ctx := context.Background()

	_, err := store.EnqueueMutation(ctx, docKey("doc-1"), outbox.OpUpdate, payload(1), "p")
	require.NoError(t, err)

	return claimHead(t, store)
}

// claimHead peeks the head mutation and marks it in flight.
func claimHead(t *testing.T, store *outbox.Store) *outbox.Mutation {
	t.Helper()

	ctx := context.Background()

	batch, err := store.PeekMutations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	m := batch[0]
	require.NoError(t, store.MarkInFlight(ctx, m.ID))

	return &m
}

func TestPolicy_SuccessMarksApplied(t *testing.T) {
	t.Parallel()

	store := newTestOutbox(t)
	pol := newPolicy(store, 3, testLogger(t))
	ctx := context.Background()

	m := enqueueInFlight(t, store)

	disp, err := pol.CommitMutation(ctx, m, nil)
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, disp)

	// Applied rows leave the dispatchable queue.
	batch, err := store.PeekMutations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestPolicy_RejectionIsTerminal(t *testing.T) {
	t.Parallel()

	store := newTestOutbox(t)
	pol := newPolicy(store, 3, testLogger(t))
	ctx := context.Background()

	m := enqueueInFlight(t, store)

	callErr := &remote.RejectedError{StatusCode: 422, Reason: "schema mismatch"}

	disp, err := pol.CommitMutation(ctx, m, callErr)
	require.NoError(t, err)
	assert.Equal(t, DispositionRejected, disp)

	failed, err := store.FailedMutations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "schema mismatch")
	assert.Equal(t, 0, failed[0].RetryCount, "rejection is not a retry")
}

func TestPolicy_TransientRetriesThenEscalates(t *testing.T) {
	t.Parallel()

	const ceiling = 2

	store := newTestOutbox(t)
	pol := newPolicy(store, ceiling, testLogger(t))
	ctx := context.Background()

	m := enqueueInFlight(t, store)
	callErr := fmt.Errorf("dial tcp: connection refused")

	// Retries up to the ceiling go back to pending with a bumped count.
	for want := 1; want <= ceiling; want++ {
		disp, err := pol.CommitMutation(ctx, m, callErr)
		require.NoError(t, err)
		assert.Equal(t, DispositionRetry, disp)

		m = claimHead(t, store)
		assert.Equal(t, want, m.RetryCount)
	}

	// The next transient failure escalates to terminal.
	disp, err := pol.CommitMutation(ctx, m, callErr)
	require.NoError(t, err)
	assert.Equal(t, DispositionRejected, disp)

	failed, err := store.FailedMutations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "retry ceiling (2) exceeded")
	assert.Contains(t, failed[0].LastError, "connection refused")
}

func TestPolicy_AIRequestOutcomes(t *testing.T) {
	t.Parallel()

	store := newTestOutbox(t)
	pol := newPolicy(store, 3, testLogger(t))
	ctx := context.Background()

	_, err := store.EnqueueAIRequest(ctx, "req-1", json.RawMessage(`{"prompt":"x"}`), "p")
	require.NoError(t, err)

	batch, err := store.PeekAIRequests(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	r := &batch[0]
	require.NoError(t, store.MarkAIInFlight(ctx, r.ID))

	// Transient failure: back to pending.
	disp, err := pol.CommitAIRequest(ctx, r, fmt.Errorf("i/o timeout"))
	require.NoError(t, err)
	assert.Equal(t, DispositionRetry, disp)

	batch, err = store.PeekAIRequests(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].RetryCount)

	// Rejection: terminal.
	r = &batch[0]
	require.NoError(t, store.MarkAIInFlight(ctx, r.ID))

	disp, err = pol.CommitAIRequest(ctx, r, &remote.RejectedError{StatusCode: 400, Reason: "bad prompt"})
	require.NoError(t, err)
	assert.Equal(t, DispositionRejected, disp)

	failed, err := store.FailedAIRequests(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "bad prompt")
}

func TestDispositionString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "applied", DispositionApplied.String())
	assert.Equal(t, "retry", DispositionRetry.String())
	assert.Equal(t, "rejected", DispositionRejected.String())
}
