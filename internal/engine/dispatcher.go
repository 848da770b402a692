package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/musehq/localsync/internal/outbox"
	"github.com/musehq/localsync/internal/remote"
)

// cycleStats accumulates the outcome counts for one sync cycle. Counters
// are atomic because entity-key chains run concurrently.
type cycleStats struct {
	applied   atomic.Int32
	completed atomic.Int32
	rejected  atomic.Int32
	retried   atomic.Int32

	mu              sync.Mutex
	lastTerminalErr string
}

// recordTerminal remembers the most recent terminal failure message for the
// observable syncError.
func (cs *cycleStats) recordTerminal(msg string) {
	cs.mu.Lock()
	cs.lastTerminalErr = msg
	cs.mu.Unlock()
}

// terminalErr returns the most recent terminal failure message, if any.
func (cs *cycleStats) terminalErr() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.lastTerminalErr
}

// dispatcher drains the outbox and submits entries to the remote client.
// Ordering contract: within one entity key, mutation N+1 is never submitted
// until N has a terminal outcome; distinct keys run concurrently up to
// fanOut. AI requests use a separate, smaller fan-out so their higher
// latency cannot starve data sync.
type dispatcher struct {
	store       *outbox.Store
	client      remote.Client
	policy      *policy
	batchLimit  int
	fanOut      int
	aiFanOut    int
	callTimeout time.Duration
	staleAfter  time.Duration
	logger      *slog.Logger
}

// drain runs batches until the outbox has no dispatchable entries, a
// transient failure is encountered (the scheduler's backoff re-drives the
// cycle), or the context is canceled. The returned error is a local
// storage failure or the context's error; remote failures live in stats.
func (d *dispatcher) drain(ctx context.Context) (*cycleStats, error) {
	stats := &cycleStats{}

	// A row stays in_flight past its claim window only when the write
	// recording its outcome failed. Requeue such orphans so they do not
	// block their entity key until the next restart.
	if _, err := d.store.RequeueStale(ctx, time.Now().Add(-d.staleAfter)); err != nil {
		d.logger.Warn("stale claim requeue failed", slog.String("error", err.Error()))
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batch, err := d.store.PeekMutations(ctx, d.batchLimit)
		if err != nil {
			return stats, err
		}

		aiBatch, err := d.store.PeekAIRequests(ctx, d.batchLimit)
		if err != nil {
			return stats, err
		}

		if len(batch) == 0 && len(aiBatch) == 0 {
			break
		}

		d.dispatchMutations(ctx, batch, stats)
		d.dispatchAIRequests(ctx, aiBatch, stats)

		// Retried entries went back to pending; looping again would hot-spin
		// on a dead network. End the cycle and let backoff re-drive it.
		if stats.retried.Load() > 0 {
			break
		}
	}

	// Applied and completed rows have served their purpose.
	if n, err := d.store.GC(context.WithoutCancel(ctx)); err != nil {
		d.logger.Warn("outbox GC failed", slog.String("error", err.Error()))
	} else if n > 0 {
		d.logger.Debug("outbox GC", slog.Int64("removed", n))
	}

	return stats, nil
}

// dispatchMutations groups a batch by entity key and runs each key's chain
// serially, with cross-key concurrency bounded by fanOut.
func (d *dispatcher) dispatchMutations(ctx context.Context, batch []outbox.Mutation, stats *cycleStats) {
	if len(batch) == 0 {
		return
	}

	groups := make(map[outbox.EntityKey][]outbox.Mutation)

	var order []outbox.EntityKey

	for _, m := range batch {
		if _, ok := groups[m.Key]; !ok {
			order = append(order, m.Key)
		}

		groups[m.Key] = append(groups[m.Key], m)
	}

	var g errgroup.Group

	g.SetLimit(d.fanOut)

	for _, key := range order {
		chain := groups[key]

		g.Go(func() error {
			d.dispatchChain(ctx, chain, stats)
			return nil
		})
	}

	g.Wait()
}

// dispatchChain submits one entity key's mutations in order. The chain
// stops at the first non-applied outcome: a retried or failed head blocks
// exactly its own key's later entries, nothing else.
func (d *dispatcher) dispatchChain(ctx context.Context, chain []outbox.Mutation, stats *cycleStats) {
	for i := range chain {
		m := &chain[i]

		// Cooperative cancellation: finish the current unit of work, do not
		// start the next.
		if ctx.Err() != nil {
			return
		}

		if err := d.store.MarkInFlight(ctx, m.ID); err != nil {
			d.logger.Error("failed to claim mutation",
				slog.Int64("id", m.ID),
				slog.String("error", err.Error()),
			)
			stats.retried.Add(1)

			return
		}

		callErr := d.apply(ctx, m)
		disp := d.commitMutation(ctx, m, callErr, stats)

		if disp != DispositionApplied {
			return
		}
	}
}

// apply submits one mutation. The call context is detached from the cycle
// context: Stop must never abort an in-flight request, because losing the
// response would leave the entry's disposition unknown.
func (d *dispatcher) apply(ctx context.Context, m *outbox.Mutation) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.callTimeout)
	defer cancel()

	return d.client.Apply(callCtx, m.Key, m.Op, m.Payload)
}

// commitMutation hands the call result to the policy and folds the verdict
// into the cycle stats. Commits use a detached context so a result that
// arrived is always recorded, even during shutdown.
func (d *dispatcher) commitMutation(
	ctx context.Context, m *outbox.Mutation, callErr error, stats *cycleStats,
) Disposition {
	disp, err := d.policy.CommitMutation(context.WithoutCancel(ctx), m, callErr)
	if err != nil {
		d.logger.Error("failed to commit mutation outcome",
			slog.Int64("id", m.ID),
			slog.String("error", err.Error()),
		)
		stats.retried.Add(1)

		return DispositionRetry
	}

	switch disp {
	case DispositionApplied:
		stats.applied.Add(1)
	case DispositionRejected:
		stats.rejected.Add(1)
		stats.recordTerminal(callErr.Error())
	case DispositionRetry:
		stats.retried.Add(1)
	}

	return disp
}

// dispatchAIRequests submits queued AI requests. Requests are independent
// of each other (per-key ordering only, and the store's idempotent enqueue
// guarantees one row per key), so each runs on its own.
func (d *dispatcher) dispatchAIRequests(ctx context.Context, batch []outbox.AIRequest, stats *cycleStats) {
	if len(batch) == 0 {
		return
	}

	var g errgroup.Group

	g.SetLimit(d.aiFanOut)

	for i := range batch {
		r := &batch[i]

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			if err := d.store.MarkAIInFlight(ctx, r.ID); err != nil {
				d.logger.Error("failed to claim AI request",
					slog.Int64("id", r.ID),
					slog.String("error", err.Error()),
				)
				stats.retried.Add(1)

				return nil
			}

			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.callTimeout)
			callErr := d.client.RunAI(callCtx, r.RequestKey, r.Payload)

			cancel()

			disp, err := d.policy.CommitAIRequest(context.WithoutCancel(ctx), r, callErr)
			if err != nil {
				d.logger.Error("failed to commit AI request outcome",
					slog.Int64("id", r.ID),
					slog.String("error", err.Error()),
				)
				stats.retried.Add(1)

				return nil
			}

			switch disp {
			case DispositionApplied:
				stats.completed.Add(1)
			case DispositionRejected:
				stats.rejected.Add(1)
				stats.recordTerminal(callErr.Error())
			case DispositionRetry:
				stats.retried.Add(1)
			}

			return nil
		})
	}

	g.Wait()
}
