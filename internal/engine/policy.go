package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/musehq/localsync/internal/outbox"
	"github.com/musehq/localsync/internal/remote"
)

// Disposition is the policy's verdict on a single remote call.
type Disposition int

const (
	// DispositionApplied: the remote durably accepted the entry.
	DispositionApplied Disposition = iota
	// DispositionRetry: transient failure, the entry returns to pending and
	// the cycle backs off.
	DispositionRetry
	// DispositionRejected: terminal failure, the entry is marked failed and
	// never resubmitted without caller intervention.
	DispositionRejected
)

func (d Disposition) String() string {
	switch d {
	case DispositionApplied:
		return "applied"
	case DispositionRetry:
		return "retry"
	case DispositionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// policy is the single place failure classification happens. It maps a
// remote call result onto an outbox status transition:
//
//	nil            → applied
//	*RejectedError → failed (terminal, never retried)
//	anything else  → retry, escalating to failed past the retry ceiling
//
// The dispatcher stays policy-agnostic: it submits entries and hands the
// results here.
type policy struct {
	store        *outbox.Store
	retryCeiling int
	logger       *slog.Logger
}

func newPolicy(store *outbox.Store, retryCeiling int, logger *slog.Logger) *policy {
	return &policy{store: store, retryCeiling: retryCeiling, logger: logger}
}

// CommitMutation records the outcome of one Apply call. The returned error
// is a local storage failure, not a remote one.
func (p *policy) CommitMutation(ctx context.Context, m *outbox.Mutation, callErr error) (Disposition, error) {
	if callErr == nil {
		if err := p.store.MarkApplied(ctx, m.ID); err != nil {
			return DispositionRetry, err
		}

		return DispositionApplied, nil
	}

	var rejected *remote.RejectedError
	if errors.As(callErr, &rejected) {
		p.logger.Warn("mutation rejected by remote",
			slog.Int64("id", m.ID),
			slog.String("key", m.Key.String()),
			slog.String("reason", rejected.Error()),
		)

		if err := p.store.MarkFailed(ctx, m.ID, rejected.Error()); err != nil {
			return DispositionRejected, err
		}

		return DispositionRejected, nil
	}

	return p.commitTransient(ctx, mutationQueue, m.ID, m.Key.String(), m.RetryCount, callErr)
}

// CommitAIRequest records the outcome of one RunAI call.
func (p *policy) CommitAIRequest(ctx context.Context, r *outbox.AIRequest, callErr error) (Disposition, error) {
	if callErr == nil {
		if err := p.store.MarkAICompleted(ctx, r.ID); err != nil {
			return DispositionRetry, err
		}

		return DispositionApplied, nil
	}

	var rejected *remote.RejectedError
	if errors.As(callErr, &rejected) {
		p.logger.Warn("AI request rejected by remote",
			slog.Int64("id", r.ID),
			slog.String("request_key", r.RequestKey),
			slog.String("reason", rejected.Error()),
		)

		if err := p.store.MarkAIFailed(ctx, r.ID, rejected.Error()); err != nil {
			return DispositionRejected, err
		}

		return DispositionRejected, nil
	}

	return p.commitTransient(ctx, aiQueue, r.ID, r.RequestKey, r.RetryCount, callErr)
}

// queueKind selects which queue a transient commit targets.
type queueKind int

const (
	mutationQueue queueKind = iota
	aiQueue
)

// commitTransient handles a network-class failure: bump the retry count, or
// escalate to failed once the entry has already been retried retryCeiling
// times, so a poison entry cannot retry forever.
func (p *policy) commitTransient(
	ctx context.Context, kind queueKind, id int64, label string, retryCount int, callErr error,
) (Disposition, error) {
	if retryCount >= p.retryCeiling {
		msg := fmt.Sprintf("retry ceiling (%d) exceeded: %v", p.retryCeiling, callErr)

		p.logger.Warn("entry failed after exhausting retries",
			slog.Int64("id", id),
			slog.String("entry", label),
			slog.Int("retries", retryCount),
		)

		var err error
		if kind == mutationQueue {
			err = p.store.MarkFailed(ctx, id, msg)
		} else {
			err = p.store.MarkAIFailed(ctx, id, msg)
		}

		return DispositionRejected, err
	}

	var (
		count int
		err   error
	)

	if kind == mutationQueue {
		count, err = p.store.MarkRetry(ctx, id, callErr.Error())
	} else {
		count, err = p.store.MarkAIRetry(ctx, id, callErr.Error())
	}

	if err != nil {
		return DispositionRetry, err
	}

	p.logger.Debug("entry scheduled for retry",
		slog.Int64("id", id),
		slog.String("entry", label),
		slog.Int("retry_count", count),
		slog.String("error", callErr.Error()),
	)

	return DispositionRetry, nil
}
