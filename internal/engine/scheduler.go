package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// cycleOutcome summarizes a cycle for the scheduler's state machine.
type cycleOutcome int

const (
	// cycleClean: the cycle ran and hit no transient failures. Backoff resets.
	cycleClean cycleOutcome = iota
	// cycleRetry: at least one transient failure. The scheduler enters
	// backoff before re-driving the outbox.
	cycleRetry
	// cycleSkipped: the engine is offline; nothing ran, backoff untouched.
	cycleSkipped
)

// scheduler drives sync cycles: Idle → Scheduled → Running → (Idle|Backoff).
// Triggers into Scheduled are the periodic ticker, explicit SyncNow, and the
// debounced offline→online transition. The loop is a single goroutine, so
// cycles are single-flight by construction; the buffered trigger channel
// coalesces triggers that arrive mid-cycle into exactly one follow-up run.
type scheduler struct {
	interval   time.Duration
	maxBackoff time.Duration
	cycle      func(context.Context) cycleOutcome
	isOnline   func() bool
	onlineWake <-chan struct{}
	trigger    chan struct{}
	bo         *backoff.ExponentialBackOff
	logger     *slog.Logger

	mu              sync.Mutex
	running         bool
	cycleID         string
	startedAt       time.Time
	lastCompletedAt time.Time
}

func newScheduler(
	interval, maxBackoff time.Duration,
	cycle func(context.Context) cycleOutcome,
	isOnline func() bool,
	onlineWake <-chan struct{},
	logger *slog.Logger,
) *scheduler {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxBackoff

	return &scheduler{
		interval:   interval,
		maxBackoff: maxBackoff,
		cycle:      cycle,
		isOnline:   isOnline,
		onlineWake: onlineWake,
		trigger:    make(chan struct{}, 1),
		bo:         bo,
		logger:     logger,
	}
}

// Trigger requests an out-of-band cycle. Non-blocking; a trigger already
// pending absorbs this one.
func (s *scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// run is the scheduler loop. Blocks until ctx is canceled. An in-progress
// cycle finishes its current unit of work before the loop exits (the cycle
// function runs inside this goroutine).
func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		backoffT *time.Timer
		backoffC <-chan time.Time
	)

	clearBackoff := func() {
		if backoffT != nil {
			backoffT.Stop()
			backoffT = nil
			backoffC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			clearBackoff()
			return

		case <-ticker.C:
			// The periodic tick does not preempt an active backoff delay.
			if backoffC != nil {
				continue
			}

		case <-s.trigger:
			clearBackoff()

		case <-s.onlineWake:
			clearBackoff()

		case <-backoffC:
			backoffT = nil
			backoffC = nil
		}

		switch s.runCycle(ctx) {
		case cycleClean:
			s.bo.Reset()

		case cycleRetry:
			delay := s.bo.NextBackOff()
			if delay == backoff.Stop || delay > s.maxBackoff {
				delay = s.maxBackoff
			}

			s.logger.Info("sync cycle hit transient failures, backing off",
				slog.Duration("delay", delay),
			)

			backoffT = time.NewTimer(delay)
			backoffC = backoffT.C

		case cycleSkipped:
			// Offline: wait for the next trigger or transition.
		}
	}
}

// runCycle executes one single-flight cycle if the engine is online. The
// running guard is structural (one loop goroutine) but kept explicit so the
// invariant is observable and defended.
func (s *scheduler) runCycle(ctx context.Context) cycleOutcome {
	if !s.isOnline() {
		return cycleSkipped
	}

	s.mu.Lock()

	if s.running {
		s.mu.Unlock()
		// Coalesce into a follow-up run instead of a concurrent cycle.
		s.Trigger()

		return cycleSkipped
	}

	s.running = true
	s.cycleID = uuid.NewString()
	s.startedAt = time.Now()
	cycleID, started := s.cycleID, s.startedAt
	s.mu.Unlock()

	s.logger.Debug("sync cycle starting", slog.String("cycle_id", cycleID))

	outcome := s.cycle(ctx)

	s.mu.Lock()
	s.running = false
	s.lastCompletedAt = time.Now()
	s.mu.Unlock()

	s.logger.Debug("sync cycle finished",
		slog.String("cycle_id", cycleID),
		slog.Duration("duration", time.Since(started)),
	)

	return outcome
}

// isRunning reports whether a cycle is currently executing.
func (s *scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}
