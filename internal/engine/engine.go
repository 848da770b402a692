// Package engine implements the local-first synchronization engine: callers
// keep writing against the durable on-device outbox while disconnected, and
// the engine reconciles accumulated mutations and deferred AI requests with
// the authoritative remote store once connectivity returns.
//
// One Engine per active project. Lifecycle is explicit: Start opens the
// project's outbox database and arms the scheduler, Stop disarms it and
// releases the store. Switching projects means Stop on the old engine, then
// Start on a new one — the outbox is project-scoped and never shared.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/musehq/localsync/internal/outbox"
	"github.com/musehq/localsync/internal/remote"
)

// Defaults for Config zero values.
const (
	defaultSyncInterval   = 30 * time.Second
	defaultDebounceWindow = 500 * time.Millisecond
	defaultCallTimeout    = 30 * time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultRetryCeiling   = 5
	defaultFanOut         = 4
	defaultAIFanOut       = 2
	defaultBatchLimit     = 200
)

// Sentinel errors for lifecycle misuse.
var (
	ErrNotStarted     = errors.New("engine: not started")
	ErrAlreadyStarted = errors.New("engine: already started")
)

// Config holds the options for New. Uses a struct because the engine has
// too many knobs for positional parameters.
type Config struct {
	DBPath    string        // path to the project's outbox SQLite database
	ProjectID string        // project the outbox is scoped to
	Remote    remote.Client // remote store adapter

	SyncInterval   time.Duration // periodic cycle interval (0 → 30s)
	DebounceWindow time.Duration // connectivity debounce (0 → 500ms)
	CallTimeout    time.Duration // per remote call timeout (0 → 30s)
	MaxBackoff     time.Duration // backoff delay cap (0 → 5m)
	RetryCeiling   int           // transient retries before failing an entry (0 → 5)
	FanOut         int           // concurrent entity-key chains (0 → 4)
	AIFanOut       int           // concurrent AI requests (0 → 2)
	BatchLimit     int           // rows per outbox peek (0 → 200)

	Logger *slog.Logger
}

// withDefaults fills zero values in-place.
func (c *Config) withDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaultSyncInterval
	}

	if c.DebounceWindow <= 0 {
		c.DebounceWindow = defaultDebounceWindow
	}

	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}

	if c.RetryCeiling <= 0 {
		c.RetryCeiling = defaultRetryCeiling
	}

	if c.FanOut <= 0 {
		c.FanOut = defaultFanOut
	}

	if c.AIFanOut <= 0 {
		c.AIFanOut = defaultAIFanOut
	}

	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine is the lifecycle facade over the outbox store, scheduler,
// dispatcher, and connectivity signal.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	conn   *connectivity
	pub    *statePublisher

	mu      sync.Mutex
	started bool
	store   *outbox.Store
	sched   *scheduler
	disp    *dispatcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine for one project. The outbox database is not opened
// until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("engine: DBPath is required")
	}

	if cfg.ProjectID == "" {
		return nil, errors.New("engine: ProjectID is required")
	}

	if cfg.Remote == nil {
		return nil, errors.New("engine: Remote client is required")
	}

	cfg.withDefaults()

	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		conn:   newConnectivity(cfg.DebounceWindow, cfg.Logger),
		pub:    newStatePublisher(),
	}, nil
}

// Start opens the outbox store, reclaims rows orphaned by a crash, hydrates
// the observable counts, and arms the scheduler. A storage failure here is
// fatal: the engine refuses to start rather than run without durability.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	store, err := outbox.Open(e.cfg.DBPath, e.logger)
	if err != nil {
		return fmt.Errorf("engine: opening outbox: %w", err)
	}

	if _, err := store.ReclaimInFlight(ctx); err != nil {
		store.Close()
		return fmt.Errorf("engine: reclaiming in-flight rows: %w", err)
	}

	pol := newPolicy(store, e.cfg.RetryCeiling, e.logger)

	e.disp = &dispatcher{
		store:       store,
		client:      e.cfg.Remote,
		policy:      pol,
		batchLimit:  e.cfg.BatchLimit,
		fanOut:      e.cfg.FanOut,
		aiFanOut:    e.cfg.AIFanOut,
		callTimeout: e.cfg.CallTimeout,
		staleAfter:  2 * e.cfg.CallTimeout,
		logger:      e.logger,
	}

	e.sched = newScheduler(
		e.cfg.SyncInterval, e.cfg.MaxBackoff,
		e.runCycle, e.conn.IsOnline, e.conn.Wake(), e.logger,
	)

	e.store = store

	// Hydrate counts so the UI shows pending work immediately after start.
	pm, pa, err := store.CountPending(ctx)
	if err != nil {
		store.Close()
		e.store = nil

		return fmt.Errorf("engine: hydrating counts: %w", err)
	}

	e.pub.Update(func(st *State) {
		st.PendingMutations = pm
		st.PendingAIRequests = pa
		st.IsOnline = e.conn.IsOnline()
	})

	// The scheduler outlives Start's ctx; it stops when Stop cancels runCtx.
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.sched.run(runCtx)
	}()

	e.started = true

	e.logger.Info("sync engine started",
		slog.String("project_id", e.cfg.ProjectID),
		slog.String("db_path", e.cfg.DBPath),
		slog.Int("pending_mutations", pm),
		slog.Int("pending_ai_requests", pa),
	)

	return nil
}

// Stop disarms the scheduler and releases the store. Cancellation is
// cooperative: an in-flight remote call finishes and has its result
// recorded before the store closes. Safe to call multiple times and safe to
// call mid-cycle.
func (e *Engine) Stop() error {
	e.mu.Lock()

	if !e.started {
		e.mu.Unlock()
		return nil
	}

	// Mark stopped and detach the store under the lock, then wait outside
	// it: the scheduler goroutine takes the same lock on its refresh path.
	cancel := e.cancel
	store := e.store
	e.started = false
	e.store = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	err := store.Close()

	e.logger.Info("sync engine stopped", slog.String("project_id", e.cfg.ProjectID))

	if err != nil {
		return fmt.Errorf("engine: closing outbox: %w", err)
	}

	return nil
}

// Mutate enqueues a data change. The row is durably persisted before this
// returns; a crash immediately afterwards loses nothing.
func (e *Engine) Mutate(
	ctx context.Context, table, rowID string, op outbox.Operation, payload json.RawMessage,
) (int64, error) {
	store, err := e.storeHandle()
	if err != nil {
		return 0, err
	}

	key := outbox.EntityKey{Table: table, RowID: rowID}

	id, err := store.EnqueueMutation(ctx, key, op, payload, e.cfg.ProjectID)
	if err != nil {
		return 0, err
	}

	e.refreshCounts(ctx)

	return id, nil
}

// QueueAI enqueues a deferred AI request, idempotent by requestKey:
// enqueueing the same key twice returns the original entry's ID.
func (e *Engine) QueueAI(ctx context.Context, requestKey string, payload json.RawMessage) (int64, error) {
	store, err := e.storeHandle()
	if err != nil {
		return 0, err
	}

	id, err := store.EnqueueAIRequest(ctx, requestKey, payload, e.cfg.ProjectID)
	if err != nil {
		return 0, err
	}

	e.refreshCounts(ctx)

	return id, nil
}

// SyncNow requests an out-of-band cycle. Coalesced if a cycle is already
// running or a trigger is already pending.
func (e *Engine) SyncNow() {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()

	if sched != nil {
		sched.Trigger()
	}
}

// SetOnline is the connectivity push from the external reachability
// collaborator. Online is permission to sync; offline never clears the
// outbox.
func (e *Engine) SetOnline(online bool) {
	e.conn.SetOnline(online)

	e.pub.Update(func(st *State) {
		st.IsOnline = online
	})
}

// State returns the current observable state.
func (e *Engine) State() State {
	return e.pub.Get()
}

// Subscribe registers a callback invoked with a state snapshot on every
// change. The returned function unsubscribes it.
func (e *Engine) Subscribe(fn func(State)) func() {
	return e.pub.Subscribe(fn)
}

// FailedMutations lists terminally failed mutations for user inspection.
func (e *Engine) FailedMutations(ctx context.Context) ([]outbox.Mutation, error) {
	store, err := e.storeHandle()
	if err != nil {
		return nil, err
	}

	return store.FailedMutations(ctx)
}

// FailedAIRequests lists terminally failed AI requests.
func (e *Engine) FailedAIRequests(ctx context.Context) ([]outbox.AIRequest, error) {
	store, err := e.storeHandle()
	if err != nil {
		return nil, err
	}

	return store.FailedAIRequests(ctx)
}

// ClearFailed drops all failed entries, unblocking their entity keys, and
// clears the observable sync error.
func (e *Engine) ClearFailed(ctx context.Context) (int64, error) {
	store, err := e.storeHandle()
	if err != nil {
		return 0, err
	}

	n, err := store.ClearFailed(ctx)
	if err != nil {
		return n, err
	}

	e.refreshCounts(ctx)

	e.pub.Update(func(st *State) {
		st.SyncError = ""
	})

	return n, nil
}

// storeHandle returns the open store or ErrNotStarted.
func (e *Engine) storeHandle() (*outbox.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil, ErrNotStarted
	}

	return e.store, nil
}

// refreshCounts recomputes the pending counts and publishes them. Count
// failures are logged, not propagated — the write that prompted the refresh
// already succeeded.
func (e *Engine) refreshCounts(ctx context.Context) {
	store, err := e.storeHandle()
	if err != nil {
		return
	}

	pm, pa, err := store.CountPending(ctx)
	if err != nil {
		e.logger.Warn("failed to refresh pending counts", slog.String("error", err.Error()))
		return
	}

	e.pub.Update(func(st *State) {
		st.PendingMutations = pm
		st.PendingAIRequests = pa
	})
}

// runCycle is the scheduler's cycle body: drain the outbox, fold the
// results into the observable state, and report whether backoff is needed.
func (e *Engine) runCycle(ctx context.Context) cycleOutcome {
	e.pub.Update(func(st *State) {
		st.IsSyncing = true
	})

	stats, drainErr := e.disp.drain(ctx)

	// Counts must be recomputed even during shutdown: Stop waits for this
	// cycle, and the store is only closed afterwards. Uses the dispatcher's
	// store reference directly, never the mutex-guarded handle.
	pm, pa, countErr := e.disp.store.CountPending(context.WithoutCancel(ctx))
	if countErr != nil {
		e.logger.Warn("failed to refresh pending counts", slog.String("error", countErr.Error()))
	} else {
		e.pub.Update(func(st *State) {
			st.PendingMutations = pm
			st.PendingAIRequests = pa
		})
	}

	outcome := cycleClean

	switch {
	case drainErr != nil && errors.Is(drainErr, context.Canceled):
		// Shutdown, not failure: no backoff.
	case drainErr != nil:
		outcome = cycleRetry
	case stats.retried.Load() > 0:
		outcome = cycleRetry
	}

	e.pub.Update(func(st *State) {
		st.IsSyncing = false
		st.LastSyncAt = time.Now()

		if msg := stats.terminalErr(); msg != "" {
			st.SyncError = msg
		} else if drainErr != nil && !errors.Is(drainErr, context.Canceled) {
			st.SyncError = drainErr.Error()
		}
	})

	e.logger.Info("sync cycle complete",
		slog.Int("applied", int(stats.applied.Load())),
		slog.Int("ai_completed", int(stats.completed.Load())),
		slog.Int("rejected", int(stats.rejected.Load())),
		slog.Int("retried", int(stats.retried.Load())),
	)

	return outcome
}
