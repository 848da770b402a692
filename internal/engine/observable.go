package engine

import (
	"sync"
	"time"
)

// State is the read-only projection of the engine consumed by UI
// collaborators, recomputed whenever the outbox or scheduler changes.
type State struct {
	IsOnline          bool
	IsSyncing         bool
	PendingMutations  int
	PendingAIRequests int
	LastSyncAt        time.Time
	SyncError         string
}

// statePublisher holds the current State and a callback registry. It
// decouples the engine from any particular UI framework: subscribers get a
// value copy on every change, outside the publisher's lock.
type statePublisher struct {
	mu     sync.Mutex
	cur    State
	subs   map[int]func(State)
	nextID int
}

func newStatePublisher() *statePublisher {
	return &statePublisher{subs: make(map[int]func(State))}
}

// Get returns a copy of the current state.
func (p *statePublisher) Get() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cur
}

// Subscribe registers a callback invoked on every state change. The
// returned function unsubscribes it.
func (p *statePublisher) Subscribe(fn func(State)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Update applies mutate to the current state and notifies subscribers with
// the resulting snapshot. Callbacks run outside the lock so a subscriber
// may call back into the engine.
func (p *statePublisher) Update(mutate func(*State)) {
	p.mu.Lock()
	mutate(&p.cur)

	snapshot := p.cur

	fns := make([]func(State), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
