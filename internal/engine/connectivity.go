package engine

import (
	"log/slog"
	"sync"
	"time"
)

// connectivity holds the pushed online/offline signal. The engine never
// probes the network itself; an external reachability collaborator calls
// SetOnline. Offline→online transitions are debounced so rapid flapping
// coalesces to the final state before waking the scheduler — one sync, not
// a cycle storm.
type connectivity struct {
	mu       sync.Mutex
	online   bool
	debounce time.Duration
	timer    *time.Timer
	wake     chan struct{}
	logger   *slog.Logger
}

func newConnectivity(debounce time.Duration, logger *slog.Logger) *connectivity {
	return &connectivity{
		debounce: debounce,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
}

// SetOnline records the pushed connectivity state. An offline→online edge
// arms the debounce timer; flapping back offline before it fires cancels
// it, so only the settled state produces a wake. A same-state push is not
// an edge and must leave a pending timer alone.
func (c *connectivity) SetOnline(v bool) {
	c.mu.Lock()

	prev := c.online
	c.online = v

	if v != prev {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}

		if v {
			c.timer = time.AfterFunc(c.debounce, c.fire)
		}
	}

	c.mu.Unlock()

	if v != prev {
		c.logger.Info("connectivity changed", slog.Bool("online", v))
	}
}

// fire delivers the debounced transition, unless the signal flapped back
// offline before the window closed.
func (c *connectivity) fire() {
	c.mu.Lock()
	online := c.online
	c.timer = nil
	c.mu.Unlock()

	if !online {
		return
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// IsOnline reports the last pushed state, undebounced. Going offline is
// never a reason to touch the outbox — it only withholds permission to run
// a cycle.
func (c *connectivity) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.online
}

// Wake returns the channel that receives debounced offline→online
// transitions. Capacity 1: transitions arriving while one is pending
// coalesce.
func (c *connectivity) Wake() <-chan struct{} {
	return c.wake
}
