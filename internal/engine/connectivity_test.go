package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnectivity(t *testing.T, debounce time.Duration) *connectivity {
	t.Helper()

	return newConnectivity(debounce, testLogger(t))
}

// expectWake asserts a wake arrives within the deadline.
func expectWake(t *testing.T, c *connectivity) {
	t.Helper()

	select {
	case <-c.Wake():
	case <-time.After(waitFor):
		t.Fatal("expected a wake, got none")
	}
}

// expectNoWake asserts no wake arrives within the window.
func expectNoWake(t *testing.T, c *connectivity, window time.Duration) {
	t.Helper()

	select {
	case <-c.Wake():
		t.Fatal("unexpected wake")
	case <-time.After(window):
	}
}

func TestConnectivity_IsOnlineReflectsLastPush(t *testing.T) {
	t.Parallel()

	c := newTestConnectivity(t, 10*time.Millisecond)
	assert.False(t, c.IsOnline())

	c.SetOnline(true)
	// Undebounced: the answer changes immediately even though the wake is
	// still pending.
	assert.True(t, c.IsOnline())

	c.SetOnline(false)
	assert.False(t, c.IsOnline())
}

func TestConnectivity_OnlineEdgeWakesAfterDebounce(t *testing.T) {
	t.Parallel()

	c := newTestConnectivity(t, 5*time.Millisecond)

	c.SetOnline(true)
	expectWake(t, c)
}

func TestConnectivity_FlapBackOfflineSuppressesWake(t *testing.T) {
	t.Parallel()

	debounce := 30 * time.Millisecond
	c := newTestConnectivity(t, debounce)

	c.SetOnline(true)
	c.SetOnline(false)

	expectNoWake(t, c, 3*debounce)
}

func TestConnectivity_FlappingCoalescesToOneWake(t *testing.T) {
	t.Parallel()

	debounce := 20 * time.Millisecond
	c := newTestConnectivity(t, debounce)

	// Rapid flapping that settles online must produce exactly one wake.
	for range 5 {
		c.SetOnline(true)
		c.SetOnline(false)
	}

	c.SetOnline(true)

	expectWake(t, c)
	expectNoWake(t, c, 3*debounce)
}

func TestConnectivity_RepeatedOnlineIsNotAnEdge(t *testing.T) {
	t.Parallel()

	debounce := 10 * time.Millisecond
	c := newTestConnectivity(t, debounce)

	c.SetOnline(true)
	expectWake(t, c)

	// Still online: pushing the same state again must not rearm the timer.
	c.SetOnline(true)
	expectNoWake(t, c, 3*debounce)

	// A real offline→online round trip wakes again.
	c.SetOnline(false)
	c.SetOnline(true)
	expectWake(t, c)
}

func TestConnectivity_RedundantOnlinePushKeepsPendingWake(t *testing.T) {
	t.Parallel()

	debounce := 50 * time.Millisecond
	c := newTestConnectivity(t, debounce)

	// A reachability probe may report online repeatedly. A same-state push
	// landing inside the debounce window must not cancel the pending timer.
	c.SetOnline(true)
	time.Sleep(debounce / 2)
	c.SetOnline(true)

	expectWake(t, c)
}

func TestConnectivity_WakeChannelCoalescesWhilePending(t *testing.T) {
	t.Parallel()

	debounce := 5 * time.Millisecond
	c := newTestConnectivity(t, debounce)

	// Two full round trips without a reader in between: the capacity-1
	// channel holds at most one pending wake.
	c.SetOnline(true)
	time.Sleep(3 * debounce)

	c.SetOnline(false)
	c.SetOnline(true)
	time.Sleep(3 * debounce)

	expectWake(t, c)
	expectNoWake(t, c, 3*debounce)

	require.True(t, c.IsOnline())
}
