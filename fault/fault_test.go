package fault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devskill-org/microgrid-coordinator/topology"
)

// fakeSwitch records every relay state change a zone requests, without any
// backing topology.
type fakeSwitch struct {
	states map[string]topology.RelayState
}

func newFakeSwitch() *fakeSwitch { return &fakeSwitch{states: make(map[string]topology.RelayState)} }

func (f *fakeSwitch) SetRelayState(id string, state topology.RelayState) error {
	f.states[id] = state
	return nil
}

func zoneWithNodes(id string, sw RelaySwitch, nodes ...string) *Zone {
	z := NewZone(id, sw)
	for _, n := range nodes {
		z.AddNode(n)
	}
	return z
}

func TestZoneIgnoresImbalanceWithinThreshold(t *testing.T) {
	z := zoneWithNodes("zone-1", nil, "home-1", "home-2")
	z.Tick(time.Now(), 0.05)
	require.Equal(t, StateNormal, z.State())
}

func TestZoneSuspectsThenUnlocatesOnSustainedImbalance(t *testing.T) {
	now := time.Now()
	sw := newFakeSwitch()
	z := zoneWithNodes("zone-1", sw, "home-1", "home-2")

	z.Tick(now, 1.0)
	require.Equal(t, StateSuspected, z.State())

	z.Tick(now.Add(DetectionDelay-time.Millisecond), 1.0)
	require.Equal(t, StateSuspected, z.State(), "not yet due")

	z.Tick(now.Add(DetectionDelay), 1.0)
	require.Equal(t, StateUnlocated, z.State())
	require.Equal(t, []string{"home-1"}, z.IsolatedNodes())
	require.Equal(t, topology.RelayOpen, sw.states[topology.RelayIDForNode("home-1")])
}

func TestZoneReturnsToNormalWhenSuspicionClears(t *testing.T) {
	now := time.Now()
	z := zoneWithNodes("zone-1", nil, "home-1")
	z.Tick(now, 1.0)
	require.Equal(t, StateSuspected, z.State())

	z.Tick(now.Add(DetectionDelay), 0.0)
	require.Equal(t, StateNormal, z.State())
}

func TestZoneLocatesFaultAfterIsolatingResponsibleNode(t *testing.T) {
	now := time.Now()
	sw := newFakeSwitch()
	z := zoneWithNodes("zone-1", sw, "home-1", "home-2")

	z.Tick(now, 1.0) // normal -> suspected
	now = now.Add(DetectionDelay)
	z.Tick(now, 1.0) // suspected -> unlocated, isolates home-1 (lexically first)
	require.Equal(t, StateUnlocated, z.State())

	now = now.Add(TripDelay)
	z.Tick(now, 0.0) // imbalance gone: home-1 was the fault
	require.Equal(t, StateLocated, z.State())
	require.Equal(t, []string{"home-1"}, z.FaultedNodes())
	require.Equal(t, topology.RelayOpen, sw.states[topology.RelayIDForNode("home-1")], "the located node stays isolated until the reclose attempt restores it")
}

func TestZoneIsolatesNextNodeWhenFirstDoesNotClearImbalance(t *testing.T) {
	now := time.Now()
	sw := newFakeSwitch()
	z := zoneWithNodes("zone-1", sw, "home-1", "home-2")

	z.Tick(now, 1.0)
	now = now.Add(DetectionDelay)
	z.Tick(now, 1.0)
	require.Equal(t, []string{"home-1"}, z.IsolatedNodes())

	now = now.Add(TripDelay)
	z.Tick(now, 1.0) // still imbalanced after isolating home-1: try home-2
	require.Equal(t, StateUnlocated, z.State())
	require.Equal(t, []string{"home-1", "home-2"}, z.IsolatedNodes())
}

func TestZoneEntersMultipleWhenPriorityListExhausted(t *testing.T) {
	now := time.Now()
	z := zoneWithNodes("zone-1", nil, "home-1")

	z.Tick(now, 1.0)
	now = now.Add(DetectionDelay)
	z.Tick(now, 1.0) // isolates the only node
	require.Equal(t, StateUnlocated, z.State())

	now = now.Add(TripDelay)
	z.Tick(now, 1.0) // imbalance persists, no node left to isolate
	require.Equal(t, StateMultiple, z.State())
}

func TestZoneReclosesSuccessfullyAndClears(t *testing.T) {
	now := time.Now()
	z := zoneWithNodes("zone-1", nil, "home-1")

	z.Tick(now, 1.0)
	now = now.Add(DetectionDelay)
	z.Tick(now, 1.0)
	now = now.Add(TripDelay)
	z.Tick(now, 0.0) // located
	require.Equal(t, StateLocated, z.State())

	now = now.Add(RecloseDelay)
	z.Tick(now, 0.0) // located -> reclose (restores faulted node to test)
	require.Equal(t, StateReclose, z.State())
	require.Equal(t, 1, z.RecloseAttempts())

	now = now.Add(RecloseDelay)
	z.Tick(now, 0.0) // imbalance stays clear: fault really is gone
	require.Equal(t, StateCleared, z.State())

	now = now.Add(time.Millisecond)
	z.Tick(now, 0.0)
	require.Equal(t, StateNormal, z.State())
	require.Empty(t, z.FaultedNodes())
}

func TestZoneReopensOnFailedRecloseThenLatchesPersistentAfterMax(t *testing.T) {
	now := time.Now()
	z := zoneWithNodes("zone-1", nil, "home-1")

	z.Tick(now, 1.0)
	now = now.Add(DetectionDelay)
	z.Tick(now, 1.0)
	now = now.Add(TripDelay)
	z.Tick(now, 0.0)
	require.Equal(t, StateLocated, z.State())

	for attempt := 1; attempt <= MaxRecloseAttempts; attempt++ {
		now = now.Add(RecloseDelay)
		z.Tick(now, 0.0) // located -> reclose
		require.Equal(t, StateReclose, z.State())
		require.Equal(t, attempt, z.RecloseAttempts())

		now = now.Add(RecloseDelay)
		z.Tick(now, 1.0) // fault still present on reclose test
		if attempt < MaxRecloseAttempts {
			require.Equal(t, StateLocated, z.State())
		}
	}

	require.Equal(t, StatePersistent, z.State())
	require.True(t, z.IsLockedOut())
}

func TestForceClearOverridesPersistentLockout(t *testing.T) {
	now := time.Now()
	sw := newFakeSwitch()
	z := zoneWithNodes("zone-1", sw, "home-1")

	z.Tick(now, 1.0)
	now = now.Add(DetectionDelay)
	z.Tick(now, 1.0)
	now = now.Add(TripDelay)
	z.Tick(now, 0.0)
	for attempt := 1; attempt <= MaxRecloseAttempts; attempt++ {
		now = now.Add(RecloseDelay)
		z.Tick(now, 0.0)
		now = now.Add(RecloseDelay)
		z.Tick(now, 1.0)
	}
	require.True(t, z.IsLockedOut())

	z.ForceClear(now)
	require.Equal(t, StateNormal, z.State())
	require.False(t, z.IsLockedOut())
	require.Equal(t, topology.RelayClosed, sw.states[topology.RelayIDForNode("home-1")])
}

func TestZoneRespectsCustomPriority(t *testing.T) {
	now := time.Now()
	z := zoneWithNodes("zone-1", nil, "home-1", "home-2")
	z.PriorityLess = func(a, b string) bool { return a > b } // reverse lexical

	z.Tick(now, 1.0)
	now = now.Add(DetectionDelay)
	z.Tick(now, 1.0)
	require.Equal(t, []string{"home-2"}, z.IsolatedNodes())
}

func TestManagerCreatesZonesLazilyAndTracksLockouts(t *testing.T) {
	m := NewManager(nil)
	z := m.Zone("zone-1")
	z.AddNode("home-1")
	require.Equal(t, StateNormal, z.State())

	now := time.Now()
	imbalance := 1.0
	m.Tick(now, func(string) float64 { return imbalance })
	require.Equal(t, StateSuspected, z.State())

	now = now.Add(DetectionDelay)
	m.Tick(now, func(string) float64 { return imbalance })
	now = now.Add(TripDelay)
	imbalance = 0.0
	m.Tick(now, func(string) float64 { return imbalance })
	for attempt := 1; attempt <= MaxRecloseAttempts; attempt++ {
		now = now.Add(RecloseDelay)
		imbalance = 0.0
		m.Tick(now, func(string) float64 { return imbalance })
		now = now.Add(RecloseDelay)
		imbalance = 1.0
		m.Tick(now, func(string) float64 { return imbalance })
	}
	require.Contains(t, m.LockedOutZones(), "zone-1")
}
