package grid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devskill-org/microgrid-coordinator/device"
)

const dev device.ID = "battery-1"

func linspace(lo, hi float64, n int) []device.State {
	out := make([]device.State, n)
	for i := range out {
		out[i] = device.State(lo + (hi-lo)*float64(i)/float64(n-1))
	}
	return out
}

func pt(v float64) Point { return Point{dev: device.State(v)} }

func TestInterpolateAtGridPointReturnsExactValue(t *testing.T) {
	points := CartesianProduct(map[device.ID][]device.State{dev: linspace(0, 1, 11)})
	g := NewStateGrid(points)
	g.Set(pt(0.5), 42.0)

	require.Equal(t, 42.0, g.Interpolate(pt(0.5)))
}

func TestInterpolateBetweenPointsIsWeightedAverage(t *testing.T) {
	points := []Point{pt(0), pt(1)}
	g := NewStateGrid(points)
	g.Set(pt(0), 0)
	g.Set(pt(1), 10)

	mid := g.Interpolate(pt(0.5))
	require.InDelta(t, 5.0, mid, 1e-9, "equidistant points average evenly regardless of power")

	near0 := g.Interpolate(pt(0.1))
	require.Less(t, near0, mid, "closer to the low point, interpolated value should skew low")
}

func TestInterpolateEmptyGridReturnsZero(t *testing.T) {
	g := NewStateGrid(nil)
	require.Equal(t, 0.0, g.Interpolate(pt(0.3)))
}

func TestInputSignalInterpolatesRecordedOptima(t *testing.T) {
	sig := NewInputSignal()
	require.False(t, sig.Defined())
	require.Nil(t, sig.Interpolate(pt(0.5)))

	sig.Set(pt(0), map[device.ID]device.Action{dev: 1.0})
	sig.Set(pt(1), map[device.ID]device.Action{dev: -1.0})
	require.True(t, sig.Defined())
	require.Equal(t, device.Action(1.0), sig.Interpolate(pt(0))[dev])
	require.InDelta(t, 0.0, float64(sig.Interpolate(pt(0.5))[dev]), 1e-9)
}

func TestInputSignalDefaultsToNilWhenNoOptimumRecorded(t *testing.T) {
	sig := NewInputSignal()
	require.Nil(t, sig.Interpolate(pt(0.7)))
}

func TestCartesianProductBuildsEveryJointCombination(t *testing.T) {
	points := CartesianProduct(map[device.ID][]device.State{
		"a": {0, 1},
		"b": {0, 1, 2},
	})
	require.Len(t, points, 6)
}
