package appliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devskill-org/microgrid-coordinator/device"
)

func TestHeatingElementCostGrowsWithDistanceFromTarget(t *testing.T) {
	h := NewHeatingElement("heater-1", 1500, 0.5, 10, 0.1, 11, 11)
	require.Less(t, h.StateCostFn(0.5), h.StateCostFn(0.9))
	require.Equal(t, 0.0, h.StateCostFn(0.5))
}

func TestHeatingElementWarmsUnderInputCoolsOtherwise(t *testing.T) {
	h := NewHeatingElement("heater-1", 1500, 0.5, 10, 0.1, 11, 11)
	heated := h.ApplySimulatedInput(0.5, 1.0, time.Hour)
	require.Greater(t, float64(heated), 0.5)

	cooled := h.ApplySimulatedInput(0.5, 0.0, time.Hour)
	require.Less(t, float64(cooled), 0.5)
}

func TestRefrigeratorSpoilageCostOnlyAboveThreshold(t *testing.T) {
	r := NewRefrigerator("fridge-1", 150, 0.6, 5, 0.05, 11, 11)
	require.Equal(t, 0.0, r.StateCostFn(0.5))
	require.Greater(t, r.StateCostFn(0.8), 0.0)
}

func TestLightHasNoInternalState(t *testing.T) {
	l := NewLight("light-1", 60, 11)
	next := l.ApplySimulatedInput(0, 1.0, time.Hour)
	require.Equal(t, device.State(0), next)
	require.Equal(t, 0.0, l.StateCostFn(0))
}

func TestGetPowerFromPUIsSinkConvention(t *testing.T) {
	l := NewLight("light-1", 60, 11)
	require.Equal(t, -60.0, l.GetPowerFromPU(1.0))
}

var _ device.Device = (*HeatingElement)(nil)
var _ device.Device = (*Refrigerator)(nil)
var _ device.Device = (*Light)(nil)
