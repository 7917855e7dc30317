package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memTags struct {
	values map[string]any
}

func newMemTags(seed map[string]any) *memTags {
	return &memTags{values: seed}
}

func (m *memTags) Read(names []string) (map[string]any, error) {
	out := make(map[string]any, len(names))
	for _, n := range names {
		out[n] = m.values[n]
	}
	return out, nil
}

func (m *memTags) Write(names []string, values []any) error {
	for i, n := range names {
		m.values[n] = values[i]
	}
	return nil
}

func TestStorageDischargeDrainsSOC(t *testing.T) {
	tags := newMemTags(nil)
	st := NewStorage("battery-1", "DC.BRANCH1", 0, 1000, 1000, 1000, NewChannel(2, tags), NewChannel(1, tags), 11, 11)
	st.SOC = 0.5

	next := st.ApplySimulatedInput(0.5, 1.0, time.Hour)
	require.Less(t, float64(next), 0.5)
}

func TestStorageChargeFillsSOC(t *testing.T) {
	tags := newMemTags(nil)
	st := NewStorage("battery-1", "DC.BRANCH1", 0, 1000, 1000, 1000, NewChannel(2, tags), NewChannel(1, tags), 11, 11)

	next := st.ApplySimulatedInput(0.5, -1.0, time.Hour)
	require.Greater(t, float64(next), 0.5)
}

func TestStorageCannotDischargeWhenEmpty(t *testing.T) {
	tags := newMemTags(nil)
	st := NewStorage("battery-1", "DC.BRANCH1", 0, 1000, 1000, 1000, NewChannel(2, tags), NewChannel(1, tags), 11, 11)
	require.False(t, st.StateBehaviorCheck(0, 0.5))
	require.True(t, st.StateBehaviorCheck(0, -0.5))
}

func TestStorageCannotChargeWhenFull(t *testing.T) {
	tags := newMemTags(nil)
	st := NewStorage("battery-1", "DC.BRANCH1", 0, 1000, 1000, 1000, NewChannel(2, tags), NewChannel(1, tags), 11, 11)
	require.False(t, st.StateBehaviorCheck(1, -0.5))
	require.True(t, st.StateBehaviorCheck(1, 0.5))
}

func TestLeadAcidSOCTableInterpolation(t *testing.T) {
	require.Equal(t, 0.0, LeadAcidBatterySOCTable.Interpolate(11.0))
	require.Equal(t, 1.0, LeadAcidBatterySOCTable.Interpolate(13.0))
	require.InDelta(t, 0.125, LeadAcidBatterySOCTable.Interpolate(11.9), 1e-9)
}

func TestNewLeadAcidBatterySeedsSOCFromOCV(t *testing.T) {
	tags := newMemTags(map[string]any{"SOURCE_1_REG_VOLTAGE": 12.2})
	battery, err := NewLeadAcidBattery("battery-1", "DC.BRANCH1", 0, 500, 500, 1000, NewChannel(2, tags), NewChannel(1, tags), 11, 11)
	require.NoError(t, err)
	require.InDelta(t, 0.5, battery.SOC, 1e-9)
}

func TestFREGSignalPolarity(t *testing.T) {
	tags := newMemTags(nil)
	st := NewStorage("battery-1", "DC.BRANCH1", 0, 1000, 1000, 1000, NewChannel(2, tags), NewChannel(1, tags), 11, 11)

	power, applied := st.ApplyFREGSignal(0.5, 1000)
	require.True(t, applied)
	require.Equal(t, 500.0, power)

	power, applied = st.ApplyFREGSignal(0, 1000)
	require.True(t, applied)
	require.Equal(t, 0.0, power)

	st.SOC = 0.5
	power, applied = st.ApplyFREGSignal(-0.5, 1000)
	require.True(t, applied)
	require.Equal(t, -500.0, power)

	st.SOC = 0.96
	_, applied = st.ApplyFREGSignal(-0.5, 1000)
	require.False(t, applied, "must not charge above 0.95 SOC")
}

func TestSolarPanelNoPowerAtNight(t *testing.T) {
	ch := NewChannel(3, newMemTags(nil))
	panel := NewSolarPanel("solar-1", "DC.BRANCH1", 0, 5000, ch, 45, 36, 56.9496, 24.1052, 11)

	midnight := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 0.0, panel.AvailablePower(midnight, nil))
}

func TestSolarPanelCloudAttenuates(t *testing.T) {
	ch := NewChannel(3, newMemTags(nil))
	panel := NewSolarPanel("solar-1", "DC.BRANCH1", 0, 5000, ch, 45, 36, 56.9496, 24.1052, 11)

	noon := time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC)
	clear := panel.AvailablePower(noon, map[string]float64{"cloud_cover": 0})
	cloudy := panel.AvailablePower(noon, map[string]float64{"cloud_cover": 100})
	require.Greater(t, clear, cloudy)
}

func TestNewFromConfigDispatchesByType(t *testing.T) {
	tags := newMemTags(map[string]any{"SOURCE_1_REG_VOLTAGE": 12.2})

	d, err := NewFromConfig(Spec{
		Type:              "lead_acid_battery",
		Name:              "battery-1",
		CapCost:           0,
		MaxDischargePower: 500,
		MaxChargePower:    500,
		Capacity:          1000,
		DischargeChannel:  1,
		ChargeChannel:     2,
	}, tags)
	require.NoError(t, err)
	require.Equal(t, "battery-1", string(d.Name()))

	_, err = NewFromConfig(Spec{Type: "wind_turbine", Name: "w1"}, tags)
	require.Error(t, err)
}
