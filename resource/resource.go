// Package resource implements spec.md component C3: Source, Storage,
// SolarPanel, LeadAcidBattery and their Channels. Runtime type dispatch on
// these variants (the original's `res is LeadAcidBattery` identity checks)
// is replaced by having every variant implement device.Device, per spec.md's
// design notes.
package resource

import (
	"fmt"
	"math"
	"time"

	"github.com/devskill-org/microgrid-coordinator/device"
)

var (
	_ device.Device = (*Source)(nil)
	_ device.Device = (*Storage)(nil)
	_ device.Device = (*LeadAcidBattery)(nil)
	_ device.Device = (*SolarPanel)(nil)
)

// TagClient is the minimal subset of tagclient.Client a resource needs:
// reading channel voltage/current and writing setpoints. Kept as a local
// interface so this package depends only on the shape it uses, not on the
// tagclient package's Modbus internals.
type TagClient interface {
	Read(names []string) (map[string]any, error)
	Write(names []string, values []any) error
}

// Channel is a physical connection point on a DC bus, identified by a
// channel number, exposing the regulated/unregulated voltage and current tag
// reads and the primary-control operations of spec.md section 4.5.
type Channel struct {
	Number    int
	connected bool
	tags      TagClient
}

// NewChannel creates a Channel addressed by number, reading/writing tags
// through tags (nil is permitted for Devices exercised without a live PLC,
// e.g. in DP simulation).
func NewChannel(number int, tags TagClient) *Channel {
	return &Channel{Number: number, tags: tags}
}

func (c *Channel) tagName(suffix string) string {
	return fmt.Sprintf("SOURCE_%d_%s", c.Number, suffix)
}

// GetRegV reads the channel's regulated voltage.
func (c *Channel) GetRegV() (float64, error) { return c.readFloat("REG_VOLTAGE") }

// GetUnregV reads the channel's unregulated voltage.
func (c *Channel) GetUnregV() (float64, error) { return c.readFloat("UNREG_VOLTAGE") }

// GetRegI reads the channel's regulated current.
func (c *Channel) GetRegI() (float64, error) { return c.readFloat("REG_CURRENT") }

// GetUnregI reads the channel's unregulated current.
func (c *Channel) GetUnregI() (float64, error) { return c.readFloat("UNREG_CURRENT") }

func (c *Channel) readFloat(suffix string) (float64, error) {
	if c.tags == nil {
		return 0, fmt.Errorf("resource: channel %d has no tag client attached", c.Number)
	}
	name := c.tagName(suffix)
	values, err := c.tags.Read([]string{name})
	if err != nil {
		return 0, fmt.Errorf("resource: %w", err)
	}
	f, ok := values[name].(float64)
	if !ok {
		return 0, fmt.Errorf("resource: tag %s did not return a float64", name)
	}
	return f, nil
}

// ConnectWithSet closes the channel at a fixed setpoint with the given
// primary-control droop, per spec.md section 4.5's utility enactPlan.
func (c *Channel) ConnectWithSet(setpoint, droop float64) error {
	if err := c.writeSetpoint(setpoint, droop); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// ChangeSetpoint adjusts an already-connected channel's setpoint.
func (c *Channel) ChangeSetpoint(setpoint float64) error {
	if !c.connected {
		return fmt.Errorf("resource: channel %d is not connected", c.Number)
	}
	return c.writeSetpoint(setpoint, 0)
}

// ChangeReserve configures an already-connected channel to hold headroom
// rather than dispatch power, per spec.md section 4.5.
func (c *Channel) ChangeReserve(headroom, droop float64) error {
	if !c.connected {
		return fmt.Errorf("resource: channel %d is not connected", c.Number)
	}
	return c.writeSetpoint(headroom, droop)
}

// Disconnect opens the channel.
func (c *Channel) Disconnect() error {
	if c.tags != nil {
		name := c.tagName("SETPOINT")
		if err := c.tags.Write([]string{name}, []any{float64(0)}); err != nil {
			return fmt.Errorf("resource: %w", err)
		}
	}
	c.connected = false
	return nil
}

// Connected reports the channel's primary-control connection state.
func (c *Channel) Connected() bool { return c.connected }

func (c *Channel) writeSetpoint(setpoint, droop float64) error {
	if c.tags == nil {
		return nil
	}
	names := []string{c.tagName("SETPOINT"), c.tagName("DROOP")}
	values := []any{setpoint, droop}
	if err := c.tags.Write(names, values); err != nil {
		return fmt.Errorf("resource: %w", err)
	}
	return nil
}

// Base holds the fields common to every Resource variant.
type Base struct {
	OwnerName string
	Location  string
	ResName   string
	CapCost   float64
}

// SetOwner transfers ownership, as the original Resource.setOwner does.
func (b *Base) SetOwner(newOwner string) { b.OwnerName = newOwner }

// Source is a resource that can only deliver power onto the bus.
type Source struct {
	Base
	MaxDischargePower float64
	DischargeChannel  *Channel

	// actionSteps sizes the discretized action set for this device; plain
	// Sources have no internal state so GridPoints is always {0}.
	actionSteps int
}

// NewSource constructs a plain dispatchable source (e.g. a generator with no
// storage) addressed by its discharge channel.
func NewSource(name, location string, capCost, maxDischargePower float64, dischargeChannel *Channel, actionSteps int) *Source {
	if actionSteps < 2 {
		actionSteps = 2
	}
	return &Source{
		Base:              Base{ResName: name, Location: location, CapCost: capCost},
		MaxDischargePower: maxDischargePower,
		DischargeChannel:  dischargeChannel,
		actionSteps:       actionSteps,
	}
}

func (s *Source) Name() device.ID              { return device.ID(s.ResName) }
func (s *Source) IsSource() bool              { return true }
func (s *Source) IsSink() bool                { return false }
func (s *Source) IsIntermittent() bool        { return false }
func (s *Source) GridPoints() []device.State   { return []device.State{0} }
func (s *Source) ActionPoints() []device.Action {
	return linspaceActions(0, 1, s.actionSteps)
}
func (s *Source) GetPowerFromPU(u device.Action) float64 { return float64(u) * s.MaxDischargePower }
func (s *Source) StateBehaviorCheck(device.State, device.Action) bool { return true }
func (s *Source) ApplySimulatedInput(st device.State, _ device.Action, _ time.Duration) device.State {
	return st
}
func (s *Source) InputCostFn(device.Action, device.State, time.Duration) float64 { return 0 }
func (s *Source) StateCostFn(device.State) float64                             { return 0 }
func (s *Source) AvailablePower(time.Time, map[string]float64) float64        { return math.Inf(1) }

// Storage is a Source that can also absorb power (charge), with a SOC state.
type Storage struct {
	Source
	ChargeChannel  *Channel
	MaxChargePower float64
	Capacity       float64 // Wh
	SOC            float64 // [0,1]
	Energy         float64

	gridSteps int
}

// NewStorage constructs a generic battery/storage device.
func NewStorage(name, location string, capCost, maxDischargePower, maxChargePower, capacity float64, chargeChannel, dischargeChannel *Channel, gridSteps, actionSteps int) *Storage {
	if gridSteps < 2 {
		gridSteps = 2
	}
	return &Storage{
		Source:         *NewSource(name, location, capCost, maxDischargePower, dischargeChannel, actionSteps),
		ChargeChannel:  chargeChannel,
		MaxChargePower: maxChargePower,
		Capacity:       capacity,
		gridSteps:      gridSteps,
	}
}

func (s *Storage) IsSink() bool { return true }

func (s *Storage) GridPoints() []device.State {
	points := make([]device.State, s.gridSteps)
	for i := 0; i < s.gridSteps; i++ {
		points[i] = device.State(float64(i) / float64(s.gridSteps-1))
	}
	return points
}

func (s *Storage) ActionPoints() []device.Action {
	return linspaceActions(-1, 1, s.actionSteps)
}

// StateBehaviorCheck enforces "a battery must not discharge when empty, nor
// charge when full", per spec.md section 4.2.
func (s *Storage) StateBehaviorCheck(st device.State, u device.Action) bool {
	if u > 0 && st <= 0 {
		return false
	}
	if u < 0 && st >= 1 {
		return false
	}
	return true
}

// ApplySimulatedInput integrates PU power over dt into SOC, clamped to
// [0, 1].
func (s *Storage) ApplySimulatedInput(st device.State, u device.Action, dt time.Duration) device.State {
	if s.Capacity <= 0 {
		return st
	}
	hours := dt.Hours()
	var powerW float64
	if u >= 0 {
		powerW = float64(u) * s.MaxDischargePower
	} else {
		powerW = float64(u) * s.MaxChargePower
	}
	deltaSOC := -(powerW * hours) / s.Capacity
	next := float64(st) + deltaSOC
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	return device.State(next)
}

// GetPowerFromPU scales to discharge or charge power depending on sign.
func (s *Storage) GetPowerFromPU(u device.Action) float64 {
	if u >= 0 {
		return float64(u) * s.MaxDischargePower
	}
	return float64(u) * s.MaxChargePower
}

// ApplyFREGSignal implements the frequency-regulation channel polarity
// resolution of spec.md section 9: s>0 discharges at FREG_power*s, s=0
// cancels the offset, s<0 charges at |s|*FREG_power subject to SOC<0.95.
func (s *Storage) ApplyFREGSignal(signal, fregPower float64) (powerW float64, applied bool) {
	switch {
	case signal > 0:
		return fregPower * signal, true
	case signal == 0:
		return 0, true
	default:
		if s.SOC >= 0.95 {
			return 0, false
		}
		return -math.Abs(signal) * fregPower, true
	}
}

// SOCTable is a piecewise-linear open-circuit-voltage to SOC table, shared
// with LeadAcidBattery's class-level table in the original implementation.
type SOCTable []struct {
	SOC     float64
	VoltsOC float64
}

// LeadAcidBatterySOCTable is the original implementation's fixed table:
// (0, 11.8V), (0.25, 12.0V), (0.5, 12.2V), (0.75, 12.4V), (1.0, 12.7V).
var LeadAcidBatterySOCTable = SOCTable{
	{0, 11.8}, {0.25, 12.0}, {0.5, 12.2}, {0.75, 12.4}, {1.0, 12.7},
}

// Interpolate performs linear interpolation of the table against an
// observed open-circuit voltage, clamping to the table's endpoints.
func (t SOCTable) Interpolate(voltage float64) float64 {
	if len(t) == 0 {
		return 0
	}
	if voltage <= t[0].VoltsOC {
		return t[0].SOC
	}
	if voltage >= t[len(t)-1].VoltsOC {
		return t[len(t)-1].SOC
	}
	for i := 0; i < len(t)-1; i++ {
		lo, hi := t[i], t[i+1]
		if voltage >= lo.VoltsOC && voltage <= hi.VoltsOC {
			frac := (voltage - lo.VoltsOC) / (hi.VoltsOC - lo.VoltsOC)
			return lo.SOC + frac*(hi.SOC-lo.SOC)
		}
	}
	return t[len(t)-1].SOC
}

// LeadAcidBattery is a Storage that infers SOC from open-circuit voltage via
// LeadAcidBatterySOCTable, per the original implementation.
type LeadAcidBattery struct {
	Storage
	CycleLife int
}

// NewLeadAcidBattery constructs a lead-acid battery and seeds SOC from the
// current open-circuit voltage, mirroring the original constructor's
// immediate getSOCfromOCV call.
func NewLeadAcidBattery(name, location string, capCost, maxDischargePower, maxChargePower, capacity float64, chargeChannel, dischargeChannel *Channel, gridSteps, actionSteps int) (*LeadAcidBattery, error) {
	b := &LeadAcidBattery{
		Storage:   *NewStorage(name, location, capCost, maxDischargePower, maxChargePower, capacity, chargeChannel, dischargeChannel, gridSteps, actionSteps),
		CycleLife: 1000,
	}
	soc, err := b.SOCFromOCV()
	if err != nil {
		// An unavailable PLC at construction time leaves SOC at 0; the
		// battery is returned together with the error, and the caller
		// decides whether setup fails (buildDevices treats it as fatal).
		b.SOC = 0
		return b, fmt.Errorf("resource: initial SOC read failed, defaulting to 0: %w", err)
	}
	b.SOC = soc
	return b, nil
}

// SOCFromOCV reads the discharge channel's regulated voltage and maps it to
// SOC via LeadAcidBatterySOCTable, per the original's getSOCfromOCV.
func (b *LeadAcidBattery) SOCFromOCV() (float64, error) {
	voltage, err := b.DischargeChannel.GetRegV()
	if err != nil {
		return 0, err
	}
	return LeadAcidBatterySOCTable.Interpolate(voltage), nil
}

// SolarPanel is an intermittent Source whose available power is bounded by
// forecast irradiance, via solar-position geometry the way
// scheduler.estimateSolarPowerFromWeather derives a solar angle factor.
type SolarPanel struct {
	Source
	Voc                float64
	Vmpp               float64
	AmortizationPeriod int
	Latitude           float64
	Longitude          float64
}

// NewSolarPanel constructs a solar source at a given geographic location.
func NewSolarPanel(name, location string, capCost, maxDischargePower float64, dischargeChannel *Channel, voc, vmpp, lat, lon float64, actionSteps int) *SolarPanel {
	return &SolarPanel{
		Source:             *NewSource(name, location, capCost, maxDischargePower, dischargeChannel, actionSteps),
		Voc:                voc,
		Vmpp:               vmpp,
		AmortizationPeriod: 1000,
		Latitude:           lat,
		Longitude:          lon,
	}
}

func (p *SolarPanel) IsIntermittent() bool { return true }

// AvailablePower bounds PU by solar geometry (sine of solar altitude) times
// any cloud-cover attenuation present in forecast["cloud_cover"], matching
// the factor composition of the teacher's estimateSolarPowerFromWeather.
func (p *SolarPanel) AvailablePower(at time.Time, forecast map[string]float64) float64 {
	altitudeFactor := solarAltitudeFactor(at, p.Latitude, p.Longitude)
	if altitudeFactor <= 0 {
		return 0
	}

	cloudFactor := 1.0
	if cloudCover, ok := forecast["cloud_cover"]; ok {
		cloudFactor = 1.0 - (cloudCover/100.0)*0.90
	}

	return altitudeFactor * cloudFactor
}

// linspaceActions returns n evenly spaced action points from lo to hi
// inclusive, the finite actionpoints set spec.md section 3 requires every
// device to expose.
func linspaceActions(lo, hi float64, n int) []device.Action {
	if n < 2 {
		n = 2
	}
	points := make([]device.Action, n)
	step := (hi - lo) / float64(n-1)
	for i := 0; i < n; i++ {
		points[i] = device.Action(lo + float64(i)*step)
	}
	return points
}
