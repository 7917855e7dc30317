// Package appliance implements spec.md component C4: HeatingElement,
// Refrigerator and Light, each exposing the device.Device capability
// interface with a closed-form cost function rather than a physical
// simulation (the physical behaviour itself is out of scope per spec.md
// section 1 — "appliance physical simulation ... we only need its cost and
// state-transition interfaces").
package appliance

import (
	"math"
	"time"

	"github.com/devskill-org/microgrid-coordinator/device"
)

// base holds the fields and grid/action discretization shared by every
// appliance variant.
type base struct {
	name         device.ID
	nominalPower float64
	gridPoints   []device.State
	actionPoints []device.Action
}

func newBase(name string, nominalPower float64, gridSteps, actionSteps int) base {
	if gridSteps < 2 {
		gridSteps = 2
	}
	if actionSteps < 2 {
		actionSteps = 2
	}
	grid := make([]device.State, gridSteps)
	for i := range grid {
		grid[i] = device.State(float64(i) / float64(gridSteps-1))
	}
	actions := make([]device.Action, actionSteps)
	for i := range actions {
		actions[i] = device.Action(float64(i) / float64(actionSteps-1))
	}
	return base{name: device.ID(name), nominalPower: nominalPower, gridPoints: grid, actionPoints: actions}
}

func (b base) Name() device.ID                { return b.name }
func (b base) IsSource() bool                 { return false }
func (b base) IsSink() bool                   { return true }
func (b base) IsIntermittent() bool           { return false }
func (b base) GridPoints() []device.State     { return b.gridPoints }
func (b base) ActionPoints() []device.Action  { return b.actionPoints }
func (b base) GetPowerFromPU(u device.Action) float64 { return -float64(u) * b.nominalPower }
func (b base) AvailablePower(time.Time, map[string]float64) float64 {
	return math.Inf(1) // appliances are not intermittent; no forecast-derived ceiling.
}

// HeatingElement models a resistive load with a thermostat-style setpoint
// state and a comfort cost that grows quadratically as the setpoint drifts
// from a target temperature.
type HeatingElement struct {
	base
	TargetSetpoint     device.State
	DiscomfortWeight   float64
	ThermalLossPerStep device.State
}

// NewHeatingElement constructs a heating element with nominalPower watts at
// full output, discretized into gridSteps states and actionSteps inputs.
func NewHeatingElement(name string, nominalPower, targetSetpoint, discomfortWeight, thermalLoss float64, gridSteps, actionSteps int) *HeatingElement {
	return &HeatingElement{
		base:               newBase(name, nominalPower, gridSteps, actionSteps),
		TargetSetpoint:     device.State(targetSetpoint),
		DiscomfortWeight:   discomfortWeight,
		ThermalLossPerStep: device.State(thermalLoss),
	}
}

func (h *HeatingElement) StateBehaviorCheck(device.State, device.Action) bool { return true }

// ApplySimulatedInput raises the setpoint state by input×hours and, on every
// call, lowers it by ThermalLossPerStep×hours, clamped to [0, 1].
func (h *HeatingElement) ApplySimulatedInput(s device.State, u device.Action, dt time.Duration) device.State {
	hours := dt.Hours()
	next := float64(s) + float64(u)*hours - float64(h.ThermalLossPerStep)*hours
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	return device.State(next)
}

func (h *HeatingElement) InputCostFn(u device.Action, s device.State, dt time.Duration) float64 {
	return 0
}

// StateCostFn is a discomfort penalty: quadratic in distance from
// TargetSetpoint, weighted by DiscomfortWeight.
func (h *HeatingElement) StateCostFn(s device.State) float64 {
	delta := float64(s) - float64(h.TargetSetpoint)
	return h.DiscomfortWeight * delta * delta
}

// Refrigerator models a thermal-mass cooling load: state is normalized
// internal temperature (0=coldest, 1=warmest), cost penalizes spoilage risk
// above a warm threshold.
type Refrigerator struct {
	base
	WarmThreshold  device.State
	SpoilageWeight float64
	WarmRatePerHour device.State
}

// NewRefrigerator constructs a refrigerator load.
func NewRefrigerator(name string, nominalPower, warmThreshold, spoilageWeight, warmRate float64, gridSteps, actionSteps int) *Refrigerator {
	return &Refrigerator{
		base:            newBase(name, nominalPower, gridSteps, actionSteps),
		WarmThreshold:   device.State(warmThreshold),
		SpoilageWeight:  spoilageWeight,
		WarmRatePerHour: device.State(warmRate),
	}
}

func (r *Refrigerator) StateBehaviorCheck(device.State, device.Action) bool { return true }

// ApplySimulatedInput cools by u×hours and, on every call, warms passively by
// WarmRatePerHour×hours, clamped to [0, 1].
func (r *Refrigerator) ApplySimulatedInput(s device.State, u device.Action, dt time.Duration) device.State {
	hours := dt.Hours()
	next := float64(s) - float64(u)*hours + float64(r.WarmRatePerHour)*hours
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	return device.State(next)
}

func (r *Refrigerator) InputCostFn(u device.Action, s device.State, dt time.Duration) float64 {
	return 0
}

// StateCostFn penalizes states above WarmThreshold (spoilage risk).
func (r *Refrigerator) StateCostFn(s device.State) float64 {
	if s <= r.WarmThreshold {
		return 0
	}
	over := float64(s - r.WarmThreshold)
	return r.SpoilageWeight * over * over
}

// Light is a simple on/off load with no internal state beyond the action
// applied — its statecost is always zero, and its only cost is the
// dispatched power itself, reflected through the bid rate rather than a
// planner-internal cost term.
type Light struct {
	base
}

// NewLight constructs a light load.
func NewLight(name string, nominalPower float64, actionSteps int) *Light {
	return &Light{base: newBase(name, nominalPower, 2, actionSteps)}
}

func (l *Light) StateBehaviorCheck(device.State, device.Action) bool { return true }

func (l *Light) ApplySimulatedInput(s device.State, _ device.Action, _ time.Duration) device.State {
	return s
}

func (l *Light) InputCostFn(device.Action, device.State, time.Duration) float64 { return 0 }
func (l *Light) StateCostFn(device.State) float64                              { return 0 }
