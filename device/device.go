// Package device defines the capability interface shared by every dispatchable
// thing in the grid: Resources (sources, storage, solar) and Appliances. The DP
// planner in package homeplan and the optimization grid in package grid only
// ever talk to a device through this interface, never to a concrete type.
package device

import "time"

// ID names a device within a home or utility's device set. It doubles as the
// map key used throughout grid.Point and bidding.Plan.
type ID string

// State is a device's position in the discretized DP state space. For a
// battery this is SOC; for a heating element it might be a thermostat
// setpoint index; for a pure source it is typically always zero.
type State float64

// Action is a control input applied to a device for one period. For a source
// or storage device this is a per-unit (PU) setpoint; for an appliance it is
// whatever finite actionpoint the appliance defines.
type Action float64

// Device is the tagged-union replacement for runtime type dispatch on
// Resource/Appliance variants. Every variant — Source, Storage, SolarPanel,
// LeadAcidBattery, HeatingElement, Refrigerator, Light — implements it.
type Device interface {
	Name() ID

	IsSource() bool
	IsSink() bool
	IsIntermittent() bool

	// GridPoints is the finite discrete set of states included in the DP
	// grid for this device.
	GridPoints() []State

	// ActionPoints is the finite discrete set of control inputs.
	ActionPoints() []Action

	// GetPowerFromPU scales a per-unit setpoint to watts: positive for
	// source, negative for sink.
	GetPowerFromPU(u Action) float64

	// StateBehaviorCheck reports whether action u is admissible from state
	// s (e.g. a battery must not discharge when empty).
	StateBehaviorCheck(s State, u Action) bool

	// ApplySimulatedInput advances state s by applying action u over dt.
	ApplySimulatedInput(s State, u Action, dt time.Duration) State

	// InputCostFn is the per-period cost of applying action u from state s.
	InputCostFn(u Action, s State, dt time.Duration) float64

	// StateCostFn is the cost attributed to merely occupying state s for a
	// period (e.g. comfort penalty, degradation).
	StateCostFn(s State) float64

	// AvailablePower bounds the PU an intermittent source may request during
	// the period starting at, derived from forecast[environmentalVariable].
	// Non-intermittent devices return +Inf (no bound imposed by this check).
	AvailablePower(at time.Time, forecast map[string]float64) float64
}
