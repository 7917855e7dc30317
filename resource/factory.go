package resource

import (
	"fmt"

	"github.com/devskill-org/microgrid-coordinator/device"
)

// Spec is the typed equivalent of the original implementation's
// addResource(strlist, classlist) dict dispatcher: one record describing a
// physical resource to construct, dispatched on Type rather than inspecting
// an untyped dict.
type Spec struct {
	Type              string
	Name              string
	Location          string
	CapCost           float64
	MaxDischargePower float64
	DischargeChannel  int
	MaxChargePower    float64
	Capacity          float64
	ChargeChannel     int
	Voc               float64
	Vmpp              float64
	Latitude          float64
	Longitude         float64
	GridSteps         int
	ActionSteps       int
}

// NewFromConfig constructs the device.Device variant named by spec.Type,
// replacing the original's dict-as-kwargs addResource dispatcher with an
// explicit switch over an enumerated, typed record.
func NewFromConfig(spec Spec, tags TagClient) (device.Device, error) {
	gridSteps := spec.GridSteps
	if gridSteps == 0 {
		gridSteps = 11
	}
	actionSteps := spec.ActionSteps
	if actionSteps == 0 {
		actionSteps = 11
	}

	switch spec.Type {
	case "solar":
		dischargeCh := NewChannel(spec.DischargeChannel, tags)
		return NewSolarPanel(spec.Name, spec.Location, spec.CapCost, spec.MaxDischargePower, dischargeCh, spec.Voc, spec.Vmpp, spec.Latitude, spec.Longitude, actionSteps), nil
	case "lead_acid_battery":
		dischargeCh := NewChannel(spec.DischargeChannel, tags)
		chargeCh := NewChannel(spec.ChargeChannel, tags)
		battery, err := NewLeadAcidBattery(spec.Name, spec.Location, spec.CapCost, spec.MaxDischargePower, spec.MaxChargePower, spec.Capacity, chargeCh, dischargeCh, gridSteps, actionSteps)
		if err != nil {
			// The original's addResource silently skips an unconstructible
			// entry; here the caller gets a real error plus the partially
			// initialized battery back, and may choose either response.
			return battery, err
		}
		return battery, nil
	default:
		return nil, fmt.Errorf("resource: unknown resource type %q", spec.Type)
	}
}
