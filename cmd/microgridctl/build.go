package main

import (
	"fmt"
	"log"

	"github.com/devskill-org/microgrid-coordinator/agent"
	"github.com/devskill-org/microgrid-coordinator/appliance"
	"github.com/devskill-org/microgrid-coordinator/config"
	"github.com/devskill-org/microgrid-coordinator/device"
	"github.com/devskill-org/microgrid-coordinator/resource"
	"github.com/devskill-org/microgrid-coordinator/tagclient"
	"github.com/devskill-org/microgrid-coordinator/weather"
)

// buildDevices constructs every resource and appliance cfg names, in the
// same dict-dispatch-to-typed-switch spirit resource.NewFromConfig already
// applies to resources.
func buildDevices(cfg *config.Config, tags resource.TagClient) ([]device.Device, error) {
	devices := make([]device.Device, 0, len(cfg.Resources)+len(cfg.Appliances))

	for _, r := range cfg.Resources {
		d, err := resource.NewFromConfig(resource.Spec{
			Type:              r.Type,
			Name:              r.Name,
			Location:          r.Location,
			CapCost:           r.CapCost,
			MaxDischargePower: r.MaxDischargePower,
			DischargeChannel:  r.DischargeChannel,
			MaxChargePower:    r.MaxChargePower,
			Capacity:          r.Capacity,
			ChargeChannel:     r.ChargeChannel,
			Voc:               r.Voc,
			Vmpp:              r.Vmpp,
			Latitude:          r.Latitude,
			Longitude:         r.Longitude,
		}, tags)
		if err != nil {
			return nil, fmt.Errorf("build resource %q: %w", r.Name, err)
		}
		devices = append(devices, d)
	}

	for _, a := range cfg.Appliances {
		gridSteps, actionSteps := a.GridSteps, a.ActionSteps
		switch a.Type {
		case "heating_element":
			devices = append(devices, appliance.NewHeatingElement(a.Name, a.NominalPower, a.TargetSetpoint, a.DiscomfortWeight, a.ThermalLoss, gridSteps, actionSteps))
		case "refrigerator":
			devices = append(devices, appliance.NewRefrigerator(a.Name, a.NominalPower, a.WarmThreshold, a.SpoilageWeight, a.WarmRate, gridSteps, actionSteps))
		case "light":
			devices = append(devices, appliance.NewLight(a.Name, a.NominalPower, actionSteps))
		default:
			return nil, fmt.Errorf("build appliance %q: unknown type %q", a.Name, a.Type)
		}
	}

	return devices, nil
}

// buildActuator returns the ActuationFunc a Home dispatches cleared actions
// through. Resource devices carry their live hardware connection on an
// unexported *resource.Channel field (DischargeChannel/ChargeChannel), not a
// method promoted onto the device.Device interface, so actuation has to
// switch on the concrete resource type rather than type-assert the
// interface value. Appliances have no PLC channel and fall through to a
// no-op, matching how their cleared actions only ever feed the simulated
// state transition.
func buildActuator(devices []device.Device, dryRun bool, logger *log.Logger) agent.ActuationFunc {
	byName := make(map[device.ID]device.Device, len(devices))
	for _, d := range devices {
		byName[d.Name()] = d
	}

	return func(name device.ID, action device.Action) error {
		if dryRun {
			logger.Printf("dry-run: would actuate %s -> %.3f", name, action)
			return nil
		}
		d, ok := byName[name]
		if !ok {
			return fmt.Errorf("actuate: unknown device %s", name)
		}
		switch dev := d.(type) {
		case *resource.LeadAcidBattery:
			return actuateStorage(&dev.Storage, action)
		case *resource.Storage:
			return actuateStorage(dev, action)
		case *resource.SolarPanel:
			return actuateSource(&dev.Source, action)
		case *resource.Source:
			return actuateSource(dev, action)
		default:
			return nil
		}
	}
}

// actuateSource dispatches a cleared PU action through a Source's single
// discharge channel, connecting it on first use.
func actuateSource(s *resource.Source, action device.Action) error {
	ch := s.DischargeChannel
	if ch == nil {
		return nil
	}
	powerW := s.GetPowerFromPU(action)
	if !ch.Connected() {
		return ch.ConnectWithSet(powerW, 0)
	}
	return ch.ChangeSetpoint(powerW)
}

// actuateStorage routes a cleared PU action to the discharge channel for
// positive actions and the charge channel for negative ones, matching
// Storage.ApplySimulatedInput's own split on the sign of u.
func actuateStorage(s *resource.Storage, action device.Action) error {
	if action >= 0 {
		return actuateSource(&s.Source, action)
	}
	ch := s.ChargeChannel
	if ch == nil {
		return nil
	}
	// Charging (u<0) scales by MaxChargePower, the same split
	// Storage.GetPowerFromPU and Storage.ApplySimulatedInput apply, with the
	// sign flipped so the charge channel receives a positive setpoint.
	powerW := -float64(action) * s.MaxChargePower
	if !ch.Connected() {
		return ch.ConnectWithSet(powerW, 0)
	}
	return ch.ChangeSetpoint(powerW)
}

// channelTagSuffixes lists every tag a resource.Channel reads or writes,
// per resource.Channel.tagName's SOURCE_<n>_<suffix> scheme.
var channelTagSuffixes = []string{"REG_VOLTAGE", "UNREG_VOLTAGE", "REG_CURRENT", "UNREG_CURRENT", "SETPOINT", "DROOP"}

// buildAddressMap assigns each configured resource's charge/discharge
// channel number a contiguous block of holding registers, one per tag the
// channel reads or writes. This is a placement policy cmd owns, not
// something tagclient or resource dictate — a real deployment wires its own
// register map to match its PLC program.
func buildAddressMap(cfg *config.Config) tagclient.AddressMap {
	addrs := make(tagclient.AddressMap)
	seen := make(map[int]bool)
	addChannel := func(ch int) {
		if ch == 0 || seen[ch] {
			return
		}
		seen[ch] = true
		base := uint16(ch) * uint16(len(channelTagSuffixes))
		for i, suffix := range channelTagSuffixes {
			name := fmt.Sprintf("SOURCE_%d_%s", ch, suffix)
			addrs[name] = tagclient.Address{Register: base + uint16(i)}
		}
	}
	for _, r := range cfg.Resources {
		addChannel(r.DischargeChannel)
		addChannel(r.ChargeChannel)
	}
	return addrs
}

// solarLocation returns the first configured solar resource's coordinates,
// the query point a home's weather poll uses — spec.md ties one home to one
// physical site, so one location per agent is sufficient.
func solarLocation(cfg *config.Config) (weather.Location, bool) {
	for _, r := range cfg.Resources {
		if r.Type == "solar" {
			return weather.Location{Latitude: r.Latitude, Longitude: r.Longitude}, true
		}
	}
	return weather.Location{}, false
}
