// Package config loads and validates the flat per-agent configuration record
// described in spec.md section 6: agent identity, location, resource and
// appliance definitions, window sizing, and the addresses of the collaborator
// services (bus, tag client, weather, persistence).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Role distinguishes the two agent roles that share this coordination core.
type Role string

const (
	RoleUtility Role = "utility"
	RoleHome    Role = "home"
)

// ResourceSpec is the typed equivalent of the original implementation's
// dict-as-kwargs resource constructor (resources.resource.addResource):
// one record per physical resource the agent owns, dispatched by Type.
type ResourceSpec struct {
	Type              string  `json:"type"` // "solar" | "lead_acid_battery"
	Name              string  `json:"name"`
	Location          string  `json:"location"`
	CapCost           float64 `json:"cap_cost"`
	MaxDischargePower float64 `json:"max_discharge_power"`
	DischargeChannel  int     `json:"discharge_channel"`
	MaxChargePower    float64 `json:"max_charge_power,omitempty"`
	Capacity          float64 `json:"capacity,omitempty"`
	ChargeChannel     int     `json:"charge_channel,omitempty"`
	Voc               float64 `json:"voc,omitempty"`
	Vmpp              float64 `json:"vmpp,omitempty"`
	Latitude          float64 `json:"latitude,omitempty"`
	Longitude         float64 `json:"longitude,omitempty"`
}

// ApplianceSpec configures one appliance the agent's DP planner dispatches.
type ApplianceSpec struct {
	Type         string  `json:"type"` // "heating_element" | "refrigerator" | "light"
	Name         string  `json:"name"`
	NominalPower float64 `json:"nominal_power"`
	GridSteps    int     `json:"grid_steps"`
	ActionSteps  int     `json:"action_steps"`

	// heating_element
	TargetSetpoint   float64 `json:"target_setpoint,omitempty"`
	DiscomfortWeight float64 `json:"discomfort_weight,omitempty"`
	ThermalLoss      float64 `json:"thermal_loss,omitempty"`

	// refrigerator
	WarmThreshold  float64 `json:"warm_threshold,omitempty"`
	SpoilageWeight float64 `json:"spoilage_weight,omitempty"`
	WarmRate       float64 `json:"warm_rate,omitempty"`
}

// Config is the flat per-agent configuration record of spec.md section 6.
type Config struct {
	AgentID  string `json:"agentid"`
	Name     string `json:"name"`
	Location string `json:"location"` // e.g. "DC.BRANCH1.BUS1.LOAD1"
	Role     Role   `json:"role"`

	Resources  []ResourceSpec  `json:"resources"`
	Appliances []ApplianceSpec `json:"appliances"`

	RefLoad      float64 `json:"refload"`
	WindowLength int     `json:"windowlength"`
	FREGPart     bool    `json:"fregpart"`
	DRPart       bool    `json:"drpart"`

	PlanInterval          time.Duration `json:"plan_interval"`
	AnnouncePeriodInterval time.Duration `json:"announce_period_interval"`
	AccountingInterval    time.Duration `json:"accounting_interval"`
	FaultDetectionInterval time.Duration `json:"fault_detection_interval"`
	SecondaryVoltageInterval time.Duration `json:"secondary_voltage_interval"`
	SimStepInterval       time.Duration `json:"simstep_interval"`
	SolicitationWindow    time.Duration `json:"solicitation_window"`

	BusAddress       string `json:"bus_address"`
	TagClientAddress string `json:"tag_client_address"`
	WeatherAddress   string `json:"weather_address"`
	PostgresDSN      string `json:"postgres_dsn"`
	HealthCheckPort  int    `json:"health_check_port"`

	TagStalenessThreshold time.Duration `json:"tag_staleness_threshold"`
}

// DefaultConfig returns operational defaults, overridden by whatever the
// caller decodes on top of it.
func DefaultConfig() *Config {
	return &Config{
		Role:                     RoleHome,
		WindowLength:             6,
		FREGPart:                 false,
		DRPart:                   false,
		PlanInterval:             15 * time.Minute,
		AnnouncePeriodInterval:   1 * time.Minute,
		AccountingInterval:       5 * time.Minute,
		FaultDetectionInterval:   20 * time.Millisecond,
		SecondaryVoltageInterval: 1 * time.Second,
		SimStepInterval:          1 * time.Second,
		SolicitationWindow:       5 * time.Second,
		TagStalenessThreshold:    2 * time.Second,
		HealthCheckPort:          0,
	}
}

// LoadConfig loads and validates configuration from a JSON file.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads and validates configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter writes the configuration to an io.Writer.
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}

	return nil
}

// Validate checks configuration values are in range.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agentid cannot be empty")
	}

	if c.Location == "" {
		return fmt.Errorf("location cannot be empty")
	}

	if c.Role != RoleUtility && c.Role != RoleHome {
		return fmt.Errorf("invalid role: %s, must be one of: utility, home", c.Role)
	}

	if c.WindowLength <= 0 {
		return fmt.Errorf("windowlength must be greater than 0, got: %d", c.WindowLength)
	}

	if c.PlanInterval <= 0 {
		return fmt.Errorf("plan_interval must be greater than 0, got: %s", c.PlanInterval)
	}

	if c.AnnouncePeriodInterval <= 0 {
		return fmt.Errorf("announce_period_interval must be greater than 0, got: %s", c.AnnouncePeriodInterval)
	}

	if c.AccountingInterval <= 0 {
		return fmt.Errorf("accounting_interval must be greater than 0, got: %s", c.AccountingInterval)
	}

	if c.FaultDetectionInterval <= 0 {
		return fmt.Errorf("fault_detection_interval must be greater than 0, got: %s", c.FaultDetectionInterval)
	}

	if c.SolicitationWindow <= 0 {
		return fmt.Errorf("solicitation_window must be greater than 0, got: %s", c.SolicitationWindow)
	}

	if c.HealthCheckPort < 0 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("health_check_port must be between 0 and 65535, got: %d", c.HealthCheckPort)
	}

	if c.RefLoad < 0 {
		return fmt.Errorf("refload must be non-negative, got: %f", c.RefLoad)
	}

	for _, r := range c.Resources {
		if r.Type != "solar" && r.Type != "lead_acid_battery" {
			return fmt.Errorf("resource %q: unknown type %q", r.Name, r.Type)
		}
		if r.Name == "" {
			return fmt.Errorf("resource entry missing name")
		}
	}

	for _, a := range c.Appliances {
		if a.Name == "" {
			return fmt.Errorf("appliance entry missing name")
		}
		if a.GridSteps <= 0 {
			return fmt.Errorf("appliance %q: grid_steps must be greater than 0", a.Name)
		}
		if a.ActionSteps <= 0 {
			return fmt.Errorf("appliance %q: action_steps must be greater than 0", a.Name)
		}
	}

	return nil
}

// MarshalJSON serializes durations as Go duration strings rather than
// nanosecond integers, so on-disk config files stay human-editable.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		PlanInterval             string `json:"plan_interval"`
		AnnouncePeriodInterval   string `json:"announce_period_interval"`
		AccountingInterval       string `json:"accounting_interval"`
		FaultDetectionInterval   string `json:"fault_detection_interval"`
		SecondaryVoltageInterval string `json:"secondary_voltage_interval"`
		SimStepInterval          string `json:"simstep_interval"`
		SolicitationWindow       string `json:"solicitation_window"`
		TagStalenessThreshold    string `json:"tag_staleness_threshold"`
	}{
		Alias:                    (*Alias)(c),
		PlanInterval:             c.PlanInterval.String(),
		AnnouncePeriodInterval:   c.AnnouncePeriodInterval.String(),
		AccountingInterval:       c.AccountingInterval.String(),
		FaultDetectionInterval:   c.FaultDetectionInterval.String(),
		SecondaryVoltageInterval: c.SecondaryVoltageInterval.String(),
		SimStepInterval:          c.SimStepInterval.String(),
		SolicitationWindow:       c.SolicitationWindow.String(),
		TagStalenessThreshold:    c.TagStalenessThreshold.String(),
	})
}

// UnmarshalJSON accepts duration strings ("15m", "5s") for every interval
// field, falling back to whatever DefaultConfig already populated when a
// field is omitted.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		PlanInterval             string `json:"plan_interval"`
		AnnouncePeriodInterval   string `json:"announce_period_interval"`
		AccountingInterval       string `json:"accounting_interval"`
		FaultDetectionInterval   string `json:"fault_detection_interval"`
		SecondaryVoltageInterval string `json:"secondary_voltage_interval"`
		SimStepInterval          string `json:"simstep_interval"`
		SolicitationWindow       string `json:"solicitation_window"`
		TagStalenessThreshold    string `json:"tag_staleness_threshold"`
	}{
		Alias: (*Alias)(c),
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(aux); err != nil {
		return err
	}

	fields := []struct {
		raw string
		dst *time.Duration
		name string
	}{
		{aux.PlanInterval, &c.PlanInterval, "plan_interval"},
		{aux.AnnouncePeriodInterval, &c.AnnouncePeriodInterval, "announce_period_interval"},
		{aux.AccountingInterval, &c.AccountingInterval, "accounting_interval"},
		{aux.FaultDetectionInterval, &c.FaultDetectionInterval, "fault_detection_interval"},
		{aux.SecondaryVoltageInterval, &c.SecondaryVoltageInterval, "secondary_voltage_interval"},
		{aux.SimStepInterval, &c.SimStepInterval, "simstep_interval"},
		{aux.SolicitationWindow, &c.SolicitationWindow, "solicitation_window"},
		{aux.TagStalenessThreshold, &c.TagStalenessThreshold, "tag_staleness_threshold"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = d
	}

	return nil
}

// String renders the configuration as indented JSON for debug logging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
