// Package protocol defines explicit, enumerated message-shape records for
// every bus exchange in spec.md section 6, replacing the original
// dynamic-parameter dict-as-kwargs pattern flagged in spec.md's design notes.
// Every message embeds Header and is decoded with strict unknown-field
// rejection so malformed or unrecognized messages become protocol errors
// (spec.md section 7), not silently-accepted partial structs.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Broadcast is the message_target value meaning "every subscriber".
const Broadcast = "broadcast"

// Topic names the bus topic a message is published on.
type Topic string

const (
	TopicCustomerService Topic = "customerservice"
	TopicEnergyMarket    Topic = "energymarket"
	TopicDemandResponse  Topic = "demandresponse"
	TopicWeatherService  Topic = "weatherservice"
	TopicFREG            Topic = "FREG"
)

// Header carries the fields common to every bus message.
type Header struct {
	Sender  string `json:"message_sender"`
	Target  string `json:"message_target"` // name or Broadcast
	Subject string `json:"message_subject"`
	Type    string `json:"message_type,omitempty"`
}

// ISOTime formats and parses the microsecond-precision ISO-8601 timestamps
// spec.md section 6 mandates for every wire timestamp.
type ISOTime struct {
	time.Time
}

const isoLayout = "2006-01-02T15:04:05.000000"

func (t ISOTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(isoLayout))
}

func (t *ISOTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(isoLayout, s)
	if err != nil {
		return fmt.Errorf("invalid ISO-8601 timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// BidSide is which side of the book a bid belongs to.
type BidSide string

const (
	SideSupply  BidSide = "supply"
	SideDemand  BidSide = "demand"
	SideReserve BidSide = "reserve"
)

// BidService is what the bid commits: dispatched power, or held headroom.
type BidService string

const (
	ServicePower   BidService = "power"
	ServiceReserve BidService = "reserve"
)

// CustomerEnrollmentQuery is published customerservice/customer_enrollment,
// message_type new_customer_query.
type CustomerEnrollmentQuery struct {
	Header
	Rereg bool `json:"rereg"`
}

// CustomerInfo is the payload of a new_customer_response.
type CustomerInfo struct {
	Name         string   `json:"name"`
	Location     string   `json:"location"`
	Resources    []string `json:"resources"`
	CustomerType string   `json:"customer_type"`
}

// CustomerEnrollmentResponse is published customerservice/customer_enrollment,
// message_type new_customer_response.
type CustomerEnrollmentResponse struct {
	Header
	Info CustomerInfo `json:"info"`
}

// CustomerEnrollmentConfirm is published customerservice/customer_enrollment,
// message_type new_customer_confirm.
type CustomerEnrollmentConfirm struct {
	Header
}

// RequestConnection is published customerservice/request_connection when a
// home wants its load relay closed.
type RequestConnection struct {
	Header
}

// BidSolicitation is published energymarket/bid_solicitation to open a
// round of bidding for one period.
type BidSolicitation struct {
	Header
	Side           BidSide    `json:"side"`
	Service        BidService `json:"service"`
	Period         int        `json:"period"`
	SolicitationID string     `json:"solicitation_id"`
}

// BidResponse is published energymarket/bid_response — a home or resource
// owner's offer in response to a BidSolicitation.
type BidResponse struct {
	Header
	Side     BidSide    `json:"side"`
	Service  BidService `json:"service,omitempty"`
	Amount   float64    `json:"amount"`
	Rate     float64    `json:"rate"`
	Period   int        `json:"period"`
	UID      string     `json:"uid"`
	Resource string     `json:"resource,omitempty"`
}

// BidAcceptance is published energymarket/bid_acceptance by the utility once
// a bid clears.
type BidAcceptance struct {
	Header
	Side    BidSide    `json:"side"`
	Service BidService `json:"service,omitempty"`
	Amount  float64    `json:"amount"`
	Rate    float64    `json:"rate"`
	Period  int        `json:"period"`
	UID     string     `json:"uid"`
}

// BidRejection is published energymarket/bid_rejection for any bid that did
// not clear.
type BidRejection struct {
	Header
	Side   BidSide `json:"side"`
	UID    string  `json:"uid"`
	Period int     `json:"period"`
}

// PeriodAnnouncement is published energymarket/announcement, message_type
// period_announcement, whenever a period's boundaries are (re)established.
type PeriodAnnouncement struct {
	Header
	PeriodNumber int     `json:"period_number"`
	StartTime    ISOTime `json:"start_time"`
	EndTime      ISOTime `json:"end_time"`
}

// PeriodDurationAnnouncement is published energymarket/announcement,
// message_type period_duration_announcement, to revise ST_PLAN_INTERVAL.
type PeriodDurationAnnouncement struct {
	Header
	DurationSeconds float64 `json:"duration"`
}

// RateAnnouncement is published energymarket/rate_announcement after
// clearing, carrying a group's clearing rate to every member customer.
type RateAnnouncement struct {
	Header
	Period int     `json:"period"`
	Rate   float64 `json:"rate"`
}

// DREventType enumerates the demand-response directives of spec.md section 6.
type DREventType string

const (
	DRNormal       DREventType = "normal"
	DRGridEmergency DREventType = "grid_emergency"
	DRShed         DREventType = "shed"
	DRCriticalPeak DREventType = "critical_peak"
	DRLoadUp       DREventType = "load_up"
)

// DREnrollment is published demandresponse/DR_enrollment.
type DREnrollment struct {
	Header
	OptIn bool `json:"opt_in"`
}

// DREvent is published demandresponse/DR_event.
type DREvent struct {
	Header
	EventID       string        `json:"event_id"`
	EventType     DREventType   `json:"event_type"`
	EventDuration time.Duration `json:"event_duration"`

	// TargetW is the aggregate fleet draw this event caps (DRShed,
	// DRGridEmergency, DRCriticalPeak) or floors (DRLoadUp). Zero for
	// DRNormal, where no aggregate constraint applies.
	TargetW float64 `json:"target_w"`
}

// WeatherVariable is one [name, value] observation or forecast entry.
type WeatherVariable struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// WeatherNowcast is published weatherservice/nowcast.
type WeatherNowcast struct {
	Header
	Variables []WeatherVariable `json:"variables"`
}

// WeatherForecast is published weatherservice/forecast.
type WeatherForecast struct {
	Header
	Variables      []WeatherVariable `json:"variables"`
	ForecastPeriod int               `json:"forecast_period"`
}

// FREGEnrollment is published FREG/FREG_enrollment with message_type one of
// solicitation, acceptance, enrollment_ACK.
type FREGEnrollment struct {
	Header
	FREGPower float64 `json:"freg_power"`
}

// FREGSignal is published FREG/FREG_signal — a real-time frequency
// regulation dispatch instruction in [-1, 1].
type FREGSignal struct {
	Header
	Signal float64 `json:"freg_signal"`
}

// Decode strictly decodes payload into dst, rejecting unknown fields so a
// malformed or version-skewed message becomes a protocol error (spec.md
// section 7) rather than a silently partial struct.
func Decode(payload []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("protocol: malformed message: %w", err)
	}
	return nil
}

// Encode marshals a message to its wire form.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to encode message: %w", err)
	}
	return data, nil
}
