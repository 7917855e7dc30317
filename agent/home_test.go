package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devskill-org/microgrid-coordinator/bidding"
	"github.com/devskill-org/microgrid-coordinator/bus"
	"github.com/devskill-org/microgrid-coordinator/config"
	"github.com/devskill-org/microgrid-coordinator/device"
	"github.com/devskill-org/microgrid-coordinator/protocol"
)

// fakeBus is a minimal in-memory bus.Bus used to drive Home/Utility without
// a real mangos transport, in the same spirit as bus package's own
// dashboard test fake.
type fakeBus struct {
	handlers map[protocol.Topic][]bus.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[protocol.Topic][]bus.Handler)}
}

func (f *fakeBus) Publish(topic protocol.Topic, payload []byte) error {
	hs := append([]bus.Handler(nil), f.handlers[topic]...)
	for _, h := range hs {
		h(bus.Envelope{Topic: topic, Payload: payload})
	}
	return nil
}

func (f *fakeBus) Subscribe(topic protocol.Topic, h bus.Handler) error {
	f.handlers[topic] = append(f.handlers[topic], h)
	return nil
}

func (f *fakeBus) Close() error { return nil }

var _ bus.Bus = (*fakeBus)(nil)

// fakeBattery is a minimal storage-like device, grounded on the same shape
// homeplan's own test fake uses, redeclared here since it is unexported
// there.
type fakeBattery struct {
	name         device.ID
	maxPowerW    float64
	gridPoints   []device.State
	actionPoints []device.Action
}

func newFakeBattery(name string) *fakeBattery {
	grid := make([]device.State, 11)
	for i := range grid {
		grid[i] = device.State(float64(i) / 10)
	}
	actions := make([]device.Action, 11)
	for i := range actions {
		actions[i] = device.Action(-1 + 2*float64(i)/10)
	}
	return &fakeBattery{name: device.ID(name), maxPowerW: 1000, gridPoints: grid, actionPoints: actions}
}

func (b *fakeBattery) Name() device.ID               { return b.name }
func (b *fakeBattery) IsSource() bool                { return true }
func (b *fakeBattery) IsSink() bool                  { return true }
func (b *fakeBattery) IsIntermittent() bool          { return false }
func (b *fakeBattery) GridPoints() []device.State    { return b.gridPoints }
func (b *fakeBattery) ActionPoints() []device.Action { return b.actionPoints }
func (b *fakeBattery) GetPowerFromPU(u device.Action) float64 {
	return float64(u) * b.maxPowerW
}
func (b *fakeBattery) StateBehaviorCheck(s device.State, u device.Action) bool {
	if u > 0 && s <= 0 {
		return false
	}
	if u < 0 && s >= 1 {
		return false
	}
	return true
}
func (b *fakeBattery) ApplySimulatedInput(s device.State, u device.Action, dt time.Duration) device.State {
	next := float64(s) - float64(u)*dt.Hours()/4
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	return device.State(next)
}
func (b *fakeBattery) InputCostFn(device.Action, device.State, time.Duration) float64 { return 0 }
func (b *fakeBattery) StateCostFn(s device.State) float64 {
	d := float64(s) - 0.5
	return d * d
}
func (b *fakeBattery) AvailablePower(time.Time, map[string]float64) float64 { return 1e18 }

var _ device.Device = (*fakeBattery)(nil)

func newTestHomeConfig(id string) *config.Config {
	return &config.Config{
		AgentID:                  id,
		Name:                     id,
		Location:                 "DC.BRANCH1.BUS1.LOAD1",
		Role:                     config.RoleHome,
		WindowLength:             3,
		PlanInterval:             15 * time.Minute,
		AnnouncePeriodInterval:   time.Minute,
		AccountingInterval:       5 * time.Minute,
		FaultDetectionInterval:   20 * time.Millisecond,
		SecondaryVoltageInterval: time.Second,
		SolicitationWindow:       100 * time.Millisecond,
	}
}

func TestOnBidSolicitationSubmitsDemandBid(t *testing.T) {
	fb := newFakeBus()
	battery := newFakeBattery("battery-1")
	cfg := newTestHomeConfig("home-1")
	h := NewHome(cfg, fb, []device.Device{battery}, nil, nil, nil)
	require.NoError(t, h.b.Subscribe(protocol.TopicEnergyMarket, h.handleEnergyMarket))

	var captured *protocol.BidResponse
	fb.Subscribe(protocol.TopicEnergyMarket, func(env bus.Envelope) {
		hdr, err := peekHeader(env.Payload)
		require.NoError(t, err)
		if hdr.Type != "bid_response" {
			return
		}
		var msg protocol.BidResponse
		require.NoError(t, protocol.Decode(env.Payload, &msg))
		captured = &msg
	})

	p := h.window.At(0)
	sol := protocol.BidSolicitation{
		Header:         protocol.Header{Sender: "utility", Target: protocol.Broadcast, Subject: "bid_solicitation", Type: "bid_solicitation"},
		Side:           protocol.SideDemand,
		Service:        protocol.ServicePower,
		Period:         p.Number,
		SolicitationID: "sol-1",
	}
	data, err := protocol.Encode(sol)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicEnergyMarket, data))

	require.NotNil(t, captured)
	require.Equal(t, protocol.SideDemand, captured.Side)
	require.Greater(t, captured.Amount, 0.0)
}

func TestOnBidAcceptanceAppliesAction(t *testing.T) {
	fb := newFakeBus()
	battery := newFakeBattery("battery-1")
	cfg := newTestHomeConfig("home-1")

	var actuated []device.Action
	actuate := func(name device.ID, action device.Action) error {
		actuated = append(actuated, action)
		return nil
	}

	h := NewHome(cfg, fb, []device.Device{battery}, actuate, nil, nil)
	require.NoError(t, h.b.Subscribe(protocol.TopicEnergyMarket, h.handleEnergyMarket))

	var uid string
	fb.Subscribe(protocol.TopicEnergyMarket, func(env bus.Envelope) {
		hdr, err := peekHeader(env.Payload)
		require.NoError(t, err)
		if hdr.Type != "bid_response" {
			return
		}
		var msg protocol.BidResponse
		require.NoError(t, protocol.Decode(env.Payload, &msg))
		uid = msg.UID
	})

	p := h.window.At(0)
	sol := protocol.BidSolicitation{
		Header:         protocol.Header{Sender: "utility", Target: protocol.Broadcast, Subject: "bid_solicitation", Type: "bid_solicitation"},
		Side:           protocol.SideDemand,
		Service:        protocol.ServicePower,
		Period:         p.Number,
		SolicitationID: "sol-1",
	}
	solData, err := protocol.Encode(sol)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicEnergyMarket, solData))
	require.NotEmpty(t, uid)

	acc := protocol.BidAcceptance{
		Header:  protocol.Header{Sender: "utility", Target: "home-1", Subject: "bid_acceptance", Type: "bid_acceptance"},
		Side:    protocol.SideDemand,
		Service: protocol.ServicePower,
		Amount:  100,
		Rate:    0.1,
		Period:  p.Number,
		UID:     uid,
	}
	accData, err := protocol.Encode(acc)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicEnergyMarket, accData))

	require.NotEmpty(t, actuated)
}

func TestOnBidRejectionMarksBidRejected(t *testing.T) {
	fb := newFakeBus()
	battery := newFakeBattery("battery-1")
	cfg := newTestHomeConfig("home-1")
	h := NewHome(cfg, fb, []device.Device{battery}, nil, nil, nil)
	require.NoError(t, h.b.Subscribe(protocol.TopicEnergyMarket, h.handleEnergyMarket))

	var uid string
	fb.Subscribe(protocol.TopicEnergyMarket, func(env bus.Envelope) {
		hdr, err := peekHeader(env.Payload)
		require.NoError(t, err)
		if hdr.Type != "bid_response" {
			return
		}
		var msg protocol.BidResponse
		require.NoError(t, protocol.Decode(env.Payload, &msg))
		uid = msg.UID
	})

	p := h.window.At(0)
	sol := protocol.BidSolicitation{
		Header:         protocol.Header{Sender: "utility", Target: protocol.Broadcast, Subject: "bid_solicitation", Type: "bid_solicitation"},
		Side:           protocol.SideDemand,
		Service:        protocol.ServicePower,
		Period:         p.Number,
		SolicitationID: "sol-1",
	}
	solData, err := protocol.Encode(sol)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicEnergyMarket, solData))
	require.NotEmpty(t, uid)

	rej := protocol.BidRejection{
		Header: protocol.Header{Sender: "utility", Target: "home-1", Subject: "bid_rejection", Type: "bid_rejection"},
		Side:   protocol.SideDemand,
		UID:    uid,
		Period: p.Number,
	}
	rejData, err := protocol.Encode(rej)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicEnergyMarket, rejData))

	bid := p.DemandBidManager.Get(uid)
	require.NotNil(t, bid)
	require.Equal(t, bidding.StateRejected, bid.State)
}

func TestOnRateAnnouncementUpdatesCurrentRate(t *testing.T) {
	fb := newFakeBus()
	battery := newFakeBattery("battery-1")
	cfg := newTestHomeConfig("home-1")
	h := NewHome(cfg, fb, []device.Device{battery}, nil, nil, nil)
	require.NoError(t, h.b.Subscribe(protocol.TopicEnergyMarket, h.handleEnergyMarket))

	p := h.window.At(0)
	rate := protocol.RateAnnouncement{
		Header: protocol.Header{Sender: "utility", Target: protocol.Broadcast, Subject: "rate_announcement", Type: "rate_announcement"},
		Period: p.Number,
		Rate:   0.25,
	}
	data, err := protocol.Encode(rate)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicEnergyMarket, data))

	h.mu.RLock()
	currentRate := h.currentRate
	h.mu.RUnlock()
	require.InDelta(t, 0.25, currentRate, 1e-9)
	require.True(t, p.RateAnnounced)
}

func TestOnWeatherNowcastUpdatesForecast(t *testing.T) {
	fb := newFakeBus()
	battery := newFakeBattery("battery-1")
	cfg := newTestHomeConfig("home-1")
	h := NewHome(cfg, fb, []device.Device{battery}, nil, nil, nil)
	require.NoError(t, h.b.Subscribe(protocol.TopicWeatherService, h.handleWeatherService))

	msg := protocol.WeatherNowcast{
		Header:    protocol.Header{Sender: "weather", Target: protocol.Broadcast, Subject: "nowcast", Type: "nowcast"},
		Variables: []protocol.WeatherVariable{{Name: "cloud_cover", Value: 40}},
	}
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicWeatherService, data))

	snap := h.forecastSnapshot()
	require.InDelta(t, 40.0, snap["cloud_cover"], 1e-9)
}

func TestOnDemandResponseSetsCurtailment(t *testing.T) {
	fb := newFakeBus()
	battery := newFakeBattery("battery-1")
	cfg := newTestHomeConfig("home-1")
	h := NewHome(cfg, fb, []device.Device{battery}, nil, nil, nil)
	require.NoError(t, h.b.Subscribe(protocol.TopicDemandResponse, h.handleDemandResponse))

	msg := protocol.DREvent{
		Header:        protocol.Header{Sender: "utility", Target: protocol.Broadcast, Subject: "DR_event", Type: "DR_event"},
		EventID:       "e1",
		EventType:     protocol.DRShed,
		EventDuration: time.Minute,
		TargetW:       500,
	}
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicDemandResponse, data))

	ctx := h.admissibilityContext()
	require.True(t, ctx.DREventActive)
	require.False(t, ctx.DRLoadUp)
	require.InDelta(t, 500.0, ctx.DRLimitW, 1e-9)
}

func TestEnrollmentQueryProducesResponse(t *testing.T) {
	fb := newFakeBus()
	battery := newFakeBattery("battery-1")
	cfg := newTestHomeConfig("home-1")
	h := NewHome(cfg, fb, []device.Device{battery}, nil, nil, nil)
	require.NoError(t, h.b.Subscribe(protocol.TopicCustomerService, h.handleCustomerService))

	var captured *protocol.CustomerEnrollmentResponse
	fb.Subscribe(protocol.TopicCustomerService, func(env bus.Envelope) {
		hdr, err := peekHeader(env.Payload)
		require.NoError(t, err)
		if hdr.Type != "new_customer_response" {
			return
		}
		var msg protocol.CustomerEnrollmentResponse
		require.NoError(t, protocol.Decode(env.Payload, &msg))
		captured = &msg
	})

	query := protocol.CustomerEnrollmentQuery{
		Header: protocol.Header{Sender: "utility", Target: protocol.Broadcast, Subject: "customer_enrollment", Type: "new_customer_query"},
		Rereg:  false,
	}
	data, err := protocol.Encode(query)
	require.NoError(t, err)
	require.NoError(t, fb.Publish(protocol.TopicCustomerService, data))

	require.NotNil(t, captured)
	require.Equal(t, cfg.Location, captured.Info.Location)
}
