package agent

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/devskill-org/microgrid-coordinator/bus"
	"github.com/devskill-org/microgrid-coordinator/config"
	"github.com/devskill-org/microgrid-coordinator/device"
	"github.com/devskill-org/microgrid-coordinator/homeplan"
	"github.com/devskill-org/microgrid-coordinator/metrics"
	"github.com/devskill-org/microgrid-coordinator/period"
	"github.com/devskill-org/microgrid-coordinator/protocol"
)

// ActuationFunc applies a device's cleared action to its physical
// actuator — a resource.Channel's ChangeSetpoint, or a no-op in dry-run. Home
// never writes tags itself: it hands the decision to whatever the caller
// wired per device, keeping the DP solve and the primary-control write
// separate the way spec.md section 4.5's enactPlan does.
type ActuationFunc func(name device.ID, action device.Action) error

// Home is the per-customer actor: it solicits and submits bids against its
// own device fleet's plan, applies whatever the utility clears, and tracks
// weather and demand-response state that feed the next plan's admissibility.
type Home struct {
	id      string
	cfg     *config.Config
	b       bus.Bus
	devices []device.Device
	planner *homeplan.Planner
	window  *period.PlanningWindow
	metrics *metrics.Registry
	logger  *log.Logger
	actuate ActuationFunc

	mu            sync.RWMutex
	currentStates map[device.ID]device.State
	currentRate   float64
	forecast      map[string]float64
	drEventActive bool
	drLoadUp      bool
	drLimitW      float64
	fregPowerW    float64

	dt time.Duration

	stopChan chan struct{}
}

// NewHome constructs a Home over the given device fleet. actuate may be nil,
// in which case cleared actions are recorded in the plan but never written
// to hardware (dry-run/simulation).
func NewHome(cfg *config.Config, b bus.Bus, devices []device.Device, actuate ActuationFunc, metricsReg *metrics.Registry, logger *log.Logger) *Home {
	if logger == nil {
		logger = log.Default()
	}
	if actuate == nil {
		actuate = func(device.ID, device.Action) error { return nil }
	}

	states := make(map[device.ID]device.State, len(devices))
	for _, d := range devices {
		states[d.Name()] = 0
	}

	return &Home{
		id:            cfg.AgentID,
		cfg:           cfg,
		b:             b,
		devices:       devices,
		planner:       homeplan.NewPlanner(devices, logger),
		window:        period.NewPlanningWindow(cfg.WindowLength, time.Now(), cfg.PlanInterval, 1),
		metrics:       metricsReg,
		logger:        logger,
		actuate:       actuate,
		currentStates: states,
		forecast:      make(map[string]float64),
		dt:            cfg.PlanInterval,
		stopChan:      make(chan struct{}),
	}
}

// SetFREGPower sets the per-unit-signal power scale applied to a FREG_signal
// dispatch — the fregPower spec.md section 9's polarity resolution scales by.
func (h *Home) SetFREGPower(w float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fregPowerW = w
}

// Window exposes the home's planning window, mainly for tests and status
// reporting.
func (h *Home) Window() *period.PlanningWindow { return h.window }

// Start subscribes to every bus topic the home actor consumes and runs its
// periodic tasks until ctx is cancelled or Stop is called.
func (h *Home) Start(ctx context.Context) error {
	if err := h.b.Subscribe(protocol.TopicEnergyMarket, h.handleEnergyMarket); err != nil {
		return err
	}
	if err := h.b.Subscribe(protocol.TopicWeatherService, h.handleWeatherService); err != nil {
		return err
	}
	if err := h.b.Subscribe(protocol.TopicDemandResponse, h.handleDemandResponse); err != nil {
		return err
	}
	if err := h.b.Subscribe(protocol.TopicFREG, h.handleFREG); err != nil {
		return err
	}
	if err := h.b.Subscribe(protocol.TopicCustomerService, h.handleCustomerService); err != nil {
		return err
	}

	tasks := []*periodicTask{
		{name: "Plan", initialDelay: 0, interval: h.cfg.PlanInterval, runFunc: h.runPlanningCycle},
	}
	runTasks(ctx, tasks, h.stopChan, h.logger)
	return nil
}

// Stop signals every running periodic task to exit.
func (h *Home) Stop() { closeOnce(h.stopChan) }

func (h *Home) runPlanningCycle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for h.window.Len() > 0 && !h.window.At(0).End.After(now) {
		h.window.ShiftWindow()
	}
}

func (h *Home) handleEnergyMarket(env bus.Envelope) {
	hdr, err := peekHeader(env.Payload)
	if err != nil {
		h.logger.Printf("home %s: malformed energy market envelope: %v", h.id, err)
		return
	}
	switch hdr.Type {
	case "bid_solicitation":
		h.onBidSolicitation(env.Payload)
	case "bid_acceptance":
		h.onBidAcceptance(env.Payload)
	case "bid_rejection":
		h.onBidRejection(env.Payload)
	case "period_announcement":
		h.onPeriodAnnouncement(env.Payload)
	case "period_duration_announcement":
		h.onPeriodDurationAnnouncement(env.Payload)
	case "rate_announcement":
		h.onRateAnnouncement(env.Payload)
	}
}

func (h *Home) onBidSolicitation(payload []byte) {
	var msg protocol.BidSolicitation
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed bid solicitation: %v", h.id, err)
		return
	}

	p := h.window.GetPeriodByNumber(msg.Period)
	if p == nil {
		return
	}

	start := time.Now()
	rate, plan, err := h.planner.DetermineOffer(h.snapshotStates(), p.Start, h.dt, 1, h.forecastSnapshot(), h.admissibilityContext())
	if err != nil && !errors.Is(err, homeplan.ErrIslandBalanceUnattainable) {
		h.logger.Printf("home %s: plan solve failed: %v", h.id, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordPlan(plan.ExpectedEnergyCost, plan.NetPowerW, time.Since(start))
	}
	p.Plan = plan
	p.ExpectedEnergyCost = plan.ExpectedEnergyCost

	switch msg.Side {
	case protocol.SideSupply:
		if plan.NetPowerW <= 0 {
			return
		}
	case protocol.SideDemand:
		if plan.NetPowerW >= 0 {
			return
		}
	}

	quantity := math.Abs(plan.NetPowerW)
	if quantity <= 0 {
		return
	}

	mgr := bidManagerForSide(p, msg.Side)
	bid := mgr.InitBid(h.id, msg.Side, msg.Service, msg.Period, quantity, rate)

	resp := protocol.BidResponse{
		Header:   protocol.Header{Sender: h.id, Target: protocol.Broadcast, Subject: "bid_response", Type: "bid_response"},
		Side:     msg.Side,
		Service:  msg.Service,
		Amount:   bid.Quantity,
		Rate:     bid.Rate,
		Period:   msg.Period,
		UID:      bid.UID,
		Resource: h.id,
	}
	data, err := protocol.Encode(resp)
	if err != nil {
		h.logger.Printf("home %s: failed to encode bid response: %v", h.id, err)
		return
	}
	if err := h.b.Publish(protocol.TopicEnergyMarket, data); err != nil {
		h.logger.Printf("home %s: failed to publish bid response: %v", h.id, err)
	}
}

func (h *Home) onBidAcceptance(payload []byte) {
	var msg protocol.BidAcceptance
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed bid acceptance: %v", h.id, err)
		return
	}
	p := h.window.GetPeriodByNumber(msg.Period)
	if p == nil {
		return
	}
	mgr := bidManagerForSide(p, msg.Side)
	if err := mgr.Accept(msg.UID, msg.Rate); err != nil {
		h.logger.Printf("home %s: failed to accept bid %s: %v", h.id, msg.UID, err)
		return
	}
	h.applyClearedAction(p)
}

func (h *Home) onBidRejection(payload []byte) {
	var msg protocol.BidRejection
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed bid rejection: %v", h.id, err)
		return
	}
	p := h.window.GetPeriodByNumber(msg.Period)
	if p == nil {
		return
	}
	mgr := bidManagerForSide(p, msg.Side)
	if err := mgr.Reject(msg.UID); err != nil {
		h.logger.Printf("home %s: failed to reject bid %s: %v", h.id, msg.UID, err)
	}
}

func (h *Home) applyClearedAction(p *period.Period) {
	if p.Plan == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.devices {
		action := p.Plan.OptimalAction[d.Name()]
		if err := h.actuate(d.Name(), action); err != nil {
			h.logger.Printf("home %s: failed to actuate %s: %v", h.id, d.Name(), err)
			continue
		}
		h.currentStates[d.Name()] = d.ApplySimulatedInput(h.currentStates[d.Name()], action, h.dt)
	}
}

func (h *Home) onPeriodAnnouncement(payload []byte) {
	var msg protocol.PeriodAnnouncement
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed period announcement: %v", h.id, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < h.window.Len() && h.window.GetPeriodByNumber(msg.PeriodNumber) == nil; i++ {
		h.window.ShiftWindow()
	}
	if err := h.window.RescheduleSubsequent(msg.PeriodNumber, msg.StartTime.Time); err != nil {
		h.logger.Printf("home %s: %v", h.id, err)
	}
}

func (h *Home) onPeriodDurationAnnouncement(payload []byte) {
	var msg protocol.PeriodDurationAnnouncement
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed period duration announcement: %v", h.id, err)
		return
	}
	d := time.Duration(msg.DurationSeconds * float64(time.Second))
	h.mu.Lock()
	defer h.mu.Unlock()
	h.window.SetPlanInterval(d)
	h.dt = d
}

func (h *Home) onRateAnnouncement(payload []byte) {
	var msg protocol.RateAnnouncement
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed rate announcement: %v", h.id, err)
		return
	}
	h.mu.Lock()
	h.currentRate = msg.Rate
	h.mu.Unlock()
	if p := h.window.GetPeriodByNumber(msg.Period); p != nil {
		p.RateAnnounced = true
	}
}

func (h *Home) handleWeatherService(env bus.Envelope) {
	hdr, err := peekHeader(env.Payload)
	if err != nil {
		return
	}
	switch hdr.Type {
	case "nowcast":
		h.onWeatherNowcast(env.Payload)
	case "forecast":
		h.onWeatherForecast(env.Payload)
	}
}

func (h *Home) onWeatherNowcast(payload []byte) {
	var msg protocol.WeatherNowcast
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed weather nowcast: %v", h.id, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range msg.Variables {
		h.forecast[v.Name] = v.Value
	}
}

func (h *Home) onWeatherForecast(payload []byte) {
	var msg protocol.WeatherForecast
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed weather forecast: %v", h.id, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range msg.Variables {
		h.forecast[v.Name] = v.Value
	}
}

func (h *Home) handleDemandResponse(env bus.Envelope) {
	hdr, err := peekHeader(env.Payload)
	if err != nil || hdr.Type != "DR_event" {
		return
	}
	var msg protocol.DREvent
	if err := protocol.Decode(env.Payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed DR event: %v", h.id, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch msg.EventType {
	case protocol.DRNormal:
		h.drEventActive = false
		h.drLoadUp = false
		h.drLimitW = 0
	case protocol.DRLoadUp:
		h.drEventActive = true
		h.drLoadUp = true
		h.drLimitW = msg.TargetW
	case protocol.DRShed, protocol.DRGridEmergency, protocol.DRCriticalPeak:
		h.drEventActive = true
		h.drLoadUp = false
		h.drLimitW = msg.TargetW
	}
}

// fregCapable is the subset of resource.Storage's FREG support a home needs
// to dispatch a signal, kept local so this package depends on the shape it
// uses rather than importing package resource's concrete type.
type fregCapable interface {
	ApplyFREGSignal(signal, fregPower float64) (powerW float64, applied bool)
}

func (h *Home) handleFREG(env bus.Envelope) {
	if !h.cfg.FREGPart {
		return
	}
	var msg protocol.FREGSignal
	if err := protocol.Decode(env.Payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed FREG signal: %v", h.id, err)
		return
	}

	h.mu.RLock()
	fregPowerW := h.fregPowerW
	h.mu.RUnlock()

	for _, d := range h.devices {
		fc, ok := d.(fregCapable)
		if !ok {
			continue
		}
		powerW, applied := fc.ApplyFREGSignal(msg.Signal, fregPowerW)
		if !applied {
			continue
		}
		h.logger.Printf("home %s: FREG dispatch on %s: %.1fW", h.id, d.Name(), powerW)
	}
}

func (h *Home) handleCustomerService(env bus.Envelope) {
	hdr, err := peekHeader(env.Payload)
	if err != nil {
		return
	}
	switch hdr.Type {
	case "new_customer_query":
		h.onEnrollmentQuery(env.Payload)
	case "new_customer_confirm":
		h.onEnrollmentConfirm(env.Payload)
	}
}

func (h *Home) onEnrollmentQuery(payload []byte) {
	var msg protocol.CustomerEnrollmentQuery
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed enrollment query: %v", h.id, err)
		return
	}
	resp := protocol.CustomerEnrollmentResponse{
		Header: protocol.Header{Sender: h.id, Target: msg.Sender, Subject: "customer_enrollment", Type: "new_customer_response"},
		Info: protocol.CustomerInfo{
			Name:         h.cfg.Name,
			Location:     h.cfg.Location,
			Resources:    h.resourceNames(),
			CustomerType: string(h.cfg.Role),
		},
	}
	data, err := protocol.Encode(resp)
	if err != nil {
		h.logger.Printf("home %s: failed to encode enrollment response: %v", h.id, err)
		return
	}
	if err := h.b.Publish(protocol.TopicCustomerService, data); err != nil {
		h.logger.Printf("home %s: failed to publish enrollment response: %v", h.id, err)
	}
}

func (h *Home) onEnrollmentConfirm(payload []byte) {
	var msg protocol.CustomerEnrollmentConfirm
	if err := protocol.Decode(payload, &msg); err != nil {
		h.logger.Printf("home %s: malformed enrollment confirm: %v", h.id, err)
		return
	}
	if msg.Target != h.id && msg.Target != protocol.Broadcast {
		return
	}
	req := protocol.RequestConnection{
		Header: protocol.Header{Sender: h.id, Target: protocol.Broadcast, Subject: "request_connection", Type: "request_connection"},
	}
	data, err := protocol.Encode(req)
	if err != nil {
		h.logger.Printf("home %s: failed to encode connection request: %v", h.id, err)
		return
	}
	if err := h.b.Publish(protocol.TopicCustomerService, data); err != nil {
		h.logger.Printf("home %s: failed to publish connection request: %v", h.id, err)
	}
}

func (h *Home) resourceNames() []string {
	names := make([]string, 0, len(h.devices))
	for _, d := range h.devices {
		names = append(names, string(d.Name()))
	}
	return names
}

func (h *Home) snapshotStates() map[device.ID]device.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[device.ID]device.State, len(h.currentStates))
	for k, v := range h.currentStates {
		out[k] = v
	}
	return out
}

func (h *Home) forecastSnapshot() map[string]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]float64, len(h.forecast))
	for k, v := range h.forecast {
		out[k] = v
	}
	return out
}

func (h *Home) admissibilityContext() homeplan.AdmissibilityContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return homeplan.AdmissibilityContext{
		DREventActive: h.drEventActive,
		DRLoadUp:      h.drLoadUp,
		DRLimitW:      h.drLimitW,
	}
}
