package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devskill-org/microgrid-coordinator/bidding"
	"github.com/devskill-org/microgrid-coordinator/bus"
	"github.com/devskill-org/microgrid-coordinator/config"
	"github.com/devskill-org/microgrid-coordinator/fault"
	"github.com/devskill-org/microgrid-coordinator/market"
	"github.com/devskill-org/microgrid-coordinator/metrics"
	"github.com/devskill-org/microgrid-coordinator/period"
	"github.com/devskill-org/microgrid-coordinator/persistence"
	"github.com/devskill-org/microgrid-coordinator/protocol"
	"github.com/devskill-org/microgrid-coordinator/topology"
)

// Utility is the market-maker actor: it announces periods and solicits
// bids, clears the market with package market, and drives the topology and
// fault state machines that decide when a relay should sectionalize the
// grid.
type Utility struct {
	id      string
	cfg     *config.Config
	b       bus.Bus
	window  *period.PlanningWindow
	topo    *topology.Topology
	faults  *fault.Manager
	store   *persistence.Store
	metrics *metrics.Registry
	logger  *log.Logger

	mu              sync.RWMutex
	solicitationSeq int
	enrolled        map[string]protocol.CustomerInfo
	zoneImbalanceA  map[string]float64

	stopChan chan struct{}
}

// NewUtility constructs a Utility. store and metricsReg may be nil; topo and
// faults must not be.
func NewUtility(cfg *config.Config, b bus.Bus, topo *topology.Topology, faults *fault.Manager, store *persistence.Store, metricsReg *metrics.Registry, logger *log.Logger) *Utility {
	if logger == nil {
		logger = log.Default()
	}
	return &Utility{
		id:       cfg.AgentID,
		cfg:      cfg,
		b:        b,
		window:   period.NewPlanningWindow(cfg.WindowLength, time.Now(), cfg.PlanInterval, 1),
		topo:     topo,
		faults:   faults,
		store:    store,
		metrics:  metricsReg,
		logger:         logger,
		enrolled:       make(map[string]protocol.CustomerInfo),
		zoneImbalanceA: make(map[string]float64),
		stopChan:       make(chan struct{}),
	}
}

// Window exposes the utility's planning window, mainly for tests and status
// reporting.
func (u *Utility) Window() *period.PlanningWindow { return u.window }

// Start subscribes to every bus topic the utility actor consumes and runs
// its periodic tasks until ctx is cancelled or Stop is called.
func (u *Utility) Start(ctx context.Context) error {
	if err := u.b.Subscribe(protocol.TopicEnergyMarket, u.handleEnergyMarket); err != nil {
		return err
	}
	if err := u.b.Subscribe(protocol.TopicCustomerService, u.handleCustomerService); err != nil {
		return err
	}

	tasks := []*periodicTask{
		{name: "Enrollment", initialDelay: 0, interval: u.cfg.AccountingInterval, runFunc: u.solicitEnrollment},
		{name: "Announce", initialDelay: 0, interval: u.cfg.AnnouncePeriodInterval, runFunc: u.announceAndSolicit},
		{name: "FaultDetection", initialDelay: 0, interval: u.cfg.FaultDetectionInterval, runFunc: u.tickFaults},
		{name: "SecondaryVoltage", initialDelay: 0, interval: u.cfg.SecondaryVoltageInterval, runFunc: u.updateIslandMetrics},
	}
	runTasks(ctx, tasks, u.stopChan, u.logger)
	return nil
}

// Stop signals every running periodic task to exit.
func (u *Utility) Stop() { closeOnce(u.stopChan) }

// ForceClearZone overrides a locked-out protection zone after manual repair,
// the operator escape hatch fault.Zone.ForceClear implements.
func (u *Utility) ForceClearZone(zoneID string) {
	now := time.Now()
	u.faults.Zone(zoneID).ForceClear(now)
	if u.store != nil {
		if err := u.store.SaveFaultTransition(context.Background(), zoneID, fault.StateNormal, 0, now); err != nil {
			u.logger.Printf("utility %s: failed to persist force-clear of zone %s: %v", u.id, zoneID, err)
		}
	}
}

func (u *Utility) publish(topic protocol.Topic, msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		u.logger.Printf("utility %s: failed to encode message: %v", u.id, err)
		return
	}
	if err := u.b.Publish(topic, data); err != nil {
		u.logger.Printf("utility %s: failed to publish: %v", u.id, err)
	}
}

func (u *Utility) solicitEnrollment() {
	u.publish(protocol.TopicCustomerService, protocol.CustomerEnrollmentQuery{
		Header: protocol.Header{Sender: u.id, Target: protocol.Broadcast, Subject: "customer_enrollment", Type: "new_customer_query"},
		Rereg:  false,
	})
}

func (u *Utility) announceAndSolicit() {
	p := u.window.At(0)
	if p == nil {
		return
	}

	u.publish(protocol.TopicEnergyMarket, protocol.PeriodAnnouncement{
		Header:       protocol.Header{Sender: u.id, Target: protocol.Broadcast, Subject: "announcement", Type: "period_announcement"},
		PeriodNumber: p.Number,
		StartTime:    protocol.ISOTime{Time: p.Start},
		EndTime:      protocol.ISOTime{Time: p.End},
	})

	for _, side := range []protocol.BidSide{protocol.SideSupply, protocol.SideDemand} {
		u.mu.Lock()
		u.solicitationSeq++
		solicitationID := fmt.Sprintf("%s-%d", u.id, u.solicitationSeq)
		u.mu.Unlock()

		u.publish(protocol.TopicEnergyMarket, protocol.BidSolicitation{
			Header:         protocol.Header{Sender: u.id, Target: protocol.Broadcast, Subject: "bid_solicitation", Type: "bid_solicitation"},
			Side:           side,
			Service:        protocol.ServicePower,
			Period:         p.Number,
			SolicitationID: solicitationID,
		})
	}

	u.mu.Lock()
	u.solicitationSeq++
	reserveSolicitationID := fmt.Sprintf("%s-%d", u.id, u.solicitationSeq)
	u.mu.Unlock()

	u.publish(protocol.TopicEnergyMarket, protocol.BidSolicitation{
		Header:         protocol.Header{Sender: u.id, Target: protocol.Broadcast, Subject: "bid_solicitation", Type: "bid_solicitation"},
		Side:           protocol.SideReserve,
		Service:        protocol.ServiceReserve,
		Period:         p.Number,
		SolicitationID: reserveSolicitationID,
	})

	// Give homes the configured window to respond before clearing. This
	// runs on the Announce task's own goroutine, so a slow clearing pass
	// delays that task's next tick but never blocks FaultDetection or
	// SecondaryVoltage.
	time.Sleep(u.cfg.SolicitationWindow)
	u.clear(p)
}

func (u *Utility) clear(p *period.Period) {
	start := time.Now()
	result := market.Clear(p.SupplyBidManager.Pending(), p.DemandBidManager.Pending())
	u.settleResult(p, result, "power")

	// Required reserve covers the gap between the worst-case group load and
	// what demand the power market just accepted; reserve bids held against
	// that shortfall clear cheapest-first, independently of the power match.
	required := u.cfg.RefLoad - demandAccepted(result)
	if required < 0 {
		required = 0
	}
	reserveResult := market.ClearReserve(p.ReserveBidManager.Pending(), required)
	u.settleResult(p, reserveResult, "reserve")

	p.Disposition.Settle(result.ClearedQuantityW, result.ClearedRate, result.Accepted, result.Rejected)
	p.RateAnnounced = true

	u.publish(protocol.TopicEnergyMarket, protocol.RateAnnouncement{
		Header: protocol.Header{Sender: u.id, Target: protocol.Broadcast, Subject: "rate_announcement", Type: "rate_announcement"},
		Period: p.Number,
		Rate:   result.ClearedRate,
	})

	if u.metrics != nil {
		u.metrics.RecordClear("combined", len(result.Accepted), len(result.Rejected), result.ClearedQuantityW, result.ClearedRate, time.Since(start))
	}

	if u.store != nil {
		ctx := context.Background()
		if err := u.store.SaveDisposition(ctx, p.Number, p.Start, p.End, p.ExpectedEnergyCost, p.Disposition); err != nil {
			u.logger.Printf("utility %s: failed to persist disposition for period %d: %v", u.id, p.Number, err)
		}
		settled := append(append([]*bidding.Bid(nil), result.Accepted...), result.Rejected...)
		settled = append(append(settled, reserveResult.Accepted...), reserveResult.Rejected...)
		if err := u.store.SaveBids(ctx, settled); err != nil {
			u.logger.Printf("utility %s: failed to persist bids for period %d: %v", u.id, p.Number, err)
		}
	}

	p.SupplyBidManager.Expire()
	p.DemandBidManager.Expire()
	p.ReserveBidManager.Expire()
	u.window.ShiftWindow()
}

// settleResult accepts/rejects every bid a clearing pass produced against
// its own side's bid manager and publishes the resulting wire messages.
// label distinguishes the power and reserve passes in log messages only.
func (u *Utility) settleResult(p *period.Period, result market.ClearResult, label string) {
	for _, b := range result.Accepted {
		mgr := bidManagerForSide(p, b.Side)
		if err := mgr.Accept(b.UID, result.ClearedRate); err != nil {
			u.logger.Printf("utility %s: failed to accept %s bid %s: %v", u.id, label, b.UID, err)
			continue
		}
		u.publish(protocol.TopicEnergyMarket, protocol.BidAcceptance{
			Header:  protocol.Header{Sender: u.id, Target: b.Originator, Subject: "bid_acceptance", Type: "bid_acceptance"},
			Side:    b.Side,
			Service: b.Service,
			Amount:  result.MatchedW[b.UID],
			Rate:    result.ClearedRate,
			Period:  p.Number,
			UID:     b.UID,
		})
	}
	for _, b := range result.Rejected {
		mgr := bidManagerForSide(p, b.Side)
		if err := mgr.Reject(b.UID); err != nil {
			u.logger.Printf("utility %s: failed to reject %s bid %s: %v", u.id, label, b.UID, err)
			continue
		}
		u.publish(protocol.TopicEnergyMarket, protocol.BidRejection{
			Header: protocol.Header{Sender: u.id, Target: b.Originator, Subject: "bid_rejection", Type: "bid_rejection"},
			Side:   b.Side,
			UID:    b.UID,
			Period: p.Number,
		})
	}
}

// demandAccepted returns how much demand a power-market clearing result
// accepted, the figure the reserve pass's required coverage is measured
// against. Clear's ClearedQuantityW is the matched quantity on both sides
// at once, so it already is that figure.
func demandAccepted(result market.ClearResult) float64 { return result.ClearedQuantityW }

// ReportZoneImbalance records the latest boundary-current imbalance
// measured for a protection zone, in amps. No current-sensor integration
// exists yet, so this is the seam an external reader (SCADA poll, test
// harness) drives fault detection through; a zone never reported defaults
// to zero, i.e. no fault suspected.
func (u *Utility) ReportZoneImbalance(zoneID string, imbalanceA float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.zoneImbalanceA[zoneID] = imbalanceA
}

func (u *Utility) zoneImbalance(zoneID string) float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.zoneImbalanceA[zoneID]
}

func (u *Utility) tickFaults() {
	now := time.Now()
	u.faults.Tick(now, u.zoneImbalance)
	if u.metrics != nil {
		u.metrics.SetLockedOutZones(len(u.faults.LockedOutZones()))
	}
}

func (u *Utility) updateIslandMetrics() {
	if u.topo == nil || u.metrics == nil {
		return
	}
	u.metrics.SetIslandGroups(len(u.topo.Groups()))
}

func (u *Utility) handleEnergyMarket(env bus.Envelope) {
	hdr, err := peekHeader(env.Payload)
	if err != nil || hdr.Type != "bid_response" {
		return
	}
	u.onBidResponse(env.Payload)
}

func (u *Utility) onBidResponse(payload []byte) {
	var msg protocol.BidResponse
	if err := protocol.Decode(payload, &msg); err != nil {
		u.logger.Printf("utility %s: malformed bid response: %v", u.id, err)
		return
	}
	p := u.window.GetPeriodByNumber(msg.Period)
	if p == nil {
		return
	}

	mgr := bidManagerForSide(p, msg.Side)
	mgr.Register(&bidding.Bid{
		UID:        msg.UID,
		Originator: msg.Sender,
		Side:       msg.Side,
		Service:    msg.Service,
		PeriodNum:  msg.Period,
		Quantity:   msg.Amount,
		Rate:       msg.Rate,
		State:      bidding.StatePending,
		CreatedAt:  time.Now(),
	})
}

func (u *Utility) handleCustomerService(env bus.Envelope) {
	hdr, err := peekHeader(env.Payload)
	if err != nil {
		return
	}
	switch hdr.Type {
	case "new_customer_response":
		u.onEnrollmentResponse(env.Payload)
	case "request_connection":
		u.onRequestConnection(env.Payload)
	}
}

func (u *Utility) onEnrollmentResponse(payload []byte) {
	var msg protocol.CustomerEnrollmentResponse
	if err := protocol.Decode(payload, &msg); err != nil {
		u.logger.Printf("utility %s: malformed enrollment response: %v", u.id, err)
		return
	}
	u.mu.Lock()
	u.enrolled[msg.Sender] = msg.Info
	u.mu.Unlock()

	u.publish(protocol.TopicCustomerService, protocol.CustomerEnrollmentConfirm{
		Header: protocol.Header{Sender: u.id, Target: msg.Sender, Subject: "customer_enrollment", Type: "new_customer_confirm"},
	})
}

func (u *Utility) onRequestConnection(payload []byte) {
	var msg protocol.RequestConnection
	if err := protocol.Decode(payload, &msg); err != nil {
		u.logger.Printf("utility %s: malformed connection request: %v", u.id, err)
		return
	}
	if u.topo == nil {
		return
	}
	if !u.topo.HasNode(msg.Sender) {
		u.topo.AddNode(msg.Sender)
	}
	u.faults.Zone(u.id).AddNode(msg.Sender)

	relayID := topology.RelayIDForNode(msg.Sender)
	if _, err := u.topo.RelayState(relayID); err != nil {
		u.topo.AddRelay(relayID, u.id, msg.Sender, topology.RelayClosed)
		return
	}
	if err := u.topo.SetRelayState(relayID, topology.RelayClosed); err != nil {
		u.logger.Printf("utility %s: failed to close relay for %s: %v", u.id, msg.Sender, err)
	}
}

// Enrolled returns a snapshot of every customer currently enrolled.
func (u *Utility) Enrolled() map[string]protocol.CustomerInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]protocol.CustomerInfo, len(u.enrolled))
	for k, v := range u.enrolled {
		out[k] = v
	}
	return out
}
