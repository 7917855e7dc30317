// Package bidding implements spec.md component C6: the per-period Bid
// lifecycle (init -> set -> accepted/rejected/expired), the per-side Manager
// that a home or the utility uses to track its own outstanding bids, and the
// Plan/Disposition containers a period carries through planning and
// clearing.
package bidding

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/devskill-org/microgrid-coordinator/device"
	"github.com/devskill-org/microgrid-coordinator/protocol"
)

// ErrUnknownBid is returned when a UID has no matching bid in a Manager.
var ErrUnknownBid = errors.New("bidding: unknown bid uid")

// ErrBadTransition is returned when a lifecycle transition is attempted
// from a state that does not permit it.
var ErrBadTransition = errors.New("bidding: bid is not in a state that permits this transition")

// State is a bid's position in its lifecycle.
type State int

const (
	StatePending State = iota
	StateAccepted
	StateRejected
	StateCleared
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateCleared:
		return "cleared"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Bid is one offer to buy or sell energy (or reserve capacity) for a
// period, originated by a single agent.
type Bid struct {
	UID         string
	Originator  string
	Side        protocol.BidSide
	Service     protocol.BidService
	PeriodNum   int
	Quantity    float64 // watts
	Rate        float64 // currency per watt-hour
	State       State
	CreatedAt   time.Time
	ClearedRate float64

	// Modified records whether clearing trimmed this bid's matched amount
	// below its originally offered Quantity — a partial power-market fill or
	// a reserve-pass overshoot trim, never a full honor or a full reject.
	Modified bool
}

// Manager tracks the bids a single agent has outstanding for a single side
// (supply, demand or reserve) of a single period.
type Manager struct {
	bids []*Bid
	byID map[string]*Bid
}

// NewManager constructs an empty bid manager.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*Bid)}
}

// InitBid creates a new pending bid and registers it with the manager.
func (m *Manager) InitBid(originator string, side protocol.BidSide, service protocol.BidService, periodNum int, quantity, rate float64) *Bid {
	b := &Bid{
		UID:        uuid.NewString(),
		Originator: originator,
		Side:       side,
		Service:    service,
		PeriodNum:  periodNum,
		Quantity:   quantity,
		Rate:       rate,
		State:      StatePending,
		CreatedAt:  time.Now(),
	}
	m.bids = append(m.bids, b)
	m.byID[b.UID] = b
	return b
}

// SetBid revises the quantity and rate of an existing pending bid. A bid
// that has already been accepted, rejected, or cleared cannot be revised.
func (m *Manager) SetBid(uid string, quantity, rate float64) error {
	b, ok := m.byID[uid]
	if !ok {
		return ErrUnknownBid
	}
	if b.State != StatePending {
		return ErrBadTransition
	}
	b.Quantity = quantity
	b.Rate = rate
	return nil
}

// Accept transitions a pending bid to accepted at the given cleared rate.
func (m *Manager) Accept(uid string, clearedRate float64) error {
	b, ok := m.byID[uid]
	if !ok {
		return ErrUnknownBid
	}
	if b.State != StatePending {
		return ErrBadTransition
	}
	b.State = StateAccepted
	b.ClearedRate = clearedRate
	return nil
}

// Reject transitions a pending bid to rejected.
func (m *Manager) Reject(uid string) error {
	b, ok := m.byID[uid]
	if !ok {
		return ErrUnknownBid
	}
	if b.State != StatePending {
		return ErrBadTransition
	}
	b.State = StateRejected
	return nil
}

// Clear transitions an accepted bid to cleared, marking it as settled for
// the period.
func (m *Manager) Clear(uid string) error {
	b, ok := m.byID[uid]
	if !ok {
		return ErrUnknownBid
	}
	if b.State != StateAccepted {
		return ErrBadTransition
	}
	b.State = StateCleared
	return nil
}

// Expire marks every bid still pending at the close of solicitation as
// expired, so it is excluded from future clearing passes.
func (m *Manager) Expire() {
	for _, b := range m.bids {
		if b.State == StatePending {
			b.State = StateExpired
		}
	}
}

// Register adds an externally constructed bid — typically one decoded
// from a wire message rather than originated locally — to the manager
// under its own UID, without generating a new one.
func (m *Manager) Register(b *Bid) {
	m.bids = append(m.bids, b)
	m.byID[b.UID] = b
}

// Get returns the bid with the given UID, or nil.
func (m *Manager) Get(uid string) *Bid { return m.byID[uid] }

// All returns every bid the manager has ever tracked, in submission order.
func (m *Manager) All() []*Bid { return m.bids }

// Pending returns bids still awaiting a clearing decision.
func (m *Manager) Pending() []*Bid {
	var out []*Bid
	for _, b := range m.bids {
		if b.State == StatePending {
			out = append(out, b)
		}
	}
	return out
}

// Plan is the output of a home's per-period DP solve: for every device it
// schedules, the admissible action range considered and the chosen optimal
// action, along with the aggregate expected cost and net power flow that
// action implies.
type Plan struct {
	AdmissibleControls map[device.ID][]device.Action
	OptimalAction      map[device.ID]device.Action
	ExpectedEnergyCost float64
	NetPowerW          float64
}

// NewPlan returns an empty plan ready for a planner to populate.
func NewPlan() *Plan {
	return &Plan{
		AdmissibleControls: make(map[device.ID][]device.Action),
		OptimalAction:      make(map[device.ID]device.Action),
	}
}

// Disposition is the record of how a period's market actually cleared: the
// accepted and rejected bids and the settlement price/quantity pairs that
// resulted.
type Disposition struct {
	ClearedQuantityW float64
	ClearedRate      float64
	Accepted         []*Bid
	Rejected         []*Bid
}

// NewDisposition returns an empty disposition.
func NewDisposition() *Disposition {
	return &Disposition{}
}

// Settle records the outcome of a clearing pass onto the disposition.
func (d *Disposition) Settle(clearedQuantityW, clearedRate float64, accepted, rejected []*Bid) {
	d.ClearedQuantityW = clearedQuantityW
	d.ClearedRate = clearedRate
	d.Accepted = accepted
	d.Rejected = rejected
}
