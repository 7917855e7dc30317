// Package homeplan implements spec.md component C8: the per-home backward
// induction planner that turns a device fleet and a forecast into a joint
// Plan of admissible controls, plus the bisection search a home uses to
// turn that plan into an offer price for the energy market.
package homeplan

import (
	"errors"
	"log"
	"math"
	"sort"
	"time"

	"github.com/devskill-org/microgrid-coordinator/bidding"
	"github.com/devskill-org/microgrid-coordinator/device"
	"github.com/devskill-org/microgrid-coordinator/grid"
)

// ErrIslandBalanceUnattainable is returned when, in island mode, no
// admissible combination of device actions brings the fleet's joint net
// power within tolerance of the required target.
var ErrIslandBalanceUnattainable = errors.New("homeplan: fleet cannot reach required net power while islanded")

// AdmissibilityContext carries the period-specific conditions a joint
// candidate action must respect in addition to each device's own
// StateBehaviorCheck: island power balance and the demand-response
// aggregate draw cap or floor.
type AdmissibilityContext struct {
	// IslandMode, when true, requires every joint candidate's net power
	// (Σsources − Σsinks) to land within IslandToleranceW of
	// NetLoadTargetW — zero for a fully self-balanced island.
	IslandMode       bool
	IslandToleranceW float64
	NetLoadTargetW   float64

	// DREventActive gates the aggregate draw constraint below. DRLoadUp
	// selects which side of it applies: false enforces DRLimitW as a cap on
	// total sink draw (a curtailment event), true enforces it as a floor (a
	// load-up event). A load-up event while islanded has no admissible
	// joint action, per spec: the two are incompatible.
	DREventActive bool
	DRLoadUp      bool
	DRLimitW      float64
}

// jointAction is the per-device action vector a candidate joint control
// assigns — unlike grid.Point it never needs to be a map key, so it stays a
// plain map.
type jointAction map[device.ID]device.Action

// Planner solves the fleet's admission-constrained cost-to-go jointly by
// backward induction over the Cartesian product of every device's
// discretized state space.
type Planner struct {
	devices []device.Device
	logger  *log.Logger
}

// NewPlanner constructs a planner over the given device fleet.
func NewPlanner(devices []device.Device, logger *log.Logger) *Planner {
	return &Planner{devices: devices, logger: logger}
}

// admissibleActions filters a device's native action discretization down
// to the actions its own StateBehaviorCheck and availability permit at
// state s — the per-device half of admissibility; the other half,
// evaluated only once a full joint candidate exists, is jointlyAdmissible.
func admissibleActions(d device.Device, s device.State, now time.Time, forecast map[string]float64) []device.Action {
	var out []device.Action
	for _, u := range d.ActionPoints() {
		if !d.StateBehaviorCheck(s, u) {
			continue
		}
		if d.IsIntermittent() && float64(u) > d.AvailablePower(now, forecast) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// jointlyAdmissible evaluates the constraints that only make sense against
// the fleet's combined action: island power balance and the demand-response
// aggregate draw cap or floor.
func (p *Planner) jointlyAdmissible(action jointAction, ctx AdmissibilityContext) bool {
	if ctx.IslandMode {
		var net float64
		for _, d := range p.devices {
			net += d.GetPowerFromPU(action[d.Name()])
		}
		if math.Abs(net-ctx.NetLoadTargetW) > ctx.IslandToleranceW {
			return false
		}
	}
	if ctx.DREventActive && ctx.DRLoadUp && ctx.IslandMode {
		return false
	}
	if ctx.DREventActive && ctx.DRLimitW > 0 {
		var sinkDraw float64
		for _, d := range p.devices {
			if !d.IsSink() {
				continue
			}
			if pw := d.GetPowerFromPU(action[d.Name()]); pw < 0 {
				sinkDraw -= pw
			}
		}
		if ctx.DRLoadUp {
			if sinkDraw < ctx.DRLimitW {
				return false
			}
		} else if sinkDraw > ctx.DRLimitW {
			return false
		}
	}
	return true
}

// jointCandidates builds every admissible joint action at joint state s: the
// Cartesian product of each device's own admissible actions there, filtered
// down to the combinations jointlyAdmissible accepts. A device with no
// admissible action at its component of s makes the whole joint state
// inadmissible, same as an incompatible DR/island combination.
func (p *Planner) jointCandidates(s grid.Point, stepTime time.Time, forecast map[string]float64, ctx AdmissibilityContext) []jointAction {
	perDevice := make([][]device.Action, len(p.devices))
	for i, d := range p.devices {
		perDevice[i] = admissibleActions(d, s[d.Name()], stepTime, forecast)
		if len(perDevice[i]) == 0 {
			return nil
		}
	}

	var out []jointAction
	acc := make(jointAction, len(p.devices))
	var rec func(i int)
	rec = func(i int) {
		if i == len(p.devices) {
			if p.jointlyAdmissible(acc, ctx) {
				cp := make(jointAction, len(acc))
				for k, v := range acc {
					cp[k] = v
				}
				out = append(out, cp)
			}
			return
		}
		d := p.devices[i]
		for _, u := range perDevice[i] {
			acc[d.Name()] = u
			rec(i + 1)
		}
	}
	rec(0)
	return out
}

func (p *Planner) jointGridPoints() []grid.Point {
	perDevice := make(map[device.ID][]device.State, len(p.devices))
	for _, d := range p.devices {
		perDevice[d.Name()] = d.GridPoints()
	}
	return grid.CartesianProduct(perDevice)
}

func (p *Planner) jointStateCost(s grid.Point) float64 {
	var total float64
	for _, d := range p.devices {
		total += d.StateCostFn(s[d.Name()])
	}
	return total
}

func (p *Planner) jointTransCost(action jointAction, s grid.Point, dt time.Duration) float64 {
	var total float64
	for _, d := range p.devices {
		total += d.InputCostFn(action[d.Name()], s[d.Name()], dt)
	}
	return total
}

func (p *Planner) jointApply(s grid.Point, action jointAction, dt time.Duration) grid.Point {
	next := make(grid.Point, len(s))
	for _, d := range p.devices {
		next[d.Name()] = d.ApplySimulatedInput(s[d.Name()], action[d.Name()], dt)
	}
	return next
}

func (p *Planner) jointNetPower(action jointAction) float64 {
	var net float64
	for _, d := range p.devices {
		net += d.GetPowerFromPU(action[d.Name()])
	}
	return net
}

// solveJoint runs backward induction over horizonSteps of duration dt, for
// the fleet's whole joint state space: at every step and joint grid point
// it enumerates jointCandidates (admissibility evaluated on the combined
// action, not per device) and records both the cost-to-go and the winning
// joint input. rateTerm, when non-nil, adds a per-step revenue/cost
// adjustment proportional to dispatched net power — the hook
// DetermineOffer uses to make admissible plans price-sensitive.
func (p *Planner) solveJoint(horizonSteps int, dt time.Duration, now time.Time, forecast map[string]float64, ctx AdmissibilityContext, rateTerm func(float64) float64) ([]*grid.StateGrid, []*grid.InputSignal) {
	points := p.jointGridPoints()
	grids := make([]*grid.StateGrid, horizonSteps+1)
	signals := make([]*grid.InputSignal, horizonSteps)

	grids[horizonSteps] = grid.NewStateGrid(points)
	for _, s := range points {
		grids[horizonSteps].Set(s, p.jointStateCost(s))
	}

	for t := horizonSteps - 1; t >= 0; t-- {
		stepTime := now.Add(time.Duration(t) * dt)
		g := grid.NewStateGrid(points)
		sig := grid.NewInputSignal()
		for _, s := range points {
			best := math.Inf(1)
			var bestAction jointAction
			for _, action := range p.jointCandidates(s, stepTime, forecast, ctx) {
				next := p.jointApply(s, action, dt)
				cost := p.jointTransCost(action, s, dt) + p.jointStateCost(s) + grids[t+1].Interpolate(next)
				if rateTerm != nil {
					cost += rateTerm(p.jointNetPower(action))
				}
				if cost < best {
					best, bestAction = cost, action
				}
			}
			if bestAction == nil {
				best = p.jointStateCost(s) + grids[t+1].Interpolate(s)
			} else {
				sig.Set(s, bestAction)
			}
			g.Set(s, best)
		}
		grids[t] = g
		signals[t] = sig
	}
	return grids, signals
}

// Solve plans the whole fleet for one period starting at now, of duration
// horizonSteps*dt, given each device's current state, returning a
// populated Plan.
func (p *Planner) Solve(currentStates map[device.ID]device.State, now time.Time, dt time.Duration, horizonSteps int, forecast map[string]float64, ctx AdmissibilityContext) (*bidding.Plan, error) {
	plan, _, err := p.solveWithRate(currentStates, now, dt, horizonSteps, forecast, ctx, nil)
	return plan, err
}

// solveWithRate is Solve's rate-sensitive core: it also returns the
// recommended joint action's pathcost — its cost-to-go under rateTerm at
// the current state — which DetermineOffer bisects on.
func (p *Planner) solveWithRate(currentStates map[device.ID]device.State, now time.Time, dt time.Duration, horizonSteps int, forecast map[string]float64, ctx AdmissibilityContext, rateTerm func(float64) float64) (*bidding.Plan, float64, error) {
	plan := bidding.NewPlan()
	s := grid.Point(currentStates)

	grids, signals := p.solveJoint(horizonSteps, dt, now, forecast, ctx, rateTerm)
	action := signals[0].Interpolate(s)
	if action == nil {
		action = make(jointAction, len(p.devices))
		for _, d := range p.devices {
			action[d.Name()] = 0
		}
	}

	for _, d := range p.devices {
		name := d.Name()
		plan.AdmissibleControls[name] = admissibleActions(d, currentStates[name], now, forecast)
		plan.OptimalAction[name] = action[name]
		plan.ExpectedEnergyCost += d.InputCostFn(action[name], currentStates[name], dt) + d.StateCostFn(currentStates[name])
		plan.NetPowerW += d.GetPowerFromPU(action[name])
	}

	pathCost := grids[0].Interpolate(s)

	var err error
	if ctx.IslandMode && math.Abs(plan.NetPowerW-ctx.NetLoadTargetW) > ctx.IslandToleranceW {
		err = ErrIslandBalanceUnattainable
	}
	return plan, pathCost, err
}

// DetermineOffer searches for the per-watt-hour rate at which the fleet's
// recommended joint action is priced fairly: starting from price 0, it
// reads the recommended action's pathcost (its signed cost-to-go, inclusive
// of the rate's revenue/cost contribution) and brackets outward by one unit
// at a time, up to 4 steps: a positive pathcost lowers the price and a
// negative one raises it, which treats pathcost as non-decreasing in rate.
// It then bisects the resulting bracket for up to 4 iterations,
// stopping early once |pathcost| < 0.5 or the bracket narrows below 0.01,
// and returns the midpoint rate and the plan it produced.
func (p *Planner) DetermineOffer(currentStates map[device.ID]device.State, now time.Time, dt time.Duration, horizonSteps int, forecast map[string]float64, ctx AdmissibilityContext) (float64, *bidding.Plan, error) {
	const (
		unitStep          = 1.0
		maxBracketSteps   = 4
		pathCostTolerance = 0.5
		widthTolerance    = 0.01
		maxBisectIter     = 4
	)

	rateTerm := func(rate float64) func(float64) float64 {
		return func(powerW float64) float64 { return -rate * powerW * dt.Hours() }
	}
	evaluate := func(rate float64) (*bidding.Plan, float64, error) {
		plan, pathCost, err := p.solveWithRate(currentStates, now, dt, horizonSteps, forecast, ctx, rateTerm(rate))
		if err != nil && !errors.Is(err, ErrIslandBalanceUnattainable) {
			return nil, 0, err
		}
		return plan, pathCost, nil
	}

	price := 0.0
	plan, pathCost, err := evaluate(price)
	if err != nil {
		return 0, nil, err
	}
	if math.Abs(pathCost) < pathCostTolerance {
		return price, plan, nil
	}

	lo, hi := price, price
	loPlan, hiPlan := plan, plan
	loCost, hiCost := pathCost, pathCost

	step := -unitStep
	if pathCost < 0 {
		step = unitStep
	}

	for i := 1; i <= maxBracketSteps; i++ {
		next := price + step*float64(i)
		nextPlan, nextCost, err := evaluate(next)
		if err != nil {
			return 0, nil, err
		}
		if step > 0 {
			hi, hiPlan, hiCost = next, nextPlan, nextCost
		} else {
			lo, loPlan, loCost = next, nextPlan, nextCost
		}
		if math.Abs(nextCost) < pathCostTolerance || (nextCost > 0) != (pathCost > 0) {
			break
		}
	}

	mid, midPlan, midCost := lo, loPlan, loCost
	if step > 0 {
		mid, midPlan, midCost = hi, hiPlan, hiCost
	}

	for i := 0; i < maxBisectIter && hi-lo >= widthTolerance; i++ {
		mid = (lo + hi) / 2
		var merr error
		midPlan, midCost, merr = evaluate(mid)
		if merr != nil {
			return 0, nil, merr
		}
		if math.Abs(midCost) < pathCostTolerance {
			break
		}
		if midCost > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}

	return mid, midPlan, nil
}

// SortedDeviceNames returns the fleet's device names in a stable order, for
// deterministic plan serialization.
func (p *Planner) SortedDeviceNames() []device.ID {
	names := make([]device.ID, 0, len(p.devices))
	for _, d := range p.devices {
		names = append(names, d.Name())
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
