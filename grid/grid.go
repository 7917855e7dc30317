// Package grid implements spec.md component C7: the discretized joint state
// grid backward induction runs over, and the inverse-distance-weighted
// (IDW) interpolation used to evaluate a cost-to-go or recommend an optimal
// input at a state that falls between grid points.
//
// A grid point is not a single device's state but the whole fleet's: one
// scalar state per device, carried together as a Point. Backward induction
// has to reason about combinations of device states at once because the
// admissibility of a joint action (island power balance, aggregate
// demand-response limits) depends on every device's contribution, not any
// one device's in isolation.
package grid

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/devskill-org/microgrid-coordinator/device"
)

// idwPower is the IDW exponent used throughout planning, per the original
// implementation's optimizer.
const idwPower = 4.0

// exactHitEpsilon is the distance below which a query is treated as landing
// exactly on a grid point, short-circuiting the weighted sum.
const exactHitEpsilon = 1e-9

// Point is a joint state across every device a planner is solving for,
// keyed by device ID. Go maps are not themselves comparable, so a Point
// cannot be used directly as a map key — key() renders a canonical string
// form for that purpose.
type Point map[device.ID]device.State

// key renders p as a canonical, comparable string: device IDs sorted
// ascending, so two Points with the same components in different
// construction order hash identically.
func (p Point) key() string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%s=%v;", id, float64(p[device.ID(id)]))
	}
	return b.String()
}

// distance is the Euclidean distance between two joint states over their
// shared device components.
func distance(a, b Point) float64 {
	var sumSq float64
	for id, av := range a {
		d := float64(av - b[id])
		sumSq += d * d
	}
	return math.Sqrt(sumSq)
}

// CartesianProduct builds every joint Point from a per-device set of
// candidate states — the discretized grid a planner searches over.
func CartesianProduct(perDevice map[device.ID][]device.State) []Point {
	ids := make([]device.ID, 0, len(perDevice))
	for id := range perDevice {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	points := []Point{{}}
	for _, id := range ids {
		states := perDevice[id]
		next := make([]Point, 0, len(points)*len(states))
		for _, base := range points {
			for _, s := range states {
				p := make(Point, len(base)+1)
				for k, v := range base {
					p[k] = v
				}
				p[id] = s
				next = append(next, p)
			}
		}
		points = next
	}
	return points
}

// StateGrid holds a cost-to-go value for each joint point of a fleet's
// discretized state space, populated by backward induction.
type StateGrid struct {
	points []Point
	keys   []string
	values map[string]float64
}

// NewStateGrid returns a grid over the given discretization with every
// value initialized to zero.
func NewStateGrid(points []Point) *StateGrid {
	g := &StateGrid{
		points: append([]Point(nil), points...),
		values: make(map[string]float64, len(points)),
	}
	g.keys = make([]string, len(points))
	for i, p := range g.points {
		g.keys[i] = p.key()
		g.values[g.keys[i]] = 0
	}
	return g
}

// Points returns the grid's discretization points.
func (g *StateGrid) Points() []Point { return g.points }

// Set records the cost-to-go value at an exact grid point.
func (g *StateGrid) Set(p Point, v float64) { g.values[p.key()] = v }

// At returns the value stored at an exact grid point, or 0 if p is not a
// member of the discretization.
func (g *StateGrid) At(p Point) float64 { return g.values[p.key()] }

// Interpolate returns the IDW-interpolated value of the grid at an
// arbitrary joint state p, with an exact-hit short-circuit: if p coincides
// with a grid point within exactHitEpsilon, that point's value is returned
// directly rather than going through the weighted sum (testable property 6
// — interpolating exactly at a grid point reproduces that point's value).
func (g *StateGrid) Interpolate(p Point) float64 {
	if len(g.points) == 0 {
		return 0
	}
	var weightedSum, weightTotal float64
	for i, known := range g.points {
		d := distance(p, known)
		if d < exactHitEpsilon {
			return g.values[g.keys[i]]
		}
		w := 1.0 / math.Pow(d, idwPower)
		weightedSum += w * g.values[g.keys[i]]
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

// InputSignal holds the optimal joint control chosen at each grid point a
// planner actually visited. Points the backward induction never resolved an
// optimum for are absent and take no part in Interpolate, which averages only
// the recorded optima; only when none has been recorded does it return nil,
// which callers treat as an all-zero action (per spec.md: "if no optimal
// input exists, the default is zero").
type InputSignal struct {
	points  []Point
	keys    []string
	actions map[string]map[device.ID]device.Action
}

// NewInputSignal returns an input signal with no optimal actions recorded
// yet.
func NewInputSignal() *InputSignal {
	return &InputSignal{actions: make(map[string]map[device.ID]device.Action)}
}

// Set records the optimal joint action found at an exact grid point.
func (sig *InputSignal) Set(p Point, action map[device.ID]device.Action) {
	k := p.key()
	if _, exists := sig.actions[k]; !exists {
		sig.points = append(sig.points, p)
		sig.keys = append(sig.keys, k)
	}
	cp := make(map[device.ID]device.Action, len(action))
	for id, u := range action {
		cp[id] = u
	}
	sig.actions[k] = cp
}

// Defined reports whether an optimal action has been recorded for any grid
// point.
func (sig *InputSignal) Defined() bool { return len(sig.points) > 0 }

// Interpolate returns the IDW-interpolated optimal joint action at an
// arbitrary joint state, per device component, or nil if no optimal action
// has ever been recorded.
func (sig *InputSignal) Interpolate(p Point) map[device.ID]device.Action {
	if !sig.Defined() {
		return nil
	}

	for i, known := range sig.points {
		if distance(p, known) < exactHitEpsilon {
			return sig.actions[sig.keys[i]]
		}
	}

	weights := make([]float64, len(sig.points))
	var weightTotal float64
	for i, known := range sig.points {
		d := distance(p, known)
		w := 1.0 / math.Pow(d, idwPower)
		weights[i] = w
		weightTotal += w
	}
	if weightTotal == 0 {
		return nil
	}

	out := make(map[device.ID]device.Action)
	ids := make(map[device.ID]bool)
	for _, a := range sig.actions {
		for id := range a {
			ids[id] = true
		}
	}
	for id := range ids {
		var sum float64
		for i, k := range sig.keys {
			sum += weights[i] * float64(sig.actions[k][id])
		}
		out[id] = device.Action(sum / weightTotal)
	}
	return out
}
