// Package topology implements spec.md component C10: the electrical graph
// of nodes and relay-gated links, and the disjoint-subgraph decomposition
// used to detect when a relay opening has split the microgrid into
// independently balanced islands.
//
// The underlying graph is katalvlaran/lvlath's graph/core.Graph. lvlath
// also ships a gridgraph package with its own ConnectedComponents, but that
// package models a 2D raster of cells, not an arbitrary electrical
// topology, so it has no node/edge API this package can use — component
// discovery here is a direct breadth-first search over core.Graph instead.
package topology

import (
	"errors"
	"sort"

	"github.com/katalvlaran/lvlath/graph/core"
)

// ErrUnknownRelay is returned when an operation names a relay ID the
// topology has never seen.
var ErrUnknownRelay = errors.New("topology: unknown relay")

// RelayIDForNode returns the conventional relay ID gating a customer node's
// connection to the utility bus.
func RelayIDForNode(id string) string { return "relay-" + id }

// RelayState is whether a relay currently joins or severs its two nodes.
type RelayState int

const (
	RelayClosed RelayState = iota
	RelayOpen
)

// Relay is a switch between two topology nodes whose state determines
// whether the edge between them is live.
type Relay struct {
	ID           string
	NodeA, NodeB string
	State        RelayState
}

// Topology is the microgrid's electrical graph: nodes are buses (the
// utility and each home), and relays are the links that can be opened to
// sectionalize the grid after a fault.
type Topology struct {
	g      *core.Graph
	relays map[string]*Relay
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{
		g:      core.NewGraph(false, false),
		relays: make(map[string]*Relay),
	}
}

// AddNode registers a bus. Adding the same ID twice is a no-op.
func (t *Topology) AddNode(id string) {
	t.g.AddVertex(&core.Vertex{ID: id, Metadata: make(map[string]interface{})})
}

// HasNode reports whether id has been registered.
func (t *Topology) HasNode(id string) bool { return t.g.HasVertex(id) }

// AddRelay registers a relay between two (already-added) nodes at its
// initial state, wiring the underlying graph edge if the relay starts
// closed.
func (t *Topology) AddRelay(id, nodeA, nodeB string, initial RelayState) {
	t.relays[id] = &Relay{ID: id, NodeA: nodeA, NodeB: nodeB, State: initial}
	if initial == RelayClosed {
		t.g.AddEdge(nodeA, nodeB, 0)
	}
}

// SetRelayState opens or closes a relay, adding or removing the
// corresponding graph edge. Setting a relay to its current state is a
// no-op.
func (t *Topology) SetRelayState(id string, state RelayState) error {
	r, ok := t.relays[id]
	if !ok {
		return ErrUnknownRelay
	}
	if r.State == state {
		return nil
	}
	r.State = state
	if state == RelayClosed {
		t.g.AddEdge(r.NodeA, r.NodeB, 0)
	} else {
		t.g.RemoveEdge(r.NodeA, r.NodeB)
		t.g.RemoveEdge(r.NodeB, r.NodeA)
	}
	return nil
}

// RelayState reports a relay's current state.
func (t *Topology) RelayState(id string) (RelayState, error) {
	r, ok := t.relays[id]
	if !ok {
		return RelayClosed, ErrUnknownRelay
	}
	return r.State, nil
}

// Relays returns every registered relay.
func (t *Topology) Relays() []*Relay {
	out := make([]*Relay, 0, len(t.relays))
	for _, r := range t.relays {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Groups returns the topology's current connected components — the
// islands live relays currently divide the grid into — each as a sorted
// slice of node IDs, and the groups themselves sorted by their first
// member for deterministic output.
func (t *Topology) Groups() [][]string {
	visited := make(map[string]bool)
	var groups [][]string

	for _, v := range t.g.Vertices() {
		if visited[v.ID] {
			continue
		}
		var comp []string
		queue := []string{v.ID}
		visited[v.ID] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			comp = append(comp, id)
			for _, nbr := range t.g.Neighbors(id) {
				if !visited[nbr.ID] {
					visited[nbr.ID] = true
					queue = append(queue, nbr.ID)
				}
			}
		}
		sort.Strings(comp)
		groups = append(groups, comp)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

// SameGroup reports whether a and b are currently in the same connected
// component.
func (t *Topology) SameGroup(a, b string) bool {
	for _, g := range t.Groups() {
		hasA, hasB := false, false
		for _, id := range g {
			if id == a {
				hasA = true
			}
			if id == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

// IsIslanded reports whether the topology currently has more than one
// connected component.
func (t *Topology) IsIslanded() bool {
	return len(t.Groups()) > 1
}
