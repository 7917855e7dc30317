// Package market implements spec.md component C9: the two-pointer merge
// clearer that matches supply against demand bids for the energy market,
// and the separate reserve-capacity allocation pass, both with FIFO
// tie-breaking on bids offered at the same rate.
package market

import (
	"math"
	"sort"

	"github.com/devskill-org/microgrid-coordinator/bidding"
)

// quantityEpsilon is the smallest remaining quantity treated as nonzero,
// guarding against float accumulation leaving a bid "open" at 1e-15 watts.
const quantityEpsilon = 1e-6

// ClearResult is the outcome of one clearing pass: the uniform settlement
// rate, total matched quantity, the per-bid matched amount, and the bids
// sorted into accepted (matched at least once) and rejected (never
// matched).
type ClearResult struct {
	ClearedRate      float64
	ClearedQuantityW float64
	MatchedW         map[string]float64
	Accepted         []*bidding.Bid
	Rejected         []*bidding.Bid
}

// Clear matches supply bids (cheapest first) against demand bids
// (highest-willing-to-pay first) with a two-pointer merge: the pointers
// advance only when a bid's own remaining quantity depletes, so one side's
// large bid can be split across several matches on the other side. Merge
// stops the instant the cheapest remaining supply bid costs more than the
// richest remaining demand bid, since no later pairing can cross either.
// Every match settles at the current demand bid's rate, per the worked
// clearing examples — the group rate tracks demand, not an average of the
// two sides.
func Clear(supply, demand []*bidding.Bid) ClearResult {
	s := sortedCopy(supply, true)
	d := sortedCopy(demand, false)

	supplyRemain := quantitiesOf(s)
	demandRemain := quantitiesOf(d)
	matched := make(map[string]float64, len(s)+len(d))

	var totalQty, lastRate float64
	i, j := 0, 0
	for i < len(s) && j < len(d) && s[i].Rate <= d[j].Rate {
		qty := math.Min(supplyRemain[i], demandRemain[j])
		if qty > 0 {
			matched[s[i].UID] += qty
			matched[d[j].UID] += qty
			supplyRemain[i] -= qty
			demandRemain[j] -= qty
			totalQty += qty
			lastRate = d[j].Rate
		}
		if supplyRemain[i] <= quantityEpsilon {
			i++
		}
		if demandRemain[j] <= quantityEpsilon {
			j++
		}
	}

	accepted, rejected := classify(s, matched)
	a2, r2 := classify(d, matched)

	return ClearResult{
		ClearedRate:      lastRate,
		ClearedQuantityW: totalQty,
		MatchedW:         matched,
		Accepted:         append(accepted, a2...),
		Rejected:         append(rejected, r2...),
	}
}

// ClearReserve allocates a reserve solicitation's held-capacity bids
// independently of the energy market: cheapest-rate bids are accepted
// first until capacityW is exhausted, with FIFO tie-break.
func ClearReserve(bids []*bidding.Bid, capacityW float64) ClearResult {
	s := sortedCopy(bids, true)
	matched := make(map[string]float64, len(s))

	remaining := capacityW
	var totalQty, lastRate float64
	for _, b := range s {
		if remaining <= quantityEpsilon {
			break
		}
		qty := math.Min(b.Quantity, remaining)
		if qty <= 0 {
			continue
		}
		matched[b.UID] = qty
		remaining -= qty
		totalQty += qty
		lastRate = b.Rate
	}

	accepted, rejected := classify(s, matched)
	return ClearResult{
		ClearedRate:      lastRate,
		ClearedQuantityW: totalQty,
		MatchedW:         matched,
		Accepted:         accepted,
		Rejected:         rejected,
	}
}

func sortedCopy(bids []*bidding.Bid, ascending bool) []*bidding.Bid {
	out := append([]*bidding.Bid(nil), bids...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rate != out[j].Rate {
			if ascending {
				return out[i].Rate < out[j].Rate
			}
			return out[i].Rate > out[j].Rate
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func quantitiesOf(bids []*bidding.Bid) []float64 {
	out := make([]float64, len(bids))
	for i, b := range bids {
		out[i] = b.Quantity
	}
	return out
}

// classify sorts bids by matched quantity against their own original ask,
// marking a bid Modified the instant clearing trimmed it below what it
// originally offered — a full match leaves Modified false, a zero match
// rejects without touching it.
func classify(bids []*bidding.Bid, matched map[string]float64) (accepted, rejected []*bidding.Bid) {
	for _, b := range bids {
		qty := matched[b.UID]
		if qty <= quantityEpsilon {
			rejected = append(rejected, b)
			continue
		}
		b.Modified = qty < b.Quantity-quantityEpsilon
		accepted = append(accepted, b)
	}
	return accepted, rejected
}
