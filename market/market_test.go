package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devskill-org/microgrid-coordinator/bidding"
	"github.com/devskill-org/microgrid-coordinator/protocol"
)

func bid(uid, originator string, side protocol.BidSide, qty, rate float64, at time.Time) *bidding.Bid {
	return &bidding.Bid{UID: uid, Originator: originator, Side: side, Service: protocol.ServicePower, Quantity: qty, Rate: rate, CreatedAt: at}
}

func TestClearMatchesCrossingBidsOnly(t *testing.T) {
	now := time.Now()
	supply := []*bidding.Bid{
		bid("s1", "home-1", protocol.SideSupply, 500, 0.10, now),
		bid("s2", "home-2", protocol.SideSupply, 500, 0.20, now),
	}
	demand := []*bidding.Bid{
		bid("d1", "home-3", protocol.SideDemand, 500, 0.15, now),
	}

	result := Clear(supply, demand)
	require.Equal(t, 500.0, result.ClearedQuantityW)
	require.Contains(t, result.Accepted, supply[0])
	require.Contains(t, result.Rejected, supply[1], "rate 0.20 never crosses the 0.15 demand bid")
	require.Contains(t, result.Accepted, demand[0])
}

func TestClearSplitsALargeBidAcrossCounterparties(t *testing.T) {
	now := time.Now()
	supply := []*bidding.Bid{
		bid("s1", "home-1", protocol.SideSupply, 1000, 0.10, now),
	}
	demand := []*bidding.Bid{
		bid("d1", "home-2", protocol.SideDemand, 400, 0.20, now),
		bid("d2", "home-3", protocol.SideDemand, 600, 0.18, now),
	}

	result := Clear(supply, demand)
	require.Equal(t, 1000.0, result.ClearedQuantityW)
	require.InDelta(t, 400.0, result.MatchedW["d1"], 1e-9)
	require.InDelta(t, 600.0, result.MatchedW["d2"], 1e-9)
	require.InDelta(t, 1000.0, result.MatchedW["s1"], 1e-9)
	require.Len(t, result.Rejected, 0)
}

func TestClearTieBreaksByFIFO(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Second)
	supply := []*bidding.Bid{
		bid("late", "home-2", protocol.SideSupply, 500, 0.10, later),
		bid("early", "home-1", protocol.SideSupply, 500, 0.10, now),
	}
	demand := []*bidding.Bid{
		bid("d1", "home-3", protocol.SideDemand, 500, 0.10, now),
	}

	result := Clear(supply, demand)
	require.InDelta(t, 500.0, result.MatchedW["early"], 1e-9)
	require.NotContains(t, result.MatchedW, "late")
}

func TestClearWithNoCrossingBidsRejectsEverything(t *testing.T) {
	now := time.Now()
	supply := []*bidding.Bid{bid("s1", "home-1", protocol.SideSupply, 500, 0.30, now)}
	demand := []*bidding.Bid{bid("d1", "home-2", protocol.SideDemand, 500, 0.10, now)}

	result := Clear(supply, demand)
	require.Equal(t, 0.0, result.ClearedQuantityW)
	require.Len(t, result.Accepted, 0)
	require.Len(t, result.Rejected, 2)
}

func TestClearSettlesAtTheCurrentDemandBidRate(t *testing.T) {
	now := time.Now()
	supply := []*bidding.Bid{
		bid("s1", "home-1", protocol.SideSupply, 300, 0.10, now),
		bid("s2", "home-2", protocol.SideSupply, 300, 0.14, now),
	}
	demand := []*bidding.Bid{
		bid("d1", "home-3", protocol.SideDemand, 600, 0.20, now),
	}

	result := Clear(supply, demand)
	require.Equal(t, 0.20, result.ClearedRate, "settlement tracks the demand side's rate, not an average of the crossing pair")
}

func TestClearMarksPartiallyFilledBidModified(t *testing.T) {
	now := time.Now()
	supply := []*bidding.Bid{
		bid("s1", "home-1", protocol.SideSupply, 1000, 0.10, now),
	}
	demand := []*bidding.Bid{
		bid("d1", "home-2", protocol.SideDemand, 400, 0.20, now),
	}

	result := Clear(supply, demand)
	for _, b := range result.Accepted {
		switch b.UID {
		case "s1":
			require.True(t, b.Modified, "supply bid only partially matched against the smaller demand side")
		case "d1":
			require.False(t, b.Modified, "demand bid fully matched")
		}
	}
}

func TestClearReserveAllocatesCheapestFirstUntilCapacity(t *testing.T) {
	now := time.Now()
	bids := []*bidding.Bid{
		bid("r1", "home-1", protocol.SideReserve, 300, 0.05, now),
		bid("r2", "home-2", protocol.SideReserve, 300, 0.03, now),
		bid("r3", "home-3", protocol.SideReserve, 300, 0.08, now),
	}

	result := ClearReserve(bids, 500)
	require.InDelta(t, 300.0, result.MatchedW["r2"], 1e-9)
	require.InDelta(t, 200.0, result.MatchedW["r1"], 1e-9)
	require.NotContains(t, result.MatchedW, "r3")
	require.Equal(t, 0.05, result.ClearedRate)
}
