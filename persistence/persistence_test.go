package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devskill-org/microgrid-coordinator/bidding"
	"github.com/devskill-org/microgrid-coordinator/fault"
	"github.com/devskill-org/microgrid-coordinator/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_CONN")
	if dsn == "" {
		t.Skip("skipping: TEST_POSTGRES_CONN not set")
	}
	store, err := Open(dsn, nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadDisposition(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := time.Now().Truncate(time.Second)
	end := start.Add(15 * time.Minute)
	d := bidding.NewDisposition()
	d.Settle(500, 0.12, nil, nil)

	require.NoError(t, store.SaveDisposition(ctx, 12345, start, end, 1.5, d))

	records, err := store.LoadRecentDispositions(ctx, start.Add(-time.Minute))
	require.NoError(t, err)

	var found *DispositionRecord
	for i := range records {
		if records[i].PeriodNumber == 12345 {
			found = &records[i]
		}
	}
	require.NotNil(t, found)
	require.InDelta(t, 0.12, found.ClearedRate, 1e-9)
	require.InDelta(t, 500.0, found.ClearedQuantityW, 1e-9)
}

func TestSaveBidsUpsertsOnUID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	m := bidding.NewManager()
	b := m.InitBid("home-1", protocol.SideSupply, protocol.ServicePower, 1, 100, 0.1)
	require.NoError(t, store.SaveBids(ctx, []*bidding.Bid{b}))

	require.NoError(t, m.SetBid(b.UID, 150, 0.09))
	require.NoError(t, store.SaveBids(ctx, []*bidding.Bid{b}))
}

func TestSaveFaultTransition(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveFaultTransition(ctx, "zone-1", fault.StateLocated, 1, time.Now()))
}
