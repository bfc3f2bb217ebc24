package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/marketsim/internal/exchange"
	"github.com/xtrntr/marketsim/internal/models"
	"go.uber.org/zap/zaptest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *DB

func TestMain(m *testing.M) {
	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		fmt.Fprintln(os.Stderr, "TEST_DATABASE_URL not set, skipping postgres store tests")
		os.Exit(0)
	}

	ctx := context.Background()
	database, err := NewDB(ctx, connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	if err := database.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}
	testDB = database

	code := m.Run()
	database.Close()
	os.Exit(code)
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(),
		"TRUNCATE TABLE offer_deltas, buy_requests, ledger_entries; UPDATE ledger_state SET watermark = 0")
	require.NoError(t, err, "failed to clean up database")
}

func ledgerRow(id int64, role models.Role, source int64) models.LedgerEntry {
	return models.LedgerEntry{
		ID:         id,
		BatchID:    uuid.New(),
		Role:       role,
		SourceID:   source,
		Instrument: "INTC",
		Quantity:   3,
		Price:      decimal.RequireFromString("10.50"),
		Cash:       decimal.RequireFromString("31.50"),
		Buyer:      "B1",
		Ticket:     12001,
		Moment:     2,
		SettledAt:  time.Now().UTC().Truncate(time.Microsecond),
		Status:     models.StatusApproved,
	}
}

func TestDB_MigrateIsIdempotent(t *testing.T) {
	require.NoError(t, testDB.Migrate(context.Background()))
}

func TestDB_SaveAndLoad(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, testDB.SaveOfferDelta(ctx, models.OfferDelta{
		Seq: 1, OfferID: 111111, Instrument: "INTC", Price: decimal.RequireFromString("10.5"),
		Delta: 50, Seller: "S1", PostedAt: now,
	}))
	require.NoError(t, testDB.SaveOfferDelta(ctx, models.OfferDelta{
		Seq: 2, OfferID: 111111, Instrument: "INTC", Price: decimal.RequireFromString("10.50"),
		Delta: -20, Seller: "S1", PostedAt: now,
	}))
	require.NoError(t, testDB.SaveBuyRequest(ctx, models.BuyRequest{
		Priority: 1, Instrument: "INTC", Quantity: 3, Price: decimal.RequireFromString("10.50"),
		Buyer: "B1", ArrivedAt: now, Ticket: 12001, ScheduledAt: now.Add(3 * time.Second),
	}))
	row := ledgerRow(1, models.RoleDemand, 1)
	require.NoError(t, testDB.AppendLedger(ctx, []models.LedgerEntry{row}))
	require.NoError(t, testDB.ClearLedger(ctx, 1))

	st, err := testDB.Load(ctx)
	require.NoError(t, err)

	require.Len(t, st.Deltas, 2)
	assert.Equal(t, int64(-20), st.Deltas[1].Delta)
	assert.True(t, decimal.RequireFromString("10.50").Equal(st.Deltas[0].Price))

	require.Len(t, st.BuyRequests, 1)
	assert.Equal(t, int64(12001), st.BuyRequests[0].Ticket)
	assert.True(t, now.Add(3*time.Second).Equal(st.BuyRequests[0].ScheduledAt))

	require.Len(t, st.Ledger, 1)
	assert.Equal(t, row.BatchID, st.Ledger[0].BatchID)
	assert.Equal(t, models.RoleDemand, st.Ledger[0].Role)
	assert.True(t, row.Cash.Equal(st.Ledger[0].Cash))
	assert.Equal(t, int64(1), st.Watermark)
}

func TestDB_AppendLedgerIsAllOrNothing(t *testing.T) {
	truncate(t)
	ctx := context.Background()

	require.NoError(t, testDB.AppendLedger(ctx, []models.LedgerEntry{ledgerRow(1, models.RoleSupply, 7)}))

	tests := []struct {
		name  string
		batch []models.LedgerEntry
	}{
		{
			name:  "SourceAlreadySettled",
			batch: []models.LedgerEntry{ledgerRow(2, models.RoleDemand, 1), ledgerRow(3, models.RoleSupply, 7)},
		},
		{
			name:  "IDAlreadyUsed",
			batch: []models.LedgerEntry{ledgerRow(4, models.RoleDemand, 2), ledgerRow(1, models.RoleDemand, 3)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testDB.AppendLedger(ctx, tt.batch)
			assert.Error(t, err)

			var count int
			err = testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestDB_ClearLedgerNeverLowersWatermark(t *testing.T) {
	truncate(t)
	ctx := context.Background()

	require.NoError(t, testDB.ClearLedger(ctx, 5))
	require.NoError(t, testDB.ClearLedger(ctx, 3))

	st, err := testDB.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Watermark)
}

func TestDB_ConcurrentDuplicateAppend(t *testing.T) {
	truncate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			err := testDB.AppendLedger(ctx, []models.LedgerEntry{ledgerRow(int64(i+1), models.RoleDemand, 42)})
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successCount, "expected exactly 1 batch to settle source 42")
}

func TestDB_EngineRecovery(t *testing.T) {
	truncate(t)
	ctx := context.Background()

	e := exchange.NewEngine(exchange.DefaultConfig(), testDB, zaptest.NewLogger(t))
	require.NoError(t, e.Recover(ctx))
	runCtx, cancel := context.WithCancel(ctx)
	go e.Run(runCtx)

	o, err := e.SubmitOffer(ctx, exchange.OfferInput{
		Instrument: "IBM", Price: decimal.RequireFromString("7.25"), Quantity: 9, Seller: "S1",
	})
	require.NoError(t, err)
	_, err = e.SubmitBuyRequest(ctx, exchange.BuyRequestInput{
		Instrument: "IBM", Price: decimal.RequireFromString("7.25"), Quantity: 2, Buyer: "B1",
	})
	require.NoError(t, err)
	cancel()
	<-e.Done()

	restarted := exchange.NewEngine(exchange.DefaultConfig(), testDB, zaptest.NewLogger(t))
	require.NoError(t, restarted.Recover(ctx))
	runCtx, cancel = context.WithCancel(ctx)
	go restarted.Run(runCtx)
	defer func() {
		cancel()
		<-restarted.Done()
	}()

	offers, err := restarted.OpenOffers(ctx, exchange.Filter{})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, o.ID, offers[0].ID)
	assert.Equal(t, int64(9), offers[0].Quantity)

	queues, err := restarted.BuyRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, append(queues.Pending, queues.Ready...), 1)
}
