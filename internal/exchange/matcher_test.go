package exchange

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/marketsim/internal/models"
	"pgregory.net/rapid"
)

func newTestOffer(id int64, instrument, price string, qty int64, seller string) models.Offer {
	return models.Offer{
		ID:         id,
		Instrument: instrument,
		Price:      decimal.RequireFromString(price),
		Quantity:   qty,
		Seller:     seller,
	}
}

func newTestRequest(priority int64, instrument, price string, qty int64, buyer string) models.BuyRequest {
	return models.BuyRequest{
		Priority:   priority,
		Instrument: instrument,
		Price:      decimal.RequireFromString(price),
		Quantity:   qty,
		Buyer:      buyer,
		Ticket:     12001,
	}
}

// snapshotOf builds a matcher snapshot the way the engine does
func snapshotOf(offers []models.Offer, ready []models.BuyRequest) Snapshot {
	b := NewOfferBook()
	for _, o := range offers {
		if _, err := b.Post(models.OfferDelta{
			OfferID: o.ID, Instrument: o.Instrument, Price: o.Price, Delta: o.Quantity, Seller: o.Seller,
		}); err != nil {
			panic(err)
		}
	}
	snap := Snapshot{
		OfferTotals: b.Aggregate(),
		Offers:      make(map[models.MatchKey][]models.Offer),
		Ready:       ready,
		Now:         time.Date(2024, 5, 6, 10, 0, 3, 0, time.UTC),
		Moment:      4,
		BatchID:     uuid.New(),
	}
	for key := range snap.OfferTotals {
		snap.Offers[key] = b.ActiveAt(key)
	}
	return snap
}

func TestMatch_DemandFilled(t *testing.T) {
	snap := snapshotOf(
		[]models.Offer{newTestOffer(1, "INTC", "10.00", 50, "S1")},
		[]models.BuyRequest{newTestRequest(1, "INTC", "10.00", 30, "B1")},
	)

	res := Match(snap)

	require.Len(t, res.Settlements, 1)
	assert.Equal(t, Settlement{
		Key:     models.MatchKey{Instrument: "INTC", Price: "10.00"},
		Class:   DemandFilled,
		Demand:  30,
		Supply:  50,
		Settled: 30,
	}, res.Settlements[0])

	require.Len(t, res.Entries, 1)
	e := res.Entries[0]
	assert.Equal(t, models.RoleDemand, e.Role)
	assert.Equal(t, int64(1), e.SourceID)
	assert.Equal(t, "INTC", e.Instrument)
	assert.True(t, decimal.RequireFromString("10.00").Equal(e.Price))
	assert.Equal(t, int64(30), e.Quantity)
	assert.True(t, decimal.RequireFromString("300").Equal(e.Cash))
	assert.Equal(t, "B1", e.Buyer)
	assert.Equal(t, "", e.Seller)
	assert.Equal(t, models.StatusApproved, e.Status)
	assert.Equal(t, int64(12001), e.Ticket)
	assert.Equal(t, int64(4), e.Moment)
	assert.Equal(t, snap.BatchID, e.BatchID)
}

func TestMatch_SupplyFilled(t *testing.T) {
	snap := snapshotOf(
		[]models.Offer{
			newTestOffer(1, "INTC", "10.00", 12, "S1"),
			newTestOffer(2, "INTC", "10.00", 8, "S2"),
		},
		[]models.BuyRequest{
			newTestRequest(1, "INTC", "10.00", 30, "B1"),
			newTestRequest(2, "INTC", "10.00", 20, "B2"),
		},
	)

	res := Match(snap)

	require.Len(t, res.Settlements, 1)
	assert.Equal(t, SupplyFilled, res.Settlements[0].Class)
	assert.Equal(t, int64(50), res.Settlements[0].Demand)
	assert.Equal(t, int64(20), res.Settlements[0].Supply)
	assert.Equal(t, int64(20), res.Settlements[0].Settled)

	require.Len(t, res.Entries, 2)
	var total int64
	for i, e := range res.Entries {
		assert.Equal(t, models.RoleSupply, e.Role)
		assert.Equal(t, int64(i+1), e.SourceID)
		assert.Equal(t, "", e.Buyer)
		assert.Equal(t, models.StatusApproved, e.Status)
		total += e.Quantity
	}
	assert.Equal(t, int64(20), total)
	assert.Equal(t, "S1", res.Entries[0].Seller)
	assert.Equal(t, "S2", res.Entries[1].Seller)
}

func TestMatch_ExactFilledWritesBothSides(t *testing.T) {
	snap := snapshotOf(
		[]models.Offer{newTestOffer(9, "AAPL", "1.50", 10, "S1")},
		[]models.BuyRequest{
			newTestRequest(1, "AAPL", "1.50", 4, "B1"),
			newTestRequest(2, "AAPL", "1.50", 6, "B2"),
		},
	)

	res := Match(snap)

	require.Len(t, res.Settlements, 1)
	assert.Equal(t, ExactFilled, res.Settlements[0].Class)
	assert.Equal(t, int64(10), res.Settlements[0].Settled)

	require.Len(t, res.Entries, 3)
	assert.Equal(t, models.SourceKey{Role: models.RoleDemand, SourceID: 1}, res.Entries[0].Source())
	assert.Equal(t, models.SourceKey{Role: models.RoleDemand, SourceID: 2}, res.Entries[1].Source())
	assert.Equal(t, models.SourceKey{Role: models.RoleSupply, SourceID: 9}, res.Entries[2].Source())
}

func TestMatch_RejectsWithoutExactPriceSupply(t *testing.T) {
	snap := snapshotOf(
		[]models.Offer{newTestOffer(1, "IPET", "5.10", 100, "S1")},
		[]models.BuyRequest{
			newTestRequest(1, "IPET", "5.00", 3, "B1"),
			newTestRequest(2, "IBM", "5.10", 3, "B2"),
		},
	)

	res := Match(snap)

	assert.Empty(t, res.Settlements)
	require.Len(t, res.Entries, 2)
	for _, e := range res.Entries {
		assert.Equal(t, models.StatusRejected, e.Status)
		assert.Equal(t, models.RoleDemand, e.Role)
		assert.Equal(t, int64(3), e.Quantity)
		assert.Empty(t, e.Seller)
	}
	assert.Equal(t, "B1", res.Entries[0].Buyer)
}

func TestMatch_RejectionsPrecedeApprovalsInPriorityOrder(t *testing.T) {
	snap := snapshotOf(
		[]models.Offer{newTestOffer(1, "MSFT", "2.00", 100, "S1")},
		[]models.BuyRequest{
			newTestRequest(4, "MSFT", "2.00", 1, "B4"),
			newTestRequest(3, "MSFT", "9.99", 1, "B3"),
			newTestRequest(1, "MSFT", "2.00", 1, "B1"),
		},
	)

	res := Match(snap)

	require.Len(t, res.Entries, 3)
	assert.Equal(t, models.StatusRejected, res.Entries[0].Status)
	assert.Equal(t, int64(3), res.Entries[0].SourceID)
	assert.Equal(t, int64(1), res.Entries[1].SourceID)
	assert.Equal(t, int64(4), res.Entries[2].SourceID)
}

func TestMatch_IndependentKeys(t *testing.T) {
	snap := snapshotOf(
		[]models.Offer{
			newTestOffer(1, "INTC", "10.00", 50, "S1"),
			newTestOffer(2, "MSFT", "3.00", 5, "S2"),
		},
		[]models.BuyRequest{
			newTestRequest(1, "MSFT", "3.00", 8, "B1"),
			newTestRequest(2, "INTC", "10.00", 1, "B2"),
		},
	)

	res := Match(snap)

	require.Len(t, res.Settlements, 2)
	assert.Equal(t, "MSFT", res.Settlements[0].Key.Instrument)
	assert.Equal(t, SupplyFilled, res.Settlements[0].Class)
	assert.Equal(t, "INTC", res.Settlements[1].Key.Instrument)
	assert.Equal(t, DemandFilled, res.Settlements[1].Class)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, DemandFilled, Classify(1, 2))
	assert.Equal(t, SupplyFilled, Classify(3, 2))
	assert.Equal(t, ExactFilled, Classify(2, 2))
}

func TestProperty_ClassificationCompleteness(t *testing.T) {
	prices := []string{"1.00", "1.50", "2.00"}
	rapid.Check(t, func(t *rapid.T) {
		var offers []models.Offer
		nOffers := rapid.IntRange(0, 6).Draw(t, "offers")
		for i := 0; i < nOffers; i++ {
			price := rapid.SampledFrom(prices).Draw(t, "offerPrice")
			qty := rapid.Int64Range(1, 50).Draw(t, "offerQty")
			offers = append(offers, newTestOffer(int64(i+1), "INTC", price, qty, "S"))
		}
		var ready []models.BuyRequest
		nReq := rapid.IntRange(0, 8).Draw(t, "requests")
		for i := 0; i < nReq; i++ {
			price := rapid.SampledFrom(prices).Draw(t, "reqPrice")
			qty := rapid.Int64Range(1, 50).Draw(t, "reqQty")
			ready = append(ready, newTestRequest(int64(i+1), "INTC", price, qty, "B"))
		}

		snap := snapshotOf(offers, ready)
		res := Match(snap)

		seenKeys := make(map[models.MatchKey]bool)
		for _, s := range res.Settlements {
			if seenKeys[s.Key] {
				t.Fatalf("key %s classified twice", s.Key)
			}
			seenKeys[s.Key] = true
			if s.Class != Classify(s.Demand, s.Supply) {
				t.Fatalf("key %s classified %s for %d/%d", s.Key, s.Class, s.Demand, s.Supply)
			}
			if s.Settled != min(s.Demand, s.Supply) {
				t.Fatalf("settled %d, want min(%d, %d)", s.Settled, s.Demand, s.Supply)
			}
		}

		for _, req := range ready {
			hasSupply := snap.OfferTotals[req.Key()] > 0
			if hasSupply != seenKeys[req.Key()] {
				t.Fatalf("request %d with supply=%v not classified consistently", req.Priority, hasSupply)
			}
		}

		sources := make(map[models.SourceKey]bool)
		for _, e := range res.Entries {
			if sources[e.Source()] {
				t.Fatalf("source %v emitted twice", e.Source())
			}
			sources[e.Source()] = true
		}

		again := Match(snap)
		l := NewLedger()
		l.Append(res.Entries)
		if inserted := l.Append(again.Entries); len(inserted) != 0 {
			t.Fatalf("second run inserted %d entries", len(inserted))
		}
	})
}
