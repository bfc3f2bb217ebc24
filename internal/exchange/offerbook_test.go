package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/marketsim/internal/models"
	"pgregory.net/rapid"
)

func newTestDelta(id int64, instrument, price string, delta int64, seller string) models.OfferDelta {
	return models.OfferDelta{
		OfferID:    id,
		Instrument: instrument,
		Price:      decimal.RequireFromString(price),
		Delta:      delta,
		Seller:     seller,
		PostedAt:   time.Now(),
	}
}

func TestOfferBook_Post(t *testing.T) {
	tests := []struct {
		name       string
		deltas     []int64
		wantNet    int64
		wantActive bool
	}{
		{name: "SinglePosting", deltas: []int64{50}, wantNet: 50, wantActive: true},
		{name: "TopUp", deltas: []int64{50, 25}, wantNet: 75, wantActive: true},
		{name: "PartialWithdraw", deltas: []int64{50, -20}, wantNet: 30, wantActive: true},
		{name: "Cancelled", deltas: []int64{50, -50}, wantNet: 0, wantActive: false},
		{name: "Overdrawn", deltas: []int64{10, -15}, wantNet: -5, wantActive: false},
		{name: "Reopened", deltas: []int64{10, -10, 4}, wantNet: 4, wantActive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewOfferBook()
			var got models.Offer
			for _, d := range tt.deltas {
				var err error
				got, err = b.Post(newTestDelta(111111, "INTC", "10.00", d, "Jugador 1"))
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantNet, got.Quantity)
			assert.Equal(t, tt.wantActive, got.Active())

			key := models.NewMatchKey("INTC", decimal.RequireFromString("10"))
			if tt.wantActive {
				assert.Equal(t, tt.wantNet, b.Aggregate()[key])
				assert.Len(t, b.Active(), 1)
			} else {
				assert.NotContains(t, b.Aggregate(), key)
				assert.Empty(t, b.Active())
			}
		})
	}
}

func TestOfferBook_AggregateByKey(t *testing.T) {
	b := NewOfferBook()
	for _, d := range []models.OfferDelta{
		newTestDelta(1, "INTC", "10.00", 50, "S1"),
		newTestDelta(2, "INTC", "10.00", 20, "S2"),
		newTestDelta(3, "INTC", "10.50", 5, "S1"),
		newTestDelta(4, "MSFT", "10.00", 7, "S3"),
		newTestDelta(2, "INTC", "10.00", -20, "S2"),
	} {
		_, err := b.Post(d)
		require.NoError(t, err)
	}

	agg := b.Aggregate()
	assert.Equal(t, map[models.MatchKey]int64{
		{Instrument: "INTC", Price: "10.00"}: 50,
		{Instrument: "INTC", Price: "10.50"}: 5,
		{Instrument: "MSFT", Price: "10.00"}: 7,
	}, agg)

	at := b.ActiveAt(models.MatchKey{Instrument: "INTC", Price: "10.00"})
	require.Len(t, at, 1)
	assert.Equal(t, int64(1), at[0].ID)

	active := b.Active()
	require.Len(t, active, 3)
	assert.Equal(t, []int64{1, 3, 4}, []int64{active[0].ID, active[1].ID, active[2].ID})
}

func TestOfferBook_Check(t *testing.T) {
	b := NewOfferBook()
	_, err := b.Post(newTestDelta(7, "INTC", "10.00", 10, "S1"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		delta models.OfferDelta
	}{
		{name: "NewOfferNegative", delta: newTestDelta(8, "INTC", "10.00", -1, "S1")},
		{name: "OtherInstrument", delta: newTestDelta(7, "MSFT", "10.00", 1, "S1")},
		{name: "OtherPrice", delta: newTestDelta(7, "INTC", "10.01", 1, "S1")},
		{name: "OtherSeller", delta: newTestDelta(7, "INTC", "10.00", 1, "S2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Post(tt.delta)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	o, ok := b.Get(7)
	require.True(t, ok)
	assert.Equal(t, int64(10), o.Quantity)
}

func TestOfferBook_PriceScaleInsensitive(t *testing.T) {
	b := NewOfferBook()
	_, err := b.Post(newTestDelta(1, "INTC", "10", 5, "S1"))
	require.NoError(t, err)
	_, err = b.Post(newTestDelta(1, "INTC", "10.00", 5, "S1"))
	require.NoError(t, err)

	assert.Equal(t, int64(10), b.Aggregate()[models.MatchKey{Instrument: "INTC", Price: "10.00"}])
}

func TestOfferBook_VerifyRebuildsDivergedTotals(t *testing.T) {
	b := NewOfferBook()
	_, err := b.Post(newTestDelta(1, "INTC", "10.00", 5, "S1"))
	require.NoError(t, err)
	require.NoError(t, b.Verify())

	key := models.MatchKey{Instrument: "INTC", Price: "10.00"}
	b.totals[key] = 99

	err = b.Verify()
	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Equal(t, int64(5), b.Aggregate()[key])
	assert.NoError(t, b.Verify())
}

func TestProperty_NetQuantityIsSumOfDeltas(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewOfferBook()
		first := rapid.Int64Range(1, 1000).Draw(t, "first")
		rest := rapid.SliceOf(rapid.Int64Range(-1000, 1000)).Draw(t, "rest")

		sum := first
		if _, err := b.Post(newTestDelta(1, "IBM", "3.25", first, "S1")); err != nil {
			t.Fatalf("first delta rejected: %v", err)
		}
		for _, d := range rest {
			if _, err := b.Post(newTestDelta(1, "IBM", "3.25", d, "S1")); err != nil {
				t.Fatalf("delta %d rejected: %v", d, err)
			}
			sum += d
		}

		o, _ := b.Get(1)
		if o.Quantity != sum {
			t.Fatalf("net quantity %d, want %d", o.Quantity, sum)
		}
		listed := len(b.Active()) == 1
		if listed != (sum > 0) {
			t.Fatalf("listed=%v with net %d", listed, sum)
		}
		if err := b.Verify(); err != nil {
			t.Fatalf("totals diverged: %v", err)
		}
	})
}
