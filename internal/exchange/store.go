package exchange

import (
	"context"
	"time"

	"github.com/xtrntr/marketsim/internal/models"
)

// Store persists what the engine needs to rebuild itself after a restart.
// Offers are stored as their delta history; the ledger keeps cleared rows so
// the dedup index survives.
type Store interface {
	SaveOfferDelta(ctx context.Context, d models.OfferDelta) error
	SaveBuyRequest(ctx context.Context, r models.BuyRequest) error
	// AppendLedger writes one matcher batch atomically
	AppendLedger(ctx context.Context, entries []models.LedgerEntry) error
	ClearLedger(ctx context.Context, watermark int64) error
	Load(ctx context.Context) (*State, error)
}

// State is everything a Store hands back on Load
type State struct {
	Deltas      []models.OfferDelta // ascending Seq
	BuyRequests []models.BuyRequest
	Ledger      []models.LedgerEntry
	Watermark   int64
}

// NopStore keeps nothing; the engine runs purely in memory
type NopStore struct{}

func (NopStore) SaveOfferDelta(context.Context, models.OfferDelta) error  { return nil }
func (NopStore) SaveBuyRequest(context.Context, models.BuyRequest) error  { return nil }
func (NopStore) AppendLedger(context.Context, []models.LedgerEntry) error { return nil }
func (NopStore) ClearLedger(context.Context, int64) error                 { return nil }
func (NopStore) Load(context.Context) (*State, error)                     { return &State{}, nil }

var _ Store = NopStore{}

// Listener is told about state changes from the driver goroutine. It must not block.
type Listener interface {
	OffersChanged(offers []models.Offer)
	Settled(entries []models.LedgerEntry)
}

// Clock supplies wall-clock time
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
