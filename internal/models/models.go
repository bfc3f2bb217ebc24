package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places a price may carry.
const PriceScale = 2

// Offer is the net state of a sell intention, folded from every delta posted under its ID
type Offer struct {
	ID         int64           `json:"id"`
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"` // net quantity, active only when > 0
	Seller     string          `json:"seller"`
	Moment     int64           `json:"moment"` // game moment of the first posting
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Active reports whether the offer takes part in matching
func (o Offer) Active() bool {
	return o.Quantity > 0
}

// Key returns the match key the offer aggregates under
func (o Offer) Key() MatchKey {
	return NewMatchKey(o.Instrument, o.Price)
}

// OfferDelta is one signed quantity change posted against an offer ID
type OfferDelta struct {
	Seq        int64           `json:"seq"`
	OfferID    int64           `json:"offer_id"`
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Delta      int64           `json:"delta"`
	Seller     string          `json:"seller"`
	Moment     int64           `json:"moment"`
	PostedAt   time.Time       `json:"posted_at"`
}

// BuyRequest is a queued purchase waiting for its settlement window
type BuyRequest struct {
	Priority    int64           `json:"priority"` // arrival sequence, 1-based
	Instrument  string          `json:"instrument"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Buyer       string          `json:"buyer"`
	Moment      int64           `json:"moment"`
	ArrivedAt   time.Time       `json:"arrived_at"`
	Ticket      int64           `json:"ticket"`
	ScheduledAt time.Time       `json:"scheduled_at"`
}

// Key returns the match key the request aggregates under
func (b BuyRequest) Key() MatchKey {
	return NewMatchKey(b.Instrument, b.Price)
}

// MatchKey pairs an instrument with an exact price. Price is the fixed
// two-decimal rendering so the key stays comparable.
type MatchKey struct {
	Instrument string
	Price      string
}

// NewMatchKey builds the key for an instrument and price
func NewMatchKey(instrument string, price decimal.Decimal) MatchKey {
	return MatchKey{Instrument: instrument, Price: price.StringFixed(PriceScale)}
}

func (k MatchKey) String() string {
	return k.Instrument + "@" + k.Price
}

// Role tells which side of a settlement a ledger row was sourced from
type Role string

const (
	RoleDemand Role = "demand" // sourced from a buy request priority
	RoleSupply Role = "supply" // sourced from an offer ID
)

// Status is the outcome recorded for a ledger row
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// SourceKey identifies what a ledger row settles; it appears at most once in the ledger
type SourceKey struct {
	Role     Role
	SourceID int64
}

// LedgerEntry is one immutable settlement outcome
type LedgerEntry struct {
	ID         int64           `json:"id"`
	BatchID    uuid.UUID       `json:"batch_id"`
	Role       Role            `json:"role"`
	SourceID   int64           `json:"source_id"` // buy request priority or offer ID
	Instrument string          `json:"instrument"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Cash       decimal.Decimal `json:"cash"` // quantity * price
	Buyer      string          `json:"buyer"`
	Seller     string          `json:"seller"`
	Ticket     int64           `json:"ticket,omitempty"`
	Moment     int64           `json:"moment"`
	SettledAt  time.Time       `json:"settled_at"`
	Status     Status          `json:"status"`
}

// Source returns the dedup key of the entry
func (e LedgerEntry) Source() SourceKey {
	return SourceKey{Role: e.Role, SourceID: e.SourceID}
}

// SimulationState describes the game clock
type SimulationState struct {
	Moment   int64         `json:"moment"`
	Running  bool          `json:"running"`
	Duration time.Duration `json:"duration_ns"` // wall time per moment
	Since    time.Time     `json:"since"`       // start of the current moment
}
