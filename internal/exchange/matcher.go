package exchange

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/marketsim/internal/models"
)

// Classification is the outcome of comparing demand and supply at one key
type Classification string

const (
	DemandFilled Classification = "demand_filled" // demand < supply, every request satisfiable
	SupplyFilled Classification = "supply_filled" // demand > supply, every offer consumed
	ExactFilled  Classification = "exact_filled"
)

// Classify compares aggregated demand against aggregated supply
func Classify(demand, supply int64) Classification {
	switch {
	case demand < supply:
		return DemandFilled
	case demand > supply:
		return SupplyFilled
	default:
		return ExactFilled
	}
}

// Settlement summarizes one classified key of a matcher run
type Settlement struct {
	Key     models.MatchKey `json:"key"`
	Class   Classification  `json:"class"`
	Demand  int64           `json:"demand"`
	Supply  int64           `json:"supply"`
	Settled int64           `json:"settled"` // min(demand, supply)
}

// Snapshot is the consistent state one matcher run works against
type Snapshot struct {
	OfferTotals map[models.MatchKey]int64
	Offers      map[models.MatchKey][]models.Offer // active offers, ascending ID
	Ready       []models.BuyRequest                // ready and unsettled
	Now         time.Time
	Moment      int64
	BatchID     uuid.UUID
}

// MatchResult is the batch handed to the ledger
type MatchResult struct {
	Entries     []models.LedgerEntry // rejections first, then approvals
	Settlements []Settlement
}

// Match runs one batch auction over s. Requests with no supply at their exact
// key are rejected up front; the rest are aggregated per key and classified.
// DemandFilled writes only the demand rows and SupplyFilled only the supply
// rows; ExactFilled writes both sides.
func Match(s Snapshot) MatchResult {
	ready := make([]models.BuyRequest, len(s.Ready))
	copy(ready, s.Ready)
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority < ready[j].Priority
	})

	res := MatchResult{}
	candidates := make(map[models.MatchKey][]models.BuyRequest)
	demand := make(map[models.MatchKey]int64)
	var keys []models.MatchKey

	for _, req := range ready {
		key := req.Key()
		if s.OfferTotals[key] <= 0 {
			res.Entries = append(res.Entries, demandEntry(s, req, models.StatusRejected))
			continue
		}
		if _, seen := candidates[key]; !seen {
			keys = append(keys, key)
		}
		candidates[key] = append(candidates[key], req)
		demand[key] += req.Quantity
	}

	for _, key := range keys {
		supply := s.OfferTotals[key]
		class := Classify(demand[key], supply)
		res.Settlements = append(res.Settlements, Settlement{
			Key:     key,
			Class:   class,
			Demand:  demand[key],
			Supply:  supply,
			Settled: min(demand[key], supply),
		})

		if class == DemandFilled || class == ExactFilled {
			for _, req := range candidates[key] {
				res.Entries = append(res.Entries, demandEntry(s, req, models.StatusApproved))
			}
		}
		if class == SupplyFilled || class == ExactFilled {
			for _, o := range s.Offers[key] {
				res.Entries = append(res.Entries, supplyEntry(s, o))
			}
		}
	}
	return res
}

func demandEntry(s Snapshot, req models.BuyRequest, status models.Status) models.LedgerEntry {
	return models.LedgerEntry{
		BatchID:    s.BatchID,
		Role:       models.RoleDemand,
		SourceID:   req.Priority,
		Instrument: req.Instrument,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Cash:       cash(req.Price, req.Quantity),
		Buyer:      req.Buyer,
		Ticket:     req.Ticket,
		Moment:     s.Moment,
		SettledAt:  s.Now,
		Status:     status,
	}
}

func supplyEntry(s Snapshot, o models.Offer) models.LedgerEntry {
	return models.LedgerEntry{
		BatchID:    s.BatchID,
		Role:       models.RoleSupply,
		SourceID:   o.ID,
		Instrument: o.Instrument,
		Quantity:   o.Quantity,
		Price:      o.Price,
		Cash:       cash(o.Price, o.Quantity),
		Seller:     o.Seller,
		Moment:     s.Moment,
		SettledAt:  s.Now,
		Status:     models.StatusApproved,
	}
}

func cash(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty)).Round(models.PriceScale)
}
