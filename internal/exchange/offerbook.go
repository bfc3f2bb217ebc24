package exchange

import (
	"fmt"
	"sort"

	"github.com/xtrntr/marketsim/internal/models"
)

// OfferBook folds signed quantity deltas into net offers and keeps running
// totals per match key for the active ones.
type OfferBook struct {
	offers map[int64]*models.Offer

	// active offer IDs per key, and their summed net quantity
	byKey  map[models.MatchKey]map[int64]struct{}
	totals map[models.MatchKey]int64
}

func NewOfferBook() *OfferBook {
	return &OfferBook{
		offers: make(map[int64]*models.Offer),
		byKey:  make(map[models.MatchKey]map[int64]struct{}),
		totals: make(map[models.MatchKey]int64),
	}
}

// Check reports whether d can be folded into the book without applying it.
func (b *OfferBook) Check(d models.OfferDelta) error {
	o, ok := b.offers[d.OfferID]
	if !ok {
		if d.Delta <= 0 {
			return invalid("quantity", "new offer %d needs a positive quantity", d.OfferID)
		}
		return nil
	}
	if o.Instrument != d.Instrument || !o.Price.Equal(d.Price) || o.Seller != d.Seller {
		return invalid("id", "offer %d belongs to %s at %s by %s", o.ID, o.Instrument, o.Price.StringFixed(models.PriceScale), o.Seller)
	}
	return nil
}

// Post folds one delta and returns the offer's new net state.
func (b *OfferBook) Post(d models.OfferDelta) (models.Offer, error) {
	if err := b.Check(d); err != nil {
		return models.Offer{}, err
	}
	o, ok := b.offers[d.OfferID]
	if !ok {
		o = &models.Offer{
			ID:         d.OfferID,
			Instrument: d.Instrument,
			Price:      d.Price,
			Seller:     d.Seller,
			Moment:     d.Moment,
			CreatedAt:  d.PostedAt,
		}
		b.offers[d.OfferID] = o
	}

	b.deactivate(o)
	o.Quantity += d.Delta
	o.UpdatedAt = d.PostedAt
	b.activate(o)

	return *o, nil
}

// Get returns the net state of an offer, active or not
func (b *OfferBook) Get(id int64) (models.Offer, bool) {
	o, ok := b.offers[id]
	if !ok {
		return models.Offer{}, false
	}
	return *o, true
}

// Active returns every offer with positive net quantity, ascending by ID
func (b *OfferBook) Active() []models.Offer {
	out := make([]models.Offer, 0, len(b.offers))
	for _, ids := range b.byKey {
		for id := range ids {
			out = append(out, *b.offers[id])
		}
	}
	sortOffers(out)
	return out
}

// ActiveAt returns the active offers for one key, ascending by ID
func (b *OfferBook) ActiveAt(key models.MatchKey) []models.Offer {
	ids := b.byKey[key]
	out := make([]models.Offer, 0, len(ids))
	for id := range ids {
		out = append(out, *b.offers[id])
	}
	sortOffers(out)
	return out
}

// Aggregate returns a copy of the running totals of active quantity per key
func (b *OfferBook) Aggregate() map[models.MatchKey]int64 {
	out := make(map[models.MatchKey]int64, len(b.totals))
	for k, v := range b.totals {
		out[k] = v
	}
	return out
}

// Verify recomputes the totals from the active index. On a mismatch the
// totals are rebuilt and ErrStaleSnapshot is returned so the caller can skip
// the cycle that observed them.
func (b *OfferBook) Verify() error {
	stale := 0
	for key, ids := range b.byKey {
		if !b.consistent(key, ids) {
			stale++
		}
	}
	if stale > 0 || len(b.byKey) != len(b.totals) {
		b.rebuild()
		return fmt.Errorf("offer totals diverged at %d keys: %w", stale, ErrStaleSnapshot)
	}
	return nil
}

func (b *OfferBook) consistent(key models.MatchKey, ids map[int64]struct{}) bool {
	var sum int64
	for id := range ids {
		o := b.offers[id]
		if o == nil || !o.Active() || o.Key() != key {
			return false
		}
		sum += o.Quantity
	}
	total, ok := b.totals[key]
	return ok && sum == total
}

func (b *OfferBook) rebuild() {
	b.byKey = make(map[models.MatchKey]map[int64]struct{})
	b.totals = make(map[models.MatchKey]int64)
	for _, o := range b.offers {
		b.activate(o)
	}
}

func (b *OfferBook) activate(o *models.Offer) {
	if !o.Active() {
		return
	}
	key := o.Key()
	ids := b.byKey[key]
	if ids == nil {
		ids = make(map[int64]struct{})
		b.byKey[key] = ids
	}
	ids[o.ID] = struct{}{}
	b.totals[key] += o.Quantity
}

func (b *OfferBook) deactivate(o *models.Offer) {
	if !o.Active() {
		return
	}
	key := o.Key()
	delete(b.byKey[key], o.ID)
	b.totals[key] -= o.Quantity
	if len(b.byKey[key]) == 0 {
		delete(b.byKey, key)
		delete(b.totals, key)
	}
}

func sortOffers(offers []models.Offer) {
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].ID < offers[j].ID
	})
}
