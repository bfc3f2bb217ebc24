package exchange

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/marketsim/internal/models"
)

const maxIdentityLen = 64

// OfferInput is a sell-side submission: a new offer or a signed delta to an existing one
type OfferInput struct {
	ID         int64 // 0 asks the engine to assign one
	Instrument string
	Price      decimal.Decimal
	Quantity   int64 // signed delta
	Seller     string
}

// BuyRequestInput is a buy-side submission
type BuyRequestInput struct {
	Instrument string
	Quantity   int64
	Price      decimal.Decimal
	Buyer      string
}

// Validator rejects malformed submissions before they reach the book or the scheduler
type Validator struct {
	instruments map[string]struct{}
}

// NewValidator accepts only the listed instrument symbols
func NewValidator(instruments []string) *Validator {
	v := &Validator{instruments: make(map[string]struct{}, len(instruments))}
	for _, s := range instruments {
		s = normalizeSymbol(s)
		if s != "" {
			v.instruments[s] = struct{}{}
		}
	}
	return v
}

// Instruments returns the accepted symbols
func (v *Validator) Instruments() []string {
	out := make([]string, 0, len(v.instruments))
	for s := range v.instruments {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Offer normalizes and checks an offer submission
func (v *Validator) Offer(in OfferInput) (OfferInput, error) {
	if in.ID < 0 {
		return in, invalid("id", "must not be negative")
	}
	var err error
	if in.Instrument, err = v.instrument(in.Instrument); err != nil {
		return in, err
	}
	if err := checkPrice(in.Price); err != nil {
		return in, err
	}
	if in.Quantity == 0 {
		return in, invalid("quantity", "delta must not be zero")
	}
	if in.Seller, err = identity("seller", in.Seller); err != nil {
		return in, err
	}
	return in, nil
}

// BuyRequest normalizes and checks a buy submission
func (v *Validator) BuyRequest(in BuyRequestInput) (BuyRequestInput, error) {
	var err error
	if in.Instrument, err = v.instrument(in.Instrument); err != nil {
		return in, err
	}
	if err := checkPrice(in.Price); err != nil {
		return in, err
	}
	if in.Quantity <= 0 {
		return in, invalid("quantity", "must be positive")
	}
	if in.Buyer, err = identity("buyer", in.Buyer); err != nil {
		return in, err
	}
	return in, nil
}

func (v *Validator) instrument(s string) (string, error) {
	s = normalizeSymbol(s)
	if s == "" {
		return "", invalid("instrument", "required")
	}
	if _, ok := v.instruments[s]; !ok {
		return "", invalid("instrument", "unknown symbol %q", s)
	}
	return s, nil
}

func checkPrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return invalid("price", "must be positive")
	}
	if !p.Equal(p.Round(models.PriceScale)) {
		return invalid("price", "at most %d decimal places", models.PriceScale)
	}
	return nil
}

func identity(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(field, "required")
	}
	if utf8.RuneCountInString(s) > maxIdentityLen {
		return "", invalid(field, "too long (max %d characters)", maxIdentityLen)
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return "", invalid(field, "contains non-printable characters")
		}
	}
	return s, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
