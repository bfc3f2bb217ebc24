package exchange

import "time"

type CommandType int

const (
	CmdSubmitOffer CommandType = iota
	CmdCancelOffer
	CmdSubmitBuyRequest
	CmdOpenOffers
	CmdBuyRequests
	CmdLedger
	CmdCleanup
	CmdClearLedger
	CmdClearCleanup
	CmdSimulation
	CmdStartSimulation
	CmdStopSimulation
	CmdResetSimulation
)

// Command is a request executed on the driver goroutine
type Command struct {
	Type       CommandType
	Offer      OfferInput      // CmdSubmitOffer
	BuyRequest BuyRequestInput // CmdSubmitBuyRequest
	ID         int64           // offer ID for CmdCancelOffer, since-ID for CmdLedger
	Filter     Filter
	Duration   time.Duration // CmdStartSimulation
	Resp       chan Response // driver sends the result back here
}

// Response carries a command result back to the caller
type Response struct {
	Value any
	Err   error
}

// Filter narrows offer and ledger views to one player
type Filter struct {
	Seller        string
	ExcludeSeller string
	Buyer         string
}
