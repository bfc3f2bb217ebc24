package exchange

import (
	"context"
	"time"

	"github.com/xtrntr/marketsim/internal/models"
)

// send hands cmd to the driver and waits for its response
func (e *Engine) send(ctx context.Context, cmd Command) (any, error) {
	cmd.Resp = make(chan Response, 1)

	select {
	case e.cmds <- cmd:
	case <-e.done:
		return nil, ErrEngineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.Resp:
		return r.Value, r.Err
	case <-e.done:
		return nil, ErrEngineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitOffer posts a new offer or a signed delta to an existing one
func (e *Engine) SubmitOffer(ctx context.Context, in OfferInput) (models.Offer, error) {
	v, err := e.send(ctx, Command{Type: CmdSubmitOffer, Offer: in})
	if err != nil {
		return models.Offer{}, err
	}
	return v.(models.Offer), nil
}

// CancelOffer posts the negative of the offer's current net quantity
func (e *Engine) CancelOffer(ctx context.Context, id int64) (models.Offer, error) {
	v, err := e.send(ctx, Command{Type: CmdCancelOffer, ID: id})
	if err != nil {
		return models.Offer{}, err
	}
	return v.(models.Offer), nil
}

// SubmitBuyRequest queues a buy request and returns it with priority and ticket assigned
func (e *Engine) SubmitBuyRequest(ctx context.Context, in BuyRequestInput) (models.BuyRequest, error) {
	v, err := e.send(ctx, Command{Type: CmdSubmitBuyRequest, BuyRequest: in})
	if err != nil {
		return models.BuyRequest{}, err
	}
	return v.(models.BuyRequest), nil
}

// OpenOffers returns the offers with positive net quantity
func (e *Engine) OpenOffers(ctx context.Context, f Filter) ([]models.Offer, error) {
	v, err := e.send(ctx, Command{Type: CmdOpenOffers, Filter: f})
	if err != nil {
		return nil, err
	}
	return v.([]models.Offer), nil
}

func (e *Engine) BuyRequests(ctx context.Context) (BuyRequestQueues, error) {
	v, err := e.send(ctx, Command{Type: CmdBuyRequests})
	if err != nil {
		return BuyRequestQueues{}, err
	}
	return v.(BuyRequestQueues), nil
}

// Ledger returns visible ledger rows with ID greater than sinceID
func (e *Engine) Ledger(ctx context.Context, sinceID int64, f Filter) ([]models.LedgerEntry, error) {
	v, err := e.send(ctx, Command{Type: CmdLedger, ID: sinceID, Filter: f})
	if err != nil {
		return nil, err
	}
	return v.([]models.LedgerEntry), nil
}

// Cleanup returns the buy requests released since the last ClearCleanup
func (e *Engine) Cleanup(ctx context.Context) ([]models.BuyRequest, error) {
	v, err := e.send(ctx, Command{Type: CmdCleanup})
	if err != nil {
		return nil, err
	}
	return v.([]models.BuyRequest), nil
}

func (e *Engine) ClearLedger(ctx context.Context) error {
	_, err := e.send(ctx, Command{Type: CmdClearLedger})
	return err
}

func (e *Engine) ClearCleanup(ctx context.Context) error {
	_, err := e.send(ctx, Command{Type: CmdClearCleanup})
	return err
}

func (e *Engine) Simulation(ctx context.Context) (models.SimulationState, error) {
	return e.simulation(ctx, Command{Type: CmdSimulation})
}

// StartSimulation starts the game clock; a zero duration keeps the current one
func (e *Engine) StartSimulation(ctx context.Context, d time.Duration) (models.SimulationState, error) {
	return e.simulation(ctx, Command{Type: CmdStartSimulation, Duration: d})
}

func (e *Engine) StopSimulation(ctx context.Context) (models.SimulationState, error) {
	return e.simulation(ctx, Command{Type: CmdStopSimulation})
}

func (e *Engine) ResetSimulation(ctx context.Context) (models.SimulationState, error) {
	return e.simulation(ctx, Command{Type: CmdResetSimulation})
}

func (e *Engine) simulation(ctx context.Context, cmd Command) (models.SimulationState, error) {
	v, err := e.send(ctx, cmd)
	if err != nil {
		return models.SimulationState{}, err
	}
	return v.(models.SimulationState), nil
}

// Done is closed once Run has returned
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Instruments lists the symbols accepted at the boundary
func (e *Engine) Instruments() []string {
	return e.validator.Instruments()
}
