package exchange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/marketsim/internal/models"
	"go.uber.org/zap"
)

// Config tunes the driver
type Config struct {
	Instruments    []string
	TickInterval   time.Duration // scheduler poll period
	MatchEvery     int           // run the matcher every N ticks
	Window         time.Duration // settlement ticket width
	OfferIDStart   int64         // first auto-assigned offer ID
	MomentDuration time.Duration // default wall time per game moment
	Buffer         int           // command channel capacity
}

func DefaultConfig() Config {
	return Config{
		Instruments:    []string{"INTC", "MSFT", "AAPL", "IPET", "IBM"},
		TickInterval:   time.Second,
		MatchEvery:     3,
		Window:         DefaultWindow,
		OfferIDStart:   111111,
		MomentDuration: time.Minute,
		Buffer:         1024,
	}
}

// BuyRequestQueues is the administrative view of buy requests not yet settled
type BuyRequestQueues struct {
	Pending []models.BuyRequest `json:"pending"`
	Ready   []models.BuyRequest `json:"ready"`
}

// Engine owns the offer book, the scheduler, the ready queue and the ledger.
// All of them are touched only by the Run goroutine; every public method
// sends a Command and waits for its Response.
type Engine struct {
	cfg       Config
	validator *Validator
	book      *OfferBook
	sched     *Scheduler
	ledger    *Ledger
	ready     []models.BuyRequest // released, not yet in the ledger
	cleanup   []models.BuyRequest // every released request, until cleared
	sim       models.SimulationState
	ticks     int64
	lastOffer int64
	lastDelta int64

	store     Store
	listeners []Listener
	clock     Clock
	logger    *zap.Logger

	cmds  chan Command
	done  chan struct{}
	tickC <-chan time.Time // overrides the ticker when set
}

func NewEngine(cfg Config, store Store, logger *zap.Logger, listeners ...Listener) *Engine {
	def := DefaultConfig()
	if len(cfg.Instruments) == 0 {
		cfg.Instruments = def.Instruments
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MatchEvery <= 0 {
		cfg.MatchEvery = def.MatchEvery
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.OfferIDStart <= 0 {
		cfg.OfferIDStart = def.OfferIDStart
	}
	if cfg.MomentDuration <= 0 {
		cfg.MomentDuration = def.MomentDuration
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if store == nil {
		store = NopStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		validator: NewValidator(cfg.Instruments),
		book:      NewOfferBook(),
		sched:     NewScheduler(cfg.Window),
		ledger:    NewLedger(),
		sim:       models.SimulationState{Duration: cfg.MomentDuration},
		lastOffer: cfg.OfferIDStart - 1,
		store:     store,
		listeners: listeners,
		clock:     RealClock{},
		logger:    logger.Named("engine"),
		cmds:      make(chan Command, cfg.Buffer),
		done:      make(chan struct{}),
	}
}

// Recover rebuilds in-memory state from the store. Call it before Run.
func (e *Engine) Recover(ctx context.Context) error {
	st, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	for _, d := range st.Deltas {
		if _, err := e.book.Post(d); err != nil {
			e.logger.Warn("skipping stored offer delta", zap.Int64("seq", d.Seq), zap.Int64("offer_id", d.OfferID), zap.Error(err))
			continue
		}
		e.lastDelta = max(e.lastDelta, d.Seq)
		e.lastOffer = max(e.lastOffer, d.OfferID)
	}

	e.ledger.Restore(st.Ledger, st.Watermark)

	for _, r := range st.BuyRequests {
		if e.ledger.Has(models.SourceKey{Role: models.RoleDemand, SourceID: r.Priority}) {
			e.sched.MarkReleased(r.Priority)
			continue
		}
		e.sched.Enqueue(r)
	}

	e.logger.Info("state recovered",
		zap.Int("offer_deltas", len(st.Deltas)),
		zap.Int("buy_requests", len(st.BuyRequests)),
		zap.Int("ledger_entries", len(st.Ledger)),
	)
	return nil
}

// Run drives the engine until ctx is done. Each tick polls the scheduler;
// every MatchEvery ticks the matcher settles the ready queue.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	tickC := e.tickC
	if tickC == nil {
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case cmd := <-e.cmds:
			cmd.Resp <- e.handle(ctx, cmd)
		case <-tickC:
			e.tick(ctx, e.clock.Now())
		case <-ctx.Done():
			return
		}
	}
}

// handle runs one command. A panic is logged and returned to the caller so
// the driver keeps serving.
func (e *Engine) handle(ctx context.Context, cmd Command) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("command panicked", zap.Int("command", int(cmd.Type)), zap.Any("panic", r))
			resp = Response{Err: fmt.Errorf("%w: %v", ErrCommandPanicked, r)}
		}
	}()

	now := e.clock.Now()
	switch cmd.Type {
	case CmdSubmitOffer:
		o, err := e.submitOffer(ctx, cmd.Offer, now)
		return Response{Value: o, Err: err}

	case CmdCancelOffer:
		o, err := e.cancelOffer(ctx, cmd.ID, now)
		return Response{Value: o, Err: err}

	case CmdSubmitBuyRequest:
		r, err := e.submitBuyRequest(ctx, cmd.BuyRequest, now)
		return Response{Value: r, Err: err}

	case CmdOpenOffers:
		return Response{Value: filterOffers(e.book.Active(), cmd.Filter)}

	case CmdBuyRequests:
		return Response{Value: BuyRequestQueues{
			Pending: e.sched.Pending(),
			Ready:   append([]models.BuyRequest(nil), e.ready...),
		}}

	case CmdLedger:
		return Response{Value: filterEntries(e.ledger.Entries(cmd.ID), cmd.Filter)}

	case CmdCleanup:
		return Response{Value: append([]models.BuyRequest(nil), e.cleanup...)}

	case CmdClearLedger:
		wm := e.ledger.Watermark()
		if last := e.ledger.Clear(); last != wm {
			if err := e.store.ClearLedger(ctx, last); err != nil {
				e.logger.Warn("persist ledger clear failed", zap.Int64("watermark", last), zap.Error(err))
			}
		}
		return Response{}

	case CmdClearCleanup:
		e.cleanup = nil
		return Response{}

	case CmdSimulation:
		return Response{Value: e.sim}

	case CmdStartSimulation:
		if !e.sim.Running {
			e.sim.Running = true
			e.sim.Since = now
		}
		if cmd.Duration > 0 {
			e.sim.Duration = cmd.Duration
		}
		return Response{Value: e.sim}

	case CmdStopSimulation:
		e.sim.Running = false
		return Response{Value: e.sim}

	case CmdResetSimulation:
		e.sim.Moment = 0
		e.sim.Since = now
		return Response{Value: e.sim}
	}
	return Response{Err: fmt.Errorf("unknown command %d", cmd.Type)}
}

func (e *Engine) submitOffer(ctx context.Context, in OfferInput, now time.Time) (models.Offer, error) {
	in, err := e.validator.Offer(in)
	if err != nil {
		return models.Offer{}, err
	}
	id := in.ID
	if id == 0 {
		id = e.lastOffer + 1
	}
	return e.post(ctx, models.OfferDelta{
		Seq:        e.lastDelta + 1,
		OfferID:    id,
		Instrument: in.Instrument,
		Price:      in.Price,
		Delta:      in.Quantity,
		Seller:     in.Seller,
		Moment:     e.sim.Moment,
		PostedAt:   now,
	})
}

func (e *Engine) cancelOffer(ctx context.Context, id int64, now time.Time) (models.Offer, error) {
	o, ok := e.book.Get(id)
	if !ok {
		return models.Offer{}, ErrOfferNotFound
	}
	if !o.Active() {
		return o, nil
	}
	return e.post(ctx, models.OfferDelta{
		Seq:        e.lastDelta + 1,
		OfferID:    o.ID,
		Instrument: o.Instrument,
		Price:      o.Price,
		Delta:      -o.Quantity,
		Seller:     o.Seller,
		Moment:     e.sim.Moment,
		PostedAt:   now,
	})
}

// post persists a delta before folding it so a restart replays the same book
func (e *Engine) post(ctx context.Context, d models.OfferDelta) (models.Offer, error) {
	if err := e.book.Check(d); err != nil {
		return models.Offer{}, err
	}
	if err := e.store.SaveOfferDelta(ctx, d); err != nil {
		return models.Offer{}, fmt.Errorf("persist offer delta: %w", err)
	}
	o, err := e.book.Post(d)
	if err != nil {
		return models.Offer{}, err
	}
	e.lastDelta = d.Seq
	e.lastOffer = max(e.lastOffer, d.OfferID)

	active := e.book.Active()
	for _, l := range e.listeners {
		l.OffersChanged(active)
	}
	return o, nil
}

func (e *Engine) submitBuyRequest(ctx context.Context, in BuyRequestInput, now time.Time) (models.BuyRequest, error) {
	in, err := e.validator.BuyRequest(in)
	if err != nil {
		return models.BuyRequest{}, err
	}
	req := e.sched.Prepare(in, now, e.sim.Moment)
	if err := e.store.SaveBuyRequest(ctx, req); err != nil {
		return models.BuyRequest{}, fmt.Errorf("persist buy request: %w", err)
	}
	e.sched.Enqueue(req)
	return req, nil
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tick panicked", zap.Int64("tick", e.ticks), zap.Any("panic", r))
		}
	}()

	e.ticks++
	e.advanceMoment(now)

	if released := e.sched.PollReady(now); len(released) > 0 {
		e.ready = append(e.ready, released...)
		e.cleanup = append(e.cleanup, released...)
		e.logger.Debug("buy requests ready", zap.Int("count", len(released)))
	}

	if e.ticks%int64(e.cfg.MatchEvery) == 0 {
		e.settle(ctx, now)
	}
}

func (e *Engine) advanceMoment(now time.Time) {
	if !e.sim.Running || e.sim.Duration <= 0 {
		return
	}
	for !now.Before(e.sim.Since.Add(e.sim.Duration)) {
		e.sim.Moment++
		e.sim.Since = e.sim.Since.Add(e.sim.Duration)
	}
}

// settle runs one matcher cycle. Nothing is committed unless the whole batch
// is persisted; a failed cycle leaves state untouched for the next one.
func (e *Engine) settle(ctx context.Context, now time.Time) {
	snap, err := e.snapshot(now)
	if err != nil {
		e.logger.Warn("matcher cycle skipped", zap.Int64("tick", e.ticks), zap.Error(err))
		return
	}

	res := Match(snap)
	fresh, dupErr := e.ledger.Prepare(res.Entries)
	if dupErr != nil {
		e.logger.Error("duplicate settlement dropped", zap.Stringer("batch_id", snap.BatchID), zap.Error(dupErr))
	}
	if len(fresh) > 0 {
		if err := e.store.AppendLedger(ctx, fresh); err != nil {
			e.logger.Warn("matcher cycle skipped", zap.Int64("tick", e.ticks), zap.Error(fmt.Errorf("persist ledger batch: %w", err)))
			return
		}
	}
	e.ledger.Commit(fresh)
	e.pruneReady()

	e.logger.Debug("matcher run",
		zap.Stringer("batch_id", snap.BatchID),
		zap.Int("ready", len(snap.Ready)),
		zap.Int("keys", len(res.Settlements)),
		zap.Int("inserted", len(fresh)),
	)
	if len(fresh) == 0 {
		return
	}
	for _, l := range e.listeners {
		l.Settled(fresh)
	}
}

func (e *Engine) snapshot(now time.Time) (Snapshot, error) {
	if err := e.book.Verify(); err != nil {
		return Snapshot{}, err
	}
	if err := e.verifyReady(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		OfferTotals: e.book.Aggregate(),
		Offers:      make(map[models.MatchKey][]models.Offer),
		Now:         now,
		Moment:      e.sim.Moment,
		BatchID:     uuid.New(),
	}
	for _, req := range e.ready {
		if e.ledger.Has(models.SourceKey{Role: models.RoleDemand, SourceID: req.Priority}) {
			continue
		}
		snap.Ready = append(snap.Ready, req)
		key := req.Key()
		if _, ok := snap.Offers[key]; !ok && snap.OfferTotals[key] > 0 {
			snap.Offers[key] = e.book.ActiveAt(key)
		}
	}
	return snap, nil
}

// verifyReady checks the ready queue is strictly ascending by priority. A
// violation is repaired and reported as a stale read.
func (e *Engine) verifyReady() error {
	for i := 1; i < len(e.ready); i++ {
		if e.ready[i-1].Priority < e.ready[i].Priority {
			continue
		}
		sort.SliceStable(e.ready, func(a, b int) bool { return e.ready[a].Priority < e.ready[b].Priority })
		kept := e.ready[:0]
		for j, req := range e.ready {
			if j > 0 && req.Priority == kept[len(kept)-1].Priority {
				continue
			}
			kept = append(kept, req)
		}
		e.ready = kept
		return fmt.Errorf("ready queue out of order at %d: %w", i, ErrStaleSnapshot)
	}
	return nil
}

func (e *Engine) pruneReady() {
	kept := e.ready[:0]
	for _, req := range e.ready {
		if !e.ledger.Has(models.SourceKey{Role: models.RoleDemand, SourceID: req.Priority}) {
			kept = append(kept, req)
		}
	}
	for i := len(kept); i < len(e.ready); i++ {
		e.ready[i] = models.BuyRequest{}
	}
	e.ready = kept
}

func filterOffers(offers []models.Offer, f Filter) []models.Offer {
	out := offers[:0]
	for _, o := range offers {
		if f.Seller != "" && o.Seller != f.Seller {
			continue
		}
		if f.ExcludeSeller != "" && o.Seller == f.ExcludeSeller {
			continue
		}
		out = append(out, o)
	}
	return out
}

func filterEntries(entries []models.LedgerEntry, f Filter) []models.LedgerEntry {
	out := entries[:0]
	for _, e := range entries {
		if f.Seller != "" && e.Seller != f.Seller {
			continue
		}
		if f.Buyer != "" && e.Buyer != f.Buyer {
			continue
		}
		out = append(out, e)
	}
	return out
}
