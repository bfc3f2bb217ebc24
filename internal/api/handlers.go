package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/marketsim/internal/exchange"
	"github.com/xtrntr/marketsim/internal/models"
	"go.uber.org/zap"
)

// Exchange is the engine surface the handlers drive
type Exchange interface {
	SubmitOffer(ctx context.Context, in exchange.OfferInput) (models.Offer, error)
	CancelOffer(ctx context.Context, id int64) (models.Offer, error)
	SubmitBuyRequest(ctx context.Context, in exchange.BuyRequestInput) (models.BuyRequest, error)
	OpenOffers(ctx context.Context, f exchange.Filter) ([]models.Offer, error)
	BuyRequests(ctx context.Context) (exchange.BuyRequestQueues, error)
	Ledger(ctx context.Context, sinceID int64, f exchange.Filter) ([]models.LedgerEntry, error)
	Cleanup(ctx context.Context) ([]models.BuyRequest, error)
	ClearLedger(ctx context.Context) error
	ClearCleanup(ctx context.Context) error
	Simulation(ctx context.Context) (models.SimulationState, error)
	StartSimulation(ctx context.Context, d time.Duration) (models.SimulationState, error)
	StopSimulation(ctx context.Context) (models.SimulationState, error)
	ResetSimulation(ctx context.Context) (models.SimulationState, error)
	Instruments() []string
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange Exchange
	Logger   *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ex Exchange, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Exchange: ex, Logger: logger.Named("api")}
}

// Routes mounts every endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Get("/instruments", h.GetInstruments)

	r.Post("/offers", h.SubmitOffer)
	r.Get("/offers", h.GetOffers)
	r.Delete("/offers/{id}", h.CancelOffer)

	r.Post("/buy-requests", h.SubmitBuyRequest)
	r.Get("/buy-requests", h.GetBuyRequests)

	r.Get("/ledger", h.GetLedger)
	r.Delete("/ledger", h.ClearLedger)

	r.Get("/cleanup", h.GetCleanup)
	r.Delete("/cleanup", h.ClearCleanup)

	r.Get("/simulation", h.GetSimulation)
	r.Post("/simulation/start", h.StartSimulation)
	r.Post("/simulation/stop", h.StopSimulation)
	r.Post("/simulation/reset", h.ResetSimulation)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps engine errors onto status codes. Only unexpected errors are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, exchange.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, exchange.ErrOfferNotFound):
		http.Error(w, `{"error": "Offer not found"}`, http.StatusNotFound)
	case errors.Is(err, exchange.ErrEngineStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, `{"error": "Exchange unavailable"}`, http.StatusServiceUnavailable)
	default:
		h.Logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, `{"error": "Internal error"}`, http.StatusInternalServerError)
	}
}

// GetInstruments lists the tradable symbols
func (h *Handler) GetInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Exchange.Instruments())
}

// SubmitOffer posts a new offer or a signed quantity delta to an existing one
func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         int64           `json:"id"`
		Instrument string          `json:"instrument"`
		Price      decimal.Decimal `json:"price"`
		Quantity   int64           `json:"quantity"`
		Seller     string          `json:"seller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	offer, err := h.Exchange.SubmitOffer(r.Context(), exchange.OfferInput{
		ID:         req.ID,
		Instrument: req.Instrument,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Seller:     req.Seller,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// GetOffers lists open offers, optionally only one seller's or everyone else's
func (h *Handler) GetOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offers, err := h.Exchange.OpenOffers(r.Context(), exchange.Filter{
		Seller:        q.Get("seller"),
		ExcludeSeller: q.Get("exclude_seller"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// CancelOffer withdraws the remaining quantity of an offer
func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, `{"error": "Invalid offer ID"}`, http.StatusBadRequest)
		return
	}

	offer, err := h.Exchange.CancelOffer(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// SubmitBuyRequest queues a buy request for its settlement window
func (h *Handler) SubmitBuyRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instrument string          `json:"instrument"`
		Quantity   int64           `json:"quantity"`
		Price      decimal.Decimal `json:"price"`
		Buyer      string          `json:"buyer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	buy, err := h.Exchange.SubmitBuyRequest(r.Context(), exchange.BuyRequestInput{
		Instrument: req.Instrument,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Buyer:      req.Buyer,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, buy)
}

// GetBuyRequests shows the pending and ready queues
func (h *Handler) GetBuyRequests(w http.ResponseWriter, r *http.Request) {
	queues, err := h.Exchange.BuyRequests(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if queues.Pending == nil {
		queues.Pending = []models.BuyRequest{}
	}
	if queues.Ready == nil {
		queues.Ready = []models.BuyRequest{}
	}
	writeJSON(w, http.StatusOK, queues)
}

// GetLedger returns visible ledger rows after since_id
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since int64
	if s := q.Get("since_id"); s != "" {
		var err error
		if since, err = strconv.ParseInt(s, 10, 64); err != nil || since < 0 {
			http.Error(w, `{"error": "Invalid since_id"}`, http.StatusBadRequest)
			return
		}
	}

	entries, err := h.Exchange.Ledger(r.Context(), since, exchange.Filter{
		Buyer:  q.Get("buyer"),
		Seller: q.Get("seller"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ClearLedger hides every current ledger row
func (h *Handler) ClearLedger(w http.ResponseWriter, r *http.Request) {
	if err := h.Exchange.ClearLedger(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Ledger cleared"})
}

func (h *Handler) GetCleanup(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Exchange.Cleanup(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []models.BuyRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handler) ClearCleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.Exchange.ClearCleanup(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cleanup queue cleared"})
}

func (h *Handler) GetSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := h.Exchange.Simulation(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// StartSimulation starts the game clock. The body is optional.
func (h *Handler) StartSimulation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationSeconds int64 `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.DurationSeconds < 0 {
		http.Error(w, `{"error": "duration_seconds must not be negative"}`, http.StatusBadRequest)
		return
	}

	sim, err := h.Exchange.StartSimulation(r.Context(), time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

func (h *Handler) StopSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := h.Exchange.StopSimulation(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

func (h *Handler) ResetSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := h.Exchange.ResetSimulation(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}
