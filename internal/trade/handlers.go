package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/catalog"
	"github.com/sectorwars/trade-engine/internal/inventory"
	"github.com/sectorwars/trade-engine/internal/model"
	"github.com/sectorwars/trade-engine/internal/negotiation"
	"github.com/sectorwars/trade-engine/internal/store"
	"github.com/sectorwars/trade-engine/internal/uniqueness"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP handlers for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the API under r, normally the /api/v1 sub-router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ports", h.ListPorts)
	r.Get("/ports/{portID}", h.GetPort)
	r.Get("/ports/{portID}/market", h.GetMarket)
	r.Get("/ports/{portID}/quote/{commodity}", h.GetQuote)
	r.Get("/ports/{portID}/trades", h.PortTrades)
	r.Post("/ports/{portID}/leave", h.LeavePort)

	r.Post("/negotiations", h.OpenNegotiation)
	r.Get("/negotiations/{sessionID}", h.GetNegotiation)
	r.Delete("/negotiations/{sessionID}", h.AbandonNegotiation)
	r.Post("/negotiations/{sessionID}/offers", h.SubmitOffer)
	r.Post("/negotiations/{sessionID}/accept-counter", h.AcceptCounter)

	r.Post("/trades", h.ExecuteTrade)

	r.Get("/players/{playerID}", h.GetPlayer)
	r.Get("/players/{playerID}/trades", h.PlayerTrades)
}

// --- Request types ---

// OpenNegotiationRequest is the JSON body for POST /negotiations.
type OpenNegotiationRequest struct {
	PlayerID  string          `json:"player_id"`
	PortID    string          `json:"port_id"`
	Commodity model.Commodity `json:"commodity"`
	Direction model.Direction `json:"direction"`
}

// OfferRequest is the JSON body for POST /negotiations/{sessionID}/offers.
// Either field may be empty; a text-only offer implies its price.
type OfferRequest struct {
	Price decimal.Decimal `json:"price"`
	Text  string          `json:"text"`
}

// LeaveRequest is the JSON body for POST /ports/{portID}/leave.
type LeaveRequest struct {
	PlayerID string `json:"player_id"`
}

// --- HTTP Handlers ---

// ListPorts handles GET /api/v1/ports
func (h *Handler) ListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := h.svc.Ports(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if ports == nil {
		ports = []model.Port{}
	}
	writeJSON(w, http.StatusOK, ports)
}

// GetPort handles GET /api/v1/ports/{portID}
func (h *Handler) GetPort(w http.ResponseWriter, r *http.Request) {
	port, err := h.svc.Port(r.Context(), chi.URLParam(r, "portID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, port)
}

// GetMarket handles GET /api/v1/ports/{portID}/market
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	board, err := h.svc.MarketBoard(r.Context(), chi.URLParam(r, "portID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// GetQuote handles GET /api/v1/ports/{portID}/quote/{commodity}?direction=buy
// With ?advance=true the catch-up is persisted; ?at=<RFC3339> advances to a
// specific instant.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	portID := chi.URLParam(r, "portID")
	c := model.Commodity(chi.URLParam(r, "commodity"))
	if _, err := catalog.Commodity(c); err != nil {
		writeErr(w, err)
		return
	}
	q := r.URL.Query()
	d := model.Direction(q.Get("direction"))
	if d == "" {
		d = model.Buy
	}

	var at time.Time
	if raw := q.Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "at must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		at = t.UTC()
	}

	var quote *PriceQuote
	var err error
	if q.Get("advance") == "true" || !at.IsZero() {
		quote, err = h.svc.AdvanceAndQuote(r.Context(), portID, c, d, at)
	} else {
		quote, err = h.svc.Quote(r.Context(), portID, c, d)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// PortTrades handles GET /api/v1/ports/{portID}/trades
func (h *Handler) PortTrades(w http.ResponseWriter, r *http.Request) {
	txs, err := h.svc.PortTrades(r.Context(), chi.URLParam(r, "portID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if txs == nil {
		txs = []model.TradeTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// LeavePort handles POST /api/v1/ports/{portID}/leave
// Ends the player's visit, dropping their negotiation sessions at the port.
func (h *Handler) LeavePort(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}
	n := h.svc.EndVisit(req.PlayerID, chi.URLParam(r, "portID"))
	writeJSON(w, http.StatusOK, map[string]int{"sessions_closed": n})
}

// OpenNegotiation handles POST /api/v1/negotiations
func (h *Handler) OpenNegotiation(w http.ResponseWriter, r *http.Request) {
	var req OpenNegotiationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" || req.PortID == "" {
		writeError(w, "player_id and port_id are required", http.StatusBadRequest)
		return
	}
	view, err := h.svc.OpenNegotiation(r.Context(), req.PlayerID, req.PortID, req.Commodity, req.Direction)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetNegotiation handles GET /api/v1/negotiations/{sessionID}
func (h *Handler) GetNegotiation(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Negotiation(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AbandonNegotiation handles DELETE /api/v1/negotiations/{sessionID}
func (h *Handler) AbandonNegotiation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.AbandonNegotiation(chi.URLParam(r, "sessionID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitOffer handles POST /api/v1/negotiations/{sessionID}/offers
func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	out, err := h.svc.SubmitOffer(r.Context(), chi.URLParam(r, "sessionID"),
		negotiation.Offer{Price: req.Price, Text: req.Text})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// AcceptCounter handles POST /api/v1/negotiations/{sessionID}/accept-counter
func (h *Handler) AcceptCounter(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.AcceptCounter(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ExecuteTrade handles POST /api/v1/trades
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" || req.PortID == "" {
		writeError(w, "player_id and port_id are required", http.StatusBadRequest)
		return
	}
	tx, err := h.svc.ExecuteTrade(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// GetPlayer handles GET /api/v1/players/{playerID}
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Player(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PlayerTrades handles GET /api/v1/players/{playerID}/trades
func (h *Handler) PlayerTrades(w http.ResponseWriter, r *http.Request) {
	txs, err := h.svc.PlayerTrades(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if txs == nil {
		txs = []model.TradeTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Helpers ---

var errorStatuses = []struct {
	err    error
	status int
}{
	{catalog.ErrUnsupportedCommodity, http.StatusUnprocessableEntity},
	{catalog.ErrUnknownCommodity, http.StatusUnprocessableEntity},
	{catalog.ErrInvalidClass, http.StatusUnprocessableEntity},

	{store.ErrNotFound, http.StatusNotFound},
	{negotiation.ErrSessionNotFound, http.StatusNotFound},

	{ErrInsufficientFunds, http.StatusConflict},
	{ErrInsufficientCargo, http.StatusConflict},
	{ErrInsufficientStock, http.StatusConflict},
	{ErrPortFull, http.StatusConflict},
	{ErrSessionMismatch, http.StatusConflict},
	{negotiation.ErrSessionBusy, http.StatusConflict},
	{negotiation.ErrSessionClosed, http.StatusConflict},
	{negotiation.ErrNotAccepted, http.StatusConflict},
	{negotiation.ErrAlreadyUsed, http.StatusConflict},
	{negotiation.ErrNoCounter, http.StatusConflict},
	{store.ErrConcurrentModification, http.StatusConflict},
	{store.ErrAlreadyExists, http.StatusConflict},

	{inventory.ErrClockRegression, http.StatusBadRequest},
	{negotiation.ErrOfferOutOfBounds, http.StatusBadRequest},
	{uniqueness.ErrEmptyStatement, http.StatusBadRequest},
	{ErrInvalidQuantity, http.StatusBadRequest},
	{ErrInvalidDirection, http.StatusBadRequest},

	{negotiation.ErrNegotiationLocked, http.StatusLocked},
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
