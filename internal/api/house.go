package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/bank"
	"github.com/atmx/auctionhouse/internal/engine"
	"github.com/atmx/auctionhouse/internal/house"
	"github.com/atmx/auctionhouse/internal/protocol"
)

// HouseBank is the part of the bank connection the house admin needs.
type HouseBank interface {
	AccountID() int
	LoggedIn() bool
	CheckBalance(ctx context.Context) (decimal.Decimal, error)
}

// HouseHandler serves an auction house's admin routes.
type HouseHandler struct {
	server *house.Server
	bank   HouseBank
	hub    *WSHub
}

// NewHouseHandler creates handlers over server. hub may be nil.
func NewHouseHandler(server *house.Server, b HouseBank, hub *WSHub) *HouseHandler {
	return &HouseHandler{server: server, bank: b, hub: hub}
}

// Routes mounts the house routes.
func (h *HouseHandler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Get("/items", h.ListItems)
	r.Get("/delivered", h.ListDelivered)
	r.Get("/balance", h.GetBalance)
	r.Post("/close", h.Close)
	r.Post("/settlements/retry", h.RetrySettlements)
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
}

// GetStatus handles GET /api/v1/status
func (h *HouseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.server.Status(h.bank.LoggedIn()))
}

// ListItems handles GET /api/v1/items
func (h *HouseHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.server.Engine().Items())
}

// ListDelivered handles GET /api/v1/delivered
func (h *HouseHandler) ListDelivered(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.server.Engine().Delivered())
}

// GetBalance handles GET /api/v1/balance
func (h *HouseHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bal, err := h.bank.CheckBalance(ctx)
	switch {
	case errors.Is(err, bank.ErrNotRegistered):
		writeError(w, "house is not registered with the bank", http.StatusServiceUnavailable)
		return
	case errors.Is(err, bank.ErrTimeout):
		writeError(w, "bank did not answer", http.StatusGatewayTimeout)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"account": h.bank.AccountID(), "balance": bal})
}

// CloseRequest is the optional body of POST /api/v1/close.
type CloseRequest struct {
	Reason string `json:"reason"`
}

// Close handles POST /api/v1/close
func (h *HouseHandler) Close(w http.ResponseWriter, r *http.Request) {
	req := CloseRequest{Reason: protocol.CloseNoActivity}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			req.Reason = protocol.CloseNoActivity
		}
		if strings.ContainsAny(req.Reason, " \t\r\n") {
			writeError(w, "reason must be a single word", http.StatusBadRequest)
			return
		}
	}

	if err := h.server.Close(req.Reason); err != nil {
		if errors.Is(err, engine.ErrBidsInProgress) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.hub != nil {
		h.hub.Broadcast(WSMessage{Type: "closing", House: h.server.Name(), Reason: req.Reason})
	}
	writeJSON(w, map[string]string{"status": "closed", "reason": req.Reason})
}

// RetrySettlements handles POST /api/v1/settlements/retry
func (h *HouseHandler) RetrySettlements(w http.ResponseWriter, r *http.Request) {
	n := h.server.Engine().RetrySettlements()
	writeJSON(w, map[string]int{"requested": n})
}
