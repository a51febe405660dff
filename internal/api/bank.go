package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/bank"
	"github.com/atmx/auctionhouse/internal/ledger"
	"github.com/atmx/auctionhouse/internal/model"
)

// BankHandler serves the bank's admin routes.
type BankHandler struct {
	svc *bank.Service
}

// NewBankHandler creates handlers over svc.
func NewBankHandler(svc *bank.Service) *BankHandler {
	return &BankHandler{svc: svc}
}

// Routes mounts the bank routes.
func (h *BankHandler) Routes(r chi.Router) {
	r.Get("/accounts", h.ListAccounts)
	r.Get("/accounts/{accountID}", h.GetAccount)
	r.Get("/transfers", h.ListTransfers)
	r.Get("/auctions", h.ListAuctions)
}

// HoldView is one reservation, split back into house and item.
type HoldView struct {
	House  int             `json:"house"`
	ItemID int             `json:"item_id"`
	Amount decimal.Decimal `json:"amount"`
}

// AccountView is the JSON shape of an account.
type AccountView struct {
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Holds     []HoldView      `json:"holds"`
}

func viewAccount(a model.Account) AccountView {
	holds := make([]HoldView, 0, len(a.Holds))
	for key, amt := range a.Holds {
		house, item := bank.SplitHoldKey(key)
		holds = append(holds, HoldView{House: house, ItemID: item, Amount: amt})
	}
	sort.Slice(holds, func(i, j int) bool {
		if holds[i].House != holds[j].House {
			return holds[i].House < holds[j].House
		}
		return holds[i].ItemID < holds[j].ItemID
	})
	return AccountView{
		ID:        a.ID,
		Name:      a.Name,
		Kind:      a.Kind.String(),
		Balance:   a.Balance,
		Available: a.Available(),
		Holds:     holds,
	}
}

// ListAccounts handles GET /api/v1/accounts
func (h *BankHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.svc.Ledger().Snapshot()
	out := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, viewAccount(a))
	}
	writeJSON(w, out)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *BankHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	a, err := h.svc.Ledger().Account(id)
	if errors.Is(err, ledger.ErrNoSuchAccount) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, viewAccount(a))
}

// ListTransfers handles GET /api/v1/transfers
func (h *BankHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.svc.Transfers(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if transfers == nil {
		transfers = []model.Transfer{}
	}
	writeJSON(w, transfers)
}

// ListAuctions handles GET /api/v1/auctions
func (h *BankHandler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.svc.Directory())
}
