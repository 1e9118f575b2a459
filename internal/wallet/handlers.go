package wallet

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/api"
	"github.com/stonkschool/contest-engine/internal/identity"
)

// BalanceResponse is the JSON body of GET /wallet.
type BalanceResponse struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// TransactionResponse is one row of GET /wallet/transactions.
type TransactionResponse struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type"`
	Reference string          `json:"reference_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// GetWallet handles GET /api/v1/wallet
func (l *Ledger) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromRequest(r)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	wallet, err := l.Balance(r.Context(), userID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, BalanceResponse{Balance: wallet.Balance, Currency: l.currency})
}

// ProvisionWallet handles POST /api/v1/wallet
func (l *Ledger) ProvisionWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromRequest(r)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	wallet, created, err := l.Provision(r.Context(), userID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, BalanceResponse{Balance: wallet.Balance, Currency: l.currency})
}

// ListTransactions handles GET /api/v1/wallet/transactions
func (l *Ledger) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromRequest(r)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	entries, err := l.Transactions(r.Context(), userID, DefaultTransactionLimit)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	out := make([]TransactionResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, TransactionResponse{
			ID:        e.ID,
			Amount:    e.Amount,
			Type:      string(e.Kind),
			Reference: e.Ref,
			CreatedAt: e.CreatedAt,
		})
	}
	api.WriteJSON(w, http.StatusOK, out)
}
