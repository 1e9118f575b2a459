// Package wallet owns custody of virtual currency. Every balance change goes
// through Ledger, which writes an immutable ledger entry and moves the
// cached balance in the same store operation.
package wallet

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/apperr"
	"github.com/stonkschool/contest-engine/internal/id"
	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/store"
)

// AmountScale is the number of decimal places of a currency amount.
const AmountScale = 2

// DefaultTransactionLimit caps the transaction history page.
const DefaultTransactionLimit = 50

var (
	ErrNonPositiveAmount = apperr.Validation("amount must be positive")
	ErrAmountPrecision   = apperr.Validation("amount has more than 2 decimal places")
	ErrUnknownKind       = apperr.Validation("unknown ledger entry kind")
)

// Ledger applies credits and debits to wallets.
type Ledger struct {
	store    store.WalletStore
	grant    decimal.Decimal
	currency string
	now      func() time.Time
}

// NewLedger creates a ledger that provisions new wallets with grant.
func NewLedger(st store.WalletStore, grant decimal.Decimal, currency string) *Ledger {
	return &Ledger{
		store:    st,
		grant:    grant,
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Currency is the display code of the virtual currency.
func (l *Ledger) Currency() string { return l.currency }

// NewEntry builds an unsaved ledger entry stamped with the current time.
// amount is signed.
func (l *Ledger) NewEntry(userID string, amount decimal.Decimal, kind model.LedgerKind, ref string) *model.LedgerEntry {
	at := l.now()
	return &model.LedgerEntry{
		ID:        id.NewLedgerID(at),
		UserID:    userID,
		Amount:    amount,
		Kind:      kind,
		Ref:       ref,
		CreatedAt: at,
	}
}

// Credit adds amount to the user's wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, kind model.LedgerKind, ref string) (*model.Wallet, error) {
	if err := checkAmount(amount, kind); err != nil {
		return nil, err
	}
	return l.apply(ctx, l.NewEntry(userID, amount, kind, ref))
}

// Debit removes amount from the user's wallet. It fails with
// store.ErrInsufficientFunds, writing nothing, if the balance is short.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, kind model.LedgerKind, ref string) (*model.Wallet, error) {
	if err := checkAmount(amount, kind); err != nil {
		return nil, err
	}
	return l.apply(ctx, l.NewEntry(userID, amount.Neg(), kind, ref))
}

func (l *Ledger) apply(ctx context.Context, e *model.LedgerEntry) (*model.Wallet, error) {
	w, err := l.store.ApplyEntry(ctx, e)
	if err != nil {
		return nil, err
	}
	metrics.LedgerEntries.WithLabelValues(string(e.Kind)).Inc()
	slog.Info("ledger entry applied",
		"user", e.UserID,
		"kind", e.Kind,
		"amount", e.Amount.String(),
		"ref", e.Ref,
		"balance", w.Balance.String(),
	)
	return w, nil
}

func checkAmount(amount decimal.Decimal, kind model.LedgerKind) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if !amount.Round(AmountScale).Equal(amount) {
		return ErrAmountPrecision
	}
	return nil
}

// Provision creates the user's wallet with the initial grant. Calling it
// for an existing wallet returns that wallet unchanged.
func (l *Ledger) Provision(ctx context.Context, userID string) (*model.Wallet, bool, error) {
	w, created, err := l.store.ProvisionWallet(ctx, userID, l.NewEntry(userID, l.grant, model.KindInitial, ""))
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.LedgerEntries.WithLabelValues(string(model.KindInitial)).Inc()
		slog.Info("wallet provisioned", "user", userID, "grant", l.grant.String())
	}
	return w, created, nil
}

// Balance returns the user's wallet.
func (l *Ledger) Balance(ctx context.Context, userID string) (*model.Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// Transactions returns up to limit entries, newest first. A non-positive
// limit uses DefaultTransactionLimit.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > DefaultTransactionLimit {
		limit = DefaultTransactionLimit
	}
	return l.store.ListLedgerEntries(ctx, userID, limit)
}
