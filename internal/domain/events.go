package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Ledger events
// ============================================================

// TransactionApplied is published after a transaction was committed locally.
type TransactionApplied struct {
	UserID       string          `json:"userId"`
	Transaction  Transaction     `json:"transaction"`
	TotalBalance decimal.Decimal `json:"totalBalance"`
}

// LedgerReset is published after a user reset their ledger.
type LedgerReset struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// GoalAchieved is published when a goal leaves the active set because the
// balance reached its target.
type GoalAchieved struct {
	UserID  string          `json:"userId"`
	Goal    Goal            `json:"goal"`
	Balance decimal.Decimal `json:"balance"`
}
