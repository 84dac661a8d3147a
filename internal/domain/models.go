// Package domain defines the core entities of the voice-to-ledger pipeline.
// These models are independent of the speech engine and the persisted store
// and are the canonical data structures used throughout finvoice.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Transactions
// ============================================================

// TransactionType is the ledger direction of a transaction.
type TransactionType string

const (
	TypeSavings  TransactionType = "savings"
	TypeSpending TransactionType = "spending"
	TypeExpense  TransactionType = "expense"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeSavings, TypeSpending, TypeExpense:
		return true
	}
	return false
}

// Category classifies an expense. Only expense transactions carry one.
type Category string

const (
	CategoryFood      Category = "food"
	CategoryMedical   Category = "medical"
	CategoryEducation Category = "education"
	CategoryOthers    Category = "others"
)

// Categories lists every expense category in display order.
var Categories = []Category{CategoryFood, CategoryMedical, CategoryEducation, CategoryOthers}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Candidate is the classifier output, not yet part of any ledger.
type Candidate struct {
	Type        TransactionType `json:"type"`
	Category    Category        `json:"category,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Language    Language        `json:"language"`
	Confidence  float64         `json:"confidence"`
}

// Transaction is an immutable ledger record.
type Transaction struct {
	ID               string          `json:"id"`
	Type             TransactionType `json:"type"`
	Category         Category        `json:"category,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description"`
	VoiceTranscript  string          `json:"voiceTranscript"`
	LanguageDetected Language        `json:"languageDetected"`
	Confidence       float64         `json:"confidence"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Delta returns the signed effect of the transaction on the total balance.
func (t Transaction) Delta() decimal.Decimal {
	if t.Type == TypeSavings {
		return t.Amount
	}
	return t.Amount.Neg()
}

// ============================================================
// Ledger
// ============================================================

// LedgerState is the per-user running balance, category totals and history.
type LedgerState struct {
	TotalBalance       decimal.Decimal              `json:"totalBalance"`
	CategoryTotals     map[Category]decimal.Decimal `json:"categoryTotals"`
	TransactionHistory []Transaction                `json:"transactionHistory"`
}

// NewLedgerState returns a zeroed ledger with every category present.
func NewLedgerState() LedgerState {
	totals := make(map[Category]decimal.Decimal, len(Categories))
	for _, c := range Categories {
		totals[c] = decimal.Zero
	}
	return LedgerState{
		TotalBalance:       decimal.Zero,
		CategoryTotals:     totals,
		TransactionHistory: []Transaction{},
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s LedgerState) Clone() LedgerState {
	out := LedgerState{
		TotalBalance:       s.TotalBalance,
		CategoryTotals:     make(map[Category]decimal.Decimal, len(s.CategoryTotals)),
		TransactionHistory: make([]Transaction, len(s.TransactionHistory)),
	}
	for k, v := range s.CategoryTotals {
		out.CategoryTotals[k] = v
	}
	copy(out.TransactionHistory, s.TransactionHistory)
	return out
}

// ============================================================
// Goals
// ============================================================

// InvestmentType is what a savings goal is for.
type InvestmentType string

const (
	InvestmentRealEstate InvestmentType = "Real Estate"
	InvestmentGold       InvestmentType = "Gold"
	InvestmentStocks     InvestmentType = "Stocks"
	InvestmentLeisure    InvestmentType = "Leisure"
	InvestmentEducation  InvestmentType = "Education"
	InvestmentOthers     InvestmentType = "Others"
)

// InvestmentTypes lists the accepted investment types.
var InvestmentTypes = []InvestmentType{
	InvestmentRealEstate,
	InvestmentGold,
	InvestmentStocks,
	InvestmentLeisure,
	InvestmentEducation,
	InvestmentOthers,
}

// Valid reports whether t is one of the accepted investment types.
func (t InvestmentType) Valid() bool {
	for _, known := range InvestmentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PlanType says whether a goal is saved for alone or with someone.
type PlanType string

const (
	PlanIndividual PlanType = "Individual"
	PlanJoint      PlanType = "Joint"
)

// Valid reports whether p is a known plan type.
func (p PlanType) Valid() bool {
	return p == PlanIndividual || p == PlanJoint
}

// Goal is a savings target tracked against the ledger balance.
type Goal struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	InvestmentType InvestmentType  `json:"investmentType"`
	PlanType       PlanType        `json:"planType"`
	Required       decimal.Decimal `json:"required"`
}

// GoalInput is the user-supplied payload for creating a goal.
type GoalInput struct {
	Title          string          `json:"title"`
	InvestmentType InvestmentType  `json:"investmentType"`
	PlanType       PlanType        `json:"planType"`
	Required       decimal.Decimal `json:"required"`
}

// GoalProgress is a goal with its display progress against the balance.
type GoalProgress struct {
	Goal
	Balance  decimal.Decimal `json:"balance"`
	Progress float64         `json:"progress"` // clamped to [0, 1]
}
