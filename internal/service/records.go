package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultStoreRoot is the top-level node holding one child per user.
const DefaultStoreRoot = "user"

// userPath returns "{root}/{userID}".
func userPath(root, userID string) string {
	root = strings.Trim(root, "/")
	if root == "" {
		root = DefaultStoreRoot
	}
	return root + "/" + userID
}

// ============================================================
// Encoding to store values
// ============================================================

func transactionRecord(tx domain.Transaction) map[string]any {
	rec := map[string]any{
		"type":             string(tx.Type),
		"amount":           tx.Amount.InexactFloat64(),
		"description":      tx.Description,
		"voiceTranscript":  tx.VoiceTranscript,
		"languageDetected": string(tx.LanguageDetected),
		"confidence":       tx.Confidence,
		"timestamp":        tx.Timestamp.UnixMilli(),
	}
	if tx.Category != "" {
		rec["category"] = string(tx.Category)
	}
	return rec
}

func goalRecord(g domain.Goal) map[string]any {
	return map[string]any{
		"title":    g.Title,
		"type":     string(g.InvestmentType),
		"plan":     string(g.PlanType),
		"required": g.Required.InexactFloat64(),
	}
}

// aggregateFields renders balance and totals as multi-path update keys.
func aggregateFields(state domain.LedgerState) map[string]any {
	fields := map[string]any{
		"totalBalance": state.TotalBalance.InexactFloat64(),
	}
	for _, c := range domain.Categories {
		fields["categoryTotals/"+string(c)] = state.CategoryTotals[c].InexactFloat64()
	}
	return fields
}

// ============================================================
// Decoding store values
// ============================================================

// toDecimal accepts the numeric shapes the store adapters hand back.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	}
	return decimal.Zero, false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	if d, ok := toDecimal(v); ok {
		return time.UnixMilli(d.IntPart())
	}
	return time.Time{}
}

func toFloat(v any) float64 {
	d, _ := toDecimal(v)
	return d.InexactFloat64()
}

// decodeLedger builds a LedgerState from the balance, totals and
// transactions nodes of a user. Missing nodes decode as zero values.
func decodeLedger(balance, totals, transactions any) domain.LedgerState {
	state := domain.NewLedgerState()

	if d, ok := toDecimal(balance); ok {
		state.TotalBalance = d
	}
	if m, ok := totals.(map[string]any); ok {
		for k, v := range m {
			c := domain.Category(strings.ToLower(k))
			if !c.Valid() {
				continue
			}
			if d, ok := toDecimal(v); ok {
				state.CategoryTotals[c] = d
			}
		}
	}
	if m, ok := transactions.(map[string]any); ok {
		for id, raw := range m {
			if tx, ok := decodeTransaction(id, raw); ok {
				state.TransactionHistory = append(state.TransactionHistory, tx)
			}
		}
		sort.SliceStable(state.TransactionHistory, func(i, j int) bool {
			a, b := state.TransactionHistory[i], state.TransactionHistory[j]
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.ID < b.ID
		})
	}
	return state
}

func decodeTransaction(id string, raw any) (domain.Transaction, bool) {
	rec, ok := raw.(map[string]any)
	if !ok {
		return domain.Transaction{}, false
	}
	amount, ok := toDecimal(rec["amount"])
	if !ok {
		return domain.Transaction{}, false
	}
	txType := domain.TransactionType(toString(rec["type"]))
	if !txType.Valid() {
		return domain.Transaction{}, false
	}
	tx := domain.Transaction{
		ID:               id,
		Type:             txType,
		Amount:           amount,
		Description:      toString(rec["description"]),
		VoiceTranscript:  toString(rec["voiceTranscript"]),
		LanguageDetected: domain.Language(toString(rec["languageDetected"])),
		Confidence:       toFloat(rec["confidence"]),
		Timestamp:        toTime(rec["timestamp"]),
	}
	if c := domain.Category(toString(rec["category"])); txType == domain.TypeExpense && c.Valid() {
		tx.Category = c
	}
	return tx, true
}

// decodeGoals reads the goals node. Records with a missing title or a
// non-positive target are skipped.
func decodeGoals(raw any) (map[string]domain.Goal, error) {
	goals := make(map[string]domain.Goal)
	if raw == nil {
		return goals, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("goals node: unexpected %T", raw)
	}
	for id, v := range m {
		rec, ok := v.(map[string]any)
		if !ok {
			continue
		}
		required, ok := toDecimal(rec["required"])
		title := strings.TrimSpace(toString(rec["title"]))
		if !ok || !required.IsPositive() || title == "" {
			continue
		}
		g := domain.Goal{
			ID:             id,
			Title:          title,
			InvestmentType: domain.InvestmentType(toString(rec["type"])),
			PlanType:       domain.PlanType(toString(rec["plan"])),
			Required:       required,
		}
		if !g.InvestmentType.Valid() {
			g.InvestmentType = domain.InvestmentOthers
		}
		if !g.PlanType.Valid() {
			g.PlanType = domain.PlanIndividual
		}
		goals[id] = g
	}
	return goals, nil
}
