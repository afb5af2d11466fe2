package prefs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roboricindustries/razzler/pkg/llm"
)

// Ledger records LLM spend per spender in the spend table.
type Ledger struct {
	db *sql.DB
}

var _ llm.Ledger = (*Ledger)(nil)

func NewLedger(db *sql.DB) *Ledger { return &Ledger{db: db} }

func (l *Ledger) Record(ctx context.Context, spender string, u llm.Usage, costUSD float64) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO spend (spender, cost_usd, prompt_tokens, completion_tokens, images)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(spender) DO UPDATE SET
    cost_usd = cost_usd + excluded.cost_usd,
    prompt_tokens = prompt_tokens + excluded.prompt_tokens,
    completion_tokens = completion_tokens + excluded.completion_tokens,
    images = images + excluded.images,
    updated_at = unixepoch()`,
		spender, costUSD, u.PromptTokens, u.CompletionTokens, u.Images)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

func (l *Ledger) Total(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	if err := l.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM spend`).Scan(&total); err != nil {
		return 0, fmt.Errorf("total spend: %w", err)
	}
	return total.Float64, nil
}

// Spent is one spender's running cost.
func (l *Ledger) Spent(ctx context.Context, spender string) (float64, error) {
	var cost float64
	err := l.db.QueryRowContext(ctx, `SELECT cost_usd FROM spend WHERE spender = ?`, spender).Scan(&cost)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("spend for %s: %w", spender, err)
	}
	return cost, nil
}
