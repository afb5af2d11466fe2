package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Metered refuses calls once the ledger total reaches the budget. A zero or
// negative budget disables the check.
type Metered struct {
	next   Backend
	ledger Ledger
	budget float64
	log    *slog.Logger
}

func NewMetered(next Backend, ledger Ledger, budgetUSD float64, logger *slog.Logger) *Metered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Metered{next: next, ledger: ledger, budget: budgetUSD, log: logger}
}

func (m *Metered) check(ctx context.Context) error {
	if m.budget <= 0 || m.ledger == nil {
		return nil
	}
	total, err := m.ledger.Total(ctx)
	if err != nil {
		return fmt.Errorf("read spend: %w", err)
	}
	if total >= m.budget {
		m.log.Warn("llm budget exhausted", slog.Float64("spent_usd", total), slog.Float64("budget_usd", m.budget))
		return ErrBudgetExceeded
	}
	return nil
}

func (m *Metered) ChatCompletion(ctx context.Context, tier Tier, msgs []Message) (string, error) {
	if err := m.check(ctx); err != nil {
		return "", err
	}
	return m.next.ChatCompletion(ctx, tier, msgs)
}

func (m *Metered) VisionCompletion(ctx context.Context, msgs []Message) (string, error) {
	if err := m.check(ctx); err != nil {
		return "", err
	}
	return m.next.VisionCompletion(ctx, msgs)
}

func (m *Metered) GenerateImage(ctx context.Context, prompt string) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.next.GenerateImage(ctx, prompt)
}
