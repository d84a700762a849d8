package persistence

import (
	"context"
	"fmt"
)

// LoadSpentUSD reads the persisted ledger total. The single row is seeded at
// schema init, so a missing row is an error, not a zero.
func (s *Store) LoadSpentUSD(ctx context.Context) (float64, error) {
	var spent float64
	if err := s.db.QueryRowContext(ctx, `SELECT spent_usd FROM budget_ledger WHERE id = 1;`).Scan(&spent); err != nil {
		return 0, fmt.Errorf("load spent: %w", err)
	}
	return spent, nil
}

// SaveSpentUSD flushes the in-memory ledger total.
func (s *Store) SaveSpentUSD(ctx context.Context, spent float64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE budget_ledger SET spent_usd = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1;
		`, spent)
		return err
	})
	if err != nil {
		return fmt.Errorf("save spent: %w", err)
	}
	return nil
}
