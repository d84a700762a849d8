package persistence

import (
	"context"
	"fmt"
)

// ConsumeMessageID atomically claims an operator message id. The first caller
// gets true; every later caller (including after a restart) gets false. The
// router calls this before dispatching, so a crash mid-handling can drop a
// message but never deliver it twice.
func (s *Store) ConsumeMessageID(ctx context.Context, messageID string) (bool, error) {
	var first bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO consumed_messages (message_id) VALUES (?)
			ON CONFLICT(message_id) DO NOTHING;
		`, messageID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		first = affected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("consume message id: %w", err)
	}
	return first, nil
}
