package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/c360studio/semreply/opportunity"
)

// MarkExpired moves pending opportunities past their deadline to expired.
func (s *Store) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
	UPDATE opportunities SET status = ?, updated_at = ?
	WHERE status = ? AND expires_at <= ?
	`), string(opportunity.StatusExpired), toMillis(now), string(opportunity.StatusPending), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("mark expired: %w", err)
	}
	return res.RowsAffected()
}

// ReapableIDs returns the ids of expired opportunities and of dismissed
// opportunities last updated before dismissedBefore.
func (s *Store) ReapableIDs(ctx context.Context, dismissedBefore time.Time) (expired, dismissed []string, err error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
	SELECT id, status FROM opportunities
	WHERE status = ? OR (status = ? AND updated_at < ?)
	`), string(opportunity.StatusExpired), string(opportunity.StatusDismissed), toMillis(dismissedBefore))
	if err != nil {
		return nil, nil, fmt.Errorf("select reapable: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, nil, fmt.Errorf("scan reapable: %w", err)
		}
		if opportunity.Status(status) == opportunity.StatusExpired {
			expired = append(expired, id)
		} else {
			dismissed = append(dismissed, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate reapable: %w", err)
	}
	return expired, dismissed, nil
}

// DeleteOpportunities hard-deletes the given opportunities together with
// every response referencing them. Only rows still in a reapable status are
// deleted. It returns the opportunity and response counts removed.
func (s *Store) DeleteOpportunities(ctx context.Context, ids []string) (opps, responses int64, err error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, part := range chunk(ids) {
			args := stringArgs(part)

			res, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM responses WHERE opportunity_id IN (
				SELECT id FROM opportunities WHERE id IN (`+placeholders(len(part))+`) AND status IN (?, ?)
			)`), append(args, string(opportunity.StatusExpired), string(opportunity.StatusDismissed))...)
			if err != nil {
				return fmt.Errorf("delete responses: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			responses += n

			res, err = tx.ExecContext(ctx, s.rebind(`
			DELETE FROM opportunities WHERE id IN (`+placeholders(len(part))+`) AND status IN (?, ?)
			`), append(stringArgs(part), string(opportunity.StatusExpired), string(opportunity.StatusDismissed))...)
			if err != nil {
				return fmt.Errorf("delete opportunities: %w", err)
			}
			n, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			opps += n
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return opps, responses, nil
}

// CountByStatus returns the number of opportunities per stored status.
func (s *Store) CountByStatus(ctx context.Context) (map[opportunity.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM opportunities GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[opportunity.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[opportunity.Status(status)] = n
	}
	return out, rows.Err()
}
