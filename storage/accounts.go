package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semreply/opportunity"
)

// UpsertAccount creates or refreshes an account and its schedule set.
// Run bookkeeping (last_run_at, last_error) of schedules that still exist is kept;
// schedule types no longer listed are removed.
func (s *Store) UpsertAccount(ctx context.Context, a *opportunity.Account) error {
	keywords, err := json.Marshal(a.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	if a.Status == "" {
		a.Status = opportunity.AccountActive
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO accounts (id, platform, handle, status, keywords, principles, voice, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			platform = excluded.platform,
			handle = excluded.handle,
			status = excluded.status,
			keywords = excluded.keywords,
			principles = excluded.principles,
			voice = excluded.voice,
			updated_at = excluded.updated_at
		`), a.ID, a.Platform, a.Handle, string(a.Status), string(keywords), a.Principles, a.Voice, toMillis(a.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert account %s: %w", a.ID, err)
		}

		keep := make([]string, 0, len(a.Schedules))
		for i, sched := range a.Schedules {
			_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO schedules (account_id, type, position, enabled, cadence)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (account_id, type) DO UPDATE SET
				position = excluded.position,
				enabled = excluded.enabled,
				cadence = excluded.cadence
			`), a.ID, string(sched.Type), i, boolToInt(sched.Enabled), sched.Cadence)
			if err != nil {
				return fmt.Errorf("upsert schedule %s: %w", opportunity.ScheduleKey(a.ID, sched.Type), err)
			}
			keep = append(keep, string(sched.Type))
		}

		query := `DELETE FROM schedules WHERE account_id = ?`
		args := []any{a.ID}
		if len(keep) > 0 {
			query += ` AND type NOT IN (` + placeholders(len(keep)) + `)`
			args = append(args, stringArgs(keep)...)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
			return fmt.Errorf("prune schedules for %s: %w", a.ID, err)
		}
		return nil
	})
}

// GetAccount returns an account with its schedule set.
func (s *Store) GetAccount(ctx context.Context, id string) (*opportunity.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
	SELECT id, platform, handle, status, keywords, principles, voice, last_error, updated_at
	FROM accounts WHERE id = ?
	`), id)

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}

	scheds, err := s.schedulesFor(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	a.Schedules = scheds[id]
	return a, nil
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]*opportunity.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, platform, handle, status, keywords, principles, voice, last_error, updated_at
	FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*opportunity.Account
	var ids []string
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	scheds, err := s.schedulesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		a.Schedules = scheds[a.ID]
	}
	return accounts, nil
}

// SetAccountStatus updates an account's status and stored error.
func (s *Store) SetAccountStatus(ctx context.Context, id string, status opportunity.AccountStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
	UPDATE accounts SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`), string(status), lastError, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set account status %s: %w", id, err)
	}
	return requireRow(res, "account", id)
}

// RecordScheduleSuccess advances a schedule's last run time and clears stored errors.
func (s *Store) RecordScheduleSuccess(ctx context.Context, accountID string, t opportunity.DiscoveryType, runAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE schedules SET last_run_at = ?, last_error = '' WHERE account_id = ? AND type = ?
		`), toMillis(runAt), accountID, string(t))
		if err != nil {
			return fmt.Errorf("record schedule success: %w", err)
		}
		if err := requireRow(res, "schedule", opportunity.ScheduleKey(accountID, t)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE accounts SET last_error = '' WHERE id = ?`), accountID)
		if err != nil {
			return fmt.Errorf("clear account error: %w", err)
		}
		return nil
	})
}

// RecordScheduleError stores a failure on the schedule and account. The last
// run time is left untouched so the next run retries the same window.
func (s *Store) RecordScheduleError(ctx context.Context, accountID string, t opportunity.DiscoveryType, msg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE schedules SET last_error = ? WHERE account_id = ? AND type = ?
		`), msg, accountID, string(t))
		if err != nil {
			return fmt.Errorf("record schedule error: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE accounts SET last_error = ?, updated_at = ? WHERE id = ?
		`), msg, toMillis(time.Now()), accountID)
		if err != nil {
			return fmt.Errorf("record account error: %w", err)
		}
		return nil
	})
}

func (s *Store) schedulesFor(ctx context.Context, accountIDs []string) (map[string]opportunity.ScheduleSet, error) {
	out := make(map[string]opportunity.ScheduleSet, len(accountIDs))
	for _, ids := range chunk(accountIDs) {
		rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT account_id, type, enabled, cadence, last_run_at, last_error
		FROM schedules WHERE account_id IN (`+placeholders(len(ids))+`)
		ORDER BY account_id, position
		`), stringArgs(ids)...)
		if err != nil {
			return nil, fmt.Errorf("list schedules: %w", err)
		}

		for rows.Next() {
			var accountID, dtype, cadence, lastError string
			var enabled int
			var lastRun sql.NullInt64
			if err := rows.Scan(&accountID, &dtype, &enabled, &cadence, &lastRun, &lastError); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan schedule: %w", err)
			}
			out[accountID] = append(out[accountID], opportunity.Schedule{
				Type:      opportunity.DiscoveryType(dtype),
				Enabled:   enabled != 0,
				Cadence:   cadence,
				LastRunAt: timePtr(lastRun),
				LastError: lastError,
			})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate schedules: %w", err)
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*opportunity.Account, error) {
	var (
		a         opportunity.Account
		status    string
		keywords  string
		updatedAt int64
	)
	if err := row.Scan(&a.ID, &a.Platform, &a.Handle, &status, &keywords, &a.Principles, &a.Voice, &a.LastError, &updatedAt); err != nil {
		return nil, err
	}
	a.Status = opportunity.AccountStatus(status)
	a.UpdatedAt = fromMillis(updatedAt)
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &a.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords: %w", err)
		}
	}
	return &a, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
