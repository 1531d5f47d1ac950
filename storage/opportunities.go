package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semreply/opportunity"
	"github.com/google/uuid"
)

// UpsertAuthor creates or refreshes an author keyed by (platform, platform user id)
// and sets a.ID to the stored id.
func (s *Store) UpsertAuthor(ctx context.Context, a *opportunity.Author) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.LastUpdatedAt.IsZero() {
		a.LastUpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
	INSERT INTO authors (id, platform, platform_user_id, handle, display_name, bio, follower_count, last_updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (platform, platform_user_id) DO UPDATE SET
		handle = excluded.handle,
		display_name = excluded.display_name,
		bio = excluded.bio,
		follower_count = excluded.follower_count,
		last_updated_at = excluded.last_updated_at
	`), a.ID, a.Platform, a.PlatformUserID, a.Handle, a.DisplayName, a.Bio, a.FollowerCount, toMillis(a.LastUpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert author %s/%s: %w", a.Platform, a.PlatformUserID, err)
	}

	err = s.db.QueryRowContext(ctx, s.rebind(`
	SELECT id FROM authors WHERE platform = ? AND platform_user_id = ?
	`), a.Platform, a.PlatformUserID).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("read author id %s/%s: %w", a.Platform, a.PlatformUserID, err)
	}
	return nil
}

// GetAuthor returns an author by id.
func (s *Store) GetAuthor(ctx context.Context, id string) (*opportunity.Author, error) {
	var (
		a       opportunity.Author
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
	SELECT id, platform, platform_user_id, handle, display_name, bio, follower_count, last_updated_at
	FROM authors WHERE id = ?
	`), id).Scan(&a.ID, &a.Platform, &a.PlatformUserID, &a.Handle, &a.DisplayName, &a.Bio, &a.FollowerCount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("author %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get author %s: %w", id, err)
	}
	a.LastUpdatedAt = fromMillis(updated)
	return &a, nil
}

// InsertOpportunity inserts o unless an opportunity with the same
// (account, post id) exists. It reports whether a row was inserted; a
// duplicate is not an error.
func (s *Store) InsertOpportunity(ctx context.Context, o *opportunity.Opportunity) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
	INSERT INTO opportunities (
		id, account_id, platform, post_id, text, created_at, author_id,
		likes, reposts, replies, score_recency, score_impact, score_total,
		discovery_type, status, discovered_at, expires_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (account_id, post_id) DO NOTHING
	`),
		o.ID, o.AccountID, o.Platform, o.PostID, o.Text, toMillis(o.CreatedAt), o.AuthorID,
		o.Engagement.Likes, o.Engagement.Reposts, o.Engagement.Replies,
		o.Scoring.Recency, o.Scoring.Impact, o.Scoring.Total,
		string(o.DiscoveryType), string(o.Status), toMillis(o.DiscoveredAt), toMillis(o.ExpiresAt), toMillis(o.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert opportunity %s/%s: %w", o.AccountID, o.PostID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

const opportunityColumns = `
	id, account_id, platform, post_id, text, created_at, author_id,
	likes, reposts, replies, score_recency, score_impact, score_total,
	discovery_type, status, discovered_at, expires_at, updated_at`

// GetOpportunity returns an opportunity by id. The stored status is returned
// as is; callers use IsExpired for read-time expiry.
func (s *Store) GetOpportunity(ctx context.Context, id string) (*opportunity.Opportunity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+opportunityColumns+` FROM opportunities WHERE id = ?`), id)
	o, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("opportunity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return o, nil
}

// Sort orders for opportunity listings.
const (
	SortTotal   = "total"
	SortRecent  = "recent"
	SortExpires = "expires"
)

// ListFilter selects opportunities.
type ListFilter struct {
	AccountID string
	Status    opportunity.Status
	Sort      string
	Limit     int
	Offset    int
}

// DefaultListLimit is used when a filter has no limit.
const DefaultListLimit = 50

// ListOpportunities returns one page of opportunities and the total number
// matching. Pending rows past their deadline are never listed, whether or not
// the reaper has run.
func (s *Store) ListOpportunities(ctx context.Context, f ListFilter, now time.Time) ([]*opportunity.Opportunity, int, error) {
	where := ` WHERE NOT (status = ? AND expires_at <= ?)`
	args := []any{string(opportunity.StatusPending), toMillis(now)}

	if f.AccountID != "" {
		where += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM opportunities`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count opportunities: %w", err)
	}

	order := ` ORDER BY score_total DESC, discovered_at DESC`
	switch f.Sort {
	case SortRecent:
		order = ` ORDER BY discovered_at DESC, score_total DESC`
	case SortExpires:
		order = ` ORDER BY expires_at ASC, score_total DESC`
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + opportunityColumns + ` FROM opportunities` + where + order + ` LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()

	var out []*opportunity.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate opportunities: %w", err)
	}
	return out, total, nil
}

// UpdateOpportunityStatus applies a state machine transition. The write is
// conditional on the status read, so a concurrent change yields ErrConflict.
func (s *Store) UpdateOpportunityStatus(ctx context.Context, id string, to opportunity.Status, now time.Time) (*opportunity.Opportunity, error) {
	o, err := s.GetOpportunity(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, s.db, o, to, now); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) transition(ctx context.Context, q querier, o *opportunity.Opportunity, to opportunity.Status, now time.Time) error {
	from := o.Status
	if from == opportunity.StatusPending && to != opportunity.StatusExpired && o.IsExpired(now) {
		return fmt.Errorf("opportunity %s: %w", o.ID, ErrExpired)
	}
	if err := o.Transition(to, now); err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, s.rebind(`
	UPDATE opportunities SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`), string(to), toMillis(now), o.ID, string(from))
	if err != nil {
		return fmt.Errorf("update opportunity %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("opportunity %s: %w", o.ID, ErrConflict)
	}
	return nil
}

// BulkDismiss dismisses the account's live pending opportunities. When ids is
// non-empty only those are considered. It returns the number dismissed.
func (s *Store) BulkDismiss(ctx context.Context, accountID string, ids []string, now time.Time) (int64, error) {
	base := `UPDATE opportunities SET status = ?, updated_at = ?
	WHERE account_id = ? AND status = ? AND expires_at > ?`
	args := []any{string(opportunity.StatusDismissed), toMillis(now), accountID, string(opportunity.StatusPending), toMillis(now)}

	if len(ids) == 0 {
		res, err := s.db.ExecContext(ctx, s.rebind(base), args...)
		if err != nil {
			return 0, fmt.Errorf("bulk dismiss %s: %w", accountID, err)
		}
		return res.RowsAffected()
	}

	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, part := range chunk(ids) {
			query := base + ` AND id IN (` + placeholders(len(part)) + `)`
			res, err := tx.ExecContext(ctx, s.rebind(query), append(append([]any{}, args...), stringArgs(part)...)...)
			if err != nil {
				return fmt.Errorf("bulk dismiss %s: %w", accountID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func scanOpportunity(row scanner) (*opportunity.Opportunity, error) {
	var o opportunity.Opportunity
	var dtype, status string
	var createdAt, discoveredAt, expiresAt, updatedAt int64
	err := row.Scan(
		&o.ID, &o.AccountID, &o.Platform, &o.PostID, &o.Text, &createdAt, &o.AuthorID,
		&o.Engagement.Likes, &o.Engagement.Reposts, &o.Engagement.Replies,
		&o.Scoring.Recency, &o.Scoring.Impact, &o.Scoring.Total,
		&dtype, &status, &discoveredAt, &expiresAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.DiscoveryType = opportunity.DiscoveryType(dtype)
	o.Status = opportunity.Status(status)
	o.CreatedAt = fromMillis(createdAt)
	o.DiscoveredAt = fromMillis(discoveredAt)
	o.ExpiresAt = fromMillis(expiresAt)
	o.UpdatedAt = fromMillis(updatedAt)
	return &o, nil
}
