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

// InsertResponse stores r as the next version for its opportunity and sets
// r.Version.
func (s *Store) InsertResponse(ctx context.Context, r *opportunity.Response) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal response metadata: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(version), 0) + 1 FROM responses WHERE opportunity_id = ?
		`), r.OpportunityID).Scan(&version)
		if err != nil {
			return fmt.Errorf("next response version: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO responses (
			id, opportunity_id, account_id, text, status, version, metadata,
			created_at, updated_at, posted_at, platform_post_id, platform_post_url
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			r.ID, r.OpportunityID, r.AccountID, r.Text, string(r.Status), version, string(meta),
			toMillis(r.CreatedAt), toMillis(r.UpdatedAt), nullableMillis(r.PostedAt), r.PlatformPostID, r.PlatformPostURL,
		)
		if err != nil {
			return fmt.Errorf("insert response for %s: %w", r.OpportunityID, err)
		}
		r.Version = version
		return nil
	})
}

const responseColumns = `
	id, opportunity_id, account_id, text, status, version, metadata,
	created_at, updated_at, posted_at, platform_post_id, platform_post_url`

// GetResponse returns a response by id.
func (s *Store) GetResponse(ctx context.Context, id string) (*opportunity.Response, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+responseColumns+` FROM responses WHERE id = ?`), id)
	r, err := scanResponse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("response %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get response %s: %w", id, err)
	}
	return r, nil
}

// ListResponses returns all versions for an opportunity, newest first.
func (s *Store) ListResponses(ctx context.Context, opportunityID string) ([]*opportunity.Response, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
	SELECT `+responseColumns+` FROM responses WHERE opportunity_id = ? ORDER BY version DESC
	`), opportunityID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []*opportunity.Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return out, nil
}

// UpdateResponseStatus moves a response from one status to another.
func (s *Store) UpdateResponseStatus(ctx context.Context, id string, from, to opportunity.ResponseStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
	UPDATE responses SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`), string(to), toMillis(now), id, string(from))
	if err != nil {
		return fmt.Errorf("update response %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetResponse(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("response %s not %s: %w", id, from, ErrConflict)
	}
	return nil
}

// MarkPosted records a successful post: the draft becomes posted with the
// platform's identifiers and its opportunity becomes responded, atomically.
func (s *Store) MarkPosted(ctx context.Context, r *opportunity.Response, opp *opportunity.Opportunity, postID, postURL string, postedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE responses SET status = ?, posted_at = ?, platform_post_id = ?, platform_post_url = ?, updated_at = ?
		WHERE id = ? AND status = ?
		`), string(opportunity.ResponsePosted), toMillis(postedAt), postID, postURL, toMillis(postedAt),
			r.ID, string(opportunity.ResponseDraft))
		if err != nil {
			return fmt.Errorf("mark response %s posted: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("response %s not draft: %w", r.ID, ErrConflict)
		}

		if opp.Status == opportunity.StatusPending {
			if err := s.transition(ctx, tx, opp, opportunity.StatusResponded, postedAt); err != nil {
				return err
			}
		}

		r.Status = opportunity.ResponsePosted
		r.PostedAt = &postedAt
		r.PlatformPostID = postID
		r.PlatformPostURL = postURL
		r.UpdatedAt = postedAt
		return nil
	})
}

func scanResponse(row scanner) (*opportunity.Response, error) {
	var r opportunity.Response
	var status, meta string
	var createdAt, updatedAt int64
	var postedAt sql.NullInt64

	err := row.Scan(
		&r.ID, &r.OpportunityID, &r.AccountID, &r.Text, &status, &r.Version, &meta,
		&createdAt, &updatedAt, &postedAt, &r.PlatformPostID, &r.PlatformPostURL,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal response metadata: %w", err)
	}
	r.Status = opportunity.ResponseStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	r.PostedAt = timePtr(postedAt)
	return &r, nil
}
