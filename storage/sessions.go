package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadTelegramSession returns the stored MTProto session for an account.
func (s *Store) LoadTelegramSession(ctx context.Context, accountID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`
	SELECT data FROM telegram_sessions WHERE account_id = ?
	`), accountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("telegram session %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load telegram session %s: %w", accountID, err)
	}
	return []byte(data), nil
}

// StoreTelegramSession saves the MTProto session for an account, replacing any previous one.
func (s *Store) StoreTelegramSession(ctx context.Context, accountID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
	INSERT INTO telegram_sessions (account_id, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT (account_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`), accountID, string(data), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("store telegram session %s: %w", accountID, err)
	}
	return nil
}
