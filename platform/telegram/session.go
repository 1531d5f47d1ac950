package telegram

import (
	"context"
	"errors"

	"github.com/gotd/td/session"

	"github.com/c360studio/semreply/storage"
)

// SessionStore persists MTProto sessions per account.
type SessionStore interface {
	LoadTelegramSession(ctx context.Context, accountID string) ([]byte, error)
	StoreTelegramSession(ctx context.Context, accountID string, data []byte) error
}

// accountSession adapts a SessionStore to session.Storage for one account.
type accountSession struct {
	store     SessionStore
	accountID string
}

var _ session.Storage = (*accountSession)(nil)

// LoadSession implements session.Storage.
func (s *accountSession) LoadSession(ctx context.Context) ([]byte, error) {
	if s == nil || s.store == nil {
		return nil, session.ErrNotFound
	}
	data, err := s.store.LoadTelegramSession(ctx, s.accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// StoreSession implements session.Storage.
func (s *accountSession) StoreSession(ctx context.Context, data []byte) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.StoreTelegramSession(ctx, s.accountID, data)
}
