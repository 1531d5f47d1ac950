package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/c360studio/semreply/opportunity"
)

// CodePrompt returns the login code Telegram sent to the user.
type CodePrompt func(ctx context.Context) (string, error)

// Login authorizes the account's session with a phone number and the code
// returned by prompt. password is the two-step verification password, if the
// account has one. The session is persisted through the SessionStore.
func (a *Adapter) Login(ctx context.Context, account *opportunity.Account, phone, password string, prompt CodePrompt) error {
	client, err := a.newClient(account)
	if err != nil {
		return err
	}
	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if status.Authorized {
			a.logger.Info("Telegram session already authorized", "account_id", account.ID)
			return nil
		}

		flow := auth.NewFlow(
			auth.Constant(phone, password, auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
				return prompt(ctx)
			})),
			auth.SendCodeOptions{},
		)
		if err := flow.Run(ctx, client.Auth()); err != nil {
			return fmt.Errorf("telegram login for %s: %w", account.ID, err)
		}
		a.logger.Info("Telegram session authorized", "account_id", account.ID)
		return nil
	})
}
