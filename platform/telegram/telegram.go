// Package telegram implements the platform adapter for Telegram over MTProto
// using gotd.
//
// An account is a user session that owns a broadcast channel (Account.Handle
// is the channel username). Replies are messages in the channel's linked
// discussion group; search uses global message search. Sessions live in the
// document store and are created once with Login.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform"
)

// Platform is the platform identifier.
const Platform = "telegram"

// DefaultAppHashEnv is the environment variable read when AppHash is empty.
const DefaultAppHashEnv = "TELEGRAM_APP_HASH"

const (
	historyLimit = 20
	repliesLimit = 50
	searchLimit  = 50
)

// Config configures the adapter.
type Config struct {
	// AppID is the Telegram API application id.
	AppID int `yaml:"app_id" json:"app_id"`

	// AppHash is the API application hash. Prefer AppHashEnv.
	AppHash string `yaml:"app_hash" json:"app_hash,omitempty"`

	// AppHashEnv names the environment variable holding the app hash.
	AppHashEnv string `yaml:"app_hash_env" json:"app_hash_env"`
}

// API is the subset of the Telegram API used by the adapter. *tg.Client
// implements it.
type API interface {
	ContactsResolveUsername(ctx context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesGetReplies(ctx context.Context, req *tg.MessagesGetRepliesRequest) (tg.MessagesMessagesClass, error)
	MessagesSearchGlobal(ctx context.Context, req *tg.MessagesSearchGlobalRequest) (tg.MessagesMessagesClass, error)
	MessagesSendMessage(ctx context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
}

// Runner opens an authorized connection for an account and runs fn with it.
type Runner func(ctx context.Context, account *opportunity.Account, fn func(ctx context.Context, api API) error) error

// Adapter is the Telegram platform adapter.
type Adapter struct {
	config   Config
	sessions SessionStore
	run      Runner
	peers    *peerCache
	logger   *slog.Logger
	getenv   func(string) string
	now      func() time.Time
	randomID func() int64
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithRunner replaces the MTProto connection runner.
func WithRunner(r Runner) Option {
	return func(a *Adapter) { a.run = r }
}

// WithGetenv overrides environment lookup.
func WithGetenv(fn func(string) string) Option {
	return func(a *Adapter) { a.getenv = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New creates a Telegram adapter whose sessions are kept in sessions.
func New(cfg Config, sessions SessionStore, opts ...Option) *Adapter {
	if cfg.AppHashEnv == "" {
		cfg.AppHashEnv = DefaultAppHashEnv
	}
	a := &Adapter{
		config:   cfg,
		sessions: sessions,
		peers:    newPeerCache(),
		logger:   slog.Default(),
		getenv:   os.Getenv,
		now:      time.Now,
		randomID: rand.Int63,
	}
	a.run = a.runClient
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() string { return Platform }

// FetchReplies returns discussion replies to the account channel's recent
// posts sent since.
func (a *Adapter) FetchReplies(ctx context.Context, account *opportunity.Account, since time.Time) ([]platform.RawPost, error) {
	var posts []platform.RawPost
	err := a.run(ctx, account, func(ctx context.Context, api API) error {
		channel, err := a.resolveChannel(ctx, api, account)
		if err != nil {
			return err
		}
		input := &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}

		history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: input, Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("get channel history: %w", err)
		}
		hist := newMessageSet(history)

		for _, m := range hist.messages {
			if r, ok := m.GetReplies(); !ok || r.Replies == 0 {
				continue
			}

			res, err := api.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{Peer: input, MsgID: m.ID, Limit: repliesLimit})
			if err != nil {
				if tgerr.Is(err, "MSG_ID_INVALID") {
					continue
				}
				return fmt.Errorf("get replies to %d: %w", m.ID, err)
			}
			set := newMessageSet(res)
			a.peers.remember(account.ID, set.rawChats)

			// Skip the automatic forward of the channel post and our own
			// channel writing as itself.
			posts = append(posts, set.rawPosts(func(reply *tg.Message) bool {
				if reply.Date < int(since.Unix()) {
					return true
				}
				from, ok := reply.GetFromID()
				if !ok {
					return true
				}
				pc, ok := from.(*tg.PeerChannel)
				return ok && pc.ChannelID == channel.ID
			})...)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return platform.FilterSince(platform.DedupByPostID(posts), since), nil
}

// SearchByKeywords runs a global message search per keyword.
func (a *Adapter) SearchByKeywords(ctx context.Context, account *opportunity.Account, keywords []string, since time.Time) ([]platform.RawPost, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	var posts []platform.RawPost
	err := a.run(ctx, account, func(ctx context.Context, api API) error {
		own := ownChannel(account)
		for _, kw := range keywords {
			res, err := api.MessagesSearchGlobal(ctx, &tg.MessagesSearchGlobalRequest{
				Q:          kw,
				Filter:     &tg.InputMessagesFilterEmpty{},
				MinDate:    int(since.Unix()),
				OffsetPeer: &tg.InputPeerEmpty{},
				Limit:      searchLimit,
			})
			if err != nil {
				return fmt.Errorf("search %q: %w", kw, err)
			}
			set := newMessageSet(res)
			a.peers.remember(account.ID, set.rawChats)

			posts = append(posts, set.rawPosts(func(m *tg.Message) bool {
				pc := m.PeerID.(*tg.PeerChannel)
				ch, ok := set.chats[pc.ChannelID]
				return ok && own != "" && strings.EqualFold(ch.Username, own)
			})...)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return platform.FilterSince(platform.DedupByPostID(posts), since), nil
}

// PostReply sends text as a reply to the message identified by parentPostID.
// The channel must have been seen by this account's discovery in the current
// process, since addressing it needs the session-specific access hash.
func (a *Adapter) PostReply(ctx context.Context, account *opportunity.Account, parentPostID, text string) (*platform.PostResult, error) {
	channelID, msgID, err := ParsePostID(parentPostID)
	if err != nil {
		return nil, platform.NewNotFoundError(err)
	}
	p, ok := a.peers.get(account.ID, channelID)
	if !ok {
		return nil, platform.NewNotFoundError(fmt.Errorf("channel %d is unknown to the session of %s; run discovery first", channelID, account.ID))
	}

	randomID := a.randomID()
	var sentID int
	err = a.run(ctx, account, func(ctx context.Context, api API) error {
		updates, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     &tg.InputPeerChannel{ChannelID: channelID, AccessHash: p.AccessHash},
			Message:  text,
			RandomID: randomID,
			ReplyTo:  &tg.InputReplyToMessage{ReplyToMsgID: msgID},
		})
		if err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		id, ok := sentMessageID(updates, randomID)
		if !ok {
			return fmt.Errorf("send reply: no message id in %T", updates)
		}
		sentID = id
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	return &platform.PostResult{
		PostID:   FormatPostID(channelID, sentID),
		PostURL:  postURL(channelID, p.Username, sentID),
		PostedAt: a.now().UTC(),
	}, nil
}

// resolveChannel resolves the account's channel username.
func (a *Adapter) resolveChannel(ctx context.Context, api API, account *opportunity.Account) (*tg.Channel, error) {
	username := ownChannel(account)
	if username == "" {
		return nil, fmt.Errorf("account %s has no channel handle", account.ID)
	}
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, fmt.Errorf("resolve @%s: %w", username, err)
	}
	a.peers.remember(account.ID, resolved.Chats)
	for _, raw := range resolved.Chats {
		if ch, ok := raw.(*tg.Channel); ok && ch.Broadcast {
			return ch, nil
		}
	}
	return nil, platform.NewNotFoundError(fmt.Errorf("@%s is not a broadcast channel", username))
}

func ownChannel(account *opportunity.Account) string {
	return strings.TrimPrefix(strings.TrimSpace(account.Handle), "@")
}

// runClient is the default Runner: one MTProto connection per call.
func (a *Adapter) runClient(ctx context.Context, account *opportunity.Account, fn func(ctx context.Context, api API) error) error {
	client, err := a.newClient(account)
	if err != nil {
		return err
	}
	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return platform.NewAuthenticationError(fmt.Errorf("telegram session of %s is not authorized; run login", account.ID))
		}
		return fn(ctx, tg.NewClient(client))
	})
}

func (a *Adapter) newClient(account *opportunity.Account) (*telegram.Client, error) {
	appHash := a.config.AppHash
	if appHash == "" {
		appHash = a.getenv(a.config.AppHashEnv)
	}
	if a.config.AppID == 0 || appHash == "" {
		return nil, platform.NewAuthenticationError(fmt.Errorf("telegram app_id and %s must be set", a.config.AppHashEnv))
	}
	return telegram.NewClient(a.config.AppID, appHash, telegram.Options{
		SessionStorage: &accountSession{store: a.sessions, accountID: account.ID},
	}), nil
}

// classify maps RPC errors to adapter error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if platform.IsAuthentication(err) || platform.IsNotFound(err) || platform.IsRateLimit(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return platform.NewRateLimitError(err, d)
	}
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN") {
		return platform.NewAuthenticationError(err)
	}
	if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "CHANNEL_INVALID", "CHANNEL_PRIVATE", "PEER_ID_INVALID", "MSG_ID_INVALID") {
		return platform.NewNotFoundError(err)
	}
	if rpc, ok := tgerr.As(err); ok && rpc.Code < 500 {
		return err
	}
	return platform.NewTransientError(err)
}
