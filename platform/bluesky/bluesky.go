// Package bluesky implements the platform adapter for Bluesky over the AT
// Protocol, using the indigo XRPC client and generated lexicon calls.
//
// Each account authenticates with its handle and an app password read from
// the environment. Sessions are cached per account and renewed when the PDS
// reports an expired token. Post ids are at:// URIs.
package bluesky

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform"
)

// Platform is the platform identifier.
const Platform = "bluesky"

// Defaults.
const (
	DefaultService        = "https://bsky.social"
	DefaultAppPasswordEnv = "BLUESKY_APP_PASSWORD"
	DefaultWebURL         = "https://bsky.app"
)

const (
	pageLimit  = 50
	batchLimit = 25
	maxPages   = 10
)

// Config configures the adapter.
type Config struct {
	// Service is the PDS base URL.
	Service string `yaml:"service" json:"service"`

	// AppPasswordEnv is the environment variable holding app passwords. The
	// account-specific variable <AppPasswordEnv>_<ACCOUNT_ID> wins over it.
	AppPasswordEnv string `yaml:"app_password_env" json:"app_password_env"`

	// WebURL is the base of the public post URLs returned after posting.
	WebURL string `yaml:"web_url" json:"web_url"`
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Service:        DefaultService,
		AppPasswordEnv: DefaultAppPasswordEnv,
		WebURL:         DefaultWebURL,
	}
}

// Adapter is the Bluesky platform adapter.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	getenv     func(string) string
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*xrpc.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithGetenv overrides environment lookup.
func WithGetenv(fn func(string) string) Option {
	return func(a *Adapter) { a.getenv = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New creates a Bluesky adapter. Empty config fields take their defaults.
func New(cfg Config, opts ...Option) *Adapter {
	def := DefaultConfig()
	if cfg.Service == "" {
		cfg.Service = def.Service
	}
	if cfg.AppPasswordEnv == "" {
		cfg.AppPasswordEnv = def.AppPasswordEnv
	}
	if cfg.WebURL == "" {
		cfg.WebURL = def.WebURL
	}

	a := &Adapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		getenv:     os.Getenv,
		now:        time.Now,
		sessions:   make(map[string]*xrpc.Client),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() string { return Platform }

// FetchReplies returns replies to the account's posts indexed since.
func (a *Adapter) FetchReplies(ctx context.Context, account *opportunity.Account, since time.Time) ([]platform.RawPost, error) {
	sess, err := a.session(ctx, account)
	if err != nil {
		return nil, err
	}
	self := sess.Auth.Did

	var uris []string
	cursor := ""
	for page := 0; page < maxPages; page++ {
		var out *bsky.NotificationListNotifications_Output
		err := a.call(ctx, account, nsidListNotifications, func(c *xrpc.Client) (err error) {
			out, err = bsky.NotificationListNotifications(ctx, c, cursor, pageLimit, false, []string{reasonReply}, "")
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}

		older := false
		for _, n := range out.Notifications {
			if indexed, ok := parseTime(n.IndexedAt); ok && indexed.Before(since) {
				older = true
				continue
			}
			if n.Reason != reasonReply || n.Author == nil || n.Author.Did == self {
				continue
			}
			uris = append(uris, n.Uri)
		}
		if older || out.Cursor == nil || *out.Cursor == "" {
			break
		}
		cursor = *out.Cursor
	}

	views, err := a.getPosts(ctx, account, uris)
	if err != nil {
		return nil, err
	}
	posts, err := a.toRawPosts(ctx, account, views)
	if err != nil {
		return nil, err
	}
	return platform.FilterSince(posts, since), nil
}

// SearchByKeywords runs one search per keyword and merges the results.
func (a *Adapter) SearchByKeywords(ctx context.Context, account *opportunity.Account, keywords []string, since time.Time) ([]platform.RawPost, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	sess, err := a.session(ctx, account)
	if err != nil {
		return nil, err
	}
	self := sess.Auth.Did
	sinceParam := since.UTC().Format(time.RFC3339)

	var views []*bsky.FeedDefs_PostView
	for _, kw := range keywords {
		var out *bsky.FeedSearchPosts_Output
		err := a.call(ctx, account, nsidSearchPosts, func(c *xrpc.Client) (err error) {
			out, err = bsky.FeedSearchPosts(ctx, c, "", "", "", "", pageLimit, "", kw, sinceParam, "latest", nil, "", "")
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", kw, err)
		}
		for _, v := range out.Posts {
			if v != nil && authorDID(v) != self {
				views = append(views, v)
			}
		}
	}

	posts, err := a.toRawPosts(ctx, account, views)
	if err != nil {
		return nil, err
	}
	return platform.FilterSince(platform.DedupByPostID(posts), since), nil
}

// PostReply creates a post replying to parentPostID, threading it under the
// parent's root.
func (a *Adapter) PostReply(ctx context.Context, account *opportunity.Account, parentPostID, text string) (*platform.PostResult, error) {
	sess, err := a.session(ctx, account)
	if err != nil {
		return nil, err
	}

	parents, err := a.getPosts(ctx, account, []string{parentPostID})
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, platform.NewNotFoundError(fmt.Errorf("parent post %s", parentPostID))
	}
	parent := parents[0]
	parentRef := &atproto.RepoStrongRef{Uri: parent.Uri, Cid: parent.Cid}
	root := parentRef
	if rec := feedPost(parent); rec != nil && rec.Reply != nil && rec.Reply.Root != nil && rec.Reply.Root.Uri != "" {
		root = &atproto.RepoStrongRef{Uri: rec.Reply.Root.Uri, Cid: rec.Reply.Root.Cid}
	}

	now := a.now().UTC()
	var created *atproto.RepoCreateRecord_Output
	err = a.call(ctx, account, nsidCreateRecord, func(c *xrpc.Client) (err error) {
		created, err = atproto.RepoCreateRecord(ctx, c, &atproto.RepoCreateRecord_Input{
			Repo:       c.Auth.Did,
			Collection: collectionPost,
			Record: &lexutil.LexiconTypeDecoder{Val: &bsky.FeedPost{
				LexiconTypeID: collectionPost,
				Text:          text,
				CreatedAt:     now.Format(time.RFC3339Nano),
				Reply:         &bsky.FeedPost_ReplyRef{Root: root, Parent: parentRef},
			}},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create reply: %w", err)
	}

	return &platform.PostResult{
		PostID:   created.Uri,
		PostURL:  a.postURL(sess.Auth.Handle, created.Uri),
		PostedAt: now,
	}, nil
}

// getPosts hydrates post views in batches.
func (a *Adapter) getPosts(ctx context.Context, account *opportunity.Account, uris []string) ([]*bsky.FeedDefs_PostView, error) {
	var views []*bsky.FeedDefs_PostView
	for start := 0; start < len(uris); start += batchLimit {
		batch := uris[start:min(start+batchLimit, len(uris))]
		var out *bsky.FeedGetPosts_Output
		err := a.call(ctx, account, nsidGetPosts, func(c *xrpc.Client) (err error) {
			out, err = bsky.FeedGetPosts(ctx, c, batch)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get posts: %w", err)
		}
		for _, v := range out.Posts {
			if v != nil {
				views = append(views, v)
			}
		}
	}
	return views, nil
}

// getProfiles returns detailed profiles keyed by DID.
func (a *Adapter) getProfiles(ctx context.Context, account *opportunity.Account, dids []string) (map[string]*bsky.ActorDefs_ProfileViewDetailed, error) {
	profiles := make(map[string]*bsky.ActorDefs_ProfileViewDetailed, len(dids))
	for start := 0; start < len(dids); start += batchLimit {
		batch := dids[start:min(start+batchLimit, len(dids))]
		var out *bsky.ActorGetProfiles_Output
		err := a.call(ctx, account, nsidGetProfiles, func(c *xrpc.Client) (err error) {
			out, err = bsky.ActorGetProfiles(ctx, c, batch)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get profiles: %w", err)
		}
		for _, p := range out.Profiles {
			if p != nil {
				profiles[p.Did] = p
			}
		}
	}
	return profiles, nil
}

// toRawPosts converts views and attaches author follower counts and bios.
// Profile lookup failures degrade to the basic author fields.
func (a *Adapter) toRawPosts(ctx context.Context, account *opportunity.Account, views []*bsky.FeedDefs_PostView) ([]platform.RawPost, error) {
	if len(views) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var dids []string
	for _, v := range views {
		if did := authorDID(v); did != "" && !seen[did] {
			seen[did] = true
			dids = append(dids, did)
		}
	}
	profiles, err := a.getProfiles(ctx, account, dids)
	if err != nil {
		if platform.IsAuthentication(err) || ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn("Profile lookup failed, using basic author data", "account_id", account.ID, "error", err)
		profiles = nil
	}

	posts := make([]platform.RawPost, 0, len(views))
	for _, v := range views {
		var author platform.RawAuthor
		if v.Author != nil {
			author = platform.RawAuthor{
				PlatformUserID: v.Author.Did,
				Handle:         v.Author.Handle,
				DisplayName:    str(v.Author.DisplayName),
			}
		}
		if p, ok := profiles[author.PlatformUserID]; ok {
			author.Bio = str(p.Description)
			author.FollowerCount = count(p.FollowersCount)
			if name := str(p.DisplayName); name != "" {
				author.DisplayName = name
			}
		}

		text := ""
		if rec := feedPost(v); rec != nil {
			text = rec.Text
		}
		posts = append(posts, platform.RawPost{
			PostID:    v.Uri,
			Text:      text,
			CreatedAt: createdAt(v),
			Author:    author,
			Likes:     count(v.LikeCount),
			Reposts:   count(v.RepostCount),
			Replies:   count(v.ReplyCount),
		})
	}
	return posts, nil
}

// call runs an authenticated XRPC call, renewing the session once when the
// token is rejected.
func (a *Adapter) call(ctx context.Context, account *opportunity.Account, nsid string, fn func(*xrpc.Client) error) error {
	sess, err := a.session(ctx, account)
	if err != nil {
		return err
	}
	err = a.wrap(ctx, nsid, fn(sess))
	if err == nil || !platform.IsAuthentication(err) {
		return err
	}

	a.logger.Debug("Bluesky token rejected, renewing session", "account_id", account.ID, "nsid", nsid)
	a.dropSession(account.ID)
	sess, err = a.session(ctx, account)
	if err != nil {
		return err
	}
	return a.wrap(ctx, nsid, fn(sess))
}

// session returns the cached authenticated client for an account, creating a
// session if needed.
func (a *Adapter) session(ctx context.Context, account *opportunity.Account) (*xrpc.Client, error) {
	a.mu.Lock()
	sess, ok := a.sessions[account.ID]
	a.mu.Unlock()
	if ok {
		return sess, nil
	}

	password := a.password(account.ID)
	if password == "" {
		return nil, platform.NewAuthenticationError(fmt.Errorf("no app password for account %s: set %s", account.ID, a.accountEnv(account.ID)))
	}

	out, err := atproto.ServerCreateSession(ctx, a.newClient(nil), &atproto.ServerCreateSession_Input{
		Identifier: account.Handle,
		Password:   password,
	})
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", account.Handle, a.wrap(ctx, nsidCreateSession, err))
	}

	sess = a.newClient(&xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	})
	a.mu.Lock()
	a.sessions[account.ID] = sess
	a.mu.Unlock()

	a.logger.Debug("Bluesky session created", "account_id", account.ID, "did", out.Did)
	return sess, nil
}

func (a *Adapter) dropSession(accountID string) {
	a.mu.Lock()
	delete(a.sessions, accountID)
	a.mu.Unlock()
}

func (a *Adapter) password(accountID string) string {
	if v := a.getenv(a.accountEnv(accountID)); v != "" {
		return v
	}
	return a.getenv(a.config.AppPasswordEnv)
}

// accountEnv returns the account-specific password variable, e.g.
// BLUESKY_APP_PASSWORD_MAIN_ACCOUNT for "main-account".
func (a *Adapter) accountEnv(accountID string) string {
	suffix := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, accountID)
	return a.config.AppPasswordEnv + "_" + suffix
}

// postURL builds the public web URL of an at:// post URI.
func (a *Adapter) postURL(handle, uri string) string {
	rkey := uri[strings.LastIndex(uri, "/")+1:]
	actor := handle
	if actor == "" {
		actor = strings.TrimPrefix(uri, "at://")
		if i := strings.Index(actor, "/"); i >= 0 {
			actor = actor[:i]
		}
	}
	return strings.TrimRight(a.config.WebURL, "/") + "/profile/" + actor + "/post/" + rkey
}
