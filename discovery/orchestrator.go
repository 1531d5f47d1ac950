// Package discovery runs one discovery pass for an (account, type) pair: it
// fetches posts through the platform adapter, scores them, keeps those at or
// above the threshold and persists them with author upserts and dedup.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semreply/events"
	"github.com/c360studio/semreply/metrics"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform"
)

// Config holds the discovery tuning knobs.
type Config struct {
	// Threshold is the minimum total score an opportunity must reach.
	Threshold int `yaml:"threshold" json:"threshold"`

	// TTL is the lifetime of a pending opportunity.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// FallbackLookback is the window searched when a schedule has never run.
	FallbackLookback time.Duration `yaml:"fallback_lookback" json:"fallback_lookback"`

	// Weights blends recency and impact into the total score.
	Weights opportunity.Weights `yaml:"weights" json:"weights"`
}

// DefaultConfig returns the default discovery configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:        30,
		TTL:              48 * time.Hour,
		FallbackLookback: 6 * time.Hour,
		Weights:          opportunity.DefaultWeights,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 100 {
		return fmt.Errorf("threshold must be in [0,100], got %d", c.Threshold)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.FallbackLookback <= 0 {
		return fmt.Errorf("fallback_lookback must be positive")
	}
	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	return nil
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*opportunity.Account, error)
	UpsertAuthor(ctx context.Context, a *opportunity.Author) error
	InsertOpportunity(ctx context.Context, o *opportunity.Opportunity) (bool, error)
	RecordScheduleSuccess(ctx context.Context, accountID string, t opportunity.DiscoveryType, runAt time.Time) error
	RecordScheduleError(ctx context.Context, accountID string, t opportunity.DiscoveryType, msg string) error
	SetAccountStatus(ctx context.Context, id string, status opportunity.AccountStatus, lastError string) error
}

var (
	// ErrUnknownType is returned for a discovery type the engine does not know.
	ErrUnknownType = errors.New("unknown discovery type")

	// ErrNoSchedule is returned when the account has no schedule entry for
	// the requested type. Nothing is fetched.
	ErrNoSchedule = errors.New("account has no schedule for discovery type")
)

// Orchestrator executes discovery runs.
type Orchestrator struct {
	config    Config
	store     Store
	platforms *platform.Registry
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(cfg Config, store Store, platforms *platform.Registry, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}
	o := &Orchestrator{
		config:    cfg,
		store:     store,
		platforms: platforms,
		events:    events.Noop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Discover runs one discovery pass and returns the opportunities inserted by
// this run. Duplicates of already stored posts are skipped silently. On
// failure the error is recorded on the account schedule and the schedule's
// last run time is left unchanged, so the next run covers the same window.
func (o *Orchestrator) Discover(ctx context.Context, accountID string, dtype opportunity.DiscoveryType) ([]*opportunity.Opportunity, error) {
	if !dtype.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, dtype)
	}

	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if _, ok := account.Schedules.Get(dtype); !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrNoSchedule, accountID, dtype)
	}

	start := o.now()
	fetched := 0
	inserted, err := o.run(ctx, account, dtype, start, &fetched)
	o.metrics.DiscoveryRun(account.Platform, string(dtype), time.Since(start).Seconds(), fetched, len(inserted), err)

	if err != nil {
		o.recordFailure(ctx, account, dtype, err)
		return inserted, err
	}

	if err := o.store.RecordScheduleSuccess(ctx, accountID, dtype, start); err != nil {
		err = fmt.Errorf("record schedule success: %w", err)
		o.recordFailure(ctx, account, dtype, err)
		return inserted, err
	}

	o.logger.Info("Discovery completed",
		"account_id", accountID,
		"type", dtype,
		"fetched", fetched,
		"inserted", len(inserted))
	return inserted, nil
}

func (o *Orchestrator) run(ctx context.Context, account *opportunity.Account, dtype opportunity.DiscoveryType, now time.Time, fetched *int) ([]*opportunity.Opportunity, error) {
	adapter, err := o.platforms.Get(account.Platform)
	if err != nil {
		return nil, err
	}

	since := now.Add(-o.config.FallbackLookback)
	if sched, ok := account.Schedules.Get(dtype); ok && sched.LastRunAt != nil {
		since = *sched.LastRunAt
	}

	var posts []platform.RawPost
	switch dtype {
	case opportunity.DiscoveryReplies:
		posts, err = adapter.FetchReplies(ctx, account, since)
		if err != nil {
			return nil, fmt.Errorf("fetch replies: %w", err)
		}
	case opportunity.DiscoverySearch:
		if len(account.Keywords) == 0 {
			o.logger.Debug("No keywords configured, skipping search", "account_id", account.ID)
			return []*opportunity.Opportunity{}, nil
		}
		posts, err = adapter.SearchByKeywords(ctx, account, account.Keywords, since)
		if err != nil {
			return nil, fmt.Errorf("search by keywords: %w", err)
		}
	}
	*fetched = len(posts)

	inserted := []*opportunity.Opportunity{}
	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}

		scoring := opportunity.Score(opportunity.Signals{
			CreatedAt: post.CreatedAt,
			Followers: post.Author.FollowerCount,
			Likes:     post.Likes,
			Reposts:   post.Reposts,
		}, now, o.config.Weights)
		if scoring.Total < o.config.Threshold {
			continue
		}

		opp, ok, err := o.persist(ctx, account, dtype, post, scoring, now)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted = append(inserted, opp)
		}
	}
	return inserted, nil
}

// persist upserts the author and then inserts the opportunity. The author is
// always written first so no opportunity references a missing author.
func (o *Orchestrator) persist(ctx context.Context, account *opportunity.Account, dtype opportunity.DiscoveryType, post platform.RawPost, scoring opportunity.Scoring, now time.Time) (*opportunity.Opportunity, bool, error) {
	author := &opportunity.Author{
		Platform:       account.Platform,
		PlatformUserID: post.Author.PlatformUserID,
		Handle:         post.Author.Handle,
		DisplayName:    post.Author.DisplayName,
		Bio:            post.Author.Bio,
		FollowerCount:  post.Author.FollowerCount,
		LastUpdatedAt:  now,
	}
	if err := o.store.UpsertAuthor(ctx, author); err != nil {
		return nil, false, fmt.Errorf("upsert author: %w", err)
	}

	opp := opportunity.New(account.ID, account.Platform, post.PostID, dtype, now, o.config.TTL)
	opp.Text = post.Text
	opp.CreatedAt = post.CreatedAt
	opp.AuthorID = author.ID
	opp.Engagement = opportunity.Engagement{Likes: post.Likes, Reposts: post.Reposts, Replies: post.Replies}
	opp.Scoring = scoring

	ok, err := o.store.InsertOpportunity(ctx, opp)
	if err != nil {
		return nil, false, fmt.Errorf("insert opportunity: %w", err)
	}
	if !ok {
		o.logger.Debug("Skipping duplicate opportunity", "account_id", account.ID, "post_id", post.PostID)
		return nil, false, nil
	}

	if err := o.events.Publish(ctx, events.TypeOpportunityDiscovered, account.ID, events.OpportunityDiscovered{
		OpportunityID: opp.ID,
		AccountID:     account.ID,
		Platform:      account.Platform,
		PostID:        opp.PostID,
		DiscoveryType: string(dtype),
		Total:         scoring.Total,
	}); err != nil {
		o.logger.Warn("Failed to publish discovery event", "opportunity_id", opp.ID, "error", err)
	}
	return opp, true, nil
}

// recordFailure stores the error on the schedule and account. Authentication
// failures also move the account to the error status so the scheduler stops
// firing it until an operator re-activates it.
func (o *Orchestrator) recordFailure(ctx context.Context, account *opportunity.Account, dtype opportunity.DiscoveryType, runErr error) {
	// The caller's context may be the reason for the failure.
	bg := context.WithoutCancel(ctx)

	msg := runErr.Error()
	if err := o.store.RecordScheduleError(bg, account.ID, dtype, msg); err != nil {
		o.logger.Error("Failed to record schedule error", "account_id", account.ID, "type", dtype, "error", err)
	}
	if platform.IsAuthentication(runErr) {
		if err := o.store.SetAccountStatus(bg, account.ID, opportunity.AccountError, msg); err != nil {
			o.logger.Error("Failed to set account status", "account_id", account.ID, "error", err)
		}
	}

	attrs := []any{"account_id", account.ID, "type", dtype, "error", runErr}
	if d := platform.RetryAfter(runErr); d > 0 {
		attrs = append(attrs, "retry_after", d)
	}
	o.logger.Warn("Discovery failed", attrs...)

	if err := o.events.Publish(bg, events.TypeDiscoveryFailed, account.ID, events.DiscoveryFailed{
		AccountID:     account.ID,
		DiscoveryType: string(dtype),
		Error:         msg,
	}); err != nil {
		o.logger.Debug("Failed to publish failure event", "error", err)
	}
}
