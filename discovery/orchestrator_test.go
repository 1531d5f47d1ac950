package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semreply/events"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform"
	"github.com/c360studio/semreply/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	replies   []platform.RawPost
	search    []platform.RawPost
	err       error
	lastSince time.Time
	keywords  []string
	calls     int
}

func (f *fakeAdapter) Platform() string { return "fake" }

func (f *fakeAdapter) FetchReplies(_ context.Context, _ *opportunity.Account, since time.Time) ([]platform.RawPost, error) {
	f.calls++
	f.lastSince = since
	return f.replies, f.err
}

func (f *fakeAdapter) SearchByKeywords(_ context.Context, _ *opportunity.Account, keywords []string, since time.Time) ([]platform.RawPost, error) {
	f.calls++
	f.lastSince = since
	f.keywords = keywords
	return f.search, f.err
}

func (f *fakeAdapter) PostReply(context.Context, *opportunity.Account, string, string) (*platform.PostResult, error) {
	return nil, errors.New("not implemented")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func freshPost(id string, followers int) platform.RawPost {
	return platform.RawPost{
		PostID:    id,
		Text:      "text of " + id,
		CreatedAt: testNow.Add(-2 * time.Minute),
		Author: platform.RawAuthor{
			PlatformUserID: "user-" + id,
			Handle:         id + ".example",
			FollowerCount:  followers,
		},
		Likes:   5,
		Reposts: 2,
	}
}

func setup(t *testing.T, adapter *fakeAdapter, keywords []string) (*Orchestrator, *storage.Store, *recordingPublisher) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertAccount(ctx, &opportunity.Account{
		ID:       "acct-1",
		Platform: "fake",
		Handle:   "me",
		Keywords: keywords,
		Schedules: opportunity.ScheduleSet{
			{Type: opportunity.DiscoveryReplies, Enabled: true, Cadence: "@every 5m"},
			{Type: opportunity.DiscoverySearch, Enabled: true, Cadence: "@every 15m"},
		},
	}))

	pub := &recordingPublisher{}
	o, err := New(DefaultConfig(), store, platform.NewRegistry(adapter),
		WithPublisher(pub),
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return o, store, pub
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"fresh weights", func(c *Config) { c.Weights = opportunity.FreshWeights }, false},
		{"threshold over 100", func(c *Config) { c.Threshold = 101 }, true},
		{"zero ttl", func(c *Config) { c.TTL = 0 }, true},
		{"zero lookback", func(c *Config) { c.FallbackLookback = 0 }, true},
		{"weights not summing to 1", func(c *Config) { c.Weights = opportunity.Weights{Recency: 0.5, Impact: 0.4} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestDiscover_Replies(t *testing.T) {
	ctx := context.Background()
	low := freshPost("low", 0)
	low.CreatedAt = testNow.Add(-6 * time.Hour)
	low.Likes, low.Reposts = 0, 0

	adapter := &fakeAdapter{replies: []platform.RawPost{freshPost("p1", 1000), low}}
	o, store, pub := setup(t, adapter, nil)

	inserted, err := o.Discover(ctx, "acct-1", opportunity.DiscoveryReplies)
	require.NoError(t, err)
	require.Len(t, inserted, 1, "below-threshold post is dropped")

	opp := inserted[0]
	assert.Equal(t, "p1", opp.PostID)
	assert.Equal(t, opportunity.StatusPending, opp.Status)
	assert.Equal(t, 73, opp.Scoring.Total)
	assert.Equal(t, testNow.Add(DefaultConfig().TTL), opp.ExpiresAt)
	assert.Equal(t, testNow.Add(-DefaultConfig().FallbackLookback), adapter.lastSince)

	author, err := store.GetAuthor(ctx, opp.AuthorID)
	require.NoError(t, err)
	assert.Equal(t, "user-p1", author.PlatformUserID)
	assert.Equal(t, 1000, author.FollowerCount)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	sched, _ := account.Schedules.Get(opportunity.DiscoveryReplies)
	require.NotNil(t, sched.LastRunAt)
	assert.True(t, testNow.Equal(*sched.LastRunAt))

	assert.Equal(t, []string{events.TypeOpportunityDiscovered}, pub.events)
}

func TestDiscover_DuplicateIsSkipped(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{search: []platform.RawPost{freshPost("dup", 1000), freshPost("dup", 1000)}}
	o, store, _ := setup(t, adapter, []string{"golang"})

	inserted, err := o.Discover(ctx, "acct-1", opportunity.DiscoverySearch)
	require.NoError(t, err)
	assert.Len(t, inserted, 1)

	inserted, err = o.Discover(ctx, "acct-1", opportunity.DiscoverySearch)
	require.NoError(t, err)
	assert.Empty(t, inserted)

	_, total, err := store.ListOpportunities(ctx, storage.ListFilter{AccountID: "acct-1"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	assert.Equal(t, testNow, adapter.lastSince, "second run starts at the first run's time")
	assert.Equal(t, []string{"golang"}, adapter.keywords)
}

func TestDiscover_EmptyKeywords(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{search: []platform.RawPost{freshPost("p1", 1000)}}
	o, store, _ := setup(t, adapter, nil)

	inserted, err := o.Discover(ctx, "acct-1", opportunity.DiscoverySearch)
	require.NoError(t, err)
	assert.NotNil(t, inserted)
	assert.Empty(t, inserted)
	assert.Zero(t, adapter.calls)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, account.LastError)
}

func TestDiscover_FailureKeepsWindow(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{err: platform.NewRateLimitError(errors.New("slow down"), time.Minute)}
	o, store, pub := setup(t, adapter, nil)

	_, err := o.Discover(ctx, "acct-1", opportunity.DiscoveryReplies)
	require.Error(t, err)
	assert.True(t, platform.IsRateLimit(err))

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	sched, _ := account.Schedules.Get(opportunity.DiscoveryReplies)
	assert.Nil(t, sched.LastRunAt)
	assert.Contains(t, sched.LastError, "slow down")
	assert.Equal(t, opportunity.AccountActive, account.Status, "rate limits do not disable the account")
	assert.Equal(t, []string{events.TypeDiscoveryFailed}, pub.events)
}

func TestDiscover_AuthenticationDisablesAccount(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{err: platform.NewAuthenticationError(errors.New("bad token"))}
	o, store, _ := setup(t, adapter, []string{"go"})

	_, err := o.Discover(ctx, "acct-1", opportunity.DiscoverySearch)
	require.Error(t, err)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, opportunity.AccountError, account.Status)
	assert.Contains(t, account.LastError, "bad token")
}

func TestDiscover_InvalidInput(t *testing.T) {
	o, _, _ := setup(t, &fakeAdapter{}, nil)

	_, err := o.Discover(context.Background(), "acct-1", "timeline")
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = o.Discover(context.Background(), "missing", opportunity.DiscoveryReplies)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDiscover_NoScheduleEntry(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{search: []platform.RawPost{freshPost("p1", 1000)}}
	o, store, _ := setup(t, adapter, nil)

	require.NoError(t, store.UpsertAccount(ctx, &opportunity.Account{
		ID:       "acct-2",
		Platform: "fake",
		Handle:   "other",
		Keywords: []string{"golang"},
		Schedules: opportunity.ScheduleSet{
			{Type: opportunity.DiscoveryReplies, Enabled: true, Cadence: "@every 5m"},
		},
	}))

	inserted, err := o.Discover(ctx, "acct-2", opportunity.DiscoverySearch)
	assert.ErrorIs(t, err, ErrNoSchedule)
	assert.Empty(t, inserted)
	assert.Zero(t, adapter.calls, "adapter is not called without a schedule entry")

	_, total, err := store.ListOpportunities(ctx, storage.ListFilter{AccountID: "acct-2"}, testNow)
	require.NoError(t, err)
	assert.Zero(t, total)
}

// successFailingStore fails the final bookkeeping step of a run.
type successFailingStore struct {
	*storage.Store
}

func (s successFailingStore) RecordScheduleSuccess(context.Context, string, opportunity.DiscoveryType, time.Time) error {
	return errors.New("disk full")
}

func TestDiscover_BookkeepingFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{replies: []platform.RawPost{freshPost("p1", 1000)}}
	_, store, _ := setup(t, adapter, nil)

	pub := &recordingPublisher{}
	o, err := New(DefaultConfig(), successFailingStore{store}, platform.NewRegistry(adapter),
		WithPublisher(pub),
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	_, err = o.Discover(ctx, "acct-1", opportunity.DiscoveryReplies)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	sched, _ := account.Schedules.Get(opportunity.DiscoveryReplies)
	assert.Nil(t, sched.LastRunAt)
	assert.Contains(t, sched.LastError, "disk full")
	assert.Contains(t, pub.events, events.TypeDiscoveryFailed)
}
