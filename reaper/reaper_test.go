package reaper

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "reaper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.UpsertAccount(ctx, &opportunity.Account{ID: "acct", Platform: "bluesky", Handle: "me"}))
	return s
}

// seed inserts an opportunity discovered at discoveredAt and moves it to
// status at changedAt, with one draft response.
func seed(t *testing.T, s *storage.Store, postID string, discoveredAt time.Time, status opportunity.Status, changedAt time.Time) *opportunity.Opportunity {
	t.Helper()
	ctx := context.Background()
	author := &opportunity.Author{Platform: "bluesky", PlatformUserID: "did:" + postID}
	require.NoError(t, s.UpsertAuthor(ctx, author))

	o := opportunity.New("acct", "bluesky", postID, opportunity.DiscoveryReplies, discoveredAt, 4*time.Hour)
	o.AuthorID = author.ID
	ok, err := s.InsertOpportunity(ctx, o)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.InsertResponse(ctx, opportunity.NewResponse(o, "draft", opportunity.GenerationMetadata{}, discoveredAt)))

	if status != opportunity.StatusPending {
		_, err := s.UpdateOpportunityStatus(ctx, o.ID, status, changedAt)
		require.NoError(t, err)
	}
	return o
}

func newReaper(t *testing.T, store Store) *Reaper {
	t.Helper()
	r, err := New(DefaultConfig(), store, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return r
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"zero grace", Config{Interval: time.Second}, false},
		{"negative interval", Config{Interval: -time.Second}, true},
		{"negative grace", Config{Interval: time.Second, DismissedGrace: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunOnce_RetentionPolicy(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	overdue := seed(t, s, "overdue", now.Add(-5*time.Hour), opportunity.StatusPending, time.Time{})
	live := seed(t, s, "live", now.Add(-time.Hour), opportunity.StatusPending, time.Time{})
	oldDismissed := seed(t, s, "old-dismissed", now.Add(-time.Hour), opportunity.StatusDismissed, now.Add(-10*time.Minute))
	freshDismissed := seed(t, s, "fresh-dismissed", now.Add(-time.Hour), opportunity.StatusDismissed, now.Add(-10*time.Second))
	responded := seed(t, s, "responded", now.Add(-3*time.Hour), opportunity.StatusResponded, now.Add(-170*time.Minute))

	r := newReaper(t, s)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupStats{
		ExpiredMarked:    1,
		ExpiredDeleted:   1,
		DismissedDeleted: 1,
		ResponsesDeleted: 2,
	}, stats)

	for _, gone := range []*opportunity.Opportunity{overdue, oldDismissed} {
		_, err := s.GetOpportunity(ctx, gone.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound, gone.PostID)
		responses, err := s.ListResponses(ctx, gone.ID)
		require.NoError(t, err)
		assert.Empty(t, responses, "responses cascade with %s", gone.PostID)
	}
	for _, kept := range []*opportunity.Opportunity{live, freshDismissed, responded} {
		_, err := s.GetOpportunity(ctx, kept.ID)
		assert.NoError(t, err, kept.PostID)
	}

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[opportunity.StatusExpired])

	// A second pass is a no-op.
	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Changed())
	assert.Equal(t, int64(2), r.Status().Passes)
}

func TestRunOnce_RespondedSurvivesForever(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	responded := seed(t, s, "ancient", now.Add(-30*24*time.Hour), opportunity.StatusResponded, now.Add(-30*24*time.Hour))

	_, err := newReaper(t, s).RunOnce(ctx)
	require.NoError(t, err)

	got, err := s.GetOpportunity(ctx, responded.ID)
	require.NoError(t, err)
	assert.Equal(t, opportunity.StatusResponded, got.Status)
	responses, err := s.ListResponses(ctx, responded.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
}

type failingStore struct {
	calls atomic.Int64
}

func (f *failingStore) MarkExpired(context.Context, time.Time) (int64, error) {
	f.calls.Add(1)
	return 0, errors.New("database is locked")
}

func (f *failingStore) ReapableIDs(context.Context, time.Time) ([]string, []string, error) {
	return nil, nil, nil
}

func (f *failingStore) DeleteOpportunities(context.Context, []string) (int64, int64, error) {
	return 0, 0, nil
}

func TestRunOnce_Error(t *testing.T) {
	store := &failingStore{}
	r := newReaper(t, store)

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, int64(1), r.Status().Failures)
}

func TestStartStop(t *testing.T) {
	store := &failingStore{}
	r, err := New(Config{Interval: 20 * time.Millisecond}, store)
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return store.calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond,
		"failed passes are retried on the next tick")
	assert.True(t, r.Status().Running)

	r.Stop()
	assert.False(t, r.Status().Running)
	r.Stop()
}
