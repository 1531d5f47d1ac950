package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/c360studio/semreply/opportunity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		auth      bool
		rateLimit bool
		notFound  bool
		transient bool
	}{
		{name: "authentication", err: NewAuthenticationError(base), auth: true},
		{name: "rate limit", err: NewRateLimitError(base, time.Minute), rateLimit: true},
		{name: "not found", err: NewNotFoundError(base), notFound: true},
		{name: "transient", err: NewTransientError(base), transient: true},
		{name: "wrapped rate limit", err: fmt.Errorf("fetch: %w", NewRateLimitError(base, 0)), rateLimit: true},
		{name: "plain", err: base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.auth, IsAuthentication(tt.err))
			assert.Equal(t, tt.rateLimit, IsRateLimit(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.rateLimit || tt.transient, IsRetryable(tt.err))
			assert.True(t, errors.Is(tt.err, base))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("search: %w", NewRateLimitError(errors.New("slow down"), 90*time.Second))
	assert.Equal(t, 90*time.Second, RetryAfter(err))
	assert.Zero(t, RetryAfter(errors.New("other")))
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.True(t, IsAuthentication(ClassifyHTTPStatus(http.StatusUnauthorized, nil, 0)))
	assert.True(t, IsAuthentication(ClassifyHTTPStatus(http.StatusForbidden, nil, 0)))
	assert.True(t, IsNotFound(ClassifyHTTPStatus(http.StatusNotFound, nil, 0)))
	assert.True(t, IsTransient(ClassifyHTTPStatus(http.StatusBadGateway, nil, 0)))

	err := ClassifyHTTPStatus(http.StatusTooManyRequests, []byte("later"), 30*time.Second)
	assert.True(t, IsRateLimit(err))
	assert.Equal(t, 30*time.Second, RetryAfter(err))

	err = ClassifyHTTPStatus(http.StatusBadRequest, []byte("bad"), 0)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "status 400")
}

func TestDedupByPostID(t *testing.T) {
	posts := []RawPost{{PostID: "a", Text: "first"}, {PostID: "b"}, {PostID: "a", Text: "second"}}
	got := DedupByPostID(posts)

	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "b", got[1].PostID)
}

func TestFilterSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	posts := []RawPost{
		{PostID: "old", CreatedAt: since.Add(-time.Second)},
		{PostID: "edge", CreatedAt: since},
		{PostID: "new", CreatedAt: since.Add(time.Minute)},
	}

	got := FilterSince(posts, since)
	require.Len(t, got, 2)
	assert.Equal(t, "edge", got[0].PostID)
}

type stubAdapter struct{ name string }

func (s stubAdapter) Platform() string { return s.name }

func (s stubAdapter) FetchReplies(context.Context, *opportunity.Account, time.Time) ([]RawPost, error) {
	return nil, nil
}

func (s stubAdapter) SearchByKeywords(context.Context, *opportunity.Account, []string, time.Time) ([]RawPost, error) {
	return nil, nil
}

func (s stubAdapter) PostReply(context.Context, *opportunity.Account, string, string) (*PostResult, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{name: "telegram"}, stubAdapter{name: "bluesky"})

	a, err := r.Get("bluesky")
	require.NoError(t, err)
	assert.Equal(t, "bluesky", a.Platform())

	_, err = r.Get("mastodon")
	assert.Error(t, err)

	assert.Equal(t, []string{"bluesky", "telegram"}, r.Platforms())
}
