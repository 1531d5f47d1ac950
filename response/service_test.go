package response

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semreply/constraint"
	"github.com/c360studio/semreply/llm"
	"github.com/c360studio/semreply/llm/testutil"
	"github.com/c360studio/semreply/model"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform"
	"github.com/c360studio/semreply/prompt"
	"github.com/c360studio/semreply/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

const goodAnalysis = "```json\n{\"mainTopic\": \"connection pooling\", \"keywords\": [\"postgres\", \"pooling\", \"latency\"], \"domain\": \"software\", \"question\": \"How many connections?\"}\n```"

type fakeAdapter struct {
	mu      sync.Mutex
	err     error
	posted  []string
	parents []string
}

func (f *fakeAdapter) Platform() string { return "fake" }

func (f *fakeAdapter) FetchReplies(context.Context, *opportunity.Account, time.Time) ([]platform.RawPost, error) {
	return nil, nil
}

func (f *fakeAdapter) SearchByKeywords(context.Context, *opportunity.Account, []string, time.Time) ([]platform.RawPost, error) {
	return nil, nil
}

func (f *fakeAdapter) PostReply(_ context.Context, _ *opportunity.Account, parentPostID, text string) (*platform.PostResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.posted = append(f.posted, text)
	f.parents = append(f.parents, parentPostID)
	return &platform.PostResult{
		PostID:   "reply-1",
		PostURL:  "https://fake.example/reply-1",
		PostedAt: testNow.Add(time.Minute),
	}, nil
}

type fakeRetriever struct {
	snippets []prompt.Snippet
	err      error
	keywords []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, keywords []string, limit int) ([]prompt.Snippet, error) {
	f.keywords = keywords
	if f.err != nil {
		return nil, f.err
	}
	if len(f.snippets) > limit {
		return f.snippets[:limit], nil
	}
	return f.snippets, nil
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

type fixture struct {
	svc       *Service
	store     *storage.Store
	llm       *testutil.MockLLMClient
	adapter   *fakeAdapter
	retriever *fakeRetriever
	events    *recordingPublisher
	opp       *opportunity.Opportunity
}

func setup(t *testing.T, mock *testutil.MockLLMClient, mutate func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertAccount(ctx, &opportunity.Account{
		ID:         "acct-1",
		Platform:   "fake",
		Handle:     "me",
		Principles: "Never promise features.",
		Voice:      "Friendly and brief.",
	}))

	author := &opportunity.Author{Platform: "fake", PlatformUserID: "u-1", Handle: "someone", Bio: "I run a small SaaS."}
	require.NoError(t, store.UpsertAuthor(ctx, author))

	opp := opportunity.New("acct-1", "fake", "post-1", opportunity.DiscoverySearch, testNow, 48*time.Hour)
	opp.Text = "How many Postgres connections should my API hold?"
	opp.CreatedAt = testNow.Add(-time.Minute)
	opp.AuthorID = author.ID
	ok, err := store.InsertOpportunity(ctx, opp)
	require.NoError(t, err)
	require.True(t, ok)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		store:   store,
		llm:     mock,
		adapter: &fakeAdapter{},
		retriever: &fakeRetriever{snippets: []prompt.Snippet{
			{Source: "notes.md > Pools", Text: "Size pools to cores times two."},
			{Source: "notes.md > Timeouts", Text: "Set statement timeouts."},
		}},
		events: &recordingPublisher{},
		opp:    opp,
	}
	f.svc, err = New(cfg, store, mock, platform.NewRegistry(f.adapter),
		constraint.Table{"fake": {MaxLength: 60}},
		WithRetriever(f.retriever),
		WithPublisher(f.events),
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return f
}

func scripted(analysis string, drafts ...string) *testutil.MockLLMClient {
	gen := make([]*llm.Response, 0, len(drafts))
	for _, d := range drafts {
		gen = append(gen, &llm.Response{Content: d, Model: "qwen2.5:14b"})
	}
	return &testutil.MockLLMClient{
		Responses: map[model.Capability][]*llm.Response{
			model.CapabilityAnalysis:   {{Content: analysis}, {Content: analysis}},
			model.CapabilityGeneration: gen,
		},
	}
}

func (f *fixture) responseCount(t *testing.T) int {
	t.Helper()
	list, err := f.store.ListResponses(context.Background(), f.opp.ID)
	require.NoError(t, err)
	return len(list)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnalysisTimeout = 0
	_, err := New(cfg, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	f := setup(t, scripted(goodAnalysis, "  Keep it near cores x2 and add a pooler.  ", "Use a pooler."), nil)

	resp, err := f.svc.Generate(ctx, f.opp.ID)
	require.NoError(t, err)

	assert.Equal(t, "Keep it near cores x2 and add a pooler.", resp.Text)
	assert.Equal(t, opportunity.ResponseDraft, resp.Status)
	assert.Equal(t, 1, resp.Version)
	assert.Equal(t, []string{"postgres", "pooling", "latency"}, resp.Metadata.Keywords)
	assert.Equal(t, "connection pooling", resp.Metadata.Topic)
	assert.Equal(t, 2, resp.Metadata.ChunkCount)
	assert.Equal(t, 60, resp.Metadata.Constraints.MaxLength)
	assert.Equal(t, "qwen2.5:14b", resp.Metadata.Model)
	assert.Equal(t, []string{"postgres", "pooling", "latency"}, f.retriever.keywords)

	reqs := f.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, model.CapabilityAnalysis, reqs[0].Capability)
	assert.Equal(t, model.CapabilityGeneration, reqs[1].Capability)
	assert.True(t, reqs[0].JSON, "analysis asks for JSON output")
	assert.False(t, reqs[1].JSON)

	gen := reqs[1].Messages[0].Content
	assert.Contains(t, gen, "Never promise features.")
	assert.Contains(t, gen, "Friendly and brief.")
	assert.Contains(t, gen, "Size pools to cores times two.")
	assert.Contains(t, gen, "I run a small SaaS.")
	// Trusted configuration precedes the marker; the post follows it.
	markerAt := strings.Index(gen, "\n"+prompt.DefaultMarker+"\n")
	require.Greater(t, markerAt, 0)
	assert.Less(t, strings.Index(gen, "Never promise features."), markerAt)
	assert.Greater(t, strings.Index(gen, "How many Postgres connections"), markerAt)

	// Regenerating creates a new version.
	again, err := f.svc.Generate(ctx, f.opp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)

	list, err := f.svc.List(ctx, f.opp.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].Version)

	assert.Equal(t, []string{"response.generated", "response.generated"}, f.events.events)
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name      string
		mock      func() *testutil.MockLLMClient
		mutate    func(*Config)
		wantIs    error
		wantStage int // completion calls made before failing
	}{
		{
			name: "malformed analysis",
			mock: func() *testutil.MockLLMClient {
				return scripted(`{"mainTopic": "x", "keywords": ["only", "two"]}`, "unused")
			},
			wantIs:    ErrMalformedAnalysis,
			wantStage: 1,
		},
		{
			name: "analysis without JSON",
			mock: func() *testutil.MockLLMClient {
				return scripted("Sorry, I can't do that.", "unused")
			},
			wantIs:    ErrMalformedAnalysis,
			wantStage: 1,
		},
		{
			name: "constraint violation",
			mock: func() *testutil.MockLLMClient {
				return scripted(goodAnalysis, strings.Repeat("x", 61))
			},
			wantIs:    ErrConstraintViolation,
			wantStage: 2,
		},
		{
			name: "empty draft",
			mock: func() *testutil.MockLLMClient {
				return scripted(goodAnalysis, "   ")
			},
			wantIs:    ErrEmptyDraft,
			wantStage: 2,
		},
		{
			name: "generation timeout",
			mock: func() *testutil.MockLLMClient {
				m := scripted(goodAnalysis, "late")
				m.Hook = func(ctx context.Context, req llm.Request) error {
					if req.Capability == model.CapabilityGeneration {
						<-ctx.Done()
						return ctx.Err()
					}
					return nil
				}
				return m
			},
			mutate:    func(c *Config) { c.GenerationTimeout = 20 * time.Millisecond },
			wantIs:    context.DeadlineExceeded,
			wantStage: 2,
		},
		{
			name: "llm error",
			mock: func() *testutil.MockLLMClient {
				m := scripted(goodAnalysis)
				m.Errs = map[model.Capability]error{model.CapabilityAnalysis: llm.ErrNoModels}
				return m
			},
			wantIs:    llm.ErrNoModels,
			wantStage: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := tt.mock()
			f := setup(t, mock, tt.mutate)

			_, err := f.svc.Generate(context.Background(), f.opp.ID)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)
			assert.Len(t, mock.Requests(), tt.wantStage)
			assert.Equal(t, 0, f.responseCount(t), "nothing persisted on failure")
			assert.Empty(t, f.events.events)
		})
	}
}

func TestGenerate_ConstraintErrorDetails(t *testing.T) {
	f := setup(t, scripted(goodAnalysis, strings.Repeat("é", 61)), nil)

	_, err := f.svc.Generate(context.Background(), f.opp.ID)
	var cerr *ConstraintError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, constraint.ViolationMaxLength, cerr.Result.Violation)
	assert.Equal(t, 61, cerr.Result.Actual)
	assert.Equal(t, 60, cerr.Result.Limit)
}

func TestGenerate_RetrievalFailureDegrades(t *testing.T) {
	f := setup(t, scripted(goodAnalysis, "Use a pooler."), nil)
	f.retriever.err = errors.New("index closed")

	resp, err := f.svc.Generate(context.Background(), f.opp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Metadata.ChunkCount)
}

func TestGenerate_NotActionable(t *testing.T) {
	ctx := context.Background()
	f := setup(t, scripted(goodAnalysis, "unused"), nil)

	_, err := f.store.UpdateOpportunityStatus(ctx, f.opp.ID, opportunity.StatusDismissed, testNow)
	require.NoError(t, err)

	_, err = f.svc.Generate(ctx, f.opp.ID)
	assert.ErrorIs(t, err, ErrNotActionable)
	assert.Empty(t, f.llm.Requests())

	_, err = f.svc.Generate(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGenerate_ExpiredOpportunity(t *testing.T) {
	f := setup(t, scripted(goodAnalysis, "unused"), nil)
	f.svc.now = func() time.Time { return testNow.Add(49 * time.Hour) }

	_, err := f.svc.Generate(context.Background(), f.opp.ID)
	assert.ErrorIs(t, err, ErrNotActionable)
}

func TestEdit(t *testing.T) {
	ctx := context.Background()
	f := setup(t, scripted(goodAnalysis, "Use a pooler."), nil)

	orig, err := f.svc.Generate(ctx, f.opp.ID)
	require.NoError(t, err)

	edited, err := f.svc.Edit(ctx, orig.ID, "Use PgBouncer in transaction mode.")
	require.NoError(t, err)
	assert.Equal(t, 2, edited.Version)
	assert.Equal(t, orig.ID, edited.Metadata.EditedFrom)
	assert.Equal(t, orig.Metadata.Keywords, edited.Metadata.Keywords)

	kept, err := f.store.GetResponse(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, "Use a pooler.", kept.Text)
	assert.Equal(t, opportunity.ResponseDraft, kept.Status)

	_, err = f.svc.Edit(ctx, orig.ID, strings.Repeat("x", 61))
	assert.ErrorIs(t, err, ErrConstraintViolation)

	_, err = f.svc.Edit(ctx, orig.ID, "  ")
	assert.ErrorIs(t, err, ErrEmptyDraft)
}

func TestDismiss(t *testing.T) {
	ctx := context.Background()
	f := setup(t, scripted(goodAnalysis, "Use a pooler."), nil)

	resp, err := f.svc.Generate(ctx, f.opp.ID)
	require.NoError(t, err)

	dismissed, err := f.svc.Dismiss(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, opportunity.ResponseDismissed, dismissed.Status)

	_, err = f.svc.Dismiss(ctx, resp.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = f.svc.Edit(ctx, resp.ID, "new text")
	assert.ErrorIs(t, err, ErrNotDraft)
}

func TestPost(t *testing.T) {
	ctx := context.Background()
	f := setup(t, scripted(goodAnalysis, "Use a pooler."), nil)

	resp, err := f.svc.Generate(ctx, f.opp.ID)
	require.NoError(t, err)

	posted, err := f.svc.Post(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, opportunity.ResponsePosted, posted.Status)
	assert.Equal(t, "reply-1", posted.PlatformPostID)
	assert.Equal(t, []string{"post-1"}, f.adapter.parents)
	assert.Equal(t, []string{"Use a pooler."}, f.adapter.posted)

	stored, err := f.store.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, opportunity.ResponsePosted, stored.Status)
	require.NotNil(t, stored.PostedAt)
	assert.True(t, stored.PostedAt.Equal(testNow.Add(time.Minute)))

	opp, err := f.store.GetOpportunity(ctx, f.opp.ID)
	require.NoError(t, err)
	assert.Equal(t, opportunity.StatusResponded, opp.Status)

	assert.Contains(t, f.events.events, "response.posted")

	// The opportunity is responded; nothing more can be posted.
	_, err = f.svc.Post(ctx, resp.ID)
	assert.ErrorIs(t, err, ErrNotDraft)
}

func TestPost_FailureLeavesDraft(t *testing.T) {
	ctx := context.Background()
	f := setup(t, scripted(goodAnalysis, "Use a pooler."), nil)
	f.adapter.err = platform.NewRateLimitError(errors.New("slow down"), time.Minute)

	resp, err := f.svc.Generate(ctx, f.opp.ID)
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, resp.ID)
	require.Error(t, err)
	assert.True(t, platform.IsRateLimit(err))

	stored, err := f.store.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, opportunity.ResponseDraft, stored.Status)

	opp, err := f.store.GetOpportunity(ctx, f.opp.ID)
	require.NoError(t, err)
	assert.Equal(t, opportunity.StatusPending, opp.Status)
	assert.NotContains(t, f.events.events, "response.posted")
}
