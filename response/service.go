// Package response turns an opportunity into a reply draft and carries the
// draft through edit, dismissal and posting.
//
// Generation runs two completion stages. The analysis stage extracts topic and
// keywords from the post; the keywords select knowledge snippets; the
// generation stage writes the draft. Both prompts are built by package prompt
// so untrusted post text always sits after the boundary marker. A failure in
// any stage persists nothing.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semreply/constraint"
	"github.com/c360studio/semreply/events"
	"github.com/c360studio/semreply/llm"
	"github.com/c360studio/semreply/metrics"
	"github.com/c360studio/semreply/model"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform"
	"github.com/c360studio/semreply/prompt"
)

// Errors returned by the service.
var (
	// ErrConstraintViolation is returned when a draft breaks a platform limit.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotActionable is returned when the opportunity is no longer pending.
	ErrNotActionable = errors.New("opportunity is not pending")

	// ErrNotDraft is returned when editing, dismissing or posting a response
	// that is no longer a draft.
	ErrNotDraft = errors.New("response is not a draft")

	// ErrEmptyDraft is returned when the model produced no text.
	ErrEmptyDraft = errors.New("empty draft")

	// ErrMalformedAnalysis is returned when the analysis stage output cannot
	// be used.
	ErrMalformedAnalysis = prompt.ErrMalformedAnalysis
)

// ConstraintError carries the validation result of a rejected draft.
type ConstraintError struct {
	Result constraint.Result
}

func (e *ConstraintError) Error() string {
	return ErrConstraintViolation.Error() + ": " + e.Result.Error()
}

// Unwrap makes errors.Is(err, ErrConstraintViolation) true.
func (e *ConstraintError) Unwrap() error {
	return ErrConstraintViolation
}

// Config holds per-stage timeouts and prompt settings.
type Config struct {
	// AnalysisTimeout bounds the analysis completion call.
	AnalysisTimeout time.Duration `yaml:"analysis_timeout" json:"analysis_timeout"`

	// GenerationTimeout bounds the generation completion call.
	GenerationTimeout time.Duration `yaml:"generation_timeout" json:"generation_timeout"`

	// PostTimeout bounds the platform post call.
	PostTimeout time.Duration `yaml:"post_timeout" json:"post_timeout"`

	// Marker is the boundary marker line. Empty uses prompt.DefaultMarker.
	Marker string `yaml:"marker" json:"marker"`

	// GenerationTemperature is passed to the generation stage. Nil uses the
	// endpoint default.
	GenerationTemperature *float64 `yaml:"generation_temperature" json:"generation_temperature,omitempty"`
}

// DefaultConfig returns the default response configuration.
func DefaultConfig() Config {
	return Config{
		AnalysisTimeout:   30 * time.Second,
		GenerationTimeout: 60 * time.Second,
		PostTimeout:       30 * time.Second,
		Marker:            prompt.DefaultMarker,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("analysis_timeout must be positive")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("generation_timeout must be positive")
	}
	if c.PostTimeout <= 0 {
		return fmt.Errorf("post_timeout must be positive")
	}
	return nil
}

// Completer runs one LLM completion.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Retriever returns knowledge snippets relevant to keywords.
type Retriever interface {
	Retrieve(ctx context.Context, keywords []string, limit int) ([]prompt.Snippet, error)
}

// Store is the persistence the service needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*opportunity.Account, error)
	GetAuthor(ctx context.Context, id string) (*opportunity.Author, error)
	GetOpportunity(ctx context.Context, id string) (*opportunity.Opportunity, error)
	InsertResponse(ctx context.Context, r *opportunity.Response) error
	GetResponse(ctx context.Context, id string) (*opportunity.Response, error)
	ListResponses(ctx context.Context, opportunityID string) ([]*opportunity.Response, error)
	UpdateResponseStatus(ctx context.Context, id string, from, to opportunity.ResponseStatus, now time.Time) error
	MarkPosted(ctx context.Context, r *opportunity.Response, opp *opportunity.Opportunity, postID, postURL string, postedAt time.Time) error
}

// Service implements the response lifecycle.
type Service struct {
	config      Config
	store       Store
	completer   Completer
	retriever   Retriever
	platforms   *platform.Registry
	constraints constraint.Table
	events      events.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRetriever sets the knowledge retriever. Without one, drafts are
// generated with no snippets.
func WithRetriever(r Retriever) Option {
	return func(s *Service) { s.retriever = r }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a response service.
func New(cfg Config, store Store, completer Completer, platforms *platform.Registry, constraints constraint.Table, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response config: %w", err)
	}
	if cfg.Marker == "" {
		cfg.Marker = prompt.DefaultMarker
	}
	if constraints == nil {
		constraints = constraint.DefaultTable()
	}
	s := &Service{
		config:      cfg,
		store:       store,
		completer:   completer,
		platforms:   platforms,
		constraints: constraints,
		events:      events.Noop{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Generate drafts a new response version for a pending opportunity.
func (s *Service) Generate(ctx context.Context, opportunityID string) (*opportunity.Response, error) {
	start := s.now()

	opp, err := s.actionable(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	account, err := s.store.GetAccount(ctx, opp.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	author, err := s.store.GetAuthor(ctx, opp.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("load author: %w", err)
	}
	limits := s.constraints.For(opp.Platform)

	analysis, err := s.analyze(ctx, opp)
	if err != nil {
		return nil, s.generationFailed(opp, err)
	}

	snippets := s.retrieve(ctx, analysis.Keywords)

	draft, modelName, err := s.generate(ctx, prompt.GenerationInput{
		Platform:   opp.Platform,
		Principles: account.Principles,
		Voice:      account.Voice,
		Snippets:   snippets,
		MaxLength:  limits.MaxLength,
		PostText:   opp.Text,
		AuthorBio:  author.Bio,
	})
	if err != nil {
		return nil, s.generationFailed(opp, err)
	}

	if res := constraint.Validate(draft, limits); !res.Valid {
		return nil, s.generationFailed(opp, &ConstraintError{Result: res})
	}

	now := s.now()
	resp := opportunity.NewResponse(opp, draft, opportunity.GenerationMetadata{
		Keywords:    analysis.Keywords,
		Topic:       analysis.MainTopic,
		ChunkCount:  len(snippets),
		Constraints: limits,
		Model:       modelName,
		TimingMs:    now.Sub(start).Milliseconds(),
	}, now)
	if err := s.store.InsertResponse(ctx, resp); err != nil {
		return nil, s.generationFailed(opp, fmt.Errorf("store response: %w", err))
	}

	s.publishGenerated(ctx, resp)
	s.logger.Info("Response generated",
		"opportunity_id", opp.ID,
		"response_id", resp.ID,
		"version", resp.Version,
		"model", modelName,
		"snippets", len(snippets),
		"timing_ms", resp.Metadata.TimingMs)
	return resp, nil
}

// analyze runs the first stage and returns a validated analysis.
func (s *Service) analyze(ctx context.Context, opp *opportunity.Opportunity) (*prompt.Analysis, error) {
	text, err := prompt.AnalysisPrompt(prompt.AnalysisInput{Platform: opp.Platform, PostText: opp.Text}, s.config.Marker)
	if err != nil {
		return nil, fmt.Errorf("build analysis prompt: %w", err)
	}

	zero := 0.0
	resp, err := s.complete(ctx, "analysis", s.config.AnalysisTimeout, llm.Request{
		Capability:  model.CapabilityAnalysis,
		Messages:    []llm.Message{{Role: "user", Content: text}},
		Temperature: &zero,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis stage: %w", err)
	}

	var analysis prompt.Analysis
	if err := llm.DecodeJSON(resp.Content, &analysis); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnalysis, err)
	}
	if err := analysis.Validate(); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// retrieve returns at most prompt.MaxSnippets snippets. Retrieval failures
// degrade to no snippets.
func (s *Service) retrieve(ctx context.Context, keywords []string) []prompt.Snippet {
	if s.retriever == nil {
		return nil
	}
	snippets, err := s.retriever.Retrieve(ctx, keywords, prompt.MaxSnippets)
	if err != nil {
		s.logger.Warn("Knowledge retrieval failed, generating without snippets", "error", err)
		return nil
	}
	if len(snippets) > prompt.MaxSnippets {
		snippets = snippets[:prompt.MaxSnippets]
	}
	return snippets
}

// generate runs the second stage and returns the trimmed draft and model.
func (s *Service) generate(ctx context.Context, in prompt.GenerationInput) (string, string, error) {
	text, err := prompt.GenerationPrompt(in, s.config.Marker)
	if err != nil {
		return "", "", fmt.Errorf("build generation prompt: %w", err)
	}

	resp, err := s.complete(ctx, "generation", s.config.GenerationTimeout, llm.Request{
		Capability:  model.CapabilityGeneration,
		Messages:    []llm.Message{{Role: "user", Content: text}},
		Temperature: s.config.GenerationTemperature,
	})
	if err != nil {
		return "", "", fmt.Errorf("generation stage: %w", err)
	}

	draft := strings.TrimSpace(resp.Content)
	if draft == "" {
		return "", "", ErrEmptyDraft
	}
	return draft, resp.Model, nil
}

// complete runs one completion under its own timeout.
func (s *Service) complete(ctx context.Context, stage string, timeout time.Duration, req llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.completer.Complete(ctx, req)
	s.metrics.GenerationStage(stage, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) generationFailed(opp *opportunity.Opportunity, err error) error {
	reason := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, ErrMalformedAnalysis):
		reason = "malformed"
	case errors.Is(err, ErrConstraintViolation):
		reason = "constraint"
	case errors.Is(err, ErrEmptyDraft):
		reason = "empty"
	}
	s.metrics.GenerationFailed(reason)
	s.logger.Warn("Response generation failed",
		"opportunity_id", opp.ID,
		"reason", reason,
		"error", err)
	return err
}

// Edit stores text as a new version derived from a draft. The original
// version is kept.
func (s *Service) Edit(ctx context.Context, responseID, text string) (*opportunity.Response, error) {
	orig, err := s.store.GetResponse(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if orig.Status != opportunity.ResponseDraft {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDraft, orig.ID, orig.Status)
	}
	opp, err := s.actionable(ctx, orig.OpportunityID)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyDraft
	}
	limits := s.constraints.For(opp.Platform)
	if res := constraint.Validate(text, limits); !res.Valid {
		return nil, &ConstraintError{Result: res}
	}

	meta := orig.Metadata
	meta.Constraints = limits
	meta.EditedFrom = orig.ID
	meta.TimingMs = 0

	resp := opportunity.NewResponse(opp, text, meta, s.now())
	if err := s.store.InsertResponse(ctx, resp); err != nil {
		return nil, fmt.Errorf("store edited response: %w", err)
	}

	s.logger.Info("Response edited",
		"opportunity_id", opp.ID,
		"response_id", resp.ID,
		"edited_from", orig.ID,
		"version", resp.Version)
	return resp, nil
}

// Dismiss marks a draft as dismissed.
func (s *Service) Dismiss(ctx context.Context, responseID string) (*opportunity.Response, error) {
	if err := s.store.UpdateResponseStatus(ctx, responseID, opportunity.ResponseDraft, opportunity.ResponseDismissed, s.now()); err != nil {
		return nil, fmt.Errorf("dismiss response: %w", err)
	}
	return s.store.GetResponse(ctx, responseID)
}

// Post publishes a draft through the platform adapter. On success the draft
// becomes posted and the opportunity becomes responded; on failure the draft
// is left unchanged for a manual retry.
func (s *Service) Post(ctx context.Context, responseID string) (*opportunity.Response, error) {
	resp, err := s.store.GetResponse(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if resp.Status != opportunity.ResponseDraft {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDraft, resp.ID, resp.Status)
	}
	opp, err := s.actionable(ctx, resp.OpportunityID)
	if err != nil {
		return nil, err
	}
	if res := constraint.Validate(resp.Text, s.constraints.For(opp.Platform)); !res.Valid {
		return nil, &ConstraintError{Result: res}
	}

	account, err := s.store.GetAccount(ctx, opp.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	adapter, err := s.platforms.Get(opp.Platform)
	if err != nil {
		return nil, err
	}

	postCtx, cancel := context.WithTimeout(ctx, s.config.PostTimeout)
	result, err := adapter.PostReply(postCtx, account, opp.PostID, resp.Text)
	cancel()
	s.metrics.Posted(opp.Platform, err)
	if err != nil {
		s.logger.Warn("Posting reply failed",
			"response_id", resp.ID,
			"opportunity_id", opp.ID,
			"platform", opp.Platform,
			"error", err)
		return nil, fmt.Errorf("post reply: %w", err)
	}

	postedAt := result.PostedAt
	if postedAt.IsZero() {
		postedAt = s.now()
	}
	if err := s.store.MarkPosted(ctx, resp, opp, result.PostID, result.PostURL, postedAt); err != nil {
		// The reply is live on the platform; only our bookkeeping failed.
		s.logger.Error("Reply posted but not recorded",
			"response_id", resp.ID,
			"platform_post_id", result.PostID,
			"error", err)
		return nil, fmt.Errorf("record posted reply %s: %w", result.PostID, err)
	}

	if err := s.events.Publish(ctx, events.TypeResponsePosted, opp.AccountID, events.ResponsePosted{
		ResponseID:     resp.ID,
		OpportunityID:  opp.ID,
		PlatformPostID: result.PostID,
		PostURL:        result.PostURL,
		PostedAt:       postedAt,
	}); err != nil {
		s.logger.Warn("Failed to publish posted event", "response_id", resp.ID, "error", err)
	}

	s.logger.Info("Reply posted",
		"response_id", resp.ID,
		"opportunity_id", opp.ID,
		"platform_post_id", result.PostID)
	return resp, nil
}

// List returns all versions for an opportunity, newest first.
func (s *Service) List(ctx context.Context, opportunityID string) ([]*opportunity.Response, error) {
	if _, err := s.store.GetOpportunity(ctx, opportunityID); err != nil {
		return nil, err
	}
	return s.store.ListResponses(ctx, opportunityID)
}

// actionable loads an opportunity that is pending and not past its deadline.
func (s *Service) actionable(ctx context.Context, id string) (*opportunity.Opportunity, error) {
	opp, err := s.store.GetOpportunity(ctx, id)
	if err != nil {
		return nil, err
	}
	if opp.Status != opportunity.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActionable, opp.ID, opp.Status)
	}
	if opp.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s expired at %s", ErrNotActionable, opp.ID, opp.ExpiresAt.Format(time.RFC3339))
	}
	return opp, nil
}

func (s *Service) publishGenerated(ctx context.Context, resp *opportunity.Response) {
	if err := s.events.Publish(ctx, events.TypeResponseGenerated, resp.AccountID, events.ResponseGenerated{
		ResponseID:    resp.ID,
		OpportunityID: resp.OpportunityID,
		Version:       resp.Version,
		Model:         resp.Metadata.Model,
		TimingMs:      resp.Metadata.TimingMs,
	}); err != nil {
		s.logger.Warn("Failed to publish generated event", "response_id", resp.ID, "error", err)
	}
}
