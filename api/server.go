// Package api exposes the reply engine over HTTP.
//
// Routes live under /api. Domain errors are mapped to status codes by
// RespondError so handlers only deal with the happy path.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c360studio/semreply/metrics"
	"github.com/c360studio/semreply/model"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/reaper"
	"github.com/c360studio/semreply/scheduler"
	"github.com/c360studio/semreply/storage"
)

// Store is the persistence surface used by the API.
type Store interface {
	GetOpportunity(ctx context.Context, id string) (*opportunity.Opportunity, error)
	ListOpportunities(ctx context.Context, f storage.ListFilter, now time.Time) ([]*opportunity.Opportunity, int, error)
	UpdateOpportunityStatus(ctx context.Context, id string, to opportunity.Status, now time.Time) (*opportunity.Opportunity, error)
	BulkDismiss(ctx context.Context, accountID string, ids []string, now time.Time) (int64, error)
	GetAccount(ctx context.Context, id string) (*opportunity.Account, error)
	GetAuthor(ctx context.Context, id string) (*opportunity.Author, error)
	CountByStatus(ctx context.Context) (map[opportunity.Status]int, error)
}

// Responses drives the response lifecycle.
type Responses interface {
	Generate(ctx context.Context, opportunityID string) (*opportunity.Response, error)
	Edit(ctx context.Context, responseID, text string) (*opportunity.Response, error)
	Dismiss(ctx context.Context, responseID string) (*opportunity.Response, error)
	Post(ctx context.Context, responseID string) (*opportunity.Response, error)
	List(ctx context.Context, opportunityID string) ([]*opportunity.Response, error)
}

// Schedules triggers discovery and reports registered schedules.
type Schedules interface {
	TriggerNow(ctx context.Context, accountID string, dtype opportunity.DiscoveryType) ([]*opportunity.Opportunity, error)
	Entries() []scheduler.EntryInfo
}

// Cleaner runs cleanup passes on demand.
type Cleaner interface {
	RunOnce(ctx context.Context) (reaper.CleanupStats, error)
	Status() reaper.Status
}

// ModelHealth reports LLM endpoint health.
type ModelHealth interface {
	HealthSnapshot() map[string]model.EndpointHealth
}

// Server serves the HTTP API.
type Server struct {
	store     Store
	responses Responses
	schedules Schedules
	cleaner   Cleaner
	models    ModelHealth
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	started   time.Time

	engine *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithSchedules enables the discovery trigger and schedule listing routes.
func WithSchedules(s Schedules) Option {
	return func(srv *Server) { srv.schedules = s }
}

// WithCleaner enables the manual reaper route.
func WithCleaner(c Cleaner) Option {
	return func(srv *Server) { srv.cleaner = c }
}

// WithModelHealth adds endpoint health to /health.
func WithModelHealth(m ModelHealth) Option {
	return func(srv *Server) { srv.models = m }
}

// WithMetrics serves the collectors on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(srv *Server) { srv.now = now }
}

// New creates a server and registers its routes.
func New(store Store, responses Responses, opts ...Option) *Server {
	s := &Server{
		store:     store,
		responses: responses,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	s.routes(engine)
	s.engine = engine
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")
	{
		api.GET("/opportunities", s.listOpportunities)
		api.GET("/opportunities/:id", s.getOpportunity)
		api.PATCH("/opportunities/:id/status", s.updateOpportunityStatus)
		api.POST("/opportunities/:id/responses", s.generateResponse)
		api.GET("/opportunities/:id/responses", s.listResponses)

		api.PATCH("/responses/:id", s.editResponse)
		api.POST("/responses/:id/dismiss", s.dismissResponse)
		api.POST("/responses/:id/post", s.postResponse)

		api.POST("/accounts/:id/discover/:type", s.discover)
		api.POST("/accounts/:id/opportunities/dismiss", s.bulkDismiss)

		api.GET("/schedules", s.listSchedules)
		api.POST("/reaper/run", s.runReaper)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			s.logger.Error("Request failed", append(attrs, "error", c.Errors.String())...)
			return
		}
		s.logger.Debug("Request", attrs...)
	}
}
