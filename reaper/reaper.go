// Package reaper enforces the opportunity retention policy. Each pass marks
// overdue pending opportunities expired, then hard-deletes expired ones and
// dismissed ones past the grace period together with their responses.
// Responded opportunities are never touched.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semreply/events"
	"github.com/c360studio/semreply/metrics"
)

// CleanupStats are the counts of one pass.
type CleanupStats struct {
	ExpiredMarked    int64 `json:"expired_marked"`
	ExpiredDeleted   int64 `json:"expired_deleted"`
	DismissedDeleted int64 `json:"dismissed_deleted"`
	ResponsesDeleted int64 `json:"responses_deleted"`
}

// Changed reports whether the pass touched any row.
func (s CleanupStats) Changed() bool {
	return s.ExpiredMarked+s.ExpiredDeleted+s.DismissedDeleted+s.ResponsesDeleted > 0
}

// Store is the persistence the reaper needs. Every method targets rows by
// explicit status and time predicates.
type Store interface {
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	ReapableIDs(ctx context.Context, dismissedBefore time.Time) (expired, dismissed []string, err error)
	DeleteOpportunities(ctx context.Context, ids []string) (opps, responses int64, err error)
}

// Reaper runs cleanup passes on a fixed interval.
type Reaper struct {
	config  Config
	store   Store
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// passMu serializes passes so a manual run never overlaps a tick.
	passMu sync.Mutex

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	passes      atomic.Int64
	failures    atomic.Int64
	lastCheckMu sync.RWMutex
	lastCheck   time.Time
	lastStats   CleanupStats
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(r *Reaper) { r.events = p }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a reaper.
func New(cfg Config, store Store, opts ...Option) (*Reaper, error) {
	defaults := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = defaults.Interval
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Reaper{
		config: cfg,
		store:  store,
		events: events.Noop{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start runs a pass immediately and then every interval until Stop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper already running")
	}

	r.running = true
	r.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(subCtx)

	r.logger.Info("Reaper started",
		"interval", r.config.Interval,
		"dismissed_grace", r.config.DismissedGrace)

	return nil
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one pass and logs failures; the next tick retries.
func (r *Reaper) tick(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("Cleanup pass failed", "error", err)
	}
}

// RunOnce performs one cleanup pass.
func (r *Reaper) RunOnce(ctx context.Context) (CleanupStats, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	r.passes.Add(1)
	now := r.now()

	stats, err := r.pass(ctx, now)
	r.updateLastCheck(now, stats)
	r.metrics.Reaped(stats.ExpiredMarked, stats.ExpiredDeleted, stats.DismissedDeleted, stats.ResponsesDeleted)
	if err != nil {
		r.failures.Add(1)
		return stats, err
	}

	if stats.Changed() {
		r.logger.Info("Cleanup pass completed",
			"expired_marked", stats.ExpiredMarked,
			"expired_deleted", stats.ExpiredDeleted,
			"dismissed_deleted", stats.DismissedDeleted,
			"responses_deleted", stats.ResponsesDeleted)

		if err := r.events.Publish(ctx, events.TypeCleanupCompleted, "", events.CleanupCompleted(stats)); err != nil {
			r.logger.Warn("Failed to publish cleanup event", "error", err)
		}
	} else {
		r.logger.Debug("Cleanup pass found nothing to do")
	}
	return stats, nil
}

func (r *Reaper) pass(ctx context.Context, now time.Time) (CleanupStats, error) {
	var stats CleanupStats

	marked, err := r.store.MarkExpired(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("mark expired: %w", err)
	}
	stats.ExpiredMarked = marked

	expired, dismissed, err := r.store.ReapableIDs(ctx, now.Add(-r.config.DismissedGrace))
	if err != nil {
		return stats, fmt.Errorf("collect reapable: %w", err)
	}

	// Deleted separately so the per-status counts stay exact.
	n, responses, err := r.store.DeleteOpportunities(ctx, expired)
	if err != nil {
		return stats, fmt.Errorf("delete expired: %w", err)
	}
	stats.ExpiredDeleted = n
	stats.ResponsesDeleted += responses

	n, responses, err = r.store.DeleteOpportunities(ctx, dismissed)
	if err != nil {
		return stats, fmt.Errorf("delete dismissed: %w", err)
	}
	stats.DismissedDeleted = n
	stats.ResponsesDeleted += responses

	return stats, nil
}

// Stop stops the loop and waits for an in-flight pass.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.running = false
	done := r.done
	r.mu.Unlock()

	<-done
	r.logger.Info("Reaper stopped",
		"passes", r.passes.Load(),
		"failures", r.failures.Load())
}

// Status describes the reaper for health endpoints.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	Passes    int64         `json:"passes"`
	Failures  int64         `json:"failures"`
	LastCheck time.Time     `json:"last_check"`
	LastStats CleanupStats  `json:"last_stats"`
}

// Status returns the current status.
func (r *Reaper) Status() Status {
	r.mu.RLock()
	running := r.running
	startTime := r.startTime
	r.mu.RUnlock()

	r.lastCheckMu.RLock()
	defer r.lastCheckMu.RUnlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startTime)
	}
	return Status{
		Running:   running,
		Uptime:    uptime,
		Passes:    r.passes.Load(),
		Failures:  r.failures.Load(),
		LastCheck: r.lastCheck,
		LastStats: r.lastStats,
	}
}

func (r *Reaper) updateLastCheck(t time.Time, stats CleanupStats) {
	r.lastCheckMu.Lock()
	r.lastCheck = t
	r.lastStats = stats
	r.lastCheckMu.Unlock()
}
