// Package scheduler fires discovery runs on an independent cadence per
// (account, discovery type). The registry is an explicit object owned by one
// process with Start, Stop and Reload as its lifecycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semreply/metrics"
	"github.com/c360studio/semreply/opportunity"
	"github.com/robfig/cron/v3"
)

// Scheduler errors.
var (
	// ErrAlreadyRunning is returned when a run for the same key is in flight.
	ErrAlreadyRunning = errors.New("discovery already running for schedule")

	// ErrUnknownSchedule is returned for a key that is not registered.
	ErrUnknownSchedule = errors.New("schedule not registered")

	// ErrNotStarted is returned by Reload before Start.
	ErrNotStarted = errors.New("scheduler not started")
)

// Runner executes one discovery pass.
type Runner interface {
	Discover(ctx context.Context, accountID string, dtype opportunity.DiscoveryType) ([]*opportunity.Opportunity, error)
}

// AccountSource lists the accounts to schedule.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]*opportunity.Account, error)
}

// Config configures the scheduler.
type Config struct {
	// RunTimeout bounds a single timer-fired discovery run. Zero means no bound.
	RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`
}

// EntryInfo describes one registered schedule.
type EntryInfo struct {
	Key       string                    `json:"key"`
	AccountID string                    `json:"account_id"`
	Type      opportunity.DiscoveryType `json:"type"`
	Cadence   string                    `json:"cadence"`
	Next      time.Time                 `json:"next"`
	Prev      time.Time                 `json:"prev,omitempty"`
	Running   bool                      `json:"running"`
}

type entry struct {
	key       string
	accountID string
	dtype     opportunity.DiscoveryType
	cadence   string
	id        cron.EntryID
}

// Scheduler is the schedule registry.
type Scheduler struct {
	config   Config
	runner   Runner
	accounts AccountSource
	metrics  *metrics.Metrics
	logger   *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	// busy outlives entries so a Reload during a run keeps the guard.
	busyMu sync.Mutex
	busy   map[string]*atomic.Bool

	firings atomic.Int64
	skips   atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler. Nothing fires until Start.
func New(cfg Config, runner Runner, accounts AccountSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		config:   cfg,
		runner:   runner,
		accounts: accounts,
		logger:   slog.Default(),
		entries:  make(map[string]*entry),
		busy:     make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithLogger(cronLogger{s.logger}))
	return s
}

// Start registers the schedules of all active accounts and starts the timers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.cancel()
		s.mu.Unlock()
		return err
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "entries", s.Len())
	return nil
}

// Stop clears all timers, cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	for key, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, key)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped",
		"firings", s.firings.Load(),
		"skipped", s.skips.Load())
}

// Reload clears all timers, re-reads the accounts and registers again.
// In-flight runs are not interrupted.
func (s *Scheduler) Reload(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		return err
	}
	s.logger.Info("Scheduler reloaded", "entries", s.Len())
	return nil
}

// load replaces the registered entries with the current account schedules.
// An entry with an invalid cadence is logged and skipped; it does not prevent
// the others from registering.
func (s *Scheduler) load(ctx context.Context) error {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop may have run while the accounts were being read.
	if !s.running {
		return ErrNotStarted
	}

	for key, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, key)
	}

	for _, account := range accounts {
		if !account.Status.Schedulable() {
			s.logger.Debug("Skipping account", "account_id", account.ID, "status", account.Status)
			continue
		}
		for _, sched := range account.Schedules.Enabled() {
			if !sched.Type.IsValid() {
				s.logger.Warn("Skipping schedule with unknown type", "account_id", account.ID, "type", sched.Type)
				continue
			}
			spec, err := cron.ParseStandard(sched.Cadence)
			if err != nil {
				s.logger.Warn("Skipping schedule with invalid cadence",
					"account_id", account.ID,
					"type", sched.Type,
					"cadence", sched.Cadence,
					"error", err)
				continue
			}

			e := &entry{
				key:       opportunity.ScheduleKey(account.ID, sched.Type),
				accountID: account.ID,
				dtype:     sched.Type,
				cadence:   sched.Cadence,
			}
			e.id = s.cron.Schedule(spec, cron.FuncJob(func() { s.fire(e) }))
			s.entries[e.key] = e
		}
	}
	return nil
}

// fire is the timer callback. Overlapping firings for the same key are
// dropped, and failures never propagate to the cron loop.
func (s *Scheduler) fire(e *entry) {
	s.firings.Add(1)

	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}

	ctx := base
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, s.config.RunTimeout)
		defer cancel()
	}

	_, err := s.runGuarded(ctx, e.key, e.accountID, e.dtype)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.skips.Add(1)
		s.metrics.ScheduleSkipped(string(e.dtype))
		s.logger.Debug("Skipping firing, previous run still in flight", "key", e.key)
	case err != nil:
		s.logger.Warn("Scheduled discovery failed", "key", e.key, "error", err)
	}
}

// TriggerNow runs discovery for a registered schedule immediately using the
// caller's context. It shares the skip-if-running guard with the timers.
func (s *Scheduler) TriggerNow(ctx context.Context, accountID string, dtype opportunity.DiscoveryType) ([]*opportunity.Opportunity, error) {
	key := opportunity.ScheduleKey(accountID, dtype)

	s.mu.Lock()
	_, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, key)
	}

	s.logger.Info("Manual discovery triggered", "key", key)
	return s.runGuarded(ctx, key, accountID, dtype)
}

func (s *Scheduler) runGuarded(ctx context.Context, key, accountID string, dtype opportunity.DiscoveryType) (opps []*opportunity.Opportunity, err error) {
	guard := s.guard(key)
	if !guard.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	defer guard.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Discovery panicked",
				"key", key,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("discovery panicked: %v", r)
		}
	}()

	return s.runner.Discover(ctx, accountID, dtype)
}

func (s *Scheduler) guard(key string) *atomic.Bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	g, ok := s.busy[key]
	if !ok {
		g = &atomic.Bool{}
		s.busy[key] = g
	}
	return g
}

// Entries reports the registered schedules sorted by key.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, EntryInfo{
			Key:       e.key,
			AccountID: e.accountID,
			Type:      e.dtype,
			Cadence:   e.cadence,
			Next:      ce.Next,
			Prev:      ce.Prev,
			Running:   s.guard(e.key).Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
