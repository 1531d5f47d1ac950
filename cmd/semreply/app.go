package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/semreply/api"
	"github.com/c360studio/semreply/config"
	"github.com/c360studio/semreply/discovery"
	"github.com/c360studio/semreply/events"
	"github.com/c360studio/semreply/knowledge"
	"github.com/c360studio/semreply/llm"
	"github.com/c360studio/semreply/metrics"
	"github.com/c360studio/semreply/model"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform"
	"github.com/c360studio/semreply/platform/bluesky"
	"github.com/c360studio/semreply/platform/telegram"
	"github.com/c360studio/semreply/reaper"
	"github.com/c360studio/semreply/response"
	"github.com/c360studio/semreply/scheduler"
	"github.com/c360studio/semreply/storage"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *storage.Store
	metrics   *metrics.Metrics
	platforms *platform.Registry
	models    *model.Registry
	knowledge *knowledge.Base

	// NATS, nil when nats.url is empty
	nats    *events.NATSPublisher
	trigger *events.TriggerConsumer

	discovery *discovery.Orchestrator
	responses *response.Service
	scheduler *scheduler.Scheduler
	reaper    *reaper.Reaper

	mu sync.Mutex
}

// NewApp opens storage, syncs the configured accounts and builds every
// component. Nothing runs in the background until Serve.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *App, err error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		models:  cfg.ModelRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := a.syncAccounts(ctx, cfg); err != nil {
		return nil, err
	}

	a.platforms = a.buildPlatforms(cfg)

	var publisher events.Publisher = events.Noop{}
	if cfg.NATS.URL != "" {
		a.nats, err = events.Connect(ctx, cfg.NATS, appName, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		publisher = a.nats
	}

	a.discovery, err = discovery.New(cfg.DiscoveryConfig(), a.store, a.platforms,
		discovery.WithPublisher(publisher),
		discovery.WithMetrics(a.metrics),
		discovery.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	respOpts := []response.Option{
		response.WithPublisher(publisher),
		response.WithMetrics(a.metrics),
		response.WithLogger(logger),
	}
	if len(cfg.Knowledge.Paths) > 0 {
		a.knowledge, err = knowledge.Open(cfg.Knowledge, logger)
		if err != nil {
			return nil, fmt.Errorf("open knowledge base: %w", err)
		}
		n, err := a.knowledge.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load knowledge base: %w", err)
		}
		logger.Info("Knowledge base loaded", "files_indexed", n)
		respOpts = append(respOpts, response.WithRetriever(a.knowledge))
	}

	client := llm.NewClient(a.models,
		llm.WithRetryConfig(cfg.LLM.Retry),
		llm.WithLogger(logger))
	a.responses, err = response.New(cfg.ResponseConfig(), a.store, client, a.platforms, cfg.Constraints, respOpts...)
	if err != nil {
		return nil, err
	}

	a.scheduler = scheduler.New(cfg.Scheduler, a.discovery, a.store,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(a.metrics))

	a.reaper, err = reaper.New(cfg.ReaperConfig(), a.store,
		reaper.WithPublisher(publisher),
		reaper.WithMetrics(a.metrics),
		reaper.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if a.nats != nil {
		a.trigger = events.NewTriggerConsumer(a.nats, a.handleTrigger, logger)
	}
	return a, nil
}

func (a *App) buildPlatforms(cfg *config.Config) *platform.Registry {
	reg := platform.NewRegistry()
	if cfg.Platforms.Bluesky != nil {
		reg.Register(bluesky.New(*cfg.Platforms.Bluesky, bluesky.WithLogger(a.logger)))
	}
	if cfg.Platforms.Telegram != nil {
		reg.Register(telegram.New(*cfg.Platforms.Telegram, a.store, telegram.WithLogger(a.logger)))
	}
	a.logger.Debug("Platform adapters registered", "platforms", reg.Platforms())
	return reg
}

// syncAccounts writes the configured accounts to the store. Stored accounts
// no longer in the configuration are paused so the scheduler drops them
// while their history stays queryable.
func (a *App) syncAccounts(ctx context.Context, cfg *config.Config) error {
	configured := make(map[string]bool, len(cfg.Accounts))
	for _, acct := range cfg.AccountList() {
		if err := a.store.UpsertAccount(ctx, acct); err != nil {
			return fmt.Errorf("sync account %s: %w", acct.ID, err)
		}
		configured[acct.ID] = true
	}

	stored, err := a.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, acct := range stored {
		if configured[acct.ID] || acct.Status == opportunity.AccountPaused {
			continue
		}
		if err := a.store.SetAccountStatus(ctx, acct.ID, opportunity.AccountPaused, "removed from configuration"); err != nil {
			return fmt.Errorf("pause account %s: %w", acct.ID, err)
		}
		a.logger.Info("Account paused", "account_id", acct.ID, "reason", "removed from configuration")
	}
	a.logger.Debug("Accounts synced", "configured", len(configured))
	return nil
}

// reload applies a changed configuration file. Accounts and schedules are
// re-synced live; other sections take effect on restart.
func (a *App) reload(ctx context.Context, cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.syncAccounts(ctx, cfg); err != nil {
		a.logger.Error("Config reload: account sync failed", "error", err)
		return
	}
	if err := a.scheduler.Reload(ctx); err != nil {
		a.logger.Error("Config reload: scheduler reload failed", "error", err)
		return
	}
	a.cfg = cfg
	a.logger.Info("Config reload applied", "accounts", len(cfg.Accounts), "schedules", a.scheduler.Len())
}

// errAccountInactive is returned for a manual run on a paused or errored account.
var errAccountInactive = errors.New("account is not active")

// discoverOnce runs one discovery pass outside the scheduler. Accounts the
// scheduler would skip are rejected unless force is set.
func (a *App) discoverOnce(ctx context.Context, accountID string, dtype opportunity.DiscoveryType, force bool) ([]*opportunity.Opportunity, error) {
	account, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.Status.Schedulable() {
		if !force {
			return nil, fmt.Errorf("%w: %s is %s (use --force to run anyway)", errAccountInactive, account.ID, account.Status)
		}
		a.logger.Warn("Running discovery on inactive account", "account_id", account.ID, "status", account.Status)
	}
	return a.discovery.Discover(ctx, accountID, dtype)
}

func (a *App) handleTrigger(ctx context.Context, req events.TriggerRequest) error {
	dtype := opportunity.ParseDiscoveryType(req.DiscoveryType)
	if dtype == "" {
		return fmt.Errorf("%w: %q", discovery.ErrUnknownType, req.DiscoveryType)
	}
	opps, err := a.scheduler.TriggerNow(ctx, req.AccountID, dtype)
	if err != nil {
		return err
	}
	a.logger.Info("Triggered discovery completed",
		"account_id", req.AccountID,
		"type", dtype,
		"inserted", len(opps))
	return nil
}

// Serve starts the background components and the HTTP API and blocks until
// ctx is cancelled. configPath, when set, is watched for changes.
func (a *App) Serve(ctx context.Context, configPath string, reloadConfig func() (*config.Config, error)) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.scheduler.Stop()

	if err := a.reaper.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer a.reaper.Stop()

	if a.trigger != nil {
		if err := a.trigger.Start(ctx); err != nil {
			return fmt.Errorf("start trigger consumer: %w", err)
		}
		defer a.trigger.Stop()
	}

	if a.knowledge != nil && a.cfg.Knowledge.Watch {
		if err := a.knowledge.Watch(ctx, a.cfg.Knowledge.Debounce); err != nil {
			return fmt.Errorf("watch knowledge base: %w", err)
		}
	}

	if configPath != "" && reloadConfig != nil {
		if err := config.Watch(ctx, configPath, 0, reloadConfig, a.reload, a.logger); err != nil {
			a.logger.Warn("Config hot reload disabled", "path", configPath, "error", err)
		}
	}

	a.logger.Info("Semreply ready",
		"version", Version,
		"platforms", a.platforms.Platforms(),
		"schedules", a.scheduler.Len())

	if a.cfg.HTTP.Addr == "" {
		<-ctx.Done()
		return nil
	}
	return a.Server().Run(ctx, a.cfg.HTTP.Addr)
}

// Server builds the HTTP API over the app's components.
func (a *App) Server() *api.Server {
	return api.New(a.store, a.responses,
		api.WithSchedules(a.scheduler),
		api.WithCleaner(a.reaper),
		api.WithModelHealth(a.models),
		api.WithMetrics(a.metrics),
		api.WithLogger(a.logger))
}

// Close releases storage, the knowledge index and the NATS connection.
func (a *App) Close() error {
	var errs []error
	if a.knowledge != nil {
		errs = append(errs, a.knowledge.Close())
	}
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
