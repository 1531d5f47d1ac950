// Package main provides the semreply binary entry point.
// Semreply discovers posts worth replying to on social platforms, scores
// them, drafts grounded replies with an LLM and posts the ones an operator
// approves.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/semreply/llm/providers"

	"github.com/c360studio/semreply/config"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform/telegram"
	"github.com/c360studio/semreply/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semreply"
)

// TelegramPasswordEnv holds the two-step verification password used by
// telegram-login, if the account has one.
const TelegramPasswordEnv = "TELEGRAM_PASSWORD"

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Opportunity lifecycle engine for social replies",
		Long: `Semreply finds posts worth replying to and helps you answer them.

It provides:
- Scheduled discovery of replies and keyword matches per account
- Recency and impact scoring with a configurable threshold
- Two-stage LLM drafting grounded in your own knowledge files
- Review, edit and posting of drafts through an HTTP API

Run "semreply serve" to start the scheduler, reaper and API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Environment file with platform secrets")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(g),
		discoverCmd(g),
		reapCmd(g),
		scoreCmd(),
		telegramLoginCmd(g),
		initCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func newLogger(level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// setup configures logging, loads the environment file and the layered
// configuration. It returns the loader so callers can reload later.
func setup(g *globalFlags) (*config.Config, string, *config.Loader, *slog.Logger, error) {
	logger := newLogger(g.logLevel, os.Stderr)
	slog.SetDefault(logger)

	if err := config.LoadDotEnv(logger, g.envFile); err != nil {
		return nil, "", nil, nil, fmt.Errorf("load env file: %w", err)
	}

	loader := config.NewLoader(logger)
	cfg, source, err := loader.Load(g.configPath)
	if err != nil {
		return nil, "", nil, nil, fmt.Errorf("load config: %w", err)
	}
	if source != "" {
		logger.Info("Configuration loaded", "path", source)
	}
	return cfg, source, loader, logger, nil
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, reaper and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, source, loader, logger, err := setup(g)
			if err != nil {
				return err
			}

			// Setup signal handling
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			reload := func() (*config.Config, error) {
				c, _, err := loader.Load(g.configPath)
				return c, err
			}
			if err := app.Serve(ctx, source, reload); err != nil {
				return err
			}
			logger.Info("Shutdown complete")
			return nil
		},
	}
}

func discoverCmd(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "discover <account> <replies|search>",
		Short: "Run one discovery pass for an account and print the inserted opportunities",
		Long: `Run one discovery pass for an account and print the inserted opportunities.

Paused accounts and accounts in the error state are rejected, as the
scheduler would skip them. Pass --force to run anyway.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dtype := opportunity.ParseDiscoveryType(args[1])
			if dtype == "" {
				return fmt.Errorf("unknown discovery type %q (want replies or search)", args[1])
			}

			cfg, _, _, logger, err := setup(g)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			opps, err := app.discoverOnce(ctx, args[0], dtype, force)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), opps)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Run even if the account is paused or in error")
	return cmd
}

func reapCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one cleanup pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, logger, err := setup(g)
			if err != nil {
				return err
			}
			app, err := NewApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.reaper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func scoreCmd() *cobra.Command {
	var (
		age       time.Duration
		followers int
		likes     int
		reposts   int
		profile   string
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a post from its signals",
		Example: `  semreply score --age 10m --followers 1000 --likes 50 --reposts 10
  semreply score --age 2h --followers 100 --profile fresh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, ok := opportunity.WeightsForProfile(profile)
			if !ok {
				return fmt.Errorf("unknown profile %q", profile)
			}
			if age < 0 {
				return fmt.Errorf("age must not be negative")
			}
			now := time.Now()
			s := opportunity.Score(opportunity.Signals{
				CreatedAt: now.Add(-age),
				Followers: followers,
				Likes:     likes,
				Reposts:   reposts,
			}, now, w)
			return writeJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().DurationVar(&age, "age", 0, "Age of the post")
	cmd.Flags().IntVar(&followers, "followers", 0, "Author follower count")
	cmd.Flags().IntVar(&likes, "likes", 0, "Like count")
	cmd.Flags().IntVar(&reposts, "reposts", 0, "Repost count")
	cmd.Flags().StringVar(&profile, "profile", "default", "Weight profile (default, fresh)")
	return cmd
}

func telegramLoginCmd(g *globalFlags) *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "telegram-login <account>",
		Short: "Authorize a Telegram account and store its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, logger, err := setup(g)
			if err != nil {
				return err
			}
			if cfg.Platforms.Telegram == nil {
				return fmt.Errorf("platforms.telegram is not configured")
			}
			if phone == "" {
				return fmt.Errorf("--phone is required")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, storage.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			var account *opportunity.Account
			for _, a := range cfg.AccountList() {
				if a.ID == args[0] {
					account = a
				}
			}
			if account == nil || account.Platform != telegram.Platform {
				return fmt.Errorf("no telegram account %q in configuration", args[0])
			}

			adapter := telegram.New(*cfg.Platforms.Telegram, store, telegram.WithLogger(logger))
			prompt := codePrompt(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err := adapter.Login(ctx, account, phone, os.Getenv(TelegramPasswordEnv), prompt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Telegram session stored for %s\n", account.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number of the Telegram account")
	return cmd
}

// codePrompt reads the login code from in.
func codePrompt(in io.Reader, out io.Writer) telegram.CodePrompt {
	reader := bufio.NewReader(in)
	return func(ctx context.Context) (string, error) {
		fmt.Fprint(out, "Enter the code Telegram sent you: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read code: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
}

func initCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the user config file with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel, os.Stderr)
			return config.NewLoader(logger).EnsureUserConfig()
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
