package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semreply.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semreply"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment variables that override file settings.
const (
	EnvStorageDriver = "SEMREPLY_STORAGE_DRIVER"
	EnvStorageDSN    = "SEMREPLY_STORAGE_DSN"
	EnvNATSURL       = "SEMREPLY_NATS_URL"
	EnvHTTPAddr      = "SEMREPLY_HTTP_ADDR"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
	home   func() (string, error)
	cwd    func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger: logger,
		getenv: os.Getenv,
		home:   os.UserHomeDir,
		cwd:    os.Getwd,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semreply/config.yaml)
// 3. Project config (semreply.yaml in current or parent directories)
// 4. Explicit config file (--config), if given
// 5. Environment variables
func (l *Loader) Load(explicit string) (*Config, string, error) {
	config := DefaultConfig()
	source := ""

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := l.loadLayer(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
			source = userConfigPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := l.loadLayer(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
			source = projectConfigPath
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// An explicit file must exist and parse.
	if explicit != "" {
		explicitConfig, err := l.loadLayer(explicit)
		if err != nil {
			return nil, "", err
		}
		l.logger.Debug("Loaded config file", slog.String("path", explicit))
		config.Merge(explicitConfig)
		source = explicit
	}

	l.applyEnv(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, "", err
	}

	return config, source, nil
}

// loadLayer decodes one file into an empty Config so Merge only sees the
// values the file sets.
func (l *Loader) loadLayer(path string) (*Config, error) {
	layer := &Config{}
	if err := decodeFile(path, layer); err != nil {
		return nil, err
	}
	return layer, nil
}

func (l *Loader) applyEnv(config *Config) {
	if v := l.getenv(EnvStorageDriver); v != "" {
		config.Storage.Driver = v
	}
	if v := l.getenv(EnvStorageDSN); v != "" {
		config.Storage.DSN = v
	}
	if v := l.getenv(EnvNATSURL); v != "" {
		config.NATS.URL = v
	}
	if v := l.getenv(EnvHTTPAddr); v != "" {
		config.HTTP.Addr = v
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.home()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semreply.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.cwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// LoadDotEnv loads KEY=value pairs from .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(logger *slog.Logger, paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
		if logger != nil {
			logger.Debug("Loaded environment file", slog.String("path", p))
		}
	}
	return nil
}
