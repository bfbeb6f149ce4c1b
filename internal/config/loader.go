package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".snapload"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("SNAPLOAD_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("SNAPLOAD_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/snapload/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If file doesn't exist, continue with defaults

	// Override with environment variables for each group
	envconfig.Process("SNAPLOAD_PATHS", &cfg.Paths)
	envconfig.Process("SNAPLOAD_TELEGRAM", &cfg.Telegram)
	envconfig.Process("SNAPLOAD_WORKFLOW", &cfg.Workflow)
	envconfig.Process("SNAPLOAD_STABILIZATION", &cfg.Stabilization)
	envconfig.Process("SNAPLOAD_RETRY", &cfg.Retry)
	envconfig.Process("SNAPLOAD_CACHE", &cfg.Cache)
	envconfig.Process("SNAPLOAD_CONSOLE", &cfg.Console)
	envconfig.Process("SNAPLOAD_FEED", &cfg.Feed)
	envconfig.Process("SNAPLOAD_LOG", &cfg.Log)

	// Fallback to the conventional plain names for tokens
	if cfg.Console.BotToken == "" {
		cfg.Console.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if cfg.Console.AppToken == "" {
		cfg.Console.AppToken = os.Getenv("SLACK_APP_TOKEN")
	}
	if cfg.Telegram.APIHash == "" {
		cfg.Telegram.APIHash = os.Getenv("TELEGRAM_API_HASH")
	}

	// Expand ~ in paths
	if strings.HasPrefix(cfg.Paths.DataDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Paths.DataDir = filepath.Join(home, cfg.Paths.DataDir[1:])
		}
	}

	applyClamps(cfg)
	return cfg, nil
}

// applyClamps normalizes enum fields and pulls out-of-range numbers back to
// their defaults.
func applyClamps(cfg *Config) {
	def := DefaultConfig()

	switch strings.ToLower(strings.TrimSpace(cfg.Stabilization.Strategy)) {
	case "", "wait":
		cfg.Stabilization.Strategy = "wait"
	case "aggressive":
		cfg.Stabilization.Strategy = "aggressive"
	case "predict":
		cfg.Stabilization.Strategy = "predict"
	default:
		cfg.Stabilization.Strategy = "wait"
	}
	if cfg.Stabilization.Threshold <= 0 {
		cfg.Stabilization.Threshold = def.Stabilization.Threshold
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Workflow.DefaultMode)) {
	case "", "full_cycle":
		cfg.Workflow.DefaultMode = "full_cycle"
	case "list_only":
		cfg.Workflow.DefaultMode = "list_only"
	default:
		cfg.Workflow.DefaultMode = "full_cycle"
	}
	if cfg.Workflow.Step1Timeout <= 0 {
		cfg.Workflow.Step1Timeout = def.Workflow.Step1Timeout
	}
	if cfg.Workflow.Step2Timeout <= 0 {
		cfg.Workflow.Step2Timeout = def.Workflow.Step2Timeout
	}
	if cfg.Workflow.Step3Timeout <= 0 {
		cfg.Workflow.Step3Timeout = def.Workflow.Step3Timeout
	}
	if cfg.Workflow.InterClickDelay < 0 {
		cfg.Workflow.InterClickDelay = def.Workflow.InterClickDelay
	}
	if cfg.Workflow.GraceDelay <= 0 {
		cfg.Workflow.GraceDelay = def.Workflow.GraceDelay
	}
	if cfg.Workflow.SweepInterval <= 0 {
		cfg.Workflow.SweepInterval = def.Workflow.SweepInterval
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.FloodCeiling <= 0 {
		cfg.Retry.FloodCeiling = def.Retry.FloodCeiling
	}

	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = def.Cache.Capacity
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "", "text":
		cfg.Log.Format = "text"
	case "json":
		cfg.Log.Format = "json"
	default:
		cfg.Log.Format = "text"
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = def.Log.Level
	}

	if len(cfg.Feed.Brokers) == 0 {
		cfg.Feed.Brokers = def.Feed.Brokers
	}
	if strings.TrimSpace(cfg.Feed.Topic) == "" {
		cfg.Feed.Topic = def.Feed.Topic
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig reads the file and substitutes ${VAR} placeholders in
// string values with the environment, so tokens never have to live in the
// file itself.
func loadResolvedConfig(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	substituteEnvValues(raw)
	return json.Marshal(raw)
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(m string) string {
			parts := envPattern.FindStringSubmatch(m)
			if len(parts) != 2 {
				return m
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return m
		})
	default:
		return v
	}
}
