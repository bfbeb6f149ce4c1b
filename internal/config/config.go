// Package config provides configuration types and loading for snapload.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Telegram, Workflow, Stabilization, Retry, Cache,
// Console, Feed, Log.
type Config struct {
	Paths         PathsConfig         `json:"paths"`
	Telegram      TelegramConfig      `json:"telegram"`
	Workflow      WorkflowConfig      `json:"workflow"`
	Stabilization StabilizationConfig `json:"stabilization"`
	Retry         RetryConfig         `json:"retry"`
	Cache         CacheConfig         `json:"cache"`
	Console       ConsoleConfig       `json:"console"`
	Feed          FeedConfig          `json:"feed"`
	Log           LogConfig           `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// DatabasePath is the SQLite file holding accounts, targets and run stats.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "snapload.db")
}

// SessionsDir holds one Telegram session file per account.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Paths.DataDir, "sessions")
}

// QRPath is where the login QR code image is written.
func (c *Config) QRPath() string {
	return filepath.Join(c.Paths.DataDir, "login-qr.png")
}

// ---------------------------------------------------------------------------
// Telegram – MTProto application credentials
// ---------------------------------------------------------------------------

// TelegramConfig holds the application credentials used when an account
// does not carry its own. Obtain them at my.telegram.org.
type TelegramConfig struct {
	APIID       int    `json:"apiId" envconfig:"API_ID"`
	APIHash     string `json:"apiHash" envconfig:"API_HASH"`
	DeviceModel string `json:"deviceModel" envconfig:"DEVICE_MODEL"`
}

// ---------------------------------------------------------------------------
// Workflow – trigger, keywords and step pacing
// ---------------------------------------------------------------------------

// WorkflowConfig tunes the booking workflow. Keywords and phrases are
// matched as case-insensitive substrings.
type WorkflowConfig struct {
	TriggerPhrase   string        `json:"triggerPhrase" envconfig:"TRIGGER_PHRASE"`
	Step1Keywords   []string      `json:"step1Keywords" envconfig:"STEP1_KEYWORDS"`
	Step2Keywords   []string      `json:"step2Keywords" envconfig:"STEP2_KEYWORDS"`
	Step3Keywords   []string      `json:"step3Keywords" envconfig:"STEP3_KEYWORDS"`
	SuccessPhrases  []string      `json:"successPhrases" envconfig:"SUCCESS_PHRASES"`
	Step1Timeout    time.Duration `json:"step1Timeout" envconfig:"STEP1_TIMEOUT"`
	Step2Timeout    time.Duration `json:"step2Timeout" envconfig:"STEP2_TIMEOUT"`
	Step3Timeout    time.Duration `json:"step3Timeout" envconfig:"STEP3_TIMEOUT"`
	InterClickDelay time.Duration `json:"interClickDelay" envconfig:"INTER_CLICK_DELAY"`
	GraceDelay      time.Duration `json:"graceDelay" envconfig:"GRACE_DELAY"`
	SweepInterval   time.Duration `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
	DefaultMode     string        `json:"defaultMode" envconfig:"DEFAULT_MODE"`
}

// ---------------------------------------------------------------------------
// Stabilization – edit debounce
// ---------------------------------------------------------------------------

// StabilizationConfig tunes when a churning menu counts as quiet.
// Strategy is one of wait, aggressive, predict.
type StabilizationConfig struct {
	Threshold time.Duration `json:"threshold" envconfig:"THRESHOLD"`
	Strategy  string        `json:"strategy" envconfig:"STRATEGY"`
}

// ---------------------------------------------------------------------------
// Retry – click retry policy
// ---------------------------------------------------------------------------

// RetryConfig bounds the click retry loop.
type RetryConfig struct {
	MaxAttempts  int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	BaseDelay    time.Duration `json:"baseDelay" envconfig:"BASE_DELAY"`
	FloodCeiling time.Duration `json:"floodCeiling" envconfig:"FLOOD_CEILING"`
}

// ---------------------------------------------------------------------------
// Cache – message snapshot store
// ---------------------------------------------------------------------------

// CacheConfig sizes the per-target control cache.
type CacheConfig struct {
	Capacity int `json:"capacity" envconfig:"CAPACITY"`
}

// ---------------------------------------------------------------------------
// Console – Slack operator surface
// ---------------------------------------------------------------------------

// ConsoleConfig configures the Slack Socket Mode operator console.
type ConsoleConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken      string `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken      string `json:"appToken" envconfig:"APP_TOKEN"`
	StatusChannel string `json:"statusChannel" envconfig:"STATUS_CHANNEL"`
}

// ---------------------------------------------------------------------------
// Feed – Kafka run event stream
// ---------------------------------------------------------------------------

// FeedConfig configures the Kafka publisher for run lifecycle events.
type FeedConfig struct {
	Enabled  bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers  []string `json:"brokers" envconfig:"BROKERS"`
	Topic    string   `json:"topic" envconfig:"TOPIC"`
	ClientID string   `json:"clientId" envconfig:"CLIENT_ID"`
}

// ---------------------------------------------------------------------------
// Log – structured logging
// ---------------------------------------------------------------------------

// LogConfig controls slog output. Format is text or json.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"`
}

// DefaultConfig returns the configuration used when no file exists. The
// trigger and keyword defaults match the freight bots this tool grew up
// against; override them per deployment.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.snapload",
		},
		Telegram: TelegramConfig{
			DeviceModel: "snapload",
		},
		Workflow: WorkflowConfig{
			TriggerPhrase: "Появились новые перевозки",
			Step1Keywords: []string{
				"список прямых перевозок",
				"список перевозок",
				"прямые перевозки",
			},
			Step3Keywords: []string{
				"подтвердить",
				"забронировать",
				"взять",
				"беру",
				"подтверждаю",
			},
			SuccessPhrases: []string{
				"успешно зарезервирована",
				"перевозка успешно",
			},
			Step1Timeout:    5 * time.Second,
			Step2Timeout:    5 * time.Second,
			Step3Timeout:    5 * time.Second,
			InterClickDelay: 50 * time.Millisecond,
			GraceDelay:      2 * time.Second,
			SweepInterval:   time.Second,
			DefaultMode:     "full_cycle",
		},
		Stabilization: StabilizationConfig{
			Threshold: 100 * time.Millisecond,
			Strategy:  "wait",
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    100 * time.Millisecond,
			FloodCeiling: 60 * time.Second,
		},
		Cache: CacheConfig{
			Capacity: 10,
		},
		Console: ConsoleConfig{
			Enabled: false,
		},
		Feed: FeedConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "snapload.runs",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
