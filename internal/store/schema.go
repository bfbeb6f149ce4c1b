package store

import (
	"time"
)

// Account represents a logged-in Telegram account used to watch bots.
type Account struct {
	ID              int64      `json:"id"`
	Phone           string     `json:"phone"`        // E.164, unique
	APIID           int        `json:"api_id"`       // MTProto app credentials
	APIHash         string     `json:"api_hash"`     //
	SessionFile     string     `json:"session_file"` // Path under the sessions dir
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

// Target represents one bot chat watched by one account.
type Target struct {
	ID            int64     `json:"id"`
	AccountID     int64     `json:"account_id"`
	BotUsername   string    `json:"bot_username"`
	Enabled       bool      `json:"enabled"`
	Mode          string    `json:"mode"`           // full_cycle | list_only
	Step2Keywords string    `json:"step2_keywords"` // JSON array
	Step2Index    *int      `json:"step2_index,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ModeFullCycle = "full_cycle"
	ModeListOnly  = "list_only"
)

// RunStats holds lifetime counters for one target.
type RunStats struct {
	TargetID         int64      `json:"target_id"`
	TotalRuns        int64      `json:"total_runs"`
	SuccessfulRuns   int64      `json:"successful_runs"`
	FailedRuns       int64      `json:"failed_runs"`
	TotalClicks      int64      `json:"total_clicks"`
	SuccessfulClicks int64      `json:"successful_clicks"`
	FailedClicks     int64      `json:"failed_clicks"`
	TriggersSeen     int64      `json:"triggers_seen"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
}

// StatsDelta is a batch of counter increments flushed to run_stats in one
// statement. Zero fields leave their counters untouched.
type StatsDelta struct {
	TotalRuns        int64
	SuccessfulRuns   int64
	FailedRuns       int64
	TotalClicks      int64
	SuccessfulClicks int64
	FailedClicks     int64
	TriggersSeen     int64
	LastError        string
	LastErrorAt      *time.Time
}

// IsZero reports whether the delta would change nothing.
func (d StatsDelta) IsZero() bool {
	return d.TotalRuns == 0 && d.SuccessfulRuns == 0 && d.FailedRuns == 0 &&
		d.TotalClicks == 0 && d.SuccessfulClicks == 0 && d.FailedClicks == 0 &&
		d.TriggersSeen == 0 && d.LastError == ""
}

// Operator represents a Slack user allowed to drive the console.
type Operator struct {
	ID          int64     `json:"id"`
	SlackUserID string    `json:"slack_user_id"`
	DisplayName string    `json:"display_name"`
	IsActive    bool      `json:"is_active"`
	AddedAt     time.Time `json:"added_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	phone TEXT UNIQUE NOT NULL,
	api_id INTEGER NOT NULL DEFAULT 0,
	api_hash TEXT NOT NULL DEFAULT '',
	session_file TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_connected_at DATETIME
);

CREATE TABLE IF NOT EXISTS targets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	bot_username TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	mode TEXT NOT NULL DEFAULT 'full_cycle',
	step2_keywords TEXT NOT NULL DEFAULT '[]',
	step2_index INTEGER,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(account_id, bot_username)
);
CREATE INDEX IF NOT EXISTS idx_targets_account ON targets(account_id);
CREATE INDEX IF NOT EXISTS idx_targets_enabled ON targets(enabled);

CREATE TABLE IF NOT EXISTS run_stats (
	target_id INTEGER PRIMARY KEY REFERENCES targets(id) ON DELETE CASCADE,
	total_runs INTEGER NOT NULL DEFAULT 0,
	successful_runs INTEGER NOT NULL DEFAULT 0,
	failed_runs INTEGER NOT NULL DEFAULT 0,
	total_clicks INTEGER NOT NULL DEFAULT 0,
	successful_clicks INTEGER NOT NULL DEFAULT 0,
	failed_clicks INTEGER NOT NULL DEFAULT 0,
	triggers_seen INTEGER NOT NULL DEFAULT 0,
	last_activity_at DATETIME,
	last_error TEXT NOT NULL DEFAULT '',
	last_error_at DATETIME
);

CREATE TABLE IF NOT EXISTS operators (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slack_user_id TEXT UNIQUE NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
