// Package store persists accounts, watched targets, run statistics and
// console operators in a local SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Service struct {
	db *sql.DB
}

// NewService opens (creating if needed) the database at dbPath.
func NewService(dbPath string) (*Service, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	return NewServiceWithDB(db)
}

// NewServiceWithDB wraps an already-open database, applying the schema.
// Tests use this with an in-memory database.
func NewServiceWithDB(db *sql.DB) (*Service, error) {
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns existed.
	_, _ = db.Exec(`ALTER TABLE targets ADD COLUMN step2_keywords TEXT NOT NULL DEFAULT '[]'`)
	_, _ = db.Exec(`ALTER TABLE targets ADD COLUMN step2_index INTEGER`)
	_, _ = db.Exec(`ALTER TABLE accounts ADD COLUMN last_connected_at DATETIME`)
	_, _ = db.Exec(`ALTER TABLE run_stats ADD COLUMN triggers_seen INTEGER NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE run_stats ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE run_stats ADD COLUMN last_error_at DATETIME`)
	return &Service{db: db}, nil
}

// DB returns the underlying *sql.DB for shared access.
func (s *Service) DB() *sql.DB { return s.db }

func (s *Service) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Service) AddAccount(phone string, apiID int, apiHash, sessionFile string) (*Account, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, fmt.Errorf("account phone is empty")
	}
	res, err := s.db.Exec(`INSERT INTO accounts (phone, api_id, api_hash, session_file) VALUES (?, ?, ?, ?)`,
		phone, apiID, apiHash, sessionFile)
	if err != nil {
		return nil, fmt.Errorf("add account: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GetAccount(id)
}

func (s *Service) GetAccount(id int64) (*Account, error) {
	var a Account
	var lastConnected sql.NullTime
	err := s.db.QueryRow(`SELECT id, phone, api_id, api_hash, session_file, is_active, created_at, last_connected_at
		FROM accounts WHERE id = ?`, id).Scan(
		&a.ID, &a.Phone, &a.APIID, &a.APIHash, &a.SessionFile, &a.IsActive, &a.CreatedAt, &lastConnected)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if lastConnected.Valid {
		a.LastConnectedAt = &lastConnected.Time
	}
	return &a, nil
}

// GetAccountByPhone returns (nil, nil) when no account has that phone.
func (s *Service) GetAccountByPhone(phone string) (*Account, error) {
	var a Account
	var lastConnected sql.NullTime
	err := s.db.QueryRow(`SELECT id, phone, api_id, api_hash, session_file, is_active, created_at, last_connected_at
		FROM accounts WHERE phone = ?`, strings.TrimSpace(phone)).Scan(
		&a.ID, &a.Phone, &a.APIID, &a.APIHash, &a.SessionFile, &a.IsActive, &a.CreatedAt, &lastConnected)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by phone: %w", err)
	}
	if lastConnected.Valid {
		a.LastConnectedAt = &lastConnected.Time
	}
	return &a, nil
}

func (s *Service) ListAccounts() ([]Account, error) {
	rows, err := s.db.Query(`SELECT id, phone, api_id, api_hash, session_file, is_active, created_at, last_connected_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var lastConnected sql.NullTime
		if err := rows.Scan(&a.ID, &a.Phone, &a.APIID, &a.APIHash, &a.SessionFile, &a.IsActive, &a.CreatedAt, &lastConnected); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if lastConnected.Valid {
			a.LastConnectedAt = &lastConnected.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) ListActiveAccounts() ([]Account, error) {
	accounts, err := s.ListAccounts()
	if err != nil {
		return nil, err
	}
	active := accounts[:0]
	for _, a := range accounts {
		if a.IsActive {
			active = append(active, a)
		}
	}
	return active, nil
}

func (s *Service) SetAccountActive(id int64, active bool) error {
	_, err := s.db.Exec(`UPDATE accounts SET is_active = ? WHERE id = ?`, active, id)
	return err
}

// TouchAccountConnected records a successful session connect.
func (s *Service) TouchAccountConnected(id int64) error {
	_, err := s.db.Exec(`UPDATE accounts SET last_connected_at = datetime('now') WHERE id = ?`, id)
	return err
}

// RemoveAccount deletes the account and, via foreign keys, its targets.
func (s *Service) RemoveAccount(id int64) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// ---------------------------------------------------------------------------
// Targets
// ---------------------------------------------------------------------------

// NormalizeUsername strips a leading @ and lowercases a bot username so the
// same bot typed two ways maps to one target row.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}

func (s *Service) AddTarget(accountID int64, botUsername string) (*Target, error) {
	botUsername = NormalizeUsername(botUsername)
	if botUsername == "" {
		return nil, fmt.Errorf("target bot username is empty")
	}
	res, err := s.db.Exec(`INSERT INTO targets (account_id, bot_username) VALUES (?, ?)`, accountID, botUsername)
	if err != nil {
		return nil, fmt.Errorf("add target: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GetTarget(id)
}

func (s *Service) GetTarget(id int64) (*Target, error) {
	var t Target
	var step2Index sql.NullInt64
	err := s.db.QueryRow(`SELECT id, account_id, bot_username, enabled, mode, step2_keywords, step2_index, created_at
		FROM targets WHERE id = ?`, id).Scan(
		&t.ID, &t.AccountID, &t.BotUsername, &t.Enabled, &t.Mode, &t.Step2Keywords, &step2Index, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("target not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	if step2Index.Valid {
		idx := int(step2Index.Int64)
		t.Step2Index = &idx
	}
	return &t, nil
}

// FindTarget looks a target up by bot username across all accounts.
// Returns (nil, nil) when not found.
func (s *Service) FindTarget(botUsername string) (*Target, error) {
	var t Target
	var step2Index sql.NullInt64
	err := s.db.QueryRow(`SELECT id, account_id, bot_username, enabled, mode, step2_keywords, step2_index, created_at
		FROM targets WHERE bot_username = ? ORDER BY id LIMIT 1`, NormalizeUsername(botUsername)).Scan(
		&t.ID, &t.AccountID, &t.BotUsername, &t.Enabled, &t.Mode, &t.Step2Keywords, &step2Index, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find target: %w", err)
	}
	if step2Index.Valid {
		idx := int(step2Index.Int64)
		t.Step2Index = &idx
	}
	return &t, nil
}

func (s *Service) ListTargets() ([]Target, error) {
	return s.queryTargets(`SELECT id, account_id, bot_username, enabled, mode, step2_keywords, step2_index, created_at
		FROM targets ORDER BY id`)
}

func (s *Service) ListEnabledTargets(accountID int64) ([]Target, error) {
	return s.queryTargets(`SELECT id, account_id, bot_username, enabled, mode, step2_keywords, step2_index, created_at
		FROM targets WHERE account_id = ? AND enabled = 1 ORDER BY id`, accountID)
}

func (s *Service) queryTargets(query string, args ...any) ([]Target, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		var step2Index sql.NullInt64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.BotUsername, &t.Enabled, &t.Mode, &t.Step2Keywords, &step2Index, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if step2Index.Valid {
			idx := int(step2Index.Int64)
			t.Step2Index = &idx
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Service) SetTargetEnabled(id int64, enabled bool) error {
	_, err := s.db.Exec(`UPDATE targets SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

func (s *Service) SetTargetMode(id int64, mode string) error {
	if mode != ModeFullCycle && mode != ModeListOnly {
		return fmt.Errorf("invalid mode: %s", mode)
	}
	_, err := s.db.Exec(`UPDATE targets SET mode = ? WHERE id = ?`, mode, id)
	return err
}

// SetTargetStep2 stores the per-target step-2 selection: keyword list and an
// optional fixed control position.
func (s *Service) SetTargetStep2(id int64, keywords []string, index *int) error {
	if keywords == nil {
		keywords = []string{}
	}
	data, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshal step2 keywords: %w", err)
	}
	var indexVal any
	if index != nil {
		indexVal = *index
	}
	_, err = s.db.Exec(`UPDATE targets SET step2_keywords = ?, step2_index = ? WHERE id = ?`, string(data), indexVal, id)
	return err
}

func (s *Service) RemoveTarget(id int64) error {
	_, err := s.db.Exec(`DELETE FROM targets WHERE id = ?`, id)
	return err
}

// Step2KeywordList decodes the stored JSON keyword array.
func (t *Target) Step2KeywordList() []string {
	var out []string
	if err := json.Unmarshal([]byte(t.Step2Keywords), &out); err != nil {
		return nil
	}
	return out
}

// ---------------------------------------------------------------------------
// Run statistics
// ---------------------------------------------------------------------------

// IncrementRunStats applies the delta's counters atomically, creating the row
// on first use. A non-empty LastError replaces the stored one.
func (s *Service) IncrementRunStats(targetID int64, d StatsDelta) error {
	if d.IsZero() {
		return nil
	}
	var lastErrorAt any
	if d.LastError != "" {
		at := time.Now().UTC()
		if d.LastErrorAt != nil {
			at = *d.LastErrorAt
		}
		lastErrorAt = at
	}
	_, err := s.db.Exec(`INSERT INTO run_stats
		(target_id, total_runs, successful_runs, failed_runs, total_clicks, successful_clicks, failed_clicks, triggers_seen, last_activity_at, last_error, last_error_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			total_runs = total_runs + excluded.total_runs,
			successful_runs = successful_runs + excluded.successful_runs,
			failed_runs = failed_runs + excluded.failed_runs,
			total_clicks = total_clicks + excluded.total_clicks,
			successful_clicks = successful_clicks + excluded.successful_clicks,
			failed_clicks = failed_clicks + excluded.failed_clicks,
			triggers_seen = triggers_seen + excluded.triggers_seen,
			last_activity_at = datetime('now'),
			last_error = CASE WHEN excluded.last_error != '' THEN excluded.last_error ELSE last_error END,
			last_error_at = CASE WHEN excluded.last_error != '' THEN excluded.last_error_at ELSE last_error_at END`,
		targetID, d.TotalRuns, d.SuccessfulRuns, d.FailedRuns, d.TotalClicks, d.SuccessfulClicks, d.FailedClicks, d.TriggersSeen,
		d.LastError, lastErrorAt)
	if err != nil {
		return fmt.Errorf("increment run stats: %w", err)
	}
	return nil
}

// GetRunStats returns the target's counters, zeroed when nothing was recorded yet.
func (s *Service) GetRunStats(targetID int64) (*RunStats, error) {
	var st RunStats
	var lastActivity, lastErrorAt sql.NullTime
	err := s.db.QueryRow(`SELECT target_id, total_runs, successful_runs, failed_runs, total_clicks, successful_clicks, failed_clicks, triggers_seen, last_activity_at, COALESCE(last_error,''), last_error_at
		FROM run_stats WHERE target_id = ?`, targetID).Scan(
		&st.TargetID, &st.TotalRuns, &st.SuccessfulRuns, &st.FailedRuns,
		&st.TotalClicks, &st.SuccessfulClicks, &st.FailedClicks, &st.TriggersSeen,
		&lastActivity, &st.LastError, &lastErrorAt)
	if err == sql.ErrNoRows {
		return &RunStats{TargetID: targetID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run stats: %w", err)
	}
	if lastActivity.Valid {
		st.LastActivityAt = &lastActivity.Time
	}
	if lastErrorAt.Valid {
		st.LastErrorAt = &lastErrorAt.Time
	}
	return &st, nil
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// AddOperator authorizes a Slack user, reactivating them if previously removed.
func (s *Service) AddOperator(slackUserID, displayName string) (*Operator, error) {
	slackUserID = strings.TrimSpace(slackUserID)
	if slackUserID == "" {
		return nil, fmt.Errorf("operator slack user id is empty")
	}
	_, err := s.db.Exec(`INSERT INTO operators (slack_user_id, display_name, is_active)
		VALUES (?, ?, 1)
		ON CONFLICT(slack_user_id) DO UPDATE SET
			display_name = excluded.display_name,
			is_active = 1`,
		slackUserID, displayName)
	if err != nil {
		return nil, fmt.Errorf("add operator: %w", err)
	}
	return s.getOperator(slackUserID)
}

func (s *Service) getOperator(slackUserID string) (*Operator, error) {
	var o Operator
	err := s.db.QueryRow(`SELECT id, slack_user_id, display_name, is_active, added_at
		FROM operators WHERE slack_user_id = ?`, slackUserID).Scan(
		&o.ID, &o.SlackUserID, &o.DisplayName, &o.IsActive, &o.AddedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operator not found: %s", slackUserID)
	}
	if err != nil {
		return nil, fmt.Errorf("get operator: %w", err)
	}
	return &o, nil
}

func (s *Service) RemoveOperator(slackUserID string) error {
	_, err := s.db.Exec(`UPDATE operators SET is_active = 0 WHERE slack_user_id = ?`, strings.TrimSpace(slackUserID))
	return err
}

// IsOperatorAuthorized reports whether the Slack user may drive the console.
func (s *Service) IsOperatorAuthorized(slackUserID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM operators WHERE slack_user_id = ? AND is_active = 1`,
		strings.TrimSpace(slackUserID)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check operator: %w", err)
	}
	return n > 0, nil
}

func (s *Service) ListOperators() ([]Operator, error) {
	rows, err := s.db.Query(`SELECT id, slack_user_id, display_name, is_active, added_at FROM operators ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()

	var out []Operator
	for rows.Next() {
		var o Operator
		if err := rows.Scan(&o.ID, &o.SlackUserID, &o.DisplayName, &o.IsActive, &o.AddedAt); err != nil {
			return nil, fmt.Errorf("scan operator: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
