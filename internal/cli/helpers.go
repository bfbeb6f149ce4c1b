package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/SnapLoad/SnapLoad/internal/config"
	"github.com/SnapLoad/SnapLoad/internal/store"
)

// Seams for tests: commands resolve config and store through these vars so
// test cases can point them at fixtures.
var loadConfig = config.Load
var configPathFn = config.ConfigPath

var openStore = func(cfg *config.Config) (*store.Service, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.NewService(cfg.DatabasePath())
}

// setupLogging applies the configured slog level and format process-wide.
func setupLogging(cfg config.LogConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// mustAccount resolves a phone number to a stored account or fails with a
// hint about the login flow.
func mustAccount(st *store.Service, phone string) (*store.Account, error) {
	acct, err := st.GetAccountByPhone(strings.TrimSpace(phone))
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s not found, add it with 'snapload login --phone %s'", phone, phone)
	}
	return acct, nil
}

// mustTarget resolves a bot username to a stored target.
func mustTarget(st *store.Service, botUsername string) (*store.Target, error) {
	target, err := st.FindTarget(botUsername)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("target %s not found, add it with 'snapload targets add'", botUsername)
	}
	return target, nil
}

// sessionFileName derives the per-account session file name from the phone
// number, keeping only digits.
func sessionFileName(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		digits = "account"
	}
	return digits + ".json"
}

func onOff(b bool) string {
	if b {
		return "✓ Enabled"
	}
	return "✗ Disabled"
}
