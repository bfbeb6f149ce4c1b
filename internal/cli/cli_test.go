package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gotd/td/telegram/auth"
	"github.com/spf13/cobra"

	"github.com/SnapLoad/SnapLoad/internal/config"
	"github.com/SnapLoad/SnapLoad/internal/store"
	"github.com/SnapLoad/SnapLoad/internal/transport/telegram"
)

// withTestConfig points the config and config-path seams at a throwaway
// data dir. The real openStore then lands the SQLite file there too.
func withTestConfig(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Paths.DataDir = tmp

	origLoad := loadConfig
	origPath := configPathFn
	loadConfig = func() (*config.Config, error) { return cfg, nil }
	configPathFn = func() (string, error) { return filepath.Join(tmp, "config.json"), nil }
	t.Cleanup(func() {
		loadConfig = origLoad
		configPathFn = origPath
	})
	return cfg
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd, out
}

func TestSessionFileName(t *testing.T) {
	cases := map[string]string{
		"+79990001122":     "79990001122.json",
		"+7 999 000-11-22": "79990001122.json",
		"":                 "account.json",
	}
	for phone, want := range cases {
		if got := sessionFileName(phone); got != want {
			t.Errorf("sessionFileName(%q) = %q, want %q", phone, got, want)
		}
	}
}

func TestAccountsAddValidatesPhone(t *testing.T) {
	withTestConfig(t)
	cmd, _ := newTestCmd()
	err := runAccountsAdd(cmd, []string{"79990001122"})
	if err == nil || !strings.Contains(err.Error(), "international format") {
		t.Fatalf("accounts add without +: %v", err)
	}
}

func TestAccountsAddListRemove(t *testing.T) {
	withTestConfig(t)
	accountsAddAPIID = 777
	accountsAddAPIHash = "testhash"
	defer func() { accountsAddAPIID = 0; accountsAddAPIHash = "" }()

	cmd, out := newTestCmd()
	if err := runAccountsAdd(cmd, []string{"+79990001122"}); err != nil {
		t.Fatalf("accounts add: %v", err)
	}
	if !strings.Contains(out.String(), "Account +79990001122 added") {
		t.Errorf("add output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runAccountsList(cmd, nil); err != nil {
		t.Fatalf("accounts list: %v", err)
	}
	if !strings.Contains(out.String(), "+79990001122") || !strings.Contains(out.String(), "active") {
		t.Errorf("list output = %q", out.String())
	}
	if !strings.Contains(out.String(), "never connected") {
		t.Errorf("list output missing connectivity: %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runAccountsRemove(cmd, []string{"+79990001122"}); err != nil {
		t.Fatalf("accounts remove: %v", err)
	}
	if !strings.Contains(out.String(), "removed") {
		t.Errorf("remove output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runAccountsList(cmd, nil); err != nil {
		t.Fatalf("accounts list: %v", err)
	}
	if !strings.Contains(out.String(), "No accounts") {
		t.Errorf("list after remove = %q", out.String())
	}
}

func TestAccountsDisableEnable(t *testing.T) {
	withTestConfig(t)
	cmd, _ := newTestCmd()
	if err := runAccountsAdd(cmd, []string{"+79990001122"}); err != nil {
		t.Fatalf("accounts add: %v", err)
	}

	cmd, out := newTestCmd()
	if err := runAccountsDisable(cmd, []string{"+79990001122"}); err != nil {
		t.Fatalf("accounts disable: %v", err)
	}
	if !strings.Contains(out.String(), "now inactive") {
		t.Errorf("disable output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runAccountsEnable(cmd, []string{"+79990001122"}); err != nil {
		t.Fatalf("accounts enable: %v", err)
	}
	if !strings.Contains(out.String(), "now active") {
		t.Errorf("enable output = %q", out.String())
	}
}

func TestTargetsLifecycle(t *testing.T) {
	withTestConfig(t)
	cmd, _ := newTestCmd()
	if err := runAccountsAdd(cmd, []string{"+79990001122"}); err != nil {
		t.Fatalf("accounts add: %v", err)
	}

	targetsAddAccount = "+79990001122"
	targetsAddMode = ""
	defer func() { targetsAddAccount = "" }()

	cmd, out := newTestCmd()
	if err := runTargetsAdd(cmd, []string{"@Freight_Bot"}); err != nil {
		t.Fatalf("targets add: %v", err)
	}
	if !strings.Contains(out.String(), "Now watching freight_bot") || !strings.Contains(out.String(), "full_cycle") {
		t.Errorf("add output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runTargetsMode(cmd, []string{"freight_bot", "list_only"}); err != nil {
		t.Fatalf("targets mode: %v", err)
	}
	if !strings.Contains(out.String(), "switched to list_only") {
		t.Errorf("mode output = %q", out.String())
	}

	cmd, _ = newTestCmd()
	if err := runTargetsMode(cmd, []string{"freight_bot", "turbo"}); err == nil {
		t.Errorf("invalid mode accepted")
	}

	targetsSelectKeywords = ""
	targetsSelectIndex = 2
	defer func() { targetsSelectIndex = -1 }()
	cmd, out = newTestCmd()
	if err := runTargetsSelect(cmd, []string{"freight_bot"}); err != nil {
		t.Fatalf("targets select: %v", err)
	}
	if !strings.Contains(out.String(), "picks load #2") {
		t.Errorf("select output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runTargetsList(cmd, nil); err != nil {
		t.Fatalf("targets list: %v", err)
	}
	listed := out.String()
	if !strings.Contains(listed, "freight_bot") || !strings.Contains(listed, "list_only") {
		t.Errorf("list output = %q", listed)
	}
	if !strings.Contains(listed, "picks load #2") || !strings.Contains(listed, "+79990001122") {
		t.Errorf("list output = %q", listed)
	}

	cmd, out = newTestCmd()
	if err := runTargetsDisable(cmd, []string{"freight_bot"}); err != nil {
		t.Fatalf("targets disable: %v", err)
	}
	if !strings.Contains(out.String(), "disabled") {
		t.Errorf("disable output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runTargetsRemove(cmd, []string{"freight_bot"}); err != nil {
		t.Fatalf("targets remove: %v", err)
	}
	if !strings.Contains(out.String(), "Stopped watching freight_bot") {
		t.Errorf("remove output = %q", out.String())
	}
}

func TestTargetsAddUnknownAccount(t *testing.T) {
	withTestConfig(t)
	targetsAddAccount = "+70000000000"
	defer func() { targetsAddAccount = "" }()
	cmd, _ := newTestCmd()
	err := runTargetsAdd(cmd, []string{"freight_bot"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("targets add with unknown account: %v", err)
	}
}

func TestTargetsSelectRequiresChoice(t *testing.T) {
	withTestConfig(t)
	cmd, _ := newTestCmd()
	if err := runAccountsAdd(cmd, []string{"+79990001122"}); err != nil {
		t.Fatalf("accounts add: %v", err)
	}
	targetsAddAccount = "+79990001122"
	defer func() { targetsAddAccount = "" }()
	cmd, _ = newTestCmd()
	if err := runTargetsAdd(cmd, []string{"freight_bot"}); err != nil {
		t.Fatalf("targets add: %v", err)
	}

	targetsSelectKeywords = ""
	targetsSelectIndex = -1
	cmd, _ = newTestCmd()
	err := runTargetsSelect(cmd, []string{"freight_bot"})
	if err == nil || !strings.Contains(err.Error(), "keywords") {
		t.Fatalf("select with no choice: %v", err)
	}
}

func TestOperatorsLifecycle(t *testing.T) {
	withTestConfig(t)
	operatorsAddName = "Dispatcher"
	defer func() { operatorsAddName = "" }()

	cmd, out := newTestCmd()
	if err := runOperatorsAdd(cmd, []string{"U123"}); err != nil {
		t.Fatalf("operators add: %v", err)
	}
	if !strings.Contains(out.String(), "Operator U123 authorized") {
		t.Errorf("add output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runOperatorsList(cmd, nil); err != nil {
		t.Fatalf("operators list: %v", err)
	}
	if !strings.Contains(out.String(), "U123") || !strings.Contains(out.String(), "Dispatcher") {
		t.Errorf("list output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runOperatorsRemove(cmd, []string{"U123"}); err != nil {
		t.Fatalf("operators remove: %v", err)
	}
	if !strings.Contains(out.String(), "revoked") {
		t.Errorf("remove output = %q", out.String())
	}

	cmd, out = newTestCmd()
	if err := runOperatorsList(cmd, nil); err != nil {
		t.Fatalf("operators list: %v", err)
	}
	if !strings.Contains(out.String(), "No operators") {
		t.Errorf("list after remove = %q", out.String())
	}
}

func TestStatusOutput(t *testing.T) {
	withTestConfig(t)
	cmd, _ := newTestCmd()
	if err := runAccountsAdd(cmd, []string{"+79990001122"}); err != nil {
		t.Fatalf("accounts add: %v", err)
	}
	targetsAddAccount = "+79990001122"
	defer func() { targetsAddAccount = "" }()
	cmd, _ = newTestCmd()
	if err := runTargetsAdd(cmd, []string{"freight_bot"}); err != nil {
		t.Fatalf("targets add: %v", err)
	}

	cmd, out := newTestCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"Accounts: 1 (1 active)",
		"Targets:  1 (1 enabled)",
		"freight_bot",
		"Console: ✗ Disabled",
		"Status:  Ready",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status output missing %q:\n%s", want, got)
		}
	}
}

func TestConfigInit(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")
	origEnv := os.Getenv("SNAPLOAD_CONFIG")
	os.Setenv("SNAPLOAD_CONFIG", path)
	defer os.Setenv("SNAPLOAD_CONFIG", origEnv)

	cmd, out := newTestCmd()
	if err := runConfigInit(cmd, nil); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("init output = %q", out.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "triggerPhrase") {
		t.Errorf("config file content = %q", string(data))
	}

	cmd, _ = newTestCmd()
	err = runConfigInit(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second init: %v", err)
	}

	configInitForce = true
	defer func() { configInitForce = false }()
	cmd, _ = newTestCmd()
	if err := runConfigInit(cmd, nil); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}

func TestConfigShow(t *testing.T) {
	withTestConfig(t)
	cmd, out := newTestCmd()
	if err := runConfigShow(cmd, nil); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), "\"workflow\"") || !strings.Contains(out.String(), "Появились новые перевозки") {
		t.Errorf("show output = %q", out.String())
	}
}

func TestRunLoginStoresAccount(t *testing.T) {
	cfg := withTestConfig(t)
	cfg.Telegram.APIID = 777
	cfg.Telegram.APIHash = "testhash"

	origLogin := loginWithCodeFn
	defer func() { loginWithCodeFn = origLogin }()
	var gotOpts telegram.Options
	loginWithCodeFn = func(_ context.Context, opts telegram.Options, _ auth.UserAuthenticator) (*telegram.LoginResult, error) {
		gotOpts = opts
		return &telegram.LoginResult{UserID: 1, Username: "ivan", FirstName: "Ivan"}, nil
	}

	loginPhone = "+79990001122"
	loginQR = false
	defer func() { loginPhone = "" }()

	cmd, out := newTestCmd()
	cmd.SetIn(strings.NewReader(""))
	if err := runLogin(cmd, nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out.String(), "Logged in as Ivan (@ivan)") {
		t.Errorf("login output = %q", out.String())
	}
	if gotOpts.APIID != 777 || gotOpts.APIHash != "testhash" {
		t.Errorf("login options = %+v", gotOpts)
	}
	if !strings.HasSuffix(gotOpts.SessionFile, "79990001122.json") {
		t.Errorf("session file = %q", gotOpts.SessionFile)
	}

	st, err := store.NewService(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	acct, err := st.GetAccountByPhone("+79990001122")
	if err != nil {
		t.Fatalf("lookup account: %v", err)
	}
	if acct == nil {
		t.Fatalf("login did not store the account")
	}
	if acct.APIID != 777 || acct.LastConnectedAt == nil {
		t.Errorf("stored account = %+v", acct)
	}
}

func TestRunLoginValidation(t *testing.T) {
	withTestConfig(t)

	loginPhone = "79990001122"
	defer func() { loginPhone = "" }()
	cmd, _ := newTestCmd()
	err := runLogin(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "international format") {
		t.Fatalf("login without +: %v", err)
	}

	loginPhone = "+79990001122"
	loginAPIID = 0
	loginAPIHash = ""
	cmd, _ = newTestCmd()
	err = runLogin(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "api-id and api-hash are required") {
		t.Fatalf("login without credentials: %v", err)
	}
}
