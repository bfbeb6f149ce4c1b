package cli

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SnapLoad/SnapLoad/internal/transport/telegram"
	"github.com/gotd/td/telegram/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize a Telegram account and store it",
	RunE:  runLogin,
}

var loginPhone string
var loginAPIID int
var loginAPIHash string
var loginQR bool

var loginWithCodeFn = telegram.LoginWithCode
var loginWithQRFn = telegram.LoginWithQR

func init() {
	loginCmd.Flags().StringVar(&loginPhone, "phone", "", "Phone number in international format, e.g. +79990001122")
	loginCmd.Flags().IntVar(&loginAPIID, "api-id", 0, "Telegram API ID (defaults to config)")
	loginCmd.Flags().StringVar(&loginAPIHash, "api-hash", "", "Telegram API hash (defaults to config)")
	loginCmd.Flags().BoolVar(&loginQR, "qr", false, "Log in by scanning a QR code instead of a code by SMS")
	_ = loginCmd.MarkFlagRequired("phone")
}

func runLogin(cmd *cobra.Command, args []string) error {
	printHeader("🔑 SnapLoad Login")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	phone := strings.TrimSpace(loginPhone)
	if !strings.HasPrefix(phone, "+") {
		return fmt.Errorf("phone must be in international format starting with +, got %q", phone)
	}
	apiID := loginAPIID
	if apiID == 0 {
		apiID = cfg.Telegram.APIID
	}
	apiHash := strings.TrimSpace(loginAPIHash)
	if apiHash == "" {
		apiHash = cfg.Telegram.APIHash
	}
	if apiID == 0 || apiHash == "" {
		return fmt.Errorf("api-id and api-hash are required, pass flags or set telegram.apiId in the config (get them at my.telegram.org)")
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sessionFile := sessionFileName(phone)
	opts := telegram.Options{
		Phone:       phone,
		APIID:       apiID,
		APIHash:     apiHash,
		SessionFile: filepath.Join(cfg.SessionsDir(), sessionFile),
		DeviceModel: cfg.Telegram.DeviceModel,
	}

	reader := bufio.NewReader(cmd.InOrStdin())
	promptLine := func(prompt string) (string, error) {
		fmt.Fprint(cmd.OutOrStdout(), prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	codePrompt := func(_ context.Context) (string, error) {
		return promptLine("Enter the login code: ")
	}
	passwordPrompt := func(_ context.Context) (string, error) {
		return promptLine("Enter the two-step verification password: ")
	}

	var res *telegram.LoginResult
	if loginQR {
		fmt.Fprintf(cmd.OutOrStdout(), "QR code will be written to %s\n", cfg.QRPath())
		res, err = loginWithQRFn(cmd.Context(), opts, cfg.QRPath(), passwordPrompt)
	} else {
		var authenticator auth.UserAuthenticator = telegram.NewPromptAuth(phone, codePrompt, passwordPrompt)
		res, err = loginWithCodeFn(cmd.Context(), opts, authenticator)
	}
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	acct, err := st.GetAccountByPhone(phone)
	if err != nil {
		return err
	}
	if acct == nil {
		acct, err = st.AddAccount(phone, apiID, apiHash, sessionFile)
		if err != nil {
			return fmt.Errorf("store account: %w", err)
		}
	}
	if err := st.TouchAccountConnected(acct.ID); err != nil {
		return err
	}

	name := res.FirstName
	if res.Username != "" {
		name = fmt.Sprintf("%s (@%s)", name, res.Username)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", name)
	fmt.Fprintf(cmd.OutOrStdout(), "Session stored at %s\n", opts.SessionFile)
	return nil
}
