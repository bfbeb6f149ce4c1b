package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage Telegram accounts",
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <phone>",
	Short: "Register an account without logging in yet",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered accounts",
	RunE:  runAccountsList,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <phone>",
	Short: "Remove an account and all its targets",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable <phone>",
	Short: "Mark an account active",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsEnable,
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable <phone>",
	Short: "Mark an account inactive without removing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsDisable,
}

var accountsAddAPIID int
var accountsAddAPIHash string

func init() {
	accountsAddCmd.Flags().IntVar(&accountsAddAPIID, "api-id", 0, "Telegram API ID for this account (defaults to config)")
	accountsAddCmd.Flags().StringVar(&accountsAddAPIHash, "api-hash", "", "Telegram API hash for this account (defaults to config)")
	accountsCmd.AddCommand(accountsAddCmd, accountsListCmd, accountsRemoveCmd, accountsEnableCmd, accountsDisableCmd)
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	phone := strings.TrimSpace(args[0])
	if !strings.HasPrefix(phone, "+") {
		return fmt.Errorf("phone must be in international format starting with +, got %q", phone)
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	acct, err := st.AddAccount(phone, accountsAddAPIID, accountsAddAPIHash, sessionFileName(phone))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account %s added (id %d)\n", acct.Phone, acct.ID)
	fmt.Fprintln(cmd.OutOrStdout(), "Authorize it with 'snapload login --phone "+acct.Phone+"'")
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	accounts, err := st.ListAccounts()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No accounts. Add one with 'snapload login --phone +...'")
		return nil
	}
	for _, acct := range accounts {
		state := "active"
		if !acct.IsActive {
			state = "inactive"
		}
		connected := "never connected"
		if acct.LastConnectedAt != nil {
			connected = "last connected " + acct.LastConnectedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s, %s, session %s\n", acct.Phone, state, connected, acct.SessionFile)
	}
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	acct, err := mustAccount(st, args[0])
	if err != nil {
		return err
	}
	if err := st.RemoveAccount(acct.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account %s removed along with its targets\n", acct.Phone)
	return nil
}

func runAccountsEnable(cmd *cobra.Command, args []string) error {
	return setAccountActive(cmd, args[0], true)
}

func runAccountsDisable(cmd *cobra.Command, args []string) error {
	return setAccountActive(cmd, args[0], false)
}

func setAccountActive(cmd *cobra.Command, phone string, active bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	acct, err := mustAccount(st, phone)
	if err != nil {
		return err
	}
	if err := st.SetAccountActive(acct.ID, active); err != nil {
		return err
	}
	state := "active"
	if !active {
		state = "inactive"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account %s is now %s\n", acct.Phone, state)
	return nil
}
