package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var operatorsCmd = &cobra.Command{
	Use:   "operators",
	Short: "Manage Slack users allowed to drive the console",
}

var operatorsAddCmd = &cobra.Command{
	Use:   "add <slack-user-id>",
	Short: "Authorize a Slack user",
	Args:  cobra.ExactArgs(1),
	RunE:  runOperatorsAdd,
}

var operatorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List authorized operators",
	RunE:  runOperatorsList,
}

var operatorsRemoveCmd = &cobra.Command{
	Use:   "remove <slack-user-id>",
	Short: "Revoke a Slack user's console access",
	Args:  cobra.ExactArgs(1),
	RunE:  runOperatorsRemove,
}

var operatorsAddName string

func init() {
	operatorsAddCmd.Flags().StringVar(&operatorsAddName, "name", "", "Display name shown in listings")
	operatorsCmd.AddCommand(operatorsAddCmd, operatorsListCmd, operatorsRemoveCmd)
}

func runOperatorsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	op, err := st.AddOperator(args[0], operatorsAddName)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Operator %s authorized\n", op.SlackUserID)
	return nil
}

func runOperatorsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	operators, err := st.ListOperators()
	if err != nil {
		return err
	}
	if len(operators) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No operators. The console rejects everyone until one is added.")
		return nil
	}
	for _, op := range operators {
		name := op.DisplayName
		if name == "" {
			name = "(no name)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s, added %s\n", op.SlackUserID, name, op.AddedAt.Format("2006-01-02"))
	}
	return nil
}

func runOperatorsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.RemoveOperator(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Operator %s revoked\n", args[0])
	return nil
}
