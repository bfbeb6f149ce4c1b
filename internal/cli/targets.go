package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SnapLoad/SnapLoad/internal/store"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage watched freight bots",
}

var targetsAddCmd = &cobra.Command{
	Use:   "add <bot-username>",
	Short: "Watch a bot with one of the registered accounts",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetsAdd,
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched bots and their run statistics",
	RunE:  runTargetsList,
}

var targetsRemoveCmd = &cobra.Command{
	Use:   "remove <bot-username>",
	Short: "Stop watching a bot and drop its statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetsRemove,
}

var targetsEnableCmd = &cobra.Command{
	Use:   "enable <bot-username>",
	Short: "Enable a target",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetsEnable,
}

var targetsDisableCmd = &cobra.Command{
	Use:   "disable <bot-username>",
	Short: "Disable a target without removing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetsDisable,
}

var targetsModeCmd = &cobra.Command{
	Use:   "mode <bot-username> <full_cycle|list_only>",
	Short: "Switch between full booking and list-only",
	Args:  cobra.ExactArgs(2),
	RunE:  runTargetsMode,
}

var targetsSelectCmd = &cobra.Command{
	Use:   "select <bot-username>",
	Short: "Configure which load the second step picks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetsSelect,
}

var targetsAddAccount string
var targetsAddMode string
var targetsSelectKeywords string
var targetsSelectIndex int

func init() {
	targetsAddCmd.Flags().StringVar(&targetsAddAccount, "account", "", "Phone of the account that watches this bot")
	targetsAddCmd.Flags().StringVar(&targetsAddMode, "mode", "", "Workflow mode, full_cycle or list_only")
	_ = targetsAddCmd.MarkFlagRequired("account")

	targetsSelectCmd.Flags().StringVar(&targetsSelectKeywords, "keywords", "", "Comma-separated keywords matched against load labels")
	targetsSelectCmd.Flags().IntVar(&targetsSelectIndex, "index", -1, "Zero-based list position, overrides keywords when set")

	targetsCmd.AddCommand(targetsAddCmd, targetsListCmd, targetsRemoveCmd,
		targetsEnableCmd, targetsDisableCmd, targetsModeCmd, targetsSelectCmd)
}

func runTargetsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	acct, err := mustAccount(st, targetsAddAccount)
	if err != nil {
		return err
	}
	target, err := st.AddTarget(acct.ID, args[0])
	if err != nil {
		return err
	}
	if targetsAddMode != "" {
		if err := st.SetTargetMode(target.ID, targetsAddMode); err != nil {
			return err
		}
		target.Mode = targetsAddMode
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Now watching %s with %s in %s mode\n", target.BotUsername, acct.Phone, target.Mode)
	return nil
}

func runTargetsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	targets, err := st.ListTargets()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No targets. Add one with 'snapload targets add <bot> --account <phone>'")
		return nil
	}
	for i := range targets {
		target := &targets[i]
		acct, err := st.GetAccount(target.AccountID)
		if err != nil {
			return err
		}
		state := "enabled"
		if !target.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s, %s, account %s%s\n",
			target.BotUsername, state, target.Mode, acct.Phone, describeStep2(target))

		stats, err := st.GetRunStats(target.ID)
		if err != nil {
			return err
		}
		if stats.TotalRuns > 0 || stats.TriggersSeen > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  runs %d (%d booked / %d failed), clicks %d, triggers %d\n",
				stats.TotalRuns, stats.SuccessfulRuns, stats.FailedRuns, stats.TotalClicks, stats.TriggersSeen)
		}
		if stats.LastError != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  last error: %s\n", stats.LastError)
		}
	}
	return nil
}

func describeStep2(target *store.Target) string {
	if target.Step2Index != nil {
		return fmt.Sprintf(", picks load #%d", *target.Step2Index)
	}
	if kw := target.Step2KeywordList(); len(kw) > 0 {
		return ", picks by keywords " + strings.Join(kw, "/")
	}
	return ""
}

func runTargetsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	target, err := mustTarget(st, args[0])
	if err != nil {
		return err
	}
	if err := st.RemoveTarget(target.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped watching %s\n", target.BotUsername)
	return nil
}

func runTargetsEnable(cmd *cobra.Command, args []string) error {
	return setTargetEnabled(cmd, args[0], true)
}

func runTargetsDisable(cmd *cobra.Command, args []string) error {
	return setTargetEnabled(cmd, args[0], false)
}

func setTargetEnabled(cmd *cobra.Command, botUsername string, enabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	target, err := mustTarget(st, botUsername)
	if err != nil {
		return err
	}
	if err := st.SetTargetEnabled(target.ID, enabled); err != nil {
		return err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Target %s %s\n", target.BotUsername, state)
	return nil
}

func runTargetsMode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	target, err := mustTarget(st, args[0])
	if err != nil {
		return err
	}
	if err := st.SetTargetMode(target.ID, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Target %s switched to %s\n", target.BotUsername, args[1])
	return nil
}

func runTargetsSelect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	target, err := mustTarget(st, args[0])
	if err != nil {
		return err
	}

	var keywords []string
	for _, kw := range strings.Split(targetsSelectKeywords, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	var index *int
	if targetsSelectIndex >= 0 {
		idx := targetsSelectIndex
		index = &idx
	}
	if len(keywords) == 0 && index == nil {
		return fmt.Errorf("pass --keywords and/or --index (got neither)")
	}

	if err := st.SetTargetStep2(target.ID, keywords, index); err != nil {
		return err
	}
	if index != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Target %s picks load #%d\n", target.BotUsername, *index)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Target %s picks by keywords %s\n", target.BotUsername, strings.Join(keywords, "/"))
	}
	return nil
}
