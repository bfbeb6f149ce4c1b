package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ SnapLoad Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	printHeader("📊 SnapLoad Status")
	fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if path, err := configPathFn(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Config:  ✓ Found ("+path+")")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Config:  ✗ Not found (run 'snapload config init' first)")
		}
	}

	if cfg.Telegram.APIID != 0 && cfg.Telegram.APIHash != "" {
		fmt.Fprintln(cmd.OutOrStdout(), "API Credentials: ✓ Found")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "API Credentials: ✗ Not set (get them at my.telegram.org)")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Console: "+onOff(cfg.Console.Enabled))
	fmt.Fprintln(cmd.OutOrStdout(), "Feed:    "+onOff(cfg.Feed.Enabled))

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	accounts, err := st.ListAccounts()
	if err != nil {
		return err
	}
	active := 0
	for _, acct := range accounts {
		if acct.IsActive {
			active++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Accounts: %d (%d active)\n", len(accounts), active)

	targets, err := st.ListTargets()
	if err != nil {
		return err
	}
	enabled := 0
	for i := range targets {
		if targets[i].Enabled {
			enabled++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Targets:  %d (%d enabled)\n", len(targets), enabled)

	for i := range targets {
		target := &targets[i]
		stats, err := st.GetRunStats(target.ID)
		if err != nil {
			return err
		}
		state := "enabled"
		if !target.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s, %s, runs %d (%d booked / %d failed)\n",
			target.BotUsername, state, target.Mode,
			stats.TotalRuns, stats.SuccessfulRuns, stats.FailedRuns)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Status:  Ready")
	return nil
}
