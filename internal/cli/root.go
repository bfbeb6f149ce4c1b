package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/SnapLoad/SnapLoad/internal/cli.version=1.2.3"
	version = "1.4.0"
	logo    = "\n" +
		"  ____                    _                    _\n" +
		" / ___| _ __   __ _ _ __ | |    ___   __ _  __| |\n" +
		" \\___ \\| '_ \\ / _` | '_ \\| |   / _ \\ / _` |/ _` |\n" +
		"  ___) | | | | (_| | |_) | |__| (_) | (_| | (_| |\n" +
		" |____/|_| |_|\\__,_| .__/|_____\\___/ \\__,_|\\__,_|\n" +
		"                   |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "snapload",
	Short: "SnapLoad - Telegram freight booking automation",
	Long:  color.CyanString(logo) + "\nWatches freight bots and books scarce loads the moment they appear.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(operatorsCmd)
	rootCmd.AddCommand(configCmd)
}
