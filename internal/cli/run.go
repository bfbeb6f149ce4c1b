package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SnapLoad/SnapLoad/internal/console"
	"github.com/SnapLoad/SnapLoad/internal/feed"
	"github.com/SnapLoad/SnapLoad/internal/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the booking fleet until interrupted",
	RunE:  runRun,
}

var runSignalNotify = signal.Notify
var runSignalStop = signal.Stop

func runRun(cmd *cobra.Command, args []string) error {
	printHeader("🚚 SnapLoad Fleet")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pub := feed.NewPublisher(cfg.Feed)
	defer pub.Close()

	cons, err := console.New(cfg.Console, st)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}

	reg := registry.New(registry.Options{
		Config:  cfg,
		Store:   st,
		Feed:    pub,
		Console: cons,
	})
	cons.SetFleet(reg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := cons.Start(ctx); err != nil {
		return fmt.Errorf("start console: %w", err)
	}
	if err := reg.Start(ctx); err != nil {
		_ = cons.Stop()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	runSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer runSignalStop(sigChan)

	fmt.Println("Fleet running. Press Ctrl+C to stop.")
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	fmt.Println("Shutting down...")
	if err := reg.Stop(); err != nil {
		slog.Warn("registry stop", "error", err)
	}
	if err := cons.Stop(); err != nil {
		slog.Warn("console stop", "error", err)
	}
	for _, ts := range reg.Statuses() {
		slog.Info("target summary",
			"target", ts.Target.BotUsername,
			"runs", ts.Engine.Workflow.TotalRuns,
			"booked", ts.Engine.Workflow.SuccessfulRuns,
			"failed", ts.Engine.Workflow.FailedRuns,
			"clicks", ts.Engine.Executor.Clicks,
			"avg_cycle", ts.Engine.AvgCycle)
	}
	return nil
}
