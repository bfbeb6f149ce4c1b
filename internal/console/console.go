// Package console runs the Slack operator console: slash commands for
// watching and steering the fleet, plus booked-load notifications.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/SnapLoad/SnapLoad/internal/config"
	"github.com/SnapLoad/SnapLoad/internal/engine"
	"github.com/SnapLoad/SnapLoad/internal/store"
)

// Fleet is the slice of the registry the console drives. Primitive
// parameters only so the registry can implement it without knowing us.
type Fleet interface {
	IsRunning(targetID int64) bool
	Pause(botUsername string) error
	Resume(botUsername string) error
	SetMode(botUsername, mode string) error
}

// slackAPI is the subset of *slack.Client the console uses.
type slackAPI interface {
	AuthTest() (*slack.AuthTestResponse, error)
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	PostEphemeral(channelID, userID string, options ...slack.MsgOption) (string, error)
}

type Console struct {
	cfg    config.ConsoleConfig
	store  *store.Service
	api    slackAPI
	socket *socketmode.Client
	fleet  Fleet
	cancel context.CancelFunc
}

func New(cfg config.ConsoleConfig, st *store.Service) (*Console, error) {
	c := &Console{cfg: cfg, store: st}
	if !cfg.Enabled {
		return c, nil
	}
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("console enabled but bot token is empty")
	}
	if !strings.HasPrefix(strings.TrimSpace(cfg.AppToken), "xapp-") {
		return nil, fmt.Errorf("console app token must start with xapp-")
	}
	api := slack.New(
		cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	c.api = api
	c.socket = socketmode.New(api)
	return c, nil
}

// SetFleet wires the registry in after both sides are constructed.
func (c *Console) SetFleet(f Fleet) { c.fleet = f }

func (c *Console) Enabled() bool { return c.cfg.Enabled }

// Start connects Socket Mode and begins handling events. A disabled
// console starts as a no-op.
func (c *Console) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	if authResp, err := c.api.AuthTest(); err != nil {
		slog.Warn("Console auth test failed", "error", err)
	} else {
		slog.Info("Console connected", "bot_user", authResp.UserID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		for evt := range c.socket.Events {
			c.handleEvent(evt)
		}
	}()
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Console socket mode stopped", "error", err)
		}
	}()
	return nil
}

func (c *Console) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Console) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Debug("Console connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		slog.Info("Console connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		slog.Warn("Console connection error", "error", evt.Data)

	case socketmode.EventTypeEventsAPI:
		// The console only speaks slash commands; events are acked and dropped.
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}

	case socketmode.EventTypeSlashCommand:
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		cmd, ok := evt.Data.(slack.SlashCommand)
		if ok {
			c.handleSlashCommand(cmd)
		}
	}
}

// ---------- Slash commands ----------

func (c *Console) handleSlashCommand(cmd slack.SlashCommand) {
	if cmd.Command != "/snapload" {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("Unknown command: %s", cmd.Command))
		return
	}
	authorized, err := c.store.IsOperatorAuthorized(cmd.UserID)
	if err != nil {
		slog.Error("Operator check failed", "user", cmd.UserID, "error", err)
		c.postEphemeral(cmd.ChannelID, cmd.UserID, "Operator check failed, try again.")
		return
	}
	if !authorized {
		slog.Warn("Unauthorized console command", "user", cmd.UserID, "text", cmd.Text)
		c.postEphemeral(cmd.ChannelID, cmd.UserID, "You are not an authorized operator.")
		return
	}

	args := strings.Fields(cmd.Text)
	sub := "status"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}
	switch sub {
	case "status":
		c.replyStatus(cmd)
	case "pause":
		c.replyFleetAction(cmd, args, "pause", func(bot string) error { return c.fleet.Pause(bot) })
	case "resume":
		c.replyFleetAction(cmd, args, "resume", func(bot string) error { return c.fleet.Resume(bot) })
	case "mode":
		c.replyMode(cmd, args)
	default:
		c.postEphemeral(cmd.ChannelID, cmd.UserID, helpText)
	}
}

const helpText = "Usage: `/snapload status` | `/snapload pause <bot>` | `/snapload resume <bot>` | `/snapload mode <bot> full_cycle|list_only`"

func (c *Console) replyStatus(cmd slack.SlashCommand) {
	targets, err := c.store.ListTargets()
	if err != nil {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("Status failed: %v", err))
		return
	}
	if len(targets) == 0 {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, "No targets configured.")
		return
	}

	var b strings.Builder
	for _, t := range targets {
		st, err := c.store.GetRunStats(t.ID)
		if err != nil {
			c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("Status failed: %v", err))
			return
		}
		fmt.Fprintf(&b, "*%s*: %s, %s\n", t.BotUsername, c.targetState(t), t.Mode)
		fmt.Fprintf(&b, "  runs %d (%d booked / %d failed, %s), clicks %d, triggers %d\n",
			st.TotalRuns, st.SuccessfulRuns, st.FailedRuns, successRate(st), st.TotalClicks, st.TriggersSeen)
		if st.LastError != "" {
			fmt.Fprintf(&b, "  last error: %s\n", st.LastError)
		}
	}
	c.postEphemeral(cmd.ChannelID, cmd.UserID, b.String())
}

func (c *Console) targetState(t store.Target) string {
	if !t.Enabled {
		return "paused"
	}
	if c.fleet != nil && c.fleet.IsRunning(t.ID) {
		return "running"
	}
	return "stopped"
}

func successRate(st *store.RunStats) string {
	if st.TotalRuns == 0 {
		return "no runs"
	}
	return fmt.Sprintf("%.0f%% success", float64(st.SuccessfulRuns)/float64(st.TotalRuns)*100)
}

func (c *Console) replyFleetAction(cmd slack.SlashCommand, args []string, verb string, action func(string) error) {
	if c.fleet == nil {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, "Fleet is not running.")
		return
	}
	if len(args) < 2 {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("Usage: `/snapload %s <bot>`", verb))
		return
	}
	bot := args[1]
	if err := action(bot); err != nil {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("%s %s failed: %v", verb, bot, err))
		return
	}
	slog.Info("Console fleet action", "action", verb, "target", bot, "operator", cmd.UserID)
	c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("%sd %s", verb, bot))
}

func (c *Console) replyMode(cmd slack.SlashCommand, args []string) {
	if c.fleet == nil {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, "Fleet is not running.")
		return
	}
	if len(args) < 3 {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, "Usage: `/snapload mode <bot> full_cycle|list_only`")
		return
	}
	bot, mode := args[1], strings.ToLower(args[2])
	if mode != store.ModeFullCycle && mode != store.ModeListOnly {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("Invalid mode %q, use full_cycle or list_only.", mode))
		return
	}
	if err := c.fleet.SetMode(bot, mode); err != nil {
		c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("mode %s failed: %v", bot, err))
		return
	}
	slog.Info("Console mode change", "target", bot, "mode", mode, "operator", cmd.UserID)
	c.postEphemeral(cmd.ChannelID, cmd.UserID, fmt.Sprintf("%s now runs %s", bot, mode))
}

// ---------- Notifications ----------

// NotifyRunFinished pushes the run outcome to the status channel. Quietly
// does nothing when the console or the channel is not configured.
func (c *Console) NotifyRunFinished(report engine.RunReport) {
	if !c.cfg.Enabled || strings.TrimSpace(c.cfg.StatusChannel) == "" {
		return
	}
	var text string
	switch {
	case report.Booked:
		text = fmt.Sprintf(":white_check_mark: *%s*: load booked in %s (run %s)",
			report.Target, report.Duration.Truncate(time.Millisecond), report.RunID)
	case report.OK:
		text = fmt.Sprintf(":mag: *%s*: %s (run %s)", report.Target, report.Reason, report.RunID)
	default:
		text = fmt.Sprintf(":x: *%s*: run failed: %s", report.Target, report.Reason)
	}
	c.post(c.cfg.StatusChannel, text)
}

func (c *Console) post(channelID, text string) {
	if c.api == nil {
		return
	}
	_, _, err := c.api.PostMessage(channelID, slack.MsgOptionText(text, false))
	if err != nil {
		slog.Warn("Console post failed", "channel", channelID, "error", err)
	}
}

func (c *Console) postEphemeral(channelID, userID, text string) {
	if c.api == nil {
		return
	}
	_, err := c.api.PostEphemeral(channelID, userID, slack.MsgOptionText(text, false))
	if err != nil {
		slog.Warn("Console ephemeral post failed", "channel", channelID, "user", userID, "error", err)
	}
}
