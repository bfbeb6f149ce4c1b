// Package telegram implements the transport contract over MTProto using
// gotd. One client watches one bot chat through one logged-in account.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/session"
	tdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/SnapLoad/SnapLoad/internal/match"
	"github.com/SnapLoad/SnapLoad/internal/transport"
)

// Keeps ordering under bursts of edits without dropping; senders block if
// the engine falls this far behind.
const eventBuffer = 256

// Options identifies the account, the session file and the watched bot.
type Options struct {
	Phone       string
	APIID       int
	APIHash     string
	SessionFile string
	BotUsername string
	DeviceModel string
}

// Client connects one account and streams the target bot's messages and
// edits as normalized events. A Client is started at most once; build a
// fresh one to reconnect.
type Client struct {
	opts   Options
	events chan transport.Event

	running atomic.Bool

	mu    sync.Mutex
	api   *tg.Client
	peer  tg.InputPeerClass
	botID int64

	runCancel context.CancelFunc
	done      chan struct{}
}

func New(opts Options) *Client {
	opts.BotUsername = strings.TrimPrefix(strings.TrimSpace(opts.BotUsername), "@")
	return &Client{
		opts:   opts,
		events: make(chan transport.Event, eventBuffer),
	}
}

func (c *Client) Name() string {
	return fmt.Sprintf("telegram:%s", c.opts.Phone)
}

func (c *Client) Events() <-chan transport.Event {
	return c.events
}

// Start connects, verifies the stored session is authorized, resolves the
// bot peer and begins streaming events. It returns once the client is
// usable or with the connect error.
func (c *Client) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("telegram client already started")
	}
	if err := os.MkdirAll(filepath.Dir(c.opts.SessionFile), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(c.onNewMessage)
	dispatcher.OnNewChannelMessage(c.onNewChannelMessage)
	dispatcher.OnEditMessage(c.onEditMessage)
	dispatcher.OnEditChannelMessage(c.onEditChannelMessage)

	client := newTelegramClient(c.opts, dispatcher)

	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.done = make(chan struct{})
	ready := make(chan error, 1)

	go func() {
		defer close(c.done)
		defer close(c.events)
		err := client.Run(runCtx, func(cctx context.Context) error {
			status, err := client.Auth().Status(cctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}
			if !status.Authorized {
				return fmt.Errorf("account %s is not authorized, run snapload login", c.opts.Phone)
			}
			api := client.API()
			peer, botID, err := resolveBot(cctx, api, c.opts.BotUsername)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.api = api
			c.peer = peer
			c.botID = botID
			c.mu.Unlock()
			slog.Info("Telegram client connected", "account", c.opts.Phone, "bot", c.opts.BotUsername, "bot_id", botID)
			ready <- nil
			<-cctx.Done()
			return nil
		})
		if err != nil && runCtx.Err() == nil {
			slog.Error("Telegram client stopped", "account", c.opts.Phone, "error", err)
		}
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-c.done
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		<-c.done
		return ctx.Err()
	}
}

// Stop disconnects and closes the event channel.
func (c *Client) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	if c.done != nil {
		<-c.done
	}
	return nil
}

// Press answers the bot's inline control with the given callback payload.
// MTProto failures are mapped to the transport error taxonomy.
func (c *Client) Press(ctx context.Context, messageID int64, payload []byte) error {
	c.mu.Lock()
	api, peer := c.api, c.peer
	c.mu.Unlock()
	if api == nil {
		return errors.New("telegram client is not connected")
	}

	req := &tg.MessagesGetBotCallbackAnswerRequest{
		Peer:  peer,
		MsgID: int(messageID),
	}
	req.SetData(payload)
	if _, err := api.MessagesGetBotCallbackAnswer(ctx, req); err != nil {
		return mapPressError(err)
	}
	return nil
}

func newTelegramClient(opts Options, handler tdclient.UpdateHandler) *tdclient.Client {
	device := tdclient.DeviceConfig{}
	if opts.DeviceModel != "" {
		device.DeviceModel = opts.DeviceModel
	}
	options := tdclient.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionFile},
		Device:         device,
	}
	if handler != nil {
		options.UpdateHandler = handler
	}
	return tdclient.NewClient(opts.APIID, opts.APIHash, options)
}

func resolveBot(ctx context.Context, api *tg.Client, username string) (tg.InputPeerClass, int64, error) {
	res, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, 0, fmt.Errorf("resolve bot %s: %w", username, err)
	}
	for _, uc := range res.Users {
		user, ok := uc.(*tg.User)
		if !ok {
			continue
		}
		if strings.EqualFold(user.Username, username) || len(res.Users) == 1 {
			return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, user.ID, nil
		}
	}
	return nil, 0, fmt.Errorf("bot %s did not resolve to a user", username)
}

// ---------- Update normalization ----------

func (c *Client) onNewMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateNewMessage) error {
	c.deliver(ctx, transport.KindNew, u.Message)
	return nil
}

func (c *Client) onNewChannelMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateNewChannelMessage) error {
	c.deliver(ctx, transport.KindNew, u.Message)
	return nil
}

func (c *Client) onEditMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateEditMessage) error {
	c.deliver(ctx, transport.KindEdited, u.Message)
	return nil
}

func (c *Client) onEditChannelMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateEditChannelMessage) error {
	c.deliver(ctx, transport.KindEdited, u.Message)
	return nil
}

func (c *Client) deliver(ctx context.Context, kind transport.EventKind, mc tg.MessageClass) {
	msg, ok := mc.(*tg.Message)
	if !ok {
		return
	}
	if msg.Out {
		return
	}
	c.mu.Lock()
	botID := c.botID
	c.mu.Unlock()
	if peerChatID(msg.PeerID) != botID {
		return
	}
	ev := transport.Event{
		Kind: kind,
		Msg: transport.Message{
			ID:       int64(msg.ID),
			ChatID:   peerChatID(msg.PeerID),
			Text:     msg.Message,
			Controls: extractControls(msg.ReplyMarkup),
		},
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func peerChatID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// extractControls flattens the inline keyboard into positioned controls.
// Only callback buttons are clickable for our purposes; URL and other
// button kinds are skipped.
func extractControls(markup tg.ReplyMarkupClass) []match.Control {
	m, ok := markup.(*tg.ReplyInlineMarkup)
	if !ok {
		return nil
	}
	var out []match.Control
	for row, r := range m.Rows {
		for col, b := range r.Buttons {
			cb, ok := b.(*tg.KeyboardButtonCallback)
			if !ok {
				continue
			}
			out = append(out, match.Control{
				Label:   cb.Text,
				Payload: cb.Data,
				Row:     row,
				Col:     col,
			})
		}
	}
	return out
}

// ---------- Error mapping ----------

func mapPressError(err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &transport.FloodWaitError{Wait: wait}
	}
	if tgerr.Is(err, "MESSAGE_ID_INVALID") {
		return fmt.Errorf("%w: message id rejected", transport.ErrStaleMessage)
	}
	if tgerr.Is(err, "DATA_INVALID", "BOT_INVALID", "CHANNEL_INVALID") {
		return fmt.Errorf("%w: callback rejected", transport.ErrInvalidReference)
	}
	if tgerr.Is(err, "BOT_RESPONSE_TIMEOUT") {
		return fmt.Errorf("bot answer timed out: %w", context.DeadlineExceeded)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("press timed out: %w", context.DeadlineExceeded)
	}
	return err
}
