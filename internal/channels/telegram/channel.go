// Package telegram connects the dispatcher to the Telegram Bot API via
// long polling: inbound messages and media go onto the bus, replies
// come back through Send with HTML rendering and chunking.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"

	"github.com/CristianCarreira/aipal/internal/bus"
	"github.com/CristianCarreira/aipal/internal/channels"
	"github.com/CristianCarreira/aipal/internal/config"
)

// Channel is the Telegram transport.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	cfg            config.TelegramConfig
	stt            config.STTConfig
	attachmentsDir string
	services       *Services

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// Options wires a Channel.
type Options struct {
	Telegram       config.TelegramConfig
	STT            config.STTConfig
	AttachmentsDir string
	Bus            *bus.MessageBus
	Services       *Services
}

// New creates the Telegram channel. The token must already be present;
// the caller treats a missing token as fatal.
func New(opts Options) (*Channel, error) {
	var botOpts []telego.BotOption

	if opts.Telegram.Proxy != "" {
		proxyURL, err := url.Parse(opts.Telegram.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", opts.Telegram.Proxy, err)
		}
		botOpts = append(botOpts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(opts.Telegram.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", opts.Bus, opts.Telegram.AllowedUsers),
		bot:            bot,
		cfg:            opts.Telegram,
		stt:            opts.STT,
		attachmentsDir: opts.AttachmentsDir,
		services:       opts.Services,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	// Register the slash-command menu with retry.
	go c.syncMenuCommands(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				} else {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine so
// Telegram releases the getUpdates lock before a restart.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// menuCommands is the slash-command menu registered with Telegram.
var menuCommands = []telego.BotCommand{
	{Command: "start", Description: "Greet and show the active agent"},
	{Command: "agent", Description: "Show or switch the agent for this topic"},
	{Command: "model", Description: "Show or override the agent's model"},
	{Command: "thinking", Description: "Show or set the thinking level"},
	{Command: "reset", Description: "Start a fresh conversation thread"},
	{Command: "memory", Description: "Show the curated memory digest"},
	{Command: "usage", Description: "Show today's token usage"},
	{Command: "status", Description: "Show dispatcher status"},
	{Command: "cron", Description: "Manage scheduled jobs"},
}

func (c *Channel) syncMenuCommands(ctx context.Context) {
	for attempt := 1; attempt <= 3; attempt++ {
		err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: menuCommands})
		if err == nil {
			slog.Info("telegram menu commands synced")
			return
		}
		slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt*5) * time.Second):
			}
		}
	}
}

// generalTopicID is the implicit "General" topic in forum supergroups.
// Telegram rejects send calls that name it explicitly.
const generalTopicID = 1

// resolveThreadIDForSend maps our topic id onto the value Telegram
// accepts in send/edit calls. General (1) must be omitted.
func resolveThreadIDForSend(topicID int) int {
	if topicID == generalTopicID {
		return 0
	}
	return topicID
}
