package telegram

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/CristianCarreira/aipal/internal/bus"
	"github.com/CristianCarreira/aipal/internal/channels"
)

// handleMessage processes one incoming Telegram message: access
// control, forum topic detection, command dispatch, media resolution,
// and finally publication on the bus.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	if !c.IsAllowed(user.ID) {
		slog.Warn("telegram message dropped: sender not in allow-list",
			"user_id", user.ID, "username", user.Username, "chat_id", message.Chat.ID)
		return
	}
	if !c.AllowRate(user.ID) {
		slog.Warn("telegram message dropped: sender rate limited", "user_id", user.ID)
		return
	}

	chatID := message.Chat.ID
	topicID := resolveTopicID(message)

	slog.Debug("telegram message received",
		"chat_id", chatID,
		"topic_id", topicID,
		"user_id", user.ID,
		"text_preview", channels.Truncate(message.Text, 60),
	)

	// Slash commands are answered inline, never queued.
	if strings.HasPrefix(message.Text, "/") {
		c.handleCommand(ctx, message, chatID, topicID)
		return
	}

	// Media first: a photo with a caption is an image event carrying
	// the caption, not a text event.
	if inbound, ok := c.resolveMedia(ctx, message, chatID, topicID, user.ID); ok {
		c.publish(ctx, inbound)
		return
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	c.publish(ctx, bus.InboundMessage{
		ChatID:  chatID,
		TopicID: topicID,
		UserID:  user.ID,
		Text:    text,
	})
}

func (c *Channel) publish(ctx context.Context, msg bus.InboundMessage) {
	if c.Bus().PublishInbound(msg) {
		return
	}
	slog.Warn("inbound queue full, message dropped", "chat_id", msg.ChatID, "topic_id", msg.TopicID)
	c.replyText(ctx, msg.ChatID, msg.TopicID, "Too many pending messages, please try again in a moment.")
}

// resolveTopicID extracts the forum topic. Non-forum groups reuse
// message_thread_id for reply context, which is not a topic; forum
// messages without one belong to General.
func resolveTopicID(message *telego.Message) int {
	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	if !isGroup || !message.Chat.IsForum {
		return 0
	}
	if message.MessageThreadID == 0 {
		return generalTopicID
	}
	return message.MessageThreadID
}

// isServiceMessage reports whether the message carries no user content
// (member joined, title changed, pinned, ...).
func isServiceMessage(message *telego.Message) bool {
	if message.Text != "" || message.Caption != "" {
		return false
	}
	if message.Photo != nil || message.Sticker != nil || message.Audio != nil ||
		message.Voice != nil || message.Document != nil || message.Video != nil ||
		message.VideoNote != nil || message.Animation != nil {
		return false
	}
	return true
}
