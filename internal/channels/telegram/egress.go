package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/CristianCarreira/aipal/internal/bus"
	"github.com/CristianCarreira/aipal/internal/channels"
	"github.com/CristianCarreira/aipal/internal/markdown"
)

// telegramMessageLimit is the Bot API text length ceiling.
const telegramMessageLimit = 4096

// Send delivers an outbound message: agent-emitted attachment tokens
// are extracted first, the remaining text is rendered to Telegram HTML
// and chunked, then any attachments follow.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	text, refs := channels.ExtractMediaTokens(msg.Text, c.attachmentsDir)

	if text != "" {
		rendered := markdown.ToTelegramHTML(text)
		for _, chunk := range chunkMessage(rendered, telegramMessageLimit) {
			if err := c.sendChunk(ctx, msg.ChatID, msg.TopicID, chunk, text); err != nil {
				return err
			}
		}
	}

	if msg.Image != "" {
		refs = append(refs, channels.MediaRef{Kind: "image", Path: msg.Image})
	}
	if msg.Document != "" {
		refs = append(refs, channels.MediaRef{Kind: "document", Path: msg.Document})
	}
	for _, ref := range refs {
		if err := c.sendAttachment(ctx, msg.ChatID, msg.TopicID, ref); err != nil {
			slog.Warn("attachment send failed", "kind", ref.Kind, "path", ref.Path, "error", err)
		}
	}
	return nil
}

// sendChunk sends one HTML chunk, falling back to the plain text when
// Telegram rejects the markup.
func (c *Channel) sendChunk(ctx context.Context, chatID int64, topicID int, htmlChunk, plain string) error {
	params := tu.Message(tu.ID(chatID), htmlChunk)
	params.ParseMode = telego.ModeHTML
	if threadID := resolveThreadIDForSend(topicID); threadID > 0 {
		params.MessageThreadID = threadID
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		slog.Warn("html send rejected, retrying as plain text", "chat_id", chatID, "error", err)
		return c.replyText(ctx, chatID, topicID, plain)
	}
	return nil
}

// replyText sends unrendered text, chunked.
func (c *Channel) replyText(ctx context.Context, chatID int64, topicID int, text string) error {
	for _, chunk := range chunkMessage(text, telegramMessageLimit) {
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID := resolveThreadIDForSend(topicID); threadID > 0 {
			params.MessageThreadID = threadID
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (c *Channel) sendAttachment(ctx context.Context, chatID int64, topicID int, ref channels.MediaRef) error {
	f, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	threadID := resolveThreadIDForSend(topicID)
	switch ref.Kind {
	case "image":
		params := &telego.SendPhotoParams{ChatID: tu.ID(chatID), Photo: tu.File(f)}
		params.MessageThreadID = threadID
		_, err = c.bot.SendPhoto(ctx, params)
	default:
		params := &telego.SendDocumentParams{ChatID: tu.ID(chatID), Document: tu.File(f)}
		params.MessageThreadID = threadID
		_, err = c.bot.SendDocument(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("send %s %s: %w", ref.Kind, filepath.Base(ref.Path), err)
	}
	return nil
}

// Typing refreshes the typing indicator. The General topic id is
// accepted here, unlike in send calls.
func (c *Channel) Typing(chatID int64, topicID int) {
	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if topicID > 0 {
		action.MessageThreadID = topicID
	}
	if err := c.bot.SendChatAction(context.Background(), action); err != nil {
		slog.Debug("typing indicator failed", "chat_id", chatID, "error", err)
	}
}

// chunkMessage splits text at the Telegram limit, preferring paragraph
// boundaries, then line boundaries, then a hard cut.
func chunkMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		block := para + "\n\n"
		if current.Len()+len(block) > limit {
			flush()
		}
		if len(block) <= limit {
			current.WriteString(block)
			continue
		}
		// Paragraph alone exceeds the limit: fall back to lines, then
		// to hard cuts.
		for _, line := range strings.Split(para, "\n") {
			piece := line + "\n"
			if current.Len()+len(piece) > limit {
				flush()
			}
			for len(piece) > limit {
				chunks = append(chunks, piece[:limit])
				piece = piece[limit:]
			}
			current.WriteString(piece)
		}
		current.WriteString("\n")
	}
	flush()
	return chunks
}
