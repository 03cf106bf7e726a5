package cmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CristianCarreira/aipal/internal/bus"
	"github.com/CristianCarreira/aipal/internal/channels"
	"github.com/CristianCarreira/aipal/internal/channels/telegram"
	"github.com/CristianCarreira/aipal/internal/config"
	"github.com/CristianCarreira/aipal/internal/memory"
	"github.com/CristianCarreira/aipal/internal/queue"
	"github.com/CristianCarreira/aipal/internal/runner"
	"github.com/CristianCarreira/aipal/internal/tasks"
	"github.com/CristianCarreira/aipal/internal/threads"
	"github.com/CristianCarreira/aipal/internal/tokens"
)

type consumerDeps struct {
	bus    *bus.MessageBus
	run    *runner.Runner
	memory *memory.Service
	budget *tokens.Tracker
	queue  *queue.TopicQueue
	tasks  *tasks.Manager
	cfg    *config.Config

	// work outlives the service context so in-flight agent runs can
	// drain after shutdown begins; it is cancelled when the drain
	// window closes.
	work context.Context
}

// consumeInbound drains the inbound bus and dispatches each message
// onto its topic queue. Returns when ctx ends.
func consumeInbound(ctx context.Context, d consumerDeps) {
	slog.Info("inbound consumer started")
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		dispatchInbound(d, msg)
	}
}

// dispatchInbound queues one message for its conversation. The memory
// capture happens inside the queue job so events land in
// conversational order; the agent run itself goes through the task
// manager, which chains per thread key and drives the typing
// indicator.
func dispatchInbound(d consumerDeps, msg bus.InboundMessage) {
	if d.budget.IsBudgetExhausted() {
		d.bus.PublishOutbound(bus.OutboundMessage{
			ChatID:  msg.ChatID,
			TopicID: msg.TopicID,
			Text:    "Daily token budget exhausted. The bot resumes tomorrow.",
		})
		return
	}

	prompt, attachments := promptFromInbound(msg)
	if prompt == "" && len(attachments) == 0 {
		return
	}

	req := runner.Request{
		ChatID:      msg.ChatID,
		TopicID:     msg.TopicID,
		Prompt:      prompt,
		Thinking:    d.cfg.ThinkingLevel(),
		Source:      "chat",
		Attachments: attachments,
	}
	agentID := d.run.ResolveAgent(req)
	threadKey := threads.ThreadKey(msg.ChatID, msg.TopicID, agentID)
	topicKey := threads.TopicKey(msg.ChatID, msg.TopicID)

	d.queue.Enqueue(topicKey, func() {
		d.memory.Capture(memory.Event{
			ThreadKey: threadKey,
			ChatID:    msg.ChatID,
			TopicID:   threads.TopicID(msg.TopicID),
			AgentID:   agentID,
			Role:      memory.RoleUser,
			Kind:      memoryKind(msg.Kind),
			Text:      prompt,
			Timestamp: time.Now(),
		})

		done := make(chan struct{})
		d.tasks.Submit(d.work, threadKey, msg.ChatID, msg.TopicID, prompt,
			func(taskCtx context.Context) (string, error) {
				resp, err := d.run.Chat(taskCtx, req)
				if err != nil {
					return "", err
				}
				return resp.Text, nil
			},
			func(text string, err error) {
				defer close(done)
				if err != nil {
					slog.Error("agent run failed",
						"thread", threadKey, "agent", agentID, "error", err)
					d.bus.PublishOutbound(bus.OutboundMessage{
						ChatID:  msg.ChatID,
						TopicID: msg.TopicID,
						Text:    friendlyError(err),
					})
					return
				}
				if text == "" {
					return
				}
				d.memory.Capture(memory.Event{
					ThreadKey: threadKey,
					ChatID:    msg.ChatID,
					TopicID:   threads.TopicID(msg.TopicID),
					AgentID:   agentID,
					Role:      memory.RoleAssistant,
					Kind:      memory.KindText,
					Text:      text,
					Timestamp: time.Now(),
				})
				d.bus.PublishOutbound(bus.OutboundMessage{
					ChatID:  msg.ChatID,
					TopicID: msg.TopicID,
					Text:    text,
				})
			})
		<-done
	})
}

// promptFromInbound turns an inbound event into the runner prompt and
// attachment list. Voice and audio arrive pre-transcribed; images and
// documents ride along as file references.
func promptFromInbound(msg bus.InboundMessage) (string, []runner.Attachment) {
	switch msg.Kind {
	case bus.MediaImage:
		prompt := msg.Caption
		if prompt == "" {
			prompt = "Look at the attached image and respond to it."
		}
		return prompt, []runner.Attachment{{Kind: memory.KindImage, Path: msg.Path}}
	case bus.MediaDocument:
		prompt := msg.Caption
		if prompt == "" {
			prompt = "Process the attached document."
		}
		return prompt, []runner.Attachment{{Kind: memory.KindDocument, Path: msg.Path}}
	case bus.MediaVoice, bus.MediaAudio:
		prompt := msg.Text
		if msg.Caption != "" {
			prompt = prompt + "\n" + msg.Caption
		}
		return prompt, nil
	default:
		return msg.Text, nil
	}
}

func memoryKind(kind bus.MediaKind) memory.Kind {
	switch kind {
	case bus.MediaVoice, bus.MediaAudio:
		return memory.KindAudio
	case bus.MediaImage:
		return memory.KindImage
	case bus.MediaDocument:
		return memory.KindDocument
	default:
		return memory.KindText
	}
}

// friendlyError maps pipeline failures to something worth sending to
// the chat. Raw exec errors stay in the logs.
func friendlyError(err error) string {
	switch {
	case errors.Is(err, runner.ErrTimeout):
		return "The agent timed out. Try a shorter request or /reset the conversation."
	case errors.Is(err, runner.ErrMaxBufferExceeded):
		return "The agent produced too much output and was stopped."
	case errors.Is(err, runner.ErrMissingBinary):
		return "The agent binary is not installed on the host. Run `aipal doctor` to check."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	default:
		return "The agent run failed. Check the gateway logs for details."
	}
}

// pumpOutbound delivers replies from the bus through the channel.
func pumpOutbound(ctx context.Context, msgBus *bus.MessageBus, ch *telegram.Channel) {
	for {
		msg, ok := msgBus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("outbound delivery failed",
				"chat_id", msg.ChatID, "topic_id", msg.TopicID,
				"text_preview", channels.Truncate(msg.Text, 60), "error", err)
		}
	}
}
