package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/CristianCarreira/aipal/internal/cron"
)

// Services is the slice of the engine the command surface needs. The
// gateway wires these at startup; tests stub individual fields.
type Services struct {
	KnownAgents  func() []string
	AgentFor     func(chatID int64, topicID int) string
	SetAgent     func(chatID int64, topicID int, agent string) error // "" clears the topic override
	ModelFor     func(agent string) string
	SetModel     func(agent, model string) error // "" clears
	Thinking     func() string
	SetThinking  func(level string) error
	Reset        func(chatID int64, topicID int)
	MemoryDigest func() string
	Usage        func(chatID int64) string
	Status       func(chatID int64, topicID int) string

	CronStatuses func() []cron.JobStatus
	CronAssign   func(id string, chatID int64, topicID int) error
	CronUnassign func(id string) error
	CronRun      func(ctx context.Context, id string) error
	CronLogs     func(id string) string
	CronReload   func() error
	SetCronChat  func(chatID int64)
}

// handleCommand dispatches a slash command. Commands are answered
// inline and never enter the work queue.
func (c *Channel) handleCommand(ctx context.Context, message *telego.Message, chatID int64, topicID int) {
	// Strip the @botname suffix groups append.
	fields := strings.Fields(message.Text)
	cmd := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])
	args := fields[1:]

	reply := func(text string) {
		if err := c.replyText(ctx, chatID, topicID, text); err != nil {
			slog.Warn("command reply failed", "command", cmd, "error", err)
		}
	}

	s := c.services
	if s == nil {
		slog.Warn("command received but no services wired", "command", cmd)
		return
	}

	switch cmd {
	case "/start":
		reply(fmt.Sprintf("Hello! I dispatch your messages to AI agents.\nActive agent here: %s\nUse /agent to switch, /reset to start fresh.",
			s.AgentFor(chatID, topicID)))

	case "/agent":
		c.commandAgent(reply, chatID, topicID, args)

	case "/model":
		c.commandModel(reply, chatID, topicID, args)

	case "/thinking":
		if len(args) == 0 {
			level := s.Thinking()
			if level == "" {
				level = "default"
			}
			reply("Thinking level: " + level)
			return
		}
		if err := s.SetThinking(args[0]); err != nil {
			reply("Cannot set thinking level: " + err.Error())
			return
		}
		reply("Thinking level set to " + args[0] + ".")

	case "/reset":
		s.Reset(chatID, topicID)
		reply("Conversation reset. The next message starts a fresh thread.")

	case "/memory":
		digest := s.MemoryDigest()
		if strings.TrimSpace(digest) == "" {
			reply("No curated memory yet.")
			return
		}
		reply(digest)

	case "/usage":
		reply(s.Usage(chatID))

	case "/status":
		reply(s.Status(chatID, topicID))

	case "/cron":
		c.commandCron(ctx, reply, chatID, topicID, args)

	default:
		reply("Unknown command. Available: /start /agent /model /thinking /reset /memory /usage /status /cron")
	}
}

func (c *Channel) commandAgent(reply func(string), chatID int64, topicID int, args []string) {
	s := c.services
	if len(args) == 0 {
		reply(fmt.Sprintf("Agent for this topic: %s\nKnown agents: %s\nUse /agent <name> to switch or /agent default to clear the override.",
			s.AgentFor(chatID, topicID), strings.Join(s.KnownAgents(), ", ")))
		return
	}
	name := args[0]
	if name == "default" {
		if err := s.SetAgent(chatID, topicID, ""); err != nil {
			reply("Cannot clear agent override: " + err.Error())
			return
		}
		reply("Agent override cleared, using the default agent.")
		return
	}
	if err := s.SetAgent(chatID, topicID, name); err != nil {
		reply("Cannot switch agent: " + err.Error())
		return
	}
	reply("Agent for this topic set to " + name + ".")
}

func (c *Channel) commandModel(reply func(string), chatID int64, topicID int, args []string) {
	s := c.services
	agent := s.AgentFor(chatID, topicID)
	if len(args) == 0 {
		model := s.ModelFor(agent)
		if model == "" {
			model = "(agent default)"
		}
		reply(fmt.Sprintf("Model for %s: %s\nUse /model <id> to override or /model reset to clear.", agent, model))
		return
	}
	if args[0] == "reset" {
		if err := s.SetModel(agent, ""); err != nil {
			reply("Cannot clear model: " + err.Error())
			return
		}
		reply("Model override cleared for " + agent + ".")
		return
	}
	if err := s.SetModel(agent, args[0]); err != nil {
		reply("Cannot set model: " + err.Error())
		return
	}
	reply(fmt.Sprintf("Model for %s set to %s.", agent, args[0]))
}

func (c *Channel) commandCron(ctx context.Context, reply func(string), chatID int64, topicID int, args []string) {
	s := c.services
	if len(args) == 0 {
		reply("Usage: /cron <list|show|assign|unassign|run|logs|reload|chatid> [job-id]")
		return
	}

	sub := strings.ToLower(args[0])
	jobArg := ""
	if len(args) > 1 {
		jobArg = args[1]
	}

	switch sub {
	case "list":
		statuses := s.CronStatuses()
		if len(statuses) == 0 {
			reply("No cron jobs configured.")
			return
		}
		var b strings.Builder
		for _, st := range statuses {
			state := string(st.State)
			if !st.Job.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(&b, "%s — %s [%s] next %s\n",
				st.Job.ID, st.Job.CronExpression, state, formatNextRun(st.NextRun))
		}
		reply(b.String())

	case "show":
		if jobArg == "" {
			reply("Usage: /cron show <job-id>")
			return
		}
		for _, st := range s.CronStatuses() {
			if st.Job.ID != jobArg {
				continue
			}
			var b strings.Builder
			fmt.Fprintf(&b, "id: %s\nschedule: %s", st.Job.ID, st.Job.CronExpression)
			if st.Job.Timezone != "" {
				fmt.Fprintf(&b, " (%s)", st.Job.Timezone)
			}
			fmt.Fprintf(&b, "\nenabled: %t\nstate: %s\nnext: %s\nprompt: %s",
				st.Job.Enabled, st.State, formatNextRun(st.NextRun), st.Job.Prompt)
			if st.Job.ChatID != 0 {
				fmt.Fprintf(&b, "\ntarget: chat %d topic %d", st.Job.ChatID, st.Job.TopicID)
			}
			if st.LastError != "" {
				fmt.Fprintf(&b, "\nlast error: %s", st.LastError)
			}
			reply(b.String())
			return
		}
		reply("No cron job with id " + jobArg + ".")

	case "assign":
		if jobArg == "" {
			reply("Usage: /cron assign <job-id> — routes the job's output here")
			return
		}
		if err := s.CronAssign(jobArg, chatID, topicID); err != nil {
			reply("Assign failed: " + err.Error())
			return
		}
		reply("Job " + jobArg + " now reports to this chat.")

	case "unassign":
		if jobArg == "" {
			reply("Usage: /cron unassign <job-id>")
			return
		}
		if err := s.CronUnassign(jobArg); err != nil {
			reply("Unassign failed: " + err.Error())
			return
		}
		reply("Job " + jobArg + " reverted to the default cron chat.")

	case "run":
		if jobArg == "" {
			reply("Usage: /cron run <job-id>")
			return
		}
		if err := s.CronRun(ctx, jobArg); err != nil {
			reply("Run failed: " + err.Error())
			return
		}
		reply("Job " + jobArg + " fired.")

	case "logs":
		if jobArg == "" {
			reply("Usage: /cron logs <job-id>")
			return
		}
		logs := s.CronLogs(jobArg)
		if strings.TrimSpace(logs) == "" {
			reply("No output recorded for " + jobArg + ".")
			return
		}
		reply(logs)

	case "reload":
		if err := s.CronReload(); err != nil {
			reply("Reload failed: " + err.Error())
			return
		}
		reply("Cron jobs reloaded from disk.")

	case "chatid":
		s.SetCronChat(chatID)
		reply(fmt.Sprintf("Default cron chat set to %d.", chatID))

	default:
		reply("Unknown cron subcommand. Available: list, show, assign, unassign, run, logs, reload, chatid")
	}
}

func formatNextRun(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04")
}
