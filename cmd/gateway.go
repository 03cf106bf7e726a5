package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/CristianCarreira/aipal/internal/agents"
	"github.com/CristianCarreira/aipal/internal/bus"
	"github.com/CristianCarreira/aipal/internal/channels"
	"github.com/CristianCarreira/aipal/internal/channels/telegram"
	"github.com/CristianCarreira/aipal/internal/config"
	"github.com/CristianCarreira/aipal/internal/cron"
	"github.com/CristianCarreira/aipal/internal/memory"
	"github.com/CristianCarreira/aipal/internal/queue"
	"github.com/CristianCarreira/aipal/internal/runner"
	"github.com/CristianCarreira/aipal/internal/tasks"
	"github.com/CristianCarreira/aipal/internal/threads"
	"github.com/CristianCarreira/aipal/internal/tokens"
)

// drainTimeout bounds how long shutdown waits for queued jobs.
const drainTimeout = 30 * time.Second

var thinkingLevels = map[string]bool{
	"": true, "off": true, "minimal": true, "low": true, "medium": true, "high": true,
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Telegram.Token == "" {
		slog.Error("TELEGRAM_BOT_TOKEN is not set")
		os.Exit(1)
	}

	home := config.Home()
	if err := os.MkdirAll(home, 0o755); err != nil {
		slog.Error("cannot create state dir", "dir", home, "error", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus(256)

	threadStore, err := threads.NewStore(config.ThreadsPath(home))
	if err != nil {
		slog.Error("failed to load thread store", "error", err)
		os.Exit(1)
	}
	overrides, err := threads.NewOverrides(config.OverridesPath(home))
	if err != nil {
		slog.Error("failed to load agent overrides", "error", err)
		os.Exit(1)
	}

	memStore, err := memory.NewStore(config.MemoryDir(home))
	if err != nil {
		slog.Error("failed to open memory store", "error", err)
		os.Exit(1)
	}
	defer memStore.Close()
	memSvc := memory.NewService(memStore, memory.ServiceConfig{
		Home:            home,
		CurateEvery:     cfg.Memory.CurateEvery,
		CaptureMaxChars: cfg.Memory.CaptureMaxChars,
		CurateMaxBytes:  cfg.Memory.CurateMaxBytes,
	})

	tracker := tokens.NewTracker(config.UsagePath(home), cfg.Tokens.DailyBudget, func(pct, used, budget int) {
		text := fmt.Sprintf("⚠️ Daily token budget at %d%% (%d / %d tokens).", pct, used, budget)
		if chatID := cfg.CronChat(); chatID != 0 {
			msgBus.PublishOutbound(bus.OutboundMessage{ChatID: chatID, Text: text})
			return
		}
		slog.Warn("token budget threshold crossed", "pct", pct, "used", used, "budget", budget)
	})
	defer tracker.Close()

	registry := agents.DefaultRegistry()

	run := runner.New(runner.Options{
		Registry:  registry,
		Threads:   threadStore,
		Overrides: overrides,
		Memory:    memSvc,
		Tokens:    tracker,
		Config: runner.Config{
			Timeout:               time.Duration(cfg.Runner.TimeoutMS) * time.Millisecond,
			MaxBuffer:             cfg.Runner.MaxBuffer,
			RotationTurns:         cfg.Runner.RotationTurns,
			MaxContextChars:       cfg.Runner.MaxContextChars,
			FileInstructionsEvery: cfg.Runner.FileInstructionsEvery,
			RetrievalLimit:        cfg.Memory.RetrievalLimit,
		},
		DefaultAgent: cfg.DefaultAgent,
		ModelFor:     cfg.ModelFor,
	})

	topicQueue := queue.New()

	// The channel is constructed after the task manager but the typing
	// indicator needs it; bind late.
	var channel *telegram.Channel
	taskMgr := tasks.New(tasks.Options{
		Typing: func(chatID int64, topicID int) {
			if channel != nil {
				channel.Typing(chatID, topicID)
			}
		},
	})

	cronStore, err := cron.NewStore(config.CronPath(home))
	if err != nil {
		slog.Warn("cron store load failed, starting empty", "error", err)
	}
	sched := cron.New(cron.Options{
		Store:         cronStore,
		Budget:        tracker,
		GatePct:       cfg.Tokens.CronGatePct,
		DefaultChatID: cfg.CronChat,
		Dispatch: func(ctx context.Context, req runner.Request) (string, error) {
			req.Thinking = cfg.ThinkingLevel()
			text, err := run.OneShot(ctx, req)
			if err == nil && text != "" {
				memSvc.Capture(memory.Event{
					ThreadKey: threads.ThreadKey(req.ChatID, req.TopicID, run.ResolveAgent(req)),
					ChatID:    req.ChatID,
					TopicID:   threads.TopicID(req.TopicID),
					AgentID:   run.ResolveAgent(req),
					Role:      memory.RoleAssistant,
					Kind:      memory.KindCron,
					Text:      text,
					Timestamp: time.Now(),
				})
			}
			return text, err
		},
		Send: func(chatID int64, topicID int, text string) {
			msgBus.PublishOutbound(bus.OutboundMessage{ChatID: chatID, TopicID: topicID, Text: text})
		},
	})

	agentFor := func(chatID int64, topicID int) string {
		if a := overrides.Get(threads.TopicKey(chatID, topicID)); a != "" {
			return a
		}
		return cfg.DefaultAgent()
	}

	services := &telegram.Services{
		KnownAgents: registry.IDs,
		AgentFor:    agentFor,
		SetAgent: func(chatID int64, topicID int, agent string) error {
			if agent != "" {
				if _, err := registry.Get(agent); err != nil {
					return err
				}
			}
			overrides.Set(threads.TopicKey(chatID, topicID), agent)
			return overrides.Save()
		},
		ModelFor: cfg.ModelFor,
		SetModel: func(agent, model string) error {
			if _, err := registry.Get(agent); err != nil {
				return err
			}
			cfg.SetModelFor(agent, model)
			return cfg.Save()
		},
		Thinking: cfg.ThinkingLevel,
		SetThinking: func(level string) error {
			if !thinkingLevels[level] {
				return fmt.Errorf("unknown thinking level %q", level)
			}
			cfg.SetThinkingLevel(level)
			return cfg.Save()
		},
		Reset: func(chatID int64, topicID int) {
			run.Reset(chatID, topicID, agentFor(chatID, topicID))
		},
		MemoryDigest: memSvc.Digest,
		Usage: func(chatID int64) string {
			return formatUsage(tracker.StatsFor(chatID))
		},
		Status: func(chatID int64, topicID int) string {
			agentID := agentFor(chatID, topicID)
			key := threads.ThreadKey(chatID, topicID, agentID)
			var b strings.Builder
			fmt.Fprintf(&b, "Agent: %s", agentID)
			if model := cfg.ModelFor(agentID); model != "" {
				fmt.Fprintf(&b, " (%s)", model)
			}
			fmt.Fprintf(&b, "\nTurns: %d", run.TurnCount(key))
			fmt.Fprintf(&b, "\nContext: ~%d chars", run.ContextSize(key))
			if lvl := cfg.ThinkingLevel(); lvl != "" {
				fmt.Fprintf(&b, "\nThinking: %s", lvl)
			}
			fmt.Fprintf(&b, "\nQueued conversations: %d", topicQueue.Pending())
			fmt.Fprintf(&b, "\nActive tasks: %d", taskMgr.Active())
			if cfg.Tokens.DailyBudget > 0 {
				fmt.Fprintf(&b, "\nBudget used: %d%%", tracker.BudgetPct())
			}
			return b.String()
		},
		CronStatuses: sched.Statuses,
		CronAssign: func(id string, chatID int64, topicID int) error {
			if !cronStore.Assign(id, chatID, topicID) {
				return fmt.Errorf("unknown cron job %q", id)
			}
			return cronStore.Save()
		},
		CronUnassign: func(id string) error {
			if !cronStore.Unassign(id) {
				return fmt.Errorf("unknown cron job %q", id)
			}
			return cronStore.Save()
		},
		CronRun:    sched.RunNow,
		CronLogs:   sched.Logs,
		CronReload: sched.Reload,
		SetCronChat: func(chatID int64) {
			cfg.SetCronChat(chatID)
			if err := cfg.Save(); err != nil {
				slog.Warn("failed to persist cron chat", "error", err)
			}
		},
	}

	channel, err = telegram.New(telegram.Options{
		Telegram:       cfg.Telegram,
		STT:            cfg.STT,
		AttachmentsDir: config.AttachmentsDir(home),
		Bus:            msgBus,
		Services:       services,
	})
	if err != nil {
		slog.Error("failed to create telegram channel", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Work context outlives the service context: in-flight agent runs
	// and their outbound replies get the drain window before it closes.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := channel.Start(ctx); err != nil {
		slog.Error("failed to start telegram channel", "error", err)
		os.Exit(1)
	}

	go sched.Run(ctx)
	if err := sched.Watch(ctx); err != nil {
		slog.Warn("cron file watcher unavailable", "error", err)
	}

	go taskMgr.RunReaper(ctx, 10*time.Minute)

	reaper := channels.NewReaper(
		config.AttachmentsDir(home),
		time.Duration(cfg.Attachments.TTLHours)*time.Hour,
		time.Duration(cfg.Attachments.CleanupIntervalMS)*time.Millisecond,
	)
	go reaper.Run(ctx)

	go consumeInbound(ctx, consumerDeps{
		bus:    msgBus,
		run:    run,
		memory: memSvc,
		budget: tracker,
		queue:  topicQueue,
		tasks:  taskMgr,
		cfg:    cfg,
		work:   workCtx,
	})
	go pumpOutbound(workCtx, msgBus, channel)

	slog.Info("aipal gateway started",
		"version", Version,
		"agents", registry.IDs(),
		"cron_jobs", len(cronStore.List()),
		"allowed_users", len(cfg.Telegram.AllowedUsers),
	)

	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	// Stop ingress first so nothing new is queued, then give in-flight
	// jobs a bounded window to settle.
	channel.Stop(context.Background())
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := topicQueue.Drain(drainCtx); err != nil {
		slog.Warn("drain timed out, forcing exit", "pending", topicQueue.Pending())
	}
	workCancel()
	sched.Wait()
	taskMgr.Wait()
	run.Wait()
	memSvc.Wait()

	slog.Info("aipal gateway stopped")
}

func formatUsage(st tokens.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage for %s\n", st.Date)
	fmt.Fprintf(&b, "Messages: %d\n", st.Messages)
	fmt.Fprintf(&b, "Tokens: %d in / %d out", st.Input, st.Output)
	if st.TotalCostUSD > 0 {
		fmt.Fprintf(&b, "\nCost: $%.4f", st.TotalCostUSD)
	}
	if st.BudgetPct > 0 {
		fmt.Fprintf(&b, "\nDaily budget used: %d%%", st.BudgetPct)
	}
	ids := make([]string, 0, len(st.Agents))
	for id := range st.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		bucket := st.Agents[id]
		fmt.Fprintf(&b, "\n  %s: %d in / %d out (%d msgs)", id, bucket.Input, bucket.Output, bucket.Messages)
	}
	return b.String()
}
