// Command nanoclaw is the supervisor process: it brokers a chat platform
// and a pool of sandboxed agent containers (spec.md's own framing), wiring
// every subsystem package in this module together and running until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bwmarrin/discordgo"

	"github.com/nanoclaw/supervisor/internal/chatplatform/discord"
	"github.com/nanoclaw/supervisor/internal/config"
	"github.com/nanoclaw/supervisor/internal/debounce"
	"github.com/nanoclaw/supervisor/internal/dispatch"
	"github.com/nanoclaw/supervisor/internal/mailbox"
	"github.com/nanoclaw/supervisor/internal/mount"
	"github.com/nanoclaw/supervisor/internal/registry"
	"github.com/nanoclaw/supervisor/internal/router"
	"github.com/nanoclaw/supervisor/internal/scheduler"
	"github.com/nanoclaw/supervisor/internal/servicecontrol"
	"github.com/nanoclaw/supervisor/internal/session"
	"github.com/nanoclaw/supervisor/internal/store"
	"github.com/nanoclaw/supervisor/internal/workerpool"
)

func main() {
	logger := log.New(os.Stdout, "nanoclaw ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	cfg, err := config.FromYAMLAndEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if cfg.BotToken == "" {
		logger.Fatalf("%s must be set", config.EnvBotToken)
	}
	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatalf("create state directories: %v", err)
	}
	location, err := config.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatalf("load timezone: %v", err)
	}

	st, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	reg, err := registry.Load(cfg.RegistryFile())
	if err != nil {
		logger.Fatalf("load registry: %v", err)
	}
	sessions, err := session.Load(cfg.SessionsFile())
	if err != nil {
		logger.Fatalf("load session map: %v", err)
	}
	lastAgent, err := dispatch.LoadLastAgentStore(cfg.LastAgentFile())
	if err != nil {
		logger.Fatalf("load last-agent-timestamp map: %v", err)
	}
	allowlist, err := mount.LoadAllowlist(cfg.AllowlistFile)
	if err != nil {
		logger.Fatalf("load mount allowlist: %v", err)
	}

	rt := router.New(st)
	snapshots := mailbox.NewSnapshots(cfg.MailboxRoot(), st, reg)

	pool := workerpool.New(workerpool.NewContainerSpawner(cfg.ContainerRuntime, cfg.ContainerImage), workerpool.Options{
		IdleTimeout:    cfg.WarmIdleTimeout,
		ReapInterval:   cfg.WarmReapInterval,
		RequestTimeout: cfg.ContainerTimeout,
		MaxOutputBytes: cfg.ContainerMaxOutputBytes,
	}, logger)
	pool.StartReaper()
	defer pool.Shutdown()

	executor := dispatch.NewExecutor(pool, cfg, allowlist, nil)

	discordSession, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		logger.Fatalf("create discord session: %v", err)
	}
	discordSession.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent | discordgo.IntentsGuildMessageReactions | discordgo.IntentsDirectMessageReactions

	platform := discord.New(discordSession, logger)

	dispatcher := dispatch.New(
		cfg.AssistantName,
		cfg.MainChatID,
		st,
		rt,
		reg,
		sessions,
		snapshots,
		platform,
		executor,
		lastAgent,
		logger,
	)
	platform.SetTarget(dispatcher)

	debouncer := debounce.New(cfg.DebounceWindow, dispatcher.OnDebounceFire, logger)
	dispatcher.SetDebouncer(debouncer)

	sched := scheduler.New(st, snapshots, sessions, executor, location, logger)

	serviceController := servicecontrol.New(cfg.ProjectRoot, logger)
	mb := mailbox.New(
		cfg.MailboxRoot(),
		cfg.MailboxPollInterval,
		st,
		st,
		mailboxSender{platform: platform},
		reg,
		serviceController,
		location,
		strings.Join(cfg.RebuildCommand, " "),
		logger,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := platform.Start(ctx); err != nil {
		logger.Fatalf("start discord adapter: %v", err)
	}
	if err := sched.Start(ctx, cfg.SchedulerTickInterval); err != nil {
		logger.Fatalf("start scheduler: %v", err)
	}
	if err := mb.Start(ctx); err != nil {
		logger.Fatalf("start mailbox: %v", err)
	}

	logger.Printf("nanoclaw supervisor started")
	<-ctx.Done()
	logger.Printf("shutting down")

	debouncer.Shutdown()
	sched.Stop()
	mb.Stop()
	if err := platform.Stop(); err != nil {
		logger.Printf("stop discord adapter: %v", err)
	}
}

// mailboxSender adapts chatplatform.Platform to mailbox.ChatSender, which
// has no reply-to parameter: mailbox-originated sends never reply to a
// specific message.
type mailboxSender struct {
	platform interface {
		SendMessage(ctx context.Context, chatID, topicID int64, text string, replyTo int64) error
		SendReaction(ctx context.Context, chatID, messageID int64, emoji string) error
	}
}

func (m mailboxSender) SendMessage(ctx context.Context, chatID, topicID int64, text string) error {
	return m.platform.SendMessage(ctx, chatID, topicID, text, 0)
}

func (m mailboxSender) SendReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	return m.platform.SendReaction(ctx, chatID, messageID, emoji)
}
