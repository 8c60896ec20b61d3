// Package dispatch implements the Dispatch Core (4.I): the orchestrator
// that turns a debounced chat turn, or a qualifying reaction, into one
// Worker Pool call and, on success, one chat reply. It is the sole owner
// of the workspace->lastAgentTimestamp map; the Scheduler only reads
// sessions, never lastAgentTimestamp.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/nanoclaw/supervisor/internal/debounce"
	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/registry"
	"github.com/nanoclaw/supervisor/internal/store"
	"github.com/nanoclaw/supervisor/internal/workerproto"
)

// MessageStore is the subset of store.Store the Dispatch Core needs.
type MessageStore interface {
	UpsertChat(ctx context.Context, chat domain.Chat) error
	StoreMessage(ctx context.Context, msg domain.Message) error
	MessagesSince(ctx context.Context, chatID, topicID int64, since time.Time, excludePrefix string) ([]domain.Message, error)
	MessageByID(ctx context.Context, chatID, topicID, messageID int64) (domain.Message, error)
}

// RouterResolver is router.Router's one method the Dispatch Core calls.
type RouterResolver interface {
	Resolve(ctx context.Context, chatID, topicID int64, chatTitle, topicName string) (domain.Topic, error)
}

// ChatRegistry is the registry.Registry surface the Dispatch Core needs.
type ChatRegistry interface {
	Get(chatID int64) (domain.RegisteredChat, bool)
}

// SessionMap is the workspace->worker-session-id map.
type SessionMap interface {
	Get(workspace string) (string, bool)
	Set(workspace, sessionID string) error
}

// SnapshotWriter writes the two worker-visible snapshot files (4.H) ahead
// of a dispatch.
type SnapshotWriter interface {
	WriteTaskSnapshot(ctx context.Context, folder string, tasks []domain.ScheduledTask) error
	WriteChatSnapshot(ctx context.Context, folder string) error
}

// DebounceAdder is the Debouncer method the Dispatch Core calls on every
// qualifying inbound message.
type DebounceAdder interface {
	Add(key string, entry debounce.Entry)
}

// ChatSender is the chat-platform method the Dispatch Core calls to reply.
type ChatSender interface {
	SendMessage(ctx context.Context, chatID, topicID int64, text string, replyTo int64) error
}

// WorkerExecutor runs one job through the Worker Pool with mounts built by
// the Mount Planner (internal/dispatch.Executor implements this).
type WorkerExecutor interface {
	Run(ctx context.Context, workspace string, isMain bool, chatType domain.ChatType, containerConfig domain.ContainerConfig, job workerproto.Job) workerproto.ContainerOutput
}

// InboundMessage is one text message delivered by the chat platform.
type InboundMessage struct {
	ChatID     int64
	TopicID    int64
	ChatType   domain.ChatType
	ChatTitle  string
	TopicName  string
	SenderName string
	MessageID  int64
	ReplyTo    int64
	Content    string
	Timestamp  time.Time
	IsBot      bool
}

// ReactionEvent is one reaction delivered by the chat platform.
type ReactionEvent struct {
	ChatID          int64
	TopicID         int64
	Reactor         string
	Emoji           string
	TargetMessageID int64
	Action          domain.ReactionAction
}

// Dispatcher is the Dispatch Core.
type Dispatcher struct {
	assistantName string
	mainChatID    int64

	store     MessageStore
	router    RouterResolver
	registry  ChatRegistry
	sessions  SessionMap
	snapshots SnapshotWriter
	sender    ChatSender
	executor  WorkerExecutor
	lastAgent *LastAgentStore
	logger    *log.Logger

	debouncer DebounceAdder
	now       func() time.Time
}

// New returns a Dispatcher. Call SetDebouncer before routing any inbound
// events to it: the Debouncer's fire function is this Dispatcher's own
// OnDebounceFire method, so the two must be wired together after both
// exist.
func New(
	assistantName string,
	mainChatID int64,
	messageStore MessageStore,
	router RouterResolver,
	registry ChatRegistry,
	sessions SessionMap,
	snapshots SnapshotWriter,
	sender ChatSender,
	executor WorkerExecutor,
	lastAgent *LastAgentStore,
	logger *log.Logger,
) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		assistantName: assistantName,
		mainChatID:    mainChatID,
		store:         messageStore,
		router:        router,
		registry:      registry,
		sessions:      sessions,
		snapshots:     snapshots,
		sender:        sender,
		executor:      executor,
		lastAgent:     lastAgent,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetDebouncer wires the Debouncer the Dispatcher enqueues firing
// messages onto.
func (d *Dispatcher) SetDebouncer(debouncer DebounceAdder) {
	d.debouncer = debouncer
}

func (d *Dispatcher) isMainChat(chatID int64) bool {
	return d.mainChatID != 0 && chatID == d.mainChatID
}

func (d *Dispatcher) assistantPrefix() string {
	return d.assistantName + ": "
}

// HandleMessage stores an inbound text message and, if it is authorized
// and its chat's trigger policy fires, enqueues it on the Debouncer. The
// bot's own messages are stored (so excludePrefix filtering has
// something to exclude) but never re-trigger dispatch.
func (d *Dispatcher) HandleMessage(ctx context.Context, in InboundMessage) error {
	chatType := in.ChatType
	if chatType == "" {
		chatType = domain.ChatTypeGroup
	}
	isMain := d.isMainChat(in.ChatID)
	var regChat domain.RegisteredChat
	var registered bool
	if !isMain {
		regChat, registered = d.registry.Get(in.ChatID)
		if registered {
			chatType = regChat.ChatType
		}
	}

	if err := d.store.UpsertChat(ctx, domain.Chat{ChatID: in.ChatID, ChatType: chatType, Title: in.ChatTitle, LastActivity: in.Timestamp}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	topic, err := d.router.Resolve(ctx, in.ChatID, in.TopicID, in.ChatTitle, in.TopicName)
	if err != nil {
		return fmt.Errorf("resolve topic: %w", err)
	}

	msgType := domain.MessageTypeText
	if in.IsBot {
		msgType = domain.MessageTypeAgentResponse
	}
	if err := d.store.StoreMessage(ctx, domain.Message{
		ChatID:     in.ChatID,
		TopicID:    in.TopicID,
		ID:         in.MessageID,
		SenderID:   in.SenderName,
		SenderName: in.SenderName,
		Content:    in.Content,
		Type:       msgType,
		Timestamp:  in.Timestamp,
		IsBot:      in.IsBot,
		ReplyTo:    in.ReplyTo,
	}); err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	if in.IsBot {
		return nil
	}
	if !isMain && !registered {
		return nil
	}

	decision := registry.EvaluateTrigger(isMain, regChat, d.assistantName, in.Content)
	if !decision.Fire {
		return nil
	}

	_ = topic // topic row is persisted above; the fire handler re-resolves it
	d.debouncer.Add(debounce.Key(in.ChatID, in.TopicID), debounce.Entry{
		Sender:    in.SenderName,
		Content:   decision.Content,
		MessageID: in.MessageID,
		ReplyTo:   in.ReplyTo,
		Timestamp: in.Timestamp,
	})
	return nil
}

// OnDebounceFire is the Debouncer's FireFunc. It re-verifies the chat is
// still registered (closing the race between buffering and firing per
// 4.I step 1), then re-derives the prompt directly from the Store so the
// set of messages sent is always exactly those newer than
// lastAgentTimestamp[F] regardless of what was buffered.
func (d *Dispatcher) OnDebounceFire(batch debounce.Batch) {
	ctx := context.Background()
	chatID, topicID, err := debounce.ParseKey(batch.Key)
	if err != nil {
		d.logger.Printf("dispatch: parse debounce key %q: %v", batch.Key, err)
		return
	}

	isMain := d.isMainChat(chatID)
	var regChat domain.RegisteredChat
	if !isMain {
		var ok bool
		regChat, ok = d.registry.Get(chatID)
		if !ok {
			return
		}
	}

	topic, err := d.router.Resolve(ctx, chatID, topicID, "", "")
	if err != nil {
		d.logger.Printf("dispatch: resolve topic for %d/%d: %v", chatID, topicID, err)
		return
	}
	folder := topic.Folder
	if isMain {
		folder = domain.MainWorkspace
	}

	lastSeen := d.lastAgent.Get(folder)
	messages, err := d.store.MessagesSince(ctx, chatID, topicID, lastSeen, d.assistantPrefix())
	if err != nil {
		d.logger.Printf("dispatch: messages since for %s: %v", folder, err)
		return
	}
	if len(messages) == 0 {
		return
	}

	prompt := buildMessagesPrompt(messages)
	newest := messages[len(messages)-1]
	d.run(ctx, folder, isMain, chatID, topicID, regChat.ChatType, regChat.ContainerConfig, prompt, newest.ID, true)
}

// HandleReaction implements the reaction-triggered dispatch variant: an
// added reaction to a bot-authored message, or any added reaction in an
// always-on chat, runs the same dispatch with a minimal <reaction>
// prompt and no reply-to. Removed reactions are ignored entirely.
func (d *Dispatcher) HandleReaction(ctx context.Context, ev ReactionEvent) error {
	if ev.Action != domain.ReactionAdded {
		return nil
	}

	isMain := d.isMainChat(ev.ChatID)
	var regChat domain.RegisteredChat
	if !isMain {
		var ok bool
		regChat, ok = d.registry.Get(ev.ChatID)
		if !ok {
			return nil
		}
	}

	if !isMain && regChat.Mode != domain.TriggerAlways {
		target, err := d.store.MessageByID(ctx, ev.ChatID, ev.TopicID, ev.TargetMessageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("look up reaction target: %w", err)
		}
		if !target.IsBot {
			return nil
		}
	}

	topic, err := d.router.Resolve(ctx, ev.ChatID, ev.TopicID, "", "")
	if err != nil {
		return fmt.Errorf("resolve topic for reaction: %w", err)
	}
	folder := topic.Folder
	if isMain {
		folder = domain.MainWorkspace
	}

	prompt := buildReactionPrompt(ev.Reactor, ev.Emoji, ev.TargetMessageID)
	d.run(ctx, folder, isMain, ev.ChatID, ev.TopicID, regChat.ChatType, regChat.ContainerConfig, prompt, 0, false)
	return nil
}

// run executes 4.I steps 4-7: snapshot, Worker Pool call, session
// persistence, and, on a successful non-empty result, timestamp
// advancement and chat egress.
func (d *Dispatcher) run(ctx context.Context, folder string, isMain bool, chatID, topicID int64, chatType domain.ChatType, containerConfig domain.ContainerConfig, prompt string, replyTo int64, hasReply bool) {
	if d.snapshots != nil {
		if err := d.snapshots.WriteTaskSnapshot(ctx, folder, nil); err != nil {
			d.logger.Printf("dispatch: write task snapshot for %s: %v", folder, err)
		}
		if err := d.snapshots.WriteChatSnapshot(ctx, folder); err != nil {
			d.logger.Printf("dispatch: write chat snapshot for %s: %v", folder, err)
		}
	}

	var sessionID string
	if d.sessions != nil {
		sessionID, _ = d.sessions.Get(folder)
	}

	out := d.executor.Run(ctx, folder, isMain, chatType, containerConfig, workerproto.Job{
		Prompt:    prompt,
		SessionID: sessionID,
	})

	if out.NewSessionID != "" && d.sessions != nil {
		if err := d.sessions.Set(folder, out.NewSessionID); err != nil {
			d.logger.Printf("dispatch: persist session id for %s: %v", folder, err)
		}
	}

	if !out.IsSuccess() || strings.TrimSpace(out.Result) == "" {
		if out.Error != "" {
			d.logger.Printf("dispatch: worker error for %s: %s", folder, out.Error)
		}
		return
	}

	if err := d.lastAgent.Advance(folder, d.now()); err != nil {
		d.logger.Printf("dispatch: advance last-agent-timestamp for %s: %v", folder, err)
	}

	text := d.assistantPrefix() + out.Result
	if !hasReply {
		replyTo = 0
	}
	if err := d.sender.SendMessage(ctx, chatID, topicID, text, replyTo); err != nil {
		d.logger.Printf("dispatch: send reply for %s: %v", folder, err)
	}
}
