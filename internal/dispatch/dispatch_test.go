package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/nanoclaw/supervisor/internal/debounce"
	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/store"
	"github.com/nanoclaw/supervisor/internal/workerproto"
)

type fakeMessageStore struct {
	chats    map[int64]domain.Chat
	messages map[int64][]domain.Message
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{chats: make(map[int64]domain.Chat), messages: make(map[int64][]domain.Message)}
}

func (f *fakeMessageStore) UpsertChat(ctx context.Context, chat domain.Chat) error {
	f.chats[chat.ChatID] = chat
	return nil
}

func (f *fakeMessageStore) StoreMessage(ctx context.Context, msg domain.Message) error {
	f.messages[msg.ChatID] = append(f.messages[msg.ChatID], msg)
	return nil
}

func (f *fakeMessageStore) MessagesSince(ctx context.Context, chatID, topicID int64, since time.Time, excludePrefix string) ([]domain.Message, error) {
	var out []domain.Message
	for _, m := range f.messages[chatID] {
		if m.TopicID != topicID {
			continue
		}
		if !m.Timestamp.After(since) {
			continue
		}
		if excludePrefix != "" && len(m.Content) >= len(excludePrefix) && m.Content[:len(excludePrefix)] == excludePrefix {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMessageStore) MessageByID(ctx context.Context, chatID, topicID, messageID int64) (domain.Message, error) {
	for _, m := range f.messages[chatID] {
		if m.TopicID == topicID && m.ID == messageID {
			return m, nil
		}
	}
	return domain.Message{}, store.ErrNotFound
}

type fakeRouter struct {
	byKey map[string]domain.Topic
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{byKey: make(map[string]domain.Topic)}
}

func (f *fakeRouter) Resolve(ctx context.Context, chatID, topicID int64, chatTitle, topicName string) (domain.Topic, error) {
	key := debounce.Key(chatID, topicID)
	if t, ok := f.byKey[key]; ok {
		return t, nil
	}
	t := domain.Topic{ChatID: chatID, TopicID: topicID, Name: topicName, Folder: "folder-" + key}
	f.byKey[key] = t
	return t, nil
}

type fakeDispatchRegistry struct {
	entries map[int64]domain.RegisteredChat
}

func (f *fakeDispatchRegistry) Get(chatID int64) (domain.RegisteredChat, bool) {
	c, ok := f.entries[chatID]
	return c, ok
}

type fakeSessionMap struct {
	sessions map[string]string
}

func newFakeSessionMap() *fakeSessionMap {
	return &fakeSessionMap{sessions: make(map[string]string)}
}

func (f *fakeSessionMap) Get(workspace string) (string, bool) {
	v, ok := f.sessions[workspace]
	return v, ok
}

func (f *fakeSessionMap) Set(workspace, sessionID string) error {
	f.sessions[workspace] = sessionID
	return nil
}

type fakeDispatchSnapshots struct {
	taskWrites int
	chatWrites int
}

func (f *fakeDispatchSnapshots) WriteTaskSnapshot(ctx context.Context, folder string, tasks []domain.ScheduledTask) error {
	f.taskWrites++
	return nil
}

func (f *fakeDispatchSnapshots) WriteChatSnapshot(ctx context.Context, folder string) error {
	f.chatWrites++
	return nil
}

type fakeDebounceAdder struct {
	added []struct {
		key   string
		entry debounce.Entry
	}
}

func (f *fakeDebounceAdder) Add(key string, entry debounce.Entry) {
	f.added = append(f.added, struct {
		key   string
		entry debounce.Entry
	}{key, entry})
}

type fakeDispatchSender struct {
	sent []struct {
		chatID, topicID, replyTo int64
		text                     string
	}
}

func (f *fakeDispatchSender) SendMessage(ctx context.Context, chatID, topicID int64, text string, replyTo int64) error {
	f.sent = append(f.sent, struct {
		chatID, topicID, replyTo int64
		text                     string
	}{chatID, topicID, replyTo, text})
	return nil
}

type fakeExecutor struct {
	out   workerproto.ContainerOutput
	calls []struct {
		workspace string
		isMain    bool
		job       workerproto.Job
	}
}

func (f *fakeExecutor) Run(ctx context.Context, workspace string, isMain bool, chatType domain.ChatType, containerConfig domain.ContainerConfig, job workerproto.Job) workerproto.ContainerOutput {
	f.calls = append(f.calls, struct {
		workspace string
		isMain    bool
		job       workerproto.Job
	}{workspace, isMain, job})
	return f.out
}

type harness struct {
	msgStore   *fakeMessageStore
	router     *fakeRouter
	registry   *fakeDispatchRegistry
	sessions   *fakeSessionMap
	snapshots  *fakeDispatchSnapshots
	debouncer  *fakeDebounceAdder
	sender     *fakeDispatchSender
	executor   *fakeExecutor
	lastAgent  *LastAgentStore
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, mainChatID int64) *harness {
	t.Helper()
	h := &harness{
		msgStore:  newFakeMessageStore(),
		router:    newFakeRouter(),
		registry:  &fakeDispatchRegistry{entries: make(map[int64]domain.RegisteredChat)},
		sessions:  newFakeSessionMap(),
		snapshots: &fakeDispatchSnapshots{},
		debouncer: &fakeDebounceAdder{},
		sender:    &fakeDispatchSender{},
		executor:  &fakeExecutor{out: workerproto.ContainerOutput{Status: workerproto.StatusSuccess, Result: "hi there"}},
	}
	lastAgent, err := LoadLastAgentStore("")
	if err != nil {
		t.Fatalf("load last agent store: %v", err)
	}
	h.lastAgent = lastAgent
	h.dispatcher = New("Nanoclaw", mainChatID, h.msgStore, h.router, h.registry, h.sessions, h.snapshots, h.sender, h.executor, h.lastAgent, nil)
	h.dispatcher.SetDebouncer(h.debouncer)
	return h
}

func TestHandleMessageDropsWhenChatNotRegistered(t *testing.T) {
	h := newHarness(t, 0)
	err := h.dispatcher.HandleMessage(context.Background(), InboundMessage{
		ChatID: 1, TopicID: 0, SenderName: "alice", MessageID: 1, Content: "hello", Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if len(h.debouncer.added) != 0 {
		t.Fatalf("expected no debounce entry for an unregistered chat")
	}
	if len(h.msgStore.messages[1]) != 1 {
		t.Fatalf("expected the message to still be stored for later context")
	}
}

func TestHandleMessageFiresOnMentionAndStripsIt(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerMention}

	err := h.dispatcher.HandleMessage(context.Background(), InboundMessage{
		ChatID: 1, TopicID: 0, SenderName: "alice", MessageID: 1, Content: "@Nanoclaw are you there", Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if len(h.debouncer.added) != 1 {
		t.Fatalf("expected one debounce entry, got %d", len(h.debouncer.added))
	}
	if h.debouncer.added[0].entry.Content == "@Nanoclaw are you there" {
		t.Fatalf("expected the mention to be stripped from the buffered content")
	}
}

func TestHandleMessageMainChatAlwaysFiresWithoutRegistration(t *testing.T) {
	h := newHarness(t, 99)
	err := h.dispatcher.HandleMessage(context.Background(), InboundMessage{
		ChatID: 99, TopicID: 0, SenderName: "admin", MessageID: 1, Content: "status please", Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if len(h.debouncer.added) != 1 {
		t.Fatalf("expected main chat to fire unconditionally, got %d entries", len(h.debouncer.added))
	}
}

func TestHandleMessageBotEchoIsStoredButNeverTriggers(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerAlways}
	err := h.dispatcher.HandleMessage(context.Background(), InboundMessage{
		ChatID: 1, TopicID: 0, SenderName: "Nanoclaw", MessageID: 1, Content: "Nanoclaw: done", IsBot: true, Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if len(h.debouncer.added) != 0 {
		t.Fatalf("expected a bot-authored message to never enqueue a dispatch")
	}
}

func TestOnDebounceFireRunsWorkerAndRepliesWithPrefix(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerAlways}
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	_ = h.msgStore.StoreMessage(ctx, domain.Message{ChatID: 1, TopicID: 0, ID: 5, SenderName: "alice", Content: "hello", Type: domain.MessageTypeText, Timestamp: base})

	h.dispatcher.OnDebounceFire(debounce.Batch{Key: debounce.Key(1, 0)})

	if len(h.executor.calls) != 1 {
		t.Fatalf("expected one worker call, got %d", len(h.executor.calls))
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(h.sender.sent))
	}
	if h.sender.sent[0].text != "Nanoclaw: hi there" {
		t.Fatalf("unexpected reply text: %q", h.sender.sent[0].text)
	}
	if h.sender.sent[0].replyTo != 5 {
		t.Fatalf("expected reply-to the newest message id, got %d", h.sender.sent[0].replyTo)
	}
	if h.lastAgent.Get("folder-1_0").IsZero() {
		t.Fatalf("expected last-agent-timestamp to be advanced")
	}
	if h.snapshots.taskWrites != 1 || h.snapshots.chatWrites != 1 {
		t.Fatalf("expected snapshots to be written before the worker call")
	}
}

func TestOnDebounceFireDropsWhenUnregisteredSinceBuffering(t *testing.T) {
	h := newHarness(t, 0)
	h.dispatcher.OnDebounceFire(debounce.Batch{Key: debounce.Key(1, 0)})
	if len(h.executor.calls) != 0 {
		t.Fatalf("expected no worker call for a chat unregistered by fire time")
	}
}

func TestOnDebounceFireSkipsWhenNothingNewSinceLastAgent(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerAlways}
	h.dispatcher.OnDebounceFire(debounce.Batch{Key: debounce.Key(1, 0)})
	if len(h.executor.calls) != 0 {
		t.Fatalf("expected no worker call when no messages are newer than lastAgentTimestamp")
	}
}

func TestOnDebounceFireDoesNotAdvanceOrReplyOnWorkerError(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerAlways}
	h.executor.out = workerproto.ContainerOutput{Status: workerproto.StatusError, Error: "boom"}
	ctx := context.Background()
	_ = h.msgStore.StoreMessage(ctx, domain.Message{ChatID: 1, TopicID: 0, ID: 5, SenderName: "alice", Content: "hello", Type: domain.MessageTypeText, Timestamp: time.Now().UTC()})

	h.dispatcher.OnDebounceFire(debounce.Batch{Key: debounce.Key(1, 0)})

	if len(h.sender.sent) != 0 {
		t.Fatalf("expected no reply on worker error")
	}
	if !h.lastAgent.Get("folder-1_0").IsZero() {
		t.Fatalf("expected last-agent-timestamp to stay unset on worker error")
	}
}

func TestHandleReactionFiresForBotAuthoredTarget(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerMention}
	ctx := context.Background()
	_ = h.msgStore.StoreMessage(ctx, domain.Message{ChatID: 1, TopicID: 0, ID: 7, IsBot: true, Content: "Nanoclaw: done", Timestamp: time.Now().UTC()})

	err := h.dispatcher.HandleReaction(ctx, ReactionEvent{ChatID: 1, TopicID: 0, Reactor: "alice", Emoji: "👍", TargetMessageID: 7, Action: domain.ReactionAdded})
	if err != nil {
		t.Fatalf("handle reaction: %v", err)
	}
	if len(h.executor.calls) != 1 {
		t.Fatalf("expected one worker call for a reaction to a bot message, got %d", len(h.executor.calls))
	}
	if len(h.sender.sent) != 1 || h.sender.sent[0].replyTo != 0 {
		t.Fatalf("expected a reply with no reply-to, got %+v", h.sender.sent)
	}
}

func TestHandleReactionSkipsNonBotTargetUnderMentionMode(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerMention}
	ctx := context.Background()
	_ = h.msgStore.StoreMessage(ctx, domain.Message{ChatID: 1, TopicID: 0, ID: 7, IsBot: false, Content: "hello", Timestamp: time.Now().UTC()})

	err := h.dispatcher.HandleReaction(ctx, ReactionEvent{ChatID: 1, TopicID: 0, Reactor: "alice", Emoji: "👍", TargetMessageID: 7, Action: domain.ReactionAdded})
	if err != nil {
		t.Fatalf("handle reaction: %v", err)
	}
	if len(h.executor.calls) != 0 {
		t.Fatalf("expected no worker call for a reaction to a non-bot message under mention mode")
	}
}

func TestHandleReactionFiresRegardlessOfAuthorUnderAlwaysMode(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerAlways}
	ctx := context.Background()
	_ = h.msgStore.StoreMessage(ctx, domain.Message{ChatID: 1, TopicID: 0, ID: 7, IsBot: false, Content: "hello", Timestamp: time.Now().UTC()})

	err := h.dispatcher.HandleReaction(ctx, ReactionEvent{ChatID: 1, TopicID: 0, Reactor: "alice", Emoji: "👍", TargetMessageID: 7, Action: domain.ReactionAdded})
	if err != nil {
		t.Fatalf("handle reaction: %v", err)
	}
	if len(h.executor.calls) != 1 {
		t.Fatalf("expected always-mode reaction to fire regardless of target author")
	}
}

func TestHandleReactionIgnoresRemoved(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.entries[1] = domain.RegisteredChat{ChatID: 1, Mode: domain.TriggerAlways}
	err := h.dispatcher.HandleReaction(context.Background(), ReactionEvent{ChatID: 1, TopicID: 0, Reactor: "alice", Emoji: "👍", TargetMessageID: 7, Action: domain.ReactionRemoved})
	if err != nil {
		t.Fatalf("handle reaction: %v", err)
	}
	if len(h.executor.calls) != 0 {
		t.Fatalf("expected a removed reaction to never dispatch")
	}
}
