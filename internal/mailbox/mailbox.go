// Package mailbox implements the Mailbox (4.H): a pair of per-workspace,
// file-system directories through which a worker asks the supervisor to
// perform outbound actions (send a message, react, mutate a scheduled
// task, register a chat, control the service). The supervisor polls,
// authorizes, and applies; each mailbox file has exactly one consumer.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/ids"
	"github.com/nanoclaw/supervisor/internal/store"
)

// TaskStore is the subset of store.Store the mailbox needs to mutate
// scheduled tasks on the worker's behalf.
type TaskStore interface {
	CreateTask(ctx context.Context, task domain.ScheduledTask) error
	GetTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	UpdateTask(ctx context.Context, task domain.ScheduledTask) error
	DeleteTask(ctx context.Context, id string) error
}

// TopicLookup resolves a workspace folder to the chat it is bound to, used
// to authorize message/reaction actions from non-main workspaces.
type TopicLookup interface {
	TopicByFolder(ctx context.Context, folder string) (domain.Topic, error)
}

// ChatSender delivers an outbound message or reaction action authorized by
// the mailbox to the chat platform.
type ChatSender interface {
	SendMessage(ctx context.Context, chatID, topicID int64, text string) error
	SendReaction(ctx context.Context, chatID, messageID int64, emoji string) error
}

// ChatRegistry is the subset of registry.Registry the mailbox needs for
// register_chat and for the available_chats.json snapshot.
type ChatRegistry interface {
	Register(chat domain.RegisteredChat) error
	List() []domain.RegisteredChat
}

// ServiceController applies a service_control action. Restart schedules an
// exit after a grace period and returns immediately; Rebuild runs the
// configured build command synchronously and only exits on success.
type ServiceController interface {
	Restart()
	Rebuild(ctx context.Context, buildCommand string) error
}

// Mailbox polls every workspace's messages/ and tasks/ directories,
// authorizes each action, and applies it.
type Mailbox struct {
	root         string
	pollInterval time.Duration
	location     *time.Location
	buildCommand string

	tasks    TaskStore
	topics   TopicLookup
	sender   ChatSender
	registry ChatRegistry
	service  ServiceController
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now           func() time.Time
	newID         func() string
	tickerFactory func(time.Duration) mailboxTicker
}

// ErrAlreadyStarted is returned by Start when the poll loop is already
// running.
var ErrAlreadyStarted = errors.New("mailbox already started")

// New returns a Mailbox rooted at root (config.MailboxRoot()), where each
// workspace owns a root/<workspace>/{messages,tasks,errors} subtree.
func New(root string, pollInterval time.Duration, tasks TaskStore, topics TopicLookup, sender ChatSender, registry ChatRegistry, service ServiceController, location *time.Location, buildCommand string, logger *log.Logger) *Mailbox {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Mailbox{
		root:         root,
		pollInterval: pollInterval,
		location:     location,
		buildCommand: buildCommand,
		tasks:        tasks,
		topics:       topics,
		sender:       sender,
		registry:     registry,
		service:      service,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        ids.New,
		tickerFactory: func(interval time.Duration) mailboxTicker {
			return newRealTicker(interval)
		},
	}
}

// Start launches the 1s (configurable) poll loop.
func (m *Mailbox) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	ticker := m.tickerFactory(m.pollInterval)
	m.running = true
	m.stopCh = stopCh
	m.doneCh = doneCh
	m.mu.Unlock()

	go m.run(ctx, ticker, stopCh, doneCh)
	return nil
}

// Stop halts the poll loop and waits for the in-flight pass, if any, to
// finish.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.running = false
	m.stopCh = nil
	m.doneCh = nil
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Mailbox) run(ctx context.Context, ticker mailboxTicker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			m.PollOnce(ctx)
		}
	}
}

// PollOnce scans every workspace directory under root once: each
// top-level entry is treated as a workspace, and its messages/ and
// tasks/ subdirectories are processed in listing order.
func (m *Mailbox) PollOnce(ctx context.Context) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Printf("mailbox: list workspaces under %s: %v", m.root, err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		workspace := entry.Name()
		workspaceDir := filepath.Join(m.root, workspace)
		m.processDir(ctx, workspace, filepath.Join(workspaceDir, "messages"))
		m.processDir(ctx, workspace, filepath.Join(workspaceDir, "tasks"))
	}
}

func (m *Mailbox) processDir(ctx context.Context, workspace, dirPath string) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Printf("mailbox: list %s: %v", dirPath, err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m.processFile(ctx, workspace, dirPath, entry.Name())
	}
}

func (m *Mailbox) processFile(ctx context.Context, workspace, dirPath, name string) {
	fullPath := filepath.Join(dirPath, name)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Printf("mailbox: read %s: %v", fullPath, err)
		}
		return
	}

	action, err := parseAction(data)
	if err != nil {
		m.logger.Printf("mailbox: parse %s: %v (moving to errors)", fullPath, err)
		m.moveToErrors(workspace, fullPath, name)
		return
	}

	authorized, err := m.dispatch(ctx, workspace, action)
	if !authorized {
		m.logger.Printf("mailbox: unauthorized action from workspace %q in %s, discarding", workspace, fullPath)
		_ = os.Remove(fullPath)
		return
	}
	if err != nil {
		m.logger.Printf("mailbox: apply %s: %v (moving to errors)", fullPath, err)
		m.moveToErrors(workspace, fullPath, name)
		return
	}
	_ = os.Remove(fullPath)
}

func (m *Mailbox) moveToErrors(workspace, fullPath, name string) {
	errDir := filepath.Join(m.root, workspace, "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		m.logger.Printf("mailbox: create errors dir for %s: %v", workspace, err)
		return
	}
	if err := os.Rename(fullPath, filepath.Join(errDir, name)); err != nil {
		m.logger.Printf("mailbox: move %s to errors: %v", fullPath, err)
	}
}

// dispatch applies action on behalf of workspace, returning whether the
// action was authorized and, if so, whatever error applying it produced.
func (m *Mailbox) dispatch(ctx context.Context, workspace string, action any) (bool, error) {
	switch a := action.(type) {
	case messagePayload:
		return m.handleMessage(ctx, workspace, a)
	case reactionPayload:
		return m.handleReaction(ctx, workspace, a)
	case scheduleTaskPayload:
		return m.handleScheduleTask(ctx, workspace, a)
	case taskIDPayload:
		return m.handleTaskMutation(ctx, workspace, a)
	case registerChatPayload:
		return m.handleRegisterChat(ctx, workspace, a)
	case serviceControlPayload:
		return m.handleServiceControl(ctx, workspace, a)
	default:
		return false, fmt.Errorf("unhandled mailbox action type %T", action)
	}
}

// ownsChat reports whether workspace may act on chatID: the main
// workspace always may; any other workspace only if its own topic is
// bound to that chat.
func (m *Mailbox) ownsChat(ctx context.Context, workspace string, chatID int64) bool {
	if workspace == domain.MainWorkspace {
		return true
	}
	topic, err := m.topics.TopicByFolder(ctx, workspace)
	if err != nil {
		return false
	}
	return topic.ChatID == chatID
}

func (m *Mailbox) handleMessage(ctx context.Context, workspace string, p messagePayload) (bool, error) {
	if !m.ownsChat(ctx, workspace, p.ChatID) {
		return false, nil
	}
	return true, m.sender.SendMessage(ctx, p.ChatID, p.TopicID, p.Text)
}

func (m *Mailbox) handleReaction(ctx context.Context, workspace string, p reactionPayload) (bool, error) {
	if !m.ownsChat(ctx, workspace, p.ChatID) {
		return false, nil
	}
	return true, m.sender.SendReaction(ctx, p.ChatID, p.MessageID, p.Emoji)
}

// handleScheduleTask ingests a schedule_task action. Any workspace may
// schedule a task; a non-main source's folder is always coerced to
// itself, regardless of what it claims in the payload (4.H example 5).
func (m *Mailbox) handleScheduleTask(ctx context.Context, workspace string, p scheduleTaskPayload) (bool, error) {
	folder := p.Folder
	if workspace != domain.MainWorkspace {
		folder = workspace
	} else if folder == "" {
		folder = domain.MainWorkspace
	}

	contextMode := domain.ContextMode(p.ContextMode)
	if contextMode == "" {
		contextMode = domain.ContextIsolated
	}

	now := m.now()
	nextRun, err := computeInitialNextRun(p.ScheduleType, p.ScheduleValue, now, m.location)
	if err != nil {
		return true, fmt.Errorf("invalid schedule_task: %w", err)
	}

	task := domain.ScheduledTask{
		ID:            m.newID(),
		ChatID:        p.ChatID,
		TopicID:       p.TopicID,
		Folder:        folder,
		Prompt:        p.Prompt,
		ScheduleType:  domain.ScheduleType(p.ScheduleType),
		ScheduleValue: p.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       nextRun,
		Status:        domain.TaskActive,
		CreatedAt:     now,
	}
	return true, m.tasks.CreateTask(ctx, task)
}

// handleTaskMutation applies pause_task, resume_task, or cancel_task: the
// source workspace must be main or the owning folder of the target task.
func (m *Mailbox) handleTaskMutation(ctx context.Context, workspace string, p taskIDPayload) (bool, error) {
	task, err := m.tasks.GetTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return true, fmt.Errorf("look up task %s: %w", p.TaskID, err)
	}
	if workspace != domain.MainWorkspace && task.Folder != workspace {
		return false, nil
	}

	switch p.Type {
	case ActionPauseTask:
		task.Status = domain.TaskPaused
		return true, m.tasks.UpdateTask(ctx, task)
	case ActionResumeTask:
		task.Status = domain.TaskActive
		return true, m.tasks.UpdateTask(ctx, task)
	case ActionCancelTask:
		return true, m.tasks.DeleteTask(ctx, p.TaskID)
	default:
		return true, fmt.Errorf("unhandled task mutation type %q", p.Type)
	}
}

// handleRegisterChat applies register_chat: main-only.
func (m *Mailbox) handleRegisterChat(ctx context.Context, workspace string, p registerChatPayload) (bool, error) {
	if workspace != domain.MainWorkspace {
		return false, nil
	}
	mode := domain.TriggerMode(p.TriggerMode)
	if mode == "" {
		mode = domain.TriggerMention
	}
	chat := domain.RegisteredChat{
		ChatID:         p.ChatID,
		ChatType:       domain.ChatType(p.ChatType),
		Title:          p.ChatTitle,
		Mode:           mode,
		MentionPattern: p.MentionPattern,
		AddedBy:        workspace,
		AddedAt:        m.now(),
	}
	return true, m.registry.Register(chat)
}

// handleServiceControl applies service_control: main-only. restart exits
// after a grace period; rebuild runs the build command and only exits on
// success, leaving the running process alone on failure.
func (m *Mailbox) handleServiceControl(ctx context.Context, workspace string, p serviceControlPayload) (bool, error) {
	if workspace != domain.MainWorkspace {
		return false, nil
	}
	switch p.Action {
	case "restart":
		m.service.Restart()
		return true, nil
	case "rebuild":
		return true, m.service.Rebuild(ctx, m.buildCommand)
	default:
		return true, fmt.Errorf("unknown service_control action %q", p.Action)
	}
}
