// Package store is the durable collection layer: chats, topics, messages,
// scheduled tasks, and task run logs. Everything else in the supervisor
// treats it as the single source of truth for persisted state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// Store is the collection of operations the rest of the supervisor relies
// on (4.A). Implementations must make every write atomic per statement;
// batch reads inside a single Scheduler tick are not required to be
// transactional as a whole.
type Store interface {
	UpsertChat(ctx context.Context, chat domain.Chat) error
	ChatByID(ctx context.Context, chatID int64) (domain.Chat, error)

	UpsertTopic(ctx context.Context, topic domain.Topic) error
	TopicByKey(ctx context.Context, chatID, topicID int64) (domain.Topic, error)
	TopicByFolder(ctx context.Context, folder string) (domain.Topic, error)
	TopicsForChat(ctx context.Context, chatID int64) ([]domain.Topic, error)

	// StoreMessage is idempotent on (chat_id, topic_id, id).
	StoreMessage(ctx context.Context, msg domain.Message) error
	// MessagesSince returns text messages only (4.I step 2): reactions and
	// the assistant's own agent_response rows never enter the prompt.
	MessagesSince(ctx context.Context, chatID, topicID int64, since time.Time, excludePrefix string) ([]domain.Message, error)
	// MessageByID looks up a single message, for reaction-triggered
	// dispatch's "authored by the bot" check (4.I).
	MessageByID(ctx context.Context, chatID, topicID, messageID int64) (domain.Message, error)

	CreateTask(ctx context.Context, task domain.ScheduledTask) error
	GetTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	UpdateTask(ctx context.Context, task domain.ScheduledTask) error
	DeleteTask(ctx context.Context, id string) error
	DueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)
	UpdateAfterRun(ctx context.Context, taskID string, nextRun *time.Time, summary string, status domain.RunStatus) error
	// TasksForFolder lists every task owned by folder, newest first.
	TasksForFolder(ctx context.Context, folder string) ([]domain.ScheduledTask, error)
	// AllTasks lists every task in the system, for the main workspace's
	// snapshot (4.H).
	AllTasks(ctx context.Context) ([]domain.ScheduledTask, error)

	LogRun(ctx context.Context, entry domain.TaskRunLog) error
	RunsForTask(ctx context.Context, taskID string, limit int) ([]domain.TaskRunLog, error)

	Close() error
}
