// Package domain holds the entities shared across the supervisor: chats,
// topics, messages, scheduled tasks, and the workspace/session concepts that
// tie them together. It has no dependency on storage or transport so every
// other package can import it without pulling in gorm or discordgo.
package domain

import "time"

// ChatType enumerates the kinds of chat a conversation can be.
type ChatType string

const (
	ChatTypePrivate    ChatType = "private"
	ChatTypeGroup      ChatType = "group"
	ChatTypeSupergroup ChatType = "supergroup"
	ChatTypeChannel    ChatType = "channel"
)

// TriggerMode decides whether an inbound chat message causes a dispatch.
type TriggerMode string

const (
	TriggerAlways    TriggerMode = "always"
	TriggerMention   TriggerMode = "mention"
	TriggerDisabled  TriggerMode = "disabled"
)

// MainWorkspace is the distinguished, privileged workspace for the admin
// conversation. GlobalWorkspace holds shared memory for non-privileged
// workspaces.
const (
	MainWorkspace   = "main"
	GlobalWorkspace = "global"
)

// Chat is a conversation the platform has delivered at least one event for.
type Chat struct {
	ChatID       int64
	ChatType     ChatType
	Title        string
	LastActivity time.Time
}

// ContainerConfig carries per-registered-chat overrides consumed by the
// Mount Planner and Worker Pool.
type ContainerConfig struct {
	ExtraMounts []MountRequest
	Timeout     time.Duration
	Env         map[string]string
}

// RegisteredChat is a Chat that has opted into dispatch, with its trigger
// policy and optional container overrides.
type RegisteredChat struct {
	ChatID          int64
	ChatType        ChatType
	Title           string
	Mode            TriggerMode
	MentionPattern  string
	AddedAt         time.Time
	AddedBy         string
	ContainerConfig ContainerConfig
}

// EffectiveMentionPattern returns the configured mention pattern, or the
// default "@<assistantName>" pattern when unset.
func (r RegisteredChat) EffectiveMentionPattern(assistantName string) string {
	if r.MentionPattern != "" {
		return r.MentionPattern
	}
	return "@" + assistantName
}

// MountRequest is one additional host->container bind mount requested by a
// registered chat's container_config.
type MountRequest struct {
	HostPath  string
	SubPath   string
	ReadOnly  bool
}

// Topic is a (chat, topic) pair bound to a unique workspace folder. A
// topic_id of 0 means "no topic / general".
type Topic struct {
	ChatID       int64
	TopicID      int64
	Name         string
	Folder       string
	TriggerMode  TriggerMode
	LastActivity time.Time
}

// MessageType enumerates the kinds of message the Store persists.
type MessageType string

const (
	MessageTypeText          MessageType = "text"
	MessageTypeReaction      MessageType = "reaction"
	MessageTypeAgentResponse MessageType = "agent_response"
)

// ReactionAction distinguishes a reaction being added from one being
// removed; only additions trigger dispatch (4.I).
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

// Message is one event in a (chat, topic) conversation, uniquely identified
// by (ChatID, TopicID, ID).
type Message struct {
	ChatID          int64
	TopicID         int64
	ID              int64
	SenderID        string
	SenderName      string
	Content         string
	Type            MessageType
	Timestamp       time.Time
	IsBot           bool
	ReplyTo         int64
	ReactionEmoji   string
	ReactionAction  ReactionAction
	TargetMessageID int64
	WorkerSessionID string
}

// ScheduleType enumerates how a ScheduledTask recurs.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// ContextMode decides whether a scheduled task reuses the workspace's
// current worker session or starts fresh.
type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is a timer-driven job bound to an owning workspace folder.
type ScheduledTask struct {
	ID            string
	ChatID        int64
	TopicID       int64
	Folder        string
	Prompt        string
	ScheduleType  ScheduleType
	ScheduleValue string
	ContextMode   ContextMode
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        TaskStatus
	CreatedAt     time.Time
}

// RunStatus is the outcome of one scheduled task execution.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TaskRunLog is an append-only record of one ScheduledTask execution.
type TaskRunLog struct {
	TaskID     string
	RunAt      time.Time
	DurationMS int64
	Status     RunStatus
	Result     string
	Error      string
}

// MaxLastResultLen is the truncation length for ScheduledTask.LastResult
// (4.G step 7).
const MaxLastResultLen = 200

// TruncateResult truncates a result string to MaxLastResultLen runes, the
// way update_after_run is required to.
func TruncateResult(s string) string {
	r := []rune(s)
	if len(r) <= MaxLastResultLen {
		return s
	}
	return string(r[:MaxLastResultLen])
}
