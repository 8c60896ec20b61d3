package store

import (
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
)

type chatRow struct {
	ChatID       int64  `gorm:"primaryKey"`
	ChatType     string `gorm:"size:32"`
	Title        string
	LastActivity time.Time
}

func (chatRow) TableName() string { return "chats" }

func chatRowFromRecord(c domain.Chat) chatRow {
	return chatRow{
		ChatID:       c.ChatID,
		ChatType:     string(c.ChatType),
		Title:        c.Title,
		LastActivity: c.LastActivity,
	}
}

func (r chatRow) toRecord() domain.Chat {
	return domain.Chat{
		ChatID:       r.ChatID,
		ChatType:     domain.ChatType(r.ChatType),
		Title:        r.Title,
		LastActivity: r.LastActivity,
	}
}

type topicRow struct {
	ChatID       int64  `gorm:"primaryKey;autoIncrement:false"`
	TopicID      int64  `gorm:"primaryKey;autoIncrement:false"`
	Name         string
	Folder       string `gorm:"uniqueIndex;size:50"`
	TriggerMode  string `gorm:"size:16"`
	LastActivity time.Time
}

func (topicRow) TableName() string { return "topics" }

func topicRowFromRecord(t domain.Topic) topicRow {
	return topicRow{
		ChatID:       t.ChatID,
		TopicID:      t.TopicID,
		Name:         t.Name,
		Folder:       t.Folder,
		TriggerMode:  string(t.TriggerMode),
		LastActivity: t.LastActivity,
	}
}

func (r topicRow) toRecord() domain.Topic {
	return domain.Topic{
		ChatID:       r.ChatID,
		TopicID:      r.TopicID,
		Name:         r.Name,
		Folder:       r.Folder,
		TriggerMode:  domain.TriggerMode(r.TriggerMode),
		LastActivity: r.LastActivity,
	}
}

type messageRow struct {
	ChatID          int64 `gorm:"primaryKey;autoIncrement:false"`
	TopicID         int64 `gorm:"primaryKey;autoIncrement:false"`
	ID              int64 `gorm:"primaryKey;autoIncrement:false"`
	SenderID        string
	SenderName      string
	Content         string
	Type            string `gorm:"size:16"`
	Timestamp       time.Time `gorm:"index"`
	IsBot           bool
	ReplyTo         int64
	ReactionEmoji   string
	ReactionAction  string `gorm:"size:16"`
	TargetMessageID int64
	WorkerSessionID string
}

func (messageRow) TableName() string { return "messages" }

func messageRowFromRecord(m domain.Message) messageRow {
	return messageRow{
		ChatID:          m.ChatID,
		TopicID:         m.TopicID,
		ID:              m.ID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		Content:         m.Content,
		Type:            string(m.Type),
		Timestamp:       m.Timestamp,
		IsBot:           m.IsBot,
		ReplyTo:         m.ReplyTo,
		ReactionEmoji:   m.ReactionEmoji,
		ReactionAction:  string(m.ReactionAction),
		TargetMessageID: m.TargetMessageID,
		WorkerSessionID: m.WorkerSessionID,
	}
}

func (r messageRow) toRecord() domain.Message {
	return domain.Message{
		ChatID:          r.ChatID,
		TopicID:         r.TopicID,
		ID:              r.ID,
		SenderID:        r.SenderID,
		SenderName:      r.SenderName,
		Content:         r.Content,
		Type:            domain.MessageType(r.Type),
		Timestamp:       r.Timestamp,
		IsBot:           r.IsBot,
		ReplyTo:         r.ReplyTo,
		ReactionEmoji:   r.ReactionEmoji,
		ReactionAction:  domain.ReactionAction(r.ReactionAction),
		TargetMessageID: r.TargetMessageID,
		WorkerSessionID: r.WorkerSessionID,
	}
}

type taskRow struct {
	ID            string `gorm:"primaryKey;size:40"`
	ChatID        int64
	TopicID       int64
	Folder        string `gorm:"index"`
	Prompt        string
	ScheduleType  string `gorm:"size:16"`
	ScheduleValue string
	ContextMode   string `gorm:"size:16"`
	NextRun       *time.Time `gorm:"index"`
	LastRun       *time.Time
	LastResult    string
	Status        string `gorm:"size:16;index"`
	CreatedAt     time.Time
}

func (taskRow) TableName() string { return "scheduled_tasks" }

func taskRowFromRecord(t domain.ScheduledTask) taskRow {
	return taskRow{
		ID:            t.ID,
		ChatID:        t.ChatID,
		TopicID:       t.TopicID,
		Folder:        t.Folder,
		Prompt:        t.Prompt,
		ScheduleType:  string(t.ScheduleType),
		ScheduleValue: t.ScheduleValue,
		ContextMode:   string(t.ContextMode),
		NextRun:       t.NextRun,
		LastRun:       t.LastRun,
		LastResult:    t.LastResult,
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt,
	}
}

func (r taskRow) toRecord() domain.ScheduledTask {
	return domain.ScheduledTask{
		ID:            r.ID,
		ChatID:        r.ChatID,
		TopicID:       r.TopicID,
		Folder:        r.Folder,
		Prompt:        r.Prompt,
		ScheduleType:  domain.ScheduleType(r.ScheduleType),
		ScheduleValue: r.ScheduleValue,
		ContextMode:   domain.ContextMode(r.ContextMode),
		NextRun:       r.NextRun,
		LastRun:       r.LastRun,
		LastResult:    r.LastResult,
		Status:        domain.TaskStatus(r.Status),
		CreatedAt:     r.CreatedAt,
	}
}

type taskRunLogRow struct {
	ID         uint   `gorm:"primaryKey"`
	TaskID     string `gorm:"index"`
	RunAt      time.Time
	DurationMS int64
	Status     string `gorm:"size:16"`
	Result     string
	Error      string
}

func (taskRunLogRow) TableName() string { return "task_run_logs" }

func taskRunLogRowFromRecord(l domain.TaskRunLog) taskRunLogRow {
	return taskRunLogRow{
		TaskID:     l.TaskID,
		RunAt:      l.RunAt,
		DurationMS: l.DurationMS,
		Status:     string(l.Status),
		Result:     l.Result,
		Error:      l.Error,
	}
}

func (r taskRunLogRow) toRecord() domain.TaskRunLog {
	return domain.TaskRunLog{
		TaskID:     r.TaskID,
		RunAt:      r.RunAt,
		DurationMS: r.DurationMS,
		Status:     domain.RunStatus(r.Status),
		Result:     r.Result,
		Error:      r.Error,
	}
}
