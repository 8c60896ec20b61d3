package mailbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// Action type tags (4.H). Replacing a dynamically typed payload with a
// tagged variant per the REDESIGN FLAGS: unknown tags are rejected at
// parse time rather than silently ignored.
const (
	ActionMessage        = "message"
	ActionReaction       = "reaction"
	ActionScheduleTask    = "schedule_task"
	ActionPauseTask      = "pause_task"
	ActionResumeTask     = "resume_task"
	ActionCancelTask     = "cancel_task"
	ActionRegisterChat   = "register_chat"
	ActionServiceControl = "service_control"
)

var mailboxCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type envelope struct {
	Type string `json:"type"`
}

type messagePayload struct {
	Type    string `json:"type"`
	ChatID  int64  `json:"chat_id"`
	TopicID int64  `json:"topic_id"`
	Text    string `json:"text"`
	Folder  string `json:"folder"`
}

type reactionPayload struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
	Folder    string `json:"folder"`
}

type scheduleTaskPayload struct {
	Type          string `json:"type"`
	Folder        string `json:"folder"`
	ChatID        int64  `json:"chat_id"`
	TopicID       int64  `json:"topic_id"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
}

// taskIDPayload covers pause_task, resume_task, and cancel_task: same
// shape, the embedded Type field decides which mutation to apply.
type taskIDPayload struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

type registerChatPayload struct {
	Type           string `json:"type"`
	ChatID         int64  `json:"chat_id"`
	ChatType       string `json:"chat_type"`
	ChatTitle      string `json:"chat_title"`
	TriggerMode    string `json:"trigger_mode"`
	MentionPattern string `json:"mention_pattern"`
}

type serviceControlPayload struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// parseAction sniffs the envelope's type tag and unmarshals into the
// matching concrete payload. Unknown tags are rejected rather than
// ignored, per the tagged-variant redesign.
func parseAction(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode mailbox action envelope: %w", err)
	}

	switch env.Type {
	case ActionMessage:
		var p messagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode message action: %w", err)
		}
		return p, nil
	case ActionReaction:
		var p reactionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode reaction action: %w", err)
		}
		return p, nil
	case ActionScheduleTask:
		var p scheduleTaskPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode schedule_task action: %w", err)
		}
		return p, nil
	case ActionPauseTask, ActionResumeTask, ActionCancelTask:
		var p taskIDPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s action: %w", env.Type, err)
		}
		return p, nil
	case ActionRegisterChat:
		var p registerChatPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode register_chat action: %w", err)
		}
		return p, nil
	case ActionServiceControl:
		var p serviceControlPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode service_control action: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown mailbox action type %q", env.Type)
	}
}

// computeInitialNextRun mirrors the scheduler's computeNextRun for a task
// being scheduled for the first time: cron resolves its next occurrence
// from now, interval adds its millisecond value to now, once is taken
// literally as the run time itself.
func computeInitialNextRun(scheduleType, scheduleValue string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch domain.ScheduleType(scheduleType) {
	case domain.ScheduleCron:
		sched, err := mailboxCronParser.Parse(scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", scheduleValue, err)
		}
		next := sched.Next(now.In(loc)).UTC()
		return &next, nil
	case domain.ScheduleInterval:
		ms, err := parsePositiveMillis(scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse interval %q: %w", scheduleValue, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case domain.ScheduleOnce:
		t, err := parseOnceTimestamp(scheduleValue, loc)
		if err != nil {
			return nil, fmt.Errorf("parse once timestamp %q: %w", scheduleValue, err)
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// onceLocalLayout is the "local timestamp" layout spec.md's once schedule
// type expects (no zone offset), distinct from the ISO-8601 instant with
// offset used elsewhere in the schema.
const onceLocalLayout = "2006-01-02T15:04:05"

// parseOnceTimestamp parses a once schedule_value as a local timestamp in
// loc, falling back to RFC3339 for values that do carry a zone offset.
func parseOnceTimestamp(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(onceLocalLayout, value, loc); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parsePositiveMillis(raw string) (int64, error) {
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %d", ms)
	}
	return ms, nil
}
