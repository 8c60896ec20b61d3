package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// SnapshotTaskStore is the subset of store.Store the snapshot writer
// needs to resolve a workspace's full, current task list.
type SnapshotTaskStore interface {
	TasksForFolder(ctx context.Context, folder string) ([]domain.ScheduledTask, error)
	AllTasks(ctx context.Context) ([]domain.ScheduledTask, error)
}

type taskSnapshotRow struct {
	ID            string  `json:"id"`
	Folder        string  `json:"folder"`
	Prompt        string  `json:"prompt"`
	ScheduleType  string  `json:"scheduleType"`
	ScheduleValue string  `json:"scheduleValue"`
	Status        string  `json:"status"`
	NextRun       *string `json:"nextRun"`
}

type chatSnapshotRow struct {
	ChatID   int64  `json:"chatId"`
	ChatType string `json:"chatType"`
	Title    string `json:"title"`
	Mode     string `json:"mode"`
}

type chatSnapshotFile struct {
	Chats    []chatSnapshotRow `json:"chats"`
	LastSync string            `json:"lastSync"`
}

// Snapshots writes the two worker-visible files a workspace's mailbox
// mount exposes ahead of each dispatch (4.H): current_tasks.json and
// available_chats.json.
type Snapshots struct {
	root     string
	tasks    SnapshotTaskStore
	registry ChatRegistry
	now      func() time.Time
}

// NewSnapshots returns a Snapshots rooted at root (the same
// config.MailboxRoot() the Mailbox itself polls).
func NewSnapshots(root string, tasks SnapshotTaskStore, registry ChatRegistry) *Snapshots {
	return &Snapshots{
		root:     root,
		tasks:    tasks,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WriteTaskSnapshot satisfies scheduler.SnapshotWriter. It ignores the
// tasks argument and re-queries folder's full, current task list so the
// written file always reflects every task the workspace owns, not just
// whichever one triggered the write.
func (s *Snapshots) WriteTaskSnapshot(ctx context.Context, folder string, _ []domain.ScheduledTask) error {
	var tasks []domain.ScheduledTask
	var err error
	if folder == domain.MainWorkspace {
		tasks, err = s.tasks.AllTasks(ctx)
	} else {
		tasks, err = s.tasks.TasksForFolder(ctx, folder)
	}
	if err != nil {
		return fmt.Errorf("load tasks for snapshot: %w", err)
	}

	rows := make([]taskSnapshotRow, 0, len(tasks))
	for _, t := range tasks {
		var nextRun *string
		if t.NextRun != nil {
			v := t.NextRun.UTC().Format(time.RFC3339)
			nextRun = &v
		}
		rows = append(rows, taskSnapshotRow{
			ID:            t.ID,
			Folder:        t.Folder,
			Prompt:        t.Prompt,
			ScheduleType:  string(t.ScheduleType),
			ScheduleValue: t.ScheduleValue,
			Status:        string(t.Status),
			NextRun:       nextRun,
		})
	}
	return s.writeJSON(folder, "current_tasks.json", rows)
}

// WriteChatSnapshot writes available_chats.json for folder: the full
// registry for main, an empty list for everyone else.
func (s *Snapshots) WriteChatSnapshot(ctx context.Context, folder string) error {
	rows := make([]chatSnapshotRow, 0)
	if folder == domain.MainWorkspace {
		for _, c := range s.registry.List() {
			rows = append(rows, chatSnapshotRow{
				ChatID:   c.ChatID,
				ChatType: string(c.ChatType),
				Title:    c.Title,
				Mode:     string(c.Mode),
			})
		}
	}
	file := chatSnapshotFile{Chats: rows, LastSync: s.now().Format(time.RFC3339)}
	return s.writeJSON(folder, "available_chats.json", file)
}

func (s *Snapshots) writeJSON(folder, filename string, v any) error {
	dir := filepath.Join(s.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mailbox dir for %s: %w", folder, err)
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := filepath.Join(dir, filename+".tmp")
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return fmt.Errorf("write temporary snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, filename)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}
