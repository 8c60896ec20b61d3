package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/nanoclaw/supervisor/internal/db"
	"github.com/nanoclaw/supervisor/internal/domain"
)

// GormStore is the gorm-backed Store, working against either sqlite or
// postgres depending on how it was opened.
type GormStore struct {
	gdb *gorm.DB
}

// NewGormStore opens driver/dsn and migrates the schema.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gdb, err := db.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	s := &GormStore{gdb: gdb}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	return s.gdb.AutoMigrate(&chatRow{}, &topicRow{}, &messageRow{}, &taskRow{}, &taskRunLogRow{})
}

func (s *GormStore) UpsertChat(ctx context.Context, chat domain.Chat) error {
	row := chatRowFromRecord(chat)
	err := s.gdb.WithContext(ctx).
		Where("chat_id = ?", row.ChatID).
		Assign(row).
		FirstOrCreate(&chatRow{}).Error
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (s *GormStore) ChatByID(ctx context.Context, chatID int64) (domain.Chat, error) {
	var row chatRow
	err := s.gdb.WithContext(ctx).Where("chat_id = ?", chatID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chat{}, ErrNotFound
		}
		return domain.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) UpsertTopic(ctx context.Context, topic domain.Topic) error {
	row := topicRowFromRecord(topic)
	err := s.gdb.WithContext(ctx).
		Where("chat_id = ? AND topic_id = ?", row.ChatID, row.TopicID).
		Assign(row).
		FirstOrCreate(&topicRow{}).Error
	if err != nil {
		return fmt.Errorf("upsert topic: %w", err)
	}
	return nil
}

func (s *GormStore) TopicByKey(ctx context.Context, chatID, topicID int64) (domain.Topic, error) {
	var row topicRow
	err := s.gdb.WithContext(ctx).
		Where("chat_id = ? AND topic_id = ?", chatID, topicID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Topic{}, ErrNotFound
		}
		return domain.Topic{}, fmt.Errorf("get topic: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) TopicByFolder(ctx context.Context, folder string) (domain.Topic, error) {
	var row topicRow
	err := s.gdb.WithContext(ctx).Where("folder = ?", folder).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Topic{}, ErrNotFound
		}
		return domain.Topic{}, fmt.Errorf("get topic by folder: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) TopicsForChat(ctx context.Context, chatID int64) ([]domain.Topic, error) {
	var rows []topicRow
	if err := s.gdb.WithContext(ctx).Where("chat_id = ?", chatID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list topics for chat: %w", err)
	}
	out := make([]domain.Topic, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// StoreMessage is idempotent on (chat_id, topic_id, id): a repeated insert
// of the same primary key is a no-op rather than an error.
func (s *GormStore) StoreMessage(ctx context.Context, msg domain.Message) error {
	row := messageRowFromRecord(msg)
	var existing messageRow
	err := s.gdb.WithContext(ctx).
		Where("chat_id = ? AND topic_id = ? AND id = ?", row.ChatID, row.TopicID, row.ID).
		Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("check existing message: %w", err)
	}
	if err := s.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *GormStore) MessagesSince(ctx context.Context, chatID, topicID int64, since time.Time, excludePrefix string) ([]domain.Message, error) {
	query := s.gdb.WithContext(ctx).
		Where("chat_id = ? AND topic_id = ? AND timestamp > ? AND type = ?", chatID, topicID, since, string(domain.MessageTypeText)).
		Order("timestamp ASC")
	if strings.TrimSpace(excludePrefix) != "" {
		query = query.Where("content NOT LIKE ?", excludePrefix+"%")
	}
	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func (s *GormStore) MessageByID(ctx context.Context, chatID, topicID, messageID int64) (domain.Message, error) {
	var row messageRow
	err := s.gdb.WithContext(ctx).
		Where("chat_id = ? AND topic_id = ? AND id = ?", chatID, topicID, messageID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) CreateTask(ctx context.Context, task domain.ScheduledTask) error {
	row := taskRowFromRecord(task)
	if err := s.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *GormStore) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	var row taskRow
	if err := s.gdb.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ScheduledTask{}, ErrNotFound
		}
		return domain.ScheduledTask{}, fmt.Errorf("get task: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) UpdateTask(ctx context.Context, task domain.ScheduledTask) error {
	row := taskRowFromRecord(task)
	updates := map[string]any{
		"chat_id":        row.ChatID,
		"topic_id":       row.TopicID,
		"folder":         row.Folder,
		"prompt":         row.Prompt,
		"schedule_type":  row.ScheduleType,
		"schedule_value": row.ScheduleValue,
		"context_mode":   row.ContextMode,
		"next_run":       row.NextRun,
		"last_run":       row.LastRun,
		"last_result":    row.LastResult,
		"status":         row.Status,
	}
	res := s.gdb.WithContext(ctx).Model(&taskRow{}).Where("id = ?", row.ID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteTask(ctx context.Context, id string) error {
	res := s.gdb.WithContext(ctx).Where("id = ?", id).Delete(&taskRow{})
	if res.Error != nil {
		return fmt.Errorf("delete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) TasksForFolder(ctx context.Context, folder string) ([]domain.ScheduledTask, error) {
	var rows []taskRow
	err := s.gdb.WithContext(ctx).
		Where("folder = ?", folder).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("tasks for folder: %w", err)
	}
	out := make([]domain.ScheduledTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func (s *GormStore) AllTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	var rows []taskRow
	if err := s.gdb.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("all tasks: %w", err)
	}
	out := make([]domain.ScheduledTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func (s *GormStore) DueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	var rows []taskRow
	err := s.gdb.WithContext(ctx).
		Where("status = ? AND next_run IS NOT NULL AND next_run <= ?", string(domain.TaskActive), now).
		Order("next_run ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	out := make([]domain.ScheduledTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func (s *GormStore) UpdateAfterRun(ctx context.Context, taskID string, nextRun *time.Time, summary string, status domain.RunStatus) error {
	now := time.Now().UTC()
	taskStatus := string(domain.TaskActive)
	if nextRun == nil {
		taskStatus = string(domain.TaskCompleted)
	}
	updates := map[string]any{
		"last_run":    &now,
		"last_result": domain.TruncateResult(summary),
		"next_run":    nextRun,
		"status":      taskStatus,
	}
	res := s.gdb.WithContext(ctx).Model(&taskRow{}).Where("id = ?", taskID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update after run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) LogRun(ctx context.Context, entry domain.TaskRunLog) error {
	row := taskRunLogRowFromRecord(entry)
	if err := s.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("log run: %w", err)
	}
	return nil
}

func (s *GormStore) RunsForTask(ctx context.Context, taskID string, limit int) ([]domain.TaskRunLog, error) {
	query := s.gdb.WithContext(ctx).Where("task_id = ?", taskID).Order("run_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []taskRunLogRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runs for task: %w", err)
	}
	out := make([]domain.TaskRunLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
