package registry

import (
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// fileRow is the JSON representation of one RegisteredChat on disk.
type fileRow struct {
	ChatID          int64             `json:"chat_id"`
	ChatType        string            `json:"chat_type"`
	Title           string            `json:"title"`
	Mode            string            `json:"mode"`
	MentionPattern  string            `json:"mention_pattern,omitempty"`
	AddedAt         time.Time         `json:"added_at"`
	AddedBy         string            `json:"added_by,omitempty"`
	ExtraMounts     []fileMountRow    `json:"extra_mounts,omitempty"`
	TimeoutSeconds  int64             `json:"timeout_seconds,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

type fileMountRow struct {
	HostPath string `json:"host_path"`
	SubPath  string `json:"sub_path"`
	ReadOnly bool   `json:"read_only"`
}

func fileRowFromRecord(c domain.RegisteredChat) fileRow {
	mounts := make([]fileMountRow, 0, len(c.ContainerConfig.ExtraMounts))
	for _, m := range c.ContainerConfig.ExtraMounts {
		mounts = append(mounts, fileMountRow{HostPath: m.HostPath, SubPath: m.SubPath, ReadOnly: m.ReadOnly})
	}
	var timeoutSeconds int64
	if c.ContainerConfig.Timeout > 0 {
		timeoutSeconds = int64(c.ContainerConfig.Timeout.Seconds())
	}
	return fileRow{
		ChatID:         c.ChatID,
		ChatType:       string(c.ChatType),
		Title:          c.Title,
		Mode:           string(c.Mode),
		MentionPattern: c.MentionPattern,
		AddedAt:        c.AddedAt,
		AddedBy:        c.AddedBy,
		ExtraMounts:    mounts,
		TimeoutSeconds: timeoutSeconds,
		Env:            c.ContainerConfig.Env,
	}
}

func (f fileRow) toRecord() domain.RegisteredChat {
	mounts := make([]domain.MountRequest, 0, len(f.ExtraMounts))
	for _, m := range f.ExtraMounts {
		mounts = append(mounts, domain.MountRequest{HostPath: m.HostPath, SubPath: m.SubPath, ReadOnly: m.ReadOnly})
	}
	var timeout time.Duration
	if f.TimeoutSeconds > 0 {
		timeout = time.Duration(f.TimeoutSeconds) * time.Second
	}
	return domain.RegisteredChat{
		ChatID:         f.ChatID,
		ChatType:       domain.ChatType(f.ChatType),
		Title:          f.Title,
		Mode:           domain.TriggerMode(f.Mode),
		MentionPattern: f.MentionPattern,
		AddedAt:        f.AddedAt,
		AddedBy:        f.AddedBy,
		ContainerConfig: domain.ContainerConfig{
			ExtraMounts: mounts,
			Timeout:     timeout,
			Env:         f.Env,
		},
	}
}
