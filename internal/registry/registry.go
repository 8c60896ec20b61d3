// Package registry is the in-memory, file-backed set of registered chats
// (4.C): which chats may be dispatched, under what trigger policy, and
// with what container overrides.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// Registry holds the registered-chat set in memory and mirrors every
// mutation to a JSON file on disk via write-to-temp, rename.
type Registry struct {
	mu      sync.RWMutex
	path    string
	entries map[int64]domain.RegisteredChat
}

// Load reads path (if present) and returns a populated Registry. A
// missing file is not an error; it starts the registry empty.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[int64]domain.RegisteredChat)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return r, nil
	}

	var rows []fileRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode registry file: %w", err)
	}
	for _, row := range rows {
		chat := row.toRecord()
		r.entries[chat.ChatID] = chat
	}
	return r, nil
}

// IsRegistered reports whether chatID has an entry.
func (r *Registry) IsRegistered(chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[chatID]
	return ok
}

// Get returns the RegisteredChat for chatID, if any.
func (r *Registry) Get(chatID int64) (domain.RegisteredChat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chat, ok := r.entries[chatID]
	return chat, ok
}

// List returns a snapshot of all registered chats.
func (r *Registry) List() []domain.RegisteredChat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RegisteredChat, 0, len(r.entries))
	for _, chat := range r.entries {
		out = append(out, chat)
	}
	return out
}

// Register adds or replaces the entry for chat.ChatID and persists.
func (r *Registry) Register(chat domain.RegisteredChat) error {
	if chat.AddedAt.IsZero() {
		chat.AddedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.entries[chat.ChatID] = chat
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return r.persist(snapshot)
}

// Update mutates the entry for chatID with fn and persists. Returns false
// if chatID was not registered.
func (r *Registry) Update(chatID int64, fn func(*domain.RegisteredChat)) (bool, error) {
	r.mu.Lock()
	chat, ok := r.entries[chatID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	fn(&chat)
	r.entries[chatID] = chat
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return true, r.persist(snapshot)
}

// Unregister removes chatID. Missing entries are tolerated (no-op).
func (r *Registry) Unregister(chatID int64) error {
	r.mu.Lock()
	delete(r.entries, chatID)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return r.persist(snapshot)
}

func (r *Registry) snapshotLocked() []fileRow {
	rows := make([]fileRow, 0, len(r.entries))
	for _, chat := range r.entries {
		rows = append(rows, fileRowFromRecord(chat))
	}
	return rows
}

func (r *Registry) persist(rows []fileRow) error {
	if strings.TrimSpace(r.path) == "" {
		return nil
	}
	encoded, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create registry dir: %w", err)
		}
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return fmt.Errorf("write temporary registry file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist registry file: %w", err)
	}
	return nil
}
