// Package router implements the Session Router: mapping a (chat, topic)
// pair to a unique, persistent workspace folder name (4.B).
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/store"
)

const maxFolderLen = 50

// Router resolves (chat, topic) pairs to workspace folders, assigning a
// fresh, unique one the first time a pair is seen and remembering it via
// the Store from then on.
type Router struct {
	store store.Store
}

// New returns a Router backed by the given Store.
func New(s store.Store) *Router {
	return &Router{store: s}
}

// Resolve returns the workspace folder for (chatID, topicID), creating and
// persisting a topic row on first sighting. chatTitle and topicName feed
// the slug; topicName is ignored when topicID is 0.
func (r *Router) Resolve(ctx context.Context, chatID, topicID int64, chatTitle, topicName string) (domain.Topic, error) {
	existing, err := r.store.TopicByKey(ctx, chatID, topicID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Topic{}, fmt.Errorf("resolve topic: %w", err)
	}

	folder, err := r.uniqueFolder(ctx, chatID, topicID, chatTitle, topicName)
	if err != nil {
		return domain.Topic{}, err
	}

	topic := domain.Topic{
		ChatID:      chatID,
		TopicID:     topicID,
		Name:        topicName,
		Folder:      folder,
		TriggerMode: domain.TriggerMention,
	}
	if err := r.store.UpsertTopic(ctx, topic); err != nil {
		return domain.Topic{}, fmt.Errorf("persist new topic: %w", err)
	}
	return topic, nil
}

func (r *Router) uniqueFolder(ctx context.Context, chatID, topicID int64, chatTitle, topicName string) (string, error) {
	chatSlug := Slug(chatTitle)
	candidate := chatSlug
	if topicID != 0 {
		topicSlug := Slug(topicName)
		if topicSlug != "" {
			if chatSlug != "" {
				candidate = truncate(chatSlug+"-"+topicSlug, maxFolderLen)
			} else {
				candidate = topicSlug
			}
		}
	}
	if candidate == "" {
		candidate = fmt.Sprintf("chat-%d", chatID)
	}

	folder := candidate
	for suffix := 1; ; suffix++ {
		taken, err := r.folderTaken(ctx, folder)
		if err != nil {
			return "", err
		}
		if !taken {
			return folder, nil
		}
		suffixed := fmt.Sprintf("-%d", suffix)
		folder = truncate(candidate, maxFolderLen-len(suffixed)) + suffixed
	}
}

func (r *Router) folderTaken(ctx context.Context, folder string) (bool, error) {
	_, err := r.store.TopicByFolder(ctx, folder)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("check folder uniqueness: %w", err)
}

// Slug lowercases s, drops any character outside [a-z0-9 _-], collapses
// whitespace into a single hyphen, collapses repeated hyphens, trims
// leading/trailing hyphens, and truncates to 50 characters. It is
// idempotent: Slug(Slug(x)) == Slug(x).
func Slug(s string) string {
	lower := strings.ToLower(s)

	var filtered strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			filtered.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			filtered.WriteRune(' ')
		}
	}

	var collapsed strings.Builder
	lastWasSpace := false
	for _, r := range filtered.String() {
		if r == ' ' {
			if !lastWasSpace {
				collapsed.WriteRune('-')
			}
			lastWasSpace = true
			continue
		}
		lastWasSpace = false
		collapsed.WriteRune(r)
	}

	var deduped strings.Builder
	lastWasDash := false
	for _, r := range collapsed.String() {
		if r == '-' {
			if lastWasDash {
				continue
			}
			lastWasDash = true
		} else {
			lastWasDash = false
		}
		deduped.WriteRune(r)
	}

	trimmed := strings.Trim(deduped.String(), "-")
	return truncate(trimmed, maxFolderLen)
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return strings.Trim(string(r), "-")
	}
	return strings.Trim(string(r[:n]), "-")
}
