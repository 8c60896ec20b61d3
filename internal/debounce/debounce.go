// Package debounce implements the Debouncer (4.F): one merge buffer per
// workspace key, armed on every inbound message and flushed after a
// quiescence window so a burst of rapid messages reaches Dispatch Core as
// a single merged turn.
package debounce

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// MultiSenderLabel is the literal sender label used for a batch's overall
// Sender field when more than one sender contributed to it.
const MultiSenderLabel = "multiple senders"

// Entry is one firing message appended to a workspace's buffer.
type Entry struct {
	Sender    string
	Content   string
	MessageID int64
	ReplyTo   int64
	Timestamp time.Time
}

// Batch is what a buffer produces when its timer fires.
type Batch struct {
	Key     string
	Sender  string
	Content string
	ReplyTo int64
	Latest  time.Time
}

// FireFunc is invoked once per flushed buffer.
type FireFunc func(batch Batch)

// timerHandle is the subset of *time.Timer the debouncer needs; tests
// substitute a handle backed by a manually-driven fake.
type timerHandle interface {
	Stop() bool
}

type timerFactory func(d time.Duration, fire func()) timerHandle

func realTimerFactory(d time.Duration, fire func()) timerHandle {
	return time.AfterFunc(d, fire)
}

// Debouncer owns one buffer per workspace key (chat_id_topic_id).
type Debouncer struct {
	window time.Duration
	fire   FireFunc
	logger *log.Logger

	newTimer timerFactory

	mu      sync.Mutex
	buffers map[string][]Entry
	timers  map[string]timerHandle
	closed  bool
}

// New creates a Debouncer with the given quiescence window. fire is
// invoked from the timer goroutine (or, during Shutdown, from Shutdown's
// caller), never while the debouncer's own lock is held.
func New(window time.Duration, fire FireFunc, logger *log.Logger) *Debouncer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Debouncer{
		window:   window,
		fire:     fire,
		logger:   logger,
		newTimer: realTimerFactory,
		buffers:  make(map[string][]Entry),
		timers:   make(map[string]timerHandle),
	}
}

// Key builds the workspace buffer key for a (chat, topic) pair.
func Key(chatID, topicID int64) string {
	return fmt.Sprintf("%d_%d", chatID, topicID)
}

// ParseKey recovers the (chat, topic) pair encoded in a key built by Key.
func ParseKey(key string) (chatID, topicID int64, err error) {
	if _, err := fmt.Sscanf(key, "%d_%d", &chatID, &topicID); err != nil {
		return 0, 0, fmt.Errorf("parse debounce key %q: %w", key, err)
	}
	return chatID, topicID, nil
}

// Add appends entry to key's buffer and (re)arms its quiescence timer. A
// shutdown Debouncer silently drops further entries.
func (d *Debouncer) Add(key string, entry Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Printf("debounce: dropping entry for %s after shutdown", key)
		return
	}

	d.buffers[key] = append(d.buffers[key], entry)
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = d.newTimer(d.window, func() { d.flush(key) })
}

func (d *Debouncer) flush(key string) {
	d.mu.Lock()
	entries := d.buffers[key]
	delete(d.buffers, key)
	delete(d.timers, key)
	d.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	d.fire(mergeBatch(key, entries))
}

// Shutdown stops every pending timer and flushes every buffer
// synchronously, the way process shutdown must per 4.F.
func (d *Debouncer) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	keys := make([]string, 0, len(d.buffers))
	for k := range d.buffers {
		keys = append(keys, k)
	}
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]timerHandle)
	d.mu.Unlock()

	for _, k := range keys {
		d.flush(k)
	}
}

func mergeBatch(key string, entries []Entry) Batch {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	senders := make(map[string]struct{}, 1)
	for _, e := range entries {
		senders[e.Sender] = struct{}{}
	}

	lines := make([]string, 0, len(entries))
	multi := len(senders) > 1
	for _, e := range entries {
		if multi {
			lines = append(lines, fmt.Sprintf("[%s]: %s", e.Sender, e.Content))
		} else {
			lines = append(lines, e.Content)
		}
	}

	sender := entries[0].Sender
	if multi {
		sender = MultiSenderLabel
	}

	newest := entries[len(entries)-1]
	return Batch{
		Key:     key,
		Sender:  sender,
		Content: strings.Join(lines, "\n"),
		ReplyTo: newest.MessageID,
		Latest:  newest.Timestamp,
	}
}
