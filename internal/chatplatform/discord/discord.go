// Package discord implements chatplatform.Platform over a single discordgo
// session. Unlike the teacher's crab-discord, which runs as a standalone
// process posting HTTP event envelopes to a gateway, the adapter here wires
// discordgo.Session.AddHandler directly into the Dispatch Core: there is no
// separate process and no event envelope to marshal.
package discord

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nanoclaw/supervisor/internal/dispatch"
	"github.com/nanoclaw/supervisor/internal/domain"
)

// DispatchTarget is the Dispatch Core surface the adapter drives. Satisfied
// by *dispatch.Dispatcher.
type DispatchTarget interface {
	HandleMessage(ctx context.Context, in dispatch.InboundMessage) error
	HandleReaction(ctx context.Context, ev dispatch.ReactionEvent) error
}

// channelKind is what the adapter needs to know about a Discord channel to
// map it onto domain.ChatType and a topic id. Resolved once per channel and
// cached, since discordgo.Session.Channel is a REST call.
type channelKind struct {
	chatID   int64
	chatType domain.ChatType
	topicID  int64
	title    string
}

// Session is the subset of *discordgo.Session the adapter calls, so tests
// can substitute a fake.
type Session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Adapter is the Discord chatplatform.Platform implementation.
type Adapter struct {
	session Session
	target  DispatchTarget
	logger  *log.Logger

	mu    sync.RWMutex
	kinds map[string]channelKind
}

// New wires session's gateway handlers to this adapter. The Dispatch Core
// target is supplied afterward via SetTarget, since the Dispatcher itself
// is constructed with this adapter as its ChatSender -- the two sides can't
// both come first. Call Start to open the gateway connection once SetTarget
// has been called.
func New(session Session, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &Adapter{session: session, logger: logger, kinds: make(map[string]channelKind)}
	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onReactionAdd)
	session.AddHandler(a.onReactionRemove)
	return a
}

// SetTarget wires the Dispatch Core the adapter delivers inbound events to.
// Must be called before Start.
func (a *Adapter) SetTarget(target DispatchTarget) {
	a.mu.Lock()
	a.target = target
	a.mu.Unlock()
}

func (a *Adapter) dispatchTarget() DispatchTarget {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.target
}

// Start opens the Discord gateway connection.
func (a *Adapter) Start(ctx context.Context) error {
	_ = ctx
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	a.logger.Printf("discord adapter started")
	return nil
}

// Stop closes the Discord gateway connection.
func (a *Adapter) Stop() error {
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	a.logger.Printf("discord adapter stopped")
	return nil
}

// SendMessage implements chatplatform.Platform.
func (a *Adapter) SendMessage(ctx context.Context, chatID, topicID int64, text string, replyTo int64) error {
	_ = ctx
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	channelID := channelIDFor(chatID, topicID)
	data := &discordgo.MessageSend{Content: text}
	if replyTo != 0 {
		data.Reference = &discordgo.MessageReference{MessageID: formatID(replyTo), ChannelID: channelID}
	}
	_, err := a.session.ChannelMessageSendComplex(channelID, data)
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

// SendReaction implements chatplatform.Platform. emoji is the raw emoji
// character; discordgo accepts it directly as the reaction id for unicode
// emoji.
func (a *Adapter) SendReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	_ = ctx
	channelID := strconv.FormatInt(chatID, 10)
	if err := a.session.MessageReactionAdd(channelID, formatID(messageID), emoji); err != nil {
		return fmt.Errorf("add discord reaction: %w", err)
	}
	return nil
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	target := a.dispatchTarget()
	if target == nil {
		return
	}

	kind, err := a.resolveChannel(m.ChannelID, m.GuildID)
	if err != nil {
		a.logger.Printf("discord: resolve channel %s: %v", m.ChannelID, err)
		return
	}

	var replyTo int64
	if m.MessageReference != nil {
		replyTo = parseID(m.MessageReference.MessageID)
	}

	in := dispatch.InboundMessage{
		ChatID:     kind.chatID,
		TopicID:    kind.topicID,
		ChatType:   kind.chatType,
		ChatTitle:  kind.title,
		TopicName:  kind.title,
		SenderName: senderName(m.Author),
		MessageID:  parseID(m.ID),
		ReplyTo:    replyTo,
		Content:    m.Content,
		Timestamp:  messageTimestamp(m.Message),
		IsBot:      m.Author.Bot,
	}

	if err := target.HandleMessage(context.Background(), in); err != nil {
		a.logger.Printf("discord: handle message %s: %v", m.ID, err)
	}
}

func (a *Adapter) onReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	a.handleReaction(r.MessageReaction, domain.ReactionAdded)
}

func (a *Adapter) onReactionRemove(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
	a.handleReaction(r.MessageReaction, domain.ReactionRemoved)
}

func (a *Adapter) handleReaction(r *discordgo.MessageReaction, action domain.ReactionAction) {
	if r == nil {
		return
	}
	target := a.dispatchTarget()
	if target == nil {
		return
	}
	kind, err := a.resolveChannel(r.ChannelID, r.GuildID)
	if err != nil {
		a.logger.Printf("discord: resolve channel %s: %v", r.ChannelID, err)
		return
	}

	reactor := r.UserID
	if name, err := a.reactorName(r.UserID); err == nil && name != "" {
		reactor = name
	}

	ev := dispatch.ReactionEvent{
		ChatID:          kind.chatID,
		TopicID:         kind.topicID,
		Reactor:         reactor,
		Emoji:           r.Emoji.Name,
		TargetMessageID: parseID(r.MessageID),
		Action:          action,
	}
	if err := target.HandleReaction(context.Background(), ev); err != nil {
		a.logger.Printf("discord: handle reaction on %s: %v", r.MessageID, err)
	}
}

// reactorName resolves a display name for a reaction's user id. Failures
// fall back to the raw id already set by the caller.
func (a *Adapter) reactorName(userID string) (string, error) {
	u, err := a.session.User(userID)
	if err != nil {
		return "", err
	}
	return senderName(u), nil
}

// resolveChannel maps a Discord channel onto a domain.ChatType and topic id,
// caching the result. Guild text channels are supergroup with topic 0 (or
// the thread id for threads); DM channels are private with topic 0.
func (a *Adapter) resolveChannel(channelID, guildID string) (channelKind, error) {
	a.mu.RLock()
	kind, ok := a.kinds[channelID]
	a.mu.RUnlock()
	if ok {
		return kind, nil
	}

	ch, err := a.session.Channel(channelID)
	if err != nil {
		return channelKind{}, fmt.Errorf("fetch channel: %w", err)
	}

	kind = classifyChannel(ch, guildID)

	a.mu.Lock()
	a.kinds[channelID] = kind
	a.mu.Unlock()
	return kind, nil
}

// classifyChannel resolves chatID to the id registrations key on: a
// thread's own channel id is never stable enough to register against, so
// threads resolve chatID to their parent channel's id and carry the
// thread id only in topicID -- the same shape as a Telegram forum's
// chat_id/message_thread_id pair.
func classifyChannel(ch *discordgo.Channel, guildID string) channelKind {
	if ch == nil {
		return channelKind{chatType: domain.ChatTypeGroup}
	}
	if ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM {
		return channelKind{chatID: parseID(ch.ID), chatType: domain.ChatTypePrivate, title: ch.Name}
	}
	if isThread(ch.Type) {
		parentID := ch.ParentID
		return channelKind{
			chatID:   parseID(parentID),
			chatType: domain.ChatTypeSupergroup,
			topicID:  parseID(ch.ID),
			title:    firstNonEmpty(ch.Name, parentID),
		}
	}
	if guildID != "" || ch.GuildID != "" {
		return channelKind{chatID: parseID(ch.ID), chatType: domain.ChatTypeSupergroup, title: ch.Name}
	}
	return channelKind{chatID: parseID(ch.ID), chatType: domain.ChatTypeGroup, title: ch.Name}
}

func isThread(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return true
	default:
		return false
	}
}

func senderName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

func messageTimestamp(m *discordgo.Message) time.Time {
	if m == nil || m.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return m.Timestamp.UTC()
}

func channelIDFor(chatID, topicID int64) string {
	if topicID != 0 {
		return formatID(topicID)
	}
	return formatID(chatID)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
