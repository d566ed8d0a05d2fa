// Package session binds one group conversation to the message channel and
// the moderation engine. It is the only component holding both.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studycircle/chat-backend/internal/channel"
	"github.com/studycircle/chat-backend/internal/metrics"
	"github.com/studycircle/chat-backend/internal/models"
	"github.com/studycircle/chat-backend/internal/moderation"
)

const (
	typingStaleAfter    = 3 * time.Second
	typingSweepInterval = time.Second
	historyLimit        = 200
)

// Policy rejections surfaced by SendMessage. All are local-only and
// recoverable by the user.
var (
	ErrMuted        = errors.New("user is muted in this group")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrBlocked      = errors.New("message blocked by content filter")
	ErrNotConnected = errors.New("channel not connected")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrSelfTarget   = errors.New("cannot target yourself")
)

// RoleProvider supplies a user's role within a group. The zero-value
// answer for an unknown pair should be models.RoleMember.
type RoleProvider interface {
	Role(userID, groupID string) models.Role
}

// HistoryLoader supplies the initial message list on session start.
type HistoryLoader interface {
	History(groupID string, limit int) ([]models.ChatMessage, error)
}

// Controller orchestrates a single group's live conversation for one
// viewer: outgoing input runs through moderation before publishing,
// incoming channel events fold into conversation state.
type Controller struct {
	userID   string
	userName string
	groupID  string

	ch      *channel.Channel
	engine  *moderation.Engine
	roles   RoleProvider
	history HistoryLoader
	now     moderation.Clock

	mu          sync.Mutex
	messages    []models.ChatMessage
	index       map[string]int       // message id -> position in messages
	typing      map[string]time.Time // user name -> last typing signal
	warning     string
	showDeleted bool

	unsubs    []func()
	sweepStop chan struct{}
	started   bool
}

// Config carries the controller's dependencies.
type Config struct {
	UserID   string
	UserName string
	GroupID  string
	Channel  *channel.Channel
	Engine   *moderation.Engine
	Roles    RoleProvider
	History  HistoryLoader
	// Clock is optional; defaults to time.Now.
	Clock moderation.Clock
}

func NewController(cfg Config) *Controller {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Controller{
		userID:   cfg.UserID,
		userName: cfg.UserName,
		groupID:  cfg.GroupID,
		ch:       cfg.Channel,
		engine:   cfg.Engine,
		roles:    cfg.Roles,
		history:  cfg.History,
		now:      now,
		index:    make(map[string]int),
		typing:   make(map[string]time.Time),
	}
}

// Start loads history, subscribes to channel events, and starts the typing
// sweep. Call Stop to release the subscriptions and the sweep timer.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if c.history != nil {
		initial, err := c.history.History(c.groupID, historyLimit)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		c.mu.Lock()
		for _, msg := range initial {
			if _, ok := c.index[msg.ID]; ok {
				continue
			}
			c.index[msg.ID] = len(c.messages)
			c.messages = append(c.messages, msg)
		}
		c.mu.Unlock()
		for _, msg := range initial {
			c.engine.RecordMessage(msg)
		}
	}

	subscriptions := map[models.EventKind]channel.Handler{
		models.KindChatMessage:    c.onChatMessage,
		models.KindMessageDeleted: c.onMessageDeleted,
		models.KindUserMuted:      c.onUserMuted,
		models.KindTyping:         c.onTyping,
	}
	for kind, handler := range subscriptions {
		unsub, err := c.ch.Subscribe(kind, handler)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.sweepStop = make(chan struct{})
	stop := c.sweepStop
	c.mu.Unlock()
	go c.sweepLoop(stop)
	return nil
}

// Stop releases subscriptions and timers. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	if c.sweepStop != nil {
		close(c.sweepStop)
		c.sweepStop = nil
	}
	c.started = false
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// SendMessage runs the outgoing pipeline: mute check, rate check, content
// filter, optimistic append, publish. Every rejection is local-only; the
// returned error names the policy and the compose warning is set.
func (c *Controller) SendMessage(content string) (models.ChatMessage, error) {
	return c.send(content, "", "")
}

// SendAttachment publishes a message carrying an attachment reference.
// The caption text runs through the same moderation pipeline.
func (c *Controller) SendAttachment(caption, attachmentURL, attachmentType string) (models.ChatMessage, error) {
	return c.send(caption, attachmentURL, attachmentType)
}

func (c *Controller) send(content, attachmentURL, attachmentType string) (models.ChatMessage, error) {
	if status := c.engine.IsUserMuted(c.userID, c.groupID); status.Muted {
		c.setWarning(muteWarning(status.Record))
		return models.ChatMessage{}, ErrMuted
	}

	// Every attempt counts against the window, accepted or not; this is
	// the single CheckSpamRate call for this attempt.
	if check := c.engine.CheckSpamRate(c.userID, c.groupID); check.IsSpam {
		c.setWarning(check.Warning)
		return models.ChatMessage{}, ErrRateLimited
	}

	filter := c.engine.FilterMessage(content, c.groupID)
	if filter.Blocked {
		c.setWarning(joinWarnings(filter.Warnings))
		return models.ChatMessage{}, ErrBlocked
	}
	if len(filter.Warnings) > 0 {
		c.setWarning(joinWarnings(filter.Warnings))
	}

	msg := models.ChatMessage{
		ID:             uuid.NewString(),
		GroupID:        c.groupID,
		SenderID:       c.userID,
		SenderName:     c.userName,
		Content:        filter.Filtered,
		Timestamp:      c.now(),
		AttachmentURL:  attachmentURL,
		AttachmentType: attachmentType,
	}

	// Optimistic append so the sender sees the message immediately; the
	// echo from the channel is deduplicated by id.
	c.mu.Lock()
	c.index[msg.ID] = len(c.messages)
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.engine.RecordMessage(msg)

	if !c.ch.IsConnected() {
		c.rollback(msg.ID)
		c.setWarning("not connected, message not sent")
		return models.ChatMessage{}, ErrNotConnected
	}

	env, err := models.NewEnvelope(models.KindChatMessage, models.ChatMessagePayload{
		ID:             msg.ID,
		Content:        msg.Content,
		SenderName:     msg.SenderName,
		AttachmentURL:  msg.AttachmentURL,
		AttachmentType: msg.AttachmentType,
	}, c.userID, c.groupID)
	if err != nil {
		c.rollback(msg.ID)
		return models.ChatMessage{}, err
	}
	c.ch.Send(env)
	metrics.MessagesPublished.Inc()
	return msg, nil
}

// SetTyping publishes the viewer's typing signal. Best effort; dropped
// silently while disconnected.
func (c *Controller) SetTyping(isTyping bool) {
	env, err := models.NewEnvelope(models.KindTyping, models.TypingPayload{
		UserName: c.userName,
		IsTyping: isTyping,
	}, c.userID, c.groupID)
	if err != nil {
		return
	}
	c.ch.Send(env)
}

// DeleteMessage is a privileged operation: the moderation call runs first,
// the tombstone patch is applied locally from the returned record, and the
// channel event is published only after both succeed, so all viewers
// converge to the same state.
func (c *Controller) DeleteMessage(messageID, reason string) error {
	if !c.roles.Role(c.userID, c.groupID).CanModerate() {
		return ErrForbidden
	}

	record, ok := c.engine.DeleteMessage(messageID, c.userID, reason, c.groupID)
	if !ok {
		return fmt.Errorf("delete: unknown message %s", messageID)
	}
	c.applyTombstone(record.MessageID, record.DeletedBy, record.Reason, record.DeletedAt)

	env, err := models.NewEnvelope(models.KindMessageDeleted, models.MessageDeletedPayload{
		MessageID: record.MessageID,
		DeletedBy: record.DeletedBy,
		Reason:    record.Reason,
	}, c.userID, c.groupID)
	if err != nil {
		return err
	}
	c.ch.Send(env)
	return nil
}

// MuteUser is a privileged operation. duration zero means permanent.
// Muting yourself is rejected as inconsistent state.
func (c *Controller) MuteUser(targetID, targetName, reason string, duration time.Duration) error {
	if !c.roles.Role(c.userID, c.groupID).CanModerate() {
		return ErrForbidden
	}
	if targetID == c.userID {
		return ErrSelfTarget
	}

	record := c.engine.MuteUser(targetID, targetName, c.userID, reason, c.groupID, duration)

	payload := models.UserMutedPayload{
		UserID:   record.UserID,
		UserName: record.UserName,
		MutedBy:  record.MutedBy,
		Reason:   record.Reason,
	}
	if duration > 0 {
		payload.Duration = int(duration / time.Minute)
	}
	env, err := models.NewEnvelope(models.KindUserMuted, payload, c.userID, c.groupID)
	if err != nil {
		return err
	}
	c.ch.Send(env)
	return nil
}

// UnmuteUser lifts a mute; idempotent.
func (c *Controller) UnmuteUser(targetID string) error {
	if !c.roles.Role(c.userID, c.groupID).CanModerate() {
		return ErrForbidden
	}
	c.engine.UnmuteUser(targetID, c.groupID)
	return nil
}

// Messages returns the conversation view. Tombstoned messages are hidden
// unless the viewer is a moderator with the show-deleted toggle on; then
// the tombstone (metadata only, no content) is rendered in place.
func (c *Controller) Messages() []models.ChatMessage {
	c.mu.Lock()
	showDeleted := c.showDeleted
	snapshot := make([]models.ChatMessage, len(c.messages))
	copy(snapshot, c.messages)
	c.mu.Unlock()

	includeTombstones := showDeleted && c.roles.Role(c.userID, c.groupID).CanModerate()
	out := snapshot[:0]
	for _, msg := range snapshot {
		if msg.Deleted && !includeTombstones {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// SetShowDeleted toggles tombstone visibility for this viewer. Only takes
// effect for moderators.
func (c *Controller) SetShowDeleted(show bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.showDeleted = show
}

// TypingUsers returns users currently typing, excluding the viewer.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-typingStaleAfter)
	var out []string
	for name, at := range c.typing {
		if at.After(cutoff) {
			out = append(out, name)
		}
	}
	return out
}

// Warning returns the transient compose warning.
func (c *Controller) Warning() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warning
}

// ClearWarning resets the compose warning; call it on the user's next
// keystroke.
func (c *Controller) ClearWarning() {
	c.setWarning("")
}

func (c *Controller) setWarning(w string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warning = w
}

func (c *Controller) rollback(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.index[messageID]
	if !ok {
		return
	}
	c.messages = append(c.messages[:pos], c.messages[pos+1:]...)
	delete(c.index, messageID)
	for id, p := range c.index {
		if p > pos {
			c.index[id] = p - 1
		}
	}
}

func (c *Controller) onChatMessage(env models.Envelope) {
	if env.GroupID != c.groupID {
		return
	}
	var payload models.ChatMessagePayload
	if err := env.DecodePayload(&payload); err != nil {
		log.Printf("session: bad chat_message payload: %v", err)
		return
	}
	if payload.ID == "" {
		return
	}

	msg := models.ChatMessage{
		ID:             payload.ID,
		GroupID:        env.GroupID,
		SenderID:       env.SenderID,
		SenderName:     payload.SenderName,
		Content:        payload.Content,
		Timestamp:      env.Timestamp,
		AttachmentURL:  payload.AttachmentURL,
		AttachmentType: payload.AttachmentType,
	}

	c.mu.Lock()
	if _, exists := c.index[msg.ID]; exists {
		// The sender's optimistic copy raced with the echo: same id is
		// never appended twice.
		c.mu.Unlock()
		return
	}
	c.index[msg.ID] = len(c.messages)
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.engine.RecordMessage(msg)
}

func (c *Controller) onMessageDeleted(env models.Envelope) {
	if env.GroupID != c.groupID {
		return
	}
	var payload models.MessageDeletedPayload
	if err := env.DecodePayload(&payload); err != nil {
		log.Printf("session: bad message_deleted payload: %v", err)
		return
	}
	c.applyTombstone(payload.MessageID, payload.DeletedBy, payload.Reason, env.Timestamp)
}

func (c *Controller) onUserMuted(env models.Envelope) {
	if env.GroupID != c.groupID {
		return
	}
	var payload models.UserMutedPayload
	if err := env.DecodePayload(&payload); err != nil {
		log.Printf("session: bad user_muted payload: %v", err)
		return
	}
	if payload.UserID != c.userID {
		return
	}
	warning := "you have been muted: " + payload.Reason
	if payload.Duration > 0 {
		warning = fmt.Sprintf("%s (for %d minutes)", warning, payload.Duration)
	}
	c.setWarning(warning)
}

func (c *Controller) onTyping(env models.Envelope) {
	if env.GroupID != c.groupID || env.SenderID == c.userID {
		return
	}
	var payload models.TypingPayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if payload.IsTyping {
		c.typing[payload.UserName] = c.now()
	} else {
		delete(c.typing, payload.UserName)
	}
}

func (c *Controller) applyTombstone(messageID, deletedBy, reason string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.index[messageID]
	if !ok {
		return
	}
	if c.messages[pos].Deleted {
		return
	}
	c.messages[pos].Tombstone(deletedBy, reason, at)
}

// sweepTyping drops entries older than the staleness threshold. Exposed to
// the sweep loop and to tests via SweepTypingNow.
func (c *Controller) sweepTyping(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-typingStaleAfter)
	for name, at := range c.typing {
		if !at.After(cutoff) {
			delete(c.typing, name)
		}
	}
}

// SweepTypingNow runs one sweep against the controller's clock.
func (c *Controller) SweepTypingNow() {
	c.sweepTyping(c.now())
}

func (c *Controller) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(typingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sweepTyping(c.now())
		}
	}
}

func muteWarning(record *models.MuteRecord) string {
	if record == nil {
		return "you are muted in this group"
	}
	w := "you are muted: " + record.Reason
	if record.MutedUntil != nil {
		w = fmt.Sprintf("%s (until %s)", w, record.MutedUntil.Format(time.RFC3339))
	}
	return w
}

func joinWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return ""
	}
	out := warnings[0]
	for _, w := range warnings[1:] {
		out += "; " + w
	}
	return out
}
