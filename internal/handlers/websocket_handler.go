package handlers

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/studycircle/chat-backend/internal/history"
	"github.com/studycircle/chat-backend/internal/hub"
	"github.com/studycircle/chat-backend/internal/membership"
	"github.com/studycircle/chat-backend/internal/models"
	"github.com/studycircle/chat-backend/internal/moderation"
	"github.com/studycircle/chat-backend/internal/validation"
)

// maxReasonLength caps moderator-supplied reasons stored in audit records.
const maxReasonLength = 200

// WebSocketHandler is the server-side gate for the chat channel. Every
// inbound envelope is validated, stamped, and run through the moderation
// engine before the hub fans it out to the group.
type WebSocketHandler struct {
	hub     *hub.Hub
	members membership.Provider
	engine  *moderation.Engine
	history *history.Store
}

func NewWebSocketHandler(h *hub.Hub, members membership.Provider, engine *moderation.Engine, hist *history.Store) *WebSocketHandler {
	return &WebSocketHandler{
		hub:     h,
		members: members,
		engine:  engine,
		history: hist,
	}
}

// Hub returns the hub instance (useful for sending envelopes from other handlers)
func (h *WebSocketHandler) Hub() *hub.Hub {
	return h.hub
}

// connWriter adapts a fiber websocket connection to the hub's Writer.
type connWriter struct {
	conn *websocket.Conn
}

func (w connWriter) WriteMessage(messageType int, data []byte) error {
	return w.conn.WriteMessage(messageType, data)
}

func (w connWriter) WriteJSON(v interface{}) error {
	return w.conn.WriteJSON(v)
}

func (w connWriter) Ping(deadline time.Time) error {
	return w.conn.WriteControl(websocket.PingMessage, []byte{}, deadline)
}

type errorFrame struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// errorSender delivers a rejection frame back to the client.
type errorSender func(code, message, detail string)

func connErrorSender(c *websocket.Conn) errorSender {
	return func(code, message, detail string) {
		if err := c.WriteJSON(errorFrame{Kind: "error", Code: code, Message: message, Detail: detail}); err != nil {
			log.Printf("Error sending error frame: %v", err)
		}
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *websocket.Conn) {
	userID := c.Locals("userID").(string)
	groupID := c.Locals("groupID").(string)
	wsDebug := os.Getenv("WS_DEBUG") == "true"

	// Check if client supports gzip compression (via query param or header)
	supportsGzip := c.Query("gzip") == "1" || c.Headers("X-Supports-Gzip") == "1"

	writer := connWriter{conn: c}
	reject := connErrorSender(c)
	h.hub.Register(userID, writer, supportsGzip)

	c.SetPongHandler(func(appData string) error {
		h.hub.MarkPong(userID)
		c.SetReadDeadline(time.Now().Add(h.hub.PongTimeout()))
		return nil
	})
	c.SetReadDeadline(time.Now().Add(h.hub.PongTimeout()))

	// Announce presence and replay missed envelopes.
	h.routePresence(models.KindUserJoined, userID, groupID)
	go func() {
		if err := h.hub.FlushPending(userID); err != nil {
			log.Printf("Failed to flush pending envelopes for user %s: %v", userID, err)
		}
	}()

	defer func() {
		h.hub.Unregister(userID)
		h.routePresence(models.KindUserLeft, userID, groupID)
	}()

	log.Printf("User %s connected via WebSocket (group %s)", userID, groupID)

	for {
		messageType, messageBytes, err := c.ReadMessage()
		if err != nil {
			log.Printf("Error reading message from user %s: %v", userID, err)
			break
		}

		if wsDebug {
			log.Printf("ws_recv user_id=%s frame_type=%d size=%d", userID, messageType, len(messageBytes))
		}

		if messageType == websocket.BinaryMessage {
			decompressed, err := hub.Decompress(messageBytes)
			if err != nil {
				log.Printf("Error decompressing message from user %s: %v", userID, err)
				reject("decompression_failed", "Failed to decompress message", err.Error())
				continue
			}
			messageBytes = decompressed
		}

		var env models.Envelope
		if err := json.Unmarshal(messageBytes, &env); err != nil {
			log.Printf("Error deserializing envelope from user %s: %v", userID, err)
			reject("invalid_envelope", "Invalid envelope format", err.Error())
			continue
		}

		if err := h.process(userID, env, reject); err != nil {
			log.Printf("Error processing %s from user %s: %v", env.Kind, userID, err)
		}
	}

	log.Printf("User %s disconnected from WebSocket", userID)
}

// process validates and routes one inbound envelope.
func (h *WebSocketHandler) process(userID string, env models.Envelope, reject errorSender) error {
	if !env.Kind.Valid() {
		reject("invalid_kind", "Unknown event kind", string(env.Kind))
		return nil
	}

	// Heartbeats only prove liveness.
	if env.Kind == models.KindHeartbeat {
		h.hub.MarkPong(userID)
		return nil
	}

	if !h.hub.Allow(userID) {
		reject("throttled", "Too many frames, slow down", "")
		return nil
	}

	// The server stamps identity and time; a client cannot spoof either.
	env.SenderID = userID
	env.Timestamp = time.Now().UTC()

	if env.GroupID == "" || !h.members.IsMember(userID, env.GroupID) {
		reject("not_a_member", "Not a member of this group", env.GroupID)
		return nil
	}

	switch env.Kind {
	case models.KindChatMessage:
		return h.processChatMessage(userID, env, reject)
	case models.KindMessageDeleted:
		return h.processDeletion(userID, env, reject)
	case models.KindUserMuted:
		return h.processMute(userID, env, reject)
	default:
		// Typing, presence, notifications and session updates pass through.
		h.hub.Route(env)
		return nil
	}
}

func (h *WebSocketHandler) processChatMessage(userID string, env models.Envelope, reject errorSender) error {
	var payload models.ChatMessagePayload
	if err := env.DecodePayload(&payload); err != nil {
		reject("invalid_payload", "Invalid chat message payload", err.Error())
		return nil
	}

	// The id keys dedup, history and the moderation log; a missing id or a
	// reused one would corrupt all three.
	if !validation.ValidateIdentifier(payload.ID) {
		reject("invalid_payload", "Invalid or missing message id", payload.ID)
		return nil
	}
	if h.engine.KnownMessage(payload.ID) {
		reject("duplicate_id", "Message id already used", payload.ID)
		return nil
	}

	if status := h.engine.IsUserMuted(userID, env.GroupID); status.Muted {
		reject("muted", "You are muted in this group", status.Record.Reason)
		return nil
	}

	if check := h.engine.CheckSpamRate(userID, env.GroupID); check.IsSpam {
		reject("rate_limited", check.Warning, "")
		return nil
	}

	result := h.engine.FilterMessage(payload.Content, env.GroupID)
	if result.Blocked {
		detail := ""
		if len(result.Warnings) > 0 {
			detail = result.Warnings[0]
		}
		reject("blocked", "Message rejected", detail)
		return nil
	}
	payload.Content = result.Filtered
	payload.SenderName = h.members.MemberName(userID)

	msg := models.ChatMessage{
		ID:             payload.ID,
		GroupID:        env.GroupID,
		SenderID:       userID,
		SenderName:     payload.SenderName,
		Content:        payload.Content,
		Timestamp:      env.Timestamp,
		AttachmentURL:  payload.AttachmentURL,
		AttachmentType: payload.AttachmentType,
	}
	h.engine.RecordMessage(msg)
	h.history.Append(msg)

	out, err := models.NewEnvelope(models.KindChatMessage, payload, userID, env.GroupID)
	if err != nil {
		return err
	}
	h.hub.Route(out)
	return nil
}

func (h *WebSocketHandler) processDeletion(userID string, env models.Envelope, reject errorSender) error {
	if !h.members.Role(userID, env.GroupID).CanModerate() {
		reject("forbidden", "Only moderators can delete messages", "")
		return nil
	}

	var payload models.MessageDeletedPayload
	if err := env.DecodePayload(&payload); err != nil {
		reject("invalid_payload", "Invalid deletion payload", err.Error())
		return nil
	}

	payload.Reason = validation.TrimAndLimit(payload.Reason, maxReasonLength)
	record, ok := h.engine.DeleteMessage(payload.MessageID, userID, payload.Reason, env.GroupID)
	if !ok {
		reject("unknown_message", "No such message", payload.MessageID)
		return nil
	}
	h.history.Tombstone(env.GroupID, record.MessageID, record.DeletedBy, record.Reason, record.DeletedAt)

	payload.DeletedBy = userID
	out, err := models.NewEnvelope(models.KindMessageDeleted, payload, userID, env.GroupID)
	if err != nil {
		return err
	}
	h.hub.Route(out)
	return nil
}

func (h *WebSocketHandler) processMute(userID string, env models.Envelope, reject errorSender) error {
	if !h.members.Role(userID, env.GroupID).CanModerate() {
		reject("forbidden", "Only moderators can mute users", "")
		return nil
	}

	var payload models.UserMutedPayload
	if err := env.DecodePayload(&payload); err != nil {
		reject("invalid_payload", "Invalid mute payload", err.Error())
		return nil
	}
	if payload.UserID == userID {
		reject("self_target", "Cannot mute yourself", "")
		return nil
	}
	if !h.members.IsMember(payload.UserID, env.GroupID) {
		reject("not_a_member", "Target is not a member of this group", payload.UserID)
		return nil
	}

	payload.Reason = validation.TrimAndLimit(payload.Reason, maxReasonLength)
	duration := time.Duration(payload.Duration) * time.Minute
	record := h.engine.MuteUser(payload.UserID, h.members.MemberName(payload.UserID), userID, payload.Reason, env.GroupID, duration)

	payload.UserName = record.UserName
	payload.MutedBy = userID
	out, err := models.NewEnvelope(models.KindUserMuted, payload, userID, env.GroupID)
	if err != nil {
		return err
	}
	h.hub.Route(out)
	return nil
}

func (h *WebSocketHandler) routePresence(kind models.EventKind, userID, groupID string) {
	env, err := models.NewEnvelope(kind, models.PresencePayload{
		UserID:   userID,
		UserName: h.members.MemberName(userID),
	}, userID, groupID)
	if err != nil {
		log.Printf("Error building presence envelope: %v", err)
		return
	}
	h.hub.Route(env)
}
