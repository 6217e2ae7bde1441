package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/internal/ratelimit"
	"github.com/chatwire/pkg/models"
)

const eventTimeout = 10 * time.Second

type connectPayload struct {
	UserID int64 `json:"userId"`
}

type joinPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type markReadPayload struct {
	ConversationID int64 `json:"conversationId"`
	MessageID      int64 `json:"messageId"`
	UserID         int64 `json:"userId"`
}

type typingPayload struct {
	ConversationID int64  `json:"conversationId"`
	Username       string `json:"username"`
}

type reactionPayload struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	UserID         int64  `json:"userId"`
	Emoji          string `json:"emoji"`
}

// callPayload covers all four signaling events; unused fields stay empty.
// Signal and Candidate are opaque to the gateway.
type callPayload struct {
	UserToCall int64           `json:"userToCall,omitempty"`
	To         int64           `json:"to,omitempty"`
	From       int64           `json:"from,omitempty"`
	Name       string          `json:"name,omitempty"`
	SignalData json.RawMessage `json:"signalData,omitempty"`
	Signal     json.RawMessage `json:"signal,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// handleEvent runs on the connection's read goroutine: handlers for one
// connection execute one at a time, and all store access happens here, never
// in the hub loop.
func (c *Client) handleEvent(event models.Event) {
	switch event.Event {
	case "user_connected":
		c.handleUserConnected(event.Data)
	case "join_channel":
		c.handleJoinChannel(event.Data)
	case "send_message":
		c.handleSendMessage(event.Data)
	case "mark_read":
		c.handleMarkRead(event.Data)
	case "typing":
		c.relayTyping(event.Data, "user_typing")
	case "stop_typing":
		c.relayTyping(event.Data, "user_stop_typing")
	case "message_reaction":
		c.handleReactionRelay(event.Data)
	case "call_user", "answer_call", "ice_candidate", "end_call":
		c.handleCallSignal(event.Event, event.Data)
	default:
		log.Debug().Str("event", event.Event).Str("connection", c.id).Msg("unknown event")
	}
}

func (c *Client) handleUserConnected(data json.RawMessage) {
	var p connectPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID <= 0 {
		return
	}
	c.hub.announce <- presenceUpdate{client: c, userID: p.UserID}
}

func (c *Client) handleJoinChannel(data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID <= 0 {
		return
	}
	c.hub.join <- roomJoin{client: c, conversationID: p.ConversationID}
}

// handleSendMessage is the submission path: rate limit, validate, enqueue,
// ack. The ack confirms receipt only; delivery confirmation is the
// receive_message broadcast once the worker has persisted the message.
func (c *Client) handleSendMessage(data json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	var sub models.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		c.sendEvent("message_error", map[string]any{"error": "malformed submission"})
		return
	}

	identity := strconv.FormatInt(sub.SenderID, 10)
	if sub.SenderID <= 0 {
		identity = c.id
	}

	if err := c.hub.limiter.Consume(ctx, identity); err != nil {
		var quota *ratelimit.QuotaError
		if errors.As(err, &quota) {
			seconds := int(quota.RetryAfter.Round(time.Second).Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.sendEvent("message_error", map[string]any{
				"error":      fmt.Sprintf("Sending too fast! Wait %d seconds.", seconds),
				"retryAfter": seconds,
			})
			return
		}
		log.Error().Err(err).Str("connection", c.id).Msg("rate limiter failed closed")
		c.sendEvent("message_error", map[string]any{"error": "submission rejected"})
		return
	}

	if err := validateSubmission(sub); err != nil {
		c.sendEvent("message_error", map[string]any{"error": err.Error()})
		return
	}

	if err := c.hub.enqueuer.EnqueueMessage(ctx, sub); err != nil {
		log.Error().Err(err).
			Int64("conversation_id", sub.ConversationID).
			Msg("enqueue message failed")
		c.sendEvent("message_error", map[string]any{"error": "failed to queue message"})
		return
	}

	c.sendEvent("message_queued", map[string]string{"status": "queued"})
}

func validateSubmission(sub models.Submission) error {
	if sub.ConversationID <= 0 {
		return errors.New("conversationId is required")
	}
	if sub.SenderID <= 0 {
		return errors.New("senderId is required")
	}
	if sub.Content == "" && sub.AttachmentURL == "" {
		return errors.New("message needs content or an attachment")
	}
	return nil
}

// handleMarkRead buffers the cursor advance in the fast store and, only when
// the buffer actually advanced, broadcasts the new cursor to the room. The
// durable write happens later, in the flusher.
func (c *Client) handleMarkRead(data json.RawMessage) {
	var p markReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.ConversationID <= 0 || p.MessageID <= 0 || p.UserID <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	advanced, err := c.hub.receipts.BufferReadCursor(ctx, p.ConversationID, p.UserID, p.MessageID)
	if err != nil {
		log.Warn().Err(err).
			Int64("conversation_id", p.ConversationID).
			Int64("user_id", p.UserID).
			Msg("buffer read cursor failed")
		return
	}
	if !advanced {
		return
	}

	c.hub.BroadcastToRoom(p.ConversationID, "user_read_update", models.ReadUpdate{
		UserID:            p.UserID,
		ConversationID:    p.ConversationID,
		LastReadMessageID: p.MessageID,
	})
}

// relayTyping forwards a typing indicator to everyone else in the room; the
// sender does not see its own indicator.
func (c *Client) relayTyping(data json.RawMessage, outbound string) {
	if !c.events.Allow() {
		return
	}
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID <= 0 {
		return
	}
	c.hub.broadcastToRoomExcept(p.ConversationID, outbound, p.Username, c)
}

func (c *Client) handleReactionRelay(data json.RawMessage) {
	if !c.events.Allow() {
		return
	}
	var p reactionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID <= 0 {
		return
	}
	c.hub.BroadcastToRoom(p.ConversationID, "message_reaction_update", models.ReactionUpdate{
		MessageID: p.MessageID,
		UserID:    p.UserID,
		Emoji:     p.Emoji,
	})
}

// handleCallSignal is a stateless pass-through: look up the target's
// connection and forward. No correctness guarantees, no queueing.
func (c *Client) handleCallSignal(event string, data json.RawMessage) {
	if !c.events.Allow() {
		return
	}
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	switch event {
	case "call_user":
		if p.UserToCall <= 0 {
			return
		}
		c.hub.SendToUser(p.UserToCall, "call_user", map[string]any{
			"signal": p.SignalData,
			"from":   p.From,
			"name":   p.Name,
		})
	case "answer_call":
		if p.To <= 0 {
			return
		}
		c.hub.SendToUser(p.To, "call_accepted", p.Signal)
	case "ice_candidate":
		if p.To <= 0 {
			return
		}
		c.hub.SendToUser(p.To, "ice_candidate", p.Candidate)
	case "end_call":
		if p.To <= 0 {
			return
		}
		c.hub.SendToUser(p.To, "call_ended", nil)
	}
}
