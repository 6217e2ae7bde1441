// Package gateway is the long-lived connection layer: websocket clients,
// presence, rooms and event dispatch. Presence is rebuilt from scratch on
// restart; it is inherently transient and never persisted.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/pkg/models"
)

// Enqueuer hands an accepted submission to the durable queue.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, sub models.Submission) error
}

// ReceiptBuffer records read-cursor advances in the fast store.
type ReceiptBuffer interface {
	BufferReadCursor(ctx context.Context, conversationID, userID, messageID int64) (bool, error)
}

// SubmissionLimiter gates the send_message path.
type SubmissionLimiter interface {
	Consume(ctx context.Context, identity string) error
}

type presenceUpdate struct {
	client *Client
	userID int64
}

type roomJoin struct {
	client         *Client
	conversationID int64
}

type roomBroadcast struct {
	conversationID int64
	data           []byte
	// exclude skips the originating connection, used by relays where the
	// sender already knows what it sent.
	exclude *Client
}

type directMessage struct {
	userID int64
	data   []byte
}

// Hub owns all shared connection state. Every map below is touched only by
// the Run goroutine; other goroutines talk to it through the channels.
type Hub struct {
	clients  map[*Client]bool
	presence map[int64]*Client
	rooms    map[int64]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	announce   chan presenceUpdate
	join       chan roomJoin
	room       chan roomBroadcast
	direct     chan directMessage

	enqueuer Enqueuer
	receipts ReceiptBuffer
	limiter  SubmissionLimiter
}

// NewHub creates a hub. Call Run before registering clients.
func NewHub(enqueuer Enqueuer, receipts ReceiptBuffer, limiter SubmissionLimiter) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		presence:   make(map[int64]*Client),
		rooms:      make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		announce:   make(chan presenceUpdate),
		join:       make(chan roomJoin),
		room:       make(chan roomBroadcast, 64),
		direct:     make(chan directMessage, 64),
		enqueuer:   enqueuer,
		receipts:   receipts,
		limiter:    limiter,
	}
}

// Run is the hub's event loop. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			h.dropClient(client)

		case update := <-h.announce:
			update.client.userID = update.userID
			h.presence[update.userID] = update.client
			log.Debug().Int64("user_id", update.userID).Msg("user connected")
			h.broadcastOnlineUsers()

		case j := <-h.join:
			if h.rooms[j.conversationID] == nil {
				h.rooms[j.conversationID] = make(map[*Client]bool)
			}
			h.rooms[j.conversationID][j.client] = true
			j.client.rooms[j.conversationID] = true

		case b := <-h.room:
			for client := range h.rooms[b.conversationID] {
				if client == b.exclude {
					continue
				}
				client.enqueueFrame(b.data)
			}

		case d := <-h.direct:
			if client, ok := h.presence[d.userID]; ok {
				client.enqueueFrame(d.data)
			}
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)

	for conversationID := range client.rooms {
		if members, ok := h.rooms[conversationID]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, conversationID)
			}
		}
	}

	// Reverse lookup: only clear presence if this client still owns the
	// entry (a reconnect may have replaced it already).
	if client.userID != 0 && h.presence[client.userID] == client {
		delete(h.presence, client.userID)
		h.broadcastOnlineUsers()
	}

	// Signal shutdown rather than closing send: the connection's read
	// goroutine may still be mid-handler and about to enqueue an ack.
	close(client.done)
}

// broadcastOnlineUsers pushes the full online set to every connection.
func (h *Hub) broadcastOnlineUsers() {
	userIDs := make([]int64, 0, len(h.presence))
	for userID := range h.presence {
		userIDs = append(userIDs, userID)
	}

	data, err := encodeEvent("update_online_users", userIDs)
	if err != nil {
		log.Error().Err(err).Msg("encode online users")
		return
	}
	for client := range h.clients {
		client.enqueueFrame(data)
	}
}

// BroadcastToRoom delivers an event to every connection joined to the
// conversation's room. Safe to call from any goroutine.
func (h *Hub) BroadcastToRoom(conversationID int64, event string, data any) {
	h.broadcastToRoomExcept(conversationID, event, data, nil)
}

// broadcastToRoomExcept is BroadcastToRoom minus the originating connection.
func (h *Hub) broadcastToRoomExcept(conversationID int64, event string, data any, exclude *Client) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	h.room <- roomBroadcast{conversationID: conversationID, data: frame, exclude: exclude}
}

// SendToUser delivers an event to one online user, if connected. Used by the
// call-signaling pass-through; silently dropped for offline users.
func (h *Hub) SendToUser(userID int64, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode direct message")
		return
	}
	h.direct <- directMessage{userID: userID, data: frame}
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Event{Event: event, Data: raw})
}
