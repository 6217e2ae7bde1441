// Package models holds the wire-level payloads shared by the gateway, the
// message worker and the HTTP API.
package models

import "encoding/json"

// Event is the envelope for every realtime frame, in both directions.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Submission is a client message submission as accepted by the gateway and
// carried through the job queue. TempID is a client-generated opaque token,
// round-tripped unchanged so the sender can reconcile its optimistic echo.
type Submission struct {
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
	TempID         string `json:"tempId,omitempty"`
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	ID       int64  `json:"id"`
	Emoji    string `json:"emoji"`
	UserID   int64  `json:"userId"`
	Username string `json:"username,omitempty"`
}

// MessagePayload is the authoritative message representation broadcast to
// rooms and returned by the history endpoint. Reactions is never nil on the
// wire.
type MessagePayload struct {
	ID             int64      `json:"id"`
	Content        string     `json:"content"`
	AttachmentURL  string     `json:"attachmentUrl,omitempty"`
	Sender         string     `json:"sender"`
	SenderID       int64      `json:"senderId"`
	Avatar         string     `json:"avatar,omitempty"`
	Time           string     `json:"time"`
	ConversationID int64      `json:"conversationId"`
	Reactions      []Reaction `json:"reactions"`
	TempID         string     `json:"tempId,omitempty"`
}

// ReadStatus maps a participant's user id to the id of the last message they
// have read in a conversation.
type ReadStatus map[int64]int64

// ReadUpdate is broadcast to a room when a participant advances their cursor.
type ReadUpdate struct {
	UserID            int64 `json:"userId"`
	ConversationID    int64 `json:"conversationId"`
	LastReadMessageID int64 `json:"lastReadMessageId"`
}

// ReactionUpdate is the fire-and-forget reaction intent relayed to a room.
type ReactionUpdate struct {
	MessageID int64  `json:"messageId"`
	UserID    int64  `json:"userId"`
	Emoji     string `json:"emoji"`
}

// HistoryResponse is the body of GET /messages/:conversationId.
type HistoryResponse struct {
	Messages   []MessagePayload `json:"messages"`
	HasMore    bool             `json:"hasMore"`
	ReadStatus ReadStatus       `json:"readStatus"`
}

// SearchResponse is the body of GET /messages/:conversationId/search.
type SearchResponse struct {
	Messages []MessagePayload `json:"messages"`
}
