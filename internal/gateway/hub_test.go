package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/pkg/models"
)

func newTestClient(id string) *Client {
	return &Client{
		id:    id,
		send:  make(chan []byte, 16),
		done:  make(chan struct{}),
		rooms: make(map[int64]bool),
	}
}

// waitDone blocks until the hub has dropped the client.
func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("client was not dropped")
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// receiveEvent reads the next frame from a client's send channel.
func receiveEvent(t *testing.T, c *Client) models.Event {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var event models.Event
		require.NoError(t, json.Unmarshal(frame, &event))
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return models.Event{}
	}
}

func TestHubAnnouncesPresence(t *testing.T) {
	hub := startHub(t)

	a := newTestClient("a")
	b := newTestClient("b")
	hub.register <- a
	hub.register <- b

	hub.announce <- presenceUpdate{client: a, userID: 3}

	for _, c := range []*Client{a, b} {
		event := receiveEvent(t, c)
		assert.Equal(t, "update_online_users", event.Event)

		var userIDs []int64
		require.NoError(t, json.Unmarshal(event.Data, &userIDs))
		assert.Equal(t, []int64{3}, userIDs)
	}
}

func TestHubRoomBroadcastReachesOnlyMembers(t *testing.T) {
	hub := startHub(t)

	member := newTestClient("member")
	outsider := newTestClient("outsider")
	hub.register <- member
	hub.register <- outsider
	hub.join <- roomJoin{client: member, conversationID: 7}

	hub.BroadcastToRoom(7, "receive_message", models.MessagePayload{ID: 1, ConversationID: 7})

	event := receiveEvent(t, member)
	assert.Equal(t, "receive_message", event.Event)
	assert.Empty(t, outsider.send)
}

func TestHubSendToUser(t *testing.T) {
	hub := startHub(t)

	target := newTestClient("target")
	hub.register <- target
	hub.announce <- presenceUpdate{client: target, userID: 5}
	receiveEvent(t, target) // drain the presence broadcast

	hub.SendToUser(5, "call_ended", nil)
	event := receiveEvent(t, target)
	assert.Equal(t, "call_ended", event.Event)

	// Sends to offline users are dropped silently.
	hub.SendToUser(99, "call_ended", nil)
}

func TestHubDropClientCleansUp(t *testing.T) {
	hub := startHub(t)

	leaver := newTestClient("leaver")
	stayer := newTestClient("stayer")
	hub.register <- leaver
	hub.register <- stayer
	hub.announce <- presenceUpdate{client: leaver, userID: 3}
	receiveEvent(t, leaver)
	receiveEvent(t, stayer)
	hub.join <- roomJoin{client: leaver, conversationID: 7}

	hub.unregister <- leaver

	// The remaining connection sees the user go offline.
	event := receiveEvent(t, stayer)
	assert.Equal(t, "update_online_users", event.Event)
	var userIDs []int64
	require.NoError(t, json.Unmarshal(event.Data, &userIDs))
	assert.Empty(t, userIDs)

	// The departed client is signalled and the empty room is gone.
	waitDone(t, leaver)

	hub.BroadcastToRoom(7, "receive_message", models.MessagePayload{ID: 1})
	assert.Empty(t, stayer.send)
}

// A stalled connection whose send buffer overflows gets dropped, and its read
// goroutine may still emit acks afterwards. Those late sends must be
// discarded, never panic the gateway.
func TestHubDropWhileClientStillSending(t *testing.T) {
	hub := startHub(t)

	stalled := &Client{
		id:    "stalled",
		send:  make(chan []byte, 1),
		done:  make(chan struct{}),
		hub:   hub,
		rooms: make(map[int64]bool),
	}
	healthy := newTestClient("healthy")
	hub.register <- stalled
	hub.register <- healthy
	hub.join <- roomJoin{client: stalled, conversationID: 7}
	hub.join <- roomJoin{client: healthy, conversationID: 7}

	// First broadcast fills the one-slot buffer, second overflows it and
	// triggers the drop.
	hub.BroadcastToRoom(7, "receive_message", models.MessagePayload{ID: 1})
	hub.BroadcastToRoom(7, "receive_message", models.MessagePayload{ID: 2})
	waitDone(t, stalled)

	// The read goroutine's next ack after the drop is a no-op.
	stalled.sendEvent("message_queued", map[string]string{"status": "queued"})
	stalled.enqueueFrame([]byte(`{}`))

	// The rest of the gateway is unaffected.
	hub.BroadcastToRoom(7, "receive_message", models.MessagePayload{ID: 3})
	receiveEvent(t, healthy)
	receiveEvent(t, healthy)
	event := receiveEvent(t, healthy)
	assert.Equal(t, "receive_message", event.Event)
}

func TestHubRoomBroadcastExcludesSender(t *testing.T) {
	hub := startHub(t)

	sender := newTestClient("sender")
	other := newTestClient("other")
	hub.register <- sender
	hub.register <- other
	hub.join <- roomJoin{client: sender, conversationID: 7}
	hub.join <- roomJoin{client: other, conversationID: 7}

	hub.broadcastToRoomExcept(7, "user_typing", "ada", sender)

	event := receiveEvent(t, other)
	assert.Equal(t, "user_typing", event.Event)
	assert.Empty(t, sender.send)
}

// A reconnect replaces the presence entry; the stale connection's departure
// must not knock the fresh one offline.
func TestHubReconnectKeepsPresence(t *testing.T) {
	hub := startHub(t)

	stale := newTestClient("stale")
	fresh := newTestClient("fresh")
	hub.register <- stale
	hub.register <- fresh

	hub.announce <- presenceUpdate{client: stale, userID: 3}
	receiveEvent(t, stale)
	receiveEvent(t, fresh)

	hub.announce <- presenceUpdate{client: fresh, userID: 3}
	receiveEvent(t, stale)
	receiveEvent(t, fresh)

	hub.unregister <- stale

	hub.SendToUser(3, "call_ended", nil)
	event := receiveEvent(t, fresh)
	assert.Equal(t, "call_ended", event.Event)
}
