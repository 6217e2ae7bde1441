package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/chatwire/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect cross-origin in development; access control happens at
	// the identity layer, not the socket handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one websocket connection. id identifies the connection itself;
// userID is learned from the user_connected announcement and owned by the
// hub goroutine. send is never closed: the read goroutine may still be inside
// a handler when the hub drops the client, so shutdown is signalled through
// done instead.
type Client struct {
	id     string
	userID int64
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	hub    *Hub
	rooms  map[int64]bool

	// events throttles side-channel relays (typing, reactions, signaling)
	// per connection; excess events are dropped, not queued.
	events *rate.Limiter
}

// EventRate configures the per-connection side-channel limiter.
type EventRate struct {
	PerSecond float64
	Burst     int
}

// ServeWS upgrades an HTTP request and runs the connection's pumps.
func ServeWS(hub *Hub, events EventRate) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}

		client := &Client{
			id:     uuid.NewString(),
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
			done:   make(chan struct{}),
			hub:    hub,
			rooms:  make(map[int64]bool),
			events: rate.NewLimiter(rate.Limit(events.PerSecond), events.Burst),
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
		return nil
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection", c.id).Msg("websocket closed")
			}
			return
		}

		var event models.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			log.Debug().Err(err).Str("connection", c.id).Msg("malformed frame")
			continue
		}
		c.handleEvent(event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueueFrame hands a frame to the write pump, dropping the connection when
// its buffer is full (a stalled reader must not block the hub). Frames for a
// client that is already shutting down are discarded; writing stays safe even
// when the hub has dropped the client, since send is never closed.
func (c *Client) enqueueFrame(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	case <-c.done:
	default:
		log.Warn().Str("connection", c.id).Msg("send buffer full, dropping connection")
		go func() { c.hub.unregister <- c }()
	}
}

// sendEvent emits an event to this connection only.
func (c *Client) sendEvent(event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	c.enqueueFrame(frame)
}
