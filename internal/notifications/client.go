package notifications

import (
	"context"
	"io"
	"sync"
	"time"

	"chatgate/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	// Outbound queue depth per client.
	sendBuffer = 256
)

// Conn is the part of a websocket connection the pumps use. *websocket.Conn
// satisfies it.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	NextWriter(messageType int) (io.WriteCloser, error)
	Close() error
}

// WSHub is an interface for hubs that manage clients
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	// ID identifies the connection in logs and presence.
	ID string

	Hub WSHub

	// The websocket connection.
	Conn Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	// Address is the wallet bound by a verified token, empty for anonymous connections.
	Address string

	// Callback for handling incoming messages
	IncomingHandler func(*Client, []byte)

	limiter   *rate.Limiter
	ctx       context.Context
	closeOnce sync.Once
	goingAway bool
}

// NewClient creates a new Client instance. A zero eventsPerSecond disables
// the inbound frame limit.
func NewClient(hub WSHub, conn Conn, address string, eventsPerSecond float64, burst int) *Client {
	id := uuid.NewString()
	ctx := observability.WithConnectionID(context.Background(), id)
	if address != "" {
		ctx = observability.WithSender(ctx, address)
	}

	c := &Client{
		ID:      id,
		Hub:     hub,
		Conn:    conn,
		Address: address,
		Send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
	}
	if eventsPerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	}
	return c
}

// Context carries the connection's log attributes.
func (c *Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Allow reports whether another inbound frame fits the client's flood budget.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// ReadPump pumps messages from the websocket connection to the handler.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.GlobalLogger.WarnContext(c.Context(), "websocket read failed",
					"hub", c.Hub.Name(),
					"error", err.Error(),
				)
			}
			break
		}

		if !c.Allow() {
			observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "inbound_flood").Inc()
			c.TrySendFrame(TypeError, ErrorData{Message: "too many events, slow down"})
			continue
		}

		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, c.closePayload())
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closePayload() []byte {
	if c.goingAway {
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	}
	return []byte{}
}

// close ends the outbound queue exactly once. Callers hold the hub lock.
func (c *Client) close(goingAway bool) {
	c.closeOnce.Do(func() {
		c.goingAway = goingAway
		close(c.Send)
	})
}

// TrySend attempts to send a message to the client, handling closed channels and full buffers
func (c *Client) TrySend(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		}
	}()

	select {
	case c.Send <- message:
	default:
		// Buffer full, drop message and notify client so it can re-fetch
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
		observability.GlobalLogger.WarnContext(c.Context(), "client buffer full, dropped message",
			"hub", c.Hub.Name(),
		)

		select {
		case c.Send <- droppedNotice:
		default:
			// Can't even send the notification -- client is truly overwhelmed
		}
	}
}

// TrySendFrame encodes and queues a single frame.
func (c *Client) TrySendFrame(frameType string, data any) {
	payload, err := Encode(frameType, data)
	if err != nil {
		observability.GlobalLogger.ErrorContext(c.Context(), "failed to encode frame", "error", err.Error())
		return
	}
	c.TrySend(payload)
}
