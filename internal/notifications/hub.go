package notifications

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatgate/internal/models"
	"chatgate/internal/observability"
)

const (
	// Max connections per address
	defaultMaxConnsPerAddress = 12
	// Max total connections
	defaultMaxConns = 10000
	// Messages kept in memory for replay on connect
	defaultHistorySize = 50
)

var (
	ErrHubClosed        = errors.New("server is shutting down")
	ErrServerConnLimit  = errors.New("server connection limit reached")
	ErrAddressConnLimit = errors.New("address connection limit reached")
	errNilMessage       = errors.New("nil message")
)

// HubConfig sizes the hub.
type HubConfig struct {
	HistorySize        int
	MaxConnsPerAddress int
	MaxConns           int
	EventsPerSecond    float64
	EventBurst         int

	// Unthrottled lists token-bound wallets whose connections skip the
	// inbound flood guard.
	Unthrottled map[string]struct{}
}

// Hub owns the connected clients and the in-memory history ring. A single
// mutex serialises registration and broadcasts, so every client sees the
// replayed history before any live message and all clients observe one
// acceptance order.
type Hub struct {
	mu        sync.Mutex
	cfg       HubConfig
	clients   map[*Client]struct{}
	byAddress map[string]int
	history   []*models.ChatMessage
	closed    bool

	presence *Presence
	log      *observability.WSLogger
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "chat hub" }

// NewHub creates a new Hub. presence may be nil.
func NewHub(cfg HubConfig, presence *Presence) *Hub {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.MaxConnsPerAddress <= 0 {
		cfg.MaxConnsPerAddress = defaultMaxConnsPerAddress
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if presence == nil {
		presence = NewPresence(nil, PresenceConfig{})
	}
	return &Hub{
		cfg:       cfg,
		clients:   make(map[*Client]struct{}),
		byAddress: make(map[string]int),
		presence:  presence,
		log:       observability.NewWSLogger("chat hub"),
	}
}

// Register adds a connection. The history replay is queued before the client
// becomes visible to Broadcast. address is the token-bound wallet or empty.
func (h *Hub) Register(conn Conn, address string) (*Client, error) {
	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if len(h.clients) >= h.cfg.MaxConns {
		h.mu.Unlock()
		return nil, ErrServerConnLimit
	}
	if address != "" && h.byAddress[address] >= h.cfg.MaxConnsPerAddress {
		h.mu.Unlock()
		return nil, ErrAddressConnLimit
	}

	eventsPerSecond := h.cfg.EventsPerSecond
	if _, ok := h.cfg.Unthrottled[address]; ok && address != "" {
		eventsPerSecond = 0
	}
	client := NewClient(h, conn, address, eventsPerSecond, h.cfg.EventBurst)

	replay := append(make([]*models.ChatMessage, 0, len(h.history)), h.history...)
	if payload, err := Encode(TypeChatHistory, replay); err == nil {
		client.TrySend(payload)
	} else {
		h.log.LogError(client.Context(), client.ID, err, TypeChatHistory)
	}

	h.clients[client] = struct{}{}
	if address != "" {
		h.byAddress[address]++
	}
	h.mu.Unlock()

	observability.WebSocketConnections.Inc()
	h.presence.Register(client.Context(), client.ID)
	h.log.LogConnect(client.Context(), client.ID, address)
	h.broadcastPresence(client.Context())

	return client, nil
}

// UnregisterClient removes a connection and closes its queue. Safe to call twice.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		if client.Address != "" {
			if h.byAddress[client.Address] <= 1 {
				delete(h.byAddress, client.Address)
			} else {
				h.byAddress[client.Address]--
			}
		}
		client.close(false)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	observability.WebSocketConnections.Dec()
	h.presence.Unregister(client.Context(), client.ID)
	h.log.LogDisconnect(client.Context(), client.ID, client.Address, "closed")
	h.broadcastPresence(client.Context())
}

// BroadcastMessage appends msg to the history ring and sends it to every
// client as a new-message frame.
func (h *Hub) BroadcastMessage(msg *models.ChatMessage) error {
	if msg == nil {
		return errNilMessage
	}
	payload, err := Encode(TypeNewMessage, msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, msg)
	if over := len(h.history) - h.cfg.HistorySize; over > 0 {
		h.history = slices.Delete(h.history, 0, over)
	}
	for c := range h.clients {
		c.TrySend(payload)
	}
	return nil
}

// Broadcast sends a frame to every client without touching history.
func (h *Hub) Broadcast(frameType string, data any) error {
	payload, err := Encode(frameType, data)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.TrySend(payload)
	}
	return nil
}

// SendTo queues a frame for one client only.
func (h *Hub) SendTo(client *Client, frameType string, data any) {
	client.TrySendFrame(frameType, data)
}

// RemoveFromHistory drops a message from the replay ring.
func (h *Hub) RemoveFromHistory(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := slices.IndexFunc(h.history, func(m *models.ChatMessage) bool { return m.ID == id })
	if i < 0 {
		return false
	}
	h.history = slices.Delete(h.history, i, i+1)
	return true
}

// SeedHistory replaces the ring with msgs, oldest first. Used at startup with
// the store's most recent messages.
func (h *Hub) SeedHistory(msgs []*models.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if over := len(msgs) - h.cfg.HistorySize; over > 0 {
		msgs = msgs[over:]
	}
	h.history = slices.Clone(msgs)
}

// History returns a copy of the replay ring, oldest first.
func (h *Hub) History() []*models.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.history)
}

// Count returns the number of connections on this instance.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ClusterCount returns the live connection count across instances.
func (h *Hub) ClusterCount(ctx context.Context) int {
	return h.presence.Count(ctx)
}

// RunPresence refreshes presence keys and pushes the cluster count to clients
// whenever it changes, until ctx is done.
func (h *Hub) RunPresence(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultPresenceTTL / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.presence.RefreshAll(ctx)
			if n := h.presence.Count(ctx); n != last {
				last = n
				_ = h.Broadcast(TypePresence, PresenceData{Count: n})
			}
		}
	}
}

func (h *Hub) broadcastPresence(ctx context.Context) {
	if err := h.Broadcast(TypePresence, PresenceData{Count: h.presence.Count(ctx)}); err != nil {
		h.log.LogError(ctx, "", err, TypePresence)
	}
}

// Shutdown sends a going-away close frame to every client and refuses new
// registrations.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ids := make([]string, 0, len(h.clients))
	for c := range h.clients {
		c.close(true)
		ids = append(ids, c.ID)
	}
	h.clients = make(map[*Client]struct{})
	h.byAddress = make(map[string]int)
	h.mu.Unlock()

	for _, id := range ids {
		h.presence.Unregister(ctx, id)
	}
	n := len(ids)
	observability.WebSocketConnections.Sub(float64(n))
	h.presence.Stop()
	h.log.LogLifecycle(ctx, "shutdown", slog.Int("clients", n))
	return nil
}
