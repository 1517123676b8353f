package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"chatgate/internal/models"
	"chatgate/internal/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 10 * time.Millisecond
)

type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// drain reads every queued frame without blocking.
func drain(t *testing.T, c *Client) []rawFrame {
	t.Helper()
	var frames []rawFrame
	for {
		select {
		case payload, ok := <-c.Send:
			if !ok {
				return frames
			}
			var f rawFrame
			require.NoError(t, json.Unmarshal(payload, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func framesOfType(frames []rawFrame, frameType string) []rawFrame {
	var out []rawFrame
	for _, f := range frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func testMessage(id string) *models.ChatMessage {
	return &models.ChatMessage{
		ID:            id,
		SenderAddress: "0x0000000000000000000000000000000000000001",
		DisplayName:   "0x0000...0001",
		Text:          "gm " + id,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestHub_RegisterReplaysHistoryOldestFirst(t *testing.T) {
	hub := NewHub(HubConfig{HistorySize: 3}, nil)
	hub.SeedHistory([]*models.ChatMessage{testMessage("a"), testMessage("b"), testMessage("c"), testMessage("d")})

	client, err := hub.Register(nil, "")
	require.NoError(t, err)

	frames := drain(t, client)
	require.NotEmpty(t, frames)
	assert.Equal(t, TypeChatHistory, frames[0].Type)

	var history []models.ChatMessage
	require.NoError(t, json.Unmarshal(frames[0].Data, &history))
	require.Len(t, history, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{history[0].ID, history[1].ID, history[2].ID})

	presence := framesOfType(frames, TypePresence)
	require.Len(t, presence, 1)
	assert.JSONEq(t, `{"count":1}`, string(presence[0].Data))

	_ = hub.Shutdown(context.Background())
}

func TestHub_EmptyHistoryIsArray(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	client, err := hub.Register(nil, "")
	require.NoError(t, err)

	frames := drain(t, client)
	require.NotEmpty(t, frames)
	assert.Equal(t, TypeChatHistory, frames[0].Type)
	assert.JSONEq(t, `[]`, string(frames[0].Data))

	_ = hub.Shutdown(context.Background())
}

func TestHub_BroadcastMessageTrimsRing(t *testing.T) {
	hub := NewHub(HubConfig{HistorySize: 2}, nil)
	client, err := hub.Register(nil, "")
	require.NoError(t, err)
	drain(t, client)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, hub.BroadcastMessage(testMessage(id)))
	}

	live := framesOfType(drain(t, client), TypeNewMessage)
	require.Len(t, live, 3)

	history := hub.History()
	require.Len(t, history, 2)
	assert.Equal(t, "2", history[0].ID)
	assert.Equal(t, "3", history[1].ID)

	assert.Error(t, hub.BroadcastMessage(nil))
	_ = hub.Shutdown(context.Background())
}

func TestHub_RemoveFromHistory(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	hub.SeedHistory([]*models.ChatMessage{testMessage("x"), testMessage("y")})

	assert.True(t, hub.RemoveFromHistory("x"))
	assert.False(t, hub.RemoveFromHistory("x"))
	history := hub.History()
	require.Len(t, history, 1)
	assert.Equal(t, "y", history[0].ID)
}

func TestHub_ConnectionLimits(t *testing.T) {
	hub := NewHub(HubConfig{MaxConnsPerAddress: 1, MaxConns: 2}, nil)
	addr := "0x00000000000000000000000000000000000000aa"

	first, err := hub.Register(nil, addr)
	require.NoError(t, err)

	_, err = hub.Register(nil, addr)
	assert.ErrorIs(t, err, ErrAddressConnLimit)

	_, err = hub.Register(nil, "")
	require.NoError(t, err)

	_, err = hub.Register(nil, "")
	assert.ErrorIs(t, err, ErrServerConnLimit)
	assert.Equal(t, 2, hub.Count())

	hub.UnregisterClient(first)
	hub.UnregisterClient(first)
	assert.Equal(t, 1, hub.Count())

	_, err = hub.Register(nil, addr)
	assert.NoError(t, err)

	_ = hub.Shutdown(context.Background())
}

func TestHub_UnregisterClosesQueue(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	client, err := hub.Register(nil, "")
	require.NoError(t, err)
	drain(t, client)

	hub.UnregisterClient(client)
	_, ok := <-client.Send
	assert.False(t, ok)

	// Sending to a closed client is dropped, not a panic.
	assert.NotPanics(t, func() { client.TrySendFrame(TypeError, ErrorData{Message: "late"}) })
}

func TestHub_ShutdownRefusesNewClients(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	client, err := hub.Register(nil, "")
	require.NoError(t, err)
	drain(t, client)

	require.NoError(t, hub.Shutdown(context.Background()))
	require.NoError(t, hub.Shutdown(context.Background()))

	_, ok := <-client.Send
	assert.False(t, ok)
	assert.True(t, client.goingAway)

	_, err = hub.Register(nil, "")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_TrySendDropsWhenFull(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	client, err := hub.Register(nil, "")
	require.NoError(t, err)
	drain(t, client)

	before := testutil.ToFloat64(observability.WebSocketBackpressureDrops.WithLabelValues(hub.Name(), "full"))
	for range sendBuffer + 5 {
		client.TrySend([]byte(`{}`))
	}
	after := testutil.ToFloat64(observability.WebSocketBackpressureDrops.WithLabelValues(hub.Name(), "full"))
	assert.Equal(t, float64(5), after-before)
	assert.Len(t, client.Send, sendBuffer)

	_ = hub.Shutdown(context.Background())
}

// Registering while messages are being broadcast must never lose or repeat a
// message between the replayed history and the live stream.
func TestHub_ReplayThenLiveHasNoGapsOrDuplicates(t *testing.T) {
	const total = 200
	hub := NewHub(HubConfig{HistorySize: 20}, nil)

	var wg sync.WaitGroup
	clients := make(chan *Client, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range total {
			_ = hub.BroadcastMessage(testMessage(fmt.Sprintf("%03d", i)))
		}
	}()
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := hub.Register(nil, "")
			if err == nil {
				clients <- c
			}
		}()
	}
	wg.Wait()
	close(clients)

	for c := range clients {
		var seq []int
		for _, f := range drain(t, c) {
			switch f.Type {
			case TypeChatHistory:
				var history []models.ChatMessage
				require.NoError(t, json.Unmarshal(f.Data, &history))
				for _, m := range history {
					n, _ := strconv.Atoi(m.ID)
					seq = append(seq, n)
				}
			case TypeNewMessage:
				var m models.ChatMessage
				require.NoError(t, json.Unmarshal(f.Data, &m))
				n, _ := strconv.Atoi(m.ID)
				seq = append(seq, n)
			}
		}
		require.NotEmpty(t, seq)
		assert.Equal(t, total-1, seq[len(seq)-1])
		for i := 1; i < len(seq); i++ {
			require.Equal(t, seq[i-1]+1, seq[i], "client %s sequence %v", c.ID, seq)
		}
	}

	_ = hub.Shutdown(context.Background())
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	a, err := hub.Register(nil, "")
	require.NoError(t, err)
	b, err := hub.Register(nil, "")
	require.NoError(t, err)
	drain(t, a)
	drain(t, b)

	require.NoError(t, hub.Broadcast("message-deleted", map[string]string{"messageId": "x"}))
	hub.SendTo(a, TypeError, ErrorData{Message: "only a"})

	fa := drain(t, a)
	fb := drain(t, b)
	require.Len(t, fa, 2)
	require.Len(t, fb, 1)
	assert.Equal(t, "message-deleted", fb[0].Type)
	assert.True(t, strings.Contains(string(fa[1].Data), "only a"))

	_ = hub.Shutdown(context.Background())
}
