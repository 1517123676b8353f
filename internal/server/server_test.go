package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/gateway"
	"chatgate/internal/middleware"
	"chatgate/internal/models"
	"chatgate/internal/moderation"
	"chatgate/internal/notifications"
	"chatgate/internal/repository"

	"github.com/alicebob/miniredis/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret-key-12345678901234567890123456789012"
	userAddr   = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	adminAddr  = "0x00000000000000000000000000000000000000ad"
)

type testEnv struct {
	srv   *Server
	store repository.MessageStore
	hub   *notifications.Hub
}

// pingFailStore reports an unreachable backend on Ping.
type pingFailStore struct {
	repository.MessageStore
}

func (pingFailStore) Ping(context.Context) error { return errors.New("unreachable") }

func newTestEnv(t *testing.T, rdb *redis.Client, wrap func(repository.MessageStore) repository.MessageStore) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Port:                  "0",
		JWTSecret:             testSecret,
		AllowedOrigins:        "*",
		AdminAddresses:        adminAddr,
		ExportLimit:           100,
		AdminHistoryRateLimit: 2,
	}

	fs, err := repository.NewFileStore(filepath.Join(t.TempDir(), "chat.json"))
	require.NoError(t, err)
	var store repository.MessageStore = fs
	if wrap != nil {
		store = wrap(store)
	}

	tracker := moderation.NewTracker(moderation.TrackerConfig{
		ProfanityMute:     10 * time.Second,
		ProfanityCooldown: time.Hour,
		BlockSchedule:     []time.Duration{2 * time.Hour},
		RateWindow:        time.Minute,
		RateMute:          30 * time.Second,
	})
	profanity, err := moderation.NewProfanityFilter(moderation.DefaultWords())
	require.NoError(t, err)
	validator := moderation.NewValidator(moderation.ValidatorConfig{
		CharLimit:  42,
		RateWindow: time.Minute,
		RateMax:    10,
	}, profanity, moderation.NewLinkDetector(), tracker)

	admins, err := cfg.Admins()
	require.NoError(t, err)

	hub := notifications.NewHub(notifications.HubConfig{}, notifications.NewPresence(rdb, notifications.PresenceConfig{}))
	gw := gateway.New(gateway.Config{ExportLimit: cfg.ExportLimit, Admins: admins}, validator, tracker, store, hub, notifications.NewNotifier(rdb))

	srv, err := New(Deps{Config: cfg, Store: store, Redis: rdb, Hub: hub, Gateway: gw})
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })

	return &testEnv{srv: srv, store: store, hub: hub}
}

func token(t *testing.T, addr string) string {
	t.Helper()
	tok, err := middleware.IssueWalletToken(testSecret, addr, time.Hour)
	require.NoError(t, err)
	return tok
}

func doRequest(t *testing.T, env *testEnv, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := env.srv.App().Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, body
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, _ := doRequest(t, env, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doRequest(t, env, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "disabled", ready.Checks["redis"])
}

func TestReadiness_StoreDown(t *testing.T) {
	env := newTestEnv(t, nil, func(s repository.MessageStore) repository.MessageStore {
		return pingFailStore{MessageStore: s}
	})

	resp, body := doRequest(t, env, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"store":"unhealthy"`)
}

func TestReadiness_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	env := newTestEnv(t, rdb, nil)

	resp, body := doRequest(t, env, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"redis":"healthy"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	// One request so the HTTP collectors have samples.
	doRequest(t, env, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	resp, body := doRequest(t, env, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "chatgate_websocket_connections")
}

func TestPresenceEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, err := env.hub.Register(nil, "")
	require.NoError(t, err)

	resp, body := doRequest(t, env, httptest.NewRequest(http.MethodGet, "/api/presence", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count":1,"local":1}`, string(body))
}

func TestWebSocketRoute_RequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, _ := doRequest(t, env, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestAdminHistory(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, env.store.Append(ctx, &models.ChatMessage{
			ID:            repository.NewMessageID(),
			SenderAddress: userAddr,
			Text:          text,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"not an admin", token(t, userAddr), http.StatusForbidden},
		{"admin", token(t, adminAddr), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/admin/history", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, body := doRequest(t, env, req)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var export gateway.HistoryExport
			require.NoError(t, json.Unmarshal(body, &export))
			require.Equal(t, 3, export.Count)
			assert.Equal(t, "first", export.Messages[0].Text)
			assert.Equal(t, "third", export.Messages[2].Text)
		})
	}
}

func TestAdminHistory_Compressed(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	// Bodies below a couple hundred bytes are sent uncompressed.
	for range 10 {
		require.NoError(t, env.store.Append(context.Background(), &models.ChatMessage{
			ID:            repository.NewMessageID(),
			SenderAddress: userAddr,
			Text:          "a message long enough to matter",
			CreatedAt:     time.Now().UTC(),
		}))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/history", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, adminAddr))
	req.Header.Set("Accept-Encoding", "gzip")
	resp, _ := doRequest(t, env, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestAdminHistory_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	env := newTestEnv(t, rdb, nil)

	adminToken := token(t, adminAddr)
	statuses := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/history", nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		resp, _ := doRequest(t, env, req)
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *gorillaws.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wsFrame
	require.NoError(t, json.Unmarshal(payload, &f))
	return f
}

// readUntil skips frames until one of frameType arrives.
func readUntil(t *testing.T, conn *gorillaws.Conn, frameType string) wsFrame {
	t.Helper()
	for range 10 {
		if f := readFrame(t, conn); f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return wsFrame{}
}

func startListener(t *testing.T, env *testEnv) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = env.srv.Listener(ln) }()
	return "ws://" + ln.Addr().String() + "/ws"
}

func TestWebSocket_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	url := startListener(t, env)

	conn, resp, err := gorillaws.DefaultDialer.Dial(url+"?token="+token(t, userAddr), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	history := readFrame(t, conn)
	assert.Equal(t, notifications.TypeChatHistory, history.Type)
	assert.JSONEq(t, `[]`, string(history.Data))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": gateway.EventSendMessage,
		"data": map[string]any{"senderAddress": userAddr, "displayName": "collector", "text": "gm"},
	}))

	live := readUntil(t, conn, notifications.TypeNewMessage)
	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(live.Data, &msg))
	assert.Equal(t, "gm", msg.Text)
	assert.Equal(t, "collector", msg.DisplayName)

	// A second client joining later gets the message in its replay.
	late, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	replay := readFrame(t, late)
	require.Equal(t, notifications.TypeChatHistory, replay.Type)
	var replayed []models.ChatMessage
	require.NoError(t, json.Unmarshal(replay.Data, &replayed))
	require.Len(t, replayed, 1)
	assert.Equal(t, msg.ID, replayed[0].ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, gorillaws.IsCloseError(err, gorillaws.CloseGoingAway), "got %v", err)
	_ = conn.Close()
	_ = late.Close()
}

func TestWebSocket_BadTokenRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	url := startListener(t, env)
	t.Cleanup(func() { _ = env.srv.App().Shutdown() })

	_, resp, err := gorillaws.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}
