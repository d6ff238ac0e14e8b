package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pushi/internal/broker"
	"pushi/internal/models"
	"pushi/internal/protocol"
	"pushi/internal/repository"
	"pushi/pkg/config"
	"pushi/pkg/logging"
)

func testLimits() config.Limits {
	return config.Limits{
		MaxConnections:       100,
		MaxConnectionsPerIP:  100,
		MaxConnectionsPerApp: 100,
		MaxMessageSize:       65536,
		MaxChannelsPerSocket: 8,
		MaxSocketsPerChannel: 2,
		MaxChannelNameLength: 200,
		MaxEventNameLength:   200,
		RateLimitMessages:    100,
		RateLimitWindow:      time.Second,
		SendQueueSize:        32,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, models.App) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemory()
	app := models.NewApp("test")
	if err := repo.CreateApp(context.Background(), app); err != nil {
		t.Fatalf("create app: %v", err)
	}

	logger := logging.NewLogger()
	b := broker.New(repo, logger, nil)
	b.RegisterApp(app)

	manager := NewManager(b, testLimits(), logger, nil)
	router := gin.New()
	router.GET("/:app_key", manager.ServeWS)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, app
}

func dial(t *testing.T, srv *httptest.Server, appKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + appKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg
}

func TestHandshake(t *testing.T) {
	srv, app := newTestServer(t)
	conn := dial(t, srv, app.Key)

	msg := readFrame(t, conn)
	if msg.Event != protocol.EventConnectionEstablished {
		t.Fatalf("expected connection_established, got %q", msg.Event)
	}

	data, ok := msg.Data.(string)
	if !ok {
		t.Fatalf("handshake data is not a JSON-encoded string: %T", msg.Data)
	}
	var inner struct {
		SocketID string `json:"socket_id"`
	}
	if err := json.Unmarshal([]byte(data), &inner); err != nil {
		t.Fatalf("handshake data decode: %v", err)
	}
	if inner.SocketID == "" {
		t.Fatal("no socket id assigned")
	}
}

func TestUnknownAppKeyRefused(t *testing.T) {
	srv, _ := newTestServer(t)

	bogus := strings.Repeat("0", 64)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + bogus
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("handshake succeeded for unknown app key")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestMalformedAppKeyRefused(t *testing.T) {
	srv, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/not-hex"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("handshake succeeded for malformed app key")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	srv, app := newTestServer(t)
	conn := dial(t, srv, app.Key)
	readFrame(t, conn) // connection_established

	sub := map[string]interface{}{
		"event": "pusher:subscribe",
		"data":  map[string]string{"channel": "global"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Event != protocol.EventSubscriptionSucceeded || msg.Channel != "global" {
		t.Fatalf("unexpected reply %+v", msg)
	}
}

func TestClientEventFanOut(t *testing.T) {
	srv, app := newTestServer(t)

	c1 := dial(t, srv, app.Key)
	c2 := dial(t, srv, app.Key)
	readFrame(t, c1)
	readFrame(t, c2)

	sub := map[string]interface{}{
		"event": "pusher:subscribe",
		"data":  map[string]string{"channel": "room"},
	}
	for _, c := range []*websocket.Conn{c1, c2} {
		if err := c.WriteJSON(sub); err != nil {
			t.Fatalf("write: %v", err)
		}
		readFrame(t, c) // subscription_succeeded
	}

	event := map[string]interface{}{
		"event":   "client-hello",
		"channel": "room",
		"data":    map[string]string{"text": "hi"},
	}
	if err := c1.WriteJSON(event); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readFrame(t, c2)
	if msg.Event != "client-hello" || msg.Channel != "room" {
		t.Fatalf("unexpected frame %+v", msg)
	}
}

func TestChannelFullLimit(t *testing.T) {
	srv, app := newTestServer(t)

	sub := map[string]interface{}{
		"event": "pusher:subscribe",
		"data":  map[string]string{"channel": "small"},
	}

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		c := dial(t, srv, app.Key)
		readFrame(t, c)
		if err := c.WriteJSON(sub); err != nil {
			t.Fatalf("write: %v", err)
		}
		readFrame(t, c)
		conns = append(conns, c)
	}

	// MaxSocketsPerChannel is 2; the third subscriber is refused.
	c := dial(t, srv, app.Key)
	readFrame(t, c)
	if err := c.WriteJSON(sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readFrame(t, c)
	if msg.Event != protocol.EventError {
		t.Fatalf("expected pusher:error, got %+v", msg)
	}
}

func TestSlowConsumerTornDown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemory()
	app := models.NewApp("test")
	if err := repo.CreateApp(context.Background(), app); err != nil {
		t.Fatalf("create app: %v", err)
	}
	logger := logging.NewLogger()
	b := broker.New(repo, logger, nil)
	b.RegisterApp(app)
	manager := NewManager(b, testLimits(), logger, nil)

	// The server side conn is handed out raw: no writePump drains the
	// queue, so a single slot queue backs up on the first publish.
	conns := make(chan *websocket.Conn, 1)
	router := gin.New()
	router.GET("/:app_key", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		conns <- conn
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	dial(t, srv, app.Key)
	serverConn := <-conns

	client := &Client{
		manager:  manager,
		conn:     serverConn,
		send:     make(chan []byte, 1),
		socketID: "slow",
		appKey:   app.Key,
		ip:       "127.0.0.1",
		logger:   logger.WithFields(logging.Fields{"socket_id": "slow"}),
	}
	manager.mu.Lock()
	manager.clients[client] = true
	manager.mu.Unlock()
	b.Register(client)

	ctx := context.Background()
	if err := b.Subscribe(ctx, client, "room", "", nil, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The subscription reply filled the only queue slot; this publish
	// overflows it and the session must be torn down.
	if err := b.Trigger(ctx, app.ID, "tick", "x", []string{"room"}, broker.TriggerOptions{}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for manager.ConnectionCount() != 0 || b.SocketsInChannel(app.Key, "room") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow consumer still live: %d connections, %d sockets in channel",
				manager.ConnectionCount(), b.SocketsInChannel(app.Key, "room"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventNameLengthLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemory()
	app := models.NewApp("test")
	if err := repo.CreateApp(context.Background(), app); err != nil {
		t.Fatalf("create app: %v", err)
	}
	logger := logging.NewLogger()
	b := broker.New(repo, logger, nil)
	b.RegisterApp(app)

	limits := testLimits()
	limits.MaxEventNameLength = 16

	manager := NewManager(b, limits, logger, nil)
	router := gin.New()
	router.GET("/:app_key", manager.ServeWS)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, app.Key)
	readFrame(t, conn)

	sub := map[string]interface{}{
		"event": "pusher:subscribe",
		"data":  map[string]string{"channel": "room"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn) // subscription_succeeded

	event := map[string]interface{}{
		"event":   "client-" + strings.Repeat("y", 12),
		"channel": "room",
		"data":    map[string]string{},
	}
	if err := conn.WriteJSON(event); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Event != protocol.EventError {
		t.Fatalf("expected pusher:error, got %+v", msg)
	}
	data, ok := msg.Data.(map[string]interface{})
	if !ok || data["message"] != "event name too long" {
		t.Fatalf("unexpected error payload %+v", msg.Data)
	}
}

func TestMalformedFrameError(t *testing.T) {
	srv, app := newTestServer(t)
	conn := dial(t, srv, app.Key)
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Event != protocol.EventError {
		t.Fatalf("expected pusher:error, got %+v", msg)
	}
}
