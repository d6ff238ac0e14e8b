package ws

import (
	"errors"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pushi/internal/broker"
	"pushi/internal/metrics"
	"pushi/internal/protocol"
	"pushi/pkg/config"
	"pushi/pkg/logging"
)

// appKeyRE matches the app key path segment of the websocket endpoint.
var appKeyRE = regexp.MustCompile(`^[0-9a-f]{64}$`)

var (
	errTooManyConnections    = errors.New("connection limit reached")
	errTooManyConnectionsIP  = errors.New("connection limit reached for this address")
	errTooManyConnectionsApp = errors.New("connection limit reached for this app")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Manager owns the live websocket connections and enforces the connection
// caps. Channel state lives in the broker; the manager only tracks
// transports.
type Manager struct {
	logger  logging.Logger
	broker  *broker.Broker
	limits  config.Limits
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[*Client]bool
	perIP   map[string]int
	perApp  map[string]int
}

// NewManager creates a connection manager over the broker.
func NewManager(b *broker.Broker, limits config.Limits, logger logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:  logger,
		broker:  b,
		limits:  limits,
		metrics: m,
		clients: make(map[*Client]bool),
		perIP:   make(map[string]int),
		perApp:  make(map[string]int),
	}
}

// ServeWS upgrades GET /<app_key> to a websocket session. The app key must
// be a known 64 character hex key; unknown keys are refused before the
// upgrade.
func (m *Manager) ServeWS(c *gin.Context) {
	appKey := c.Param("app_key")
	if !appKeyRE.MatchString(appKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid app key"})
		return
	}
	if !m.broker.KnownAppKey(c.Request.Context(), appKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown app key"})
		return
	}

	ip := c.ClientIP()
	if err := m.admit(appKey, ip); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.release(appKey, ip)
		m.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	socketID := uuid.New().String()
	client := &Client{
		manager:  m,
		conn:     conn,
		send:     make(chan []byte, m.limits.SendQueueSize),
		socketID: socketID,
		appKey:   appKey,
		ip:       ip,
		limiter:  rate.NewLimiter(rate.Every(m.limits.RateLimitWindow/time.Duration(m.limits.RateLimitMessages)), m.limits.RateLimitMessages),
		logger: m.logger.WithFields(logging.Fields{
			"socket_id": socketID,
			"app_key":   appKey,
		}),
	}

	m.mu.Lock()
	m.clients[client] = true
	m.mu.Unlock()
	m.broker.Register(client)

	if m.metrics != nil {
		m.metrics.Connections.WithLabelValues(appKey).Inc()
	}
	client.logger.Info("Client connected")

	go client.writePump()
	go client.readPump()

	client.sendFrame(protocol.ConnectionEstablished(socketID))
}

// admit reserves a connection slot, enforcing the global, per IP and per
// app caps.
func (m *Manager) admit(appKey, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.clients) >= m.limits.MaxConnections {
		return errTooManyConnections
	}
	if m.perIP[ip] >= m.limits.MaxConnectionsPerIP {
		return errTooManyConnectionsIP
	}
	if m.perApp[appKey] >= m.limits.MaxConnectionsPerApp {
		return errTooManyConnectionsApp
	}
	m.perIP[ip]++
	m.perApp[appKey]++
	return nil
}

func (m *Manager) release(appKey, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perIP[ip] > 0 {
		m.perIP[ip]--
	}
	if m.perApp[appKey] > 0 {
		m.perApp[appKey]--
	}
}

// unregister tears down a client exactly once: counters, broker state and
// the underlying transport.
func (m *Manager) unregister(client *Client) {
	m.mu.Lock()
	known := m.clients[client]
	if known {
		delete(m.clients, client)
	}
	m.mu.Unlock()
	if !known {
		return
	}

	m.release(client.appKey, client.ip)
	m.broker.Disconnect(client)
	if client.markClosed() {
		close(client.send)
	}
	client.conn.Close()

	if m.metrics != nil {
		m.metrics.Connections.WithLabelValues(client.appKey).Dec()
	}
	client.logger.Info("Client disconnected")
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
