// Package hub serves the live channel over WebSocket and pushes delivered
// messages to individual connections.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/accreditation-portal/messaging/internal/middleware"
	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/pkg/logger"
	"github.com/accreditation-portal/messaging/pkg/metrics"
)

var (
	// ErrConnectionNotFound indicates the connection is closed or unknown.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrSendBufferFull indicates the connection is not draining its queue.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Registry is the presence registry as seen by the transport.
type Registry interface {
	Register(userID, connectionID string) string
	RemoveAfter(connectionID string, d time.Duration)
}

// Dispatcher handles message intents issued over the live channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent *model.MessageIntent) error
}

// Config holds live channel settings.
type Config struct {
	PingInterval time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	MaxFrame     int64
	EventRate    float64
	EventBurst   int
	// GracePeriod delays registry removal after a socket closes.
	GracePeriod time.Duration
}

func (c *Config) withDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 128 * 1024
	}
	if c.EventRate <= 0 {
		c.EventRate = 5
	}
	if c.EventBurst <= 0 {
		c.EventBurst = 20
	}
}

// Hub owns every open socket of this process, keyed by connection id.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	registry   Registry
	dispatcher Dispatcher
	cfg        Config
	upgrader   websocket.Upgrader
	logger     *logger.Logger
}

// New creates a Hub. SetDispatcher must be called before serving if
// admin-message events are to be accepted.
func New(registry Registry, cfg Config, log *logger.Logger) *Hub {
	cfg.withDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		conns:    make(map[string]*Conn),
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer and the bearer token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.Component("hub"),
	}
}

// SetDispatcher wires the intent handler.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

// ServeHTTP handles GET /ws. It expects the Auth middleware in front of it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity.UserID == "" {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.EventRate), h.cfg.EventBurst),
		hub:      h,
	}
	c.logger = h.logger.Connection(identity.UserID, c.id)

	h.add(c)
	defer h.remove(c)

	go c.writePump()
	c.readPump(context.WithoutCancel(r.Context()))
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	metrics.IncrementWSConnections()
	c.logger.Info("live connection opened")
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	if !ok {
		return
	}

	c.close()
	h.registry.RemoveAfter(c.id, h.cfg.GracePeriod)
	metrics.DecrementWSConnections()
	c.logger.Info("live connection closed")
}

// Push enqueues msg as a receive-message event on the given connection. It
// never blocks.
func (h *Hub) Push(connectionID string, msg *model.DeliveredMessage) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	env, err := model.NewEnvelope(model.EventReceiveMessage, msg)
	if err != nil {
		return err
	}
	return c.enqueue(env)
}

// Count returns the number of open sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close sends a close frame to every socket. Their read pumps then exit and
// release registry entries.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
		c.close()
	}
}
