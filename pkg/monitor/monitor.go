// Package monitor streams manager and update events to WebSocket clients.
//
// A Hub is an http.Handler. Every accepted client first receives the
// recent backlog, then each event as one JSON text message. Publishing
// never blocks the caller: a client whose queue is full is disconnected.
package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/backkem/gaia/pkg/manager"
	"github.com/backkem/gaia/pkg/upgrade"
	"github.com/pion/logging"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Defaults.
const (
	DefaultBacklog      = 64
	DefaultQueueLength  = 32
	DefaultWriteTimeout = 5 * time.Second
)

// Message kinds.
const (
	KindManager = "manager"
	KindUpdate  = "update"
)

// Message is the JSON form of one event.
type Message struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Type    string    `json:"type"`
	Device  string    `json:"device,omitempty"`
	Session uint64    `json:"session,omitempty"`
	State   string    `json:"state,omitempty"`
	Phase   string    `json:"phase,omitempty"`
	Sent    int       `json:"sent,omitempty"`
	Total   int       `json:"total,omitempty"`
	Delay   string    `json:"delay,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Config configures a Hub.
type Config struct {
	// Backlog is how many recent messages a new client receives.
	// Default: DefaultBacklog.
	Backlog int

	// QueueLength bounds the messages waiting for one client.
	// Default: DefaultQueueLength.
	QueueLength int

	// WriteTimeout bounds one message write. Default: DefaultWriteTimeout.
	WriteTimeout time.Duration

	// OriginPatterns are the cross-origin hosts allowed to connect.
	OriginPatterns []string

	// LoggerFactory creates the hub's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory

	now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.QueueLength == 0 {
		c.QueueLength = DefaultQueueLength
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.now == nil {
		c.now = time.Now
	}
}

type client struct {
	queue chan Message
	slow  chan struct{}
	once  sync.Once
}

func (c *client) dropSlow() {
	c.once.Do(func() { close(c.slow) })
}

// Hub fans events out to WebSocket clients. Safe for concurrent use.
type Hub struct {
	config Config
	log    logging.LeveledLogger

	mu      sync.Mutex
	clients map[*client]struct{}
	backlog []Message
	closed  bool
	done    chan struct{}
}

// New creates a hub.
func New(config Config) *Hub {
	config.applyDefaults()
	return &Hub{
		config:  config,
		log:     config.LoggerFactory.NewLogger("monitor"),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// ManagerEvent publishes a manager event. It has the signature of a
// manager subscription handler.
func (h *Hub) ManagerEvent(ev manager.Event) {
	m := Message{
		Kind:    KindManager,
		Type:    ev.Type.String(),
		Device:  string(ev.Device),
		Session: uint64(ev.Session),
	}
	if ev.Type == manager.EventSessionStateChanged {
		m.State = ev.State.String()
	}
	if ev.Delay > 0 {
		m.Delay = ev.Delay.String()
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	h.Publish(m)
}

// UpdateEvent publishes an update plugin event.
func (h *Hub) UpdateEvent(ev upgrade.Event) {
	m := Message{
		Kind:  KindUpdate,
		Type:  ev.Type.String(),
		Phase: ev.Phase.String(),
		Sent:  ev.Sent,
		Total: ev.Total,
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	h.Publish(m)
}

// Publish stamps m and queues it for every client.
func (h *Hub) Publish(m Message) {
	if m.Time.IsZero() {
		m.Time = h.config.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.backlog = append(h.backlog, m)
	if n := len(h.backlog) - h.config.Backlog; n > 0 {
		h.backlog = append(h.backlog[:0], h.backlog[n:]...)
	}
	for c := range h.clients {
		select {
		case c.queue <- m:
		default:
			delete(h.clients, c)
			c.dropSlow()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Backlog returns a copy of the messages a new client would receive.
func (h *Hub) Backlog() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.backlog...)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (h *Hub) register() (*client, []Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}
	c := &client{
		queue: make(chan Message, h.config.QueueLength),
		slow:  make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c, append([]Message(nil), h.backlog...), true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams messages until the client
// goes away, falls behind or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.config.OriginPatterns})
	if err != nil {
		h.log.Debugf("accept %s: %v", r.RemoteAddr, err)
		return
	}
	c, backlog, ok := h.register()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "monitor closed")
		return
	}
	defer h.unregister(c)
	h.log.Infof("monitor client %s connected", r.RemoteAddr)

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())

	for _, m := range backlog {
		if err := h.write(ctx, conn, m); err != nil {
			return
		}
	}
	for {
		select {
		case m := <-c.queue:
			if err := h.write(ctx, conn, m); err != nil {
				h.log.Debugf("monitor client %s: %v", r.RemoteAddr, err)
				return
			}
		case <-c.slow:
			h.log.Warnf("monitor client %s fell behind", r.RemoteAddr)
			conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case <-h.done:
			h.unregister(c)
			conn.Close(websocket.StatusGoingAway, "monitor closed")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}
