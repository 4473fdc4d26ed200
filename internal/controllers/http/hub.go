package httpctrl

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Agrid-Dev/picorelay/internal/logging"
	"github.com/Agrid-Dev/picorelay/internal/ports"
	"github.com/Agrid-Dev/picorelay/internal/relay"
)

const (
	wsSendBufferSize = 16
	wsPingInterval   = 30 * time.Second
	wsWriteWait      = 10 * time.Second
	wsPongWait       = wsPingInterval + 10*time.Second
	wsMaxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub streams relay status events to websocket clients. It implements relay.Publisher.
type Hub struct {
	svc    ports.RelayService
	source string
	log    *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(svc ports.RelayService, source string, log *slog.Logger) *Hub {
	if source == "" {
		source = relay.DefaultSource
	}
	return &Hub{
		svc:     svc,
		source:  source,
		log:     logging.OrDiscard(log).With("component", "ws"),
		now:     time.Now,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.closeAll()
	return nil
}

// PublishStatus broadcasts ev to every client. Slow clients miss events.
func (h *Hub) PublishStatus(ev relay.Status) error {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.trySend(data)
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and sends the current status straight away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, wsSendBufferSize)}

	cur := relay.Status{State: h.svc.State(), Timestamp: h.now(), Source: h.source}
	if data, err := json.Marshal(cur.Payload()); err == nil {
		c.send <- data
	}

	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "clients", n)
}

// unregister closes the send channel only if the client was still registered.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.log.Debug("websocket client disconnected", "clients", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *wsClient) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.log.Debug("websocket client too slow, event dropped")
	}
}

// readPump only watches for the peer going away; inbound messages are ignored.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
