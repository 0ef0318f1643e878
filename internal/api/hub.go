package api

import (
	"net/http"
	"sync"
	"time"

	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/logger"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub streams bus events to WebSocket observers. Each observer gets its own
// bus subscription and a bounded send queue; frames that do not fit are
// dropped for that observer only.
type Hub struct {
	bus *eventbus.Bus

	mu    sync.Mutex
	conns map[*wsConnection]struct{}
}

// NewHub creates a hub over bus.
func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{bus: bus, conns: make(map[*wsConnection]struct{})}
}

// wsConnection maintains one observer connection
type wsConnection struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	sub  *eventbus.Subscription
	once sync.Once
}

// Serve upgrades the request and streams events. The optional run query
// parameter restricts the stream to one run.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ws := &wsConnection{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	var filter eventbus.Filter
	if runID := c.Query("run"); runID != "" {
		filter = eventbus.ForRun(runID)
	}

	ws.sub = h.bus.Subscribe(filter, ws.enqueue)
	h.mu.Lock()
	h.conns[ws] = struct{}{}
	h.mu.Unlock()
	logger.Logger.Debug("observer connected", "remote", conn.RemoteAddr().String(), "run_id", c.Query("run"))

	go ws.writePump()
	go ws.readPump()
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// DropAll closes every observer connection. Observers are expected to
// reconnect, which lets a restarted server pick them up again.
func (h *Hub) DropAll() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.conns))
	for ws := range h.conns {
		conns = append(conns, ws)
	}
	h.mu.Unlock()

	for _, ws := range conns {
		ws.sub.Unsubscribe()
	}
}

func (c *wsConnection) enqueue(ev eventbus.Event) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		logger.Logger.Error("failed to encode event", "seq", ev.Seq, "type", ev.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		logger.Logger.Warn("observer buffer full, dropping event", "seq", ev.Seq, "type", ev.Type)
	}
}

// close tears the connection down once. Cancelling the subscription alone
// makes the write pump send a close frame before calling close.
func (c *wsConnection) close() {
	c.once.Do(func() {
		c.sub.Unsubscribe()
		c.hub.mu.Lock()
		delete(c.hub.conns, c)
		c.hub.mu.Unlock()
		c.conn.Close()
	})
}

// readPump discards client messages and keeps the read deadline alive
func (c *wsConnection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Logger.Debug("observer read failed", "error", err)
			}
			return
		}
	}
}

// writePump pumps events from the subscription to the socket
func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.sub.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
