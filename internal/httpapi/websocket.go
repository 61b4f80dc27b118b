package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// activityMessage is one event pushed down an activity-stream socket.
type activityMessage struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      string    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// activityClient is one connected websocket subscriber, grounded on
// internal/api/websocket/handlers.go's WebSocketClient (conn + buffered
// send channel + read/write pumps), trimmed to one subscription shape:
// every client receives every run's activity, since the control surface
// here is a single operator team rather than a multi-tenant dashboard.
type activityClient struct {
	conn *websocket.Conn
	send chan activityMessage
	id   string
}

// activityHub fans out pipeline events to every connected client. It
// is fed by a store poller (pollActivity) rather than by being wired
// directly into AppendEvent, so it never blocks pipeline execution.
type activityHub struct {
	mu       sync.Mutex
	clients  map[string]*activityClient
	log      logger.Logger
	upgrader websocket.Upgrader
}

func newActivityHub(log logger.Logger) *activityHub {
	return &activityHub{
		clients: make(map[string]*activityClient),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *activityHub) broadcast(msg activityMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("httpapi: activity client send buffer full, dropping", logger.String("client_id", c.id))
		}
	}
}

func (h *activityHub) handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("httpapi: websocket upgrade failed", logger.Err(err))
		return
	}

	client := &activityClient{conn: conn, send: make(chan activityMessage, 256), id: uuid.NewString()}
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	_ = conn.WriteJSON(activityMessage{Type: "connected", Timestamp: time.Now()})

	go h.writePump(client)
	go h.readPump(client)
}

func (h *activityHub) remove(client *activityClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
	}
}

// readPump exists only to notice disconnects and drain pong frames;
// the activity stream is push-only, it accepts no client commands.
func (h *activityHub) readPump(c *activityClient) {
	defer h.remove(c)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *activityHub) writePump(c *activityClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pollActivity polls the store's event log for every run still
// running and broadcasts anything new. Run as a background goroutine
// by Server.Start; it is a plain poller rather than a supervised task
// since a missed tick only delays a UI update, never pipeline state.
func (h *activityHub) pollActivity(s *store.Store, interval time.Duration, stop <-chan struct{}) {
	cursor := make(map[string]int64)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			runs, err := s.ListRunningPipelines()
			if err != nil {
				continue
			}
			for _, run := range runs {
				events, err := s.ListEvents(run.ID, cursor[run.ID], 100)
				if err != nil || len(events) == 0 {
					continue
				}
				for _, e := range events {
					h.broadcast(activityMessage{
						Type: "event", RunID: run.ID, Kind: e.Kind, Message: e.Message,
						Data: e.Data, Timestamp: e.OccurredAt,
					})
					cursor[run.ID] = e.ID
				}
			}
		}
	}
}
