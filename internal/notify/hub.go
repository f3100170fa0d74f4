package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CommandHandler executes an admin command line such as "!approve <id>".
type CommandHandler interface {
	Handle(ctx context.Context, line string) (string, error)
}

// Hub is a websocket admin channel. Notifications are pushed to every
// connected client as JSON text frames; text frames received from a client
// are treated as admin commands.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	handler CommandHandler
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

type wsFrame struct {
	Type    string   `json:"type"` // notify | reply | error
	Message *Message `json:"message,omitempty"`
	Text    string   `json:"text,omitempty"`
}

const (
	wsSendBuffer = 32
	wsReadLimit  = 64 * 1024
	wsWriteWait  = 5 * time.Second
)

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: make(map[*wsClient]struct{})}
}

// SetHandler installs the command handler. Frames received before a
// handler is set get an error reply.
func (h *Hub) SetHandler(c CommandHandler) {
	h.mu.Lock()
	h.handler = c
	h.mu.Unlock()
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(_ context.Context, msg Message) error {
	b, err := json.Marshal(wsFrame{Type: "notify", Message: &msg})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// Slow consumer; drop it rather than block the broadcaster.
			h.removeLocked(c)
		}
	}
	return nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	up := websocket.Upgrader{
		// Auth middleware already applied.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c)
	}()

	h.readLoop(r.Context(), c)

	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
	<-done
}

func (h *Hub) readLoop(ctx context.Context, c *wsClient) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		line := strings.TrimSpace(string(data))
		if line == "" {
			continue
		}

		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()

		frame := wsFrame{Type: "reply"}
		if handler == nil {
			frame = wsFrame{Type: "error", Text: "commands unavailable"}
		} else if out, err := handler.Handle(ctx, line); err != nil {
			frame = wsFrame{Type: "error", Text: err.Error()}
		} else {
			frame.Text = out
		}
		b, _ := json.Marshal(frame)

		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			select {
			case c.send <- b:
			default:
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			h.log.Debug("websocket write failed", "error", err)
			_ = c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
	_ = c.conn.Close()
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
