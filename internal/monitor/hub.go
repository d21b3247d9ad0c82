package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/scheduler"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// Message is the envelope of every websocket frame
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type workerStatus struct {
	scheduler.Assignment
	Status string `json:"status"`
}

type workerFinished struct {
	scheduler.Assignment
	Outcome scheduler.Outcome `json:"outcome"`
}

// Hub maintains the set of active clients and broadcasts scheduler events to them.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
}

// NewHub creates a hub; call Run to start delivering messages
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Run delivers messages until ctx ends, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logrus.WithField("remote_addr", conn.RemoteAddr().String()).Debug("WebSocket client registered")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logrus.WithField("remote_addr", conn.RemoteAddr().String()).Debug("WebSocket client unregistered")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					// The read pump unregisters disconnected clients.
					logrus.WithField("remote_addr", conn.RemoteAddr().String()).Debugf("Error writing to websocket client: %v", err)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues a message for every client; it is dropped when the queue is full
func (h *Hub) Broadcast(msgType string, data any) {
	jsonMsg, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		logrus.Errorf("Hub: failed to marshal %s message: %v", msgType, err)
		return
	}

	select {
	case h.broadcast <- jsonMsg:
	default:
	}
}

func (h *Hub) WorkerStarted(a scheduler.Assignment) {
	h.Broadcast("worker_started", a)
}

func (h *Hub) WorkerStatus(a scheduler.Assignment, status string) {
	h.Broadcast("worker_status", workerStatus{Assignment: a, Status: status})
}

func (h *Hub) WorkerFinished(a scheduler.Assignment, out scheduler.Outcome) {
	h.Broadcast("worker_finished", workerFinished{Assignment: a, Outcome: out})
}

func (h *Hub) RunStarted(info scheduler.RunInfo) {
	h.Broadcast("run_started", info)
}

func (h *Hub) RunFinished(info scheduler.RunInfo) {
	h.Broadcast("run_finished", info)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request and registers the connection with the hub.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("Failed to upgrade websocket: %v", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump, needed to notice when the client goes away.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logrus.Debugf("Unexpected websocket close: %v", err)
				}
				return
			}
		}
	}()
}
