package bus

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/devskill-org/microgrid-coordinator/protocol"
)

// Dashboard fans every message observed on a Bus out to connected websocket
// clients, mirroring WebServer.broadcastStatus's client-set-plus-broadcast-
// channel shape from the teacher's dashboard server.
type Dashboard struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	broadcast chan []byte
	logger    *log.Logger
}

// NewDashboard creates a Dashboard and subscribes it on b to each of topics,
// so every message on those topics is also pushed to dashboard clients.
func NewDashboard(b Bus, topics []protocol.Topic, logger *log.Logger) *Dashboard {
	if logger == nil {
		logger = log.Default()
	}

	d := &Dashboard{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan []byte, 256),
		logger:    logger,
	}

	for _, topic := range topics {
		topic := topic
		b.Subscribe(topic, func(env Envelope) {
			d.publish(topic, env.Payload)
		})
	}

	go d.run()
	return d
}

type dashboardFrame struct {
	Topic   protocol.Topic  `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (d *Dashboard) publish(topic protocol.Topic, payload []byte) {
	frame, err := json.Marshal(dashboardFrame{Topic: topic, Payload: payload})
	if err != nil {
		d.logger.Printf("dashboard: failed to encode frame: %v", err)
		return
	}
	select {
	case d.broadcast <- frame:
	default:
		d.logger.Printf("dashboard: broadcast channel full, dropping frame for topic %s", topic)
	}
}

func (d *Dashboard) run() {
	for frame := range d.broadcast {
		d.mu.Lock()
		for conn := range d.clients {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.Close()
				delete(d.clients, conn)
			}
		}
		d.mu.Unlock()
	}
}

// ServeHTTP upgrades an HTTP request to a websocket connection and registers
// it as a dashboard client.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Printf("dashboard: upgrade failed: %v", err)
		return
	}

	d.mu.Lock()
	d.clients[conn] = struct{}{}
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.clients, conn)
			d.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of currently connected dashboard clients.
func (d *Dashboard) ClientCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}
