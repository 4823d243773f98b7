package sink

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	broadcastPingPeriod = 30 * time.Second
	broadcastPongWait   = 60 * time.Second
)

// Broadcaster upgrades incoming HTTP connections to websockets and fans
// out the JSON rendering of every reading, grounded on the teacher's
// cmd/interpreter_api client registry (AddWebSocketClient/
// RemoveWebSocketClient/BroadcastToWebSockets under a sync.RWMutex) with
// the ping/pong keepalive from pkg/interpreter's StartListener adapted
// to run on the server side instead of the client side.
type Broadcaster struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	latestMu sync.Mutex
	latest   []byte
}

// NewBroadcaster creates an empty client registry.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Broadcast renders r to JSON and fans it out to every connected
// client, dropping any connection that errors on write.
func (b *Broadcaster) Broadcast(r Reading) {
	payload, err := r.JSON()
	if err != nil {
		log.Printf("sink: failed to render reading for broadcast: %v", err)
		return
	}

	b.latestMu.Lock()
	b.latest = payload
	b.latestMu.Unlock()

	b.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.remove(c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket, registers the
// connection, replays the latest reading immediately (mirroring the
// teacher's "send current reading immediately if available"), then
// keeps it alive with a ping ticker until the read loop errors out.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sink: websocket upgrade error: %v", err)
		return
	}

	b.add(conn)

	b.latestMu.Lock()
	latest := b.latest
	b.latestMu.Unlock()
	if latest != nil {
		conn.WriteMessage(websocket.TextMessage, latest)
	}

	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(broadcastPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(broadcastPongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(broadcastPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	b.remove(conn)
}

func (b *Broadcaster) add(conn *websocket.Conn) {
	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()
}

func (b *Broadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.clients[conn]
	delete(b.clients, conn)
	b.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// ClientCount reports the number of currently connected websocket
// clients, used by tests and the daemon's status endpoint.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
