package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // owners connect from arbitrary clients
	},
}

// subscriber is one owner websocket connection. Writes go through a
// buffered channel so a slow client cannot stall the event producer.
type subscriber struct {
	owner     string
	conn      *websocket.Conn
	writeChan chan Event
	closeChan chan struct{}
	closed    bool
	closeMu   sync.Mutex
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeChan)
	_ = s.conn.Close()
}

// Hub pushes events to owners over live websocket connections. Owners with
// no connection simply miss the event; delivery is best-effort.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

// NewHub creates an empty notification hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string][]*subscriber),
	}
}

// Subscribe upgrades the request to a websocket and registers the
// connection for the owner's events. Blocks until the client disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, owner string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("notification upgrade failed")
		return
	}

	sub := &subscriber{
		owner:     owner,
		conn:      conn,
		writeChan: make(chan Event, 16),
		closeChan: make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[owner] = append(h.subs[owner], sub)
	h.mu.Unlock()
	log.Debug().Str("owner", owner).Msg("notification subscriber connected")

	go sub.writeLoop()

	// Read loop exists only to detect disconnect; inbound frames are
	// discarded.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	sub.close()
	h.remove(sub)
	log.Debug().Str("owner", owner).Msg("notification subscriber disconnected")
}

func (s *subscriber) writeLoop() {
	for {
		select {
		case <-s.closeChan:
			return
		case ev := <-s.writeChan:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.close()
				return
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sub.owner]
	for i, s := range subs {
		if s == sub {
			h.subs[sub.owner] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.owner]) == 0 {
		delete(h.subs, sub.owner)
	}
}

// Notify pushes the event to every live connection for its owner. Full
// write buffers drop the event rather than block.
func (h *Hub) Notify(ev Event) {
	h.mu.Lock()
	subs := append([]*subscriber(nil), h.subs[ev.Owner]...)
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.writeChan <- ev:
		default:
			log.Warn().Str("owner", ev.Owner).Str("type", ev.Type).Msg("notification dropped, slow subscriber")
		}
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*subscriber
	for _, subs := range h.subs {
		all = append(all, subs...)
	}
	h.subs = make(map[string][]*subscriber)
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
