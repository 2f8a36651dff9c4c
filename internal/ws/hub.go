package ws

import "sync"

// AllEnvironments is the stream key that receives every broadcast.
const AllEnvironments = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans log payloads out to subscribers keyed by environment id.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	environmentID string
	payload       []byte
}

type subscription struct {
	environmentID string
	client        Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = make(map[string]map[Subscriber]struct{})
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.environmentID]; !ok {
				h.clients[sub.environmentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.environmentID][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.removeLocked(sub.environmentID, sub.client)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			h.deliverLocked(msg.environmentID, msg.payload)
			if msg.environmentID != AllEnvironments {
				h.deliverLocked(AllEnvironments, msg.payload)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) deliverLocked(key string, payload []byte) {
	for c := range h.clients[key] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.removeLocked(key, c)
		}
	}
}

func (h *Hub) removeLocked(key string, client Subscriber) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// Register adds a client to an environment stream. Use AllEnvironments for the firehose.
func (h *Hub) Register(environmentID string, client Subscriber) {
	select {
	case h.register <- subscription{environmentID: environmentID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(environmentID string, client Subscriber) {
	select {
	case h.unreg <- subscription{environmentID: environmentID, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for the environment's subscribers and the firehose.
// It is a no-op once the hub is closed.
func (h *Hub) Broadcast(environmentID string, payload []byte) {
	select {
	case h.broadcast <- message{environmentID: environmentID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow the given stream key.
func (h *Hub) Subscribers(environmentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[environmentID])
}

// Close stops the dispatch loop and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
