package settings

import (
	"context"
	"sync"
	"time"
)

const (
	EventAnimationChanged = "bg-animation-change"
	EventHeartbeat        = "heartbeat"
)

// Change is broadcast to every open page of a client after a setting write.
type Change struct {
	Client    string
	Area      Area
	Enabled   bool
	Timestamp time.Time
}

// Hub fans setting changes out to the subscribers of one client.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int

	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	id     int64
	stream chan Change
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
		done:        make(chan struct{}),
	}
}

// Close tells every open stream to finish, e.g. on server shutdown.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Done is closed once the hub is closed.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Subscribe registers a stream for client until ctx is done or cleanup is called.
func (h *Hub) Subscribe(ctx context.Context, client string) (<-chan Change, func()) {
	if client == "" {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Change, h.bufferSize),
	}
	h.register(client, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregister(client, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers change without blocking; a full subscriber misses it.
func (h *Hub) Publish(change Change) {
	if change.Client == "" {
		return
	}
	h.mu.RLock()
	subs := h.subscribers[change.Client]
	if len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	h.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- change:
		default:
		}
	}
}

// Subscribers returns how many streams are open for client.
func (h *Hub) Subscribers(client string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[client])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(client string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[client]; !ok {
		h.subscribers[client] = make(map[int64]*subscriber)
	}
	h.subscribers[client][sub.id] = sub
}

func (h *Hub) unregister(client string, id int64) {
	h.mu.Lock()
	subs := h.subscribers[client]
	if subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.subscribers, client)
		}
	}
	h.mu.Unlock()
}
