package docstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Hub fans change notifications out to live feeds. Each feed owns a goroutine
// and a one-slot mailbox: notifications that arrive while a delivery is in
// flight collapse into a single reload, so a slow consumer always catches up
// to the latest state rather than replaying every intermediate one.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

type stream struct {
	mu     sync.Mutex
	subs   map[uint64]*feed
	nextID uint64
}

// DeliverFunc loads current state and hands it to the consumer. A returned
// error terminates the feed.
type DeliverFunc func(ctx context.Context) error

type feed struct {
	hub     *Hub
	key     string
	id      uint64
	deliver DeliverFunc
	onError func(error)

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	deliverMu sync.Mutex
	closed    bool
	once      sync.Once
}

func NewHub() *Hub {
	return &Hub{streams: make(map[string]*stream)}
}

// Publish wakes every feed registered under key.
func (h *Hub) Publish(key string) {
	if h == nil {
		return
	}
	key = strings.TrimSpace(key)
	h.mu.RLock()
	s := h.streams[key]
	h.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	feeds := make([]*feed, 0, len(s.subs))
	for _, f := range s.subs {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()

	for _, f := range feeds {
		select {
		case f.notify <- struct{}{}:
		default:
		}
	}
}

// Open registers a feed under key and schedules its initial delivery.
func (h *Hub) Open(key string, deliver DeliverFunc, onError func(error)) (Subscription, error) {
	if h == nil {
		return nil, errors.New("hub_unavailable")
	}
	key = strings.TrimSpace(key)
	if key == "" || deliver == nil {
		return nil, ErrInvalidArgument
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &feed{
		hub:     h,
		key:     key,
		deliver: deliver,
		onError: onError,
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	s := h.ensureStream(key)
	s.mu.Lock()
	f.id = s.nextID
	s.nextID++
	s.subs[f.id] = f
	s.mu.Unlock()

	f.notify <- struct{}{}
	go f.run()
	return f, nil
}

// Streams reports how many keys currently have live feeds.
func (h *Hub) Streams() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (h *Hub) ensureStream(key string) *stream {
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[key]
	if current == nil {
		current = &stream{subs: make(map[uint64]*feed)}
		h.streams[key] = current
	}
	return current
}

func (h *Hub) unsubscribe(key string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.streams[key]
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.subs, id)
	empty := len(s.subs) == 0
	s.mu.Unlock()
	if empty {
		delete(h.streams, key)
	}
}

func (f *feed) run() {
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.notify:
		}
		if !f.deliverOnce() {
			f.hub.unsubscribe(f.key, f.id)
			return
		}
	}
}

// deliverOnce runs one delivery while holding deliverMu so Close can wait
// for it. It reports whether the feed should keep running.
func (f *feed) deliverOnce() bool {
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()
	if f.closed {
		return false
	}

	err := f.deliver(f.ctx)
	if err == nil {
		return true
	}
	if f.ctx.Err() != nil {
		return false
	}
	f.closed = true
	f.cancel()
	if f.onError != nil {
		f.onError(err)
	}
	return false
}

func (f *feed) Close() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		f.cancel()
		f.hub.unsubscribe(f.key, f.id)
		f.deliverMu.Lock()
		f.closed = true
		f.deliverMu.Unlock()
	})
}

// CollectionKey and DocumentKey name hub streams.
func CollectionKey(collection string) string {
	return "c/" + collection
}

func DocumentKey(collection, id string) string {
	return "d/" + collection + "/" + id
}
