package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrTopicClosed is returned when sending on a closed handle
var ErrTopicClosed = errors.New("signaling: topic closed")

// MemoryBroker is an in-process Broker with the same replay semantics as
// the Redis Streams broker.
type MemoryBroker struct {
	clock     clock.Clock
	retention time.Duration
	maxLen    int

	mu        sync.Mutex
	topics    map[string]*memoryTopic
	lastSweep time.Time
}

type memoryEntry struct {
	event   string
	payload []byte
	at      time.Time
}

type memoryTopic struct {
	log     []memoryEntry
	handles map[*memoryHandle]struct{}
}

// NewMemoryBroker keeps messages for retention, at most maxLen per topic
func NewMemoryBroker(clk clock.Clock, retention time.Duration, maxLen int) *MemoryBroker {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryBroker{
		clock:     clk,
		retention: retention,
		maxLen:    maxLen,
		topics:    make(map[string]*memoryTopic),
	}
}

// OpenTopic registers a handle and snapshots the replay log into it
func (b *MemoryBroker) OpenTopic(_ context.Context, name string) (Topic, error) {
	h := &memoryHandle{
		broker:   b,
		name:     name,
		handlers: make(map[string][]func([]byte)),
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}

	b.mu.Lock()
	b.sweepLocked()
	t := b.topicLocked(name)
	b.pruneLocked(t)
	h.pending = append(h.pending, t.log...)
	t.handles[h] = struct{}{}
	b.mu.Unlock()

	return h, nil
}

// Topics returns how many topics the broker is holding
func (b *MemoryBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscribers returns how many handles are open on a topic
func (b *MemoryBroker) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return len(t.handles)
	}
	return 0
}

func (b *MemoryBroker) topicLocked(name string) *memoryTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{handles: make(map[*memoryHandle]struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *MemoryBroker) pruneLocked(t *memoryTopic) {
	if b.retention > 0 {
		cutoff := b.clock.Now().Add(-b.retention)
		i := 0
		for i < len(t.log) && t.log[i].at.Before(cutoff) {
			i++
		}
		t.log = t.log[i:]
	}
	if b.maxLen > 0 && len(t.log) > b.maxLen {
		t.log = t.log[len(t.log)-b.maxLen:]
	}
}

func (b *MemoryBroker) publish(name string, e memoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	t := b.topicLocked(name)
	t.log = append(t.log, e)
	b.pruneLocked(t)
	for h := range t.handles {
		h.enqueue(e)
	}
}

func (b *MemoryBroker) detach(name string, h *memoryHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return
	}
	delete(t.handles, h)
	if len(t.handles) == 0 {
		b.pruneLocked(t)
		if len(t.log) == 0 {
			delete(b.topics, name)
		}
	}
	b.sweepLocked()
}

// sweepLocked drops topics nobody holds once their log has expired. It
// runs at most once per retention window.
func (b *MemoryBroker) sweepLocked() {
	if b.retention <= 0 {
		return
	}
	now := b.clock.Now()
	if now.Sub(b.lastSweep) < b.retention {
		return
	}
	b.lastSweep = now
	for name, t := range b.topics {
		if len(t.handles) > 0 {
			continue
		}
		b.pruneLocked(t)
		if len(t.log) == 0 {
			delete(b.topics, name)
		}
	}
}

type memoryHandle struct {
	broker *MemoryBroker
	name   string

	mu       sync.Mutex
	handlers map[string][]func([]byte)
	pending  []memoryEntry
	started  bool

	notify    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (h *memoryHandle) Send(_ context.Context, event string, payload []byte) error {
	select {
	case <-h.closed:
		return ErrTopicClosed
	default:
	}
	h.broker.publish(h.name, memoryEntry{
		event:   event,
		payload: append([]byte(nil), payload...),
		at:      h.broker.clock.Now(),
	})
	return nil
}

func (h *memoryHandle) On(event string, handler func([]byte)) {
	h.mu.Lock()
	h.handlers[event] = append(h.handlers[event], handler)
	start := !h.started
	h.started = true
	h.mu.Unlock()

	if start {
		go h.dispatch()
		h.wake()
	}
}

func (h *memoryHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.broker.detach(h.name, h)
	})
	return nil
}

func (h *memoryHandle) enqueue(e memoryEntry) {
	h.mu.Lock()
	h.pending = append(h.pending, e)
	h.mu.Unlock()
	h.wake()
}

func (h *memoryHandle) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *memoryHandle) dispatch() {
	for {
		select {
		case <-h.closed:
			return
		case <-h.notify:
		}

		for {
			h.mu.Lock()
			if len(h.pending) == 0 {
				h.mu.Unlock()
				break
			}
			e := h.pending[0]
			h.pending = h.pending[1:]
			handlers := append([](func([]byte))(nil), h.handlers[e.event]...)
			h.mu.Unlock()

			select {
			case <-h.closed:
				return
			default:
			}
			for _, fn := range handlers {
				fn(e.payload)
			}
		}
	}
}
