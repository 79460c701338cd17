// Package bus provides the internal publish/subscribe event bus that carries
// streaming events (terminal output, agent updates, tunnel status) from
// services to the WebSocket layer. Services never hold connection references;
// they publish events addressed to an opaque connection id, or to everyone.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber channel buffer.
const DefaultBuffer = 4096

// Event is a single event published by a service.
type Event struct {
	// Type is the wire envelope type (e.g. "session_update", "terminal").
	Type string
	// ConnID targets a single connection; empty means broadcast.
	ConnID string
	// RequestID, when set, ties a streamed event to the request that started
	// it (e.g. exec output frames carry the exec request's id).
	RequestID string
	// Data is the envelope data payload.
	Data any
	// Timestamp is when the event was published.
	Timestamp time.Time
}

type subscriber struct {
	ch      chan Event
	evicted atomic.Uint64
	lastLog atomic.Int64
}

// Bus is a multiple-producer multiple-consumer broadcast bus. Publish never
// blocks: when a subscriber's buffer is full, the oldest queued event is
// evicted to make room. Evictions are counted and logged at most once per
// minute per subscriber.
type Bus struct {
	mu         sync.RWMutex
	subs       map[<-chan Event]*subscriber
	log        *zap.Logger
	bufferSize int
}

// New creates a bus whose subscribers get buffers of bufferSize events.
// bufferSize <= 0 selects DefaultBuffer.
func New(bufferSize int, log *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs:       make(map[<-chan Event]*subscriber),
		log:        log,
		bufferSize: bufferSize,
	}
}

// Publish delivers e to every subscriber. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
			continue
		default:
		}
		// Buffer full: evict the oldest queued event, then retry once.
		select {
		case <-sub.ch:
			sub.evicted.Add(1)
		default:
		}
		select {
		case sub.ch <- e:
		default:
			sub.evicted.Add(1)
		}
		b.maybeLogEvictions(sub)
	}
}

func (b *Bus) maybeLogEvictions(sub *subscriber) {
	now := time.Now().Unix()
	last := sub.lastLog.Load()
	if now-last < 60 {
		return
	}
	if sub.lastLog.CompareAndSwap(last, now) {
		b.log.Warn("event bus subscriber overflowing, oldest events evicted",
			zap.Uint64("evicted_total", sub.evicted.Load()))
	}
}

// Subscribe registers a new subscriber and returns its receive channel.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe() <-chan Event {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	var recv <-chan Event = sub.ch
	b.subs[recv] = sub
	return recv
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// twice with the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Evicted reports the total number of evicted events across subscribers.
func (b *Bus) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total uint64
	for _, sub := range b.subs {
		total += sub.evicted.Load()
	}
	return total
}
