package events

import (
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBufferSize is used when a subscriber asks for a non-positive buffer.
const DefaultBufferSize = 256

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type EventBus struct {
	mu           sync.RWMutex
	subs         map[string][]chan Event // topic -> subscriber channels
	allSubs      []chan Event            // channels subscribed to all topics
	listeners    map[string][]*listener
	allListeners []*listener
	closed       bool

	log     *zap.Logger
	dropped atomic.Uint64
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithLogger logs dropped deliveries to log.
func WithLogger(log *zap.Logger) Option {
	return func(b *EventBus) {
		if log != nil {
			b.log = log
		}
	}
}

// NewEventBus creates a new event bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		subs:      make(map[string][]chan Event),
		allSubs:   make([]chan Event, 0),
		listeners: make(map[string][]*listener),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a subscription to a specific topic.
// bufSize defaults to DefaultBufferSize if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription to every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := newChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe or
// SubscribeAll. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for topic, channels := range b.subs {
		for i, ch := range channels {
			if (<-chan Event)(ch) == sub {
				b.subs[topic] = append(channels[:i:i], channels[i+1:]...)
				close(ch)
				return
			}
		}
	}
	for i, ch := range b.allSubs {
		if (<-chan Event)(ch) == sub {
			b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Listen calls fn for every event published to topic, in publish order, on
// a dedicated goroutine. An empty topic listens to every topic. Events
// queue without bound while fn is busy, so a slow listener never loses
// one. The returned function stops delivery; it is safe to call more than
// once.
func (b *EventBus) Listen(topic string, fn func(Event)) (unsubscribe func()) {
	l := newListener(fn)

	b.mu.Lock()
	switch {
	case b.closed:
		l.close()
	case topic == "":
		b.allListeners = append(b.allListeners, l)
	default:
		b.listeners[topic] = append(b.listeners[topic], l)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.stopped.Store(true)
			b.removeListener(topic, l)
			l.close()
		})
	}
}

func (b *EventBus) removeListener(topic string, l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	match := func(x *listener) bool { return x == l }
	if topic == "" {
		b.allListeners = slices.DeleteFunc(b.allListeners, match)
		return
	}
	b.listeners[topic] = slices.DeleteFunc(b.listeners[topic], match)
}

// Publish sends an event to all subscribers of the given topic and to
// SubscribeAll channels. It never blocks: channel subscribers that are
// full miss the event, which is counted and logged; listeners queue it.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			b.drop(topic, event)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.drop(topic, event)
		}
	}
	for _, l := range b.listeners[topic] {
		l.push(event)
	}
	for _, l := range b.allListeners {
		l.push(event)
	}
}

func (b *EventBus) drop(topic string, event Event) {
	n := b.dropped.Add(1)
	b.log.Warn("event dropped for slow subscriber",
		zap.String("topic", topic),
		zap.String("type", event.EventType()),
		zap.String("subject", event.SubjectID()),
		zap.Uint64("total_dropped", n))
}

// Dropped reports how many channel deliveries were skipped because the
// subscriber's buffer was full.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Close closes the event bus and all subscriber channels. Listeners
// finish the events already queued for them.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
	for _, ls := range b.listeners {
		for _, l := range ls {
			l.close()
		}
	}
	for _, l := range b.allListeners {
		l.close()
	}
}

// listener is an unbounded FIFO drained by one goroutine.
type listener struct {
	fn      func(Event)
	wake    chan struct{}
	stopped atomic.Bool

	mu     sync.Mutex
	queue  []Event
	closed bool
}

func newListener(fn func(Event)) *listener {
	l := &listener{fn: fn, wake: make(chan struct{}, 1)}
	go l.run()
	return l
}

func (l *listener) push(ev Event) {
	l.mu.Lock()
	if !l.closed {
		l.queue = append(l.queue, ev)
	}
	l.mu.Unlock()
	l.signal()
}

func (l *listener) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) run() {
	for {
		l.mu.Lock()
		batch, closed := l.queue, l.closed
		l.queue = nil
		l.mu.Unlock()

		for _, ev := range batch {
			if l.stopped.Load() {
				return
			}
			l.fn(ev)
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func newChan(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return make(chan Event, bufSize)
}
