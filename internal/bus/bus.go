package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/synthlab/crucible/internal/metrics"
	"github.com/synthlab/crucible/pkg/schema"
)

// DropPolicy controls what happens when the buffer is full.
type DropPolicy string

const (
	// DropOldest evicts the oldest queued event to make room for the new one.
	DropOldest DropPolicy = "drop_oldest"
	// DropNewest discards the event being published.
	DropNewest DropPolicy = "drop_newest"
)

// DefaultCapacity is the default bounded buffer size.
const DefaultCapacity = 4096

// DefaultTick is how often the drain loop wakes without a publish signal.
const DefaultTick = 100 * time.Millisecond

// SubscriberFunc is invoked once per matching event, in registration order.
// The drain loop waits for each callback to return before delivering the next
// event, so callbacks must not block indefinitely.
type SubscriberFunc func(ctx context.Context, event *schema.Event)

// Sink receives every drained event. Sink failures are isolated: a failing
// sink never blocks delivery to other sinks or subscribers.
type Sink interface {
	Write(event *schema.Event) error
	Flush() error
	Close() error
}

// Config holds bus construction options.
type Config struct {
	Capacity int
	Policy   DropPolicy
	Tick     time.Duration
	Logger   *slog.Logger
}

type subscription struct {
	pattern string
	fn      SubscriberFunc
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Depth     int    `json:"depth"`
}

// Bus is a bounded, non-blocking telemetry event bus. Publish enqueues into a
// bounded FIFO and never blocks; a single background drain loop fans events
// out to sinks and subscribers in enqueue order.
type Bus struct {
	mu        sync.Mutex
	queue     []*schema.Event
	capacity  int
	policy    DropPolicy
	seq       uint64
	published uint64
	dropped   uint64
	sinks     []Sink
	subs      []subscription
	barriers  []chan struct{}
	draining  bool
	closed    bool

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	tick   time.Duration
	logger *slog.Logger
}

// New creates a Bus and starts its drain loop.
func New(cfg Config) *Bus {
	b := newBus(cfg)
	b.wg.Add(1)
	go b.drainLoop()
	return b
}

// newBus builds a Bus without starting the drain loop. Kept separate so tests
// can drive draining deterministically.
func newBus(cfg Config) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Policy == "" {
		cfg.Policy = DropOldest
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Bus{
		capacity: cfg.Capacity,
		policy:   cfg.Policy,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		tick:     cfg.Tick,
		logger:   cfg.Logger,
	}
}

// AddSink registers a sink. Sinks receive every event.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe registers a callback for events whose type matches pattern.
// Pattern is an exact event type, "*" for all events, or a "prefix*" wildcard.
// Matching subscribers are invoked per event in registration order.
func (b *Bus) Subscribe(pattern string, fn SubscriberFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, fn: fn})
}

// Publish enqueues an event. It never blocks and never fails: when the buffer
// is full the policy decides whether the oldest queued event or the new event
// is dropped. The sequence number is assigned here, under the queue lock, so
// delivery order equals enqueue order.
func (b *Bus) Publish(event *schema.Event) {
	if event == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.published++
	if len(b.queue) >= b.capacity {
		if b.policy == DropNewest {
			b.dropped++
			b.mu.Unlock()
			metrics.IncEventsDropped()
			return
		}
		// drop-oldest: evict the head.
		b.queue = b.queue[1:]
		b.dropped++
		metrics.IncEventsDropped()
	}

	b.seq++
	event.Seq = b.seq
	if event.Version == 0 {
		event.Version = schema.EventVersion
	}
	if event.TS == 0 {
		event.TS = time.Now().UnixNano()
	}
	b.queue = append(b.queue, event)
	b.mu.Unlock()

	// Wake the drain loop; a pending signal is enough.
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Flush blocks until all events published before the call are drained, or the
// timeout elapses. On success it also flushes every sink. Used at shutdown.
func (b *Bus) Flush(timeout time.Duration) error {
	barrier := make(chan struct{})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if len(b.queue) == 0 && !b.draining {
		b.mu.Unlock()
		close(barrier)
	} else {
		b.barriers = append(b.barriers, barrier)
		b.mu.Unlock()
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}

	select {
	case <-barrier:
	case <-time.After(timeout):
		return schema.NewErrorf(schema.ErrCodeTimeoutExceeded,
			"bus flush timed out after %s", timeout).WithComponent("bus")
	}

	b.mu.Lock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Flush(); err != nil {
			b.logger.Warn("sink flush failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Close stops the drain loop after a final drain and closes all sinks.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			b.logger.Warn("sink close failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Published: b.published, Dropped: b.dropped, Depth: len(b.queue)}
}

// drainLoop is the single background worker. It wakes on publish signal or
// periodic tick, pops the whole queue, and delivers each event to every sink
// and every matching subscriber in order.
func (b *Bus) drainLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			b.drainOnce() // final drain so Close does not lose queued events
			return
		case <-b.signal:
			b.drainOnce()
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

func (b *Bus) drainOnce() {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.draining = len(batch) > 0
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	ctx := context.Background()
	for _, event := range batch {
		for _, s := range sinks {
			b.writeSink(s, event)
		}
		for _, sub := range subs {
			if matchPattern(sub.pattern, event.Type) {
				b.invoke(ctx, sub.fn, event)
			}
		}
	}

	// Release flush barriers once the queue is empty again.
	b.mu.Lock()
	b.draining = false
	if len(b.queue) == 0 && len(b.barriers) > 0 {
		for _, barrier := range b.barriers {
			close(barrier)
		}
		b.barriers = nil
	}
	b.mu.Unlock()
}

// writeSink isolates a sink failure or panic from the rest of the fanout.
func (b *Bus) writeSink(s Sink, event *schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("sink panicked", slog.Any("panic", r), slog.String("event_type", event.Type))
		}
	}()
	if err := s.Write(event); err != nil {
		b.logger.Warn("sink write failed",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()))
	}
}

// invoke isolates a subscriber panic from the rest of the fanout.
func (b *Bus) invoke(ctx context.Context, fn SubscriberFunc, event *schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", slog.Any("panic", r), slog.String("event_type", event.Type))
		}
	}()
	fn(ctx, event)
}

// matchPattern reports whether an event type matches a subscription pattern.
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == eventType
}
