package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus is closed")

// Handler receives messages for one subscription. Handlers run on the
// subscription's own dispatch goroutine, so a single subscription never sees
// two concurrent invocations and messages from one producer arrive in
// publish order.
type Handler func(Message)

type subscriber struct {
	id      int
	topic   Topic
	handler Handler
	ch      chan Message
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// run delivers messages until the subscription stops. The stop check before
// each invocation guarantees no handler call begins after unsubscribe
// returns.
func (s *subscriber) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case m := <-s.ch:
			select {
			case <-s.stop:
				return
			default:
			}
			s.handler(m)
		}
	}
}

func (s *subscriber) shutdown() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Bus fans messages out to topic subscribers, journals them for replay,
// tracks per-agent heartbeats, and brokers resource leases.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber
	nextID   int
	closed   bool
	buffer   int
	journal  Journal
	leases   LeaseStore
	presence map[string]time.Time
	log      *slog.Logger
}

// New assembles a bus over the given journal and lease store. bufferSize is
// the per-subscriber queue depth; messages beyond it are dropped for that
// subscriber (the journal still has them).
func New(journal Journal, leases LeaseStore, bufferSize int, log *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs:     make(map[int]*subscriber),
		buffer:   bufferSize,
		journal:  journal,
		leases:   leases,
		presence: make(map[string]time.Time),
		log:      log,
	}
}

// Journal exposes the underlying journal for maintenance pruning.
func (b *Bus) Journal() Journal { return b.journal }

// Subscribe registers a handler for one exact topic and returns the
// unsubscribe function. After unsubscribe returns, the handler is never
// invoked again. Unsubscribe blocks until any in-flight invocation finishes,
// so it must not be called from inside the handler itself.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		id:      id,
		topic:   topic,
		handler: handler,
		ch:      make(chan Message, b.buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	return func() {
		b.mu.Lock()
		_, present := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if present {
			sub.shutdown()
		}
	}
}

// Publish journals the message and fans it out to every subscriber of its
// topic. Fields left empty by the caller (id, timestamp) are filled in.
func (b *Bus) Publish(ctx context.Context, m Message) error {
	if m.ID == "" {
		m.ID = generateMessageID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}

	if b.journal != nil {
		if err := b.journal.Append(ctx, m); err != nil {
			b.log.Warn("journal append failed", "topic", m.Topic, "error", err)
		}
	}

	for _, sub := range b.subs {
		if sub.topic != m.Topic {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			b.log.Warn("subscriber queue full, dropping message",
				"topic", m.Topic, "message_id", m.ID)
		}
	}
	b.mu.RUnlock()
	return nil
}

// SendHeartbeat records a liveness signal for the agent.
func (b *Bus) SendHeartbeat(agentID string) {
	b.mu.Lock()
	b.presence[agentID] = time.Now()
	b.mu.Unlock()
}

// LastHeartbeat returns when the agent last signalled liveness.
func (b *Bus) LastHeartbeat(agentID string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.presence[agentID]
	return t, ok
}

// Acknowledge marks a message received by the agent. Meaningful for
// messages published with AckRequired.
func (b *Bus) Acknowledge(ctx context.Context, messageID, agentID string) error {
	if b.journal == nil {
		return nil
	}
	return b.journal.Ack(ctx, messageID, agentID)
}

// AcquireLease reserves a resource key for the holder. Returns whether the
// reservation succeeded and, on contention, who holds it.
func (b *Bus) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, string, error) {
	return b.leases.Acquire(ctx, key, holder, ttl)
}

// IsLeased reports whether key has a live lease and by whom.
func (b *Bus) IsLeased(ctx context.Context, key string) (bool, string, error) {
	holder, leased, err := b.leases.Holder(ctx, key)
	return leased, holder, err
}

// ReleaseLease releases key if the caller holds it.
func (b *Bus) ReleaseLease(ctx context.Context, key, holder string) error {
	return b.leases.Release(ctx, key, holder)
}

// Replay returns journaled messages on a topic from a point in time, oldest
// first. Restarting subscribers use it to catch up.
func (b *Bus) Replay(ctx context.Context, topic Topic, since time.Time, limit int) ([]Message, error) {
	if b.journal == nil {
		return nil, nil
	}
	return b.journal.Since(ctx, topic, since, limit)
}

// History returns the most recent journaled messages across topics.
func (b *Bus) History(ctx context.Context, limit int) ([]Message, error) {
	if b.journal == nil {
		return nil, nil
	}
	return b.journal.Tail(ctx, limit)
}

// Close stops all subscription dispatchers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}
