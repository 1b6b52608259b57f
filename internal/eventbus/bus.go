package eventbus

import (
	"sync"
	"sync/atomic"
)

const defaultQueueSize = 256

// Broker fans updates out to filtered, bounded subscriber queues. Publish
// never blocks: a full queue either evicts its oldest entry (critical types)
// or drops the new update.
type Broker struct {
	queueSize int
	policy    overflowPolicy

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	queueSize int
	critical  []UpdateType
}

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) BrokerOption {
	return func(o *brokerOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithCriticalTypes marks additional update types as evict-oldest.
func WithCriticalTypes(types ...UpdateType) BrokerOption {
	return func(o *brokerOptions) {
		o.critical = append(o.critical, types...)
	}
}

func NewBroker(opts ...BrokerOption) *Broker {
	o := brokerOptions{queueSize: defaultQueueSize}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Broker{
		queueSize: o.queueSize,
		policy:    newOverflowPolicy(o.critical),
		subs:      map[uint64]*Subscription{},
	}
}

// Subscription is one registered consumer. Close unregisters it and closes
// the channel returned by Updates.
type Subscription struct {
	id      uint64
	broker  *Broker
	taskIDs map[string]struct{}
	types   map[UpdateType]struct{}
	ch      chan Update
	dropped atomic.Int64
	once    sync.Once
}

func (b *Broker) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		broker:  b,
		taskIDs: map[string]struct{}{},
		types:   map[UpdateType]struct{}{},
		ch:      make(chan Update, b.queueSize),
	}
	for _, id := range filter.TaskIDs {
		if id != "" {
			sub.taskIDs[id] = struct{}{}
		}
	}
	for _, t := range filter.Types {
		if t != "" {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Updates returns the subscriber's queue.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Len is the number of queued, undelivered updates.
func (s *Subscription) Len() int {
	return len(s.ch)
}

// Dropped counts updates discarded because the queue was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	if s == nil || s.broker == nil {
		return
	}
	s.broker.remove(s.id)
}

func (s *Subscription) matches(u Update) bool {
	if len(s.taskIDs) > 0 {
		if _, ok := s.taskIDs[u.TaskID]; !ok {
			return false
		}
	}
	if len(s.types) > 0 {
		if _, ok := s.types[u.Type]; !ok {
			return false
		}
	}
	return true
}

// Publish enqueues u on every matching subscription. Holding the broker
// lock keeps delivery FIFO per subscriber and serializes eviction against
// concurrent publishers; every channel operation inside is non-blocking.
func (b *Broker) Publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(u) {
			continue
		}
		b.deliver(sub, u)
	}
}

func (b *Broker) deliver(sub *Subscription, u Update) {
	select {
	case sub.ch <- u:
		return
	default:
	}
	if !b.policy.evicts(u.Type) {
		sub.dropped.Add(1)
		return
	}
	// Make room by discarding the oldest entry. A concurrent reader may
	// have drained one already, in which case the send succeeds directly.
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
	default:
	}
	select {
	case sub.ch <- u:
	default:
		sub.dropped.Add(1)
	}
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*Subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}
