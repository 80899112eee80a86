package events

import (
	"sync"

	"go.uber.org/zap"
)

const (
	defaultSubscriberCapacity = 256
	defaultBacklogLimit       = 64
	allRuns                   = ""
)

// BusOption customizes Bus construction.
type BusOption func(*Bus)

// Bus fans events out to subscribers keyed by run id. Events for a run with
// no subscriber yet are kept in a bounded backlog and replayed to the first
// subscriber of that run.
type Bus struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	channelSize  int
	backlogLimit int
	logger       *zap.Logger
}

// Subscription represents an active subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewBus constructs a bus with default capacities.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithLogger injects a logger for drop diagnostics.
func WithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) BusOption {
	return func(b *Bus) {
		if capacity > 0 {
			b.channelSize = capacity
		}
	}
}

// WithBacklogLimit overrides the per-run backlog size.
func WithBacklogLimit(limit int) BusOption {
	return func(b *Bus) {
		if limit > 0 {
			b.backlogLimit = limit
		}
	}
}

// Subscribe registers for events of runID, or of every run when runID is
// empty.
func (b *Bus) Subscribe(runID string) Subscription {
	sub := newSubscriber(b.channelSize, b.logger)
	var backlog []Event
	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[*subscriber]struct{}{}
	}
	b.subscribers[runID][sub] = struct{}{}
	if runID != allRuns {
		if existing := b.backlog[runID]; len(existing) > 0 {
			backlog = append(backlog, existing...)
			delete(b.backlog, runID)
		}
	}
	b.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.ch,
		cancel: func() { b.remove(runID, sub) },
	}
}

// Publish delivers event without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	direct := snapshot(b.subscribers[event.RunID])
	wildcard := snapshot(b.subscribers[allRuns])
	b.mu.RUnlock()
	if len(direct) == 0 && event.RunID != allRuns {
		b.buffer(event)
	}
	for _, sub := range direct {
		sub.deliver(event)
	}
	for _, sub := range wildcard {
		sub.deliver(event)
	}
}

// Forget drops any backlog kept for runID.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	delete(b.backlog, runID)
	b.mu.Unlock()
}

func snapshot(live map[*subscriber]struct{}) []*subscriber {
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (b *Bus) remove(runID string, sub *subscriber) {
	b.mu.Lock()
	if subs := b.subscribers[runID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, runID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *Bus) buffer(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.backlog[event.RunID]
	if len(queue) >= b.backlogLimit {
		queue = queue[1:]
	}
	b.backlog[event.RunID] = append(queue, event)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	logger *zap.Logger
}

func newSubscriber(capacity int, logger *zap.Logger) *subscriber {
	return &subscriber{ch: make(chan Event, capacity), logger: logger}
}

// deliver enqueues event. On overflow it evicts the oldest queued event
// unless that one ends a run, in which case the incoming event is dropped.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	select {
	case oldest := <-s.ch:
		if oldest.Type.Terminal() && !event.Type.Terminal() {
			s.ch <- oldest
			s.logDrop(event)
			return
		}
		s.logDrop(oldest)
	default:
	}
	select {
	case s.ch <- event:
	default:
		s.logDrop(event)
	}
}

func (s *subscriber) logDrop(event Event) {
	s.logger.Warn("event dropped for slow subscriber",
		zap.String("type", string(event.Type)),
		zap.String("run_id", event.RunID),
		zap.Uint64("sequence", event.Sequence),
	)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
