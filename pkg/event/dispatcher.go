package event

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Event is anything published on the bus. Topic groups events for subscribers.
type Event interface {
	Topic() string
}

// Handler consumes one event. Handlers of one subscription never run concurrently.
type Handler func(ctx context.Context, ev Event)

// Bus is the publish/subscribe surface used by the session, data and broadcast
// components. *Dispatcher implements it.
type Bus interface {
	Publish(ev Event)
	Subscribe(name string, h Handler, topics ...string) *Subscription
}

// Dispatcher is an asynchronous in-process event bus. Each subscription has its
// own unbounded FIFO mailbox and goroutine, so a subscriber sees events in publish
// order while distinct subscribers progress independently.
type Dispatcher struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string][]*Subscription
	closed bool
	wg     sync.WaitGroup

	published atomic.Uint64
	dead      atomic.Uint64
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:    log.Named("events"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string][]*Subscription),
	}
}

// Subscribe registers h for the given topics and starts its mailbox loop.
func (d *Dispatcher) Subscribe(name string, h Handler, topics ...string) *Subscription {
	s := &Subscription{
		name:    name,
		topics:  topics,
		handler: h,
		d:       d,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		s.closed = true
		close(s.done)
		return s
	}
	for _, topic := range topics {
		d.subs[topic] = append(d.subs[topic], s)
	}
	d.wg.Add(1)
	go s.run(d.ctx)

	d.log.Debug("Subscribed", zap.String("subscriber", name), zap.Strings("topics", topics))
	return s
}

// Publish enqueues ev for every subscriber of its topic and returns immediately.
// Events nobody listens to are logged and dropped.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Debug("Dispatcher closed, dropping event", zap.String("topic", ev.Topic()))
		return
	}
	d.published.Add(1)

	delivered := 0
	for _, s := range d.subs[ev.Topic()] {
		if s.enqueue(ev) {
			delivered++
		}
	}
	if delivered == 0 {
		d.dead.Add(1)
		d.log.Debug("Event has not been processed", zap.String("topic", ev.Topic()), zap.Any("event", ev))
	}
}

// Close stops accepting events, lets every mailbox drain, and waits for the
// subscriber goroutines to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var all []*Subscription
	seen := make(map[*Subscription]bool)
	for _, subs := range d.subs {
		for _, s := range subs {
			if !seen[s] {
				seen[s] = true
				all = append(all, s)
			}
		}
	}
	d.subs = make(map[string][]*Subscription)
	d.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	d.wg.Wait()
	d.cancel()
}

// Stats reports the number of published events and how many had no subscriber.
func (d *Dispatcher) Stats() (published, dead uint64) {
	return d.published.Load(), d.dead.Load()
}

func (d *Dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range s.topics {
		subs := d.subs[topic]
		for i, candidate := range subs {
			if candidate == s {
				d.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(d.subs[topic]) == 0 {
			delete(d.subs, topic)
		}
	}
}

// Subscription is one subscriber's mailbox.
type Subscription struct {
	name    string
	topics  []string
	handler Handler
	d       *Dispatcher

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func (s *Subscription) Name() string { return s.name }

// Unsubscribe detaches the subscription. Already queued events are still delivered.
func (s *Subscription) Unsubscribe() {
	s.d.remove(s)
	s.close()
}

// Done is closed once the mailbox loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) enqueue(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer s.d.wg.Done()
	defer close(s.done)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ctx, ev)
	}
}

func (s *Subscription) deliver(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.d.log.Error("Subscriber panicked",
				zap.String("subscriber", s.name),
				zap.String("topic", ev.Topic()),
				zap.Any("panic", r))
		}
	}()
	s.handler(ctx, ev)
}
