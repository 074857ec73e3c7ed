// Package pubsub is a small typed event bus. Nodes publish role, term, leader and commit changes on it so that hosts
// (the simulation harness, the HTTP API, the binaries) can observe a node without reaching into its state.
package pubsub

import (
	"sync"
	"sync/atomic"

	"ramen/internal/logging"
)

// EventType is the type of event subscribers are listening for
type EventType int

// SubscriptionOptions configures the behavior of a subscription
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait for room in the subscriber's channel instead of dropping the event. A slow
	// blocking subscriber stalls every other subscriber.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a typed event. Each instantiation is a distinct type, so Event[string] and Event[int] never mix.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

type published struct {
	eventType EventType
	payload   any
}

// subscriber erases the type of a subscription channel. sendFunc and closeFunc close over a chan *Event[T], which
// lets channels of different payload types live in the same registry.
type subscriber struct {
	sendFunc  func(eventType EventType, payload any) bool
	closeFunc func()

	Options    SubscriptionOptions
	NumDropped uint64
}

// PubSubClient fans published events out to subscribers from a single broker goroutine. It is safe for concurrent
// use.
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	logger logging.Logger

	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan is buffered so Publish returns without waiting for the broker. GracefulShutdown drains it.
	publishChan chan published
	// numDropped counts events Publish dropped because publishChan was full
	numDropped atomic.Uint64

	shuttingDown atomic.Bool
}

// Subscribe registers ch for events of eventType. The caller owns the channel and picks its buffer size; the channel
// is closed on Unsubscribe.
//
// Subscribe and Publish are free functions because methods cannot declare their own type parameters.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))

	sub := &subscriber{
		Options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				p.logger.Warnf("[PUBSUB] type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
				return false
			}

			event := &Event[T]{
				Type:    evType,
				Payload: typedPayload,
			}

			if opts.IsBlocking {
				ch <- event
				return true
			}

			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() {
			close(ch)
		},
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debugf("[PUBSUB] unsubscribed %d from event type %v", id, eventType)
}

// Publish queues an event for fan-out and never waits: when the broker is behind (a blocking subscriber that stopped
// reading) the event is dropped and counted in Dropped. Events published after shutdown started are dropped too.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock keeps a concurrent shutdown from closing publishChan between the check and the send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Debugf("[PUBSUB] dropping event %v, shutting down", event.Type)
		return
	}

	select {
	case p.publishChan <- published{eventType: event.Type, payload: event.Payload}:
	default:
		dropped := p.numDropped.Add(1)
		p.logger.Debugf("[PUBSUB] broker backlog full, dropped event %v, total dropped %d", event.Type, dropped)
	}
}

// Dropped returns how many events Publish dropped because the broker's backlog was full
func (p *PubSubClient) Dropped() uint64 {
	return p.numDropped.Load()
}

// ForceShutdown stops accepting publishes and returns without waiting for the buffer to drain
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown.Load() {
		return
	}
	p.shuttingDown.Store(true)
	close(p.publishChan)
}

// GracefulShutdown stops accepting publishes and blocks until every buffered event was delivered
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.publishChan)
	// Unlock before waiting, the broker needs the read lock to drain
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debugf("[PUBSUB] broker drained and stopped")
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if sent := sub.sendFunc(msg.eventType, msg.payload); !sent && !sub.Options.IsBlocking {
				dropped := atomic.AddUint64(&sub.NumDropped, 1)
				p.logger.Debugf("[PUBSUB] dropped event %v for subscriber %d, total dropped %d", msg.eventType, id, dropped)
			}
		}
		p.mu.RUnlock()
	}
}

// NewPubSub starts a broker. A nil logger discards the broker's diagnostics.
func NewPubSub(logger logging.Logger) *PubSubClient {
	if logger == nil {
		logger = logging.Nop()
	}

	p := &PubSubClient{
		logger:      logger,
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan published, 100),
	}

	p.wg.Add(1)
	go p.run()

	return p
}
