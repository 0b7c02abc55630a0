package relay

import (
	"context"
	"sync"
)

const eventBuffer = 64

// MemoryRelay is an in-process relay. One goroutine owns the topic table;
// callers talk to it over channels. Members of a topic get join and leave
// events, and published messages reach every member including the
// publisher's own subscriptions.
type MemoryRelay struct {
	subscribe   chan *memorySubscription
	unsubscribe chan *memorySubscription
	publish     chan memoryMessage
	drop        chan dropRequest
	quit        chan struct{}
	stopped     chan struct{}

	mu           sync.Mutex
	subscribeErr error
	closeOnce    sync.Once
}

type memoryMessage struct {
	topic   string
	payload []byte
}

type dropRequest struct {
	topic string
	done  chan struct{}
}

type memorySubscription struct {
	relay  *MemoryRelay
	topic  string
	events chan Event
	once   sync.Once
}

// NewMemoryRelay starts an in-process relay
func NewMemoryRelay() *MemoryRelay {
	r := &MemoryRelay{
		subscribe:   make(chan *memorySubscription),
		unsubscribe: make(chan *memorySubscription),
		publish:     make(chan memoryMessage),
		drop:        make(chan dropRequest),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *MemoryRelay) run() {
	defer close(r.stopped)
	topics := make(map[string]map[*memorySubscription]struct{})

	notify := func(topic string, ev Event) {
		for sub := range topics[topic] {
			select {
			case sub.events <- ev:
			default:
			}
		}
	}

	for {
		select {
		case sub := <-r.subscribe:
			members, ok := topics[sub.topic]
			if !ok {
				members = make(map[*memorySubscription]struct{})
				topics[sub.topic] = members
			}
			members[sub] = struct{}{}
			notify(sub.topic, Event{Kind: KindJoin, Members: len(members)})

		case sub := <-r.unsubscribe:
			members := topics[sub.topic]
			if _, ok := members[sub]; !ok {
				continue
			}
			delete(members, sub)
			close(sub.events)
			if len(members) == 0 {
				delete(topics, sub.topic)
				continue
			}
			notify(sub.topic, Event{Kind: KindLeave, Members: len(members)})

		case msg := <-r.publish:
			notify(msg.topic, Event{Kind: KindMessage, Payload: msg.payload})

		case req := <-r.drop:
			for sub := range topics[req.topic] {
				close(sub.events)
			}
			delete(topics, req.topic)
			close(req.done)

		case <-r.quit:
			for _, members := range topics {
				for sub := range members {
					close(sub.events)
				}
			}
			return
		}
	}
}

// SetSubscribeError makes every later Subscribe fail with err until it is
// reset with nil
func (r *MemoryRelay) SetSubscribeError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeErr = err
}

// Subscribe joins topic
func (r *MemoryRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	r.mu.Lock()
	err := r.subscribeErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sub := &memorySubscription{relay: r, topic: topic, events: make(chan Event, eventBuffer)}
	select {
	case r.subscribe <- sub:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.stopped:
		return nil, ErrClosed
	}
}

// Publish sends payload to every member of topic. Members that are behind
// miss the message.
func (r *MemoryRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := memoryMessage{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case r.publish <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrClosed
	}
}

// Drop ends every subscription on topic without leave events, the way a
// lost connection would
func (r *MemoryRelay) Drop(topic string) {
	req := dropRequest{topic: topic, done: make(chan struct{})}
	select {
	case r.drop <- req:
		<-req.done
	case <-r.stopped:
	}
}

// Close ends every subscription and stops the relay
func (r *MemoryRelay) Close() error {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.stopped
	return nil
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		select {
		case s.relay.unsubscribe <- s:
		case <-s.relay.stopped:
		}
	})
	return nil
}
