package broker

import (
	"log"
	"sync"
)

// Event is one named frame pushed to a session's observer stream.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

const subscriberBuffer = 16

// Broker fans protocol-session events out to at most one observer stream per
// session. Delivery is best-effort: with no subscriber, or a subscriber that
// has stopped draining, events are dropped and the session continues
// regardless of whether anyone is watching.
type Broker struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{subs: make(map[string]chan Event)}
}

// Subscribe associates a fresh event channel with the session, replacing and
// closing any previous one.
func (b *Broker) Subscribe(sessionID string) chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if old, ok := b.subs[sessionID]; ok {
		close(old)
	}
	b.subs[sessionID] = ch
	b.mu.Unlock()

	return ch
}

// Unsubscribe detaches ch from the session. The mapping is only removed while
// it still points at ch, so a stream replaced by a newer subscriber does not
// tear the newer one down. Detaching never affects the session itself.
func (b *Broker) Unsubscribe(sessionID string, ch chan Event) {
	b.mu.Lock()
	if current, ok := b.subs[sessionID]; ok && current == ch {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()
}

// Publish pushes one event to the session's stream, if any is attached.
func (b *Broker) Publish(sessionID, name string, data any) {
	b.mu.Lock()
	ch, ok := b.subs[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- Event{Name: name, Data: data}:
	default:
		log.Printf("[broker] dropping %s event for session %s: stream not draining", name, sessionID)
	}
}

// Finish sends the terminal finished event and closes the stream. A stream
// receives at most one finished event; the subscription is removed before
// anything else can publish to it.
func (b *Broker) Finish(sessionID, reason string) {
	b.mu.Lock()
	ch, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- Event{Name: "finished", Data: reason}:
	default:
		log.Printf("[broker] dropping finished event for session %s: stream not draining", sessionID)
	}
	close(ch)
}
