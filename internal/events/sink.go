package events

import "sync"

// Sink receives "something changed" pushes from the engine. Publishing is
// fire-and-forget: implementations must not block and errors are swallowed.
type Sink interface {
	Publish(topic string, payload any)
}

// NopSink drops every publish.
type NopSink struct{}

func (NopSink) Publish(string, any) {}

// Fanout delivers each publish to all subscribed channels. Slow subscribers
// miss messages rather than stalling the publisher.
type Fanout struct {
	mu   sync.Mutex
	subs []chan Message
}

type Message struct {
	Topic   string
	Payload any
}

func (f *Fanout) Publish(topic string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- Message{Topic: topic, Payload: payload}:
		default:
		}
	}
}

// Subscribe returns a buffered channel receiving subsequent publishes and a
// cancel func that detaches it.
func (f *Fanout) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.subs {
			if c == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}
