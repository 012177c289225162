// Package discovery provides a local, in-process implementation of the
// registry.Discovery interface for tests and single-process demos. A real
// DHT-backed or gossip-backed discovery mechanism is the consuming
// application's responsibility.
package discovery

import (
	"sync"

	"github.com/lattice-agents/fabric/registry"
)

// Local is an in-memory discovery hub: agents in the same process announce
// cards under a topic and every other subscriber to that topic receives them.
type Local struct {
	mu   sync.Mutex
	subs map[string][]chan *registry.Card
}

// NewLocal creates an empty local discovery hub.
func NewLocal() *Local {
	return &Local{subs: make(map[string][]chan *registry.Card)}
}

type localSubscription struct {
	hub   *Local
	topic string
	ch    chan *registry.Card
}

func (s *localSubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	chans := s.hub.subs[s.topic]
	for i, c := range chans {
		if c == s.ch {
			s.hub.subs[s.topic] = append(chans[:i], chans[i+1:]...)
			close(c)
			break
		}
	}
	return nil
}

// Announce publishes a card under topic to every current Discover subscriber
// of that topic. Subscribers that call Discover later do not receive it, and
// a subscriber whose buffer is full misses it.
func (h *Local) Announce(topic string, card *registry.Card) (registry.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[topic] {
		select {
		case ch <- card:
		default:
		}
	}
	// Announce itself has nothing to unsubscribe from; return a no-op handle
	// scoped to this call for interface symmetry.
	return &localSubscription{hub: h, topic: topic, ch: nil}, nil
}

// Discover returns a channel of cards announced under topic from this point
// forward.
func (h *Local) Discover(topic string) (<-chan *registry.Card, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan *registry.Card, 64)
	h.subs[topic] = append(h.subs[topic], ch)
	return ch, nil
}

// Destroy closes every outstanding subscription channel.
func (h *Local) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, chans := range h.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(h.subs, topic)
	}
	return nil
}
