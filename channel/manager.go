package channel

import (
	"sort"
	"sync"

	"github.com/lattice-agents/fabric/observability"
)

// Manager keeps a canonical Channel per unordered {local, remote} pair.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*Channel
	sink     *observability.Sink
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]*Channel)}
}

// SetSink wires the observability sink every channel this manager opens
// from now on will emit lifecycle and delivery-failure events to. Channels
// already open are updated too.
func (m *Manager) SetSink(sink *observability.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
	for _, ch := range m.channels {
		ch.SetSink(sink)
	}
}

func pairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

// OpenChannel returns the existing channel for the unordered pair (a, b),
// or creates one with the given transport/deliver if none exists yet.
func (m *Manager) OpenChannel(a, b string, transport Transport, deliver Deliver) *Channel {
	key := pairKey(a, b)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[key]; ok {
		return ch
	}
	ch := newChannel(key, a, b, transport, deliver, m.sink)
	m.channels[key] = ch
	return ch
}

// CloseAll closes every managed channel and empties the table.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		ch.Close()
	}
	m.channels = make(map[string]*Channel)
}
