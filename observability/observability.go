// Package observability is the structured event sink that backs every other
// component: a fan-out log of routing, channel, negotiation, swarm, and CRDT
// decisions, with optional Prometheus-backed aggregate counters.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventType classifies an observability event.
type EventType string

const (
	EventMessageSent    EventType = "message.sent"
	EventRoutingFailed  EventType = "routing.failed"
	EventChannelOpened  EventType = "channel.opened"
	EventChannelClosed  EventType = "channel.closed"
	EventDeliveryFailed EventType = "delivery.failed"
	EventToolInvoked    EventType = "tool.invoked"
	EventProposalEvent  EventType = "proposal.event"
	EventSwarmEvent     EventType = "swarm.event"
	EventCRDTMerge      EventType = "crdt.merge"
	EventCRDTIngestFail EventType = "crdt.ingest_failed"
)

// Event is one structured observability record (§3 "Observability Event").
type Event struct {
	Type        EventType
	EnvelopeID  string
	Sender      string
	Recipient   string
	MessageType string
	Path        string
	ToolName    string
	DurationMS  *float64
	Success     *bool
	Timestamp   time.Time
}

// Listener receives every event emitted to a Sink.
type Listener func(Event)

// Sink fans events out to subscribed listeners and, if Prometheus metrics
// were wired in via NewWithRegisterer, updates aggregate counters.
type Sink struct {
	mu        sync.RWMutex
	listeners map[int64]Listener
	nextID    int64

	logMu sync.Mutex
	log   []Event

	metrics *metrics
}

type metrics struct {
	messagesRouted   *prometheus.CounterVec
	tierViolations   prometheus.Counter
	swarmCompletions prometheus.Counter
	crdtMerges       prometheus.Counter
}

// New creates a Sink with no Prometheus wiring — events are fanned out to
// listeners and kept in the in-memory log only.
func New() *Sink {
	return &Sink{listeners: make(map[int64]Listener)}
}

// NewWithRegisterer creates a Sink that also registers aggregate counters
// (messages routed, tier violations, swarm completions, CRDT merges) against
// the given Prometheus registerer.
func NewWithRegisterer(reg prometheus.Registerer) (*Sink, error) {
	m := &metrics{
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_messages_routed_total",
			Help: "Total envelopes handed to the router, labeled by path.",
		}, []string{"path"}),
		tierViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_tier_violations_total",
			Help: "Total routing attempts denied by tier policy.",
		}),
		swarmCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_swarm_completions_total",
			Help: "Total swarm sessions that reached status completed.",
		}),
		crdtMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_crdt_merges_total",
			Help: "Total successful CRDT vector-clock merges.",
		}),
	}
	for _, c := range []prometheus.Collector{m.messagesRouted, m.tierViolations, m.swarmCompletions, m.crdtMerges} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	s := New()
	s.metrics = m
	return s, nil
}

// Subscribe registers a listener; the returned function removes it.
func (s *Sink) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Emit records the event in the log, updates any wired metrics, and fans it
// out to every subscribed listener.
func (s *Sink) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.logMu.Lock()
	s.log = append(s.log, e)
	s.logMu.Unlock()

	s.updateMetrics(e)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		l(e)
	}
}

func (s *Sink) updateMetrics(e Event) {
	if s.metrics == nil {
		return
	}
	switch e.Type {
	case EventMessageSent:
		s.metrics.messagesRouted.WithLabelValues(e.Path).Inc()
	case EventRoutingFailed:
		s.metrics.tierViolations.Inc()
	case EventSwarmEvent:
		if e.Success != nil && *e.Success {
			s.metrics.swarmCompletions.Inc()
		}
	case EventCRDTMerge:
		s.metrics.crdtMerges.Inc()
	}
}

// Log returns a copy of every event recorded so far.
func (s *Sink) Log() []Event {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	out := make([]Event, len(s.log))
	copy(out, s.log)
	return out
}
