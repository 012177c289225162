// Package controlplane is the HTTP introspection layer around an in-memory
// fabric: agent roster, swarm sessions, and a live event stream are
// read-only; the escalation endpoints list pending sign-off requests and
// resolve them.
// It sits outside the core's no-CLI, no-persistence contract — this is demo
// and operations tooling, not part of routing semantics.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/lattice-agents/fabric/escalation"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/swarm"
)

// eventBroker fans observability events out to SSE subscribers, adapting
// the same polling/fan-out shape the reference framework uses for its
// dashboard stream.
type eventBroker struct {
	mu      sync.RWMutex
	clients map[string]chan observability.Event
}

func newEventBroker() *eventBroker {
	return &eventBroker{clients: make(map[string]chan observability.Event)}
}

func (b *eventBroker) subscribe(id string) <-chan observability.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan observability.Event, 64)
	b.clients[id] = ch
	return ch
}

func (b *eventBroker) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
	}
}

func (b *eventBroker) publish(evt observability.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.clients {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Server is the fabric control plane.
type Server struct {
	Addr       string
	Registry   *registry.Registry
	Swarm      *swarm.Coordinator
	Sink       *observability.Sink
	Escalation *escalation.Service

	broker *eventBroker
	mux    *http.ServeMux
}

// New wires a control plane server around an already-constructed fabric. esc
// should be the same escalation.Service instance the fabric's router
// consults for its L2→L0/L1 sign-off gate, so HandleRespond resolves the
// requests the router is actually blocked on.
func New(addr string, reg *registry.Registry, sc *swarm.Coordinator, sink *observability.Sink, esc *escalation.Service) *Server {
	s := &Server{
		Addr:       addr,
		Registry:   reg,
		Swarm:      sc,
		Sink:       sink,
		Escalation: esc,
		broker:     newEventBroker(),
		mux:        http.NewServeMux(),
	}
	sink.Subscribe(s.broker.publish)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	s.mux.HandleFunc("/api/agents", s.handleListAgents)
	s.mux.HandleFunc("/api/events/stream", s.handleEventStream)
	s.mux.HandleFunc("/api/swarms/", s.handleSwarm)
	s.mux.HandleFunc("/api/escalations/pending", s.Escalation.HandlePending)
	s.mux.HandleFunc("/api/escalations/respond", s.Escalation.HandleRespond)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"agents": s.Registry.ListAll()})
}

func (s *Server) handleSwarm(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/swarms/")
	if id == "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"active": s.Swarm.ListActiveSwarms()})
		return
	}
	session, ok := s.Swarm.GetSwarm(id)
	if !ok {
		http.Error(w, fmt.Sprintf(`{"error":"swarm %q not found"}`, id), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := r.RemoteAddr
	ch := s.broker.subscribe(subID)
	defer s.broker.unsubscribe(subID)

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(evt)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// Start begins serving the control plane.
func (s *Server) Start(_ context.Context) error {
	log.Printf("fabric control plane starting on %s", s.Addr)
	return http.ListenAndServe(s.Addr, s.mux)
}
