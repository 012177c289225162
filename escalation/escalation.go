// Package escalation provides human-in-the-loop sign-off for L2→L0/L1
// escalation requests the router's tier policy gates on an
// escalationJustification metadata field.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Request is a pending escalation awaiting a decision.
type Request struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
	response  chan bool
}

// Service tracks pending escalation requests and blocks the requesting
// goroutine until a decision is posted.
type Service struct {
	mu      sync.Mutex
	pending map[string]*Request
	seq     int
}

// NewService constructs an empty escalation service.
func NewService() *Service {
	return &Service{pending: make(map[string]*Request)}
}

// RequestApproval submits an escalation for sign-off and blocks until
// HandleRespond resolves it or ctx is done. A canceled or expired context
// counts as denial — the router that called this is itself blocked on the
// answer, so it must not wait past the caller's own deadline.
func (s *Service) RequestApproval(ctx context.Context, sender, recipient, reason string) bool {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("escalation_%d", s.seq)
	req := &Request{ID: id, Sender: sender, Recipient: recipient, Reason: reason, response: make(chan bool, 1)}
	s.pending[id] = req
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	select {
	case approved := <-req.response:
		return approved
	case <-ctx.Done():
		return false
	}
}

// HandlePending lists every outstanding escalation request as JSON.
func (s *Service) HandlePending(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := make([]*Request, 0, len(s.pending))
	for _, r := range s.pending {
		reqs = append(reqs, r)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"pending": reqs})
}

// HandleRespond resolves a pending escalation by id.
func (s *Service) HandleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string `json:"id"`
		Approved bool   `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	req, ok := s.pending[body.ID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	req.response <- body.Approved
	w.WriteHeader(http.StatusOK)
}
