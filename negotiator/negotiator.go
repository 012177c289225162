// Package negotiator owns task-proposal records: the propose/accept/reject
// lifecycle, deadline timeouts, and correlation-id threading.
package negotiator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/fabriterr"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/router"
)

// Status is one of the Task Negotiation Record's lifecycle states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed-out"
)

// Complexity estimates the effort a proposed task requires.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Proposal is the caller-supplied content of a task-proposal.
type Proposal struct {
	TaskDescription      string
	RequiredCapabilities []string
	Complexity           Complexity
}

// Record is a Task Negotiation Record (§3). Proposal-id and correlation-id
// are deliberately distinct identifiers (§9 open question) — the record is
// keyed by ProposalID but threads envelopes via CorrelationID.
type Record struct {
	ProposalID            string
	CorrelationID         string
	Proposer              string
	Target                string
	TaskDescription       string
	RequiredCapabilities  []string
	Complexity            Complexity
	DeadlineMS            int64
	Status                Status
	AcceptedBy            string
	EstimatedCompletionMS int64
	RejectionReason       string
	AlternativeSuggestion string
}

type proposalPayload struct {
	ProposalID            string     `json:"proposalId"`
	TaskDescription       string     `json:"taskDescription"`
	RequiredCapabilities  []string   `json:"requiredCapabilities"`
	Complexity            Complexity `json:"complexity"`
	DeadlineMS            int64      `json:"deadlineMs"`
}

type acceptPayload struct {
	ProposalID            string `json:"proposalId"`
	EstimatedCompletionMS int64  `json:"estimatedCompletionMs"`
}

type rejectPayload struct {
	ProposalID            string `json:"proposalId"`
	Reason                string `json:"reason"`
	AlternativeSuggestion string `json:"alternativeSuggestion,omitempty"`
}

// OnProposalReceived is notified whenever handle_incoming_proposal stores a
// new pending record.
type OnProposalReceived func(rec *Record)

// Negotiator manages proposal records for a single owning agent.
type Negotiator struct {
	agentID string
	factory *envelope.Factory
	router  *router.Router

	mu       sync.Mutex
	pending  map[string]*Record
	timers   map[string]*time.Timer
	byThread map[string][]*Record

	listenersMu sync.RWMutex
	listeners   []OnProposalReceived
}

// New constructs a Negotiator owned by agentID, using factory to build
// outgoing envelopes and router to send/receive them.
func New(agentID string, factory *envelope.Factory, r *router.Router) *Negotiator {
	return &Negotiator{
		agentID:  agentID,
		factory:  factory,
		router:   r,
		pending:  make(map[string]*Record),
		timers:   make(map[string]*time.Timer),
		byThread: make(map[string][]*Record),
	}
}

// OnProposalReceivedFunc registers a listener invoked by handle_incoming_proposal.
func (n *Negotiator) OnProposalReceivedFunc(fn OnProposalReceived) {
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Propose sends a task-proposal to target with a fresh correlation id,
// records it in "pending", and schedules a deadline timeout.
func (n *Negotiator) Propose(ctx context.Context, target string, p Proposal, deadlineMS int64) (*Record, error) {
	proposalID := uuid.New().String()
	body := proposalPayload{
		ProposalID:           proposalID,
		TaskDescription:      p.TaskDescription,
		RequiredCapabilities: p.RequiredCapabilities,
		Complexity:           p.Complexity,
		DeadlineMS:           deadlineMS,
	}

	env, err := n.factory.CreateTaskProposal(target, body)
	if err != nil {
		return nil, fmt.Errorf("negotiator: build proposal: %w", err)
	}

	rec := &Record{
		ProposalID:           proposalID,
		CorrelationID:        env.CorrelationID,
		Proposer:             n.agentID,
		Target:               target,
		TaskDescription:      p.TaskDescription,
		RequiredCapabilities: p.RequiredCapabilities,
		Complexity:           p.Complexity,
		DeadlineMS:           deadlineMS,
		Status:               StatusPending,
	}

	n.mu.Lock()
	n.pending[proposalID] = rec
	n.byThread[rec.CorrelationID] = append(n.byThread[rec.CorrelationID], rec)
	n.timers[proposalID] = time.AfterFunc(time.Duration(deadlineMS)*time.Millisecond, func() {
		n.expire(proposalID)
	})
	n.mu.Unlock()

	result := n.router.Send(ctx, env)
	if result.Err != nil {
		return rec, fmt.Errorf("negotiator: send proposal: %w", result.Err)
	}
	n.emitProposalEvent(rec, StatusPending)
	return rec, nil
}

// expire is the idempotent deadline callback: a no-op if the record already
// moved to a terminal state (§9 "Task deadlines").
func (n *Negotiator) expire(proposalID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.pending[proposalID]
	if !ok || rec.Status != StatusPending {
		return
	}
	rec.Status = StatusTimedOut
	delete(n.timers, proposalID)
	n.emitProposalEvent(rec, StatusTimedOut)
}

// Accept transitions a pending proposal to accepted and sends a task-accept
// envelope on the same correlation id.
func (n *Negotiator) Accept(ctx context.Context, proposalID string, estimatedCompletionMS int64) error {
	n.mu.Lock()
	rec, ok := n.pending[proposalID]
	if !ok {
		n.mu.Unlock()
		return fabriterr.New(fabriterr.NotFound, "proposal %q not found", proposalID)
	}
	if rec.Status != StatusPending {
		status := rec.Status
		n.mu.Unlock()
		return fabriterr.New(fabriterr.StateViolation, "proposal %q already %s", proposalID, status)
	}
	rec.Status = StatusAccepted
	rec.AcceptedBy = n.agentID
	rec.EstimatedCompletionMS = estimatedCompletionMS
	n.cancelTimerLocked(proposalID)
	n.mu.Unlock()

	env, err := n.factory.CreateEnvelope(envelope.TypeTaskAccept, rec.Proposer,
		acceptPayload{ProposalID: proposalID, EstimatedCompletionMS: estimatedCompletionMS},
		envelope.WithCorrelationID(rec.CorrelationID))
	if err != nil {
		return fmt.Errorf("negotiator: build accept: %w", err)
	}
	if result := n.router.Send(ctx, env); result.Err != nil {
		return fmt.Errorf("negotiator: send accept: %w", result.Err)
	}
	n.emitProposalEvent(rec, StatusAccepted)
	return nil
}

// Reject is symmetric to Accept; the record moves to rejected.
func (n *Negotiator) Reject(ctx context.Context, proposalID, reason, alternative string) error {
	n.mu.Lock()
	rec, ok := n.pending[proposalID]
	if !ok {
		n.mu.Unlock()
		return fabriterr.New(fabriterr.NotFound, "proposal %q not found", proposalID)
	}
	if rec.Status != StatusPending {
		status := rec.Status
		n.mu.Unlock()
		return fabriterr.New(fabriterr.StateViolation, "proposal %q already %s", proposalID, status)
	}
	rec.Status = StatusRejected
	rec.RejectionReason = reason
	rec.AlternativeSuggestion = alternative
	n.cancelTimerLocked(proposalID)
	n.mu.Unlock()

	env, err := n.factory.CreateEnvelope(envelope.TypeTaskReject, rec.Proposer,
		rejectPayload{ProposalID: proposalID, Reason: reason, AlternativeSuggestion: alternative},
		envelope.WithCorrelationID(rec.CorrelationID))
	if err != nil {
		return fmt.Errorf("negotiator: build reject: %w", err)
	}
	if result := n.router.Send(ctx, env); result.Err != nil {
		return fmt.Errorf("negotiator: send reject: %w", result.Err)
	}
	n.emitProposalEvent(rec, StatusRejected)
	return nil
}

// emitProposalEvent reports a proposal lifecycle transition to the fabric
// sink, if one is wired on the negotiator's router.
func (n *Negotiator) emitProposalEvent(rec *Record, status Status) {
	sink := n.router.Sink()
	if sink == nil {
		return
	}
	success := status == StatusAccepted
	sink.Emit(observability.Event{
		Type:        observability.EventProposalEvent,
		EnvelopeID:  rec.ProposalID,
		Sender:      rec.Proposer,
		Recipient:   rec.Target,
		MessageType: string(status),
		Success:     &success,
	})
}

func (n *Negotiator) cancelTimerLocked(proposalID string) {
	if t, ok := n.timers[proposalID]; ok {
		t.Stop()
		delete(n.timers, proposalID)
	}
}

// HandleIncomingProposal is the receiver path: it stores a pending record
// keyed by the proposal id inside the payload and notifies listeners.
func (n *Negotiator) HandleIncomingProposal(env *envelope.Envelope) (*Record, error) {
	var body proposalPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, fabriterr.New(fabriterr.SchemaMismatch, "decode task-proposal payload: %v", err)
	}
	rec := &Record{
		ProposalID:           body.ProposalID,
		CorrelationID:        env.CorrelationID,
		Proposer:             env.Sender,
		Target:               env.Recipient,
		TaskDescription:      body.TaskDescription,
		RequiredCapabilities: body.RequiredCapabilities,
		Complexity:           body.Complexity,
		DeadlineMS:           body.DeadlineMS,
		Status:               StatusPending,
	}

	n.mu.Lock()
	n.pending[rec.ProposalID] = rec
	n.byThread[rec.CorrelationID] = append(n.byThread[rec.CorrelationID], rec)
	n.mu.Unlock()

	n.emitProposalEvent(rec, StatusPending)

	n.listenersMu.RLock()
	listeners := append([]OnProposalReceived(nil), n.listeners...)
	n.listenersMu.RUnlock()
	for _, l := range listeners {
		l(rec)
	}
	return rec, nil
}

// GetProposal looks up a record by proposal id.
func (n *Negotiator) GetProposal(proposalID string) (*Record, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.pending[proposalID]
	return rec, ok
}

// ListPending returns every record still in status pending.
func (n *Negotiator) ListPending() []*Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Record
	for _, rec := range n.pending {
		if rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	return out
}

// GetThread returns every record sharing the given correlation id.
func (n *Negotiator) GetThread(correlationID string) []*Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Record(nil), n.byThread[correlationID]...)
}
