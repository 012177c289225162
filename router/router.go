// Package router resolves envelope recipients, enforces tier and sandbox
// policy, dispatches to registered handlers, and emits observability events
// for every routing decision.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/fabriterr"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/tier"
)

// EscalationApprover is the human-in-the-loop collaborator the router
// consults when a route requires escalation and the envelope carries no
// justification yet (escalation.Service satisfies this).
type EscalationApprover interface {
	RequestApproval(ctx context.Context, sender, recipient, reason string) bool
}

// Path names how an envelope was delivered.
type Path string

const (
	PathLocal     Path = "local"
	PathRemote    Path = "remote"
	PathBroadcast Path = "broadcast"
)

// Result is the outcome of a Router.Send call.
type Result struct {
	Delivered bool
	Path      Path
	TargetID  string
	LatencyMS float64
	Err       error
}

// Handler processes an envelope delivered to an agent.
type Handler func(ctx context.Context, env *envelope.Envelope)

// SandboxAllowList grants, per sandbox id, the set of other sandbox ids it
// may communicate with (I4 / §4.4 step 5).
type SandboxAllowList struct {
	mu      sync.RWMutex
	allowed map[string]map[string]bool
}

// NewSandboxAllowList returns an empty allow-list (nothing cross-sandbox
// permitted until Allow is called).
func NewSandboxAllowList() *SandboxAllowList {
	return &SandboxAllowList{allowed: make(map[string]map[string]bool)}
}

// Allow permits sandbox "from" to reach sandbox "to". The grant is
// directional: Allow(a, b) does not imply Allow(b, a).
func (l *SandboxAllowList) Allow(from, to string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowed[from] == nil {
		l.allowed[from] = make(map[string]bool)
	}
	l.allowed[from][to] = true
}

// IsAllowed reports whether sandbox "from" may reach sandbox "to".
func (l *SandboxAllowList) IsAllowed(from, to string) bool {
	if from == "" || to == "" || from == to {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowed[from][to]
}

type handlerEntry struct {
	id int64
	h  Handler
}

// Router is the central message dispatcher. It consults a Registry for
// recipient resolution, a tier.Policy for tier enforcement, a
// SandboxAllowList for cross-sandbox checks, and emits every decision to an
// observability.Sink.
type Router struct {
	registry  *registry.Registry
	policy    *tier.Policy
	sandbox   *SandboxAllowList
	sink      *observability.Sink
	tierMap   map[string]tier.Tier
	enforceTier bool

	mu         sync.RWMutex
	handlers   map[string][]handlerEntry
	nextID     int64
	escalation EscalationApprover
}

// New constructs a Router. tierMap supplies the per-agent tier used when an
// Agent Card itself doesn't carry a reliable tier (cards are the source of
// truth per §3; tierMap is the §6 default/override table consulted as a
// fallback for agents not yet registered).
func New(reg *registry.Registry, policy *tier.Policy, sandbox *SandboxAllowList, sink *observability.Sink, tierMap map[string]tier.Tier) *Router {
	return &Router{
		registry:    reg,
		policy:      policy,
		sandbox:     sandbox,
		sink:        sink,
		tierMap:     tierMap,
		enforceTier: true,
		handlers:    make(map[string][]handlerEntry),
	}
}

// SetTierEnforcement toggles whether can_route/requires_escalation are
// checked at all; tests exercising S4-S6 style scenarios without tier
// friction may disable it.
func (r *Router) SetTierEnforcement(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enforceTier = on
}

// SetEscalationApprover wires a human-in-the-loop approver the router
// blocks on when a route requires escalation and no justification is
// present on the envelope yet. With none set, such routes fail outright
// (the caller must supply WithEscalationJustification up front).
func (r *Router) SetEscalationApprover(a EscalationApprover) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalation = a
}

// Sink returns the observability sink this router emits through, so other
// components wired to the same router (negotiator, swarm, toolbridge) can
// emit their own events to the one sink the fabric shares.
func (r *Router) Sink() *observability.Sink {
	return r.sink
}

// Unsubscribe removes a single previously-registered handler.
type Unsubscribe func()

// OnReceive registers a per-agent delivery handler. Multiple handlers per id
// are supported; the returned Unsubscribe removes only this one.
func (r *Router) OnReceive(agentID string, h Handler) Unsubscribe {
	r.mu.Lock()
	id := atomic.AddInt64(&r.nextID, 1)
	r.handlers[agentID] = append(r.handlers[agentID], handlerEntry{id: id, h: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.handlers[agentID]
		for i, e := range list {
			if e.id == id {
				r.handlers[agentID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.handlers[agentID]) == 0 {
			delete(r.handlers, agentID)
		}
	}
}

// handlersFor returns a stable snapshot so delivery never races a concurrent
// OnReceive/Unsubscribe (§5: "delivery iterates over a stable snapshot").
func (r *Router) handlersFor(agentID string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.handlers[agentID]
	if len(entries) == 0 {
		return nil
	}
	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.h
	}
	return out
}

func (r *Router) tierOf(agentID string, card *registry.Card) tier.Tier {
	if card != nil && card.Tier != "" {
		return card.Tier
	}
	if t, ok := r.tierMap[agentID]; ok {
		return t
	}
	return ""
}

// Send routes a single envelope, or a broadcast when Recipient == "*".
func (r *Router) Send(ctx context.Context, env *envelope.Envelope) Result {
	if env.Recipient == envelope.Broadcast {
		return r.sendBroadcast(ctx, env)
	}
	return r.sendUnicast(ctx, env)
}

func (r *Router) sendUnicast(ctx context.Context, env *envelope.Envelope) Result {
	start := time.Now()

	recipientCard, found := r.registry.GetByID(env.Recipient)
	if !found {
		// §4.4 step 1: consult remote/discovered cards before declaring
		// not-found — a recipient may be known to discovery but not yet
		// merged into this registry.
		r.registry.RefreshDiscovery()
		recipientCard, found = r.registry.GetByID(env.Recipient)
	}
	if !found {
		err := fabriterr.New(fabriterr.NotFound, "recipient %q not registered", env.Recipient)
		r.emitFailure(env, err)
		return Result{Delivered: false, Path: PathLocal, TargetID: env.Recipient, Err: err}
	}

	senderCard, _ := r.registry.GetByID(env.Sender)
	srcTier := r.tierOf(env.Sender, senderCard)
	tgtTier := r.tierOf(env.Recipient, recipientCard)

	r.mu.RLock()
	enforce := r.enforceTier
	r.mu.RUnlock()

	if enforce && srcTier != "" && tgtTier != "" {
		if !r.policy.CanRoute(srcTier, tgtTier) {
			err := fabriterr.TierViolationErr(string(srcTier), string(tgtTier),
				"%s -> %s denied by tier policy", srcTier, tgtTier)
			r.emitFailure(env, err)
			return Result{Delivered: false, Path: PathLocal, TargetID: env.Recipient, Err: err}
		}
		if r.policy.RequiresEscalation(srcTier, tgtTier) {
			justified := env.Metadata != nil && env.Metadata[envelope.MetaEscalationJustify] != ""
			if !justified {
				r.mu.RLock()
				approver := r.escalation
				r.mu.RUnlock()
				if approver != nil {
					reason := fmt.Sprintf("%s -> %s requires sign-off for %q", srcTier, tgtTier, env.Recipient)
					justified = approver.RequestApproval(ctx, env.Sender, env.Recipient, reason)
				}
			}
			if !justified {
				err := fabriterr.TierViolationErr(string(srcTier), string(tgtTier),
					"%s -> %s requires an escalation justification", srcTier, tgtTier)
				r.emitFailure(env, err)
				return Result{Delivered: false, Path: PathLocal, TargetID: env.Recipient, Err: err}
			}
		}
	}

	senderSandbox := ""
	if senderCard != nil {
		senderSandbox = senderCard.SandboxID
	}
	if !r.sandbox.IsAllowed(senderSandbox, recipientCard.SandboxID) {
		err := fabriterr.New(fabriterr.SandboxViolation,
			"sandbox %q may not reach sandbox %q", senderSandbox, recipientCard.SandboxID)
		r.emitFailure(env, err)
		return Result{Delivered: false, Path: PathLocal, TargetID: env.Recipient, Err: err}
	}

	handlers := r.handlersFor(env.Recipient)
	for _, h := range handlers {
		h(context.Background(), env)
	}

	latency := time.Since(start).Seconds() * 1000
	delivered := len(handlers) > 0
	r.sink.Emit(observability.Event{
		Type:       observability.EventMessageSent,
		EnvelopeID: env.ID,
		Sender:     env.Sender,
		Recipient:  env.Recipient,
		MessageType: string(env.Type),
		Path:       string(PathLocal),
		DurationMS: &latency,
		Success:    boolPtr(delivered),
	})
	if !delivered {
		return Result{Delivered: false, Path: PathLocal, TargetID: env.Recipient, LatencyMS: latency}
	}
	return Result{Delivered: true, Path: PathLocal, TargetID: env.Recipient, LatencyMS: latency}
}

func (r *Router) sendBroadcast(_ context.Context, env *envelope.Envelope) Result {
	start := time.Now()
	senderCard, _ := r.registry.GetByID(env.Sender)
	srcTier := r.tierOf(env.Sender, senderCard)
	senderSandbox := ""
	if senderCard != nil {
		senderSandbox = senderCard.SandboxID
	}

	r.mu.RLock()
	enforce := r.enforceTier
	r.mu.RUnlock()

	cards := r.registry.ListAll()
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })

	delivered := false
	for _, card := range cards {
		if card.ID == env.Sender {
			continue
		}
		if enforce && srcTier != "" && card.Tier != "" {
			if !r.policy.CanRoute(srcTier, card.Tier) {
				continue
			}
			if r.policy.RequiresEscalation(srcTier, card.Tier) &&
				(env.Metadata == nil || env.Metadata[envelope.MetaEscalationJustify] == "") {
				continue
			}
		}
		if !r.sandbox.IsAllowed(senderSandbox, card.SandboxID) {
			continue
		}
		targetEnv := *env
		targetEnv.Recipient = card.ID
		handlers := r.handlersFor(card.ID)
		for _, h := range handlers {
			h(context.Background(), &targetEnv)
		}
		if len(handlers) > 0 {
			delivered = true
		}
	}

	latency := time.Since(start).Seconds() * 1000
	r.sink.Emit(observability.Event{
		Type:        observability.EventMessageSent,
		EnvelopeID:  env.ID,
		Sender:      env.Sender,
		MessageType: string(env.Type),
		Path:        string(PathBroadcast),
		DurationMS:  &latency,
		Success:     boolPtr(delivered),
	})
	return Result{Delivered: delivered, Path: PathBroadcast, LatencyMS: latency}
}

// RouteByCapability resolves the first registered agent with the given
// capability (ties broken by agent id order, per the registry's sorted
// iteration) and delivers to it.
func (r *Router) RouteByCapability(ctx context.Context, env *envelope.Envelope, capability string) Result {
	matches := r.registry.FindByCapability(capability)
	if len(matches) == 0 {
		err := fabriterr.New(fabriterr.NotFound, "no agent advertises capability %q", capability)
		r.emitFailure(env, err)
		return Result{Delivered: false, Path: PathLocal, Err: err}
	}
	target := *env
	target.Recipient = matches[0].ID
	return r.sendUnicast(ctx, &target)
}

func (r *Router) emitFailure(env *envelope.Envelope, err *fabriterr.Error) {
	r.sink.Emit(observability.Event{
		Type:        observability.EventRoutingFailed,
		EnvelopeID:  env.ID,
		Sender:      env.Sender,
		Recipient:   env.Recipient,
		MessageType: string(env.Type),
		Success:     boolPtr(false),
	})
}

func boolPtr(b bool) *bool { return &b }
