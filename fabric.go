// Package fabric wires the coordination-fabric components together into a
// single runnable unit: registry, tier policy, sandbox allow-list, router,
// channel manager, tool bridge, escalation service, and observability sink,
// seeded from a config.Topology, plus per-agent constructors for negotiators
// and swarm coordinators. CRDT sync channels are not built here.
package fabric

import (
	"fmt"

	"github.com/lattice-agents/fabric/channel"
	"github.com/lattice-agents/fabric/config"
	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/escalation"
	"github.com/lattice-agents/fabric/negotiator"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/router"
	"github.com/lattice-agents/fabric/swarm"
	"github.com/lattice-agents/fabric/tier"
	"github.com/lattice-agents/fabric/toolbridge"
)

// Fabric is the fully wired runtime: one Registry/Router/ChannelManager/
// Sink shared across every agent, plus a Negotiator and swarm Coordinator
// per agent that needs to initiate proposals or swarms.
type Fabric struct {
	Registry   *registry.Registry
	TierPolicy *tier.Policy
	Sandbox    *router.SandboxAllowList
	Sink       *observability.Sink
	Router     *router.Router
	Channels   *channel.Manager
	Tools      *toolbridge.Bridge
	Escalation *escalation.Service
}

// New builds an empty Fabric using the default tier rules and the given
// tier map (typically tier.DefaultTierMap merged with config overrides).
func New(tierMap map[string]tier.Tier) *Fabric {
	reg := registry.New()
	policy := tier.NewDefault()
	sandbox := router.NewSandboxAllowList()
	sink := observability.New()
	r := router.New(reg, policy, sandbox, sink, tierMap)
	esc := escalation.NewService()
	r.SetEscalationApprover(esc)

	channels := channel.NewManager()
	channels.SetSink(sink)
	tools := toolbridge.New()
	tools.SetSink(sink)

	return &Fabric{
		Registry:   reg,
		TierPolicy: policy,
		Sandbox:    sandbox,
		Sink:       sink,
		Router:     r,
		Channels:   channels,
		Tools:      tools,
		Escalation: esc,
	}
}

// LoadTopology seeds the fabric's registry and sandbox allow-list from a
// parsed config.Topology.
func (f *Fabric) LoadTopology(t *config.Topology) error {
	cards, err := t.Cards()
	if err != nil {
		return fmt.Errorf("fabric: load topology cards: %w", err)
	}
	for _, card := range cards {
		if _, err := f.Registry.Register(card); err != nil {
			return fmt.Errorf("fabric: register %q: %w", card.ID, err)
		}
	}
	for _, grant := range t.SandboxGrants {
		f.Sandbox.Allow(grant.From, grant.To)
	}
	return nil
}

// NewFactoryFor returns an envelope.Factory bound to agentID, picking up its
// tier and sandbox id from the registry if the agent is already registered.
func (f *Fabric) NewFactoryFor(agentID string) *envelope.Factory {
	tierStr, sandboxID := "", ""
	if card, ok := f.Registry.GetByID(agentID); ok {
		tierStr = string(card.Tier)
		sandboxID = card.SandboxID
	}
	return envelope.NewFactory(agentID, tierStr, sandboxID)
}

// NewNegotiatorFor returns a Negotiator owned by agentID, wired to this
// fabric's router.
func (f *Fabric) NewNegotiatorFor(agentID string) *negotiator.Negotiator {
	return negotiator.New(agentID, f.NewFactoryFor(agentID), f.Router)
}

// NewSwarmCoordinatorFor returns a swarm.Coordinator owned by agentID, wired
// to this fabric's registry and router.
func (f *Fabric) NewSwarmCoordinatorFor(agentID string) *swarm.Coordinator {
	return swarm.New(agentID, f.NewFactoryFor(agentID), f.Registry, f.Router)
}
