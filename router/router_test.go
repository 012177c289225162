package router

import (
	"context"
	"testing"

	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/tier"
)

func newTestRouter() (*Router, *registry.Registry) {
	reg := registry.New()
	policy := tier.NewDefault()
	sandbox := NewSandboxAllowList()
	sink := observability.New()
	tierMap := tier.DefaultTierMap()
	return New(reg, policy, sandbox, sink, tierMap), reg
}

func register(t *testing.T, reg *registry.Registry, id string, tr tier.Tier) {
	t.Helper()
	c := newCard(id, tr)
	if _, err := reg.Register(c); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

// newCard is a tiny local constructor to avoid depending on registry's
// unexported test helpers from this package.
func newCard(id string, tr tier.Tier) *registry.Card {
	return &registry.Card{ID: id, Name: id, Tier: tr, ProtocolVersion: "1.0"}
}

func TestDirectSendDelivers(t *testing.T) {
	rtr, reg := newTestRouter()
	register(t, reg, "sun", tier.L0)
	register(t, reg, "mercury", tier.L1)

	var received *envelope.Envelope
	rtr.OnReceive("mercury", func(_ context.Context, env *envelope.Envelope) {
		received = env
	})

	f := envelope.NewFactory("sun", string(tier.L0), "")
	env, err := f.CreateRequest("mercury", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	res := rtr.Send(context.Background(), env)
	if !res.Delivered {
		t.Fatalf("expected delivery, got %+v", res)
	}
	if received == nil || received.ID != env.ID {
		t.Fatal("expected handler to receive the envelope")
	}
}

func TestTierViolationIsBlocked(t *testing.T) {
	rtr, reg := newTestRouter()
	register(t, reg, "io", tier.L3)
	register(t, reg, "sun", tier.L0)

	delivered := false
	rtr.OnReceive("sun", func(_ context.Context, _ *envelope.Envelope) { delivered = true })

	f := envelope.NewFactory("io", string(tier.L3), "")
	env, _ := f.CreateRequest("sun", nil)

	res := rtr.Send(context.Background(), env)
	if res.Delivered {
		t.Fatal("expected L3 -> L0 to be blocked")
	}
	if res.Err == nil {
		t.Fatal("expected a tier-violation error")
	}
	if delivered {
		t.Fatal("handler must not have been invoked")
	}
}

func TestEscalationRequiredAndHonored(t *testing.T) {
	rtr, reg := newTestRouter()
	register(t, reg, "mars", tier.L2)
	register(t, reg, "sun", tier.L0)

	delivered := false
	rtr.OnReceive("sun", func(_ context.Context, _ *envelope.Envelope) { delivered = true })

	f := envelope.NewFactory("mars", string(tier.L2), "")
	env, _ := f.CreateRequest("sun", nil)

	res := rtr.Send(context.Background(), env)
	if res.Delivered {
		t.Fatal("expected delivery without escalation justification to be blocked")
	}

	envWithJustify, _ := f.CreateRequest("sun", nil, envelope.WithEscalationJustification("ops approved"))
	res = rtr.Send(context.Background(), envWithJustify)
	if !res.Delivered {
		t.Fatalf("expected delivery with escalation justification, got %+v", res)
	}
	if !delivered {
		t.Fatal("expected handler invocation after justified escalation")
	}
}

type fakeApprover struct {
	approve      bool
	calledSender string
	calledTarget string
}

func (f *fakeApprover) RequestApproval(_ context.Context, sender, recipient, _ string) bool {
	f.calledSender = sender
	f.calledTarget = recipient
	return f.approve
}

func TestEscalationApproverIsConsultedWhenJustificationMissing(t *testing.T) {
	rtr, reg := newTestRouter()
	register(t, reg, "mars", tier.L2)
	register(t, reg, "sun", tier.L0)

	approver := &fakeApprover{approve: true}
	rtr.SetEscalationApprover(approver)

	delivered := false
	rtr.OnReceive("sun", func(_ context.Context, _ *envelope.Envelope) { delivered = true })

	f := envelope.NewFactory("mars", string(tier.L2), "")
	env, _ := f.CreateRequest("sun", nil)

	res := rtr.Send(context.Background(), env)
	if !res.Delivered || !delivered {
		t.Fatalf("expected approver sign-off to unblock delivery, got %+v", res)
	}
	if approver.calledSender != "mars" || approver.calledTarget != "sun" {
		t.Fatalf("expected approver consulted for mars -> sun, got sender=%q target=%q",
			approver.calledSender, approver.calledTarget)
	}
}

func TestEscalationApproverDenialBlocksDelivery(t *testing.T) {
	rtr, reg := newTestRouter()
	register(t, reg, "mars", tier.L2)
	register(t, reg, "sun", tier.L0)
	rtr.SetEscalationApprover(&fakeApprover{approve: false})

	f := envelope.NewFactory("mars", string(tier.L2), "")
	env, _ := f.CreateRequest("sun", nil)

	res := rtr.Send(context.Background(), env)
	if res.Delivered {
		t.Fatal("expected approver denial to keep delivery blocked")
	}
}

func TestBroadcastReachesAllEligibleRecipients(t *testing.T) {
	rtr, reg := newTestRouter()
	register(t, reg, "sun", tier.L0)
	register(t, reg, "mercury", tier.L1)
	register(t, reg, "earth", tier.L1)
	register(t, reg, "io", tier.L3)

	receivedBy := make(map[string]bool)
	rtr.OnReceive("mercury", func(_ context.Context, _ *envelope.Envelope) { receivedBy["mercury"] = true })
	rtr.OnReceive("earth", func(_ context.Context, _ *envelope.Envelope) { receivedBy["earth"] = true })
	rtr.OnReceive("io", func(_ context.Context, _ *envelope.Envelope) { receivedBy["io"] = true })

	f := envelope.NewFactory("sun", string(tier.L0), "")
	env, _ := f.CreateNotification(nil)

	res := rtr.Send(context.Background(), env)
	if !res.Delivered {
		t.Fatal("expected at least one broadcast delivery")
	}
	if !receivedBy["mercury"] || !receivedBy["earth"] || !receivedBy["io"] {
		t.Fatalf("expected all L0-reachable agents to receive broadcast, got %+v", receivedBy)
	}
}

func TestSandboxIsolationBlocksCrossSandbox(t *testing.T) {
	rtr, reg := newTestRouter()
	a := newCard("mercury", tier.L1)
	a.SandboxID = "sandbox-a"
	b := newCard("earth", tier.L1)
	b.SandboxID = "sandbox-b"
	reg.Register(a)
	reg.Register(b)

	delivered := false
	rtr.OnReceive("earth", func(_ context.Context, _ *envelope.Envelope) { delivered = true })

	f := envelope.NewFactory("mercury", string(tier.L1), "sandbox-a")
	env, _ := f.CreateRequest("earth", nil)

	res := rtr.Send(context.Background(), env)
	if res.Delivered || delivered {
		t.Fatal("expected cross-sandbox delivery to be blocked without an explicit allow")
	}

	rtr.sandbox.Allow("sandbox-a", "sandbox-b")
	res = rtr.Send(context.Background(), env)
	if !res.Delivered {
		t.Fatal("expected delivery once sandbox allow-list grants the path")
	}
}

func TestSendToUnknownRecipientFails(t *testing.T) {
	rtr, _ := newTestRouter()
	f := envelope.NewFactory("sun", string(tier.L0), "")
	env, _ := f.CreateRequest("ghost", nil)
	res := rtr.Send(context.Background(), env)
	if res.Delivered {
		t.Fatal("expected send to unregistered recipient to fail")
	}
}

// snapshotDiscovery is a poll-style registry.Discovery: every Discover call
// immediately hands back whatever cards are currently in its catalog, unlike
// discovery.Local's push-only-future-announcements model. It exists to
// exercise the router's not-found discovery fallback deterministically,
// without depending on a background goroutine's timing.
type snapshotDiscovery struct {
	catalog []*registry.Card
}

func (s *snapshotDiscovery) Announce(string, *registry.Card) (registry.Subscription, error) {
	return nil, nil
}

func (s *snapshotDiscovery) Discover(string) (<-chan *registry.Card, error) {
	ch := make(chan *registry.Card, len(s.catalog))
	for _, c := range s.catalog {
		ch <- c
	}
	return ch, nil
}

func (s *snapshotDiscovery) Destroy() error { return nil }

// TestSendConsultsDiscoveryBeforeNotFound exercises §4.4 step 1: a
// recipient unknown to the registry but known to discovery must be picked
// up before the router declares not-found.
func TestSendConsultsDiscoveryBeforeNotFound(t *testing.T) {
	rtr, reg := newTestRouter()
	register(t, reg, "sun", tier.L0)

	snap := &snapshotDiscovery{catalog: []*registry.Card{
		{ID: "mercury", Name: "mercury", Tier: tier.L1, ProtocolVersion: "1.0"},
	}}
	if err := reg.EnableDiscovery(snap, "fabric"); err != nil {
		t.Fatalf("EnableDiscovery: %v", err)
	}
	defer reg.DisableDiscovery()

	delivered := false
	rtr.OnReceive("mercury", func(_ context.Context, _ *envelope.Envelope) { delivered = true })

	f := envelope.NewFactory("sun", string(tier.L0), "")
	env, _ := f.CreateRequest("mercury", nil)
	res := rtr.Send(context.Background(), env)
	if !res.Delivered || !delivered {
		t.Fatalf("expected discovery fallback to find and deliver to mercury, got %+v", res)
	}
}

func TestRouteByCapability(t *testing.T) {
	rtr, reg := newTestRouter()
	register(t, reg, "sun", tier.L0)
	c := newCard("mercury", tier.L1)
	c.Capabilities = []registry.Capability{{Name: "coding"}}
	reg.Register(c)

	delivered := false
	rtr.OnReceive("mercury", func(_ context.Context, _ *envelope.Envelope) { delivered = true })

	f := envelope.NewFactory("sun", string(tier.L0), "")
	env, _ := f.CreateRequest("", nil, envelope.WithRoutingHint("coding"))

	res := rtr.RouteByCapability(context.Background(), env, "coding")
	if !res.Delivered || !delivered {
		t.Fatalf("expected capability routing to deliver, got %+v", res)
	}
}
