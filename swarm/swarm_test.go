package swarm

import (
	"context"
	"testing"

	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/router"
	"github.com/lattice-agents/fabric/tier"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for _, id := range []string{"sun", "mercury", "earth", "jupiter"} {
		c := &registry.Card{ID: id, Name: id, Tier: tier.L0, ProtocolVersion: "1.0"}
		if id != "sun" {
			c.Capabilities = []registry.Capability{{Name: "research"}}
		}
		if _, err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	r := router.New(reg, tier.NewDefault(), router.NewSandboxAllowList(), observability.New(), tier.DefaultTierMap())
	f := envelope.NewFactory("sun", string(tier.L0), "")
	return New("sun", f, reg, r), reg
}

func TestCreateSwarmRecruitsCandidatesAndSubTasks(t *testing.T) {
	c, _ := newTestCoordinator(t)
	session, err := c.CreateSwarm(context.Background(), "map the archive", []string{"research"}, []string{"scan-a", "scan-b"})
	if err != nil {
		t.Fatalf("CreateSwarm: %v", err)
	}
	if session.Status != StatusRecruiting {
		t.Fatalf("expected recruiting status, got %s", session.Status)
	}
	if len(session.SubTasks) != 2 {
		t.Fatalf("expected 2 sub-tasks, got %d", len(session.SubTasks))
	}
}

func TestJoinSwarmAssignsFirstPendingSubTask(t *testing.T) {
	c, _ := newTestCoordinator(t)
	session, _ := c.CreateSwarm(context.Background(), "t", []string{"research"}, []string{"a", "b"})

	st, err := c.JoinSwarm(session.ID, "mercury")
	if err != nil {
		t.Fatalf("JoinSwarm: %v", err)
	}
	if st.AssignedAgent != "mercury" || st.Status != SubTaskRunning {
		t.Fatalf("expected sub-task assigned to mercury and running, got %+v", st)
	}

	updated, _ := c.GetSwarm(session.ID)
	if updated.Status != StatusActive {
		t.Fatalf("expected session active after join, got %s", updated.Status)
	}
	if len(updated.Participants) != 1 || updated.Participants[0] != "mercury" {
		t.Fatalf("expected mercury recorded as participant, got %+v", updated.Participants)
	}
}

func TestCompleteSubTaskMarksSwarmCompletedWhenAllSettled(t *testing.T) {
	c, _ := newTestCoordinator(t)
	session, _ := c.CreateSwarm(context.Background(), "t", []string{"research"}, []string{"only"})
	st, _ := c.JoinSwarm(session.ID, "mercury")

	if err := c.CompleteSubTask(session.ID, st.ID, "result-data"); err != nil {
		t.Fatalf("CompleteSubTask: %v", err)
	}
	updated, _ := c.GetSwarm(session.ID)
	if updated.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", updated.Status)
	}
	if updated.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}

	snap, err := c.SnapshotSharedState(session.ID)
	if err != nil {
		t.Fatalf("SnapshotSharedState: %v", err)
	}
	if snap[st.ID] != "result-data" {
		t.Fatalf("expected shared state to carry the result, got %+v", snap)
	}
}

func TestFailSubTaskReassignsToAnotherParticipant(t *testing.T) {
	c, _ := newTestCoordinator(t)
	session, _ := c.CreateSwarm(context.Background(), "t", []string{"research"}, []string{"only"})
	st, _ := c.JoinSwarm(session.ID, "mercury")
	c.JoinSwarm(session.ID, "earth")

	reassigned, newAgent, err := c.FailSubTask(session.ID, st.ID, "crashed")
	if err != nil {
		t.Fatalf("FailSubTask: %v", err)
	}
	if !reassigned {
		t.Fatal("expected reassignment to succeed with another participant available")
	}
	if newAgent != "earth" {
		t.Fatalf("expected reassignment to earliest-joined other participant (earth), got %q", newAgent)
	}

	updated, _ := c.GetSwarm(session.ID)
	found, _ := findSubTask(updated, st.ID)
	if found.Status != SubTaskRunning || found.AssignedAgent != "earth" {
		t.Fatalf("expected sub-task running under earth, got %+v", found)
	}
}

func TestFailSubTaskFailsSwarmWithNoAlternative(t *testing.T) {
	c, _ := newTestCoordinator(t)
	session, _ := c.CreateSwarm(context.Background(), "t", []string{"research"}, []string{"only"})
	st, _ := c.JoinSwarm(session.ID, "mercury")

	reassigned, _, err := c.FailSubTask(session.ID, st.ID, "crashed")
	if err != nil {
		t.Fatalf("FailSubTask: %v", err)
	}
	if reassigned {
		t.Fatal("expected no reassignment with a single participant")
	}
	updated, _ := c.GetSwarm(session.ID)
	if updated.Status != StatusFailed {
		t.Fatalf("expected swarm to fail, got %s", updated.Status)
	}
}

func TestCompleteSubTaskEmitsSwarmEventAndDrivesCompletionMetric(t *testing.T) {
	reg := registry.New()
	for _, id := range []string{"sun", "mercury"} {
		c := &registry.Card{ID: id, Name: id, Tier: tier.L0, ProtocolVersion: "1.0"}
		if id != "sun" {
			c.Capabilities = []registry.Capability{{Name: "research"}}
		}
		reg.Register(c)
	}
	sink := observability.New()
	r := router.New(reg, tier.NewDefault(), router.NewSandboxAllowList(), sink, tier.DefaultTierMap())
	f := envelope.NewFactory("sun", string(tier.L0), "")
	c := New("sun", f, reg, r)

	var events []observability.Event
	unsub := sink.Subscribe(func(e observability.Event) {
		if e.Type == observability.EventSwarmEvent {
			events = append(events, e)
		}
	})
	defer unsub()

	session, _ := c.CreateSwarm(context.Background(), "t", []string{"research"}, []string{"only"})
	st, _ := c.JoinSwarm(session.ID, "mercury")
	if err := c.CompleteSubTask(session.ID, st.ID, "done"); err != nil {
		t.Fatalf("CompleteSubTask: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 swarm event, got %d", len(events))
	}
	if events[0].Success == nil || !*events[0].Success {
		t.Fatalf("expected success=true once the whole swarm completes, got %+v", events[0])
	}
}

func TestListActiveSwarmsExcludesTerminalSessions(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s1, _ := c.CreateSwarm(context.Background(), "one", []string{"research"}, []string{"x"})
	s2, _ := c.CreateSwarm(context.Background(), "two", []string{"research"}, []string{"y"})
	st, _ := c.JoinSwarm(s2.ID, "mercury")
	c.CompleteSubTask(s2.ID, st.ID, "done")

	active := c.ListActiveSwarms()
	if len(active) != 1 || active[0].ID != s1.ID {
		t.Fatalf("expected only %q to remain active, got %+v", s1.ID, active)
	}
}
