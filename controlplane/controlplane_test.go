package controlplane

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/escalation"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/router"
	"github.com/lattice-agents/fabric/swarm"
	"github.com/lattice-agents/fabric/tier"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	reg.Register(&registry.Card{ID: "sun", Name: "Sun", Tier: tier.L0, ProtocolVersion: "1.0"})
	sink := observability.New()
	r := router.New(reg, tier.NewDefault(), router.NewSandboxAllowList(), sink, tier.DefaultTierMap())
	f := envelope.NewFactory("sun", string(tier.L0), "")
	sc := swarm.New("sun", f, reg, r)
	return New(":0", reg, sc, sink, escalation.NewService())
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestListAgents(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/agents", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	var out struct {
		Agents []struct{ ID string } `json:"agents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Agents) != 1 || out.Agents[0].ID != "sun" {
		t.Fatalf("expected 1 agent 'sun', got %+v", out.Agents)
	}
}

func TestListSwarmsWhenNoneExist(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/swarms/", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	var out struct {
		Active []any `json:"active"`
	}
	json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Active) != 0 {
		t.Fatalf("expected no active swarms, got %+v", out.Active)
	}
}

func TestSwarmNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/swarms/ghost", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
