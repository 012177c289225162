package discovery

import (
	"testing"
	"time"

	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/tier"
)

func TestDiscoverReceivesSubsequentAnnounce(t *testing.T) {
	h := NewLocal()
	ch, err := h.Discover("agents")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	card := &registry.Card{ID: "mercury", Tier: tier.L1}
	if _, err := h.Announce("agents", card); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != "mercury" {
			t.Fatalf("expected card 'mercury', got %q", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announced card")
	}
}

func TestAnnounceOnDifferentTopicIsNotReceived(t *testing.T) {
	h := NewLocal()
	ch, _ := h.Discover("agents")
	h.Announce("other-topic", &registry.Card{ID: "mercury"})

	select {
	case card := <-ch:
		t.Fatalf("expected no delivery across topics, got %+v", card)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceiveAnnounce(t *testing.T) {
	h := NewLocal()
	ch1, _ := h.Discover("agents")
	ch2, _ := h.Discover("agents")
	h.Announce("agents", &registry.Card{ID: "earth"})

	for _, ch := range []<-chan *registry.Card{ch1, ch2} {
		select {
		case got := <-ch:
			if got.ID != "earth" {
				t.Fatalf("expected 'earth', got %q", got.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestDestroyClosesAllSubscriptions(t *testing.T) {
	h := NewLocal()
	ch, _ := h.Discover("agents")
	if err := h.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected subscription channel to be closed by Destroy")
	}
}
