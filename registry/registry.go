// Package registry stores Agent Cards — the public descriptors that
// advertise each agent's identity, tier, endpoints, and capabilities — and
// exposes lookups by id, capability, and tier.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lattice-agents/fabric/tier"
)

// Origin distinguishes cards learned locally from ones ingested via discovery.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// TransportKind names an endpoint's transport.
type TransportKind string

const (
	TransportLocal       TransportKind = "local"
	TransportRemoteStream TransportKind = "remote-stream"
	TransportWebsocket   TransportKind = "websocket"
)

// Endpoint is one transport descriptor in an Agent Card's endpoint list.
type Endpoint struct {
	Transport TransportKind `json:"transport"`
	Address   string        `json:"address,omitempty"`
}

// Capability describes a named unit of functionality an agent exposes.
// Identity within an agent is the Name alone.
type Capability struct {
	Name         string         `json:"name"`
	Version      string         `json:"version,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
}

// Card is the public descriptor of an agent.
type Card struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Tier            tier.Tier    `json:"tier"`
	ProtocolVersion string       `json:"protocolVersion"`
	Endpoints       []Endpoint   `json:"endpoints"`
	Capabilities    []Capability `json:"capabilities"`
	Revision        int          `json:"revision"`
	Origin          Origin       `json:"origin"`
	SandboxID       string       `json:"sandboxId,omitempty"`
	LastSeenAt      int64        `json:"lastSeenAt"`
}

// wireCard mirrors the §6 Agent Card JSON transmission format.
type wireCard struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Tier         tier.Tier    `json:"tier"`
	Protocols    []string     `json:"protocols"`
	Endpoints    []Endpoint   `json:"endpoints"`
	Capabilities []Capability `json:"capabilities"`
	Revision     int          `json:"revision"`
	SandboxID    string       `json:"sandboxId,omitempty"`
	Origin       Origin       `json:"origin"`
	LastSeenAt   int64        `json:"lastSeenAt"`
}

// Serialize renders a card in its §6 wire form.
func Serialize(c *Card) ([]byte, error) {
	w := wireCard{
		ID:           c.ID,
		Name:         c.Name,
		Version:      c.ProtocolVersion,
		Tier:         c.Tier,
		Protocols:    []string{string(c.Tier)},
		Endpoints:    c.Endpoints,
		Capabilities: c.Capabilities,
		Revision:     c.Revision,
		SandboxID:    c.SandboxID,
		Origin:       c.Origin,
		LastSeenAt:   c.LastSeenAt,
	}
	return json.Marshal(w)
}

// Deserialize parses a card's §6 wire form.
func Deserialize(data []byte) (*Card, error) {
	var w wireCard
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("registry: decode card: %w", err)
	}
	return &Card{
		ID:              w.ID,
		Name:            w.Name,
		Tier:            w.Tier,
		ProtocolVersion: w.Version,
		Endpoints:       w.Endpoints,
		Capabilities:    w.Capabilities,
		Revision:        w.Revision,
		Origin:          w.Origin,
		SandboxID:       w.SandboxID,
		LastSeenAt:      w.LastSeenAt,
	}, nil
}

// Discovery is the external peer-discovery collaborator (§6), consumed, not
// implemented here.
type Discovery interface {
	Announce(topic string, card *Card) (Subscription, error)
	Discover(topic string) (<-chan *Card, error)
	Destroy() error
}

// Subscription is a handle returned by Discovery.Announce.
type Subscription interface {
	Close() error
}

var validTiers = map[tier.Tier]bool{tier.L0: true, tier.L1: true, tier.L2: true, tier.L3: true}

// Registry is the exclusive owner of Agent Cards; all other components
// consult it by handle rather than holding their own copies.
type Registry struct {
	mu    sync.RWMutex
	cards map[string]*Card

	discoveryMu  sync.Mutex
	discovery    Discovery
	discoverSub  Subscription
	discoverTopic string
	stopDiscover chan struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{cards: make(map[string]*Card)}
}

// RegisterResult reports the before/after revision of a register call so
// callers (and tests) can observe the monotonicity invariant (I2) directly.
type RegisterResult struct {
	OldRevision int
	NewRevision int
	WasNew      bool
}

// Register validates and stores a card. If id is new it is stored with its
// own revision; if id exists, the stored revision becomes
// max(existing, new)+1 and mutable fields are overwritten, preserving origin
// unless merged via the remote path (mergeAsRemote).
func (r *Registry) Register(card *Card) (RegisterResult, error) {
	return r.register(card, false)
}

// MergeRemoteCard is identical to Register but forces origin = remote.
func (r *Registry) MergeRemoteCard(card *Card) (RegisterResult, error) {
	return r.register(card, true)
}

func (r *Registry) register(card *Card, forceRemote bool) (RegisterResult, error) {
	if card.ID == "" {
		return RegisterResult{}, fmt.Errorf("registry: card id is required")
	}
	if !validTiers[card.Tier] {
		return RegisterResult{}, fmt.Errorf("registry: card %q has invalid tier %q", card.ID, card.Tier)
	}
	if card.Revision < 0 {
		return RegisterResult{}, fmt.Errorf("registry: card %q has negative revision", card.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *card
	if stored.LastSeenAt == 0 {
		stored.LastSeenAt = time.Now().UnixNano()
	}

	existing, ok := r.cards[card.ID]
	result := RegisterResult{NewRevision: card.Revision, WasNew: !ok}
	if !ok {
		if forceRemote {
			stored.Origin = OriginRemote
		} else if stored.Origin == "" {
			stored.Origin = OriginLocal
		}
		r.cards[card.ID] = &stored
		return result, nil
	}

	result.OldRevision = existing.Revision
	next := existing.Revision
	if card.Revision > next {
		next = card.Revision
	}
	next++
	stored.Revision = next
	if forceRemote {
		stored.Origin = OriginRemote
	} else {
		stored.Origin = existing.Origin
	}
	result.NewRevision = next
	r.cards[card.ID] = &stored
	return result, nil
}

// Unregister removes a card, reporting whether something was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cards[id]; !ok {
		return false
	}
	delete(r.cards, id)
	return true
}

// GetByID looks up a card by id.
func (r *Registry) GetByID(id string) (*Card, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cards[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// FindByCapability returns every card advertising the given capability name.
func (r *Registry) FindByCapability(name string) []*Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Card
	for _, id := range r.sortedIDs() {
		c := r.cards[id]
		for _, cap := range c.Capabilities {
			if cap.Name == name {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	return out
}

// FindByTier returns every card at the given tier.
func (r *Registry) FindByTier(t tier.Tier) []*Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Card
	for _, id := range r.sortedIDs() {
		c := r.cards[id]
		if c.Tier == t {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// ListAll returns every registered card, sorted by id (not by insertion order).
func (r *Registry) ListAll() []*Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Card, 0, len(r.cards))
	for _, id := range r.sortedIDs() {
		cp := *r.cards[id]
		out = append(out, &cp)
	}
	return out
}

// LocalCards returns every card with origin = local.
func (r *Registry) LocalCards() []*Card {
	return r.filterOrigin(OriginLocal)
}

// RemoteCards returns every card with origin = remote.
func (r *Registry) RemoteCards() []*Card {
	return r.filterOrigin(OriginRemote)
}

func (r *Registry) filterOrigin(o Origin) []*Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Card
	for _, id := range r.sortedIDs() {
		c := r.cards[id]
		if c.Origin == o {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// sortedIDs returns card ids sorted, giving every iteration a stable,
// deterministic order (the map itself carries no ordering guarantee).
func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.cards))
	for id := range r.cards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnableDiscovery wires a Discovery collaborator and starts ingesting peer
// cards as they arrive under the given topic, feeding each through
// MergeRemoteCard.
func (r *Registry) EnableDiscovery(d Discovery, topic string) error {
	r.discoveryMu.Lock()
	defer r.discoveryMu.Unlock()
	if r.discovery != nil {
		return fmt.Errorf("registry: discovery already enabled")
	}
	cards, err := d.Discover(topic)
	if err != nil {
		return fmt.Errorf("registry: enable discovery: %w", err)
	}
	r.discovery = d
	r.discoverTopic = topic
	r.stopDiscover = make(chan struct{})
	stop := r.stopDiscover
	go func() {
		for {
			select {
			case c, ok := <-cards:
				if !ok {
					return
				}
				_, _ = r.MergeRemoteCard(c)
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// DisableDiscovery tears down the Discovery collaborator.
func (r *Registry) DisableDiscovery() error {
	r.discoveryMu.Lock()
	defer r.discoveryMu.Unlock()
	if r.discovery == nil {
		return nil
	}
	close(r.stopDiscover)
	err := r.discovery.Destroy()
	r.discovery = nil
	r.discoverTopic = ""
	r.stopDiscover = nil
	return err
}

// DiscoverRemoteCards actively pulls from Discovery once and reports the
// number of peer cards learned (merged) as a result. It drains whatever is
// currently buffered on the discovery channel and returns; it never blocks
// waiting for a future announcement, since nothing but the whole hub's
// Destroy guarantees that channel ever closes on its own.
func (r *Registry) DiscoverRemoteCards(topic string) (int, error) {
	r.discoveryMu.Lock()
	d := r.discovery
	r.discoveryMu.Unlock()
	if d == nil {
		return 0, fmt.Errorf("registry: discovery not enabled")
	}
	cards, err := d.Discover(topic)
	if err != nil {
		return 0, fmt.Errorf("registry: discover remote cards: %w", err)
	}
	return r.drainCards(cards), nil
}

// RefreshDiscovery is the no-op-when-unconfigured form of DiscoverRemoteCards
// used by callers (the router's not-found fallback) that run on every
// lookup miss and must not error just because no Discovery was ever wired.
func (r *Registry) RefreshDiscovery() int {
	r.discoveryMu.Lock()
	d := r.discovery
	topic := r.discoverTopic
	r.discoveryMu.Unlock()
	if d == nil {
		return 0
	}
	cards, err := d.Discover(topic)
	if err != nil {
		return 0
	}
	return r.drainCards(cards)
}

// drainCards merges every card currently buffered on ch without blocking.
func (r *Registry) drainCards(ch <-chan *Card) int {
	count := 0
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return count
			}
			if _, err := r.MergeRemoteCard(c); err == nil {
				count++
			}
		default:
			return count
		}
	}
}
