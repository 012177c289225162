// Package config loads the fabric's static topology — agent card seeds,
// tier overrides, and sandbox allow-list grants — from a YAML document.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/tier"
)

// EnvVar is the environment variable naming the topology file, mirroring the
// reference framework's own CHRONOS_CONFIG convention.
const EnvVar = "FABRIC_CONFIG"

// AgentSeed is one statically-configured agent entry in the topology file.
type AgentSeed struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Tier         string              `yaml:"tier"`
	SandboxID    string              `yaml:"sandbox_id,omitempty"`
	Capabilities []CapabilitySeed    `yaml:"capabilities,omitempty"`
	Endpoints    []EndpointSeed      `yaml:"endpoints,omitempty"`
}

// CapabilitySeed mirrors registry.Capability in YAML form.
type CapabilitySeed struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// EndpointSeed mirrors registry.Endpoint in YAML form.
type EndpointSeed struct {
	Transport string `yaml:"transport"`
	Address   string `yaml:"address,omitempty"`
}

// SandboxGrant permits one sandbox id to reach another.
type SandboxGrant struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Topology is the parsed form of a fabric topology file.
type Topology struct {
	Agents        []AgentSeed            `yaml:"agents"`
	TierOverrides map[string]string      `yaml:"tier_overrides,omitempty"`
	SandboxGrants []SandboxGrant         `yaml:"sandbox_allow_list,omitempty"`
}

// LoadFile parses a topology YAML file. If path is empty, it falls back to
// the FABRIC_CONFIG environment variable; if that is also unset, it returns
// an empty Topology rather than an error, so a fabric can start with no
// static seeds.
func LoadFile(path string) (*Topology, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return &Topology{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &t, nil
}

// Cards converts every seed into a registry.Card ready for Register.
func (t *Topology) Cards() ([]*registry.Card, error) {
	out := make([]*registry.Card, 0, len(t.Agents))
	for _, seed := range t.Agents {
		if !validTier(seed.Tier) {
			return nil, fmt.Errorf("config: agent %q has invalid tier %q", seed.ID, seed.Tier)
		}
		card := &registry.Card{
			ID:        seed.ID,
			Name:      seed.Name,
			Tier:      tier.Tier(seed.Tier),
			SandboxID: seed.SandboxID,
			Origin:    registry.OriginLocal,
		}
		for _, c := range seed.Capabilities {
			card.Capabilities = append(card.Capabilities, registry.Capability{
				Name:        c.Name,
				Version:     c.Version,
				Description: c.Description,
				Tags:        c.Tags,
			})
		}
		for _, e := range seed.Endpoints {
			card.Endpoints = append(card.Endpoints, registry.Endpoint{
				Transport: registry.TransportKind(e.Transport),
				Address:   e.Address,
			})
		}
		out = append(out, card)
	}
	return out, nil
}

// TierOverrideMap converts the YAML string-keyed overrides into tier.Tier values.
func (t *Topology) TierOverrideMap() (map[string]tier.Tier, error) {
	out := make(map[string]tier.Tier, len(t.TierOverrides))
	for agentID, tierStr := range t.TierOverrides {
		if !validTier(tierStr) {
			return nil, fmt.Errorf("config: tier override for %q has invalid tier %q", agentID, tierStr)
		}
		out[agentID] = tier.Tier(tierStr)
	}
	return out, nil
}

func validTier(t string) bool {
	switch tier.Tier(t) {
	case tier.L0, tier.L1, tier.L2, tier.L3:
		return true
	default:
		return false
	}
}
