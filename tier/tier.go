// Package tier holds the static agent → tier map and the routing/escalation
// predicates that govern it.
package tier

// Tier is an agent's place in the L0-L3 hierarchy.
type Tier string

const (
	L0 Tier = "L0" // orchestrator
	L1 Tier = "L1" // strategic
	L2 Tier = "L2" // operational
	L3 Tier = "L3" // specialist
)

// Rule describes, for a source tier, which target tiers may be reached and
// whether reaching L0/L1 requires an escalation justification.
type Rule struct {
	Allowed    map[Tier]bool
	Escalation map[Tier]bool // subset of Allowed that requires justification
}

// DefaultRules are the rules the implementation MUST ship (§4.3). L1's rule
// is the "open question" in the design notes: by default L1 reaches only
// {L0, L1}; downward delegation to L2/L3 is a policy override, not
// hard-coded (see DESIGN.md).
func DefaultRules() map[Tier]Rule {
	return map[Tier]Rule{
		L0: {Allowed: set(L0, L1, L2, L3)},
		L1: {Allowed: set(L0, L1)},
		L2: {
			Allowed:    set(L0, L1, L2),
			Escalation: set(L0, L1),
		},
		L3: {Allowed: set(L2, L3)}, // L3 -> L0/L1 is denied, not escalated
	}
}

func set(tiers ...Tier) map[Tier]bool {
	m := make(map[Tier]bool, len(tiers))
	for _, t := range tiers {
		m[t] = true
	}
	return m
}

// DefaultTierMap is the fixed default tier assignment (§6): 21 named agents.
func DefaultTierMap() map[string]Tier {
	return map[string]Tier{
		"sun": L0,

		"mercury": L1,
		"earth":   L1,
		"jupiter": L1,

		"venus":  L2,
		"mars":   L2,
		"pluto":  L2,
		"saturn": L2,
		"titan":  L2,

		"enceladus": L3,
		"ganymede":  L3,
		"neptune":   L3,
		"charon":    L3,
		"uranus":    L3,
		"europa":    L3,
		"mimas":     L3,
		"io":        L3,
		"triton":    L3,
		"callisto":  L3,
		"atlas":     L3,
		"andromeda": L3,
	}
}

// Policy evaluates routing and escalation predicates against a rule table.
// The zero value is not usable; construct with New or NewDefault.
type Policy struct {
	rules map[Tier]Rule
}

// New builds a Policy from a caller-supplied rule table, allowing the default
// rules to be overridden at construction per §4.3.
func New(rules map[Tier]Rule) *Policy {
	return &Policy{rules: rules}
}

// NewDefault builds a Policy using DefaultRules.
func NewDefault() *Policy {
	return New(DefaultRules())
}

// CanRoute reports whether src may address tgt under the configured rules.
func (p *Policy) CanRoute(src, tgt Tier) bool {
	rule, ok := p.rules[src]
	if !ok {
		return false
	}
	return rule.Allowed[tgt]
}

// RequiresEscalation reports whether src addressing tgt needs an escalation
// justification attached to the envelope (only L2 -> L0/L1 by default).
func (p *Policy) RequiresEscalation(src, tgt Tier) bool {
	rule, ok := p.rules[src]
	if !ok {
		return false
	}
	return rule.Escalation[tgt]
}
