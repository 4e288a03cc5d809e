// Package choreo runs ceremonies: declared choreographies of typed messages
// between roles, sent over the guarded transport, with per-ceremony phase
// machines that advance only on witnesses built from the event log.
package choreo

import (
	"sort"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/types"
)

// Role names a party in a choreography.
type Role string

// RoleMap binds every role of a session to an authority.
type RoleMap map[Role]types.AuthorityID

// RoleOf returns the role a is bound to.
func (m RoleMap) RoleOf(a types.AuthorityID) (Role, bool) {
	for _, r := range m.Roles() {
		if m[r] == a {
			return r, true
		}
	}
	return "", false
}

// Roles returns the bound roles in name order.
func (m RoleMap) Roles() []Role {
	out := make([]Role, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Family returns the roles whose name starts with prefix, e.g. every
// "participant/N" role.
func (m RoleMap) Family(prefix Role) []Role {
	var out []Role
	for _, r := range m.Roles() {
		if len(r) >= len(prefix) && r[:len(prefix)] == prefix {
			out = append(out, r)
		}
	}
	return out
}

// MessageSpec declares one message of a choreography. Capability is the
// guard operation the send is authorized under.
type MessageSpec struct {
	Type       string
	From       Role
	To         Role
	Capability string
	FlowCost   uint64
}

// Choreography is a named set of roles and the messages they exchange.
// A role ending in "/" is a family: any bound role with that prefix plays it.
type Choreography struct {
	Protocol string
	Roles    []Role
	Messages []MessageSpec
}

func (c Choreography) Message(typ string) (MessageSpec, bool) {
	for _, m := range c.Messages {
		if m.Type == typ {
			return m, true
		}
	}
	return MessageSpec{}, false
}

func isFamily(r Role) bool { return len(r) > 0 && r[len(r)-1] == '/' }

// plays reports whether bound role r fills declared role d.
func plays(r, d Role) bool {
	if isFamily(d) {
		return len(r) > len(d) && r[:len(d)] == d
	}
	return r == d
}

// Bind checks that roles covers every declared role.
func (c Choreography) Bind(roles RoleMap) error {
	const op = "choreo.bind"
	for _, d := range c.Roles {
		if isFamily(d) {
			if len(roles.Family(d)) == 0 {
				return auraerr.Errorf(auraerr.KindChoreography, op, "empty role family %q", d).WithField("protocol", c.Protocol)
			}
			continue
		}
		if _, ok := roles[d]; !ok {
			return auraerr.Errorf(auraerr.KindChoreography, op, "role %q not bound", d).WithField("protocol", c.Protocol)
		}
	}
	for r := range roles {
		declared := false
		for _, d := range c.Roles {
			if plays(r, d) {
				declared = true
				break
			}
		}
		if !declared {
			return auraerr.Errorf(auraerr.KindChoreography, op, "role %q not found in %s", r, c.Protocol)
		}
	}
	return nil
}

// permits reports whether a message of spec m may flow from role `from` to
// role `to`.
func (m MessageSpec) permits(from, to Role) bool {
	return plays(from, m.From) && plays(to, m.To)
}
