package journal

import (
	"sort"
	"strings"
)

// Top is the capability that allows everything.
const Top = "*"

// CapSet is the capability frontier. The zero value is empty; Full is top.
type CapSet struct {
	top  bool
	caps map[string]struct{}
}

func Full() CapSet { return CapSet{top: true} }

func NewCapSet(caps ...string) CapSet {
	c := CapSet{caps: map[string]struct{}{}}
	for _, x := range caps {
		if x == Top {
			return Full()
		}
		c.caps[x] = struct{}{}
	}
	return c
}

func (c CapSet) IsTop() bool   { return c.top }
func (c CapSet) IsEmpty() bool { return !c.top && len(c.caps) == 0 }

// Allows reports whether cap is in the frontier directly or through a
// "category:*" entry.
func (c CapSet) Allows(cap string) bool {
	if c.top {
		return true
	}
	if _, ok := c.caps[cap]; ok {
		return true
	}
	if i := strings.IndexByte(cap, ':'); i > 0 {
		_, ok := c.caps[cap[:i]+":*"]
		return ok
	}
	return false
}

// Meet is the greatest lower bound: the intersection, with top as identity.
func (c CapSet) Meet(o CapSet) CapSet {
	switch {
	case c.top:
		return o.clone()
	case o.top:
		return c.clone()
	}
	out := CapSet{caps: map[string]struct{}{}}
	for x := range c.caps {
		if o.Allows(x) {
			out.caps[x] = struct{}{}
		}
	}
	for x := range o.caps {
		if c.Allows(x) {
			out.caps[x] = struct{}{}
		}
	}
	return out
}

func (c CapSet) clone() CapSet {
	if c.top {
		return Full()
	}
	out := CapSet{caps: make(map[string]struct{}, len(c.caps))}
	for x := range c.caps {
		out.caps[x] = struct{}{}
	}
	return out
}

// List returns the sorted entries; top lists as "*".
func (c CapSet) List() []string {
	if c.top {
		return []string{Top}
	}
	out := make([]string, 0, len(c.caps))
	for x := range c.caps {
		out = append(out, x)
	}
	sort.Strings(out)
	return out
}

func (c CapSet) Equal(o CapSet) bool {
	a, b := c.List(), o.List()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
