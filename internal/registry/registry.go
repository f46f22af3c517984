package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Registry is the router's view of which agent serves which role and what
// each one can do. The set is replaced as a whole on refresh.
type Registry struct {
	mu   sync.RWMutex
	caps map[protocol.Role]protocol.Capability
}

func New(caps ...protocol.Capability) (*Registry, error) {
	r := &Registry{caps: map[protocol.Role]protocol.Capability{}}
	if _, err := r.Replace(caps); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps in a new capability set and reports what changed. An
// invalid set leaves the current one untouched.
func (r *Registry) Replace(caps []protocol.Capability) (Diff, error) {
	next, err := index(caps)
	if err != nil {
		return Diff{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := diff(r.caps, next)
	r.caps = next
	return d, nil
}

func index(caps []protocol.Capability) (map[protocol.Role]protocol.Capability, error) {
	out := make(map[protocol.Role]protocol.Capability, len(caps))
	for _, c := range caps {
		if c.Role == "" {
			return nil, fmt.Errorf("capability without role")
		}
		if c.Address == "" {
			return nil, fmt.Errorf("capability %s has no address", c.Role)
		}
		if _, dup := out[c.Role]; dup {
			return nil, fmt.Errorf("duplicate capability for role %s", c.Role)
		}
		out[c.Role] = c
	}
	return out, nil
}

func (r *Registry) Lookup(role protocol.Role) (protocol.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[role]
	return c, ok
}

// List returns the capabilities sorted by role.
func (r *Registry) List() []protocol.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b protocol.Capability) int {
		return strings.Compare(string(a.Role), string(b.Role))
	})
	return out
}

func (r *Registry) Address(role protocol.Role) (string, bool) {
	c, ok := r.Lookup(role)
	return c.Address, ok
}

func (r *Registry) Tool(role protocol.Role, tool string) (protocol.ToolSpec, bool) {
	c, ok := r.Lookup(role)
	if !ok {
		return protocol.ToolSpec{}, false
	}
	return c.Tool(tool)
}

func (r *Registry) SupportsInstruction(role protocol.Role, instruction string) bool {
	c, ok := r.Lookup(role)
	return ok && c.HasInstruction(instruction)
}

// Describe renders the capability set as plain text for prompts.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, c := range r.List() {
		fmt.Fprintf(&b, "role %q", c.Role)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
		for _, t := range c.Tools {
			fmt.Fprintf(&b, "  tool %s(", t.Name)
			for i, p := range t.Params {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(p.Name + " " + p.Type)
				if !p.Required {
					b.WriteString("?")
				}
			}
			b.WriteString(")")
			if t.Description != "" {
				b.WriteString(" - " + t.Description)
			}
			b.WriteString("\n")
		}
		for _, in := range c.Instructions {
			fmt.Fprintf(&b, "  instruction %s\n", in)
		}
	}
	return b.String()
}
