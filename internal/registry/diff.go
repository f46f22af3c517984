package registry

import (
	"reflect"
	"slices"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Diff describes what changed between two capability sets.
type Diff struct {
	Added   []protocol.Role
	Removed []protocol.Role
	Changed []protocol.Role
}

func (d Diff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Changed) > 0
}

func diff(old, next map[protocol.Role]protocol.Capability) Diff {
	var d Diff
	for role, c := range next {
		prev, ok := old[role]
		switch {
		case !ok:
			d.Added = append(d.Added, role)
		case !reflect.DeepEqual(prev, c):
			d.Changed = append(d.Changed, role)
		}
	}
	for role := range old {
		if _, ok := next[role]; !ok {
			d.Removed = append(d.Removed, role)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	slices.Sort(d.Changed)
	return d
}
