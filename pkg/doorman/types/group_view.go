package types

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// GroupView is an immutable snapshot of the authoritative membership
// at one replica. Mutation always produces a fresh snapshot, so the
// coordinator and the multicast engine never alias the same map.
type GroupView struct {
	members map[string]Address
}

func NewGroupView(members map[string]Address) GroupView {
	copied := make(map[string]Address, len(members))
	for id, addr := range members {
		copied[id] = addr
	}
	return GroupView{members: copied}
}

func EmptyGroupView() GroupView {
	return GroupView{members: map[string]Address{}}
}

func (g GroupView) Len() int {
	return len(g.members)
}

func (g GroupView) Contains(id string) bool {
	_, ok := g.members[id]
	return ok
}

func (g GroupView) Addr(id string) (Address, bool) {
	addr, ok := g.members[id]
	return addr, ok
}

// Ring returns the member ids in ring order: sorted descending, so the
// leader (the maximal uuid) is always the first element.
func (g GroupView) Ring() []string {
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids
}

// Leader is the ring-maximal member, or "" on an empty view.
func (g GroupView) Leader() string {
	ring := g.Ring()
	if len(ring) == 0 {
		return ""
	}
	return ring[0]
}

// Neighbor is the successor of id on the cyclic ring, used as the
// election target. Returns "" when id is absent or alone.
func (g GroupView) Neighbor(id string) string {
	ring := g.Ring()
	for i, member := range ring {
		if member == id {
			next := ring[(i+1)%len(ring)]
			if next == id {
				return ""
			}
			return next
		}
	}
	return ""
}

// With returns a snapshot extended by one member.
func (g GroupView) With(id string, addr Address) GroupView {
	next := NewGroupView(g.members)
	next.members[id] = addr
	return next
}

// Without returns a snapshot with one member removed.
func (g GroupView) Without(id string) GroupView {
	next := NewGroupView(g.members)
	delete(next.members, id)
	return next
}

// Members exposes a copy of the underlying mapping, for wire payloads.
func (g GroupView) Members() map[string]Address {
	copied := make(map[string]Address, len(g.members))
	for id, addr := range g.members {
		copied[id] = addr
	}
	return copied
}

// IDs returns the membership as a set, for coverage tests against
// proposal collections and Byzantine tallies.
func (g GroupView) IDs() mapset.Set[string] {
	ids := mapset.NewThreadUnsafeSet[string]()
	for id := range g.members {
		ids.Add(id)
	}
	return ids
}

// Others lists every member except the given one, in ring order.
func (g GroupView) Others(self string) []string {
	var others []string
	for _, id := range g.Ring() {
		if id != self {
			others = append(others, id)
		}
	}
	return others
}

// Equal reports whether two snapshots contain the same endpoints, used
// to make redundant view distributions a no-op.
func (g GroupView) Equal(other GroupView) bool {
	if len(g.members) != len(other.members) {
		return false
	}
	for id, addr := range g.members {
		if got, ok := other.members[id]; !ok || got != addr {
			return false
		}
	}
	return true
}
