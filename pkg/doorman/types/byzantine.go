package types

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// RoundState is the lifecycle of one Byzantine agreement round.
type RoundState uint8

const (
	RoundStarted RoundState = iota
	RoundFinished
	RoundAborted
)

func (s RoundState) String() string {
	switch s {
	case RoundStarted:
		return "STARTED"
	case RoundFinished:
		return "FINISHED"
	case RoundAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// byzantineNode is one entry of the information gathering tree. The
// path of an OM message, leaf first, addresses the node; children are
// keyed by the first uuid of their own path.
type byzantineNode struct {
	path     []string
	value    int
	children map[string]*byzantineNode
}

// ByzantineTree collects the values relayed during one OM(f) round at
// a member. The tree has depth f+1 and a fixed node count, so fullness
// is a plain counter comparison.
type ByzantineTree struct {
	n      int
	height int
	head   *byzantineNode
	len    int
	max    int
}

// NewByzantineTree sizes the tree for a group of n members. The
// expected node count is 1 + sum_{i=1..f} prod_{j=1..i}(n-1-j).
func NewByzantineTree(n int) *ByzantineTree {
	height := (n-1)/3 + 1
	max, prev := 1, 1
	for i := 1; i < height; i++ {
		prev *= n - 1 - i
		max += prev
	}
	return &ByzantineTree{n: n, height: height, max: max}
}

// Height is the depth of the recursion, f+1.
func (t *ByzantineTree) Height() int {
	return t.height
}

// Push records one relayed value under the path it traveled. The first
// push becomes the root (the leader's own message); every later path
// descends along its suffix.
func (t *ByzantineTree) Push(path []string, value int) {
	t.len++
	node := &byzantineNode{
		path:     append([]string(nil), path...),
		value:    value,
		children: map[string]*byzantineNode{},
	}
	if t.head == nil {
		t.head = node
		return
	}

	current := t.head
	for i := len(path) - 2; i >= 0; i-- {
		child, ok := current.children[path[i]]
		if !ok {
			break
		}
		current = child
	}
	current.children[path[0]] = node
}

// IsFull reports whether every expected relay arrived.
func (t *ByzantineTree) IsFull() bool {
	return t.len == t.max
}

// Decide reduces the tree to the member's vote: the plurality over the
// per-level pluralities, computed leaves first.
func (t *ByzantineTree) Decide() int {
	counter := map[int]int{}
	for i := t.height - 1; i >= 0; i-- {
		counter[t.pluralityForLevel(t.head, i)]++
	}
	return plurality(counter)
}

func (t *ByzantineTree) pluralityForLevel(node *byzantineNode, level int) int {
	if level == 0 {
		return node.value
	}
	counter := map[int]int{node.value: 1}
	for _, child := range node.children {
		counter[t.pluralityForLevel(child, level-1)]++
	}
	return plurality(counter)
}

// plurality picks the most common value; ties break toward the
// smaller value so every honest member decides the same way.
func plurality(counter map[int]int) int {
	best, bestCount, seen := 0, -1, false
	for value, count := range counter {
		if count > bestCount || (count == bestCount && value < best) {
			best, bestCount, seen = value, count, true
		}
	}
	if !seen {
		return 0
	}
	return best
}

// LeaderRound is the leader side cache of one OM round: who answered
// and what they decided.
type LeaderRound struct {
	ID         string
	Responders mapset.Set[string]
	Tally      map[int]int
}

func NewLeaderRound(id string) *LeaderRound {
	return &LeaderRound{
		ID:         id,
		Responders: mapset.NewThreadUnsafeSet[string](),
		Tally:      map[int]int{},
	}
}

// Record one member decision. Duplicate responders keep their first
// answer.
func (r *LeaderRound) Record(from string, result int) {
	if r.Responders.Contains(from) {
		return
	}
	r.Responders.Add(from)
	r.Tally[result]++
}

// Covered reports whether every expected member answered.
func (r *LeaderRound) Covered(expected mapset.Set[string]) bool {
	return expected.Difference(r.Responders).Cardinality() == 0
}

// Decision is the plurality over the member votes.
func (r *LeaderRound) Decision() int {
	return plurality(r.Tally)
}

// MemberRound is the member side cache of one OM round.
type MemberRound struct {
	ID   string
	Tree *ByzantineTree
}

func NewMemberRound(id string, groupSize int) *MemberRound {
	return &MemberRound{ID: id, Tree: NewByzantineTree(groupSize)}
}
