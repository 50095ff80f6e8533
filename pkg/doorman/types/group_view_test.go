package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func view(ids ...string) GroupView {
	members := map[string]Address{}
	for i, id := range ids {
		members[id] = Address{Address: "10.0.0.1", Port: 7000 + i}
	}
	return NewGroupView(members)
}

func TestGroupView_RingIsDescending(t *testing.T) {
	g := view("bbb", "aaa", "ccc")
	assert.Equal(t, []string{"ccc", "bbb", "aaa"}, g.Ring())
	assert.Equal(t, "ccc", g.Leader())
}

func TestGroupView_NeighborWrapsAround(t *testing.T) {
	g := view("aaa", "bbb", "ccc")
	assert.Equal(t, "bbb", g.Neighbor("ccc"))
	assert.Equal(t, "aaa", g.Neighbor("bbb"))
	assert.Equal(t, "ccc", g.Neighbor("aaa"))
}

func TestGroupView_NeighborAloneOrUnknown(t *testing.T) {
	assert.Equal(t, "", view("aaa").Neighbor("aaa"))
	assert.Equal(t, "", view("aaa", "bbb").Neighbor("zzz"))
	assert.Equal(t, "", EmptyGroupView().Neighbor("aaa"))
}

func TestGroupView_WithWithoutAreSnapshots(t *testing.T) {
	g := view("aaa")
	grown := g.With("bbb", Address{Address: "10.0.0.2", Port: 7100})

	assert.Equal(t, 1, g.Len())
	assert.Equal(t, 2, grown.Len())
	assert.False(t, g.Contains("bbb"))

	shrunk := grown.Without("aaa")
	assert.True(t, grown.Contains("aaa"))
	assert.False(t, shrunk.Contains("aaa"))
}

func TestGroupView_MembersIsACopy(t *testing.T) {
	g := view("aaa", "bbb")
	members := g.Members()
	delete(members, "aaa")
	assert.True(t, g.Contains("aaa"))
}

func TestGroupView_Equal(t *testing.T) {
	assert.True(t, view("aaa", "bbb").Equal(view("aaa", "bbb")))
	assert.False(t, view("aaa").Equal(view("aaa", "bbb")))

	moved := view("aaa").With("bbb", Address{Address: "10.0.0.9", Port: 9})
	assert.False(t, view("aaa", "bbb").Equal(moved))
}

func TestGroupView_Others(t *testing.T) {
	g := view("aaa", "bbb", "ccc")
	assert.Equal(t, []string{"ccc", "aaa"}, g.Others("bbb"))
}
