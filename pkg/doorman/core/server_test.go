package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

type sent struct {
	message types.Message
	to      types.Address
}

type fakeBroadcast struct {
	messages []types.Message
	inbox    chan Datagram
}

func newFakeBroadcast() *fakeBroadcast {
	return &fakeBroadcast{inbox: make(chan Datagram, 64)}
}

func (f *fakeBroadcast) Send(message types.Message) error {
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeBroadcast) Listen() <-chan Datagram { return f.inbox }
func (f *fakeBroadcast) Close() error            { return nil }

type fakeTCP struct {
	messages []sent
	refuse   map[int]bool
	inbox    chan Datagram
	addr     types.Address
}

func newFakeTCP() *fakeTCP {
	return &fakeTCP{
		refuse: map[int]bool{},
		inbox:  make(chan Datagram, 64),
		addr:   types.Address{Address: "10.1.0.1", Port: 7999},
	}
}

func (f *fakeTCP) Send(message types.Message, to types.Address) bool {
	if f.refuse[to.Port] {
		return false
	}
	f.messages = append(f.messages, sent{message: message, to: to})
	return true
}

func (f *fakeTCP) Listen() <-chan Datagram { return f.inbox }
func (f *fakeTCP) Addr() types.Address     { return f.addr }
func (f *fakeTCP) Close() error            { return nil }

func (f *fakeTCP) byIntention(intention types.Intention) []sent {
	var out []sent
	for _, s := range f.messages {
		if s.message.Intention == intention {
			out = append(out, s)
		}
	}
	return out
}

// testServer builds a coordinator whose dispatcher never runs, so
// the test goroutine owns the state and drives handlers directly.
func testServer(t *testing.T) (*Server, *fakeBroadcast, *fakeTCP) {
	broadcast := newFakeBroadcast()
	tcp := newFakeTCP()
	server := NewServerWithTransports(romConfig("unit"), broadcast, tcp, newMemBus().conn("unit"))
	t.Cleanup(func() { server.rom.Stop() })
	return server, broadcast, tcp
}

func memberAddr(port int) types.Address {
	return types.Address{Address: "10.1.0.2", Port: port}
}

func TestServer_HeartbeatStrikesEvict(t *testing.T) {
	server, _, _ := testServer(t)
	server.role = types.Leader
	server.leader = server.uuid
	server.view = types.EmptyGroupView().
		With(server.uuid, server.tcp.Addr()).
		With("member-1", memberAddr(7001))
	server.heartbeats["member-1"] = &beat{last: time.Now().Add(-time.Hour)}

	server.onCheckTick()
	assert.True(t, server.view.Contains("member-1"), "one strike must not evict")

	server.onCheckTick()
	assert.False(t, server.view.Contains("member-1"))
	assert.NotContains(t, server.heartbeats, "member-1")
}

func TestServer_HeartbeatRefreshClearsStrikes(t *testing.T) {
	server, _, _ := testServer(t)
	server.role = types.Leader
	server.view = types.EmptyGroupView().
		With(server.uuid, server.tcp.Addr()).
		With("member-1", memberAddr(7001))
	server.heartbeats["member-1"] = &beat{last: time.Now().Add(-time.Hour), strikes: 1}

	server.onHeartbeat(types.Message{
		Intention: types.Heartbeat,
		UUID:      "member-1",
		Address:   "10.1.0.2",
		Port:      7001,
	})
	assert.Zero(t, server.heartbeats["member-1"].strikes)

	server.onCheckTick()
	assert.True(t, server.view.Contains("member-1"))
}

func TestServer_NonLeaderRedirectsHeartbeat(t *testing.T) {
	server, _, tcp := testServer(t)
	server.role = types.Member

	server.onHeartbeat(types.Message{
		Intention: types.Heartbeat,
		UUID:      "member-1",
		Address:   "10.1.0.2",
		Port:      7001,
	})

	redirects := tcp.byIntention(types.NotLeader)
	require.Len(t, redirects, 1)
	assert.Equal(t, memberAddr(7001), redirects[0].to)
}

func TestServer_RegisterAnswersWithAcceptAndView(t *testing.T) {
	server, _, tcp := testServer(t)
	server.role = types.Leader
	server.leader = server.uuid
	server.view = types.EmptyGroupView().With(server.uuid, server.tcp.Addr())
	server.entries = 7

	server.registerServer(types.Message{
		Intention: types.IdentServer,
		UUID:      "aaa-joiner",
		Address:   "10.1.0.2",
		Port:      7001,
	})

	accepts := tcp.byIntention(types.AcceptServer)
	require.Len(t, accepts, 1)
	accept := accepts[0].message
	assert.Equal(t, server.uuid, accept.Leader)
	assert.Equal(t, 7, accept.Entries)
	assert.Contains(t, accept.GroupView, "aaa-joiner")
	assert.Contains(t, accept.RNumbers, server.uuid)
	assert.Contains(t, server.heartbeats, "aaa-joiner")
}

func TestServer_RegisterDuringElectionSaysTryAgain(t *testing.T) {
	server, _, tcp := testServer(t)
	server.role = types.Leader
	server.view = types.EmptyGroupView().With(server.uuid, server.tcp.Addr())
	server.participating = true

	server.registerServer(types.Message{
		Intention: types.IdentServer,
		UUID:      "aaa-joiner",
		Address:   "10.1.0.2",
		Port:      7001,
	})

	assert.Len(t, tcp.byIntention(types.TryAgain), 1)
	assert.Empty(t, tcp.byIntention(types.AcceptServer))
	assert.False(t, server.view.Contains("aaa-joiner"))
}

func TestServer_FirstDeliveredLockWins(t *testing.T) {
	server, _, _ := testServer(t)
	server.role = types.Member

	server.onDelivered(types.Message{Intention: types.Lock, UUID: "somebody-else"})
	assert.Equal(t, types.Closed, server.lock)

	// The own lock lost the race and must not flip the state.
	server.onDelivered(types.Message{Intention: types.Lock, UUID: server.uuid})
	assert.Equal(t, types.Closed, server.lock)

	server.onDelivered(types.Message{Intention: types.Unlock, UUID: "somebody-else"})
	assert.Equal(t, types.Open, server.lock)
}

func TestServer_DrainGrantsUntilTheCap(t *testing.T) {
	server, _, tcp := testServer(t)
	server.role = types.Leader
	server.conf.MaxEntries = 2
	server.clients["client-1"] = memberAddr(7101)
	server.lock = types.Mine
	server.pendingQ = []request{
		{client: "client-1", increase: true},
		{client: "client-1", increase: true},
		{client: "client-1", increase: true},
	}

	server.drainRequests()

	assert.Equal(t, 2, server.entries)
	assert.Len(t, tcp.byIntention(types.AcceptEntry), 2)
	assert.Len(t, tcp.byIntention(types.DenyEntry), 1)
	assert.Empty(t, server.pendingQ)
}

func TestServer_DrainClampsReleasesAtZero(t *testing.T) {
	server, _, _ := testServer(t)
	server.lock = types.Mine
	server.pendingQ = []request{{client: "client-1", increase: false}}

	server.drainRequests()
	assert.Equal(t, 0, server.entries)
}

func TestServer_UnreachableClientDropsOut(t *testing.T) {
	server, _, tcp := testServer(t)
	server.clients["client-1"] = memberAddr(7101)
	tcp.refuse[7101] = true
	server.lock = types.Mine
	server.pendingQ = []request{{client: "client-1", increase: true}}

	server.drainRequests()

	assert.Equal(t, 1, server.entries)
	assert.NotContains(t, server.clients, "client-1")
}

func TestServer_ReplicatedEntriesFollowTheSender(t *testing.T) {
	server, _, _ := testServer(t)
	server.onDelivered(types.Message{Intention: types.UpdateEntries, Entries: 9, UUID: "somebody-else"})
	assert.Equal(t, 9, server.entries)

	// The own update was applied while draining already.
	server.onDelivered(types.Message{Intention: types.UpdateEntries, Entries: 1, UUID: server.uuid})
	assert.Equal(t, 9, server.entries)
}

func TestServer_ElectionForwardsTheLargerId(t *testing.T) {
	server, _, tcp := testServer(t)
	server.role = types.Member
	server.view = types.EmptyGroupView().
		With(server.uuid, server.tcp.Addr()).
		With("zzz-bigger", memberAddr(7001))

	// A smaller id starts the round: the own id replaces it.
	server.onElection(types.Message{Intention: types.ElectionMessage, Mid: "000-smaller"})
	forwarded := tcp.byIntention(types.ElectionMessage)
	require.Len(t, forwarded, 1)
	assert.Equal(t, server.uuid, forwarded[0].message.Mid)
	assert.True(t, server.participating)

	// A bigger id passes through unchanged.
	server.onElection(types.Message{Intention: types.ElectionMessage, Mid: "zzz-bigger"})
	forwarded = tcp.byIntention(types.ElectionMessage)
	require.Len(t, forwarded, 2)
	assert.Equal(t, "zzz-bigger", forwarded[1].message.Mid)
}

func TestServer_OwnIdSurvivingTheRingWins(t *testing.T) {
	server, _, tcp := testServer(t)
	server.role = types.Member
	server.participating = true
	server.view = types.EmptyGroupView().
		With(server.uuid, server.tcp.Addr()).
		With("000-smaller", memberAddr(7001))

	server.onElection(types.Message{Intention: types.ElectionMessage, Mid: server.uuid})

	assert.Equal(t, types.Leader, server.role)
	assert.Equal(t, server.uuid, server.leader)
	assert.False(t, server.participating)

	var victory []sent
	for _, s := range tcp.byIntention(types.ElectionMessage) {
		if s.message.IsLeader {
			victory = append(victory, s)
		}
	}
	require.Len(t, victory, 1)
	assert.Equal(t, server.uuid, victory[0].message.Mid)
}

func TestServer_VictoryAnnouncementDemotesTheOldLeader(t *testing.T) {
	server, _, tcp := testServer(t)
	server.role = types.Leader
	server.leader = server.uuid
	server.participating = true
	server.view = types.EmptyGroupView().
		With(server.uuid, server.tcp.Addr()).
		With("zzz-winner", memberAddr(7001))

	server.onElection(types.Message{
		Intention: types.ElectionMessage,
		Mid:       "zzz-winner",
		IsLeader:  true,
	})

	assert.Equal(t, types.Member, server.role)
	assert.Equal(t, "zzz-winner", server.leader)
	assert.False(t, server.participating)
	require.NotEmpty(t, tcp.byIntention(types.ElectionMessage))
}

func TestServer_ManualOverrideBypassesTheLock(t *testing.T) {
	server, _, _ := testServer(t)
	server.onTCP(types.Message{Intention: types.ManualOverride, Value: 99})
	assert.Equal(t, 99, server.entries)
}
