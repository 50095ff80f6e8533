package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkettner/go-doorman/pkg/doorman/definition"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// memBus is an in-memory multicast segment: every registered conn
// sees every group datagram, point to point datagrams go to exactly
// one conn. Fan out happens under one lock so the original emission
// lands in every inbox before any reflood does, like a switch would
// order it in the common case.
type memBus struct {
	mutex sync.Mutex
	conns map[string]*memConn
}

func newMemBus() *memBus {
	return &memBus{conns: map[string]*memConn{}}
}

func (b *memBus) conn(addr string) *memConn {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	c := &memConn{
		bus:   b,
		addr:  addr,
		inbox: make(chan Datagram, 4096),
		drops: map[string]int{},
	}
	b.conns[addr] = c
	return c
}

type memConn struct {
	bus   *memBus
	addr  string
	inbox chan Datagram

	// drops counts group datagrams from this conn still to be lost
	// per destination address.
	drops map[string]int

	closed bool
}

// dropGroupTo loses the next n group datagrams headed to one peer.
func (c *memConn) dropGroupTo(target string, n int) {
	c.bus.mutex.Lock()
	defer c.bus.mutex.Unlock()
	c.drops[target] = n
}

func (c *memConn) SendGroup(message types.Message) error {
	c.bus.mutex.Lock()
	defer c.bus.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	for addr, peer := range c.bus.conns {
		if peer.closed {
			continue
		}
		if c.drops[addr] > 0 {
			c.drops[addr]--
			continue
		}
		peer.deliver(Datagram{Message: message, From: c.addr})
	}
	return nil
}

func (c *memConn) SendTo(message types.Message, to string) error {
	c.bus.mutex.Lock()
	defer c.bus.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	peer, ok := c.bus.conns[to]
	if !ok || peer.closed {
		return ErrClosed
	}
	peer.deliver(Datagram{Message: message, From: c.addr})
	return nil
}

func (c *memConn) deliver(datagram Datagram) {
	select {
	case c.inbox <- datagram:
	default:
	}
}

func (c *memConn) Listen() <-chan Datagram {
	return c.inbox
}

func (c *memConn) Close() error {
	c.bus.mutex.Lock()
	defer c.bus.mutex.Unlock()
	c.closed = true
	return nil
}

func romConfig(name string) *types.Configuration {
	conf := definition.DefaultConfiguration(name)
	conf.PollTimeout = 10 * time.Millisecond
	// Keeps the auto resume horizon at two seconds, long enough to
	// assert that a pause really buffers.
	conf.HeartbeatTimeout = time.Second
	return conf
}

type romFixture struct {
	engine *ROMulticast
	sink   chan types.Event
}

// newRomCluster spins engines that all know each other already.
func newRomCluster(t *testing.T, bus *memBus, names ...string) map[string]*romFixture {
	members := map[string]types.Address{}
	for i, name := range names {
		members[name] = types.Address{Address: "10.0.0.1", Port: 7000 + i}
	}
	view := types.NewGroupView(members)

	cluster := map[string]*romFixture{}
	for _, name := range names {
		sink := make(chan types.Event, 256)
		engine := NewROMulticast(name, romConfig(name), bus.conn(name), sink)
		for _, other := range names {
			if other != name {
				engine.RegisterMember(other)
			}
		}
		engine.SetGroupView(view)
		cluster[name] = &romFixture{engine: engine, sink: sink}
	}
	t.Cleanup(func() {
		for _, fixture := range cluster {
			fixture.engine.Stop()
		}
	})
	return cluster
}

func collectDeliveries(t *testing.T, sink <-chan types.Event, n int) []types.Message {
	t.Helper()
	var out []types.Message
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case event := <-sink:
			if event.Kind == types.MulticastMessageEvent {
				out = append(out, event.Message)
			}
		case <-deadline:
			t.Fatalf("only %d of %d deliveries arrived", len(out), n)
		}
	}
	return out
}

func TestROM_SingleEngineDeliversOwnSend(t *testing.T) {
	cluster := newRomCluster(t, newMemBus(), "a")
	cluster["a"].engine.Send(types.Message{Intention: types.UpdateEntries, Entries: 3})

	got := collectDeliveries(t, cluster["a"].sink, 1)
	assert.Equal(t, types.UpdateEntries, got[0].Intention)
	assert.Equal(t, 3, got[0].Entries)
}

func TestROM_TotalOrderAcrossEngines(t *testing.T) {
	cluster := newRomCluster(t, newMemBus(), "a", "b", "c")

	cluster["a"].engine.Send(types.Message{Intention: types.Lock, UUID: "a"})
	cluster["b"].engine.Send(types.Message{Intention: types.Lock, UUID: "b"})
	cluster["c"].engine.Send(types.Message{Intention: types.Lock, UUID: "c"})

	orders := map[string][]string{}
	for name, fixture := range cluster {
		for _, message := range collectDeliveries(t, fixture.sink, 3) {
			orders[name] = append(orders[name], message.UUID)
		}
	}

	require.Len(t, orders["a"], 3)
	assert.Equal(t, orders["a"], orders["b"])
	assert.Equal(t, orders["a"], orders["c"])
}

func TestROM_NackClosesTheGap(t *testing.T) {
	bus := newMemBus()
	cluster := newRomCluster(t, bus, "a", "b")

	// First datagram from a never reaches b; b must notice the hole
	// behind the second one and recover it point to point.
	bus.conns["a"].dropGroupTo("b", 1)

	cluster["a"].engine.Send(types.Message{Intention: types.UpdateEntries, Entries: 1, UUID: "a"})
	cluster["a"].engine.Send(types.Message{Intention: types.UpdateEntries, Entries: 2, UUID: "a"})

	got := collectDeliveries(t, cluster["b"].sink, 2)
	assert.Equal(t, 1, got[0].Entries)
	assert.Equal(t, 2, got[1].Entries)
}

func TestROM_PauseBuffersUntilResume(t *testing.T) {
	cluster := newRomCluster(t, newMemBus(), "a")
	engine, sink := cluster["a"].engine, cluster["a"].sink

	engine.Pause()
	engine.Send(types.Message{Intention: types.UpdateEntries, Entries: 9, UUID: "a"})

	select {
	case event := <-sink:
		t.Fatalf("nothing should be delivered while paused, got %v", event)
	case <-time.After(200 * time.Millisecond):
	}

	engine.Resume(7)

	deadline := time.After(5 * time.Second)
	sawResult := false
	for {
		select {
		case event := <-sink:
			if event.Kind == types.OMResultEvent {
				assert.Equal(t, 7, event.Message.Value)
				sawResult = true
				continue
			}
			require.True(t, sawResult, "the reconciled value must land before the backlog")
			assert.Equal(t, 9, event.Message.Entries)
			return
		case <-deadline:
			t.Fatal("paused backlog never flushed")
		}
	}
}

func TestROM_StopWithoutResumeLiftsItself(t *testing.T) {
	cluster := newRomCluster(t, newMemBus(), "a")
	engine, sink := cluster["a"].engine, cluster["a"].sink

	engine.Pause()
	engine.Send(types.Message{Intention: types.UpdateEntries, Entries: 4, UUID: "a"})

	// The auto resume horizon is twice the heartbeat timeout.
	got := collectDeliveries(t, sink, 1)
	assert.Equal(t, 4, got[0].Entries)
}

func TestROM_SnapshotCountsDeliveredSequences(t *testing.T) {
	cluster := newRomCluster(t, newMemBus(), "a")
	engine := cluster["a"].engine

	engine.Send(types.Message{Intention: types.UpdateEntries, Entries: 1, UUID: "a"})
	collectDeliveries(t, cluster["a"].sink, 1)

	rnumbers, queue := engine.Snapshot()
	assert.NotZero(t, rnumbers["a"])
	assert.Empty(t, queue)
}
