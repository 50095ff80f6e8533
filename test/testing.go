// Package test holds the in-memory network and the cluster harness
// the protocol tests run on. Nothing here touches a real socket, so a
// whole group fits in one process and one test.
package test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lkettner/go-doorman/pkg/doorman/core"
	"github.com/lkettner/go-doorman/pkg/doorman/definition"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

const inboxSize = 4096

// Network is one emulated subnet: a broadcast domain, a multicast
// group and point to point connections, all addressed by node name.
// Killing a node silences it in both directions without telling it.
type Network struct {
	mutex sync.Mutex
	nodes map[string]*node
	ports map[string]*node
	next  int
}

type node struct {
	name string
	down bool

	broadcastIn chan core.Datagram
	mcastIn     chan core.Datagram
	tcpIn       chan core.Datagram
	tcpAddr     types.Address
}

func NewNetwork() *Network {
	return &Network{nodes: map[string]*node{}, ports: map[string]*node{}}
}

// Join registers a node and hands out its three planes.
func (n *Network) Join(name string) (core.Broadcaster, core.Unicaster, core.MulticastConn) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.next++
	member := &node{
		name:        name,
		broadcastIn: make(chan core.Datagram, inboxSize),
		mcastIn:     make(chan core.Datagram, inboxSize),
		tcpIn:       make(chan core.Datagram, inboxSize),
		tcpAddr:     types.Address{Address: "10.1.0.1", Port: 7000 + n.next},
	}
	n.nodes[name] = member
	n.ports[addrKey(member.tcpAddr)] = member
	return &memBroadcast{network: n, node: member},
		&memTCP{network: n, node: member},
		&memMcast{network: n, node: member}
}

// Kill makes a node unreachable and mute, emulating a crash.
func (n *Network) Kill(name string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if member, ok := n.nodes[name]; ok {
		member.down = true
	}
}

func addrKey(addr types.Address) string {
	return fmt.Sprintf("%s:%d", addr.Address, addr.Port)
}

func push(inbox chan core.Datagram, datagram core.Datagram) {
	select {
	case inbox <- datagram:
	default:
	}
}

// memBroadcast implements core.Broadcaster on the emulated subnet.
type memBroadcast struct {
	network *Network
	node    *node
}

func (b *memBroadcast) Send(message types.Message) error {
	b.network.mutex.Lock()
	defer b.network.mutex.Unlock()
	if b.node.down {
		return core.ErrClosed
	}
	for _, peer := range b.network.nodes {
		if peer.down {
			continue
		}
		push(peer.broadcastIn, core.Datagram{Message: message, From: b.node.name})
	}
	return nil
}

func (b *memBroadcast) Listen() <-chan core.Datagram {
	return b.node.broadcastIn
}

func (b *memBroadcast) Close() error {
	return nil
}

// memTCP implements core.Unicaster on the emulated subnet.
type memTCP struct {
	network *Network
	node    *node
}

func (t *memTCP) Send(message types.Message, to types.Address) bool {
	t.network.mutex.Lock()
	defer t.network.mutex.Unlock()
	if t.node.down {
		return false
	}
	peer, ok := t.network.ports[addrKey(to)]
	if !ok || peer.down {
		return false
	}
	push(peer.tcpIn, core.Datagram{Message: message, From: t.node.name})
	return true
}

func (t *memTCP) Listen() <-chan core.Datagram {
	return t.node.tcpIn
}

func (t *memTCP) Addr() types.Address {
	return t.node.tcpAddr
}

func (t *memTCP) Close() error {
	return nil
}

// memMcast implements core.MulticastConn on the emulated subnet. The
// node name doubles as the datagram source address.
type memMcast struct {
	network *Network
	node    *node
}

func (m *memMcast) SendGroup(message types.Message) error {
	m.network.mutex.Lock()
	defer m.network.mutex.Unlock()
	if m.node.down {
		return core.ErrClosed
	}
	for _, peer := range m.network.nodes {
		if peer.down {
			continue
		}
		push(peer.mcastIn, core.Datagram{Message: message, From: m.node.name})
	}
	return nil
}

func (m *memMcast) SendTo(message types.Message, to string) error {
	m.network.mutex.Lock()
	defer m.network.mutex.Unlock()
	if m.node.down {
		return core.ErrClosed
	}
	peer, ok := m.network.nodes[to]
	if !ok || peer.down {
		return core.ErrClosed
	}
	push(peer.mcastIn, core.Datagram{Message: message, From: m.node.name})
	return nil
}

func (m *memMcast) Listen() <-chan core.Datagram {
	return m.node.mcastIn
}

func (m *memMcast) Close() error {
	return nil
}

// Configuration tuned so a whole scenario fits in a few seconds.
func Configuration(name string, maxEntries int) *types.Configuration {
	conf := definition.DefaultConfiguration(name)
	conf.MaxEntries = maxEntries
	conf.PollTimeout = 50 * time.Millisecond
	conf.HeartbeatTimeout = 150 * time.Millisecond
	return conf
}

// Cluster runs a group of coordinators on one emulated subnet.
type Cluster struct {
	T       *testing.T
	Network *Network
	Servers []*core.Server

	names []string
	tcps  []core.Unicaster
	group sync.WaitGroup
}

// CreateCluster starts size coordinators one after another, waiting
// for each to settle before the next announces itself.
func CreateCluster(t *testing.T, size, maxEntries int) *Cluster {
	cluster := &Cluster{T: t, Network: NewNetwork()}
	for i := 0; i < size; i++ {
		cluster.AddServer(maxEntries)
	}
	return cluster
}

// AddServer joins one more coordinator to the emulated subnet.
func (c *Cluster) AddServer(maxEntries int) *core.Server {
	name := fmt.Sprintf("server-%d", len(c.Servers))
	broadcaster, tcp, mcast := c.Network.Join(name)
	server := core.NewServerWithTransports(Configuration(name, maxEntries), broadcaster, tcp, mcast)
	c.Servers = append(c.Servers, server)
	c.names = append(c.names, name)
	c.tcps = append(c.tcps, tcp)

	c.group.Add(1)
	go func() {
		defer c.group.Done()
		_ = server.Run()
	}()

	require.Eventually(c.T, func() bool {
		return server.Status().Role != types.Pending
	}, 5*time.Second, 20*time.Millisecond, "server %s never settled", name)
	return server
}

// Name of the i-th server on the network.
func (c *Cluster) Name(i int) string {
	return c.names[i]
}

// Addr is the advertised endpoint of the i-th server.
func (c *Cluster) Addr(i int) types.Address {
	return c.tcps[i].Addr()
}

// Leader returns the server that currently believes it leads, or nil.
func (c *Cluster) Leader() *core.Server {
	for _, server := range c.Servers {
		if server.Status().Role == types.Leader {
			return server
		}
	}
	return nil
}

// Crash silences a server at the network level and then reaps its
// goroutines; no goodbye reaches the group.
func (c *Cluster) Crash(i int) {
	c.Network.Kill(c.names[i])
	c.Servers[i].Stop()
}

// Off stops every server and waits for the goroutines.
func (c *Cluster) Off() {
	for _, server := range c.Servers {
		server.Stop()
	}
	c.group.Wait()
}

// lockedBuffer is a write target shared between a test and a
// rendering goroutine.
type lockedBuffer struct {
	mutex  sync.Mutex
	buffer []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.buffer = append(b.buffer, p...)
	return len(p), nil
}

func (b *lockedBuffer) Bytes() []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]byte(nil), b.buffer...)
}

// WaitThisOrTimeout runs cb and reports whether it finished in time.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
