package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkettner/go-doorman/pkg/doorman/definition"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

func tcpConfig(name string) *types.Configuration {
	conf := definition.DefaultConfiguration(name)
	conf.PollTimeout = 10 * time.Millisecond
	return conf
}

func TestTCPTransport_SendAndReceive(t *testing.T) {
	receiver, err := NewTCPTransport(tcpConfig("receiver"))
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewTCPTransport(tcpConfig("sender"))
	require.NoError(t, err)
	defer sender.Close()

	message := types.Message{Intention: types.Heartbeat, UUID: "node-1", Entries: 4}
	require.True(t, sender.Send(message, receiver.Addr()))

	select {
	case datagram := <-receiver.Listen():
		assert.Equal(t, types.Heartbeat, datagram.Message.Intention)
		assert.Equal(t, "node-1", datagram.Message.UUID)
		assert.Equal(t, 4, datagram.Message.Entries)
	case <-time.After(3 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestTCPTransport_EachConnectionCarriesOneMessage(t *testing.T) {
	receiver, err := NewTCPTransport(tcpConfig("receiver"))
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewTCPTransport(tcpConfig("sender"))
	require.NoError(t, err)
	defer sender.Close()

	for i := 1; i <= 3; i++ {
		require.True(t, sender.Send(types.Message{Intention: types.UpdateEntries, Entries: i}, receiver.Addr()))
	}

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case datagram := <-receiver.Listen():
			seen[datagram.Message.Entries] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d messages arrived", i)
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, seen)
}

func TestTCPTransport_AbsentPeerCollapsesToFalse(t *testing.T) {
	sender, err := NewTCPTransport(tcpConfig("sender"))
	require.NoError(t, err)
	defer sender.Close()

	// A port nobody listens on; every retry must fail.
	gone := types.Address{Address: "127.0.0.1", Port: 1}
	assert.False(t, sender.Send(types.Message{Intention: types.Ping}, gone))
}
