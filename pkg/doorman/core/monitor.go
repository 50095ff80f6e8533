package core

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// monitorRow is the last snapshot a server published.
type monitorRow struct {
	clients  []string
	entries  int
	election bool
	state    string
}

// Monitor is the observability peer: it renders the MONITOR_MESSAGE
// broadcasts as a table and never takes part in the protocol.
type Monitor struct {
	conf *types.Configuration
	log  types.Logger
	out  io.Writer

	broadcaster Broadcaster
	servers     map[string]*monitorRow

	ctx    context.Context
	finish context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMonitor builds a monitor over the real broadcast plane.
func NewMonitor(conf *types.Configuration, out io.Writer) (*Monitor, error) {
	broadcaster, err := NewBroadcaster(conf)
	if err != nil {
		return nil, err
	}
	return NewMonitorWithTransport(conf, broadcaster, out), nil
}

// NewMonitorWithTransport builds a monitor over a caller provided
// broadcast plane.
func NewMonitorWithTransport(conf *types.Configuration, broadcaster Broadcaster, out io.Writer) *Monitor {
	ctx, finish := context.WithCancel(context.Background())
	return &Monitor{
		conf:        conf,
		log:         conf.Logger,
		out:         out,
		broadcaster: broadcaster,
		servers:     map[string]*monitorRow{},
		ctx:         ctx,
		finish:      finish,
		done:        make(chan struct{}),
	}
}

// Run consumes monitor broadcasts until Stop.
func (m *Monitor) Run() error {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return nil
		case datagram, ok := <-m.broadcaster.Listen():
			if !ok {
				return nil
			}
			if datagram.Message.Intention == types.ShutdownSystem {
				m.log.Info("system shutdown requested")
				go m.Stop()
				continue
			}
			if datagram.Message.Intention != types.MonitorMessage {
				continue
			}
			m.apply(datagram.Message)
			m.render()
		}
	}
}

func (m *Monitor) Stop() {
	m.once.Do(func() {
		m.finish()
		m.broadcaster.Close()
		<-m.done
	})
}

// apply folds one snapshot into the table, reconciling against the
// distributed group view when one rides along.
func (m *Monitor) apply(message types.Message) {
	if len(message.GroupView) > 0 {
		for id := range message.GroupView {
			if _, ok := m.servers[id]; !ok {
				m.servers[id] = &monitorRow{}
			}
		}
		for id := range m.servers {
			if _, ok := message.GroupView[id]; !ok {
				delete(m.servers, id)
			}
		}
		return
	}
	if message.Leaving {
		delete(m.servers, message.UUID)
		return
	}

	row, ok := m.servers[message.UUID]
	if !ok {
		row = &monitorRow{}
		m.servers[message.UUID] = row
	}
	row.clients = message.Clients
	row.entries = message.Entries
	row.election = message.Election
	row.state = message.State
}

func (m *Monitor) render() {
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-8s  %-7s  %-8s  %s\n", "SERVER", "CLIENTS", "ENTRIES", "ELECTION", "STATE")
	for _, id := range ids {
		row := m.servers[id]
		fmt.Fprintf(&b, "%-36s  %-8d  %-7d  %-8v  %s\n", id, len(row.clients), row.entries, row.election, row.state)
	}
	fmt.Fprint(m.out, b.String())
}
