// Package doorman coordinates an admission controlled shared counter
// across a dynamic group of replicated servers on one subnet. Servers
// discover each other over link local broadcast, elect the maximal
// uuid as leader over a ring, serialize counter mutations through a
// reliable totally ordered multicast and periodically cross validate
// the counter with a Byzantine agreement round.
package doorman

import (
	"io"

	"github.com/lkettner/go-doorman/pkg/doorman/core"
	"github.com/lkettner/go-doorman/pkg/doorman/definition"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// Server is one coordinator replica.
type Server = core.Server

// Client is the thin admission peer.
type Client = core.Client

// Monitor renders the group's observability broadcasts.
type Monitor = core.Monitor

// NewServer creates a coordinator on the default or given
// configuration and leaves it ready to Run.
func NewServer(conf *types.Configuration) (*Server, error) {
	return core.NewServer(definition.Fill(conf, "server"))
}

// NewClient creates an admission client.
func NewClient(conf *types.Configuration) (*Client, error) {
	return core.NewClient(definition.Fill(conf, "client"))
}

// NewMonitor creates a monitor writing its table to out.
func NewMonitor(conf *types.Configuration, out io.Writer) (*Monitor, error) {
	return core.NewMonitor(definition.Fill(conf, "monitor"), out)
}

// DefaultConfiguration is re-exported for binaries that only want to
// tweak a field or two.
func DefaultConfiguration(name string) *types.Configuration {
	return definition.DefaultConfiguration(name)
}
