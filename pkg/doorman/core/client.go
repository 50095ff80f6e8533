package core

import (
	"context"
	"sync"
	"time"

	"github.com/lkettner/go-doorman/pkg/doorman/helper"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// Verdict is the outcome of one admission request as seen by the
// client.
type Verdict struct {
	Granted bool
	Entries int
}

// Client is the thin admission peer: it discovers a coordinator over
// broadcast, binds to it and asks to let people in or out.
type Client struct {
	uuid string
	conf *types.Configuration
	log  types.Logger

	broadcaster Broadcaster
	tcp         Unicaster

	mutex   sync.Mutex
	server  *types.Address
	entries int

	verdicts chan Verdict
	counts   chan int

	ctx    context.Context
	finish context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewClient builds a client over the real transports.
func NewClient(conf *types.Configuration) (*Client, error) {
	broadcaster, err := NewBroadcaster(conf)
	if err != nil {
		return nil, err
	}
	tcp, err := NewTCPTransport(conf)
	if err != nil {
		broadcaster.Close()
		return nil, err
	}
	return NewClientWithTransports(conf, broadcaster, tcp), nil
}

// NewClientWithTransports builds a client over caller provided
// planes.
func NewClientWithTransports(conf *types.Configuration, broadcaster Broadcaster, tcp Unicaster) *Client {
	ctx, finish := context.WithCancel(context.Background())
	return &Client{
		uuid:        helper.GenerateUID(),
		conf:        conf,
		log:         conf.Logger,
		broadcaster: broadcaster,
		tcp:         tcp,
		verdicts:    make(chan Verdict, 16),
		counts:      make(chan int, 16),
		ctx:         ctx,
		finish:      finish,
		done:        make(chan struct{}),
	}
}

func (c *Client) UUID() string {
	return c.uuid
}

// Bound reports whether a server accepted this client.
func (c *Client) Bound() bool {
	return c.boundServer() != nil
}

// Entries is the last counter value a server pushed.
func (c *Client) Entries() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.entries
}

// Verdicts streams the admission outcomes.
func (c *Client) Verdicts() <-chan Verdict {
	return c.verdicts
}

// Counts streams counter updates pushed by the bound server.
func (c *Client) Counts() <-chan int {
	return c.counts
}

// Run discovers a server and consumes its pushes until Stop.
func (c *Client) Run() error {
	defer close(c.done)
	c.discover()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case datagram, ok := <-c.tcp.Listen():
			if !ok {
				return nil
			}
			c.onMessage(datagram.Message)
		case datagram, ok := <-c.broadcaster.Listen():
			if !ok {
				return nil
			}
			if datagram.Message.Intention == types.ShutdownSystem {
				c.log.Info("system shutdown requested")
				go c.Stop()
			}
		}
	}
}

// Stop unbinds from the server and shuts the transports down.
func (c *Client) Stop() {
	c.once.Do(func() {
		if server := c.boundServer(); server != nil {
			c.tcp.Send(types.Message{Intention: types.ShutdownClient, UUID: c.uuid}, *server)
		}
		c.finish()
		c.broadcaster.Close()
		c.tcp.Close()
		<-c.done
	})
}

// RequestEntry asks the bound server to admit one more person.
func (c *Client) RequestEntry() {
	c.request(true)
}

// ReleaseEntry tells the bound server one person left.
func (c *Client) ReleaseEntry() {
	c.request(false)
}

func (c *Client) request(increase bool) {
	server := c.boundServer()
	if server == nil {
		c.log.Warn("no server bound, rediscovering")
		c.discover()
		server = c.boundServer()
		if server == nil {
			return
		}
	}
	action := types.Message{
		Intention: types.RequestAction,
		UUID:      c.uuid,
		Address:   c.tcp.Addr().Address,
		Port:      c.tcp.Addr().Port,
		Increase:  increase,
	}
	if !c.tcp.Send(action, *server) {
		c.log.Warn("bound server unreachable, rediscovering")
		c.unbind()
		c.discover()
	}
}

// discover broadcasts for servers and binds to the first offer.
func (c *Client) discover() {
	ident := types.Message{
		Intention: types.IdentClient,
		UUID:      c.uuid,
		Address:   c.tcp.Addr().Address,
		Port:      c.tcp.Addr().Port,
	}

	for try := 0; try < c.conf.MaxTries; try++ {
		if err := c.broadcaster.Send(ident); err != nil {
			c.log.Errorf("client announcement failed: %v", err)
		}
		deadline := time.After(time.Duration(c.conf.MaxEntries) * c.conf.PollTimeout)
		for {
			select {
			case <-c.ctx.Done():
				return
			case datagram := <-c.tcp.Listen():
				if datagram.Message.Intention != types.AcceptClient {
					continue
				}
				c.bind(datagram.Message)
				return
			case <-deadline:
			}
			break
		}
	}
	c.log.Warn("no server offered itself")
}

func (c *Client) bind(offer types.Message) {
	server := offer.Endpoint()
	c.mutex.Lock()
	c.server = &server
	c.entries = offer.Entries
	c.mutex.Unlock()
	c.log.Infof("bound to server %s at %s:%d", offer.UUID, server.Address, server.Port)

	c.tcp.Send(types.Message{
		Intention: types.ChooseServer,
		UUID:      c.uuid,
		Address:   c.tcp.Addr().Address,
		Port:      c.tcp.Addr().Port,
	}, server)
}

func (c *Client) unbind() {
	c.mutex.Lock()
	c.server = nil
	c.mutex.Unlock()
}

func (c *Client) boundServer() *types.Address {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.server == nil {
		return nil
	}
	server := *c.server
	return &server
}

func (c *Client) onMessage(message types.Message) {
	switch message.Intention {
	case types.AcceptEntry:
		c.setEntries(message.Entries)
		c.notifyVerdict(Verdict{Granted: true, Entries: message.Entries})
	case types.DenyEntry:
		c.setEntries(message.Entries)
		c.notifyVerdict(Verdict{Granted: false, Entries: message.Entries})
	case types.UpdateEntries:
		c.setEntries(message.Entries)
		select {
		case c.counts <- message.Entries:
		default:
		}
	case types.AcceptClient:
		// A late offer after binding needs no answer.
	default:
		c.log.Debugf("ignoring %s", message.Intention)
	}
}

func (c *Client) setEntries(entries int) {
	c.mutex.Lock()
	c.entries = entries
	c.mutex.Unlock()
}

func (c *Client) notifyVerdict(verdict Verdict) {
	select {
	case c.verdicts <- verdict:
	default:
	}
}
