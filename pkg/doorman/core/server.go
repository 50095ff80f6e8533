package core

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/lkettner/go-doorman/pkg/doorman/helper"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// request is one queued client admission or release, waiting for the
// lock token.
type request struct {
	client   string
	increase bool
}

// beat is one row of the leader's heartbeat table.
type beat struct {
	last    time.Time
	strikes int
}

// Server is one coordinator replica. Every piece of coordination
// state below the transports is owned by the dispatcher goroutine;
// readers and timers communicate exclusively through the event queue.
type Server struct {
	uuid string
	conf *types.Configuration
	log  types.Logger

	broadcaster Broadcaster
	tcp         Unicaster
	mcast       MulticastConn
	rom         *ROMulticast

	queue   chan types.Event
	queries chan chan Status

	role          types.Role
	view          types.GroupView
	leader        string
	entries       int
	lock          types.LockState
	pendingQ      []request
	clients       map[string]types.Address
	heartbeats    map[string]*beat
	participating bool

	byzLeader  *types.LeaderRound
	byzMember  *types.MemberRound
	byzHistory map[string]types.RoundState

	ctx    context.Context
	finish context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// NewServer builds a coordinator over the real link-local transports.
func NewServer(conf *types.Configuration) (*Server, error) {
	broadcaster, err := NewBroadcaster(conf)
	if err != nil {
		return nil, err
	}
	tcp, err := NewTCPTransport(conf)
	if err != nil {
		broadcaster.Close()
		return nil, err
	}
	mcast, err := NewMulticastConn(conf)
	if err != nil {
		broadcaster.Close()
		tcp.Close()
		return nil, err
	}
	return NewServerWithTransports(conf, broadcaster, tcp, mcast), nil
}

// NewServerWithTransports builds a coordinator over caller provided
// planes; the test harness plugs in memory transports here.
func NewServerWithTransports(conf *types.Configuration, broadcaster Broadcaster, tcp Unicaster, mcast MulticastConn) *Server {
	ctx, finish := context.WithCancel(context.Background())
	queue := make(chan types.Event, 1024)
	uuid := helper.GenerateUID()
	s := &Server{
		uuid:        uuid,
		conf:        conf,
		log:         conf.Logger,
		broadcaster: broadcaster,
		tcp:         tcp,
		mcast:       mcast,
		rom:         NewROMulticast(uuid, conf, mcast, queue),
		queue:       queue,
		queries:     make(chan chan Status),
		role:        types.Pending,
		view:        types.EmptyGroupView(),
		lock:        types.Open,
		clients:     map[string]types.Address{},
		heartbeats:  map[string]*beat{},
		byzHistory:  map[string]types.RoundState{},
		ctx:         ctx,
		finish:      finish,
		done:        make(chan struct{}),
	}
	return s
}

// UUID is the node identity, maximal uuid wins the ring.
func (s *Server) UUID() string {
	return s.uuid
}

// Status is a dispatcher-consistent snapshot for observers.
type Status struct {
	UUID    string
	Role    types.Role
	Leader  string
	Members []string
	Entries int
	Lock    types.LockState
	Clients int

	leaderAddr *types.Address
}

// Status asks the dispatcher for its current state. Safe from any
// goroutine; once the server stopped it returns a snapshot that
// carries only the uuid.
func (s *Server) Status() Status {
	reply := make(chan Status, 1)
	select {
	case s.queries <- reply:
	case <-s.ctx.Done():
		return Status{UUID: s.uuid}
	}
	select {
	case status := <-reply:
		return status
	case <-s.ctx.Done():
		return Status{UUID: s.uuid}
	}
}

func (s *Server) status() Status {
	status := Status{
		UUID:    s.uuid,
		Role:    s.role,
		Leader:  s.leader,
		Members: s.view.Ring(),
		Entries: s.entries,
		Lock:    s.lock,
		Clients: len(s.clients),
	}
	if addr, ok := s.view.Addr(s.leader); ok {
		status.leaderAddr = &addr
	}
	return status
}

// Run joins or founds a group and dispatches until Stop. All
// coordination state is touched only from this goroutine.
func (s *Server) Run() error {
	defer close(s.done)
	s.join()

	go s.pump(s.broadcaster.Listen(), types.BroadcastMessageEvent)
	go s.pump(s.tcp.Listen(), types.TCPMessageEvent)
	go s.tick(s.conf.HeartbeatTimeout, types.HeartbeatTickEvent)
	go s.tick(s.conf.HeartbeatTimeout+5*time.Second, types.CheckTickEvent)

	s.emitMonitor()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case reply := <-s.queries:
			reply <- s.status()
		case event := <-s.queue:
			s.dispatch(event)
		}
	}
}

// Stop announces departure and shuts every task down cooperatively.
func (s *Server) Stop() {
	s.once.Do(func() {
		status := s.Status()
		goodbye := types.Message{Intention: types.ShutdownServer, UUID: s.uuid}
		if status.Role == types.Leader {
			if err := s.broadcaster.Send(goodbye); err != nil {
				s.log.Warnf("shutdown announcement failed: %v", err)
			}
		} else if status.leaderAddr != nil {
			s.tcp.Send(goodbye, *status.leaderAddr)
		}

		s.finish()
		s.rom.Stop()
		s.broadcaster.Close()
		s.tcp.Close()
		s.mcast.Close()
		<-s.done
	})
}

func (s *Server) pump(source <-chan Datagram, kind types.EventKind) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case datagram, ok := <-source:
			if !ok {
				return
			}
			select {
			case s.queue <- types.Event{Kind: kind, Message: datagram.Message, From: datagram.From}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Server) tick(interval time.Duration, kind types.EventKind) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			select {
			case s.queue <- types.Event{Kind: kind}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Server) dispatch(event types.Event) {
	switch event.Kind {
	case types.BroadcastMessageEvent:
		s.onBroadcast(event.Message)
	case types.TCPMessageEvent:
		s.onTCP(event.Message)
	case types.MulticastMessageEvent:
		s.onDelivered(event.Message)
	case types.OMResultEvent:
		s.onReconciled(event.Message.Value)
	case types.HeartbeatTickEvent:
		s.onHeartbeatTick()
	case types.CheckTickEvent:
		s.onCheckTick()
	}
}

func (s *Server) onBroadcast(message types.Message) {
	switch message.Intention {
	case types.IdentServer:
		if message.UUID == s.uuid {
			return
		}
		if s.role == types.Leader {
			s.registerServer(message)
		}
	case types.IdentClient:
		s.offerClient(message)
	case types.ShutdownServer:
		s.onServerGone(message.UUID)
	case types.ShutdownSystem:
		s.log.Info("system shutdown requested")
		go s.Stop()
	case types.RunByzantine:
		if s.role == types.Leader {
			s.startByzantine()
		}
	case types.MonitorMessage:
		// Observability traffic, nothing for a server to do.
	default:
		s.log.Debugf("ignoring broadcast %s", message.Intention)
	}
}

func (s *Server) onTCP(message types.Message) {
	switch message.Intention {
	case types.AcceptServer:
		// A larger group answered the loneliness probe.
		s.adoptGroup(message)
	case types.UpdateGroupView:
		s.adoptView(message)
	case types.ElectionMessage:
		s.onElection(message)
	case types.Heartbeat:
		s.onHeartbeat(message)
	case types.ChooseServer:
		s.clients[message.UUID] = message.Endpoint()
		s.tcp.Send(types.Message{Intention: types.UpdateEntries, Entries: s.entries, UUID: s.uuid}, message.Endpoint())
		s.emitMonitor()
	case types.ShutdownClient:
		delete(s.clients, message.UUID)
		s.emitMonitor()
	case types.RequestAction:
		s.onRequestAction(message)
	case types.OM:
		s.onOM(message)
	case types.OMRestart:
		s.onOMRestart(message)
	case types.NotLeader:
		s.log.Warnf("%s is not the leader anymore", s.leader)
		s.onServerGone(s.leader)
	case types.ManualOverride:
		s.log.Warnf("manual override of entries to %d", message.Value)
		s.entries = message.Value
		s.emitMonitor()
	case types.Ping, types.TryAgain:
		// Ping is answered by the accepted connection itself, and a
		// late TRY_AGAIN after the join finished carries no work.
	default:
		s.log.Debugf("ignoring tcp %s", message.Intention)
	}
}

// onDelivered consumes the totally ordered payloads; this is the only
// place the lock and the replicated counter change on behalf of the
// group.
func (s *Server) onDelivered(message types.Message) {
	switch message.Intention {
	case types.Lock:
		if s.lock != types.Open {
			return
		}
		if message.UUID == s.uuid {
			s.lock = types.Mine
			s.drainRequests()
		} else {
			s.lock = types.Closed
		}
	case types.Unlock:
		switch {
		case message.UUID == s.uuid:
			s.lock = types.Open
		case s.lock == types.Closed:
			s.lock = types.Open
		default:
			s.log.Warnf("unexpected unlock from %s in state %s", message.UUID, s.lock)
		}
		s.maybeLock()
	case types.UpdateEntries:
		if message.UUID != s.uuid {
			s.entries = message.Entries
			s.emitMonitor()
		}
	default:
		s.log.Warnf("unexpected ordered payload %s", message.Intention)
	}
}

// onReconciled applies the value a RESUME carried after a Byzantine
// round.
func (s *Server) onReconciled(value int) {
	s.entries = value
	s.byzMember = nil
	s.emitMonitor()
}

func (s *Server) onRequestAction(message types.Message) {
	if message.UUID != "" {
		if _, ok := s.clients[message.UUID]; !ok {
			s.clients[message.UUID] = message.Endpoint()
		}
	}
	s.pendingQ = append(s.pendingQ, request{client: message.UUID, increase: message.Increase})
	s.maybeLock()
}

// maybeLock contends for the mutation token when there is work and
// nobody holds it.
func (s *Server) maybeLock() {
	if s.lock != types.Open || len(s.pendingQ) == 0 || s.role == types.Pending {
		return
	}
	s.rom.Send(types.Message{Intention: types.Lock, UUID: s.uuid})
}

// drainRequests serves the queue while holding the lock, then
// publishes the counter and releases. Admission decisions go straight
// to the requesting clients.
func (s *Server) drainRequests() {
	for _, req := range s.pendingQ {
		switch {
		case req.increase && s.entries < s.conf.MaxEntries:
			s.entries++
			s.respond(req.client, types.AcceptEntry)
		case req.increase:
			s.respond(req.client, types.DenyEntry)
		default:
			// Release: clamp at zero, a double release must never
			// drive the counter negative.
			if s.entries > 0 {
				s.entries--
			}
		}
	}
	s.pendingQ = nil

	s.updateClients()
	s.rom.Send(types.Message{Intention: types.UpdateEntries, Entries: s.entries, UUID: s.uuid})
	s.rom.Send(types.Message{Intention: types.Unlock, UUID: s.uuid})
	s.emitMonitor()
}

func (s *Server) respond(client string, verdict types.Intention) {
	addr, ok := s.clients[client]
	if !ok {
		return
	}
	if !s.tcp.Send(types.Message{Intention: verdict, Entries: s.entries, UUID: s.uuid}, addr) {
		delete(s.clients, client)
	}
}

// updateClients pushes the fresh counter to every registered client;
// unreachable clients drop out of the registry.
func (s *Server) updateClients() {
	update := types.Message{Intention: types.UpdateEntries, Entries: s.entries, UUID: s.uuid}
	for id, addr := range s.clients {
		if !s.tcp.Send(update, addr) {
			delete(s.clients, id)
		}
	}
}

// offerClient answers discovery: any server may offer itself and the
// client picks one.
func (s *Server) offerClient(message types.Message) {
	if s.role == types.Pending {
		return
	}
	offer := types.Message{
		Intention: types.AcceptClient,
		UUID:      s.uuid,
		Address:   s.tcp.Addr().Address,
		Port:      s.tcp.Addr().Port,
		Entries:   s.entries,
	}
	s.tcp.Send(offer, message.Endpoint())
}

// emitMonitor broadcasts an observability snapshot; protocol peers
// never interpret it.
func (s *Server) emitMonitor() {
	hostname, _ := os.Hostname()
	clients := make([]string, 0, len(s.clients))
	for id := range s.clients {
		clients = append(clients, id)
	}
	snapshot := types.Message{
		Intention: types.MonitorMessage,
		UUID:      s.uuid,
		Hostname:  hostname,
		Address:   s.tcp.Addr().Address,
		Port:      s.tcp.Addr().Port,
		Clients:   clients,
		Entries:   s.entries,
		Election:  s.participating,
		Byz:       s.byzLeader != nil || s.byzMember != nil,
		State:     s.role.String(),
	}
	if err := s.broadcaster.Send(snapshot); err != nil {
		s.log.Debugf("monitor snapshot failed: %v", err)
	}
}
