package core

import (
	"time"

	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// join announces the node and waits for an existing group to answer.
// Silence makes this node the founding leader.
func (s *Server) join() {
	ident := types.Message{
		Intention: types.IdentServer,
		UUID:      s.uuid,
		Address:   s.tcp.Addr().Address,
		Port:      s.tcp.Addr().Port,
	}
	if err := s.broadcaster.Send(ident); err != nil {
		s.log.Errorf("join announcement failed: %v", err)
	}

	for i := 0; i < s.conf.MaxEntries; i++ {
		select {
		case <-s.ctx.Done():
			return
		case datagram := <-s.tcp.Listen():
			switch datagram.Message.Intention {
			case types.AcceptServer:
				s.adoptGroup(datagram.Message)
				return
			case types.TryAgain:
				// The leader is mid election or mid Byzantine round;
				// announce again and keep waiting.
				if err := s.broadcaster.Send(ident); err != nil {
					s.log.Errorf("join announcement failed: %v", err)
				}
			default:
				s.log.Debugf("ignoring %s while joining", datagram.Message.Intention)
			}
		case <-time.After(s.conf.PollTimeout):
		}
	}

	s.log.Infof("no group answered, %s becomes leader", s.uuid)
	s.role = types.Leader
	s.leader = s.uuid
	s.view = types.EmptyGroupView().With(s.uuid, s.tcp.Addr())
	s.rom.SetGroupView(s.view)
}

// adoptGroup installs the leader's answer: view, sequence numbers,
// undelivered queue and the current counter.
func (s *Server) adoptGroup(message types.Message) {
	s.role = types.Member
	s.leader = message.Leader
	s.view = types.NewGroupView(message.GroupView)
	s.entries = message.Entries
	s.lock = types.Open
	s.rom.SyncState(message.RNumbers, message.Queue)
	s.rom.SetGroupView(s.view)
	s.heartbeats = map[string]*beat{}
	s.log.Infof("joined group of %d led by %s", s.view.Len(), s.leader)
	s.emitMonitor()
}

// adoptView applies a leader distributed group view. Re-sending an
// identical view is a no-op.
func (s *Server) adoptView(message types.Message) {
	next := types.NewGroupView(message.GroupView)
	if message.Leader != "" {
		s.leader = message.Leader
	} else {
		s.leader = next.Leader()
	}
	if s.view.Equal(next) {
		return
	}
	s.view = next
	s.rom.SetGroupView(s.view)
	if s.role == types.Leader && s.leader != s.uuid {
		s.role = types.Member
	}
	s.log.Debugf("group view now %v", s.view.Ring())
	s.emitMonitor()
}

// registerServer admits a joining node. Only a settled leader admits;
// a leader mid election or mid Byzantine round tells the joiner to
// try again.
func (s *Server) registerServer(message types.Message) {
	if s.participating || s.byzLeader != nil {
		s.tcp.Send(types.Message{Intention: types.TryAgain}, message.Endpoint())
		return
	}
	if s.view.Contains(message.UUID) {
		s.log.Debugf("%s already registered", message.UUID)
		return
	}

	s.view = s.view.With(message.UUID, message.Endpoint())
	s.rom.RegisterMember(message.UUID)
	s.rom.SetGroupView(s.view)
	s.heartbeats[message.UUID] = &beat{last: time.Now()}

	rnumbers, queue := s.rom.Snapshot()
	accept := types.Message{
		Intention: types.AcceptServer,
		Leader:    s.uuid,
		GroupView: s.view.Members(),
		RNumbers:  rnumbers,
		Queue:     queue,
		Entries:   s.entries,
	}
	if !s.tcp.Send(accept, message.Endpoint()) {
		s.log.Warnf("new member %s unreachable, rolling back", message.UUID)
		s.dropMember(message.UUID)
		return
	}

	s.log.Infof("admitted %s, group size %d", message.UUID, s.view.Len())
	s.distributeView()
	s.emitMonitor()

	// A larger uuid joined: the ring maximum must lead.
	if s.view.Leader() != s.uuid {
		s.startElection()
		return
	}
	if (s.view.Len()-1)/3 > 0 {
		s.startByzantine()
	}
}

// distributeView pushes the current view to every member over TCP and
// mirrors it to the monitors. Members that cannot be reached are
// dropped and the distribution restarts.
func (s *Server) distributeView() {
	update := types.Message{
		Intention: types.UpdateGroupView,
		Leader:    s.uuid,
		GroupView: s.view.Members(),
	}
	for _, id := range s.view.Others(s.uuid) {
		addr, ok := s.view.Addr(id)
		if !ok {
			continue
		}
		if !s.tcp.Send(update, addr) {
			s.log.Warnf("member %s unreachable during view distribution", id)
			s.dropMember(id)
			s.distributeView()
			return
		}
	}

	notice := types.Message{
		Intention: types.MonitorMessage,
		UUID:      s.uuid,
		GroupView: s.view.Members(),
	}
	if err := s.broadcaster.Send(notice); err != nil {
		s.log.Debugf("view notice failed: %v", err)
	}
}

// dropMember removes one node from the local view and sequence
// tables. Authoritative eviction is still leader driven; followers
// only drop peers they proved unreachable themselves.
func (s *Server) dropMember(id string) {
	if id == "" || !s.view.Contains(id) {
		return
	}
	s.view = s.view.Without(id)
	delete(s.heartbeats, id)
	s.rom.SetGroupView(s.view)
}

// onServerGone handles an announced or detected departure.
func (s *Server) onServerGone(id string) {
	if id == "" || id == s.uuid {
		return
	}
	wasLeader := id == s.leader
	s.dropMember(id)

	if s.role == types.Leader {
		s.distributeView()
		s.emitMonitor()
		return
	}
	if wasLeader {
		s.log.Infof("leader %s is gone, starting election", id)
		s.startElection()
	}
}

// onHeartbeatTick is the member side: beat, and treat a failed beat
// as leader loss.
func (s *Server) onHeartbeatTick() {
	if s.role != types.Member {
		return
	}
	addr, ok := s.view.Addr(s.leader)
	if !ok {
		s.startElection()
		return
	}
	pulse := types.Message{
		Intention: types.Heartbeat,
		UUID:      s.uuid,
		Address:   s.tcp.Addr().Address,
		Port:      s.tcp.Addr().Port,
	}
	if !s.tcp.Send(pulse, addr) {
		s.log.Warnf("heartbeat to leader %s failed", s.leader)
		s.onServerGone(s.leader)
	}
}

// onHeartbeat is the leader side bookkeeping; a beat reaching a non
// leader is answered with a redirect.
func (s *Server) onHeartbeat(message types.Message) {
	if s.role != types.Leader {
		s.tcp.Send(types.Message{Intention: types.NotLeader, UUID: s.uuid}, message.Endpoint())
		return
	}
	entry, ok := s.heartbeats[message.UUID]
	if !ok {
		entry = &beat{}
		s.heartbeats[message.UUID] = entry
	}
	entry.last = time.Now()
	entry.strikes = 0
}

// onCheckTick walks the heartbeat table and evicts members that
// struck out. A leader left alone probes the subnet for a larger
// group to merge into.
func (s *Server) onCheckTick() {
	if s.role != types.Leader {
		return
	}

	evicted := false
	for id, entry := range s.heartbeats {
		if !s.view.Contains(id) {
			delete(s.heartbeats, id)
			continue
		}
		if time.Since(entry.last) <= s.conf.HeartbeatTimeout {
			continue
		}
		entry.strikes++
		s.log.Warnf("member %s missed a heartbeat, strike %d", id, entry.strikes)
		if entry.strikes >= s.conf.MaxTimeouts {
			s.log.Warnf("evicting %s", id)
			s.dropMember(id)
			evicted = true
		}
	}
	if evicted {
		s.distributeView()
		s.emitMonitor()
	}

	if s.view.Len() == 1 {
		probe := types.Message{
			Intention: types.IdentServer,
			UUID:      s.uuid,
			Address:   s.tcp.Addr().Address,
			Port:      s.tcp.Addr().Port,
		}
		if err := s.broadcaster.Send(probe); err != nil {
			s.log.Debugf("loneliness probe failed: %v", err)
		}
	}
}
