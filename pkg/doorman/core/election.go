package core

import (
	"time"

	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// startElection kicks off a Chang-Roberts round over the current
// ring. A node alone in its view crowns itself directly.
func (s *Server) startElection() {
	if s.view.Len() <= 1 {
		s.becomeLeader()
		return
	}
	s.participating = true
	s.emitMonitor()
	s.forwardElection(types.Message{
		Intention: types.ElectionMessage,
		Mid:       s.uuid,
	})
}

// forwardElection hands the message to the ring successor. An
// unreachable successor is dropped from the local view and the same
// message goes to the next successor on the shrunk ring; no fresh
// election round is started.
func (s *Server) forwardElection(message types.Message) {
	for {
		neighbor := s.view.Neighbor(s.uuid)
		if neighbor == "" {
			// Everyone else proved unreachable.
			s.becomeLeader()
			return
		}
		addr, ok := s.view.Addr(neighbor)
		if ok && s.tcp.Send(message, addr) {
			return
		}
		s.log.Warnf("election neighbor %s unreachable, dropping it", neighbor)
		s.dropMember(neighbor)
	}
}

// onElection applies the Chang-Roberts rules for one incoming
// election message.
func (s *Server) onElection(message types.Message) {
	if message.IsLeader {
		if message.Mid == s.uuid {
			// Own victory announcement completed the circle.
			return
		}
		if !s.participating {
			s.leader = message.Mid
			return
		}
		s.participating = false
		s.leader = message.Mid
		if s.role == types.Leader {
			s.role = types.Member
		}
		s.forwardElection(message)
		s.emitMonitor()
		return
	}

	switch {
	case message.Mid > s.uuid:
		s.participating = true
		s.forwardElection(message)
	case message.Mid < s.uuid:
		if s.participating {
			// Already circulated an id at least as large.
			return
		}
		s.participating = true
		s.forwardElection(types.Message{
			Intention: types.ElectionMessage,
			Mid:       s.uuid,
		})
	default:
		// The own id survived the whole ring.
		if !s.participating {
			return
		}
		s.participating = false
		s.becomeLeader()
		s.forwardElection(types.Message{
			Intention: types.ElectionMessage,
			Mid:       s.uuid,
			IsLeader:  true,
		})
	}
}

// becomeLeader installs leadership: probe every member, evict the
// unresponsive, hand out the resulting view and seed the heartbeat
// table. A group large enough for a Byzantine round gets one, so a
// fresh leader starts from a cross validated counter.
func (s *Server) becomeLeader() {
	s.role = types.Leader
	s.leader = s.uuid
	s.participating = false
	s.log.Infof("%s is the leader of %d", s.uuid, s.view.Len())

	for _, id := range s.view.Others(s.uuid) {
		addr, ok := s.view.Addr(id)
		if !ok || !s.tcp.Send(types.Message{Intention: types.Ping, UUID: s.uuid}, addr) {
			s.log.Warnf("member %s did not answer the leader ping", id)
			s.dropMember(id)
		}
	}

	s.heartbeats = map[string]*beat{}
	for _, id := range s.view.Others(s.uuid) {
		s.heartbeats[id] = &beat{last: time.Now()}
	}

	s.distributeView()
	s.emitMonitor()
	if (s.view.Len()-1)/3 > 0 {
		s.startByzantine()
	}
}
