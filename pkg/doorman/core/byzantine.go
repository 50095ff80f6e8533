package core

import (
	"github.com/lkettner/go-doorman/pkg/doorman/helper"
	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

// startByzantine opens an OM(f) round to cross validate the counter.
// Only the leader initiates, only when the group can mask at least
// one fault, and at most one round runs at a time.
func (s *Server) startByzantine() {
	if s.role != types.Leader || s.byzLeader != nil {
		return
	}
	faulty := (s.view.Len() - 1) / 3
	if faulty == 0 {
		return
	}

	id := helper.GenerateUID()
	s.byzHistory[id] = types.RoundStarted
	s.byzLeader = types.NewLeaderRound(id)
	s.log.Infof("byzantine round %s over %d members, f=%d", id, s.view.Len(), faulty)

	s.rom.Pause()
	s.emitMonitor()

	dests := s.view.Others(s.uuid)
	order := types.Message{
		Intention: types.OM,
		ID:        id,
		V:         s.entries,
		Dests:     dests,
		List:      []string{s.uuid},
		Faulty:    faulty,
	}
	for _, member := range dests {
		addr, ok := s.view.Addr(member)
		if !ok || !s.tcp.Send(order, addr) {
			s.log.Warnf("byzantine order to %s failed, restarting", member)
			s.dropMember(member)
			s.distributeView()
			s.restartByzantine(id)
			return
		}
	}
}

// restartByzantine aborts the current round and opens a fresh one on
// the current view.
func (s *Server) restartByzantine(id string) {
	if state, ok := s.byzHistory[id]; ok && state == types.RoundStarted {
		s.byzHistory[id] = types.RoundAborted
	}
	s.byzLeader = nil
	s.rom.Resume(s.entries)
	s.startByzantine()
}

// onOM handles both halves of the protocol: member decisions coming
// back to the leader, and order relays descending the recursion.
func (s *Server) onOM(message types.Message) {
	if message.From != "" {
		s.onOMDecision(message)
		return
	}
	s.onOMOrder(message)
}

// onOMDecision tallies one member vote on the leader.
func (s *Server) onOMDecision(message types.Message) {
	if s.byzLeader == nil || s.byzLeader.ID != message.ID {
		s.log.Warnf("vote for unknown byzantine round %s", message.ID)
		return
	}
	s.byzLeader.Record(message.From, message.Result)

	expected := s.view.IDs()
	expected.Remove(s.uuid)
	if !s.byzLeader.Covered(expected) {
		return
	}

	decision := s.byzLeader.Decision()
	s.log.Infof("byzantine round %s finished with %d", s.byzLeader.ID, decision)
	s.byzHistory[s.byzLeader.ID] = types.RoundFinished
	s.byzLeader = nil
	s.entries = decision
	// The ordered RESUME overwrites the counter on every replica at
	// one well defined cut.
	s.rom.Resume(decision)
	s.emitMonitor()
}

// onOMOrder runs the member recursion: record the relayed value under
// its path, pass the own value one level down, and vote once the
// information gathering tree filled up.
func (s *Server) onOMOrder(message types.Message) {
	if state, ok := s.byzHistory[message.ID]; ok && state != types.RoundStarted {
		s.log.Warnf("order for closed byzantine round %s", message.ID)
		return
	}
	if s.byzMember != nil && s.byzMember.ID != message.ID {
		// A new round preempts the stale one.
		s.byzHistory[s.byzMember.ID] = types.RoundAborted
		s.byzMember = nil
	}
	if s.byzMember == nil {
		s.byzHistory[message.ID] = types.RoundStarted
		s.byzMember = types.NewMemberRound(message.ID, s.view.Len())
	}

	s.byzMember.Tree.Push(message.List, message.V)

	if message.Faulty > 0 {
		var dests []string
		for _, id := range message.Dests {
			if id != s.uuid {
				dests = append(dests, id)
			}
		}
		relay := types.Message{
			Intention: types.OM,
			ID:        message.ID,
			V:         s.entries,
			Dests:     dests,
			List:      append([]string{s.uuid}, message.List...),
			Faulty:    message.Faulty - 1,
		}
		for _, id := range dests {
			addr, ok := s.view.Addr(id)
			if !ok || !s.tcp.Send(relay, addr) {
				s.log.Warnf("byzantine relay to %s failed, asking for a restart", id)
				s.askByzantineRestart(message.ID)
				return
			}
		}
	}

	if s.byzMember != nil && s.byzMember.Tree.IsFull() {
		decision := s.byzMember.Tree.Decide()
		vote := types.Message{
			Intention: types.OM,
			ID:        message.ID,
			From:      s.uuid,
			Result:    decision,
		}
		addr, ok := s.view.Addr(s.leader)
		if !ok || !s.tcp.Send(vote, addr) {
			s.log.Warnf("could not deliver byzantine vote to %s", s.leader)
		}
		s.byzHistory[message.ID] = types.RoundFinished
		s.byzMember = nil
	}
}

// askByzantineRestart reports a broken relay path to the leader.
func (s *Server) askByzantineRestart(id string) {
	s.byzHistory[id] = types.RoundAborted
	s.byzMember = nil
	addr, ok := s.view.Addr(s.leader)
	if !ok {
		return
	}
	s.tcp.Send(types.Message{Intention: types.OMRestart, ID: id}, addr)
}

// onOMRestart aborts and reopens the round on the leader.
func (s *Server) onOMRestart(message types.Message) {
	if s.role != types.Leader {
		return
	}
	if s.byzLeader == nil || s.byzLeader.ID != message.ID {
		return
	}
	s.log.Warnf("byzantine round %s restarted on request", message.ID)
	s.restartByzantine(message.ID)
}
