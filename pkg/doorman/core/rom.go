package core

import (
	"context"
	"sort"
	"time"

	"github.com/lkettner/go-doorman/pkg/doorman/helper"
	"github.com/lkettner/go-doorman/pkg/doorman/types"

	mapset "github.com/deckarep/golang-set/v2"
)

// held is an out of sequence datagram waiting for its gap to close.
type held struct {
	message types.Message
	from    string
}

// pending is one envelope inside the ISIS delivery queue. While the
// order is still proposed, seq holds the local proposal; once the
// final sequence arrives the entry is agreed and eligible at the head.
type pending struct {
	message types.Message
	seq     int
	agreed  bool
	origin  string
}

// romCommand is the single entry point for every caller-side
// operation, so the engine state has exactly one owner goroutine.
type romCommand struct {
	send     *types.Message
	pause    bool
	resume   bool
	value    int
	view     *types.GroupView
	register string
	sync     *romSync
	snapshot chan romSync
}

type romSync struct {
	rnumbers     map[string]int
	deliverQueue map[string]types.Message
}

// ROMulticast combines reliable flooding with negative
// acknowledgement recovery and ISIS total ordering on top of the raw
// multicast plane. Ordered payloads are handed to the dispatcher
// queue as events.
type ROMulticast struct {
	name string
	conf *types.Configuration
	log  types.Logger
	conn MulticastConn
	sink chan<- types.Event

	view types.GroupView

	snumber  int
	rnumbers map[string]int
	received mapset.Set[string]
	holdback map[string]held

	out     map[int]types.Message
	outA    map[string]map[string]int
	backlog map[string]types.GroupView

	deliverQueue map[string]*pending

	aq int
	pq int

	paused      bool
	pausedQueue []types.Message
	autoResume  *time.Timer

	commands chan romCommand
	ctx      context.Context
	finish   context.CancelFunc
}

// NewROMulticast wires the engine between the raw multicast plane and
// the dispatcher queue and starts its owner goroutine.
func NewROMulticast(name string, conf *types.Configuration, conn MulticastConn, sink chan<- types.Event) *ROMulticast {
	ctx, finish := context.WithCancel(context.Background())
	r := &ROMulticast{
		name:         name,
		conf:         conf,
		log:          conf.Logger,
		conn:         conn,
		sink:         sink,
		view:         types.EmptyGroupView(),
		rnumbers:     map[string]int{name: 0},
		received:     mapset.NewThreadUnsafeSet[string](),
		holdback:     map[string]held{},
		out:          map[int]types.Message{},
		outA:         map[string]map[string]int{},
		backlog:      map[string]types.GroupView{},
		deliverQueue: map[string]*pending{},
		commands:     make(chan romCommand, 128),
		ctx:          ctx,
		finish:       finish,
	}
	go r.run()
	return r
}

// Send multicasts a payload with total order and reliable delivery.
func (r *ROMulticast) Send(message types.Message) {
	r.command(romCommand{send: &message})
}

// Pause quiesces payload traffic group wide through an ordered STOP.
func (r *ROMulticast) Pause() {
	r.command(romCommand{pause: true})
}

// Resume lifts the pause through an ordered RESUME carrying the
// reconciled counter value.
func (r *ROMulticast) Resume(value int) {
	r.command(romCommand{resume: true, value: value})
}

// SetGroupView hands the engine a fresh membership snapshot and
// re-checks every in-flight proposal round against it.
func (r *ROMulticast) SetGroupView(view types.GroupView) {
	r.command(romCommand{view: &view})
}

// RegisterMember seeds the sequence table for a member that joined.
func (r *ROMulticast) RegisterMember(id string) {
	r.command(romCommand{register: id})
}

// SyncState adopts the sequence numbers and the undelivered queue a
// joining node receives from the leader.
func (r *ROMulticast) SyncState(rnumbers map[string]int, deliverQueue map[string]types.Message) {
	r.command(romCommand{sync: &romSync{rnumbers: rnumbers, deliverQueue: deliverQueue}})
}

// Snapshot returns copies of the sequence table and the undelivered
// queue, for admitting a new member.
func (r *ROMulticast) Snapshot() (map[string]int, map[string]types.Message) {
	reply := make(chan romSync, 1)
	r.command(romCommand{snapshot: reply})
	select {
	case state := <-reply:
		return state.rnumbers, state.deliverQueue
	case <-r.ctx.Done():
		return map[string]int{}, map[string]types.Message{}
	}
}

// Stop terminates the engine goroutine. The underlying connection is
// owned by the caller and closed separately.
func (r *ROMulticast) Stop() {
	r.finish()
}

func (r *ROMulticast) command(cmd romCommand) {
	select {
	case r.commands <- cmd:
	case <-r.ctx.Done():
	}
}

func (r *ROMulticast) run() {
	defer r.log.Debugf("rom engine %s shutting down", r.name)
	for {
		var deadline <-chan time.Time
		if r.autoResume != nil {
			deadline = r.autoResume.C
		}

		select {
		case <-r.ctx.Done():
			return
		case datagram, ok := <-r.conn.Listen():
			if !ok {
				return
			}
			r.handle(datagram.Message, datagram.From)
		case cmd := <-r.commands:
			r.apply(cmd)
		case <-deadline:
			r.abortPause()
		}
	}
}

func (r *ROMulticast) apply(cmd romCommand) {
	switch {
	case cmd.send != nil:
		r.send(*cmd.send)
	case cmd.pause:
		if !r.paused {
			r.log.Info("pausing rom")
		}
		r.paused = true
		r.send(types.Message{Purpose: types.Stop})
	case cmd.resume:
		if r.paused {
			r.log.Info("resuming rom")
		}
		r.paused = false
		r.send(types.Message{Purpose: types.Resume, Value: cmd.value})
		r.flushPaused()
	case cmd.view != nil:
		r.setGroupView(*cmd.view)
	case cmd.register != "":
		if _, ok := r.rnumbers[cmd.register]; !ok {
			r.rnumbers[cmd.register] = 0
		}
	case cmd.sync != nil:
		for id, n := range cmd.sync.rnumbers {
			r.rnumbers[id] = n
		}
		for id, message := range cmd.sync.deliverQueue {
			if _, ok := r.deliverQueue[id]; !ok {
				r.deliverQueue[id] = &pending{message: message, origin: origin(message)}
			}
		}
	case cmd.snapshot != nil:
		rnumbers := make(map[string]int, len(r.rnumbers))
		for id, n := range r.rnumbers {
			rnumbers[id] = n
		}
		queue := make(map[string]types.Message, len(r.deliverQueue))
		for id, entry := range r.deliverQueue {
			queue[id] = entry.message
		}
		cmd.snapshot <- romSync{rnumbers: rnumbers, deliverQueue: queue}
	}
}

// send wraps a payload into the reliable ordered envelope. A message
// without a sender is an original emission: it opens a proposal round
// pinned to the group view at send time.
func (r *ROMulticast) send(message types.Message) {
	if message.Purpose == "" {
		message.Purpose = types.RealMsg
	}
	if message.ID == "" {
		message.ID = helper.GenerateUID()
	}
	if message.Sender == "" {
		message.Original = r.name
		r.outA[message.ID] = map[string]int{}
		r.backlog[message.ID] = r.view
	}

	if r.paused && message.Purpose != types.Stop && message.Purpose != types.Resume {
		r.pausedQueue = append(r.pausedQueue, message)
		return
	}
	r.emit(message)
}

// emit stamps the local send counter and puts the envelope on the
// wire, keeping a copy for retransmission.
func (r *ROMulticast) emit(message types.Message) {
	message.Sender = r.name
	r.snumber++
	message.S = r.snumber
	r.out[r.snumber] = message
	if err := r.conn.SendGroup(message); err != nil {
		r.log.Errorf("multicast send failed: %v", err)
	}
}

func (r *ROMulticast) flushPaused() {
	queued := r.pausedQueue
	r.pausedQueue = nil
	for _, message := range queued {
		r.emit(message)
	}
}

// handle is the inbound entry: proposals and recovery answers are
// point to point control traffic, everything else runs through the
// reliable layer.
func (r *ROMulticast) handle(message types.Message, from string) {
	switch message.Purpose {
	case types.PropSeq:
		r.collectProposal(message)
	case types.Nack:
		for _, missing := range message.Nacks {
			if envelope, ok := r.out[missing]; ok {
				if err := r.conn.SendTo(envelope, from); err != nil {
					r.log.Errorf("nack retransmit to %s failed: %v", from, err)
				}
			}
		}
	default:
		r.reliable(message, from)
	}
}

// reliable implements flooding with per sender FIFO delivery and
// negative acknowledgement recovery.
func (r *ROMulticast) reliable(message types.Message, from string) {
	sender := message.Sender
	if _, ok := r.rnumbers[sender]; !ok {
		r.log.Errorf("unknown sequence for sender %s", sender)
		return
	}

	if r.received.Contains(message.ID) {
		if message.S == r.rnumbers[sender]+1 {
			r.rnumbers[sender]++
			r.drainHoldback(sender, from)
		}
		return
	}
	r.received.Add(message.ID)
	if sender != r.name {
		// B-multicast flood: pass the envelope on unchanged.
		if err := r.conn.SendGroup(message); err != nil {
			r.log.Errorf("flood relay failed: %v", err)
		}
	}

	switch s := message.S; {
	case s == r.rnumbers[sender]+1:
		r.process(message, from)
		r.drainHoldback(sender, from)
	case s <= r.rnumbers[sender]:
		r.log.Debugf("skipping stale %s from %s with S=%d", message.ID, sender, s)
	default:
		r.requestMissing(message, from)
	}
}

func (r *ROMulticast) drainHoldback(sender, from string) {
	for {
		next, ok := r.takeHeld(r.rnumbers[sender]+1, sender)
		if !ok {
			return
		}
		r.process(next.message, next.from)
	}
}

func (r *ROMulticast) takeHeld(s int, sender string) (held, bool) {
	for id, entry := range r.holdback {
		if entry.message.S == s && entry.message.Sender == sender {
			delete(r.holdback, id)
			return entry, true
		}
	}
	return held{}, false
}

// requestMissing stores the early datagram and asks the direct source
// for every sequence still missing below it.
func (r *ROMulticast) requestMissing(message types.Message, from string) {
	r.holdback[message.ID] = held{message: message, from: from}
	sender := message.Sender

	var nacks []int
	gap := false
	for s := r.rnumbers[sender] + 1; s < message.S; s++ {
		if !gap {
			if next, ok := r.takeHeld(s, sender); ok {
				r.process(next.message, next.from)
				continue
			}
			gap = true
		}
		nacks = append(nacks, s)
	}
	if len(nacks) == 0 {
		return
	}

	r.log.Debugf("nacking %v from %s", nacks, sender)
	nack := types.Message{Purpose: types.Nack, ID: helper.GenerateUID(), Nacks: nacks}
	if err := r.conn.SendTo(nack, from); err != nil {
		r.log.Errorf("nack to %s failed: %v", from, err)
	}
}

// process consumes one in sequence envelope: payloads enter the
// ordering stage, final sequences close it.
func (r *ROMulticast) process(message types.Message, from string) {
	r.rnumbers[message.Sender]++

	switch message.Purpose {
	case types.RealMsg, types.Stop, types.Resume:
		r.proposeOrder(message, from)
	case types.FinSeq:
		r.finalize(message)
	default:
		r.log.Errorf("bad envelope %s purpose %s", message.ID, message.Purpose)
	}
}

// proposeOrder queues the payload and answers the direct source with
// a proposed sequence number.
func (r *ROMulticast) proposeOrder(message types.Message, from string) {
	r.pq = max(r.aq, r.pq) + 1
	r.deliverQueue[message.ID] = &pending{
		message: message,
		seq:     r.pq,
		origin:  origin(message),
	}
	proposal := types.Message{
		Purpose: types.PropSeq,
		MesgID:  message.ID,
		PQ:      r.pq,
		ID:      helper.GenerateUID(),
		Sender:  r.name,
	}
	if err := r.conn.SendTo(proposal, from); err != nil {
		r.log.Errorf("proposal to %s failed: %v", from, err)
	}
}

// collectProposal gathers proposed sequence numbers for an own
// message until every member of the send time view that is still
// around has answered.
func (r *ROMulticast) collectProposal(message types.Message) {
	id := message.MesgID
	proposals, ok := r.outA[id]
	if !ok {
		return
	}
	proposals[message.Sender] = message.PQ
	if r.completeProposal(id, proposals) {
		delete(r.outA, id)
		delete(r.backlog, id)
	}
}

func (r *ROMulticast) completeProposal(id string, proposals map[string]int) bool {
	if len(proposals) == 0 {
		return false
	}
	proposers := mapset.NewThreadUnsafeSet[string]()
	for sender := range proposals {
		proposers.Add(sender)
	}
	needed := r.backlog[id].IDs().Intersect(r.view.IDs())
	if needed.Difference(proposers).Cardinality() > 0 {
		return false
	}

	agreed := 0
	for _, pq := range proposals {
		agreed = max(agreed, pq)
	}
	// Bypasses the pause gate so in-flight rounds close during a
	// Byzantine quiescence.
	r.emit(types.Message{
		Purpose: types.FinSeq,
		MesgID:  id,
		A:       agreed,
		ID:      helper.GenerateUID(),
	})
	return true
}

// setGroupView re-evaluates in-flight rounds: members that left must
// not be waited on, neither as proposers nor as blocked deliveries.
// Members first learned from the view get a fresh sequence entry, so
// their envelopes are not dropped as coming from an unknown sender.
func (r *ROMulticast) setGroupView(view types.GroupView) {
	r.view = view

	for _, id := range view.Ring() {
		if _, ok := r.rnumbers[id]; !ok {
			r.rnumbers[id] = 0
		}
	}

	for id, proposals := range r.outA {
		if r.completeProposal(id, proposals) {
			delete(r.outA, id)
			delete(r.backlog, id)
		}
	}

	for id, entry := range r.deliverQueue {
		if !entry.agreed && entry.origin != "" && !view.Contains(entry.origin) {
			r.log.Warnf("dropping orphaned delivery %s from evicted %s", id, entry.origin)
			delete(r.deliverQueue, id)
		}
	}
	r.drainDeliveries()
}

// finalize records the agreed sequence and delivers every entry that
// reached the head of the total order.
func (r *ROMulticast) finalize(message types.Message) {
	id := message.MesgID
	r.aq = max(r.aq, message.A)

	entry, ok := r.deliverQueue[id]
	if !ok {
		if !r.received.Contains(id) {
			r.log.Error("finalized message missing from the deliver queue")
		}
		return
	}
	entry.seq = message.A
	entry.agreed = true
	r.drainDeliveries()
}

// drainDeliveries hands over agreed messages from the head of the
// queue. Order is by agreed sequence, ties broken by the original
// sender id, identical at every replica.
func (r *ROMulticast) drainDeliveries() {
	for {
		ids := make([]string, 0, len(r.deliverQueue))
		for id := range r.deliverQueue {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return
		}
		sort.Slice(ids, func(i, j int) bool {
			a, b := r.deliverQueue[ids[i]], r.deliverQueue[ids[j]]
			if a.seq != b.seq {
				return a.seq < b.seq
			}
			return a.origin < b.origin
		})

		head := r.deliverQueue[ids[0]]
		if !head.agreed {
			return
		}
		delete(r.deliverQueue, ids[0])
		message := head.message
		message.A = head.seq
		r.deliver(message)
	}
}

func (r *ROMulticast) deliver(message types.Message) {
	switch message.Purpose {
	case types.Stop:
		r.paused = true
		r.armAutoResume()
	case types.Resume:
		r.paused = false
		r.disarmAutoResume()
		r.flushPaused()
		r.upcall(types.Event{Kind: types.OMResultEvent, Message: message})
	default:
		r.upcall(types.Event{Kind: types.MulticastMessageEvent, Message: message})
	}
}

func (r *ROMulticast) upcall(event types.Event) {
	select {
	case r.sink <- event:
	case <-r.ctx.Done():
	}
}

// armAutoResume guards against a leader dying mid quiescence: a STOP
// whose RESUME never arrives is treated as aborted.
func (r *ROMulticast) armAutoResume() {
	r.disarmAutoResume()
	r.autoResume = time.NewTimer(2 * r.conf.HeartbeatTimeout)
}

func (r *ROMulticast) disarmAutoResume() {
	if r.autoResume != nil {
		r.autoResume.Stop()
		r.autoResume = nil
	}
}

func (r *ROMulticast) abortPause() {
	r.autoResume = nil
	if !r.paused {
		return
	}
	r.log.Warn("no resume arrived in time, lifting pause locally")
	r.paused = false
	r.flushPaused()
}

func origin(message types.Message) string {
	if message.Original != "" {
		return message.Original
	}
	return message.Sender
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
