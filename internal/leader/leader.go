// Package leader drives the instances this replica proposes: the
// client-request flow (PreAccept -> (Accept) -> Commit) and the
// explicit-prepare recovery flow, as an explicit state machine keyed
// by slot. Nothing blocks: every inbound ack is a single step that
// looks up the attempt for its slot, folds the ack in, and either
// keeps waiting or emits the next round's effects.
package leader

import (
	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/distsys-rnd/epaxos/internal/effects"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/instance"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

var logger = logging.MustGetLogger("leader")

type phase uint8

const (
	phasePreAccept phase = iota
	phaseAccept
	phasePrepare
)

type attempt struct {
	phase  phase
	ballot epaxos.Ballot
	cmd    *epaxos.Command

	// localSeq/localDeps are this replica's own fast-path assignment,
	// used to decide whether every PreAcceptAck matches (fast commit).
	localSeq  uint64
	localDeps []epaxos.Slot

	// fastDisabled is set when recovery re-proposes a value: even a
	// unanimous ack set must still go through Accept.
	fastDisabled bool

	preAcceptAcks []wire.PreAcceptAck
	acceptAcks    []wire.AcceptAck
	prepareAcks   []prepareVote

	peers []epaxos.ReplicaID
}

type prepareVote struct {
	ballot  epaxos.Ballot
	stage   epaxos.Stage
	command *epaxos.Command
	seq     uint64
	deps    []epaxos.Slot
	from    epaxos.ReplicaID
}

// Leader drives every slot this replica currently leads, whether from a
// fresh client request or from explicit-prepare recovery.
type Leader struct {
	self  epaxos.ReplicaID
	epoch epaxos.Epoch
	peers []epaxos.ReplicaID
	store *instance.Store
	stats statsd.Statter

	nextInstance uint64
	attempts     map[epaxos.Slot]*attempt

	retries map[epaxos.Slot]int
}

// New returns a Leader for replica self among the given peers (not
// including self), sharing store with the rest of the replica's actors.
func New(self epaxos.ReplicaID, epoch epaxos.Epoch, peers []epaxos.ReplicaID, store *instance.Store, stats statsd.Statter) *Leader {
	return &Leader{
		self:     self,
		epoch:    epoch,
		peers:    append([]epaxos.ReplicaID(nil), peers...),
		store:    store,
		stats:    stats,
		attempts: make(map[epaxos.Slot]*attempt),
		retries:  make(map[epaxos.Slot]int),
	}
}

func (l *Leader) inc(name string) {
	if l.stats != nil {
		_ = l.stats.Inc("leader."+name, 1, 1.0)
	}
}

func (l *Leader) n() int { return len(l.peers) + 1 }

// ClientRequest begins consensus for cmd, allocating a fresh slot
// owned by this replica.
func (l *Leader) ClientRequest(cmd epaxos.Command) (epaxos.Slot, effects.Batch) {
	l.inc("client_request.count")
	slot := epaxos.Slot{Replica: l.self, Instance: l.nextInstance}
	l.nextInstance++

	ballot := epaxos.InitialBallot(l.epoch, l.self)
	return slot, l.startPreAccept(slot, ballot, &cmd, nil, nil, false)
}

func (l *Leader) startPreAccept(slot epaxos.Slot, ballot epaxos.Ballot, cmd *epaxos.Command, seedSeq *uint64, seedDeps []epaxos.Slot, fastDisabled bool) effects.Batch {
	next := epaxos.InstanceState{Ballot: ballot, Stage: epaxos.PreAccepted, Command: cmd}
	if seedSeq != nil {
		next.Seq = *seedSeq
		next.Deps = seedDeps
	}

	_, upd, err := l.store.Update(slot, l.epoch, next)
	var out effects.Batch
	if err != nil {
		logger.Errorf("leader preaccept %v: store update rejected: %v", slot, err)
		return out
	}

	att := &attempt{
		phase:        phasePreAccept,
		ballot:       ballot,
		cmd:          cmd,
		localSeq:     upd.Seq,
		localDeps:    upd.Deps,
		fastDisabled: fastDisabled,
		peers:        append([]epaxos.ReplicaID(nil), l.peers...),
	}
	l.attempts[slot] = att

	out.InstanceStates = append(out.InstanceStates, effects.InstanceState{Slot: slot, State: upd})
	for _, p := range l.peers {
		out.Sends = append(out.Sends, effects.Send{
			Dest: p,
			Payload: wire.PreAcceptRequest{
				Slot: slot, Ballot: ballot, Command: cmd, Seq: upd.Seq, Deps: upd.Deps,
			},
		})
	}
	l.inc("preaccept.broadcast.count")
	return out
}

// HandlePreAcceptAck folds in a peer's PreAcceptAck, advancing the
// attempt to commit (fast path) or to Accept (slow path) once enough
// replies have arrived.
func (l *Leader) HandlePreAcceptAck(origin epaxos.ReplicaID, ack wire.PreAcceptAck) effects.Batch {
	var out effects.Batch
	att, ok := l.attempts[ack.Slot]
	if !ok || att.phase != phasePreAccept || !att.ballot.Equal(ack.Ballot) {
		return out
	}

	att.preAcceptAcks = append(att.preAcceptAcks, ack)
	fast, slow := QuorumSizes(l.n())
	needed := fast - 1
	if needed < slow-1 {
		needed = slow - 1
	}
	if len(att.preAcceptAcks) < needed {
		return out
	}

	allMatch := !att.fastDisabled
	maxSeq := att.localSeq
	var unionDeps [][]epaxos.Slot
	unionDeps = append(unionDeps, att.localDeps)
	for _, a := range att.preAcceptAcks {
		if a.Seq != att.localSeq || !slotSetEqual(a.Deps, att.localDeps) {
			allMatch = false
		}
		if a.Seq > maxSeq {
			maxSeq = a.Seq
		}
		unionDeps = append(unionDeps, a.Deps)
	}

	if allMatch {
		l.inc("preaccept.fast_commit.count")
		return l.commit(ack.Slot, att, att.localSeq, att.localDeps)
	}

	l.inc("preaccept.slow_path.count")
	deps := epaxos.UniqueSortedSlots(unionDeps...)
	return l.startAccept(ack.Slot, att, maxSeq, deps)
}

// HandlePreAcceptNack is a no-op: the acceptor's LeaderStop
// side-channel stops competing leaders, so nacks carry nothing to act
// on.
func (l *Leader) HandlePreAcceptNack(origin epaxos.ReplicaID, nack wire.PreAcceptNack) effects.Batch {
	logger.Debugf("ignoring preaccept nack from %v for %v", origin, nack.Slot)
	return effects.Batch{}
}

func (l *Leader) startAccept(slot epaxos.Slot, att *attempt, seq uint64, deps []epaxos.Slot) effects.Batch {
	next := epaxos.InstanceState{Ballot: att.ballot, Stage: epaxos.Accepted, Command: att.cmd, Seq: seq, Deps: deps}
	_, upd, err := l.store.Update(slot, l.epoch, next)
	var out effects.Batch
	if err != nil {
		logger.Errorf("leader accept %v: store update rejected: %v", slot, err)
		delete(l.attempts, slot)
		return out
	}

	att.phase = phaseAccept
	att.localSeq = upd.Seq
	att.localDeps = upd.Deps
	att.acceptAcks = att.acceptAcks[:0]

	out.InstanceStates = append(out.InstanceStates, effects.InstanceState{Slot: slot, State: upd})
	for _, p := range att.peers {
		out.Sends = append(out.Sends, effects.Send{
			Dest:    p,
			Payload: wire.AcceptRequest{Slot: slot, Ballot: att.ballot, Command: att.cmd, Seq: upd.Seq, Deps: upd.Deps},
		})
	}
	l.inc("accept.broadcast.count")
	return out
}

// HandleAcceptAck folds in a peer's AcceptAck, committing once a slow
// quorum has replied.
func (l *Leader) HandleAcceptAck(origin epaxos.ReplicaID, ack wire.AcceptAck) effects.Batch {
	var out effects.Batch
	att, ok := l.attempts[ack.Slot]
	if !ok || att.phase != phaseAccept || !att.ballot.Equal(ack.Ballot) {
		return out
	}

	att.acceptAcks = append(att.acceptAcks, ack)
	_, slow := QuorumSizes(l.n())
	if len(att.acceptAcks) < slow-1 {
		return out
	}

	return l.commit(ack.Slot, att, att.localSeq, att.localDeps)
}

// HandleAcceptNack is likewise ignored.
func (l *Leader) HandleAcceptNack(origin epaxos.ReplicaID, nack wire.AcceptNack) effects.Batch {
	logger.Debugf("ignoring accept nack from %v for %v", origin, nack.Slot)
	return effects.Batch{}
}

func (l *Leader) commit(slot epaxos.Slot, att *attempt, seq uint64, deps []epaxos.Slot) effects.Batch {
	next := epaxos.InstanceState{Ballot: att.ballot, Stage: epaxos.Committed, Command: att.cmd, Seq: seq, Deps: deps}
	_, upd, err := l.store.Update(slot, l.epoch, next)
	delete(l.attempts, slot)
	delete(l.retries, slot)

	var out effects.Batch
	if err != nil {
		logger.Warningf("leader commit %v: store update rejected (already committed elsewhere?): %v", slot, err)
		return out
	}

	out.InstanceStates = append(out.InstanceStates, effects.InstanceState{Slot: slot, State: upd})
	for _, p := range att.peers {
		out.Sends = append(out.Sends, effects.Send{
			Dest:    p,
			Payload: wire.CommitRequest{Slot: slot, Ballot: att.ballot, Command: att.cmd, Seq: upd.Seq, Deps: upd.Deps},
		})
	}
	l.inc("commit.count")
	return out
}

// OnInstanceState cancels any attempt this leader is running for slot
// once it observes the slot committed some other way; any pending
// replies for it are dropped.
func (l *Leader) OnInstanceState(slot epaxos.Slot, state epaxos.InstanceState) {
	if state.Stage < epaxos.Committed {
		return
	}
	if _, ok := l.attempts[slot]; ok {
		delete(l.attempts, slot)
		l.inc("cancelled.committed.count")
	}
}

// OnLeaderStop cancels this leader's attempt for slot; the local
// acceptor just recorded a competing leader's state change for it.
func (l *Leader) OnLeaderStop(slot epaxos.Slot) {
	if _, ok := l.attempts[slot]; ok {
		delete(l.attempts, slot)
		l.inc("cancelled.leaderstop.count")
	}
}
