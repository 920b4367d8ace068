package leader

import (
	"fmt"

	"github.com/distsys-rnd/epaxos/internal/effects"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

// ExplicitPrepare starts (or restarts) a recovery round for slot at a
// bumped ballot. reason is logged only ("TIMEOUT", "NACK" retry, or an
// operator-triggered probe).
func (l *Leader) ExplicitPrepare(slot epaxos.Slot, reason string) effects.Batch {
	l.inc("explicit_prepare.count")
	_, cur, err := l.store.Load(slot, l.epoch)
	var out effects.Batch
	if err != nil {
		logger.Warningf("explicit prepare %v: load failed: %v", slot, err)
		return out
	}
	if cur.Stage >= epaxos.Committed {
		return out
	}

	newBallot := epaxos.NextBallot(cur.Ballot, l.self)
	_, upd, err := l.store.Update(slot, l.epoch, epaxos.InstanceState{
		Ballot: newBallot, Stage: cur.Stage, Command: cur.Command, Seq: cur.Seq, Deps: cur.Deps,
	})
	if err != nil {
		logger.Warningf("explicit prepare %v: ballot bump rejected: %v", slot, err)
		return out
	}

	att := &attempt{
		phase:  phasePrepare,
		ballot: newBallot,
		peers:  append([]epaxos.ReplicaID(nil), l.peers...),
		prepareAcks: []prepareVote{{
			ballot: newBallot, stage: upd.Stage, command: upd.Command, seq: upd.Seq, deps: upd.Deps, from: l.self,
		}},
	}
	l.attempts[slot] = att

	out.InstanceStates = append(out.InstanceStates, effects.InstanceState{Slot: slot, State: upd})
	for _, p := range att.peers {
		out.Sends = append(out.Sends, effects.Send{
			Dest:    p,
			Payload: wire.PrepareRequest{Slot: slot, Ballot: newBallot},
		})
	}
	logger.Debugf("explicit prepare %v started at %v (%s)", slot, newBallot, reason)
	return out
}

// HandlePrepareAck folds in a PrepareAck, resolving the recovery round
// once a slow quorum of same-ballot replies (self included) has arrived.
func (l *Leader) HandlePrepareAck(origin epaxos.ReplicaID, ack wire.PrepareAck) effects.Batch {
	var out effects.Batch
	att, ok := l.attempts[ack.Slot]
	if !ok || att.phase != phasePrepare || !att.ballot.Equal(ack.Ballot) {
		return out
	}

	att.prepareAcks = append(att.prepareAcks, prepareVote{
		ballot: ack.Ballot, stage: ack.Stage, command: ack.Command, seq: ack.Seq, deps: ack.Deps, from: origin,
	})

	_, slow := QuorumSizes(l.n())
	if len(att.prepareAcks) < slow {
		return out
	}
	return l.resolvePrepare(ack.Slot, att)
}

// HandlePrepareNack terminates the recovery round and asks the router
// to hold off the retry for its configured backoff rather than let it
// fire on the next ordinary timeout tick.
func (l *Leader) HandlePrepareNack(origin epaxos.ReplicaID, nack wire.PrepareNack) effects.Batch {
	var out effects.Batch
	att, ok := l.attempts[nack.Slot]
	// The acceptor nacks with its own stored ballot, which is above the
	// round's ballot; a nack below the round's ballot is stale.
	if ok && att.phase == phasePrepare && !nack.Ballot.Less(att.ballot) {
		delete(l.attempts, nack.Slot)
		l.retries[nack.Slot]++
		logger.Infof("explicit prepare %v nacked by %v: %v", nack.Slot, origin, epaxos.NewExplicitPrepareError(nack.Slot, "NACK"))
		out.BackoffRetries = append(out.BackoffRetries, effects.BackoffRetry{Slot: nack.Slot})
	}
	return out
}

func cmdFingerprint(c *epaxos.Command) string {
	if c == nil {
		return "noop"
	}
	return fmt.Sprintf("%x/%d/%s/%v/%d", c.ID, c.Kind, c.Op, c.Keys, c.CheckpointN)
}

// resolvePrepare decides what value to carry forward once a slow
// quorum of same-ballot PrepareAcks (plus the synthesized self reply)
// has been collected: adopt the highest stage seen, or fall back to a
// Noop when nobody knows the slot.
func (l *Leader) resolvePrepare(slot epaxos.Slot, att *attempt) effects.Batch {
	maxStage := epaxos.Prepared
	for _, v := range att.prepareAcks {
		if v.stage > maxStage {
			maxStage = v.stage
		}
	}

	var selected []prepareVote
	for _, v := range att.prepareAcks {
		if v.stage == maxStage {
			selected = append(selected, v)
		}
	}

	switch maxStage {
	case epaxos.Committed:
		vote := selected[0]
		att.cmd = vote.command
		l.inc("explicit_prepare.adopt_committed.count")
		return l.commit(slot, att, vote.seq, vote.deps)

	case epaxos.Accepted:
		vote := selected[0]
		att.cmd = vote.command
		l.inc("explicit_prepare.adopt_accepted.count")
		return l.startAccept(slot, att, vote.seq, vote.deps)

	case epaxos.PreAccepted:
		_, slow := QuorumSizes(l.n())
		groups := make(map[string][]prepareVote)
		for _, v := range selected {
			if v.from == slot.Replica {
				continue
			}
			key := fmt.Sprintf("%s|%d|%v", cmdFingerprint(v.command), v.seq, v.deps)
			groups[key] = append(groups[key], v)
		}
		for _, g := range groups {
			if len(g) >= slow-1 {
				vote := g[0]
				att.cmd = vote.command
				l.inc("explicit_prepare.adopt_preaccepted_quorum.count")
				return l.startAccept(slot, att, vote.seq, vote.deps)
			}
		}
		vote := selected[0]
		l.inc("explicit_prepare.adopt_preaccepted_single.count")
		seq := vote.seq
		return l.startPreAccept(slot, att.ballot, vote.command, &seq, vote.deps, true)

	default: // epaxos.Prepared: nobody has ever heard of this slot.
		l.inc("explicit_prepare.adopt_noop.count")
		return l.startPreAccept(slot, att.ballot, nil, nil, nil, true)
	}
}
