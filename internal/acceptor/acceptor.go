// Package acceptor implements the replica's per-slot responder role:
// it answers PreAccept/Accept/Commit/Prepare requests against the
// shared instance store and emits the LeaderStop side-channel whenever
// it records a state change for a slot a local leader might still be
// driving. Every handler is a pure function of (store, request) ->
// (reply, effects), fit for a single-threaded event loop.
package acceptor

import (
	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/distsys-rnd/epaxos/internal/effects"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/instance"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

var logger = logging.MustGetLogger("acceptor")

// Acceptor is the replica's responder role, sharing the instance store
// with the leader actor.
type Acceptor struct {
	self  epaxos.ReplicaID
	epoch epaxos.Epoch
	store *instance.Store
	stats statsd.Statter
}

// New returns an Acceptor for replica self in the given epoch, sharing
// store with the rest of the replica's actors.
func New(self epaxos.ReplicaID, epoch epaxos.Epoch, store *instance.Store, stats statsd.Statter) *Acceptor {
	return &Acceptor{self: self, epoch: epoch, store: store, stats: stats}
}

func (a *Acceptor) inc(name string) {
	if a.stats != nil {
		_ = a.stats.Inc("acceptor."+name, 1, 1.0)
	}
}

func committedMask(st *instance.Store, deps []epaxos.Slot, epoch epaxos.Epoch) []bool {
	mask := make([]bool, len(deps))
	for i, d := range deps {
		_, state, err := st.Load(d, epoch)
		if err != nil {
			continue
		}
		mask[i] = state.Stage >= epaxos.Committed
	}
	return mask
}

// HandlePreAccept records a leader's fast-path proposal, acking with
// this replica's own seq/deps view, nacking a stale ballot, and
// silently dropping a proposal the slot has already advanced past.
func (a *Acceptor) HandlePreAccept(origin epaxos.ReplicaID, req wire.PreAcceptRequest) effects.Batch {
	a.inc("preaccept.count")
	next := epaxos.InstanceState{
		Ballot:  req.Ballot,
		Stage:   epaxos.PreAccepted,
		Command: req.Command,
		Seq:     req.Seq,
		Deps:    req.Deps,
	}

	_, upd, err := a.store.Update(req.Slot, a.epoch, next)
	var out effects.Batch
	switch e := err.(type) {
	case nil:
		mask := committedMask(a.store, upd.Deps, a.epoch)
		out.Sends = append(out.Sends, effects.Send{
			Dest: origin,
			Payload: wire.PreAcceptAck{
				Slot:              req.Slot,
				Ballot:            upd.Ballot,
				Seq:               upd.Seq,
				Deps:              upd.Deps,
				DepsCommittedMask: mask,
			},
		})
		out.LeaderStops = append(out.LeaderStops, effects.LeaderStop{Slot: req.Slot, Reason: "acceptor"})
		out.InstanceStates = append(out.InstanceStates, effects.InstanceState{Slot: req.Slot, State: upd})
		a.inc("preaccept.ack.count")
	case *epaxos.IncorrectBallotError:
		out.Sends = append(out.Sends, effects.Send{
			Dest:    origin,
			Payload: wire.PreAcceptNack{Slot: req.Slot, Ballot: e.Old.Ballot, Reason: "BALLOT"},
		})
		a.inc("preaccept.nack.count")
	case *epaxos.IncorrectStageError:
		logger.Debugf("preaccept %v dropped: stage already advanced", req.Slot)
		a.inc("preaccept.drop.count")
	default:
		logger.Errorf("preaccept %v: unexpected store error: %v", req.Slot, err)
	}
	return out
}

// HandleAccept records a leader's slow-path proposal.
func (a *Acceptor) HandleAccept(origin epaxos.ReplicaID, req wire.AcceptRequest) effects.Batch {
	a.inc("accept.count")
	next := epaxos.InstanceState{
		Ballot:  req.Ballot,
		Stage:   epaxos.Accepted,
		Command: req.Command,
		Seq:     req.Seq,
		Deps:    req.Deps,
	}

	_, upd, err := a.store.Update(req.Slot, a.epoch, next)
	var out effects.Batch
	switch e := err.(type) {
	case nil:
		out.Sends = append(out.Sends, effects.Send{
			Dest:    origin,
			Payload: wire.AcceptAck{Slot: req.Slot, Ballot: upd.Ballot},
		})
		out.LeaderStops = append(out.LeaderStops, effects.LeaderStop{Slot: req.Slot, Reason: "acceptor"})
		out.InstanceStates = append(out.InstanceStates, effects.InstanceState{Slot: req.Slot, State: upd})
		a.inc("accept.ack.count")
	case *epaxos.IncorrectBallotError:
		out.Sends = append(out.Sends, effects.Send{
			Dest:    origin,
			Payload: wire.AcceptNack{Slot: req.Slot, Ballot: e.Old.Ballot},
		})
		a.inc("accept.nack.count")
	case *epaxos.IncorrectStageError:
		logger.Debugf("accept %v dropped: stage already advanced", req.Slot)
		a.inc("accept.drop.count")
	default:
		logger.Errorf("accept %v: unexpected store error: %v", req.Slot, err)
	}
	return out
}

// HandleCommit finalizes a slot's value: no reply ever, success or
// failure.
func (a *Acceptor) HandleCommit(origin epaxos.ReplicaID, req wire.CommitRequest) effects.Batch {
	a.inc("commit.count")
	next := epaxos.InstanceState{
		Ballot:  req.Ballot,
		Stage:   epaxos.Committed,
		Command: req.Command,
		Seq:     req.Seq,
		Deps:    req.Deps,
	}

	_, upd, err := a.store.Update(req.Slot, a.epoch, next)
	var out effects.Batch
	switch err.(type) {
	case nil:
		out.LeaderStops = append(out.LeaderStops, effects.LeaderStop{Slot: req.Slot, Reason: "acceptor"})
		out.InstanceStates = append(out.InstanceStates, effects.InstanceState{Slot: req.Slot, State: upd})
		a.inc("commit.apply.count")
	case *epaxos.IncorrectBallotError, *epaxos.IncorrectStageError:
		logger.Debugf("commit %v dropped: %v", req.Slot, err)
		a.inc("commit.drop.count")
	default:
		logger.Errorf("commit %v: unexpected store error: %v", req.Slot, err)
	}
	return out
}

// HandlePrepare answers a recovery round with this replica's stored
// state for the slot, nacking when the round's ballot is stale.
func (a *Acceptor) HandlePrepare(origin epaxos.ReplicaID, req wire.PrepareRequest) effects.Batch {
	a.inc("prepare.count")
	_, st, err := a.store.Load(req.Slot, a.epoch)
	var out effects.Batch
	if err != nil {
		logger.Warningf("prepare %v: load error: %v", req.Slot, err)
		return out
	}

	if req.Ballot.Less(st.Ballot) {
		out.Sends = append(out.Sends, effects.Send{
			Dest:    origin,
			Payload: wire.PrepareNack{Slot: req.Slot, Ballot: st.Ballot},
		})
		a.inc("prepare.nack.count")
		return out
	}

	// Record the higher ballot so a later competing PreAccept/Accept at
	// the old ballot is correctly rejected.
	_, upd, updErr := a.store.Update(req.Slot, a.epoch, epaxos.InstanceState{
		Ballot:  req.Ballot,
		Stage:   st.Stage,
		Command: st.Command,
		Seq:     st.Seq,
		Deps:    st.Deps,
	})
	if updErr != nil {
		logger.Warningf("prepare %v: ballot bump rejected: %v", req.Slot, updErr)
		return out
	}

	out.Sends = append(out.Sends, effects.Send{
		Dest: origin,
		Payload: wire.PrepareAck{
			Slot:    req.Slot,
			Ballot:  req.Ballot,
			Command: upd.Command,
			Seq:     upd.Seq,
			Deps:    upd.Deps,
			Stage:   upd.Stage,
		},
	})
	out.InstanceStates = append(out.InstanceStates, effects.InstanceState{Slot: req.Slot, State: upd})
	a.inc("prepare.ack.count")
	return out
}
