// Package instance implements the authoritative per-slot (ballot, stage,
// command, seq, deps) store: it enforces monotonic ballot/stage
// transitions, maintains the command-id index for O(1) client dedup,
// and purges state on checkpoint rotation. State is memory-only;
// recovery after a crash replays from a still-live majority.
package instance

import (
	"fmt"

	logging "github.com/op/go-logging"

	"github.com/distsys-rnd/epaxos/internal/depcache"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

var logger = logging.MustGetLogger("instance")

// Frontier maps replica id to an exclusive instance bound for that
// replica: instances strictly below it are purged (the value is one
// past the highest purged instance).
type Frontier map[epaxos.ReplicaID]uint64

func (f Frontier) below(s epaxos.Slot) bool {
	limit, ok := f[s.Replica]
	if !ok {
		return false
	}
	return s.Instance < limit
}

// Store is the single authority on (ballot, stage) for every slot this
// replica knows about.
type Store struct {
	deps *depcache.Cache

	slots map[epaxos.Slot]epaxos.InstanceState
	byCmd map[[16]byte]epaxos.Slot

	// Checkpoint window: cp_old/cp_mid, each replica_id -> exclusive
	// purge bound for that replica. A freshly advanced frontier is
	// cp_mid until the next rotation retires it into cp_old.
	cpOld, cpMid Frontier
}

// New returns an empty store backed by the given dependency cache.
func New(deps *depcache.Cache) *Store {
	return &Store{
		deps:  deps,
		slots: make(map[epaxos.Slot]epaxos.InstanceState),
		byCmd: make(map[[16]byte]epaxos.Slot),
		cpOld: Frontier{},
		cpMid: Frontier{},
	}
}

func syntheticPrepared(slot epaxos.Slot, epoch epaxos.Epoch) epaxos.InstanceState {
	return epaxos.InstanceState{
		Ballot: epaxos.InitialBallot(epoch, slot.Replica),
		Stage:  epaxos.Prepared,
	}
}

// Load returns the current state for slot. If the slot has never been
// referenced it is created lazily with the initial ballot for epoch.
// exists reports whether the slot had prior state.
func (s *Store) Load(slot epaxos.Slot, epoch epaxos.Epoch) (exists bool, state epaxos.InstanceState, err error) {
	if s.cpOld.below(slot) {
		return false, epaxos.InstanceState{}, epaxos.NewSlotTooOldError(slot)
	}
	st, ok := s.slots[slot]
	if !ok {
		return false, syntheticPrepared(slot, epoch), nil
	}
	return true, st.Clone(), nil
}

// LoadByCommandID returns the slot and state currently bound to a
// command id, if any.
func (s *Store) LoadByCommandID(id [16]byte) (epaxos.Slot, epaxos.InstanceState, bool) {
	slot, ok := s.byCmd[id]
	if !ok {
		return epaxos.Slot{}, epaxos.InstanceState{}, false
	}
	st := s.slots[slot]
	return slot, st.Clone(), true
}

// Update applies a proposed new state to slot: the ballot and stage
// must both be non-decreasing, and the command is frozen once the
// stage passes PreAccepted. It returns the prior state (old) and the
// state that was actually stored (upd), which may differ from new when
// the dependency cache enriched a PreAccepted proposal.
func (s *Store) Update(slot epaxos.Slot, epoch epaxos.Epoch, next epaxos.InstanceState) (old, upd epaxos.InstanceState, err error) {
	if s.cpOld.below(slot) {
		return epaxos.InstanceState{}, epaxos.InstanceState{}, epaxos.NewSlotTooOldError(slot)
	}

	cur, existed := s.slots[slot]
	if !existed {
		cur = syntheticPrepared(slot, epoch)
	}

	if next.Ballot.Less(cur.Ballot) {
		return cur.Clone(), epaxos.InstanceState{}, epaxos.NewIncorrectBallotError(slot, cur)
	}
	if next.Stage < cur.Stage {
		return cur.Clone(), epaxos.InstanceState{}, epaxos.NewIncorrectStageError(slot, cur)
	}
	if cur.Stage > epaxos.PreAccepted && cur.Command != nil {
		if !cur.Command.Equal(next.Command) {
			return cur.Clone(), epaxos.InstanceState{}, epaxos.NewIncorrectCommandError(slot, cur)
		}
	}

	stored := next

	if next.Stage == epaxos.PreAccepted && next.Command != nil {
		excSeq, excDeps := s.deps.Exchange(slot, next.Command)
		stored.Seq = maxUint64(next.Seq, excSeq)
		stored.Deps = epaxos.UniqueSortedSlots(next.Deps, excDeps)
	}

	prevCmdID, hadCmd := cmdIDOf(cur)
	newCmdID, hasCmd := cmdIDOf(stored)
	if hadCmd && (!hasCmd || prevCmdID != newCmdID) {
		delete(s.byCmd, prevCmdID)
	}
	if hasCmd {
		s.byCmd[newCmdID] = slot
	}

	s.slots[slot] = stored
	logger.Debugf("update %v: stage %v->%v ballot %v->%v", slot, cur.Stage, stored.Stage, cur.Ballot, stored.Ballot)

	return cur.Clone(), stored.Clone(), nil
}

func cmdIDOf(st epaxos.InstanceState) ([16]byte, bool) {
	if st.Command == nil {
		return [16]byte{}, false
	}
	return st.Command.ID, true
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// AdvanceCheckpoint rotates the three-tier checkpoint window: cp_mid
// becomes the retiring cp_old, and frontier becomes the new cp_mid.
// Every slot strictly below the retiring cp_old is purged from every
// in-memory map. Purging a slot that has not reached Committed is a
// fatal assertion: execution would be inconsistent.
func (s *Store) AdvanceCheckpoint(frontier Frontier) {
	retiring := s.cpOld
	s.cpOld = s.cpMid
	s.cpMid = frontier

	for slot, st := range s.slots {
		if !s.cpOld.below(slot) {
			continue
		}
		if st.Stage != epaxos.Committed && st.Stage != epaxos.Executed && st.Stage != epaxos.Purged {
			panic(fmt.Sprintf("epaxos: FATAL: checkpoint purge of non-committed slot %v (stage %v)", slot, st.Stage))
		}
		if id, ok := cmdIDOf(st); ok {
			delete(s.byCmd, id)
		}
		delete(s.slots, slot)
	}

	logger.Infof("checkpoint advanced: retiring=%v mid=%v new=%v", retiring, s.cpOld, s.cpMid)
}

// CheckpointFrontiers exposes the current window for diagnostics/tests.
func (s *Store) CheckpointFrontiers() (old, mid Frontier) {
	return s.cpOld, s.cpMid
}
