// Package depcache implements the per-replica, per-key "last writer"
// dependency oracle. It is the only component that assigns fast-path
// seq/deps to a freshly PreAccepted command.
package depcache

import (
	"sync"

	logging "github.com/op/go-logging"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

var logger = logging.MustGetLogger("depcache")

type writer struct {
	slot epaxos.Slot
	seq  uint64
}

// checkpointSnapshot is the single (slot, seq) entry the cache keeps for
// the Checkpoint stream, alongside whether the per-key map was reset at
// that checkpoint.
type checkpointSnapshot struct {
	slot  epaxos.Slot
	seq   uint64
	valid bool
}

// Cache is the per-replica dependency oracle. The event loop is its
// only caller, so the mutex is never contended; it guards against a
// future caller reaching in from outside the loop.
type Cache struct {
	mu         sync.Mutex
	byKey      map[epaxos.Key]writer
	checkpoint checkpointSnapshot
}

// New returns an empty dependency cache.
func New() *Cache {
	return &Cache{byKey: make(map[epaxos.Key]writer)}
}

// Exchange updates the cache with cmd at slot and returns the sequence
// number and dependency set this replica would assign it on the fast
// path: one past the highest seq of any prior interfering command, and
// the set of slots those commands occupy.
func (c *Cache) Exchange(slot epaxos.Slot, cmd *epaxos.Command) (seq uint64, deps []epaxos.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cmd == nil {
		// Noop: no interference, no dependency contribution.
		return 1, nil
	}

	if cmd.Kind == epaxos.KindCheckpoint {
		return c.exchangeCheckpoint(slot)
	}
	return c.exchangeMutator(slot, cmd)
}

func (c *Cache) exchangeMutator(slot epaxos.Slot, cmd *epaxos.Command) (uint64, []epaxos.Slot) {
	var priorSlots []epaxos.Slot
	var maxSeq uint64

	haveCheckpoint := c.checkpoint.valid
	if haveCheckpoint {
		priorSlots = append(priorSlots, c.checkpoint.slot)
		if c.checkpoint.seq > maxSeq {
			maxSeq = c.checkpoint.seq
		}
	}

	for _, k := range cmd.Keys {
		w, ok := c.byKey[k]
		if !ok || w.slot == slot || !w.slot.Less(slot) {
			continue
		}
		priorSlots = append(priorSlots, w.slot)
		if w.seq > maxSeq {
			maxSeq = w.seq
		}
	}

	seq := maxSeq + 1
	deps := epaxos.UniqueSortedSlots(priorSlots)

	for _, k := range cmd.Keys {
		w, ok := c.byKey[k]
		if !ok || w.slot.Less(slot) {
			c.byKey[k] = writer{slot: slot, seq: seq}
		}
	}

	logger.Debugf("exchange mutator slot=%v seq=%d deps=%v", slot, seq, deps)
	return seq, deps
}

func (c *Cache) exchangeCheckpoint(slot epaxos.Slot) (uint64, []epaxos.Slot) {
	// Collapse deps to one slot per replica_id, keeping the greatest.
	byReplica := make(map[epaxos.ReplicaID]epaxos.Slot)
	var maxSeq uint64

	for _, w := range c.byKey {
		if cur, ok := byReplica[w.slot.Replica]; !ok || cur.Less(w.slot) {
			byReplica[w.slot.Replica] = w.slot
		}
		if w.seq > maxSeq {
			maxSeq = w.seq
		}
	}
	if c.checkpoint.valid {
		if cur, ok := byReplica[c.checkpoint.slot.Replica]; !ok || cur.Less(c.checkpoint.slot) {
			byReplica[c.checkpoint.slot.Replica] = c.checkpoint.slot
		}
		if c.checkpoint.seq > maxSeq {
			maxSeq = c.checkpoint.seq
		}
	}

	deps := make([]epaxos.Slot, 0, len(byReplica))
	for _, s := range byReplica {
		deps = append(deps, s)
	}
	epaxos.SortSlots(deps)

	seq := maxSeq + 1

	c.checkpoint = checkpointSnapshot{slot: slot, seq: seq, valid: true}
	c.byKey = make(map[epaxos.Key]writer)

	logger.Debugf("exchange checkpoint slot=%v seq=%d deps=%v", slot, seq, deps)
	return seq, deps
}
