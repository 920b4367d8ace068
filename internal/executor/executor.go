// Package executor orders committed instances for execution with a
// cluster (partial-SCC) merge: committed instances are folded into
// disjoint clusters of mutually-dependent slots, and a cluster becomes
// eligible for execution the instant every slot it still needs from
// outside itself (its ins set) has been executed. Walking direct
// dependency chains one level at a time cannot express the general
// same-seq tie, where two interfering commands each depend on the
// other with no back-edge to climb; the cluster scheme resolves
// exactly that.
package executor

import (
	"sort"

	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

var logger = logging.MustGetLogger("executor")

// Applied is one execution-ordered slot handed to the caller's command
// interpreter.
type Applied struct {
	Slot    epaxos.Slot
	Command *epaxos.Command
}

// Checkpoint is emitted when a Checkpoint command executes, carrying
// the truncation frontier derived from its dependency set.
type Checkpoint struct {
	Slot      epaxos.Slot
	Frontier  map[epaxos.ReplicaID]uint64
	HasPeerID map[epaxos.ReplicaID]bool
}

// cluster is a triple of pairwise-disjoint slot sets keyed for O(1)
// membership and merge: ins are dependencies still needed from
// outside, outs are committed slots some other pending slot depends
// on, items are fully internal.
type cluster struct {
	ins   map[epaxos.Slot]struct{}
	outs  map[epaxos.Slot]struct{}
	items map[epaxos.Slot]struct{}
}

func newCluster() *cluster {
	return &cluster{
		ins:   make(map[epaxos.Slot]struct{}),
		outs:  make(map[epaxos.Slot]struct{}),
		items: make(map[epaxos.Slot]struct{}),
	}
}

func (c *cluster) all(f func(epaxos.Slot)) {
	for s := range c.ins {
		f(s)
	}
	for s := range c.outs {
		f(s)
	}
	for s := range c.items {
		f(s)
	}
}

// Executor holds every pending cluster and the per-replica executed
// frontier.
type Executor struct {
	stats statsd.Statter

	executed map[epaxos.Slot]uint64 // slot -> seq, once applied
	cut      map[epaxos.ReplicaID]uint64

	clusters []*cluster
	depsOf   map[epaxos.Slot][]epaxos.Slot

	seqOf func(epaxos.Slot) (uint64, bool)
	cmdOf func(epaxos.Slot) *epaxos.Command
}

// New returns an empty Executor. seqOf and cmdOf let the executor pull a
// committed slot's seq/command out of the instance store lazily, at
// sort time, instead of carrying a duplicate copy in every cluster.
func New(stats statsd.Statter, seqOf func(epaxos.Slot) (uint64, bool), cmdOf func(epaxos.Slot) *epaxos.Command) *Executor {
	return &Executor{
		stats:    stats,
		executed: make(map[epaxos.Slot]uint64),
		cut:      make(map[epaxos.ReplicaID]uint64),
		depsOf:   make(map[epaxos.Slot][]epaxos.Slot),
		seqOf:    seqOf,
		cmdOf:    cmdOf,
	}
}

func (e *Executor) inc(name string) {
	if e.stats != nil {
		_ = e.stats.Inc("executor."+name, 1, 1.0)
	}
}

// ExecutedCut returns a copy of the current per-replica
// contiguous-execution frontier (exclusive: one past the highest
// instance executed with no gap below it).
func (e *Executor) ExecutedCut() map[epaxos.ReplicaID]uint64 {
	out := make(map[epaxos.ReplicaID]uint64, len(e.cut))
	for r, v := range e.cut {
		out[r] = v
	}
	return out
}

// OnCommitted folds a newly-committed slot into the cluster set and
// returns every slot made executable as a result, in execution order,
// plus any Checkpoint effects raised along the way.
func (e *Executor) OnCommitted(slot epaxos.Slot, deps []epaxos.Slot) ([]Applied, []Checkpoint) {
	if _, ok := e.executed[slot]; ok {
		return nil, nil
	}
	e.depsOf[slot] = deps

	next := newCluster()
	next.outs[slot] = struct{}{}
	for _, d := range deps {
		if _, done := e.executed[d]; !done {
			next.ins[d] = struct{}{}
		}
	}

	var merged []*cluster
	var remain []*cluster
	for _, c := range e.clusters {
		if clusterOverlaps(c, next) {
			merged = append(merged, c)
		} else {
			remain = append(remain, c)
		}
	}
	for _, c := range merged {
		next = mergeClusters(next, c)
	}
	e.clusters = remain

	if len(next.ins) == 0 {
		return e.fire(next)
	}
	e.clusters = append(e.clusters, next)
	e.inc("cluster.pending")
	return nil, nil
}

func clusterOverlaps(a, b *cluster) bool {
	found := false
	a.all(func(s epaxos.Slot) {
		if _, ok := b.ins[s]; ok {
			found = true
		}
		if _, ok := b.outs[s]; ok {
			found = true
		}
		if _, ok := b.items[s]; ok {
			found = true
		}
	})
	return found
}

func mergeClusters(a, b *cluster) *cluster {
	out := newCluster()
	for s := range a.ins {
		out.ins[s] = struct{}{}
	}
	for s := range b.ins {
		out.ins[s] = struct{}{}
	}
	for s := range a.outs {
		out.outs[s] = struct{}{}
	}
	for s := range b.outs {
		out.outs[s] = struct{}{}
	}
	for s := range a.items {
		out.items[s] = struct{}{}
	}
	for s := range b.items {
		out.items[s] = struct{}{}
	}

	for s := range out.ins {
		if _, ok := out.outs[s]; ok {
			out.items[s] = struct{}{}
		}
	}
	for s := range out.items {
		delete(out.ins, s)
		delete(out.outs, s)
	}
	return out
}

// fire executes a ready cluster (empty ins): every slot it holds,
// ordered by (seq, slot) ascending, the one ordering every replica
// computes identically for an SCC.
func (e *Executor) fire(c *cluster) ([]Applied, []Checkpoint) {
	var slots []epaxos.Slot
	c.all(func(s epaxos.Slot) { slots = append(slots, s) })

	type ranked struct {
		slot epaxos.Slot
		seq  uint64
	}
	ranks := make([]ranked, 0, len(slots))
	for _, s := range slots {
		seq, ok := e.seqOf(s)
		if !ok {
			logger.Errorf("executor: ready cluster references unknown slot %v", s)
			continue
		}
		ranks = append(ranks, ranked{slot: s, seq: seq})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].seq != ranks[j].seq {
			return ranks[i].seq < ranks[j].seq
		}
		return ranks[i].slot.Less(ranks[j].slot)
	})

	var applied []Applied
	var checkpoints []Checkpoint
	for _, r := range ranks {
		cmd := e.cmdOf(r.slot)
		e.executed[r.slot] = r.seq
		applied = append(applied, Applied{Slot: r.slot, Command: cmd})
		e.advanceCut(r.slot)
		e.inc("applied.count")

		if cmd != nil && cmd.Kind == epaxos.KindCheckpoint {
			checkpoints = append(checkpoints, e.checkpointEffect(r.slot))
		}
	}
	return applied, checkpoints
}

// advanceCut bumps the per-replica executed_cut (an exclusive upper
// bound, matching instance.Frontier's convention) past slot once every
// lower-numbered instance for slot.Replica has also executed.
func (e *Executor) advanceCut(slot epaxos.Slot) {
	next := e.cut[slot.Replica]
	if slot.Instance != next {
		return
	}
	for {
		if _, ok := e.executed[epaxos.Slot{Replica: slot.Replica, Instance: next}]; !ok {
			break
		}
		next++
	}
	e.cut[slot.Replica] = next
}

// checkpointEffect computes frontier[r] := one past the max dep
// instance with replica id r over slot's own committed dependency set.
func (e *Executor) checkpointEffect(slot epaxos.Slot) Checkpoint {
	frontier := make(map[epaxos.ReplicaID]uint64)
	seen := make(map[epaxos.ReplicaID]bool)
	for _, d := range e.depsOf[slot] {
		if !seen[d.Replica] || d.Instance+1 > frontier[d.Replica] {
			frontier[d.Replica] = d.Instance + 1
			seen[d.Replica] = true
		}
	}
	e.inc("checkpoint.executed.count")
	return Checkpoint{Slot: slot, Frontier: frontier, HasPeerID: seen}
}
