// Package epaxos holds the data model shared by every actor in the
// replica's protocol engine: slots, ballots, stages, commands and the
// per-slot instance state. Nothing in this package talks to the network,
// the clock, or disk.
package epaxos

import (
	"fmt"
	"sort"
)

// ReplicaID identifies a member of the fixed cluster.
type ReplicaID uint32

// Epoch is a configuration-wide constant for the duration of a run.
type Epoch uint32

// Slot is the global identifier of a consensus slot: (replica_id,
// instance_id). It is totally ordered lexicographically and immutable
// once used.
type Slot struct {
	Replica  ReplicaID
	Instance uint64
}

// Less reports whether s sorts strictly before o.
func (s Slot) Less(o Slot) bool {
	if s.Replica != o.Replica {
		return s.Replica < o.Replica
	}
	return s.Instance < o.Instance
}

// Compare returns -1, 0 or 1 the way bytes.Compare does.
func (s Slot) Compare(o Slot) int {
	switch {
	case s.Replica < o.Replica:
		return -1
	case s.Replica > o.Replica:
		return 1
	case s.Instance < o.Instance:
		return -1
	case s.Instance > o.Instance:
		return 1
	default:
		return 0
	}
}

func (s Slot) String() string {
	return fmt.Sprintf("(%d,%d)", s.Replica, s.Instance)
}

// SortSlots sorts a slice of slots ascending in place.
func SortSlots(s []Slot) {
	sort.Slice(s, func(i, j int) bool { return s[i].Less(s[j]) })
}

// UniqueSortedSlots returns the unique, ascending-sorted union of the
// given slot slices.
func UniqueSortedSlots(sets ...[]Slot) []Slot {
	seen := make(map[Slot]struct{})
	out := make([]Slot, 0, 8)
	for _, set := range sets {
		for _, s := range set {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	SortSlots(out)
	return out
}

// Ballot is a Paxos-style round number, totally ordered lexicographically
// by (epoch, counter, replica_id).
type Ballot struct {
	Epoch   Epoch
	Counter uint32
	Replica ReplicaID
}

// Less reports whether b sorts strictly before o.
func (b Ballot) Less(o Ballot) bool {
	if b.Epoch != o.Epoch {
		return b.Epoch < o.Epoch
	}
	if b.Counter != o.Counter {
		return b.Counter < o.Counter
	}
	return b.Replica < o.Replica
}

// GreaterOrEqual reports whether b >= o.
func (b Ballot) GreaterOrEqual(o Ballot) bool {
	return !b.Less(o)
}

// Equal reports ballot equality.
func (b Ballot) Equal(o Ballot) bool {
	return b == o
}

func (b Ballot) String() string {
	return fmt.Sprintf("(e%d,c%d,r%d)", b.Epoch, b.Counter, b.Replica)
}

// InitialBallot is the initial ballot for any slot in the given epoch,
// proposed by replica r: (e, 0, r).
func InitialBallot(epoch Epoch, r ReplicaID) Ballot {
	return Ballot{Epoch: epoch, Counter: 0, Replica: r}
}

// NextBallot bumps current to a higher round owned by self.
func NextBallot(current Ballot, self ReplicaID) Ballot {
	return Ballot{Epoch: current.Epoch, Counter: current.Counter + 1, Replica: self}
}

// Stage is the totally ordered per-slot protocol phase.
type Stage uint8

const (
	Prepared Stage = iota
	PreAccepted
	Accepted
	Committed
	Executed
	Purged
)

func (s Stage) String() string {
	switch s {
	case Prepared:
		return "Prepared"
	case PreAccepted:
		return "PreAccepted"
	case Accepted:
		return "Accepted"
	case Committed:
		return "Committed"
	case Executed:
		return "Executed"
	case Purged:
		return "Purged"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Key is a single point of interference for Mutator commands.
type Key string

// CommandKind tags the Command payload variant.
type CommandKind uint8

const (
	// KindMutator interferes with any other Mutator sharing a key.
	KindMutator CommandKind = iota
	// KindCheckpoint is a distinguished barrier interfering with every
	// Mutator and every earlier Checkpoint.
	KindCheckpoint
)

// Command is (id, payload): either a Mutator(op, keys) or a
// Checkpoint(n). A nil *Command at PreAccepted/Accepted/Committed means
// the slot carries a Noop (explicit prepare found no quorum-backed
// value).
type Command struct {
	ID   [16]byte
	Kind CommandKind

	// Mutator fields.
	Op   string
	Keys []Key

	// Checkpoint fields.
	CheckpointN uint64
}

// Interferes reports whether a and b touch overlapping state and must
// therefore be ordered identically at every replica. A nil command (Noop)
// never interferes with anything.
func (c *Command) Interferes(o *Command) bool {
	if c == nil || o == nil {
		return false
	}
	if c.Kind == KindCheckpoint || o.Kind == KindCheckpoint {
		return true
	}
	for _, k := range c.Keys {
		for _, k2 := range o.Keys {
			if k == k2 {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two commands carry the same identity and payload.
// Used by the instance store to enforce "once Accepted, command never
// changes".
func (c *Command) Equal(o *Command) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.ID != o.ID || c.Kind != o.Kind {
		return false
	}
	if c.Kind == KindCheckpoint {
		return c.CheckpointN == o.CheckpointN
	}
	if c.Op != o.Op || len(c.Keys) != len(o.Keys) {
		return false
	}
	for i := range c.Keys {
		if c.Keys[i] != o.Keys[i] {
			return false
		}
	}
	return true
}

// InstanceState is the per-slot authoritative tuple the store holds.
type InstanceState struct {
	Ballot  Ballot
	Stage   Stage
	Command *Command
	Seq     uint64
	Deps    []Slot
}

// Clone returns a deep-enough copy safe to hand across actor boundaries.
func (is InstanceState) Clone() InstanceState {
	out := is
	if is.Deps != nil {
		out.Deps = append([]Slot(nil), is.Deps...)
	}
	if is.Command != nil {
		cmd := *is.Command
		if is.Command.Keys != nil {
			cmd.Keys = append([]Key(nil), is.Command.Keys...)
		}
		out.Command = &cmd
	}
	return out
}
