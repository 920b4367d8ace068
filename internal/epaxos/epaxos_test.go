package epaxos

import (
	"testing"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type SlotTest struct{}

var _ = check.Suite(&SlotTest{})

func (s *SlotTest) TestLessOrdersByReplicaFirst(c *check.C) {
	a := Slot{Replica: 1, Instance: 100}
	b := Slot{Replica: 2, Instance: 0}
	c.Check(a.Less(b), check.Equals, true)
	c.Check(b.Less(a), check.Equals, false)
}

func (s *SlotTest) TestLessOrdersByInstanceWithinReplica(c *check.C) {
	a := Slot{Replica: 1, Instance: 3}
	b := Slot{Replica: 1, Instance: 4}
	c.Check(a.Less(b), check.Equals, true)
	c.Check(a.Compare(b), check.Equals, -1)
	c.Check(b.Compare(a), check.Equals, 1)
	c.Check(a.Compare(a), check.Equals, 0)
}

func (s *SlotTest) TestSortSlots(c *check.C) {
	in := []Slot{{2, 0}, {1, 5}, {1, 1}, {0, 9}}
	SortSlots(in)
	c.Check(in, check.DeepEquals, []Slot{{0, 9}, {1, 1}, {1, 5}, {2, 0}})
}

func (s *SlotTest) TestUniqueSortedSlotsDedupsAcrossSets(c *check.C) {
	a := []Slot{{1, 1}, {1, 2}}
	b := []Slot{{1, 2}, {0, 0}}
	out := UniqueSortedSlots(a, b)
	c.Check(out, check.DeepEquals, []Slot{{0, 0}, {1, 1}, {1, 2}})
}

type BallotTest struct{}

var _ = check.Suite(&BallotTest{})

func (s *BallotTest) TestLessOrdersByEpochThenCounterThenReplica(c *check.C) {
	low := Ballot{Epoch: 0, Counter: 5, Replica: 9}
	high := Ballot{Epoch: 1, Counter: 0, Replica: 0}
	c.Check(low.Less(high), check.Equals, true)

	a := Ballot{Epoch: 1, Counter: 1, Replica: 2}
	b := Ballot{Epoch: 1, Counter: 2, Replica: 0}
	c.Check(a.Less(b), check.Equals, true)

	x := Ballot{Epoch: 1, Counter: 1, Replica: 2}
	y := Ballot{Epoch: 1, Counter: 1, Replica: 3}
	c.Check(x.Less(y), check.Equals, true)
}

func (s *BallotTest) TestGreaterOrEqual(c *check.C) {
	b := Ballot{Epoch: 1, Counter: 1, Replica: 1}
	c.Check(b.GreaterOrEqual(b), check.Equals, true)
	c.Check(b.GreaterOrEqual(Ballot{Epoch: 1, Counter: 0, Replica: 9}), check.Equals, true)
	c.Check(b.GreaterOrEqual(Ballot{Epoch: 1, Counter: 2, Replica: 0}), check.Equals, false)
}

func (s *BallotTest) TestNextBallotBumpsCounterAndOwner(c *check.C) {
	cur := InitialBallot(3, 5)
	next := NextBallot(cur, 7)
	c.Check(next, check.DeepEquals, Ballot{Epoch: 3, Counter: 1, Replica: 7})
	c.Check(cur.Less(next), check.Equals, true)
}

type CommandTest struct{}

var _ = check.Suite(&CommandTest{})

func (s *CommandTest) TestInterferesOnSharedKey(c *check.C) {
	a := &Command{Kind: KindMutator, Op: "set", Keys: []Key{"x", "y"}}
	b := &Command{Kind: KindMutator, Op: "get", Keys: []Key{"y", "z"}}
	c.Check(a.Interferes(b), check.Equals, true)
	c.Check(b.Interferes(a), check.Equals, true)
}

func (s *CommandTest) TestInterferesFalseOnDisjointKeys(c *check.C) {
	a := &Command{Kind: KindMutator, Op: "set", Keys: []Key{"x"}}
	b := &Command{Kind: KindMutator, Op: "set", Keys: []Key{"y"}}
	c.Check(a.Interferes(b), check.Equals, false)
}

func (s *CommandTest) TestInterferesNilIsNoop(c *check.C) {
	a := &Command{Kind: KindMutator, Op: "set", Keys: []Key{"x"}}
	c.Check(a.Interferes(nil), check.Equals, false)
	var nilCmd *Command
	c.Check(nilCmd.Interferes(a), check.Equals, false)
}

func (s *CommandTest) TestInterferesCheckpointInterferesWithEverything(c *check.C) {
	cp := &Command{Kind: KindCheckpoint, CheckpointN: 1}
	mut := &Command{Kind: KindMutator, Op: "set", Keys: []Key{"unrelated"}}
	c.Check(cp.Interferes(mut), check.Equals, true)
	c.Check(mut.Interferes(cp), check.Equals, true)
}

func (s *CommandTest) TestEqualComparesIdentityAndPayload(c *check.C) {
	id := [16]byte{1, 2, 3}
	a := &Command{ID: id, Kind: KindMutator, Op: "set", Keys: []Key{"x"}}
	b := &Command{ID: id, Kind: KindMutator, Op: "set", Keys: []Key{"x"}}
	c.Check(a.Equal(b), check.Equals, true)

	diffOp := &Command{ID: id, Kind: KindMutator, Op: "get", Keys: []Key{"x"}}
	c.Check(a.Equal(diffOp), check.Equals, false)

	diffID := &Command{ID: [16]byte{9}, Kind: KindMutator, Op: "set", Keys: []Key{"x"}}
	c.Check(a.Equal(diffID), check.Equals, false)
}

func (s *CommandTest) TestEqualNilHandling(c *check.C) {
	var a, b *Command
	c.Check(a.Equal(b), check.Equals, true)
	cmd := &Command{Kind: KindMutator}
	c.Check(a.Equal(cmd), check.Equals, false)
	c.Check(cmd.Equal(a), check.Equals, false)
}

func (s *CommandTest) TestEqualChecksCheckpointNumber(c *check.C) {
	id := [16]byte{5}
	a := &Command{ID: id, Kind: KindCheckpoint, CheckpointN: 3}
	b := &Command{ID: id, Kind: KindCheckpoint, CheckpointN: 4}
	c.Check(a.Equal(b), check.Equals, false)
}

type InstanceStateTest struct{}

var _ = check.Suite(&InstanceStateTest{})

func (s *InstanceStateTest) TestCloneIsIndependentOfOriginal(c *check.C) {
	orig := InstanceState{
		Ballot:  InitialBallot(1, 1),
		Stage:   PreAccepted,
		Command: &Command{Kind: KindMutator, Op: "set", Keys: []Key{"x"}},
		Seq:     1,
		Deps:    []Slot{{1, 1}},
	}
	clone := orig.Clone()
	c.Check(clone, check.DeepEquals, orig)

	clone.Deps[0] = Slot{9, 9}
	clone.Command.Keys[0] = "mutated"
	c.Check(orig.Deps[0], check.Equals, Slot{1, 1})
	c.Check(orig.Command.Keys[0], check.Equals, Key("x"))
}

func (s *InstanceStateTest) TestCloneHandlesNilCommandAndDeps(c *check.C) {
	orig := InstanceState{Stage: Prepared}
	clone := orig.Clone()
	c.Check(clone.Command, check.IsNil)
	c.Check(clone.Deps, check.IsNil)
}

type ErrorsTest struct{}

var _ = check.Suite(&ErrorsTest{})

func (s *ErrorsTest) TestIncorrectBallotErrorMessage(c *check.C) {
	slot := Slot{Replica: 1, Instance: 2}
	old := InstanceState{Ballot: InitialBallot(0, 1)}
	err := NewIncorrectBallotError(slot, old)
	c.Check(err.Slot, check.Equals, slot)
	c.Check(err.Error(), check.Matches, ".*incorrect ballot.*")
}

func (s *ErrorsTest) TestIncorrectCommandErrorIsFatalFlavor(c *check.C) {
	slot := Slot{Replica: 3, Instance: 4}
	err := NewIncorrectCommandError(slot, InstanceState{})
	c.Check(err.Error(), check.Matches, ".*FATAL.*")
}

func (s *ErrorsTest) TestExplicitPrepareErrorCarriesReason(c *check.C) {
	err := NewExplicitPrepareError(Slot{1, 1}, "TIMEOUT")
	c.Check(err.Reason, check.Equals, "TIMEOUT")
	c.Check(err.Error(), check.Matches, ".*TIMEOUT.*")
}
