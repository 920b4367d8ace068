package leader

import (
	check "gopkg.in/check.v1"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

type ExplicitPrepareTest struct{ baseLeaderTest }

var _ = check.Suite(&ExplicitPrepareTest{})

func (s *ExplicitPrepareTest) TestBroadcastsPrepareAtBumpedBallot(c *check.C) {
	slot := epaxos.Slot{Replica: 9, Instance: 0}
	out := s.ld.ExplicitPrepare(slot, "TIMEOUT")

	c.Assert(out.Sends, check.HasLen, len(s.peers))
	for _, snd := range out.Sends {
		req, ok := snd.Payload.(wire.PrepareRequest)
		c.Assert(ok, check.Equals, true)
		c.Check(req.Slot, check.Equals, slot)
		c.Check(req.Ballot.Replica, check.Equals, s.self)
	}
	c.Assert(out.InstanceStates, check.HasLen, 1)
	c.Check(out.InstanceStates[0].State.Stage, check.Equals, epaxos.Prepared)
}

func (s *ExplicitPrepareTest) TestNoopWhenSlotAlreadyCommitted(c *check.C) {
	slot := epaxos.Slot{Replica: 9, Instance: 0}
	cmd := &epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set"}
	_, _, err := s.store.Update(slot, s.epoch, epaxos.InstanceState{
		Ballot: epaxos.InitialBallot(s.epoch, 9), Stage: epaxos.Committed, Command: cmd,
	})
	c.Assert(err, check.IsNil)

	out := s.ld.ExplicitPrepare(slot, "TIMEOUT")
	c.Check(out.Sends, check.HasLen, 0)
	c.Check(out.InstanceStates, check.HasLen, 0)
}

func (s *ExplicitPrepareTest) TestHandlePrepareNackDeletesAttemptAndCountsRetry(c *check.C) {
	slot := epaxos.Slot{Replica: 9, Instance: 0}
	s.ld.ExplicitPrepare(slot, "TIMEOUT")
	att := s.ld.attempts[slot]
	c.Assert(att, check.NotNil)

	s.ld.HandlePrepareNack(2, wire.PrepareNack{Slot: slot, Ballot: att.ballot})
	c.Check(s.ld.attempts[slot], check.IsNil)
	c.Check(s.ld.retries[slot], check.Equals, 1)
}

type ResolvePrepareTest struct{ baseLeaderTest }

var _ = check.Suite(&ResolvePrepareTest{})

func (s *ResolvePrepareTest) TestAdoptsCommittedVoteOverLowerStages(c *check.C) {
	slot := epaxos.Slot{Replica: 9, Instance: 0}
	s.ld.ExplicitPrepare(slot, "TIMEOUT")
	att := s.ld.attempts[slot]

	cmd := &epaxos.Command{ID: [16]byte{7}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"k"}}
	committedAck := wire.PrepareAck{Slot: slot, Ballot: att.ballot, Command: cmd, Seq: 5, Stage: epaxos.Committed}
	preacceptedAck := wire.PrepareAck{Slot: slot, Ballot: att.ballot, Command: cmd, Seq: 5, Stage: epaxos.PreAccepted}

	s.ld.HandlePrepareAck(2, committedAck)
	out := s.ld.HandlePrepareAck(3, preacceptedAck)

	c.Assert(out.InstanceStates, check.HasLen, 1)
	c.Check(out.InstanceStates[0].State.Stage, check.Equals, epaxos.Committed)
	c.Check(out.InstanceStates[0].State.Command.Op, check.Equals, "set")
	c.Check(s.ld.attempts[slot], check.IsNil)
}

func (s *ResolvePrepareTest) TestAdoptsPreAcceptedValueWhenSeenByQuorum(c *check.C) {
	slot := epaxos.Slot{Replica: 9, Instance: 0}
	s.ld.ExplicitPrepare(slot, "TIMEOUT")
	att := s.ld.attempts[slot]

	cmd := &epaxos.Command{ID: [16]byte{7}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"k"}}
	deps := []epaxos.Slot{{Replica: 1, Instance: 1}}
	ackA := wire.PrepareAck{Slot: slot, Ballot: att.ballot, Command: cmd, Seq: 2, Deps: deps, Stage: epaxos.PreAccepted}
	ackB := wire.PrepareAck{Slot: slot, Ballot: att.ballot, Command: cmd, Seq: 2, Deps: deps, Stage: epaxos.PreAccepted}

	s.ld.HandlePrepareAck(2, ackA)
	out := s.ld.HandlePrepareAck(3, ackB)

	c.Assert(out.InstanceStates, check.HasLen, 1)
	c.Check(out.InstanceStates[0].State.Stage, check.Equals, epaxos.Accepted)
	c.Check(out.InstanceStates[0].State.Command.Op, check.Equals, "set")
}

func (s *ResolvePrepareTest) TestAdoptsNoopWhenNobodyKnowsTheSlot(c *check.C) {
	slot := epaxos.Slot{Replica: 9, Instance: 0}
	s.ld.ExplicitPrepare(slot, "TIMEOUT")
	att := s.ld.attempts[slot]

	blank := wire.PrepareAck{Slot: slot, Ballot: att.ballot, Stage: epaxos.Prepared}
	s.ld.HandlePrepareAck(2, blank)
	out := s.ld.HandlePrepareAck(3, blank)

	c.Assert(out.InstanceStates, check.HasLen, 1)
	c.Check(out.InstanceStates[0].State.Stage, check.Equals, epaxos.PreAccepted)
	c.Check(out.InstanceStates[0].State.Command, check.IsNil)

	var sawPreAccept bool
	for _, snd := range out.Sends {
		if req, ok := snd.Payload.(wire.PreAcceptRequest); ok {
			sawPreAccept = true
			c.Check(req.Command, check.IsNil)
		}
	}
	c.Check(sawPreAccept, check.Equals, true)
}

func (s *ResolvePrepareTest) TestIgnoresAckAtDifferentBallot(c *check.C) {
	slot := epaxos.Slot{Replica: 9, Instance: 0}
	s.ld.ExplicitPrepare(slot, "TIMEOUT")

	stale := epaxos.Ballot{Epoch: s.epoch, Counter: 0, Replica: 2}
	out := s.ld.HandlePrepareAck(2, wire.PrepareAck{Slot: slot, Ballot: stale, Stage: epaxos.Prepared})
	c.Check(out.Sends, check.HasLen, 0)
	c.Check(out.InstanceStates, check.HasLen, 0)
}
