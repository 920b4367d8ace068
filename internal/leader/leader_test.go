package leader

import (
	check "gopkg.in/check.v1"

	"github.com/distsys-rnd/epaxos/internal/depcache"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/instance"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

// baseLeaderTest gives every suite below a five-replica cluster (self=1,
// peers 2..5), where fast=4 and slow=3.
type baseLeaderTest struct {
	store *instance.Store
	ld    *Leader
	self  epaxos.ReplicaID
	peers []epaxos.ReplicaID
	epoch epaxos.Epoch
}

func (s *baseLeaderTest) SetUpTest(c *check.C) {
	s.self = 1
	s.peers = []epaxos.ReplicaID{2, 3, 4, 5}
	s.epoch = 1
	s.store = instance.New(depcache.New())
	s.ld = New(s.self, s.epoch, s.peers, s.store, nil)
}

type ClientRequestTest struct{ baseLeaderTest }

var _ = check.Suite(&ClientRequestTest{})

func (s *ClientRequestTest) TestBroadcastsPreAcceptToEveryPeer(c *check.C) {
	cmd := epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"a"}}
	slot, out := s.ld.ClientRequest(cmd)
	c.Check(slot, check.Equals, epaxos.Slot{Replica: s.self, Instance: 0})
	c.Assert(out.Sends, check.HasLen, len(s.peers))

	dests := make(map[epaxos.ReplicaID]bool)
	for _, snd := range out.Sends {
		req, ok := snd.Payload.(wire.PreAcceptRequest)
		c.Assert(ok, check.Equals, true)
		c.Check(req.Slot, check.Equals, slot)
		dests[snd.Dest] = true
	}
	for _, p := range s.peers {
		c.Check(dests[p], check.Equals, true)
	}

	c.Assert(out.InstanceStates, check.HasLen, 1)
	c.Check(out.InstanceStates[0].State.Stage, check.Equals, epaxos.PreAccepted)
}

func (s *ClientRequestTest) TestAllocatesIncreasingInstanceNumbers(c *check.C) {
	cmd := epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"a"}}
	slot1, _ := s.ld.ClientRequest(cmd)
	slot2, _ := s.ld.ClientRequest(cmd)
	c.Check(slot2.Instance, check.Equals, slot1.Instance+1)
}

type PreAcceptAckTest struct{ baseLeaderTest }

var _ = check.Suite(&PreAcceptAckTest{})

func (s *PreAcceptAckTest) TestFastCommitsWhenAllAcksMatchLocal(c *check.C) {
	cmd := epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"a"}}
	slot, _ := s.ld.ClientRequest(cmd)
	att := s.ld.attempts[slot]

	ack := wire.PreAcceptAck{Slot: slot, Ballot: att.ballot, Seq: att.localSeq, Deps: att.localDeps}
	s.ld.HandlePreAcceptAck(2, ack)
	s.ld.HandlePreAcceptAck(3, ack)
	out := s.ld.HandlePreAcceptAck(4, ack)

	c.Assert(out.InstanceStates, check.HasLen, 1)
	c.Check(out.InstanceStates[0].State.Stage, check.Equals, epaxos.Committed)

	var commits int
	for _, snd := range out.Sends {
		if _, ok := snd.Payload.(wire.CommitRequest); ok {
			commits++
		}
	}
	c.Check(commits, check.Equals, len(s.peers))
	c.Check(s.ld.attempts[slot], check.IsNil)
}

func (s *PreAcceptAckTest) TestSlowPathOnMismatchedSeq(c *check.C) {
	cmd := epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"a"}}
	slot, _ := s.ld.ClientRequest(cmd)
	att := s.ld.attempts[slot]

	matching := wire.PreAcceptAck{Slot: slot, Ballot: att.ballot, Seq: att.localSeq, Deps: att.localDeps}
	mismatched := wire.PreAcceptAck{Slot: slot, Ballot: att.ballot, Seq: att.localSeq + 1, Deps: att.localDeps}

	s.ld.HandlePreAcceptAck(2, matching)
	s.ld.HandlePreAcceptAck(3, mismatched)
	out := s.ld.HandlePreAcceptAck(4, matching)

	c.Assert(out.InstanceStates, check.HasLen, 1)
	c.Check(out.InstanceStates[0].State.Stage, check.Equals, epaxos.Accepted)

	var accepts int
	for _, snd := range out.Sends {
		if _, ok := snd.Payload.(wire.AcceptRequest); ok {
			accepts++
		}
	}
	c.Check(accepts, check.Equals, len(s.peers))
}

func (s *PreAcceptAckTest) TestIgnoresAckForUnknownSlot(c *check.C) {
	out := s.ld.HandlePreAcceptAck(2, wire.PreAcceptAck{Slot: epaxos.Slot{Replica: 9, Instance: 9}})
	c.Check(out.Sends, check.HasLen, 0)
	c.Check(out.InstanceStates, check.HasLen, 0)
}

func (s *PreAcceptAckTest) TestIgnoresAckAtStaleBallot(c *check.C) {
	cmd := epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"a"}}
	slot, _ := s.ld.ClientRequest(cmd)
	stale := epaxos.Ballot{Epoch: s.epoch, Counter: 99, Replica: 2}
	out := s.ld.HandlePreAcceptAck(2, wire.PreAcceptAck{Slot: slot, Ballot: stale})
	c.Check(out.Sends, check.HasLen, 0)
}

type AcceptAckTest struct{ baseLeaderTest }

var _ = check.Suite(&AcceptAckTest{})

func (s *AcceptAckTest) TestCommitsOnceSlowQuorumOfAcceptAcksArrive(c *check.C) {
	cmd := epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"a"}}
	slot, _ := s.ld.ClientRequest(cmd)
	att := s.ld.attempts[slot]
	matching := wire.PreAcceptAck{Slot: slot, Ballot: att.ballot, Seq: att.localSeq, Deps: att.localDeps}
	mismatched := wire.PreAcceptAck{Slot: slot, Ballot: att.ballot, Seq: att.localSeq + 1, Deps: att.localDeps}
	s.ld.HandlePreAcceptAck(2, mismatched)
	s.ld.HandlePreAcceptAck(3, matching)
	preOut := s.ld.HandlePreAcceptAck(4, matching)
	c.Assert(preOut.InstanceStates, check.HasLen, 1)
	c.Check(preOut.InstanceStates[0].State.Stage, check.Equals, epaxos.Accepted)

	ack := wire.AcceptAck{Slot: slot, Ballot: att.ballot}
	out := s.ld.HandleAcceptAck(2, ack)
	c.Assert(out.InstanceStates, check.HasLen, 0) // slow-1=2 needed, only one ack so far

	out = s.ld.HandleAcceptAck(5, ack)
	c.Assert(out.InstanceStates, check.HasLen, 1)
	c.Check(out.InstanceStates[0].State.Stage, check.Equals, epaxos.Committed)
}

type LifecycleTest struct{ baseLeaderTest }

var _ = check.Suite(&LifecycleTest{})

func (s *LifecycleTest) TestOnInstanceStateCancelsAttemptOnForeignCommit(c *check.C) {
	cmd := epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"a"}}
	slot, _ := s.ld.ClientRequest(cmd)
	c.Assert(s.ld.attempts[slot], check.NotNil)

	s.ld.OnInstanceState(slot, epaxos.InstanceState{Stage: epaxos.Committed})
	c.Check(s.ld.attempts[slot], check.IsNil)
}

func (s *LifecycleTest) TestOnLeaderStopCancelsAttempt(c *check.C) {
	cmd := epaxos.Command{ID: [16]byte{1}, Kind: epaxos.KindMutator, Op: "set", Keys: []epaxos.Key{"a"}}
	slot, _ := s.ld.ClientRequest(cmd)
	s.ld.OnLeaderStop(slot)
	c.Check(s.ld.attempts[slot], check.IsNil)
}
