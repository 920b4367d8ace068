package leader

import (
	check "gopkg.in/check.v1"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

type SuccessorRankTest struct{}

var _ = check.Suite(&SuccessorRankTest{})

func (s *SuccessorRankTest) TestEveryReplicaGetsADistinctRank(c *check.C) {
	all := []epaxos.ReplicaID{1, 2, 3, 4, 5}
	slot := epaxos.Slot{Replica: 9, Instance: 3}
	seen := make(map[int]bool)
	for _, id := range all {
		rank := SuccessorRank(slot, id, all)
		c.Check(rank >= 0 && rank < len(all), check.Equals, true)
		c.Check(seen[rank], check.Equals, false)
		seen[rank] = true
	}
}

func (s *SuccessorRankTest) TestSameSlotProducesSameOrderingForEveryCaller(c *check.C) {
	all := []epaxos.ReplicaID{1, 2, 3, 4, 5}
	slot := epaxos.Slot{Replica: 2, Instance: 7}
	ranks := make(map[epaxos.ReplicaID]int)
	for _, id := range all {
		ranks[id] = SuccessorRank(slot, id, all)
	}
	for _, id := range all {
		c.Check(SuccessorRank(slot, id, all), check.Equals, ranks[id])
	}
}

func (s *SuccessorRankTest) TestDifferentSlotsCanProduceDifferentOrderings(c *check.C) {
	all := []epaxos.ReplicaID{1, 2, 3, 4, 5}
	r1 := SuccessorRank(epaxos.Slot{Replica: 1, Instance: 1}, 3, all)
	r2 := SuccessorRank(epaxos.Slot{Replica: 1, Instance: 2}, 3, all)
	// Not asserting inequality (hash collisions are legal); just that
	// both are valid ranks.
	c.Check(r1 >= 0 && r1 < len(all), check.Equals, true)
	c.Check(r2 >= 0 && r2 < len(all), check.Equals, true)
}

func (s *SuccessorRankTest) TestUnknownReplicaRanksLast(c *check.C) {
	all := []epaxos.ReplicaID{1, 2, 3}
	rank := SuccessorRank(epaxos.Slot{Replica: 1, Instance: 1}, 99, all)
	c.Check(rank, check.Equals, len(all))
}
