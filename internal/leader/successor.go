package leader

import (
	"hash/fnv"
	"sort"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

// SuccessorRank returns self's position in a deterministic, slot-specific
// ordering of every replica in all. Every replica computes the same
// ordering for the same slot, so a replica whose commit-timeout fires can
// tell whether it is the nearest-ranked candidate to lead recovery before
// it actually starts an explicit-prepare round, cutting down on dueling
// proposers beyond jitter alone.
//
// A pure, local rank avoids a second RPC phase: replicas further from
// the front of the ordering simply wait longer before leading
// recovery.
func SuccessorRank(slot epaxos.Slot, self epaxos.ReplicaID, all []epaxos.ReplicaID) int {
	type scored struct {
		id    epaxos.ReplicaID
		score uint64
	}
	scores := make([]scored, len(all))
	for i, id := range all {
		h := fnv.New64a()
		_, _ = h.Write([]byte{
			byte(slot.Replica), byte(slot.Replica >> 8), byte(slot.Replica >> 16), byte(slot.Replica >> 24),
			byte(slot.Instance), byte(slot.Instance >> 8), byte(slot.Instance >> 16), byte(slot.Instance >> 24),
			byte(slot.Instance >> 32), byte(slot.Instance >> 40), byte(slot.Instance >> 48), byte(slot.Instance >> 56),
			byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24),
		})
		scores[i] = scored{id: id, score: h.Sum64()}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score < scores[j].score
		}
		return scores[i].id < scores[j].id
	})
	for rank, s := range scores {
		if s.id == self {
			return rank
		}
	}
	return len(all)
}
