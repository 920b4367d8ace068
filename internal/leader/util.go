package leader

import "github.com/distsys-rnd/epaxos/internal/epaxos"

// slotSetEqual compares two dependency sets. Both sides are always
// produced by epaxos.UniqueSortedSlots, so a straight elementwise
// comparison is sufficient.
func slotSetEqual(a, b []epaxos.Slot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
