package leader

// QuorumSizes returns the fast and slow quorum sizes for a cluster of n
// replicas (including self), with f := (n-1)/2 tolerated failures:
// slow := f+1, fast := 2f.
//
// The EPaxos paper uses fast := f + floor((f+1)/2); this engine uses
// 2f, which coincides with the paper's formula at n=5 and is never
// smaller, so fast-path decisions remain recoverable by any slow
// quorum.
func QuorumSizes(n int) (fast, slow int) {
	f := (n - 1) / 2
	slow = f + 1
	fast = 2 * f
	if fast < slow {
		// Below 2f once f==0 (single-replica or n<3 degenerate cases);
		// never require fewer replies than the slow quorum.
		fast = slow
	}
	return fast, slow
}
