// Package wire defines the on-the-wire packet types the replicas and
// clients exchange. The codec that turns these into bytes, and the
// transport that turns bytes into datagrams, live elsewhere; this
// package only carries the structured shapes the rest of the engine
// agrees on.
package wire

import "github.com/distsys-rnd/epaxos/internal/epaxos"

// Envelope wraps every packet with routing metadata.
type Envelope struct {
	Origin      epaxos.ReplicaID
	Destination epaxos.ReplicaID
	TypeName    string
	Payload     any
}

// ClientRequest carries a client-submitted command to its command
// leader.
type ClientRequest struct {
	Command epaxos.Command
}

// ClientResponse carries the committed command payload back to the
// client that submitted it (or to the peer a client request arrived
// from, in the forwarded case).
type ClientResponse struct {
	Command epaxos.Command
}

// PreAcceptRequest is the leader's fast-path proposal for slot.
type PreAcceptRequest struct {
	Slot    epaxos.Slot
	Ballot  epaxos.Ballot
	Command *epaxos.Command
	Seq     uint64
	Deps    []epaxos.Slot
}

// PreAcceptAck acknowledges a PreAcceptRequest. DepsCommittedMask[i] is
// true when Deps[i] was already observed at stage >= Committed by the
// responder; the current leader does not act on it, but recovery-side
// optimizations can.
type PreAcceptAck struct {
	Slot              epaxos.Slot
	Ballot            epaxos.Ballot
	Seq               uint64
	Deps              []epaxos.Slot
	DepsCommittedMask []bool
}

// PreAcceptNack rejects a PreAcceptRequest whose ballot is stale.
type PreAcceptNack struct {
	Slot   epaxos.Slot
	Ballot epaxos.Ballot
	Reason string
}

// AcceptRequest is the slow-path proposal for slot.
type AcceptRequest struct {
	Slot    epaxos.Slot
	Ballot  epaxos.Ballot
	Command *epaxos.Command
	Seq     uint64
	Deps    []epaxos.Slot
}

// AcceptAck acknowledges an AcceptRequest.
type AcceptAck struct {
	Slot   epaxos.Slot
	Ballot epaxos.Ballot
}

// AcceptNack rejects an AcceptRequest whose ballot is stale.
type AcceptNack struct {
	Slot   epaxos.Slot
	Ballot epaxos.Ballot
}

// CommitRequest finalizes a slot's value at every replica. It carries no
// reply.
type CommitRequest struct {
	Slot    epaxos.Slot
	Ballot  epaxos.Ballot
	Command *epaxos.Command
	Seq     uint64
	Deps    []epaxos.Slot
}

// PrepareRequest starts an explicit-prepare round for slot at Ballot.
type PrepareRequest struct {
	Slot   epaxos.Slot
	Ballot epaxos.Ballot
}

// PrepareAck answers a PrepareRequest with the responder's current
// stored state for the slot.
type PrepareAck struct {
	Slot    epaxos.Slot
	Ballot  epaxos.Ballot
	Command *epaxos.Command
	Seq     uint64
	Deps    []epaxos.Slot
	Stage   epaxos.Stage
}

// PrepareNack rejects a PrepareRequest whose ballot is stale.
type PrepareNack struct {
	Slot   epaxos.Slot
	Ballot epaxos.Ballot
}

// Ping is a liveness probe.
type Ping struct {
	ID uint64
}

// Pong answers a Ping with the same ID so the sender can compute RTT.
type Pong struct {
	ID uint64
}
