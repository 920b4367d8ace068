// Package effects defines the typed events actors emit and the router
// dispatches. Apart from the client handler starting leader attempts
// through the Leader interface the router hands it, every cross-actor
// interaction is one of these values, drained by the router in
// emission order.
package effects

import "github.com/distsys-rnd/epaxos/internal/epaxos"

// Send asks the net adapter to deliver payload to dest.
type Send struct {
	Dest    epaxos.ReplicaID
	Payload any
}

// InstanceState announces that the store committed a new (ballot, stage,
// command, seq, deps) for Slot. Only a successful store.Update produces
// one; the store is the sole authority on (ballot, stage).
type InstanceState struct {
	Slot  epaxos.Slot
	State epaxos.InstanceState
}

// LeaderStop tells the leader actor to abandon its own attempt on Slot:
// the local acceptor just recorded a competing leader's state change,
// so continuing would only duel.
type LeaderStop struct {
	Slot   epaxos.Slot
	Reason string
}

// LeaderExplicitPrepare tells the leader actor to start (or restart) a
// recovery round for Slot.
type LeaderExplicitPrepare struct {
	Slot   epaxos.Slot
	Reason string
}

// LeaderStart asks the leader actor to begin a client-requested instance
// for cmd, allocating a fresh slot.
type LeaderStart struct {
	Command epaxos.Command
	// ReplyTo is the peer whose ClientRequest this satisfies, if any.
	// The router only logs it; the client handler routes the eventual
	// ClientResponse from its own slot index.
	ReplyTo    epaxos.ReplicaID
	HasReplyTo bool
}

// ClientResponse asks the net adapter to deliver a committed command's
// value back to the peer that asked for it.
type ClientResponse struct {
	Dest    epaxos.ReplicaID
	Command epaxos.Command
}

// Checkpoint reports that a Checkpoint command executed, carrying the
// new truncation frontier (per replica, one past the highest instance
// the checkpoint's dependencies cover).
type Checkpoint struct {
	Slot     epaxos.Slot
	Frontier map[epaxos.ReplicaID]uint64
}

// BackoffRetry asks the router to delay Slot's next explicit-prepare
// retry by the configured ballot-rejection backoff, rather than let the
// normal post-reply wheel reschedule apply. Only the leader's
// explicit-prepare NACK handling emits this; the router owns the
// actual tick count.
type BackoffRetry struct {
	Slot epaxos.Slot
}

// Batch aggregates everything a single actor invocation produced. The
// router drains every field and dispatches each event to its
// consumer(s) in emission order.
type Batch struct {
	Sends            []Send
	InstanceStates   []InstanceState
	LeaderStops      []LeaderStop
	ExplicitPrepares []LeaderExplicitPrepare
	LeaderStarts     []LeaderStart
	ClientResponses  []ClientResponse
	Checkpoints      []Checkpoint
	BackoffRetries   []BackoffRetry
}

// Merge appends o's events onto b in order.
func (b *Batch) Merge(o Batch) {
	b.Sends = append(b.Sends, o.Sends...)
	b.InstanceStates = append(b.InstanceStates, o.InstanceStates...)
	b.LeaderStops = append(b.LeaderStops, o.LeaderStops...)
	b.ExplicitPrepares = append(b.ExplicitPrepares, o.ExplicitPrepares...)
	b.LeaderStarts = append(b.LeaderStarts, o.LeaderStarts...)
	b.ClientResponses = append(b.ClientResponses, o.ClientResponses...)
	b.Checkpoints = append(b.Checkpoints, o.Checkpoints...)
	b.BackoffRetries = append(b.BackoffRetries, o.BackoffRetries...)
}
