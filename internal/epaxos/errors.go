package epaxos

import "fmt"

// IncorrectBallotError is returned when a proposed transition names a
// ballot lower than the slot's stored ballot. The caller should reply
// with a Nack carrying Old.Ballot.
type IncorrectBallotError struct {
	Slot Slot
	Old  InstanceState
}

func NewIncorrectBallotError(slot Slot, old InstanceState) *IncorrectBallotError {
	return &IncorrectBallotError{Slot: slot, Old: old}
}

func (e *IncorrectBallotError) Error() string {
	return fmt.Sprintf("epaxos: incorrect ballot at %v: stored ballot %v", e.Slot, e.Old.Ballot)
}

// IncorrectStageError is returned when a proposed transition would
// regress the slot's stage. Callers drop silently: the sender's view of
// the slot is stale.
type IncorrectStageError struct {
	Slot Slot
	Old  InstanceState
}

func NewIncorrectStageError(slot Slot, old InstanceState) *IncorrectStageError {
	return &IncorrectStageError{Slot: slot, Old: old}
}

func (e *IncorrectStageError) Error() string {
	return fmt.Sprintf("epaxos: incorrect stage at %v: stored stage %v", e.Slot, e.Old.Stage)
}

// IncorrectCommandError indicates an attempt to change the command of a
// slot whose stage is already past PreAccepted. This is a safety
// violation: committed values are immutable. It is the only fatal error
// in the taxonomy and signals a code bug or corrupted channel.
type IncorrectCommandError struct {
	Slot Slot
	Old  InstanceState
}

func NewIncorrectCommandError(slot Slot, old InstanceState) *IncorrectCommandError {
	return &IncorrectCommandError{Slot: slot, Old: old}
}

func (e *IncorrectCommandError) Error() string {
	return fmt.Sprintf("epaxos: FATAL: attempt to change committed command at %v", e.Slot)
}

// SlotTooOldError is returned by Load when the slot is below the oldest
// checkpoint frontier. The caller must catch up from a snapshot out of
// band; the engine itself has no path for that.
type SlotTooOldError struct {
	Slot Slot
}

func NewSlotTooOldError(slot Slot) *SlotTooOldError {
	return &SlotTooOldError{Slot: slot}
}

func (e *SlotTooOldError) Error() string {
	return fmt.Sprintf("epaxos: slot %v is older than the checkpoint frontier", e.Slot)
}

// ExplicitPrepareError is local control flow signaling that a recovery
// round failed and the caller should retry (possibly after backoff).
type ExplicitPrepareError struct {
	Slot   Slot
	Reason string
}

func NewExplicitPrepareError(slot Slot, reason string) *ExplicitPrepareError {
	return &ExplicitPrepareError{Slot: slot, Reason: reason}
}

func (e *ExplicitPrepareError) Error() string {
	return fmt.Sprintf("epaxos: explicit prepare failed at %v: %s", e.Slot, e.Reason)
}
