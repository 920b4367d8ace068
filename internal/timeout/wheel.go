// Package timeout schedules explicit-prepare timers per slot: one
// jittered deadline per slot still short of Committed, replaced on
// every stage change.
package timeout

import (
	"math/rand"

	logging "github.com/op/go-logging"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

var logger = logging.MustGetLogger("timeout")

// Tick is a monotonically increasing counter of the event loop's tick
// count, the unit every deadline is expressed in.
type Tick uint64

// Wheel tracks one deadline per slot still below Committed.
type Wheel struct {
	base   uint32 // timeout ticks
	jitter uint32 // timeout_range ticks

	rng      *rand.Rand
	deadline map[epaxos.Slot]Tick
}

// New returns a wheel using base as the explicit-prepare timeout (in
// ticks) and jitter as the uniform jitter range added on top.
func New(base, jitter uint32, seed int64) *Wheel {
	return &Wheel{
		base:     base,
		jitter:   jitter,
		rng:      rand.New(rand.NewSource(seed)),
		deadline: make(map[epaxos.Slot]Tick),
	}
}

// Reschedule sets (or replaces) the deadline for slot relative to now.
// Jitter is mandatory: without it, replicas racing the same commit
// timeout would duel on explicit prepare in lockstep.
func (w *Wheel) Reschedule(slot epaxos.Slot, now Tick) {
	w.RescheduleJitter(slot, now, w.jitter)
}

// RescheduleJitter is Reschedule with an explicit jitter range instead
// of the wheel's default, letting the caller widen a slot's deadline
// using a peer-specific RTT estimate rather than the flat configured
// range.
func (w *Wheel) RescheduleJitter(slot epaxos.Slot, now Tick, jitter uint32) {
	extra := uint32(0)
	if jitter > 0 {
		extra = uint32(w.rng.Intn(int(jitter) + 1))
	}
	w.deadline[slot] = now + Tick(w.base+extra)
}

// DelayRetry overrides slot's deadline to now+delay, bypassing the
// configured base/jitter entirely: a NACKed explicit-prepare round
// should wait a known, short backoff before retrying, not the ordinary
// commit timeout.
func (w *Wheel) DelayRetry(slot epaxos.Slot, now Tick, delay uint32) {
	w.deadline[slot] = now + Tick(delay)
}

// Cancel removes slot's deadline, e.g. on entering Committed.
func (w *Wheel) Cancel(slot epaxos.Slot) {
	delete(w.deadline, slot)
}

// OnStageChange replaces a slot's deadline in response to a stage
// transition, and removes it once the slot commits.
func (w *Wheel) OnStageChange(slot epaxos.Slot, stage epaxos.Stage, now Tick) {
	if stage >= epaxos.Committed {
		w.Cancel(slot)
		return
	}
	w.Reschedule(slot, now)
}

// Expired returns every slot whose deadline is at or before now. The
// caller must start an explicit prepare for each and then reschedule
// it; the wheel does not auto-reschedule.
func (w *Wheel) Expired(now Tick) []epaxos.Slot {
	var out []epaxos.Slot
	for slot, d := range w.deadline {
		if d <= now {
			out = append(out, slot)
		}
	}
	epaxos.SortSlots(out)
	logger.Debugf("tick %d: %d slot(s) timed out", now, len(out))
	return out
}

// JitterRange reports the wheel's configured base jitter range, in
// ticks, for callers that widen it per peer.
func (w *Wheel) JitterRange() uint32 {
	return w.jitter
}

// Pending reports how many slots currently carry a live deadline.
func (w *Wheel) Pending() int {
	return len(w.deadline)
}
