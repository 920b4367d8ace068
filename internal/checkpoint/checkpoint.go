// Package checkpoint schedules Checkpoint commands and rotates the
// instance store's truncation frontier when one executes. A Checkpoint
// goes through the normal client-request path as an ordinary command
// that interferes with everything, not a side channel; that is what
// makes its dependency set a usable truncation frontier.
package checkpoint

import (
	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/google/uuid"

	"github.com/distsys-rnd/epaxos/internal/effects"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/executor"
	"github.com/distsys-rnd/epaxos/internal/instance"
)

var logger = logging.MustGetLogger("checkpoint")

// Scheduler injects a Checkpoint command every Each ticks and rotates
// the instance store's frontier window when one executes.
type Scheduler struct {
	each  uint32
	since uint32
	n     uint64
	stats statsd.Statter
}

// New returns a Scheduler firing every each ticks.
func New(each uint32, stats statsd.Statter) *Scheduler {
	return &Scheduler{each: each, stats: stats}
}

func (s *Scheduler) inc(name string) {
	if s.stats != nil {
		_ = s.stats.Inc("checkpoint."+name, 1, 1.0)
	}
}

// Tick advances the schedule by one tick, returning a LeaderStart
// effect carrying a fresh Checkpoint command once Each ticks have
// elapsed since the last one.
func (s *Scheduler) Tick() effects.Batch {
	var out effects.Batch
	s.since++
	if s.each == 0 || s.since < s.each {
		return out
	}
	s.since = 0
	s.n++

	out.LeaderStarts = append(out.LeaderStarts, effects.LeaderStart{
		Command: epaxos.Command{ID: uuid.New(), Kind: epaxos.KindCheckpoint, CheckpointN: s.n},
	})
	s.inc("scheduled.count")
	logger.Infof("scheduled checkpoint %d", s.n)
	return out
}

// Apply rotates store's frontier window in response to an executor
// Checkpoint effect.
func Apply(store *instance.Store, ev executor.Checkpoint, stats statsd.Statter) {
	frontier := make(instance.Frontier, len(ev.Frontier))
	for r, v := range ev.Frontier {
		frontier[r] = v
	}
	store.AdvanceCheckpoint(frontier)
	if stats != nil {
		_ = stats.Inc("checkpoint.applied.count", 1, 1.0)
	}
	logger.Infof("checkpoint %v applied: frontier=%v", ev.Slot, frontier)
}
