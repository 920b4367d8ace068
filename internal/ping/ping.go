// Package ping implements the liveness probe and RTT estimator. Its
// output feeds the timeout wheel's jitter: a peer with a higher
// observed RTT gets a wider jitter range before this replica assumes
// one of its slots needs recovery.
package ping

import (
	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/distsys-rnd/epaxos/internal/effects"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/timeout"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

var logger = logging.MustGetLogger("ping")

// Estimator tracks a rolling RTT estimate per peer, in ticks, using the
// same exponentially-weighted moving average shape as a TCP RTO
// estimator (alpha=1/8), expressed in the coarse tick unit this
// replica's clock runs on.
type Estimator struct {
	self  epaxos.ReplicaID
	stats statsd.Statter

	inflight map[epaxos.ReplicaID]map[uint64]timeout.Tick
	nextID   uint64
	rttTicks map[epaxos.ReplicaID]uint32
}

// New returns an Estimator for replica self.
func New(self epaxos.ReplicaID, stats statsd.Statter) *Estimator {
	return &Estimator{
		self:     self,
		stats:    stats,
		inflight: make(map[epaxos.ReplicaID]map[uint64]timeout.Tick),
		rttTicks: make(map[epaxos.ReplicaID]uint32),
	}
}

func (e *Estimator) inc(name string) {
	if e.stats != nil {
		_ = e.stats.Inc("ping."+name, 1, 1.0)
	}
}

// Probe emits a Ping to peer, recording the send tick so Pong can
// compute a round trip.
func (e *Estimator) Probe(peer epaxos.ReplicaID, now timeout.Tick) effects.Batch {
	id := e.nextID
	e.nextID++
	if e.inflight[peer] == nil {
		e.inflight[peer] = make(map[uint64]timeout.Tick)
	}
	e.inflight[peer][id] = now
	e.inc("probe.count")
	return effects.Batch{Sends: []effects.Send{{Dest: peer, Payload: wire.Ping{ID: id}}}}
}

// HandlePing answers a peer's Ping immediately.
func (e *Estimator) HandlePing(origin epaxos.ReplicaID, p wire.Ping) effects.Batch {
	return effects.Batch{Sends: []effects.Send{{Dest: origin, Payload: wire.Pong{ID: p.ID}}}}
}

// HandlePong folds a round trip into origin's RTT estimate.
func (e *Estimator) HandlePong(origin epaxos.ReplicaID, p wire.Pong, now timeout.Tick) {
	sent, ok := e.inflight[origin][p.ID]
	if !ok {
		return
	}
	delete(e.inflight[origin], p.ID)

	sample := uint32(now - sent)
	cur, known := e.rttTicks[origin]
	if !known {
		e.rttTicks[origin] = sample
	} else {
		// EWMA, alpha=1/8, in integer ticks.
		e.rttTicks[origin] = cur - cur/8 + sample/8
	}
	e.inc("pong.count")
	logger.Debugf("rtt to %v: %d ticks (sample %d)", origin, e.rttTicks[origin], sample)
}

// JitterTicks returns the jitter range to use for peer's
// explicit-prepare timeout: baseRange plus half its observed RTT, so a
// slower peer gets more slack before this replica assumes it needs
// recovery. Peers with no RTT sample yet get baseRange unchanged.
func (e *Estimator) JitterTicks(peer epaxos.ReplicaID, baseRange uint32) uint32 {
	rtt, ok := e.rttTicks[peer]
	if !ok {
		return baseRange
	}
	extra := baseRange + rtt/2
	return extra
}
