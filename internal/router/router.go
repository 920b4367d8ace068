// Package router is the replica's single dispatch point: it owns every
// actor (store, acceptor, leader, executor, client handler, checkpoint
// scheduler, timeout wheel, ping estimator, net adapter) and is the
// only thing that ever calls into more than one of them. Apart from the
// client handler calling the leader through the Leader interface the
// router passes it, actors never call each other directly; the router
// drains the effects one event's
// handler emits and feeds them to the next handler in emission order.
package router

import (
	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/distsys-rnd/epaxos/internal/acceptor"
	"github.com/distsys-rnd/epaxos/internal/checkpoint"
	"github.com/distsys-rnd/epaxos/internal/clienthandler"
	"github.com/distsys-rnd/epaxos/internal/effects"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/executor"
	"github.com/distsys-rnd/epaxos/internal/instance"
	"github.com/distsys-rnd/epaxos/internal/leader"
	"github.com/distsys-rnd/epaxos/internal/netadapter"
	"github.com/distsys-rnd/epaxos/internal/ping"
	"github.com/distsys-rnd/epaxos/internal/timeout"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

var logger = logging.MustGetLogger("router")

// Applier receives committed commands in their final execution order,
// the replica's one point of contact with whatever interprets Mutator
// operations. A deployment supplies its own; nothing in the engine
// depends on what it does with a command.
type Applier interface {
	Apply(slot epaxos.Slot, cmd *epaxos.Command)
}

// Config is the subset of config.Config the router needs directly;
// kept narrow to avoid an import of the config package from router,
// which main wires up instead.
type Config struct {
	Self                    epaxos.ReplicaID
	Peers                   []epaxos.ReplicaID
	DeferToSuccessor        bool
	BallotRetryLimit        int
	BallotRetryBackoffTicks uint32

	// PingEvery is the number of ticks between liveness probes to every
	// peer; 0 disables probing.
	PingEvery uint32
}

// Router owns every actor and is the sole caller of more than one.
type Router struct {
	cfg Config

	store   *instance.Store
	acc     *acceptor.Acceptor
	ld      *leader.Leader
	ch      *clienthandler.Handler
	exec    *executor.Executor
	cp      *checkpoint.Scheduler
	wheel   *timeout.Wheel
	rtt     *ping.Estimator
	net     *netadapter.Adapter
	applier Applier
	stats   statsd.Statter

	retries   map[epaxos.Slot]int
	sincePing uint32
}

// New assembles a Router from its already-constructed actors. main.go
// is responsible for constructing each actor with a shared store/stats
// pair before calling this.
func New(cfg Config, store *instance.Store, acc *acceptor.Acceptor, ld *leader.Leader, ch *clienthandler.Handler, exec *executor.Executor, cp *checkpoint.Scheduler, wheel *timeout.Wheel, rtt *ping.Estimator, net *netadapter.Adapter, applier Applier, stats statsd.Statter) *Router {
	return &Router{
		cfg: cfg, store: store, acc: acc, ld: ld, ch: ch, exec: exec, cp: cp,
		wheel: wheel, rtt: rtt, net: net, applier: applier, stats: stats,
		retries: make(map[epaxos.Slot]int),
	}
}

func (r *Router) allReplicas() []epaxos.ReplicaID {
	return append([]epaxos.ReplicaID{r.cfg.Self}, r.cfg.Peers...)
}

func (r *Router) inc(name string) {
	if r.stats != nil {
		_ = r.stats.Inc("router."+name, 1, 1.0)
	}
}

// HandleInbound decodes one datagram and dispatches it by payload type,
// draining every effect it and its cascade produce.
func (r *Router) HandleInbound(frame []byte, now timeout.Tick) {
	env, err := r.net.Decode(frame)
	if err != nil {
		logger.Warningf("inbound: %v", err)
		r.inc("decode_error.count")
		return
	}
	if env.Destination != r.cfg.Self {
		logger.Warningf("inbound envelope addressed to %v, not self %v", env.Destination, r.cfg.Self)
		return
	}

	origin := env.Origin
	var out effects.Batch
	switch p := env.Payload.(type) {
	case wire.ClientRequest:
		out = r.ch.HandleClientRequest(origin, p.Command, r.ld)
	case wire.PreAcceptRequest:
		out = r.acc.HandlePreAccept(origin, p)
	case wire.PreAcceptAck:
		out = r.ld.HandlePreAcceptAck(origin, p)
	case wire.PreAcceptNack:
		out = r.ld.HandlePreAcceptNack(origin, p)
	case wire.AcceptRequest:
		out = r.acc.HandleAccept(origin, p)
	case wire.AcceptAck:
		out = r.ld.HandleAcceptAck(origin, p)
	case wire.AcceptNack:
		out = r.ld.HandleAcceptNack(origin, p)
	case wire.CommitRequest:
		out = r.acc.HandleCommit(origin, p)
	case wire.PrepareRequest:
		out = r.acc.HandlePrepare(origin, p)
	case wire.PrepareAck:
		out = r.ld.HandlePrepareAck(origin, p)
	case wire.PrepareNack:
		out = r.ld.HandlePrepareNack(origin, p)
	case wire.Ping:
		out = r.rtt.HandlePing(origin, p)
	case wire.Pong:
		r.rtt.HandlePong(origin, p, now)
		return
	default:
		logger.Warningf("inbound: unrecognized payload type %T from %v", p, origin)
		return
	}
	r.drain(out, now)
}

// HandleClientCommand starts a fresh command submitted directly to this
// replica (no peer origin).
func (r *Router) HandleClientCommand(cmd epaxos.Command, now timeout.Tick) {
	r.drain(r.ch.HandleClientRequest(r.cfg.Self, cmd, r.ld), now)
}

// Tick advances the replica's clock by one step, firing any expired
// explicit-prepare deadlines, the checkpoint schedule, and the periodic
// liveness probe.
func (r *Router) Tick(now timeout.Tick) {
	r.drain(r.cp.Tick(), now)
	r.tickPing(now)

	for _, slot := range r.wheel.Expired(now) {
		if r.cfg.DeferToSuccessor {
			rank := leader.SuccessorRank(slot, r.cfg.Self, r.allReplicas())
			if rank > 0 {
				r.wheel.RescheduleJitter(slot, now, uint32(rank)*2)
				r.inc("timeout.deferred.count")
				continue
			}
		}
		if r.cfg.BallotRetryLimit > 0 && r.retries[slot] >= r.cfg.BallotRetryLimit {
			logger.Warningf("slot %v exceeded explicit-prepare retry limit, giving up", slot)
			r.inc("timeout.retry_limit.count")
			continue
		}
		r.retries[slot]++
		r.drain(r.ld.ExplicitPrepare(slot, "TIMEOUT"), now)
	}
}

// tickPing fires a liveness probe at every peer every PingEvery ticks,
// feeding HandlePong's RTT estimate that applyInstanceState's jitter
// widening depends on. Without this, no replica ever originates a Ping
// and the RTT table stays empty forever.
func (r *Router) tickPing(now timeout.Tick) {
	if r.cfg.PingEvery == 0 {
		return
	}
	r.sincePing++
	if r.sincePing < r.cfg.PingEvery {
		return
	}
	r.sincePing = 0
	for _, p := range r.cfg.Peers {
		r.drain(r.rtt.Probe(p, now), now)
	}
}

// drain applies a batch of effects and recursively drains whatever
// further batches that application produces (e.g. a LeaderStart
// triggering a PreAccept broadcast whose own InstanceState then feeds
// the executor), preserving emission order.
func (r *Router) drain(batch effects.Batch, now timeout.Tick) {
	queue := []effects.Batch{batch}
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]

		for _, s := range b.Sends {
			r.net.Send(s.Dest, s.Payload)
		}
		for _, cr := range b.ClientResponses {
			r.net.Send(cr.Dest, wire.ClientResponse{Command: cr.Command})
		}
		for _, ls := range b.LeaderStops {
			r.ld.OnLeaderStop(ls.Slot)
		}
		for _, ep := range b.ExplicitPrepares {
			queue = append(queue, r.ld.ExplicitPrepare(ep.Slot, ep.Reason))
		}
		for _, lsv := range b.LeaderStarts {
			slot, next := r.ld.ClientRequest(lsv.Command)
			if lsv.HasReplyTo {
				// the caller (clienthandler, for a directly-submitted
				// command) already tracks slot -> replyTo itself; a
				// LeaderStart from the checkpoint scheduler carries no
				// reply target.
				logger.Debugf("leader start for %v replying to %v", slot, lsv.ReplyTo)
			}
			queue = append(queue, next)
		}
		for _, is := range b.InstanceStates {
			r.applyInstanceState(is, now, &queue)
		}
		for _, cp := range b.Checkpoints {
			checkpoint.Apply(r.store, executor.Checkpoint{Slot: cp.Slot, Frontier: cp.Frontier}, r.stats)
		}
		for _, br := range b.BackoffRetries {
			// Overrides whatever deadline the NACK's (absent) InstanceState
			// would otherwise have left in place.
			r.wheel.DelayRetry(br.Slot, now, r.cfg.BallotRetryBackoffTicks)
			r.inc("backoff_retry.count")
		}
	}
}

func (r *Router) applyInstanceState(is effects.InstanceState, now timeout.Tick, queue *[]effects.Batch) {
	if is.State.Stage >= epaxos.Committed {
		r.wheel.Cancel(is.Slot)
	} else if is.Slot.Replica != r.cfg.Self {
		// Widen a non-local slot's deadline using the observed RTT to
		// the replica that owns it.
		r.wheel.RescheduleJitter(is.Slot, now, r.rtt.JitterTicks(is.Slot.Replica, r.wheel.JitterRange()))
	} else {
		r.wheel.Reschedule(is.Slot, now)
	}
	r.ld.OnInstanceState(is.Slot, is.State)
	*queue = append(*queue, r.ch.OnInstanceState(is.Slot, is.State))

	if is.State.Stage != epaxos.Committed {
		return
	}
	delete(r.retries, is.Slot)

	applied, checkpoints := r.exec.OnCommitted(is.Slot, is.State.Deps)
	for _, a := range applied {
		if r.applier != nil {
			r.applier.Apply(a.Slot, a.Command)
		}
	}
	for _, c := range checkpoints {
		checkpoint.Apply(r.store, c, r.stats)
	}
}
