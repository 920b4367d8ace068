// Package clienthandler is the replica's client-facing actor: it owns
// the command-id -> slot index, decides whether an inbound
// ClientRequest starts a fresh leader attempt or is a duplicate to
// answer from memory, and replies to the originating peer once its
// slot commits. The index is LRU-bounded; a replica cannot keep every
// command id it has ever seen in memory.
package clienthandler

import (
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/distsys-rnd/epaxos/internal/effects"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

var logger = logging.MustGetLogger("clienthandler")

// entry tracks one in-flight or recently-committed command.
type entry struct {
	slot      epaxos.Slot
	replyTo   epaxos.ReplicaID
	hasReply  bool
	committed bool
	command   epaxos.Command
}

// CommandIndex is the narrow view of the instance store this handler
// falls back to when its own LRU has no entry for a command id.
// instance.Store.LoadByCommandID is unbounded and checkpoint-bounded
// rather than capacity-bounded, so it still knows about a command the
// LRU has since evicted.
type CommandIndex interface {
	LoadByCommandID(id [16]byte) (epaxos.Slot, epaxos.InstanceState, bool)
}

// Handler is the client-facing actor.
type Handler struct {
	self  epaxos.ReplicaID
	stats statsd.Statter

	byCmd  *lru.Cache[[16]byte, *entry]
	bySlot map[epaxos.Slot]*entry
	store  CommandIndex
}

// New returns a Handler bounding its dedup index to cap entries. store
// backs that bound with the instance store's own unbounded command-id
// index so an LRU eviction of a still-uncommitted command never looks
// like a brand new one.
func New(self epaxos.ReplicaID, stats statsd.Statter, cap int, store CommandIndex) *Handler {
	cache, err := lru.New[[16]byte, *entry](cap)
	if err != nil {
		// cap <= 0 is a config bug; fall back to a usable default rather
		// than letting the replica start with no dedup index at all.
		cache, _ = lru.New[[16]byte, *entry](4096)
		logger.Warningf("clienthandler: invalid lru capacity %d, defaulting to 4096", cap)
	}
	return &Handler{
		self:   self,
		stats:  stats,
		byCmd:  cache,
		bySlot: make(map[epaxos.Slot]*entry),
		store:  store,
	}
}

func (h *Handler) inc(name string) {
	if h.stats != nil {
		_ = h.stats.Inc("clienthandler."+name, 1, 1.0)
	}
}

// Leader is the narrow interface this handler needs of the leader
// actor, kept separate from package leader to avoid an import cycle
// (the router wires the concrete *leader.Leader in).
type Leader interface {
	ClientRequest(cmd epaxos.Command) (epaxos.Slot, effects.Batch)
}

// HandleClientRequest answers a committed duplicate from memory,
// re-registers a pending duplicate's reply target, and starts a leader
// attempt for anything genuinely new. origin is the peer (or self, for
// a directly-attached client) the request arrived from and should
// eventually be answered.
func (h *Handler) HandleClientRequest(origin epaxos.ReplicaID, cmd epaxos.Command, ld Leader) effects.Batch {
	if e, ok := h.byCmd.Get(cmd.ID); ok {
		if e.committed {
			h.inc("duplicate.answered.count")
			return effects.Batch{ClientResponses: []effects.ClientResponse{{Dest: origin, Command: e.command}}}
		}
		// known, uncommitted: just remember who to answer once it lands.
		e.replyTo = origin
		e.hasReply = true
		h.inc("duplicate.pending.count")
		return effects.Batch{}
	}

	// The LRU may have evicted a still-uncommitted entry -- plausible
	// exactly when a client retries after a slow commit. Consult the
	// store's unbounded command-id index before treating this as brand
	// new: starting a second leader attempt for the same command.ID
	// would let both instances commit independently.
	if slot, st, ok := h.store.LoadByCommandID(cmd.ID); ok {
		e := &entry{slot: slot, replyTo: origin, hasReply: true, command: cmd}
		if st.Command != nil {
			e.command = *st.Command
		}
		if st.Stage >= epaxos.Committed {
			e.committed = true
			h.byCmd.Add(cmd.ID, e)
			h.inc("duplicate.answered.count")
			return effects.Batch{ClientResponses: []effects.ClientResponse{{Dest: origin, Command: e.command}}}
		}
		h.byCmd.Add(cmd.ID, e)
		h.bySlot[slot] = e
		h.inc("duplicate.pending.count")
		return effects.Batch{}
	}

	slot, out := ld.ClientRequest(cmd)
	e := &entry{slot: slot, replyTo: origin, hasReply: true, command: cmd}
	h.byCmd.Add(cmd.ID, e)
	h.bySlot[slot] = e
	h.inc("new.count")
	return out
}

// OnInstanceState answers the registered client, if any, once slot
// reaches Committed.
func (h *Handler) OnInstanceState(slot epaxos.Slot, state epaxos.InstanceState) effects.Batch {
	var out effects.Batch
	e, ok := h.bySlot[slot]
	if !ok || state.Stage < epaxos.Committed {
		return out
	}
	delete(h.bySlot, slot)
	e.committed = true
	if state.Command != nil {
		e.command = *state.Command
	}
	if !e.hasReply {
		return out
	}
	e.hasReply = false
	out.ClientResponses = append(out.ClientResponses, effects.ClientResponse{Dest: e.replyTo, Command: e.command})
	h.inc("reply.count")
	return out
}
