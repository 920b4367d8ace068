// Package config parses a replica's runtime configuration from
// command-line flags.
package config

import (
	"flag"
	"fmt"
	"net"
	"strings"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

// Config is one replica's full runtime configuration.
type Config struct {
	Epoch     epaxos.Epoch
	ReplicaID epaxos.ReplicaID
	PeerAddr  map[epaxos.ReplicaID]string

	Jiffies        uint32 // ticks per second
	Timeout        uint32 // explicit-prepare timeout, in ticks
	TimeoutRange   uint32 // uniform jitter added on top, in ticks
	CheckpointEach uint32 // ticks between scheduled checkpoints

	// ClientCacheSize bounds the client handler's command-id -> slot
	// dedup index.
	ClientCacheSize int

	// DeferToSuccessor makes a replica whose commit timeout fired yield
	// to better-ranked successors before starting its own
	// explicit-prepare round.
	DeferToSuccessor bool

	// BallotRetryLimit/BallotRetryBackoffTicks bound the explicit-prepare
	// NACK retry loop; 0 means unbounded.
	BallotRetryLimit        int
	BallotRetryBackoffTicks uint32

	// PingEvery is the number of ticks between liveness probes to every
	// peer; 0 disables probing.
	PingEvery uint32
}

// QuorumSize returns |peers|+1, the total replica count.
func (c Config) QuorumSize() int {
	return len(c.PeerAddr) + 1
}

// Peers returns every replica id other than ReplicaID, in ascending order.
func (c Config) Peers() []epaxos.ReplicaID {
	out := make([]epaxos.ReplicaID, 0, len(c.PeerAddr))
	for id := range c.PeerAddr {
		if id != c.ReplicaID {
			out = append(out, id)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// peerList is a flag.Value collecting repeated -peer id=host:port flags.
type peerList map[epaxos.ReplicaID]string

func (p peerList) String() string {
	parts := make([]string, 0, len(p))
	for id, addr := range p {
		parts = append(parts, fmt.Sprintf("%d=%s", id, addr))
	}
	return strings.Join(parts, ",")
}

func (p peerList) Set(s string) error {
	id, addr, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("config: -peer must be id=host:port, got %q", s)
	}
	var n uint32
	if _, err := fmt.Sscanf(id, "%d", &n); err != nil {
		return fmt.Errorf("config: -peer id %q: %w", id, err)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("config: -peer address %q: %w", addr, err)
	}
	p[epaxos.ReplicaID(n)] = addr
	return nil
}

// Parse defines and parses this replica's flags out of args (typically
// os.Args[1:]).
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	var (
		epoch            = fs.Uint("epoch", 1, "ballot epoch for this run")
		replicaID        = fs.Uint("replica-id", 0, "this replica's id")
		jiffies          = fs.Uint("jiffies", 33, "event loop ticks per second")
		timeout          = fs.Uint("timeout", 10, "explicit-prepare timeout, in ticks")
		timeoutRange     = fs.Uint("timeout-range", 10, "explicit-prepare jitter range, in ticks")
		checkpointEach   = fs.Uint("checkpoint-each", 1000, "ticks between scheduled checkpoints")
		clientCacheSize  = fs.Int("client-cache-size", 65536, "max tracked in-flight/recent command ids")
		deferToSuccessor = fs.Bool("defer-to-successor", true, "defer explicit prepare to nearer-ranked successors first")
		retryLimit       = fs.Int("ballot-retry-limit", 5, "max explicit-prepare NACK retries before giving up (0 = unbounded)")
		retryBackoff     = fs.Uint("ballot-retry-backoff", 3, "ticks to wait between explicit-prepare NACK retries")
		pingEvery        = fs.Uint("ping-every", 33, "ticks between liveness probes to every peer (0 disables)")
	)
	peers := make(peerList)
	fs.Var(peers, "peer", "repeatable: id=host:port for every other replica")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if _, ok := peers[epaxos.ReplicaID(*replicaID)]; ok {
		return Config{}, fmt.Errorf("config: -peer must not list this replica's own id %d", *replicaID)
	}

	return Config{
		Epoch:                   epaxos.Epoch(*epoch),
		ReplicaID:               epaxos.ReplicaID(*replicaID),
		PeerAddr:                peers,
		Jiffies:                 uint32(*jiffies),
		Timeout:                 uint32(*timeout),
		TimeoutRange:            uint32(*timeoutRange),
		CheckpointEach:          uint32(*checkpointEach),
		ClientCacheSize:         *clientCacheSize,
		DeferToSuccessor:        *deferToSuccessor,
		BallotRetryLimit:        *retryLimit,
		BallotRetryBackoffTicks: uint32(*retryBackoff),
		PingEvery:               uint32(*pingEvery),
	}, nil
}
