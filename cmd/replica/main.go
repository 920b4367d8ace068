// Command replica runs one EPaxos replica process, one per cluster
// member. SIGTERM triggers clean shutdown. This binary wires the
// protocol engine to a UDP transport and a gob codec and otherwise
// does nothing; the command interpreter behind Applier is whatever the
// deployment supplies.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/distsys-rnd/epaxos/internal/acceptor"
	"github.com/distsys-rnd/epaxos/internal/checkpoint"
	"github.com/distsys-rnd/epaxos/internal/clienthandler"
	"github.com/distsys-rnd/epaxos/internal/config"
	"github.com/distsys-rnd/epaxos/internal/depcache"
	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/executor"
	"github.com/distsys-rnd/epaxos/internal/instance"
	"github.com/distsys-rnd/epaxos/internal/leader"
	"github.com/distsys-rnd/epaxos/internal/netadapter"
	"github.com/distsys-rnd/epaxos/internal/ping"
	"github.com/distsys-rnd/epaxos/internal/router"
	"github.com/distsys-rnd/epaxos/internal/timeout"
	"github.com/distsys-rnd/epaxos/internal/transport"
)

var logger = logging.MustGetLogger("main")

// logApplier logs applied commands in their final execution order; a
// real deployment supplies its own command interpreter in Applier's
// place.
type logApplier struct{}

func (logApplier) Apply(slot epaxos.Slot, cmd *epaxos.Command) {
	if cmd == nil {
		logger.Infof("executed %v: noop", slot)
		return
	}
	logger.Infof("executed %v: %s", slot, cmd.Op)
}

func main() {
	fs := flag.NewFlagSet("replica", flag.ExitOnError)
	listenAddr := fs.String("listen", "", "local UDP address to bind (host:port)")
	cfg, err := config.Parse(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "replica: -listen is required")
		os.Exit(2)
	}

	stats, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: "127.0.0.1:8125",
		Prefix:  fmt.Sprintf("epaxos.replica%d", cfg.ReplicaID),
	})
	if err != nil {
		logger.Warningf("statsd client disabled: %v", err)
		stats = nil
	}

	codec := netadapter.NewGobCodec()
	peekOrigin := func(frame []byte) (epaxos.ReplicaID, bool) {
		body, _, err := netadapter.ReadFrame(frame)
		if err != nil {
			return 0, false
		}
		env, err := codec.Decode(body)
		if err != nil {
			return 0, false
		}
		return env.Origin, true
	}
	tr, err := transport.Listen(*listenAddr, cfg.PeerAddr, peekOrigin)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	defer tr.Close()

	deps := depcache.New()
	store := instance.New(deps)
	adapter := netadapter.New(cfg.ReplicaID, codec, tr, stats)

	acc := acceptor.New(cfg.ReplicaID, cfg.Epoch, store, stats)
	ld := leader.New(cfg.ReplicaID, cfg.Epoch, cfg.Peers(), store, stats)
	ch := clienthandler.New(cfg.ReplicaID, stats, cfg.ClientCacheSize, store)
	seqOf := func(s epaxos.Slot) (uint64, bool) {
		exists, st, err := store.Load(s, cfg.Epoch)
		if !exists || err != nil {
			return 0, false
		}
		return st.Seq, true
	}
	cmdOf := func(s epaxos.Slot) *epaxos.Command {
		_, st, err := store.Load(s, cfg.Epoch)
		if err != nil {
			return nil
		}
		return st.Command
	}
	ex := executor.New(stats, seqOf, cmdOf)
	cp := checkpoint.New(cfg.CheckpointEach, stats)
	secondsPerTick := 1.0 / float64(cfg.Jiffies)
	wheel := timeout.New(cfg.Timeout, cfg.TimeoutRange, int64(cfg.ReplicaID)+1)
	rtt := ping.New(cfg.ReplicaID, stats)

	rcfg := router.Config{
		Self:                    cfg.ReplicaID,
		Peers:                   cfg.Peers(),
		DeferToSuccessor:        cfg.DeferToSuccessor,
		BallotRetryLimit:        cfg.BallotRetryLimit,
		BallotRetryBackoffTicks: cfg.BallotRetryBackoffTicks,
		PingEvery:               cfg.PingEvery,
	}
	rt := router.New(rcfg, store, acc, ld, ch, ex, cp, wheel, rtt, adapter, logApplier{}, stats)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)

	tickDur := time.Duration(secondsPerTick * float64(time.Second))
	var now timeout.Tick
	logger.Infof("replica %d listening on %s (%d peers, %d ticks/sec)", cfg.ReplicaID, *listenAddr, len(cfg.PeerAddr), cfg.Jiffies)

	for {
		select {
		case <-sigc:
			logger.Infof("shutting down")
			return
		default:
		}

		if err := tr.SetDeadline(tickDur); err != nil {
			logger.Errorf("set deadline: %v", err)
			return
		}
		_, frame, err := tr.Recv()
		if err != nil {
			if !transport.IsTimeout(err) {
				logger.Warningf("recv: %v", err)
			}
		} else {
			rt.HandleInbound(frame, now)
		}

		now++
		rt.Tick(now)
	}
}
