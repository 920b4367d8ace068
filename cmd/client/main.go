// Command client is a minimal driver for submitting one Mutator
// command to a replica and printing its committed response. It exists
// so the wire protocol has a runnable counterpart; real client drivers
// handle retries and leader redirects on top of this.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/netadapter"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

func main() {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	replicaAddr := fs.String("replica", "", "host:port of a replica to submit to")
	replicaID := fs.Uint("replica-id", 0, "that replica's id, for the wire envelope")
	op := fs.String("op", "", "operation name")
	keys := fs.String("keys", "", "comma-separated keys the operation touches")
	timeout := fs.Duration("timeout", 5*time.Second, "how long to wait for a response")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if *replicaAddr == "" || *op == "" {
		fmt.Fprintln(os.Stderr, "client: -replica and -op are required")
		os.Exit(2)
	}

	var keySlice []epaxos.Key
	for _, k := range strings.Split(*keys, ",") {
		if k != "" {
			keySlice = append(keySlice, epaxos.Key(k))
		}
	}
	cmd := epaxos.Command{ID: uuid.New(), Kind: epaxos.KindMutator, Op: *op, Keys: keySlice}

	addr, err := net.ResolveUDPAddr("udp", *replicaAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client: resolve replica address:", err)
		os.Exit(1)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client: dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Client ids live in a high band no replica config ever uses; the
	// replica's transport learns the return address from the first
	// datagram carrying this origin.
	clientID := epaxos.ReplicaID(rand.Uint32() | 1<<31)

	codec := netadapter.NewGobCodec()
	env := wire.Envelope{
		Origin:      clientID,
		Destination: epaxos.ReplicaID(*replicaID),
		TypeName:    fmt.Sprintf("%T", wire.ClientRequest{}),
		Payload:     wire.ClientRequest{Command: cmd},
	}
	body, err := codec.Encode(env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client: encode:", err)
		os.Exit(1)
	}
	frame := netadapter.FrameBody(body)

	if _, err := conn.Write(frame); err != nil {
		fmt.Fprintln(os.Stderr, "client: send:", err)
		os.Exit(1)
	}

	conn.SetReadDeadline(time.Now().Add(*timeout))
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client: no response:", err)
		os.Exit(1)
	}
	respBody, _, err := netadapter.ReadFrame(buf[:n])
	if err != nil {
		fmt.Fprintln(os.Stderr, "client: short response frame:", err)
		os.Exit(1)
	}
	respEnv, err := codec.Decode(respBody)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client: decode response:", err)
		os.Exit(1)
	}
	resp, ok := respEnv.Payload.(wire.ClientResponse)
	if !ok {
		fmt.Fprintf(os.Stderr, "client: unexpected response payload %T\n", respEnv.Payload)
		os.Exit(1)
	}
	fmt.Printf("committed: op=%s keys=%v\n", resp.Command.Op, resp.Command.Keys)
}
