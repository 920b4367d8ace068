// Package transport implements the replica's send(peer,bytes)/recv()
// contract over UDP: one length-prefixed packet per datagram, no
// stream reassembly. The transport is swappable; this is the one
// implementation the module needs to run end-to-end.
package transport

import (
	"fmt"
	"net"
	"time"

	logging "github.com/op/go-logging"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
)

var logger = logging.MustGetLogger("transport")

const maxDatagram = 64 * 1024

// Transport is the minimal send/receive contract the net adapter and
// the main loop need.
type Transport interface {
	SendTo(peer epaxos.ReplicaID, frame []byte) error
	Recv() (epaxos.ReplicaID, []byte, error)
	Close() error
}

// OriginFunc extracts the sender id a framed datagram claims. The
// transport uses it to learn return addresses for senders outside the
// static peer table: client drivers, whose responses still need a
// route back even though no config entry names them.
type OriginFunc func(frame []byte) (epaxos.ReplicaID, bool)

// UDPTransport implements Transport over a single bound UDP socket,
// resolving replica ids through a static peer address table plus a
// dynamic table of guest senders.
type UDPTransport struct {
	conn     *net.UDPConn
	peerAddr map[epaxos.ReplicaID]*net.UDPAddr
	addrPeer map[string]epaxos.ReplicaID
	static   map[epaxos.ReplicaID]bool
	origin   OriginFunc
}

// Listen binds laddr and resolves every entry of peerAddr up front.
// origin may be nil, in which case datagrams from unlisted addresses
// are dropped outright.
func Listen(laddr string, peerAddr map[epaxos.ReplicaID]string, origin OriginFunc) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}

	resolved := make(map[epaxos.ReplicaID]*net.UDPAddr, len(peerAddr))
	byAddr := make(map[string]epaxos.ReplicaID, len(peerAddr))
	static := make(map[epaxos.ReplicaID]bool, len(peerAddr))
	for id, a := range peerAddr {
		ua, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: resolve peer %d (%s): %w", id, a, err)
		}
		resolved[id] = ua
		byAddr[ua.String()] = id
		static[id] = true
	}

	return &UDPTransport{conn: conn, peerAddr: resolved, addrPeer: byAddr, static: static, origin: origin}, nil
}

// LocalAddr reports the bound address, useful when laddr asked for an
// ephemeral port.
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// SendTo writes frame to peer's resolved address.
func (t *UDPTransport) SendTo(peer epaxos.ReplicaID, frame []byte) error {
	addr, ok := t.peerAddr[peer]
	if !ok {
		return fmt.Errorf("transport: unknown peer %d", peer)
	}
	n, err := t.conn.WriteToUDP(frame, addr)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("transport: short write to %d: %d of %d bytes", peer, n, len(frame))
	}
	return nil
}

// SetDeadline bounds the next Recv call, letting the main loop poll the
// transport with a timeout derived from the next scheduled tick.
func (t *UDPTransport) SetDeadline(d time.Duration) error {
	return t.conn.SetReadDeadline(time.Now().Add(d))
}

// IsTimeout reports whether err is the deadline expiring with no
// datagram arriving, as opposed to a real transport failure.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Recv blocks for the next datagram (up to the last SetDeadline, if
// any), returning the replica id it maps to. A datagram from an
// unrecognized address is admitted only if OriginFunc can name its
// sender, in which case the sender is recorded as a guest so responses
// can find the way back; otherwise it is logged and dropped.
func (t *UDPTransport) Recv() (epaxos.ReplicaID, []byte, error) {
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, nil, err
		}
		out := make([]byte, n)
		copy(out, buf[:n])

		peer, ok := t.addrPeer[raddr.String()]
		if ok {
			return peer, out, nil
		}
		peer, ok = t.admitGuest(raddr, out)
		if !ok {
			continue
		}
		return peer, out, nil
	}
}

func (t *UDPTransport) admitGuest(raddr *net.UDPAddr, frame []byte) (epaxos.ReplicaID, bool) {
	if t.origin == nil {
		logger.Warningf("dropping datagram from unrecognized address %v", raddr)
		return 0, false
	}
	id, ok := t.origin(frame)
	if !ok {
		logger.Warningf("dropping undecodable datagram from unrecognized address %v", raddr)
		return 0, false
	}
	if t.static[id] {
		// A configured replica id arriving from the wrong address is a
		// misconfiguration or a spoof, never a roaming client.
		logger.Warningf("dropping datagram claiming static peer %d from unlisted address %v", id, raddr)
		return 0, false
	}
	if prev, known := t.peerAddr[id]; known {
		delete(t.addrPeer, prev.String())
	}
	t.peerAddr[id] = raddr
	t.addrPeer[raddr.String()] = id
	logger.Infof("learned guest sender %d at %v", id, raddr)
	return id, true
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
