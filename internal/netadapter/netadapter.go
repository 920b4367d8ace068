// Package netadapter turns outbound effects.Send events into framed
// bytes and framed bytes back into wire.Envelope values. Every
// datagram is one little-endian u32 length followed by the encoded
// envelope body.
package netadapter

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	logging "github.com/op/go-logging"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/distsys-rnd/epaxos/internal/epaxos"
	"github.com/distsys-rnd/epaxos/internal/wire"
)

var logger = logging.MustGetLogger("netadapter")

// Codec turns a wire.Envelope into bytes and back. The wire format is
// swappable; this package ships one concrete implementation (gobCodec)
// so the module runs end-to-end.
type Codec interface {
	Encode(wire.Envelope) ([]byte, error)
	Decode([]byte) (wire.Envelope, error)
}

func init() {
	for _, v := range []any{
		wire.ClientRequest{}, wire.ClientResponse{},
		wire.PreAcceptRequest{}, wire.PreAcceptAck{}, wire.PreAcceptNack{},
		wire.AcceptRequest{}, wire.AcceptAck{}, wire.AcceptNack{},
		wire.CommitRequest{}, wire.PrepareRequest{}, wire.PrepareAck{}, wire.PrepareNack{},
		wire.Ping{}, wire.Pong{},
	} {
		gob.Register(v)
	}
}

// gobCodec is the default Codec, using encoding/gob.
type gobCodec struct{}

// NewGobCodec returns the default stdlib-backed Codec.
func NewGobCodec() Codec { return gobCodec{} }

func (gobCodec) Encode(env wire.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("netadapter: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(b []byte) (wire.Envelope, error) {
	var env wire.Envelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&env); err != nil {
		return wire.Envelope{}, fmt.Errorf("netadapter: decode: %w", err)
	}
	return env, nil
}

// Sender is the narrow transport dependency this package needs: hand a
// framed datagram to a specific peer.
type Sender interface {
	SendTo(peer epaxos.ReplicaID, frame []byte) error
}

// Adapter frames and sends outbound packets, and reassembles inbound
// ones.
type Adapter struct {
	self  epaxos.ReplicaID
	codec Codec
	sink  Sender
	stats statsd.Statter
}

// New returns an Adapter for replica self, framing with codec and
// handing datagrams to sink.
func New(self epaxos.ReplicaID, codec Codec, sink Sender, stats statsd.Statter) *Adapter {
	return &Adapter{self: self, codec: codec, sink: sink, stats: stats}
}

func (a *Adapter) inc(name string) {
	if a.stats != nil {
		_ = a.stats.Inc("netadapter."+name, 1, 1.0)
	}
}

// Send wraps payload in an Envelope addressed to dest and hands the
// framed bytes to the transport. It never blocks the caller: a failed
// send is logged and dropped, relying on timeout-driven
// retransmission.
func (a *Adapter) Send(dest epaxos.ReplicaID, payload any) {
	env := wire.Envelope{
		Origin:      a.self,
		Destination: dest,
		TypeName:    fmt.Sprintf("%T", payload),
		Payload:     payload,
	}
	body, err := a.codec.Encode(env)
	if err != nil {
		logger.Errorf("send to %v: encode failed: %v", dest, err)
		a.inc("encode_error.count")
		return
	}
	frame := FrameBody(body)
	if err := a.sink.SendTo(dest, frame); err != nil {
		logger.Warningf("send to %v: transport error: %v", dest, err)
		a.inc("transport_error.count")
		return
	}
	a.inc("sent.count")
}

// Decode unframes a single len:u32|body datagram into its Envelope.
func (a *Adapter) Decode(frame []byte) (wire.Envelope, error) {
	body, rest, err := ReadFrame(frame)
	if err != nil {
		return wire.Envelope{}, err
	}
	if len(rest) != 0 {
		return wire.Envelope{}, fmt.Errorf("netadapter: %d trailing byte(s) after frame", len(rest))
	}
	env, err := a.codec.Decode(body)
	if err != nil {
		a.inc("decode_error.count")
		return wire.Envelope{}, err
	}
	a.inc("received.count")
	return env, nil
}

// FrameBody prepends body with its little-endian u32 length. Exported
// so standalone processes (cmd/client) can frame a datagram without
// constructing a full Adapter.
func FrameBody(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// ReadFrame splits frame into its declared body and any trailing bytes.
func ReadFrame(frame []byte) (body, rest []byte, err error) {
	if len(frame) < 4 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	size := binary.LittleEndian.Uint32(frame[:4])
	if uint32(len(frame)-4) < size {
		return nil, nil, fmt.Errorf("netadapter: frame declares %d bytes, has %d", size, len(frame)-4)
	}
	return frame[4 : 4+size], frame[4+size:], nil
}
