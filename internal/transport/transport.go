package transport

import (
	"io"

	"github.com/duetocode/go-whisper-bridge/internal/wire"
)

// PacketDecoder decodes a single client packet from a stream.
type PacketDecoder interface {
	Decode(r io.Reader) (wire.Packet, error)
}

// MultiPacketDecoder optionally drains multiple packets from a stream.
type MultiPacketDecoder interface {
	DecodeN(r io.Reader, max int, onPacket func(wire.Packet)) (int, error)
}

// PacketBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type PacketBatchEncoder interface {
	Encode([]wire.Packet) []byte
	EncodeTo(w io.Writer, pkts []wire.Packet) (int, error)
}

// PacketSink is a generic packet transmission target.
type PacketSink interface {
	SendPacket(wire.Packet) error
}

// PayloadBounded reports the largest payload a codec will accept.
// Fixed-size wire formats have no use for this; whisper packets are
// variable length, so each connection's handshake-advertised bound is
// validated against the codec's own.
type PayloadBounded interface {
	MaxPayload() int
}

// Compile-time assertions that *wire.Codec satisfies the optional capabilities.
var (
	_ PacketDecoder      = (*wire.Codec)(nil)
	_ MultiPacketDecoder = (*wire.Codec)(nil)
	_ PacketBatchEncoder = (*wire.Codec)(nil)
	_ PayloadBounded     = (*wire.Codec)(nil)
)
