package wire

import "github.com/duetocode/go-whisper-bridge/internal/whisper"

// MaxPayload mirrors the link-layer payload bound: anything larger can
// never be framed for the serial side.
const MaxPayload = whisper.MaxPayload

// Packet is one opaque whisper payload as exchanged with TCP clients.
// Only the first Len bytes of Data are valid. A value type so it can
// travel through channels without aliasing.
type Packet struct {
	Len  uint8
	Data [MaxPayload]byte
}

// Make copies p into a Packet, truncating at MaxPayload.
func Make(p []byte) Packet {
	var pkt Packet
	pkt.Len = uint8(copy(pkt.Data[:], p))
	return pkt
}

// Bytes returns the valid payload region.
func (p *Packet) Bytes() []byte { return p.Data[:p.Len] }
