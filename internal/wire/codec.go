// Package wire carries whisper payloads between the bridge and its TCP
// clients: a minimal length-prefixed packet stream plus the connection
// hello. The serial-side framing (prefix, CRC, acknowledgement) stays
// inside the link; clients only ever see payload bytes.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/duetocode/go-whisper-bridge/internal/metrics"
)

// Codec encodes/decodes client packets. Stateless and safe for
// concurrent use. Wire form: 1-byte payload length, then the payload.
type Codec struct{}

// ErrOversizePacket is returned when a packet length exceeds MaxPayload.
var ErrOversizePacket = errors.New("wire: oversize packet")

// MaxPayload reports the largest payload this codec will frame. The
// server checks a peer's handshake-advertised bound against it before
// admitting the connection.
func (c *Codec) MaxPayload() int { return MaxPayload }

// Encode packs packets into a single buffer.
func (c *Codec) Encode(pkts []Packet) []byte {
	if len(pkts) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(pkts) * (1 + MaxPayload/4))
	_, _ = c.EncodeTo(&buf, pkts)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of pkts to w and returns
// bytes written.
func (c *Codec) EncodeTo(w io.Writer, pkts []Packet) (int, error) {
	var total int
	for i := range pkts {
		p := &pkts[i]
		n, err := w.Write([]byte{p.Len})
		total += n
		if err != nil {
			return total, fmt.Errorf("wire encode len: %w", err)
		}
		if p.Len > 0 {
			n, err = w.Write(p.Data[:p.Len])
			total += n
			if err != nil {
				return total, fmt.Errorf("wire encode payload: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one packet from r. It returns io.EOF when called
// at a clean packet boundary with no more data available.
func (c *Codec) Decode(r io.Reader) (Packet, error) {
	var p Packet
	var lb [1]byte
	n, err := r.Read(lb[:])
	if err != nil {
		return p, err
	}
	if n == 0 {
		return p, io.EOF
	}
	ln := int(lb[0])
	if ln > MaxPayload {
		metrics.IncMalformed()
		return p, fmt.Errorf("wire decode: %w (%d)", ErrOversizePacket, ln)
	}
	p.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, p.Data[:ln]); err != nil {
			metrics.IncMalformed()
			return p, fmt.Errorf("wire decode payload: %w", err)
		}
	}
	return p, nil
}

// DecodeN decodes up to max packets (if max>0) or until EOF (if max<=0)
// invoking onPacket for each. It returns the number decoded and the
// terminal error, which can be io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onPacket func(Packet)) (int, error) {
	var n int
	for max <= 0 || n < max {
		p, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onPacket(p)
		n++
	}
	return n, nil
}
