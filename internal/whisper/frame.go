package whisper

import (
	"encoding/binary"

	"github.com/duetocode/go-whisper-bridge/internal/crc"
)

// Frame flag bits. Every valid frame asserts exactly one of FlagAck and
// FlagData; FlagSeqReset may ride along with either.
const (
	FlagAck      byte = 1 << 0
	FlagData     byte = 1 << 1
	FlagSeqReset byte = 1 << 2

	flagsKnown = FlagAck | FlagData | FlagSeqReset
)

// Wire layout. Multi-byte integers are little-endian.
//
//	prefix(2) | seq(2) | flags(1) | payload len(1) | payload(0..253) | crc(2)
const (
	prefixLen   = 2
	headerLen   = 4
	checksumLen = 2

	// Overhead is the number of non-payload bytes in a frame.
	Overhead = prefixLen + headerLen + checksumLen

	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 253

	maxFrameLen = Overhead + MaxPayload

	// An ACK frame's payload is the acknowledged sequence number.
	ackPayloadLen = 2
)

// framePrefix marks the start of every frame on the wire.
var framePrefix = [prefixLen]byte{0x0A, 0x0D}

// frameHeader is the decoded view of the four header bytes that follow
// the prefix. While the parser is past the PREFIX state the raw header
// always sits at receive buffer offsets [2..6).
type frameHeader struct {
	seq        uint16
	flags      byte
	payloadLen int
}

// appendFrame serialises a complete frame to dst and returns the
// extended slice. The checksum covers everything before it. dst must
// have enough capacity to avoid reallocation on the hot path.
func appendFrame(dst []byte, seq uint16, flags byte, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, framePrefix[:]...)
	dst = binary.LittleEndian.AppendUint16(dst, seq)
	dst = append(dst, flags, byte(len(payload)))
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint16(dst, crc.Checksum(dst[start:]))
}

// validFlags reports whether flags encode a well-formed frame type:
// no unknown bits, exactly one of ACK and DATA.
func validFlags(flags byte) bool {
	if flags&^flagsKnown != 0 {
		return false
	}
	kind := flags & (FlagAck | FlagData)
	return kind == FlagAck || kind == FlagData
}
