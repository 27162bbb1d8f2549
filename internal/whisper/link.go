// Package whisper implements the whisper data link layer: a byte-driven
// receive state machine that locates, validates and delivers frames out
// of a raw byte stream, and a single-slot transmit engine with sequence
// numbering and timer-driven bounded retransmission.
//
// A Link runs in a single logical execution context. DataReceived, Send
// and the scheduled retransmission callback must be serialised by the
// host; the link itself takes no locks and never blocks.
package whisper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/duetocode/go-whisper-bridge/internal/buffer"
	"github.com/duetocode/go-whisper-bridge/internal/crc"
)

// Retransmission policy for frames awaiting acknowledgement.
const (
	MaxRetransmissions  = 3
	RetransmissionDelay = 50 * time.Millisecond
)

var (
	// ErrConfig is returned by New for an unusable configuration.
	ErrConfig = errors.New("whisper: invalid config")

	// ErrParserState is returned by DataReceived when the parser state
	// is observed outside the known set (memory corruption). The link
	// clears its receive buffer and resumes from a clean state.
	ErrParserState = errors.New("whisper: parser state corrupted")
)

// Config wires a Link to its host. Buf, DataWrite, SetDelay and
// CancelDelay are mandatory.
type Config struct {
	// Buf is the backing storage of the receive buffer. Its length is
	// the buffer capacity and bounds the acceptable payload length at
	// len(Buf) - Overhead. The link owns it after New.
	Buf []byte

	// DataWrite pushes encoded frame bytes to the byte transport.
	// Synchronous, best-effort; must not re-enter the link.
	DataWrite func(p []byte)

	// PacketReceived delivers the payload of each accepted DATA frame,
	// duplicates suppressed. The slice is a window into the receive
	// buffer and is valid only until the callback returns.
	PacketReceived func(payload []byte)

	// DataAck, if set, reports the terminal outcome of an acknowledged
	// send: sent=true on ACK match, sent=false on retry exhaustion.
	DataAck func(seq uint16, sent bool)

	// SetDelay schedules fn to run once after d, replacing any pending
	// callback from this link. fn must run in the same serialisation
	// context as DataReceived and Send.
	SetDelay func(d time.Duration, fn func())

	// CancelDelay cancels any pending scheduled callback. It must
	// tolerate cancelling an already-fired or never-scheduled timer.
	CancelDelay func()
}

type parseState uint8

const (
	statePrefix parseState = iota
	stateHeader
	statePayload
	stateChecksum
)

// txSlot is the single outbound frame awaiting acknowledgement. The
// payload is copied in at Send time so retransmission does not depend
// on the caller's buffer.
type txSlot struct {
	seq         uint16
	flags       byte
	payload     [MaxPayload]byte
	payloadLen  int
	attempts    int
	ackRequired bool
}

// Link is one whisper endpoint over one byte transport. Multiple
// independent links may coexist (for example one per serial port).
type Link struct {
	cfg Config

	rx  buffer.Array
	st  parseState
	hdr frameHeader

	sendSeq uint16 // last assigned outbound sequence; zero reserved
	recvSeq uint16 // next expected inbound sequence; lower means duplicate

	slot     txSlot
	slotBusy bool

	// emitFn is the one callback value ever handed to SetDelay, so
	// rescheduling is idempotent with respect to identity.
	emitFn func()

	txScratch [maxFrameLen]byte
}

// New validates cfg and returns a Link in the PREFIX state with all
// counters cleared.
func New(cfg Config) (*Link, error) {
	switch {
	case len(cfg.Buf) <= Overhead:
		return nil, fmt.Errorf("%w: buffer of %d bytes cannot hold a frame", ErrConfig, len(cfg.Buf))
	case cfg.DataWrite == nil:
		return nil, fmt.Errorf("%w: nil DataWrite", ErrConfig)
	case cfg.SetDelay == nil:
		return nil, fmt.Errorf("%w: nil SetDelay", ErrConfig)
	case cfg.CancelDelay == nil:
		return nil, fmt.Errorf("%w: nil CancelDelay", ErrConfig)
	}
	l := &Link{cfg: cfg}
	l.rx.Init(cfg.Buf)
	l.emitFn = l.emit
	return l, nil
}

// Busy reports whether the transmit slot holds an unacknowledged frame.
func (l *Link) Busy() bool { return l.slotBusy }

// DataReceived feeds transport bytes to the link. All complete frames
// contained in the input are delivered, in order, before it returns.
// Input that overruns the receive buffer while the parser is stalled is
// discarded; flow control is the host's responsibility.
func (l *Link) DataReceived(data []byte) error {
	for len(data) > 0 {
		n := l.rx.Push(data)
		data = data[n:]
		if err := l.process(); err != nil {
			return err
		}
		if n == 0 && l.rx.Free() == 0 {
			// parser cannot free space for the remaining input
			break
		}
	}
	return nil
}

// process runs the state machine until a handler reports that it needs
// more input.
func (l *Link) process() error {
	for {
		var again bool
		switch l.st {
		case statePrefix:
			again = l.handlePrefix()
		case stateHeader:
			again = l.handleHeader()
		case statePayload:
			again = l.handlePayload()
		case stateChecksum:
			again = l.handleChecksum()
		default:
			l.rx.Clear()
			l.st = statePrefix
			return ErrParserState
		}
		if !again {
			return nil
		}
	}
}

// handlePrefix scans for the frame prefix at the buffer head, dropping
// one byte at a time on mismatch. Dropping a single byte keeps a
// partial match alive: in 0A 0A 0D the second 0A begins the real prefix.
func (l *Link) handlePrefix() bool {
	for l.rx.Size() >= prefixLen {
		if l.rx.At(0) == framePrefix[0] && l.rx.At(1) == framePrefix[1] {
			l.st = stateHeader
			return true
		}
		l.rx.Pop(1)
	}
	return false
}

// handleHeader validates the four header bytes once resident. A false
// prefix inside garbage fails here; dropping one byte and rescanning
// from PREFIX resynchronises.
func (l *Link) handleHeader() bool {
	if l.rx.Size() < prefixLen+headerLen {
		return false
	}
	hdr := frameHeader{
		seq:        uint16(l.rx.At(2)) | uint16(l.rx.At(3))<<8,
		flags:      l.rx.At(4),
		payloadLen: int(l.rx.At(5)),
	}
	if !validFlags(hdr.flags) || hdr.payloadLen > l.rx.Capacity()-Overhead {
		l.rx.Pop(1)
		l.st = statePrefix
		return true
	}
	l.hdr = hdr
	l.st = statePayload
	return true
}

// handlePayload waits for the whole payload without consuming anything.
func (l *Link) handlePayload() bool {
	if l.rx.Size() < prefixLen+headerLen+l.hdr.payloadLen {
		return false
	}
	l.st = stateChecksum
	return true
}

// handleChecksum verifies the frame trailer, delivers the frame and
// removes it from the buffer. A mismatch drops one byte and rescans.
func (l *Link) handleChecksum() bool {
	body := prefixLen + headerLen + l.hdr.payloadLen
	frameLen := body + checksumLen
	if l.rx.Size() < frameLen {
		return false
	}
	sum := crc.Init
	for i := 0; i < body; i++ {
		sum = crc.Update(sum, l.rx.At(i))
	}
	want := uint16(l.rx.At(body)) | uint16(l.rx.At(body+1))<<8
	if sum != want {
		l.rx.Pop(1)
		l.st = statePrefix
		return true
	}
	l.deliverFrame()
	l.rx.Pop(frameLen)
	l.st = statePrefix
	return true
}

// deliverFrame routes a validated frame while its bytes are still
// resident in the receive buffer.
func (l *Link) deliverFrame() {
	hdr := l.hdr
	if hdr.flags&FlagSeqReset != 0 {
		// peer demands realignment; adopt its sequence as authoritative
		l.recvSeq = hdr.seq
	}
	if hdr.flags&FlagAck != 0 {
		if hdr.payloadLen == ackPayloadLen {
			l.onAck(uint16(l.rx.At(6)) | uint16(l.rx.At(7))<<8)
		}
		return
	}
	if hdr.seq < l.recvSeq {
		// retransmitted duplicate: suppress delivery, still acknowledge
		l.writeAck(hdr.seq)
		return
	}
	l.recvSeq = hdr.seq + 1
	if l.cfg.PacketReceived != nil {
		start := prefixLen + headerLen
		l.cfg.PacketReceived(l.rx.View(start, start+hdr.payloadLen))
	}
	l.writeAck(hdr.seq)
}

// writeAck emits an ACK frame whose payload is the acknowledged inbound
// sequence.
func (l *Link) writeAck(acked uint16) {
	var p [ackPayloadLen]byte
	binary.LittleEndian.PutUint16(p[:], acked)
	l.cfg.DataWrite(appendFrame(l.txScratch[:0], l.sendSeq, FlagAck, p[:]))
}

// Send queues one DATA frame for transmission and returns its assigned
// sequence number, always non-zero. It returns 0 when the transmit slot
// is still occupied (retry after the pending frame resolves) or when
// payload exceeds MaxPayload. The payload is copied; the caller's
// buffer may be reused immediately.
func (l *Link) Send(payload []byte, ackRequired bool) uint16 {
	if l.slotBusy || len(payload) > MaxPayload {
		return 0
	}
	l.sendSeq++
	if l.sendSeq == 0 {
		// zero is the "slot busy" sentinel, never assigned to a frame
		l.sendSeq++
	}
	flags := FlagData
	if l.sendSeq == 1 {
		// first sequence of an epoch: tell the peer to realign
		flags |= FlagSeqReset
	}
	seq := l.sendSeq
	l.slot = txSlot{seq: seq, flags: flags, payloadLen: len(payload), ackRequired: ackRequired}
	copy(l.slot.payload[:], payload)
	l.slotBusy = true
	l.emit()
	return seq
}

// emit transmits the slot frame and arms the retransmission timer. It
// is both the initial transmission path and the timer callback; on
// entry with the retry budget spent it drops the slot instead and
// surfaces the failure.
func (l *Link) emit() {
	if !l.slotBusy {
		// late timer after the slot resolved; nothing to do
		return
	}
	if l.slot.attempts >= MaxRetransmissions {
		l.cfg.CancelDelay()
		l.slotBusy = false
		if l.slot.ackRequired && l.cfg.DataAck != nil {
			l.cfg.DataAck(l.slot.seq, false)
		}
		return
	}
	l.cfg.DataWrite(appendFrame(l.txScratch[:0], l.slot.seq, l.slot.flags, l.slot.payload[:l.slot.payloadLen]))
	l.slot.attempts++
	l.cfg.SetDelay(RetransmissionDelay, l.emitFn)
}

// onAck resolves the transmit slot against an acknowledged sequence.
// Stale or mismatched acknowledgements are ignored.
func (l *Link) onAck(acked uint16) {
	if !l.slotBusy || l.slot.seq != acked {
		return
	}
	l.cfg.CancelDelay()
	l.slotBusy = false
	if l.cfg.DataAck != nil {
		l.cfg.DataAck(acked, true)
	}
}
