package whisper

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type ackEvent struct {
	seq  uint16
	sent bool
}

// harness captures everything a Link pushes through its callbacks.
type harness struct {
	t        *testing.T
	link     *Link
	writes   [][]byte
	received [][]byte
	acks     []ackEvent
	pending  func()
	delays   []time.Duration
	cancels  int
}

func newHarness(t *testing.T, bufSize int) *harness {
	h := &harness{t: t}
	link, err := New(Config{
		Buf: make([]byte, bufSize),
		DataWrite: func(p []byte) {
			h.writes = append(h.writes, append([]byte(nil), p...))
		},
		PacketReceived: func(payload []byte) {
			h.received = append(h.received, append([]byte(nil), payload...))
		},
		DataAck: func(seq uint16, sent bool) {
			h.acks = append(h.acks, ackEvent{seq: seq, sent: sent})
		},
		SetDelay: func(d time.Duration, fn func()) {
			h.delays = append(h.delays, d)
			h.pending = fn
		},
		CancelDelay: func() {
			h.cancels++
			h.pending = nil
		},
	})
	require.NoError(t, err)
	h.link = link
	return h
}

// fireTimer simulates the host timer elapsing.
func (h *harness) fireTimer() {
	h.t.Helper()
	require.NotNil(h.t, h.pending, "no timer scheduled")
	fn := h.pending
	h.pending = nil
	fn()
}

func (h *harness) feed(data []byte) {
	h.t.Helper()
	require.NoError(h.t, h.link.DataReceived(data))
}

func dataFrame(seq uint16, payload []byte) []byte {
	return appendFrame(nil, seq, FlagData, payload)
}

func ackFrame(seq, acked uint16) []byte {
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], acked)
	return appendFrame(nil, seq, FlagAck, p[:])
}

// parseAck decodes the acknowledged sequence out of a written ACK frame.
func parseAck(t *testing.T, f []byte) uint16 {
	t.Helper()
	require.GreaterOrEqual(t, len(f), Overhead+2)
	require.Equal(t, FlagAck, f[4]&(FlagAck|FlagData))
	require.Equal(t, byte(2), f[5])
	return binary.LittleEndian.Uint16(f[6:8])
}

func TestNewRejectsBadConfig(t *testing.T) {
	valid := Config{
		Buf:         make([]byte, 64),
		DataWrite:   func([]byte) {},
		SetDelay:    func(time.Duration, func()) {},
		CancelDelay: func() {},
	}

	_, err := New(valid)
	assert.NoError(t, err)

	small := valid
	small.Buf = make([]byte, Overhead)
	_, err = New(small)
	assert.ErrorIs(t, err, ErrConfig)

	noWrite := valid
	noWrite.DataWrite = nil
	_, err = New(noWrite)
	assert.ErrorIs(t, err, ErrConfig)

	noDelay := valid
	noDelay.SetDelay = nil
	_, err = New(noDelay)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestReceiveHappyPath(t *testing.T) {
	h := newHarness(t, 128)
	h.feed(dataFrame(0x0005, []byte{0x41, 0x42}))

	require.Len(t, h.received, 1)
	assert.Equal(t, []byte{0x41, 0x42}, h.received[0])
	assert.Equal(t, statePrefix, h.link.st)
	assert.Equal(t, 0, h.link.rx.Size())

	require.Len(t, h.writes, 1)
	assert.Equal(t, uint16(0x0005), parseAck(t, h.writes[0]))
}

func TestReceivePartialPrefix(t *testing.T) {
	h := newHarness(t, 128)
	h.feed([]byte{0x00, 0x01, 0x02, 0x0A})

	assert.Empty(t, h.received)
	assert.Equal(t, statePrefix, h.link.st)
	assert.Equal(t, 1, h.link.rx.Size())

	// the buffered 0x0A joins the next chunk's prefix byte; the real
	// prefix starts one byte in
	h.feed(dataFrame(0x0001, nil))
	require.Len(t, h.received, 1)
	assert.Empty(t, h.received[0])
	assert.Equal(t, statePrefix, h.link.st)
	assert.Equal(t, 0, h.link.rx.Size())
}

func TestReceiveDoublePrefixByte(t *testing.T) {
	h := newHarness(t, 128)
	h.feed([]byte{0x0A, 0x0A, 0x0D})

	assert.Equal(t, stateHeader, h.link.st)
	assert.Equal(t, 2, h.link.rx.Size())
}

func TestReceiveChecksumMismatch(t *testing.T) {
	h := newHarness(t, 128)
	f := dataFrame(0x0001, []byte{0x41, 0x42})
	f[len(f)-1] ^= 0xFF
	h.feed(f)

	assert.Empty(t, h.received)
	assert.Empty(t, h.writes)
	assert.Equal(t, statePrefix, h.link.st)
	// one byte dropped, then the replayed remainder contains no valid
	// prefix and drains below the prefix length
	assert.Less(t, h.link.rx.Size(), prefixLen)
}

func TestReceiveInvalidFlagsResyncs(t *testing.T) {
	for _, flags := range []byte{0x00, FlagAck | FlagData, FlagSeqReset, 0x08} {
		h := newHarness(t, 128)
		f := appendFrame(nil, 1, flags, []byte{0x01})
		h.feed(f)
		assert.Empty(t, h.received, "flags %#b", flags)
		assert.Equal(t, statePrefix, h.link.st)
	}
}

func TestReceiveOversizeLengthResyncs(t *testing.T) {
	h := newHarness(t, 32)
	f := appendFrame(nil, 1, FlagData, make([]byte, 100))
	h.feed(f)
	assert.Empty(t, h.received)
	assert.Equal(t, statePrefix, h.link.st)
	assert.LessOrEqual(t, h.link.rx.Size(), h.link.rx.Capacity())
}

func TestReceiveMultipleFramesOneCall(t *testing.T) {
	h := newHarness(t, 128)
	stream := append(dataFrame(1, []byte{0xAA}), dataFrame(2, []byte{0xBB})...)
	h.feed(stream)

	require.Len(t, h.received, 2)
	assert.Equal(t, []byte{0xAA}, h.received[0])
	assert.Equal(t, []byte{0xBB}, h.received[1])
	require.Len(t, h.writes, 2)
	assert.Equal(t, uint16(1), parseAck(t, h.writes[0]))
	assert.Equal(t, uint16(2), parseAck(t, h.writes[1]))
}

func TestReceiveChunkedStream(t *testing.T) {
	h := newHarness(t, 128)
	stream := append(dataFrame(7, []byte{1, 2, 3}), dataFrame(8, []byte{4})...)
	// Feed in irregular small chunks to stress partial-state handling.
	chunkSizes := []int{1, 2, 3, 5, 7}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		h.feed(stream[pos : pos+n])
		pos += n
	}
	require.Len(t, h.received, 2)
	assert.Equal(t, []byte{1, 2, 3}, h.received[0])
	assert.Equal(t, []byte{4}, h.received[1])
}

func TestReceiveRoundTripPayloadSizes(t *testing.T) {
	h := newHarness(t, 2*(Overhead+MaxPayload))
	var seq uint16
	for _, n := range []int{0, 1, 2, 16, 128, MaxPayload} {
		seq++
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		h.received = nil
		h.feed(dataFrame(seq, payload))
		require.Len(t, h.received, 1, "payload len %d", n)
		assert.Equal(t, payload, h.received[0])
	}
}

func TestDuplicateSuppressedButAcked(t *testing.T) {
	h := newHarness(t, 128)
	f := dataFrame(5, []byte{0x41})
	h.feed(f)
	h.feed(f)

	assert.Len(t, h.received, 1)
	require.Len(t, h.writes, 2)
	assert.Equal(t, uint16(5), parseAck(t, h.writes[0]))
	assert.Equal(t, uint16(5), parseAck(t, h.writes[1]))
}

func TestOlderSequenceSuppressed(t *testing.T) {
	h := newHarness(t, 128)
	h.feed(dataFrame(100, []byte{0x01}))
	h.feed(dataFrame(50, []byte{0x02}))

	assert.Len(t, h.received, 1)
	assert.Len(t, h.writes, 2) // both acknowledged
}

func TestSeqResetRealignsReceiveCounter(t *testing.T) {
	h := newHarness(t, 128)
	h.feed(dataFrame(100, []byte{0x01}))
	// peer rebooted; its counter restarted
	h.feed(appendFrame(nil, 50, FlagData|FlagSeqReset, []byte{0x02}))

	require.Len(t, h.received, 2)
	assert.Equal(t, []byte{0x02}, h.received[1])

	// and the link follows the new numbering afterwards
	h.feed(dataFrame(51, []byte{0x03}))
	assert.Len(t, h.received, 3)
}

func TestAckDeliveredAfterCallbackReturns(t *testing.T) {
	var writesDuringCb int
	var cbRan bool
	var h *harness
	h = &harness{t: t}
	link, err := New(Config{
		Buf:       make([]byte, 128),
		DataWrite: func(p []byte) { h.writes = append(h.writes, append([]byte(nil), p...)) },
		PacketReceived: func(payload []byte) {
			cbRan = true
			writesDuringCb = len(h.writes)
		},
		SetDelay:    func(time.Duration, func()) {},
		CancelDelay: func() {},
	})
	require.NoError(t, err)
	h.link = link

	h.feed(dataFrame(1, []byte{0x41}))
	require.True(t, cbRan)
	assert.Equal(t, 0, writesDuringCb, "ACK must not be written before the callback returns")
	assert.Len(t, h.writes, 1)
}

func TestSendAssignsSequenceAndSchedules(t *testing.T) {
	h := newHarness(t, 128)
	seq := h.link.Send([]byte{0x41}, true)
	require.Equal(t, uint16(1), seq)

	require.Len(t, h.writes, 1)
	f := h.writes[0]
	assert.Equal(t, FlagData|FlagSeqReset, f[4], "first frame of an epoch carries SEQ_RESET")
	assert.Equal(t, seq, binary.LittleEndian.Uint16(f[2:4]))

	require.Len(t, h.delays, 1)
	assert.Equal(t, RetransmissionDelay, h.delays[0])
	assert.NotNil(t, h.pending)
	assert.True(t, h.link.Busy())
}

func TestSendThenAck(t *testing.T) {
	h := newHarness(t, 128)
	seq := h.link.Send([]byte{0x41}, true)
	require.NotZero(t, seq)
	require.Len(t, h.writes, 1)

	h.feed(ackFrame(9, seq))

	assert.GreaterOrEqual(t, h.cancels, 1)
	assert.False(t, h.link.Busy())
	assert.Equal(t, []ackEvent{{seq: seq, sent: true}}, h.acks)
	// an ACK never triggers a counter-ACK
	assert.Len(t, h.writes, 1)
}

func TestSendWhileBusyReturnsZero(t *testing.T) {
	h := newHarness(t, 128)
	seq := h.link.Send([]byte{0x41}, true)
	require.NotZero(t, seq)

	assert.Zero(t, h.link.Send([]byte{0x42}, true))

	h.feed(ackFrame(9, seq))
	assert.NotZero(t, h.link.Send([]byte{0x42}, true))
}

func TestSendOversizePayloadRejected(t *testing.T) {
	h := newHarness(t, 1024)
	assert.Zero(t, h.link.Send(make([]byte, MaxPayload+1), false))
	assert.False(t, h.link.Busy())
}

func TestRetransmissionExhaustion(t *testing.T) {
	h := newHarness(t, 128)
	seq := h.link.Send([]byte{0x41}, true)
	require.NotZero(t, seq)

	h.fireTimer()
	h.fireTimer()
	assert.Len(t, h.writes, 3)
	assert.Empty(t, h.acks)

	h.fireTimer()
	assert.Len(t, h.writes, 3, "no write after the retry budget is spent")
	assert.Equal(t, []ackEvent{{seq: seq, sent: false}}, h.acks)
	assert.False(t, h.link.Busy())
	assert.Nil(t, h.pending, "no further retransmission scheduled")
}

func TestRetransmissionStopsOnAck(t *testing.T) {
	h := newHarness(t, 128)
	seq := h.link.Send([]byte{0x41}, true)
	h.fireTimer()
	assert.Len(t, h.writes, 2)

	h.feed(ackFrame(9, seq))
	assert.Equal(t, []ackEvent{{seq: seq, sent: true}}, h.acks)
	assert.Nil(t, h.pending)
}

func TestExhaustionSilentWithoutAckRequired(t *testing.T) {
	h := newHarness(t, 128)
	seq := h.link.Send([]byte{0x41}, false)
	require.NotZero(t, seq)
	h.fireTimer()
	h.fireTimer()
	h.fireTimer()
	assert.Empty(t, h.acks)
	assert.False(t, h.link.Busy())
}

func TestStaleAckIgnored(t *testing.T) {
	h := newHarness(t, 128)
	seq := h.link.Send([]byte{0x41}, true)
	h.feed(ackFrame(9, seq+1))

	assert.True(t, h.link.Busy())
	assert.Empty(t, h.acks)
}

func TestAckWhenIdleIgnored(t *testing.T) {
	h := newHarness(t, 128)
	h.feed(ackFrame(9, 42))
	assert.Empty(t, h.acks)
	assert.Empty(t, h.writes)
}

func TestAckWithSeqResetAccepted(t *testing.T) {
	h := newHarness(t, 128)
	seq := h.link.Send([]byte{0x41}, true)
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], seq)
	h.feed(appendFrame(nil, 1, FlagAck|FlagSeqReset, p[:]))

	assert.False(t, h.link.Busy())
	assert.Equal(t, []ackEvent{{seq: seq, sent: true}}, h.acks)
}

func TestSequenceSkipsZeroOnWrap(t *testing.T) {
	h := newHarness(t, 128)
	h.link.sendSeq = 0xFFFF
	seq := h.link.Send([]byte{0x41}, false)
	assert.Equal(t, uint16(1), seq)
	// the restarted numbering is announced to the peer
	assert.Equal(t, FlagData|FlagSeqReset, h.writes[0][4])
}

func TestScheduledCallbackIsRearmedEachAttempt(t *testing.T) {
	h := newHarness(t, 128)
	h.link.Send([]byte{0x41}, true)
	h.fireTimer()
	require.NotNil(t, h.pending)
	assert.Len(t, h.delays, 2)
	h.fireTimer()
	h.fireTimer()
	assert.False(t, h.link.Busy())
}

func TestParserStateCorruptionRecovers(t *testing.T) {
	h := newHarness(t, 128)
	h.link.st = parseState(0xAA)
	err := h.link.DataReceived([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrParserState)
	assert.Equal(t, statePrefix, h.link.st)
	assert.Equal(t, 0, h.link.rx.Size())

	// fully functional afterwards
	h.feed(dataFrame(1, []byte{0x41}))
	assert.Len(t, h.received, 1)
}

func TestReceiveBufferBoundedUnderFlood(t *testing.T) {
	h := newHarness(t, 16)
	junk := make([]byte, 100)
	for i := range junk {
		junk[i] = 0x0A // endless half-prefixes keep the parser stalled
	}
	require.NoError(t, h.link.DataReceived(junk))
	assert.LessOrEqual(t, h.link.rx.Size(), h.link.rx.Capacity())
	assert.Empty(t, h.received)
}

// TestResyncLaw feeds garbage (free of the frame prefix) followed by a
// valid frame and requires the same delivery as the frame alone.
func TestResyncLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		garbage := rapid.SliceOfN(rapid.Byte(), 0, 40).Draw(t, "garbage")
		for i := 1; i < len(garbage); i++ {
			if garbage[i-1] == 0x0A && garbage[i] == 0x0D {
				garbage[i] = 0x0E
			}
		}
		payload := rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "payload")
		seq := rapid.Uint16Range(1, 0xFFFF).Draw(t, "seq")

		var received [][]byte
		link, err := New(Config{
			Buf:       make([]byte, 256),
			DataWrite: func([]byte) {},
			PacketReceived: func(payload []byte) {
				received = append(received, append([]byte(nil), payload...))
			},
			SetDelay:    func(time.Duration, func()) {},
			CancelDelay: func() {},
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		stream := append(append([]byte{}, garbage...), dataFrame(seq, payload)...)
		if err := link.DataReceived(stream); err != nil {
			t.Fatalf("DataReceived: %v", err)
		}
		if len(received) != 1 {
			t.Fatalf("delivered %d frames, want 1 (garbage %x)", len(received), garbage)
		}
		if string(received[0]) != string(payload) {
			t.Fatalf("payload mismatch: got %x want %x", received[0], payload)
		}
	})
}
