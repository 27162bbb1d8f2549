package whisper

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/duetocode/go-whisper-bridge/internal/crc"
)

func TestAppendFrameLayout(t *testing.T) {
	f := appendFrame(nil, 0x0105, FlagData, []byte{0x41, 0x42})

	assert.Len(t, f, Overhead+2)
	assert.Equal(t, []byte{0x0A, 0x0D}, f[:2])
	assert.Equal(t, uint16(0x0105), binary.LittleEndian.Uint16(f[2:4]))
	assert.Equal(t, FlagData, f[4])
	assert.Equal(t, byte(2), f[5])
	assert.Equal(t, []byte{0x41, 0x42}, f[6:8])
	assert.Equal(t, crc.Checksum(f[:8]), binary.LittleEndian.Uint16(f[8:10]))
}

func TestAppendFrameEmptyPayload(t *testing.T) {
	f := appendFrame(nil, 1, FlagData|FlagSeqReset, nil)
	assert.Len(t, f, Overhead)
	assert.Equal(t, byte(0), f[5])
}

func TestValidFlags(t *testing.T) {
	cases := []struct {
		flags byte
		ok    bool
	}{
		{0b000, false},
		{FlagAck, true},
		{FlagData, true},
		{FlagAck | FlagData, false},
		{FlagAck | FlagSeqReset, true},
		{FlagData | FlagSeqReset, true},
		{FlagSeqReset, false},
		{FlagAck | FlagData | FlagSeqReset, false},
		{0b1000, false},
		{FlagData | 0x80, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, validFlags(tc.flags), "flags %#b", tc.flags)
	}
}
