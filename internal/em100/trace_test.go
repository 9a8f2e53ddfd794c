package em100

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeTraceReportSingleRecord matches spec §8 end-to-end scenario 5:
// one record [0x01, 0x00, 0x03, 0x00, 0x12, 0x34, 0x00, 0x00] decodes to
// opcode 0x03 ("read") at address 0x001234.
func TestDecodeTraceReportSingleRecord(t *testing.T) {
	data := make([]byte, reportBufferLength)
	data[0] = 0x00
	data[1] = 0x01 // count = 1
	copy(data[2:], []byte{0x01, 0x00, 0x03, 0x00, 0x12, 0x34, 0x00, 0x00})

	state := NewTraceState(3)
	records := DecodeTraceReport(data, state)

	require.Len(t, records, 1)
	assert.Equal(t, byte(0x03), records[0].Opcode)
	assert.Equal(t, "read", records[0].Name)
	assert.Equal(t, uint32(0x001234), records[0].Address)
	assert.True(t, records[0].HasAddress)
}

func TestDecodeTraceReportUnknownOpcodeIsTotal(t *testing.T) {
	data := make([]byte, reportBufferLength)
	data[0] = 0x00
	data[1] = 0x01
	copy(data[2:], []byte{0x01, 0x00, 0xaa, 0x00, 0x00, 0x00, 0x00, 0x00}) // 0xaa is not in the table

	state := NewTraceState(3)
	assert.NotPanics(t, func() {
		records := DecodeTraceReport(data, state)
		require.Len(t, records, 1)
		assert.Equal(t, "unknown command", records[0].Name)
		assert.False(t, records[0].HasAddress)
	})
}

func TestDecodeTraceReportEmptyAndShortAreTotal(t *testing.T) {
	assert.NotPanics(t, func() {
		DecodeTraceReport(nil, NewTraceState(3))
		DecodeTraceReport([]byte{0x00}, NewTraceState(3))
		DecodeTraceReport(make([]byte, 4), NewTraceState(3))
	})
}

func TestCurposInvariant(t *testing.T) {
	data := make([]byte, reportBufferLength)
	data[0] = 0x00
	data[1] = 0x01
	slot := byte(0x40)
	copy(data[2:], []byte{0x01, slot, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00})

	state := NewTraceState(3)
	DecodeTraceReport(data, state)
	assert.Equal(t, uint8(slot+0x10), state.curpos)
}

func TestReadSPITraceStreamRejectsNonPositiveRounds(t *testing.T) {
	var d Device
	_, err := d.ReadSPITraceStream(nil, NewTraceState(3), 0)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidArgument, kind)
}

func TestAddressModeAutoSwitch(t *testing.T) {
	data := make([]byte, reportBufferLength)
	data[0] = 0x00
	data[1] = 0x01
	copy(data[2:], []byte{0x01, 0x00, 0xb7, 0x00, 0x00, 0x00, 0x00, 0x00}) // enter 4b mode

	state := NewTraceState(3)
	DecodeTraceReport(data, state)
	assert.Equal(t, 4, state.AddressMode)
}
