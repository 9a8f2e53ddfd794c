package em100

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildUfifoMessage(msgType HTMsgType, payload []byte) []byte {
	msg := []byte{0x47, 0x36, 0x44, 0x40, byte(msgType), byte(len(payload))}
	msg = append(msg, payload...)

	data := make([]byte, ufifoSize)
	data[0] = byte(len(msg) >> 8)
	data[1] = byte(len(msg))
	copy(data[2:], msg)
	return data
}

func TestDecodeHyperTerminalAscii(t *testing.T) {
	data := buildUfifoMessage(HTAsciiData, []byte("hi"))
	msgs := DecodeHyperTerminal(data)
	require.Len(t, msgs, 1)
	assert.Equal(t, HTAsciiData, msgs[0].Type)
	assert.Equal(t, "hi", FormatHTMessage(msgs[0]))
}

func TestDecodeHyperTerminalEmpty(t *testing.T) {
	data := make([]byte, ufifoSize)
	assert.Nil(t, DecodeHyperTerminal(data))
}

func TestDecodeHyperTerminalSkipsNonSignatureBytes(t *testing.T) {
	data := make([]byte, ufifoSize)
	data[0] = 0x00
	data[1] = 0x08
	data[2] = 0xde // garbage before the real message
	copy(data[3:], []byte{0x47, 0x36, 0x44, 0x40, byte(HTHexData), 0x01, 0x7f})

	msgs := DecodeHyperTerminal(data)
	require.Len(t, msgs, 1)
	assert.Equal(t, HTHexData, msgs[0].Type)
	assert.Equal(t, []byte{0x7f}, msgs[0].Payload)
}
