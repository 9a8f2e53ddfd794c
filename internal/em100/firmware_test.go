package em100

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildContainer(fpgaLen, mcuLen int) []byte {
	total := fwHeaderSize + fpgaLen + mcuLen
	buf := make([]byte, total)
	copy(buf[fwMagicOffset:], fwMagicV1)
	copy(buf[fwSecondMagic:], fwMagicWF)

	fpgaOffset := fwHeaderSize
	mcuOffset := fpgaOffset + fpgaLen
	putLE32 := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	putLE32(fwOffsetsOffset, uint32(fpgaOffset))
	putLE32(fwOffsetsOffset+4, uint32(fpgaLen))
	putLE32(fwOffsetsOffset+8, uint32(mcuOffset))
	putLE32(fwOffsetsOffset+12, uint32(mcuLen))
	return buf
}

func TestParseFirmwareValid(t *testing.T) {
	data := buildContainer(512, 512)
	fw, err := ParseFirmware(data)
	require.NoError(t, err)
	assert.Len(t, fw.FPGAImage, 512)
	assert.Len(t, fw.MCUImage, 512)
	assert.False(t, fw.V2)
}

func TestParseFirmwareRejectsShortMCU(t *testing.T) {
	// Scenario 4: mcu_len=100, fpga_len=0x200 must fail InvalidFirmware.
	total := fwHeaderSize + 0x200 + 256
	data := make([]byte, total)
	copy(data[fwMagicOffset:], fwMagicV1)
	copy(data[fwSecondMagic:], fwMagicWF)
	putLE32 := func(off int, v uint32) {
		data[off] = byte(v)
		data[off+1] = byte(v >> 8)
		data[off+2] = byte(v >> 16)
		data[off+3] = byte(v >> 24)
	}
	putLE32(fwOffsetsOffset, fwHeaderSize)
	putLE32(fwOffsetsOffset+4, 0x200)
	putLE32(fwOffsetsOffset+8, fwHeaderSize+0x200)
	putLE32(fwOffsetsOffset+12, 100)

	_, err := ParseFirmware(data)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidFirmware, kind)
}

func TestParseFirmwareRejectsBadMagic(t *testing.T) {
	data := buildContainer(256, 256)
	data[0] = 'x'
	_, err := ParseFirmware(data)
	require.Error(t, err)
}

func TestFirmwareRoundTrip(t *testing.T) {
	fw := Firmware{
		MCUVersion:  "1.02",
		FPGAVersion: "3.10",
		FPGAImage:   bytesOf(300, 0x5a),
		MCUImage:    bytesOf(400, 0x3c),
	}
	rendered := RenderFirmware(fw)
	parsed, err := ParseFirmware(rendered)
	require.NoError(t, err)
	assert.Equal(t, fw.MCUVersion, parsed.MCUVersion)
	assert.Equal(t, fw.FPGAVersion, parsed.FPGAVersion)
	assert.Equal(t, fw.FPGAImage, parsed.FPGAImage)
	assert.Equal(t, fw.MCUImage, parsed.MCUImage)
}

func bytesOf(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}
