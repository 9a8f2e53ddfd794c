package em100

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutocorrectImageV1(t *testing.T) {
	image := make([]byte, 4096)
	fdOffset := 64
	binary.LittleEndian.PutUint32(image[fdOffset:], fdSignature)

	fcbaOffset := 0x10 // flmap0 low byte 0x01 -> (0x01<<4) = 0x10
	binary.LittleEndian.PutUint32(image[fdOffset+4:], 0x01)

	binary.LittleEndian.PutUint32(image[fcbaOffset:], 0) // FLCOMP: version bits = 0 -> v1

	patched, err := AutocorrectImage(HwEm100Pro, image)
	require.NoError(t, err)
	assert.True(t, patched)

	flcomp := binary.LittleEndian.Uint32(image[fcbaOffset:])
	assert.Equal(t, uint32(freq20MHz), (flcomp>>21)&0x7)
	assert.Equal(t, uint32(freq20MHz), (flcomp>>24)&0x7)
	assert.Equal(t, uint32(freq20MHz), (flcomp>>27)&0x7)
}

func TestAutocorrectImageNoSignature(t *testing.T) {
	image := make([]byte, 256)
	patched, err := AutocorrectImage(HwEm100Pro, image)
	require.NoError(t, err)
	assert.False(t, patched)
}
