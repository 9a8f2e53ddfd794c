package em100

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutBE32(t *testing.T) {
	b := make([]byte, 4)
	putBE32(b, 0x01020304)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b)
}

func TestMinHelper(t *testing.T) {
	assert.Equal(t, 3, min(3, 5))
	assert.Equal(t, 5, min(8, 5))
}

func TestRoundUpToMaxPacket(t *testing.T) {
	// Spec §8 round-trip law: requested_len = ceil(wanted/max)*max >= wanted.
	assert.Equal(t, 512, roundUpToMaxPacket(500, 512))
	assert.Equal(t, 512, roundUpToMaxPacket(512, 512))
	assert.Equal(t, 1024, roundUpToMaxPacket(513, 512))
	assert.Equal(t, 10, roundUpToMaxPacket(10, 0))
}
