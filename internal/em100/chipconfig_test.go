package em100

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDcfg(vendor, name string, size uint32, pairs [][2]uint16) []byte {
	initOffset := 24
	vendorOffset := primaryRegion
	nameOffset := vendorOffset + len(vendor) + 1

	buf := make([]byte, nameOffset+len(name)+1)
	binary.LittleEndian.PutUint32(buf[0:4], dcfgMagic)
	binary.LittleEndian.PutUint16(buf[4:6], 1)
	binary.LittleEndian.PutUint16(buf[6:8], 1)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(initOffset))
	binary.LittleEndian.PutUint32(buf[12:16], size)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(vendorOffset))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(nameOffset))
	copy(buf[vendorOffset:], vendor)
	copy(buf[nameOffset:], name)

	pos := initOffset
	for _, p := range pairs {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], p[0])
		binary.LittleEndian.PutUint16(buf[pos+2:pos+4], p[1])
		pos += 4
	}
	return buf
}

func TestParseDcfgBasic(t *testing.T) {
	data := buildDcfg("Winbond", "W25Q16", 0x200000, [][2]uint16{
		{0x0001, 0xc4}, // value=1, reg=0xc4 -> full_reg = 0xc4+0x2300
		{0x0000, 0x10},
		{0x0000, 0x81},
	})

	chip, err := ParseDcfg(data)
	require.NoError(t, err)
	assert.Equal(t, "Winbond", chip.Vendor)
	assert.Equal(t, "W25Q16", chip.Name)
	assert.Equal(t, uint32(0x200000), chip.Size)
	// The parser reads every pair up to the end of the primary region, so
	// the zero pairs after the three above decode as (0x2300, 0) writes.
	require.Len(t, chip.Init, (primaryRegion-24)/4)
	assert.Equal(t, InitEntry{0x23, 0xc4, 0x00, 0x01}, chip.Init[0])
	assert.Equal(t, InitEntry{0x23, 0x10, 0x00, 0x00}, chip.Init[1])
	assert.Equal(t, InitEntry{0x23, 0x81, 0x00, 0x00}, chip.Init[2])
	assert.Equal(t, InitEntry{0x23, 0x00, 0x00, 0x00}, chip.Init[3])
}

func TestParseDcfgBadMagic(t *testing.T) {
	data := make([]byte, primaryRegion)
	_, err := ParseDcfg(data)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidConfig, kind)
}

func TestParseDcfgSentinelTransition(t *testing.T) {
	data := buildDcfg("V", "N", 1, [][2]uint16{
		{0x0001, 0x00}, // reg=0 under primary offset 0x2300
		{0xffff, 0xffff}, // sentinel
		{0x0002, 0x00}, // reg=0 under sentinel offset 0x1100
	})
	chip, err := ParseDcfg(data)
	require.NoError(t, err)
	// Every pair up to the end of the primary region decodes, except the
	// sentinel itself.
	require.Len(t, chip.Init, (primaryRegion-24)/4-1)
	assert.Equal(t, uint16(0x2300), binary.BigEndian.Uint16(chip.Init[0][0:2]))
	assert.Equal(t, uint16(0x1100), binary.BigEndian.Uint16(chip.Init[1][0:2]))
}

func TestDcfgRoundTrip(t *testing.T) {
	original := ChipDesc{
		Vendor: "Macronix",
		Name:   "MX25L12850",
		Size:   0x1000000,
		Init: []InitEntry{
			{0x23, 0xc4, 0x00, 0x01},
			{0x23, 0x10, 0x00, 0x00},
		},
	}
	// The parser reads every pair up to the end of the primary region, so a
	// descriptor round-trips exactly when its init list fills that region.
	for len(original.Init) < (primaryRegion-24)/4 {
		original.Init = append(original.Init, InitEntry{0x23, 0x00, 0x00, 0x00})
	}

	rendered := RenderDcfg(original)
	parsed, err := ParseDcfg(rendered)
	require.NoError(t, err)

	assert.Equal(t, original.Vendor, parsed.Vendor)
	assert.Equal(t, original.Name, parsed.Name)
	assert.Equal(t, original.Size, parsed.Size)
	assert.Equal(t, original.Init, parsed.Init)
}

func TestChipDatabaseFindChip(t *testing.T) {
	blob := buildDcfg("Winbond", "W25Q16", 0x200000, nil)
	db := NewChipDatabase("v1", map[string][]byte{"W25Q16": blob})

	chip, err := db.FindChip("w25q16")
	require.NoError(t, err)
	assert.Equal(t, "Winbond", chip.Vendor)

	_, err = db.FindChip("nope")
	require.Error(t, err)
}
