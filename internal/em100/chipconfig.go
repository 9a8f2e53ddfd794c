package em100

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Chip-config (`Dcfg`) parsing constants (spec §3, §4.2).
const (
	maxInitEntries  = 212
	bytesPerEntry   = 4
	primaryRegion   = 176 // bytes
	sfdpPayloadSize = 256
	srstPayloadSize = 144

	dcfgMagic = 0x67666344 // "Dcfg"
	sfdpMagic = 0x50444653 // "SFDP"
	srstMagic = 0x54535253 // "SRST"
	protMagic = 0x544f5250 // "PROT"

	regOffsetPrimary  = 0x2300
	regOffsetSentinel = 0x1100
)

// InitEntry is one 4-byte record of a chip's normalized init program: the
// big-endian form that is sent to the device verbatim as the trailing 4
// bytes of a 16-byte command.
type InitEntry [bytesPerEntry]byte

// ChipDesc is the normalized result of parsing a chip-config file (spec
// §3 "Chip description"): vendor, name, emulated size, and an append-only,
// bounded-length init program.
type ChipDesc struct {
	Vendor string
	Name   string
	Size   uint32
	Init   []InitEntry
}

// ParseDcfg decodes a Dcfg byte buffer into a ChipDesc (spec §4.2
// "Parser"). It never panics on malformed input; every failure is a
// structured *Error with KindInvalidConfig.
func ParseDcfg(data []byte) (ChipDesc, error) {
	const op = "chipconfig.Parse"

	if len(data) < primaryRegion {
		return ChipDesc{}, newErr(op, KindInvalidConfig, "file smaller than primary region", nil)
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != dcfgMagic {
		return ChipDesc{}, newErr(op, KindInvalidConfig, fmt.Sprintf("bad magic 0x%x", magic), nil)
	}

	verMin := binary.LittleEndian.Uint16(data[4:6])
	verMaj := binary.LittleEndian.Uint16(data[6:8])
	if verMaj != 1 || verMin != 1 {
		return ChipDesc{}, newErr(op, KindInvalidConfig, fmt.Sprintf("bad version %d.%d", verMaj, verMin), nil)
	}

	initOffset := int(binary.LittleEndian.Uint32(data[8:12]))
	size := binary.LittleEndian.Uint32(data[12:16])
	vendorOffset := int(binary.LittleEndian.Uint32(data[16:20]))
	nameOffset := int(binary.LittleEndian.Uint32(data[20:24]))

	chip := ChipDesc{Size: size}
	chip.Vendor = readCString(data, vendorOffset)
	chip.Name = readCString(data, nameOffset)

	init := make([]InitEntry, 0, maxInitEntries)

	regOffset := uint16(regOffsetPrimary)
	pos := initOffset
	for pos+4 <= primaryRegion && len(init) < maxInitEntries {
		value := binary.LittleEndian.Uint16(data[pos : pos+2])
		reg := binary.LittleEndian.Uint16(data[pos+2 : pos+4])
		pos += 4

		if value == 0xffff && reg == 0xffff {
			regOffset = regOffsetSentinel
			continue
		}

		fullReg := reg + regOffset
		var e InitEntry
		binary.BigEndian.PutUint16(e[0:2], fullReg)
		binary.BigEndian.PutUint16(e[2:4], value)
		init = append(init, e)
	}

	// Optional trailing sections: SFDP, SRST.
	ptr := primaryRegion
	remaining := len(data) - primaryRegion
	for remaining >= 4 && len(init) < maxInitEntries {
		sectionMagic := binary.LittleEndian.Uint32(data[ptr : ptr+4])
		ptr += 4
		remaining -= 4

		switch sectionMagic {
		case sfdpMagic:
			if remaining < sfdpPayloadSize {
				return ChipDesc{}, newErr(op, KindInvalidConfig, "SFDP section truncated", nil)
			}
			init = appendSFDP(init, data[ptr:ptr+sfdpPayloadSize])
			ptr += sfdpPayloadSize
			remaining -= sfdpPayloadSize
		case srstMagic:
			if remaining < srstPayloadSize {
				return ChipDesc{}, newErr(op, KindInvalidConfig, "SRST section truncated", nil)
			}
			init = appendSRST(init, data[ptr:ptr+srstPayloadSize])
			ptr += srstPayloadSize
			remaining -= srstPayloadSize
		default:
			remaining = 0 // unknown section: stop
		}
	}

	chip.Init = init
	return chip, nil
}

func appendSFDP(init []InitEntry, payload []byte) []InitEntry {
	init = append(init, InitEntry{0x23, 0xc9, 0x00, 0x01}) // enable SFDP
	for i := 0; i+1 < len(payload) && len(init) < maxInitEntries; i += 2 {
		init = append(init, InitEntry{0x23, 0xc1, payload[i+1], payload[i]})
	}
	return init
}

func appendSRST(init []InitEntry, payload []byte) []InitEntry {
	magic := binary.LittleEndian.Uint32(payload[0:4])
	start := 4
	if magic != protMagic {
		for j := 0; j < 3 && len(init) < maxInitEntries; j++ {
			init = append(init, InitEntry{0x23, payload[j*4+2], payload[j*4+1], payload[j*4]})
		}
		start = 16
	}

	if len(init) < maxInitEntries {
		init = append(init, InitEntry{0x23, 0xc4, 0x00, 0x01}) // enable PROT
	}

	for i := start; i+1 < len(payload) && len(init) < maxInitEntries; i += 2 {
		init = append(init, InitEntry{0x23, 0xc5, payload[i+1], payload[i]})
	}
	return init
}

func readCString(data []byte, offset int) string {
	if offset < 0 || offset >= len(data) {
		return ""
	}
	end := offset
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[offset:end])
}

// RenderDcfg re-serializes a ChipDesc into bytes equivalent under ParseDcfg,
// satisfying the round-trip law in spec §8: parse_dcfg(render_dcfg(c)) = c.
// It emits the canonical single-section form: header + init entries
// decoded back to (value, reg) pairs in the primary region (no SFDP/SRST
// round-tripping, since those are one-way expansions into FPGA register
// writes and are not recoverable from the expanded init program alone).
// Unused pairs in the primary region are zero-filled, and ParseDcfg decodes
// those as (0x2300, 0) entries, so the round trip is exact only when the
// init list fills the primary region.
func RenderDcfg(c ChipDesc) []byte {
	buf := make([]byte, primaryRegion+len(c.Vendor)+1+len(c.Name)+1)
	binary.LittleEndian.PutUint32(buf[0:4], dcfgMagic)
	binary.LittleEndian.PutUint16(buf[4:6], 1) // ver_min
	binary.LittleEndian.PutUint16(buf[6:8], 1) // ver_maj

	initOffset := 24
	binary.LittleEndian.PutUint32(buf[8:12], uint32(initOffset))
	binary.LittleEndian.PutUint32(buf[12:16], c.Size)

	vendorOffset := primaryRegion
	nameOffset := vendorOffset + len(c.Vendor) + 1
	binary.LittleEndian.PutUint32(buf[16:20], uint32(vendorOffset))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(nameOffset))

	copy(buf[vendorOffset:], c.Vendor)
	copy(buf[nameOffset:], c.Name)

	// Re-derive (value, reg) pairs, re-inserting the sentinel at the
	// register-offset transition so a subsequent ParseDcfg recovers the
	// exact same full_reg values.
	pos := initOffset
	regOffset := uint16(regOffsetPrimary)
	wroteSentinel := false
	for _, e := range c.Init {
		fullReg := binary.BigEndian.Uint16(e[0:2])
		value := binary.BigEndian.Uint16(e[2:4])

		if !wroteSentinel && fullReg < regOffset {
			// fullReg no longer fits under the primary offset: the
			// sentinel must have fired before this entry in the
			// original stream.
			if pos+4 <= primaryRegion {
				binary.LittleEndian.PutUint16(buf[pos:pos+2], 0xffff)
				binary.LittleEndian.PutUint16(buf[pos+2:pos+4], 0xffff)
				pos += 4
			}
			regOffset = regOffsetSentinel
			wroteSentinel = true
		}

		if pos+4 > primaryRegion {
			break
		}
		reg := fullReg - regOffset
		binary.LittleEndian.PutUint16(buf[pos:pos+2], value)
		binary.LittleEndian.PutUint16(buf[pos+2:pos+4], reg)
		pos += 4
	}

	return buf
}

// ChipDatabase resolves a chip name to its parsed descriptor from an
// in-memory map of (name -> Dcfg bytes). Spec §1 keeps the archive reader
// (configs.tar.xz) out of scope, but retains the contract "supply a byte
// blob for a named chip" — this type is that contract's home, grounded on
// _examples/original_source/src/chips.rs's ChipDatabase/find_chip (the
// non-CLI, in-memory variant).
type ChipDatabase struct {
	Version string
	blobs   map[string][]byte
}

// NewChipDatabase builds a database from name->bytes blobs. The archive
// loader that would normally populate this map (tar.xz under EM100_HOME)
// is out of scope; callers supply the blobs however they obtain them.
func NewChipDatabase(version string, blobs map[string][]byte) *ChipDatabase {
	return &ChipDatabase{Version: version, blobs: blobs}
}

// FindChip looks up a chip by name, case-insensitively, and parses it.
func (db *ChipDatabase) FindChip(name string) (ChipDesc, error) {
	const op = "chipconfig.FindChip"
	for candidate, data := range db.blobs {
		if strings.EqualFold(candidate, name) {
			return ParseDcfg(data)
		}
	}
	return ChipDesc{}, newErr(op, KindInvalidConfig, fmt.Sprintf("unknown chip %q", name), nil)
}

// ListChips parses and returns every chip in the database, skipping any
// blob that fails to parse.
func (db *ChipDatabase) ListChips() []ChipDesc {
	chips := make([]ChipDesc, 0, len(db.blobs))
	for _, data := range db.blobs {
		if chip, err := ParseDcfg(data); err == nil {
			chips = append(chips, chip)
		}
	}
	return chips
}
