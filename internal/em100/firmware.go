package em100

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

// Firmware container layout (spec §3 "Firmware container").
const (
	fwHeaderSize = 0x100

	fwMagicOffset    = 0x00
	fwMCUVerOffset   = 0x14
	fwFPGAVerOffset  = 0x1e
	fwSecondMagic    = 0x28
	fwOffsetsOffset  = 0x38

	fwMinFPGALen = 256
	fwMaxFPGALen = 0x100000
	fwMinMCULen  = 256
	fwMaxMCULen  = 0xf0000

	fwMagicV1 = "em100pro"
	fwMagicV2 = "EM100Pro-G2"
	fwMagicWF = "WFPD"

	// bootTagAddr is the internal-flash offset stamped with the boot
	// marker after a successful update (spec §6 "Firmware container
	// format").
	bootTagAddr = 0x100000
)

var bootTag = []byte{0xaa, 0x55, 'B', 'O', 'O', 'T', 0x55, 0xaa}

// Firmware is a parsed firmware container: header metadata plus the raw
// FPGA and MCU images it wraps.
type Firmware struct {
	V2          bool
	MCUVersion  string
	FPGAVersion string
	FPGAImage   []byte
	MCUImage    []byte
}

// ParseFirmware validates and decodes a firmware container (spec §3, §8
// invariant 2): magic, second magic, and the fpga/mcu offset/length
// quadruple must all satisfy the stated bounds, or InvalidFirmware.
func ParseFirmware(data []byte) (Firmware, error) {
	const op = "firmware.Parse"

	if len(data) < fwHeaderSize {
		return Firmware{}, newErr(op, KindInvalidFirmware, "container smaller than header", nil)
	}

	v2 := false
	switch {
	case bytes.HasPrefix(data[fwMagicOffset:], []byte(fwMagicV2)):
		v2 = true
	case bytes.HasPrefix(data[fwMagicOffset:], []byte(fwMagicV1)):
	default:
		return Firmware{}, newErr(op, KindInvalidFirmware, "bad primary magic", nil)
	}

	if !bytes.HasPrefix(data[fwSecondMagic:], []byte(fwMagicWF)) {
		return Firmware{}, newErr(op, KindInvalidFirmware, "bad secondary magic", nil)
	}

	fpgaOffset := binary.LittleEndian.Uint32(data[fwOffsetsOffset : fwOffsetsOffset+4])
	fpgaLen := binary.LittleEndian.Uint32(data[fwOffsetsOffset+4 : fwOffsetsOffset+8])
	mcuOffset := binary.LittleEndian.Uint32(data[fwOffsetsOffset+8 : fwOffsetsOffset+12])
	mcuLen := binary.LittleEndian.Uint32(data[fwOffsetsOffset+12 : fwOffsetsOffset+16])

	if fpgaLen < fwMinFPGALen || fpgaLen > fwMaxFPGALen {
		return Firmware{}, newErr(op, KindInvalidFirmware, fmt.Sprintf("fpga_len %d out of range", fpgaLen), nil)
	}
	if mcuLen < fwMinMCULen || mcuLen > fwMaxMCULen {
		return Firmware{}, newErr(op, KindInvalidFirmware, fmt.Sprintf("mcu_len %d out of range", mcuLen), nil)
	}
	if fpgaOffset != fwHeaderSize {
		return Firmware{}, newErr(op, KindInvalidFirmware, fmt.Sprintf("fpga_offset 0x%x != 0x%x", fpgaOffset, fwHeaderSize), nil)
	}
	if mcuOffset != fwHeaderSize+fpgaLen {
		return Firmware{}, newErr(op, KindInvalidFirmware, "mcu_offset != 0x100+fpga_len", nil)
	}
	if uint32(len(data)) < mcuOffset+mcuLen {
		return Firmware{}, newErr(op, KindInvalidFirmware, "container truncated before end of mcu image", nil)
	}

	return Firmware{
		V2:          v2,
		MCUVersion:  readCString(data[fwMCUVerOffset:fwSecondMagic], 0),
		FPGAVersion: readCString(data[fwFPGAVerOffset:fwOffsetsOffset], 0),
		FPGAImage:   append([]byte(nil), data[fpgaOffset:fpgaOffset+fpgaLen]...),
		MCUImage:    append([]byte(nil), data[mcuOffset:mcuOffset+mcuLen]...),
	}, nil
}

// RenderFirmware re-serializes a Firmware into container bytes, satisfying
// the round-trip law in spec §8 for non-sentinel images.
func RenderFirmware(f Firmware) []byte {
	fpgaOffset := uint32(fwHeaderSize)
	fpgaLen := uint32(len(f.FPGAImage))
	mcuOffset := fpgaOffset + fpgaLen
	mcuLen := uint32(len(f.MCUImage))

	buf := make([]byte, fwHeaderSize+fpgaLen+mcuLen)

	magic := fwMagicV1
	if f.V2 {
		magic = fwMagicV2
	}
	copy(buf[fwMagicOffset:], magic)
	copy(buf[fwSecondMagic:], fwMagicWF)
	copy(buf[fwMCUVerOffset:], f.MCUVersion)
	copy(buf[fwFPGAVerOffset:], f.FPGAVersion)

	binary.LittleEndian.PutUint32(buf[fwOffsetsOffset:], fpgaOffset)
	binary.LittleEndian.PutUint32(buf[fwOffsetsOffset+4:], fpgaLen)
	binary.LittleEndian.PutUint32(buf[fwOffsetsOffset+8:], mcuOffset)
	binary.LittleEndian.PutUint32(buf[fwOffsetsOffset+12:], mcuLen)

	copy(buf[fpgaOffset:], f.FPGAImage)
	copy(buf[mcuOffset:], f.MCUImage)
	return buf
}

// fwEraseSectors is the sector range wiped before a firmware update: 0
// through 0x1e inclusive. Sector 0x1f (identitySector) is reserved for the
// serial/identity page and must never be touched by a firmware operation.
const fwEraseSectors = 0x1f

// UpdateFirmware erases the internal flash's firmware region, writes the
// FPGA image at flash offset 0 and the MCU image at flash offset 0x100100,
// optionally reads every page back to compare, and on success stamps the
// boot tag at 0x100000 (spec §4.2/§6, §9 "verification is always explicit").
// verify being true turns a readback mismatch into a hard KindVerificationFailed
// error, diverging from the reference implementation's warn-and-continue.
func (d *Device) UpdateFirmware(ctx context.Context, fw Firmware, verify bool, progress ProgressFunc) error {
	const op = "firmware.Update"

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hwVer == HwUnknown {
		return newErr(op, KindUnsupportedHardware, "firmware operations require a known hardware version", nil)
	}

	if err := d.t.unlockFlash(); err != nil {
		return err
	}

	for sector := 0; sector < fwEraseSectors; sector++ {
		if err := ctx.Err(); err != nil {
			return newErr(op, KindTransport, "cancelled", err)
		}
		if err := d.t.eraseFlashSector(uint8(sector), d.flashOpts); err != nil {
			return err
		}
		if progress != nil {
			progress(sector+1, fwEraseSectors)
		}
	}

	mcuOffset := uint32(bootTagAddr + spiPageSize) // 0x100100
	total := len(fw.FPGAImage) + len(fw.MCUImage)

	if err := d.writeFlashImage(ctx, 0, fw.FPGAImage, 0, total, progress); err != nil {
		return err
	}
	if err := d.writeFlashImage(ctx, mcuOffset, fw.MCUImage, len(fw.FPGAImage), total, progress); err != nil {
		return err
	}

	if verify {
		if err := d.verifyFlashImage(fw.FPGAImage, 0); err != nil {
			return err
		}
		if err := d.verifyFlashImage(fw.MCUImage, mcuOffset); err != nil {
			return err
		}
	}

	tag := make([]byte, spiPageSize)
	for i := range tag {
		tag[i] = 0xff
	}
	copy(tag, bootTag)
	return d.t.writeFlashPage(ctx, bootTagAddr, tag)
}

func (d *Device) writeFlashImage(ctx context.Context, base uint32, image []byte, doneBefore, total int, progress ProgressFunc) error {
	for off := 0; off < len(image); off += spiPageSize {
		end := min(off+spiPageSize, len(image))
		if err := d.t.writeFlashPage(ctx, base+uint32(off), image[off:end]); err != nil {
			return err
		}
		if progress != nil {
			progress(doneBefore+end, total)
		}
	}
	return nil
}

func (d *Device) verifyFlashImage(want []byte, base uint32) error {
	const op = "firmware.Verify"
	for off := 0; off < len(want); off += spiPageSize {
		end := min(off+spiPageSize, len(want))
		got, err := d.t.readFlashPageRetry(base + uint32(off))
		if err != nil {
			return err
		}
		if !bytes.Equal(got[:end-off], want[off:end]) {
			return newErr(op, KindVerificationFailed, fmt.Sprintf("mismatch at offset 0x%x", base+uint32(off)), nil)
		}
	}
	return nil
}

// DumpFirmware reads the full firmware-bearing region of internal flash
// (sectors 0 through 0x1e, i.e. [0, 0x1f0000)) and, if wrap is true,
// packages it as a container using the supplied version strings: the first
// fpgaLen bytes become the FPGA image, and everything from the MCU base
// 0x100100 to the end of the region becomes the MCU image (spec §4.2
// "Firmware dump").
func (d *Device) DumpFirmware(ctx context.Context, wrap bool, v2 bool, mcuVersion, fpgaVersion string, fpgaLen int, progress ProgressFunc) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hwVer == HwUnknown {
		return nil, newErr("firmware.Dump", KindUnsupportedHardware, "firmware operations require a known hardware version", nil)
	}

	const total = fwEraseSectors * spiSectorSize
	image := make([]byte, total)

	for off := 0; off < total; off += spiPageSize {
		if err := ctx.Err(); err != nil {
			return nil, newErr("firmware.Dump", KindTransport, "cancelled", err)
		}
		page, err := d.t.readFlashPageRetry(uint32(off))
		if err != nil {
			return nil, err
		}
		copy(image[off:], page)
		if progress != nil {
			progress(off+spiPageSize, total)
		}
	}

	if !wrap {
		return image, nil
	}

	fw := Firmware{
		V2:          v2,
		MCUVersion:  mcuVersion,
		FPGAVersion: fpgaVersion,
		FPGAImage:   image[:fpgaLen],
		MCUImage:    image[bootTagAddr+spiPageSize:],
	}
	return RenderFirmware(fw), nil
}
