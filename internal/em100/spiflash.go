package em100

import (
	"context"
	"time"
)

// Internal SPI-flash geometry (spec §4.3): two JEDEC IDs are allowlisted.
const (
	JedecM25P16     = 0x202015 // 2 MiB, Micron
	JedecMX77L12850 = 0xc27518 // 16 MiB, Macronix

	spiPageSize   = 256
	spiSectorSize = 64 * 1024
	maxSector     = 31
)

// FlashOptions configures policy knobs the spec leaves to the implementer.
type FlashOptions struct {
	// SettleAfterSectorErase, if true, sleeps 5s after every sector erase
	// per the letter of the device spec. Default false: the reference
	// implementation (_examples/original_source/src/spi.rs,
	// erase_spi_flash_sector) omits this wait in practice because the
	// device self-synchronizes, and a 31-sector firmware update would
	// otherwise cost 155+ seconds.
	SettleAfterSectorErase bool
}

// jedecID reads the 3-byte JEDEC ID (opcode 0x30); used both as a device
// probe and as a "hello" before sequences.
func (t *transport) jedecID() (uint32, error) {
	const op = "spiflash.JedecID"
	if err := t.sendCmd([]byte{0x30}); err != nil {
		return 0, err
	}
	data, err := t.getResponse(512)
	if err != nil {
		return 0, err
	}
	if len(data) != 3 {
		return 0, newErr(op, KindInvalidResponse, "", nil)
	}
	return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2]), nil
}

// eraseChip erases the whole internal flash (opcode 0x31), settling 5s per
// the device mandate (full-chip erase settle is not the disputed one;
// spec's open question is about *sector* erase only).
func (t *transport) eraseChip() error {
	if err := t.sendCmd([]byte{0x31}); err != nil {
		return err
	}
	time.Sleep(5 * time.Second)
	return nil
}

// pollFlashStatus reports whether the internal flash is ready (opcode 0x32).
func (t *transport) pollFlashStatus() (bool, error) {
	const op = "spiflash.PollStatus"
	if err := t.sendCmd([]byte{0x32}); err != nil {
		return false, err
	}
	data, err := t.getResponse(1)
	if err != nil {
		return false, err
	}
	if len(data) != 1 {
		return false, newErr(op, KindInvalidResponse, "", nil)
	}
	return data[0] == 1, nil
}

// readFlashPage reads exactly 256 bytes at a 24-bit address (opcode 0x33).
func (t *transport) readFlashPage(addr uint32) ([]byte, error) {
	const op = "spiflash.ReadPage"
	cmd := []byte{0x33, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	if err := t.sendCmd(cmd); err != nil {
		return nil, err
	}
	data, err := t.getResponse(spiPageSize)
	if err != nil {
		return nil, err
	}
	if len(data) != spiPageSize {
		return nil, newErr(op, KindInvalidResponse, "", nil)
	}
	return data, nil
}

// writeFlashPage programs up to 256 bytes at a 24-bit address (opcode
// 0x34): send command, then bulk-out exactly 256 bytes, 0xff-padding short
// input per spec §4.3.
func (t *transport) writeFlashPage(ctx context.Context, addr uint32, data []byte) error {
	const op = "spiflash.WritePage"
	if len(data) > spiPageSize {
		return newErr(op, KindInvalidArgument, "page data exceeds 256 bytes", nil)
	}
	cmd := []byte{0x34, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	if err := t.sendCmd(cmd); err != nil {
		return err
	}

	page := make([]byte, spiPageSize)
	for i := range page {
		page[i] = 0xff
	}
	copy(page, data)

	n, err := t.bulkWrite(ctx, page)
	if err != nil {
		return err
	}
	if n != spiPageSize {
		return shortTransferErr(op, n, spiPageSize)
	}
	return nil
}

// unlockFlash clears the internal flash's write-protect bits (opcode 0x36).
func (t *transport) unlockFlash() error {
	return t.sendCmd([]byte{0x36})
}

// eraseFlashSector erases a 64 KiB sector in [0, 31] (opcode 0x37). See
// FlashOptions.SettleAfterSectorErase for the settle-wait policy.
func (t *transport) eraseFlashSector(sector uint8, opts FlashOptions) error {
	const op = "spiflash.EraseSector"
	if sector > maxSector {
		return newErr(op, KindInvalidArgument, "sector out of range [0,31]", nil)
	}
	if err := t.sendCmd([]byte{0x37, sector}); err != nil {
		return err
	}
	if opts.SettleAfterSectorErase {
		time.Sleep(5 * time.Second)
	}
	return nil
}

// readFlashPageRetry retries a page read up to 3 times before propagating,
// per spec §7's propagation policy ("single-sector SPI page reads retry up
// to 3 times before propagating").
func (t *transport) readFlashPageRetry(addr uint32) ([]byte, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var data []byte
		data, err = t.readFlashPage(addr)
		if err == nil {
			return data, nil
		}
	}
	return nil, err
}
