package em100

import (
	"encoding/binary"
	"log"
)

// fdSignature is the Intel Flash Descriptor signature image.rs scans for
// (component K, grounded on _examples/original_source/src/image.rs).
const fdSignature = 0x0ff0a55a

// ifdVersion is the Flash Descriptor layout generation, decoded from bits
// 17-19 of FLCOMP.
type ifdVersion int

const (
	ifdV1 ifdVersion = iota
	ifdV2
)

// spiFrequency is one of the fixed SPI clock codes the IFD can encode.
type spiFrequency uint32

const (
	freq20MHz     spiFrequency = 0
	freq33MHz     spiFrequency = 1
	freq48MHz     spiFrequency = 2
	freq50_30MHz  spiFrequency = 4
	freq17MHz     spiFrequency = 6
)

// AutocorrectImage locates the Flash Descriptor in a target SPI image and
// clamps its SPI frequency fields to a value the emulator can reliably
// drive (spec component K "Image auto-correct"). It returns true if the
// image was patched in place, false if no recognizable/consistent
// descriptor was found, in which case the image is left unchanged.
func AutocorrectImage(hw HwVersion, image []byte) (bool, error) {
	const op = "image.Autocorrect"

	fdOffset, ok := findFD(image)
	if !ok {
		return false, nil
	}
	if fdOffset+8 > len(image) {
		return false, nil
	}

	flmap0 := binary.LittleEndian.Uint32(image[fdOffset+4:])
	fcbaOffset := int(flmap0&0xff) << 4
	if fcbaOffset+4 > len(image) {
		return false, nil
	}

	if err := setEM100Mode(op, hw, image, fcbaOffset); err != nil {
		return false, err
	}
	return true, nil
}

func findFD(image []byte) (int, bool) {
	for off := 0; off+4 <= len(image); off += 4 {
		if binary.LittleEndian.Uint32(image[off:]) == fdSignature {
			return off, true
		}
	}
	return 0, false
}

func getIFDVersion(flcomp uint32) ifdVersion {
	switch (flcomp >> 17) & 0x7 {
	case 0:
		return ifdV1
	case 4, 6:
		return ifdV2
	default:
		log.Printf("em100: unrecognized IFD version bits in FLCOMP, assuming v2")
		return ifdV2
	}
}

// setSPIFrequency clears FLCOMP bits 21-31 then sets the three frequency
// sub-fields (bits 27, 24, 21) to the same code, mirroring image.rs's
// set_spi_frequency.
func setSPIFrequency(flcomp uint32, freq spiFrequency) uint32 {
	flcomp &^= 0x7ff << 21
	f := uint32(freq)
	flcomp |= f << 27
	flcomp |= f << 24
	flcomp |= f << 21
	return flcomp
}

func setEM100Mode(op string, hw HwVersion, image []byte, fcbaOffset int) error {
	if hw == HwEm100ProG2 {
		log.Printf("em100: hardware is EM100Pro-G2, which can run at full speed; autocorrecting anyway")
	}

	flcomp := binary.LittleEndian.Uint32(image[fcbaOffset:])
	version := getIFDVersion(flcomp)

	freq := freq20MHz
	if version == ifdV2 {
		freq = freq17MHz
	}

	flcomp = setSPIFrequency(flcomp, freq)
	binary.LittleEndian.PutUint32(image[fcbaOffset:], flcomp)
	return nil
}
