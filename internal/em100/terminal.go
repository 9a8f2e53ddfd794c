package em100

import "fmt"

// ufifoSize is the fixed read size of one hyper-terminal poll (spec §3
// "Trace terminal message", grounded on
// _examples/original_source/src/trace.rs's UFIFO_SIZE).
const ufifoSize = 512

const htMessageSignature = 0x47364440

// HTMsgType is the type byte of a decoded hyper-terminal message.
type HTMsgType byte

const (
	HTCheckpoint1Byte HTMsgType = 0x01
	HTCheckpoint2Bytes HTMsgType = 0x02
	HTCheckpoint4Bytes HTMsgType = 0x03
	HTHexData          HTMsgType = 0x04
	HTAsciiData         HTMsgType = 0x05
	HTTimestampData     HTMsgType = 0x06
	HTLookupTable       HTMsgType = 0x07
)

// HTMessage is one decoded hyper-terminal message (spec §3 "Trace terminal
// message"): signature-delimited, type-tagged, length-prefixed.
type HTMessage struct {
	Type    HTMsgType
	Payload []byte
}

// DecodeHyperTerminal splits a raw uFIFO read into its embedded message
// stream (spec component M). The first two bytes of data are the valid
// byte count; bytes are scanned for the 4-byte signature, and any byte
// that isn't part of a recognized message is skipped (mirroring the
// reference decoder's resynchronization-by-byte-skip behavior).
func DecodeHyperTerminal(data []byte) []HTMessage {
	if len(data) < 2 {
		return nil
	}
	dataLength := int(data[0])<<8 | int(data[1])
	if dataLength == 0 {
		return nil
	}

	const dataStart = 2
	var msgs []HTMessage

	j := 0
	for j < dataLength && dataStart+j+6 < len(data) {
		offset := dataStart + j

		sig := uint32(data[offset])<<24 | uint32(data[offset+1])<<16 |
			uint32(data[offset+2])<<8 | uint32(data[offset+3])
		if sig != htMessageSignature {
			j++
			continue
		}

		msgType := HTMsgType(data[offset+4])
		msgLen := int(data[offset+5])

		var payload []byte
		for k := 0; k < msgLen; k++ {
			if offset+6+k >= len(data) || offset+6+k >= dataStart+dataLength {
				break
			}
			payload = append(payload, data[offset+6+k])
		}

		msgs = append(msgs, HTMessage{Type: msgType, Payload: payload})
		j += 6 + msgLen
	}

	return msgs
}

// FormatHTMessage renders a decoded message the way the console decoder
// does: hex pairs for checkpoint/hex/timestamp types, raw characters for
// ASCII, and a hex pair for each lookup-table entry (spec §3 "Types").
func FormatHTMessage(m HTMessage) string {
	switch m.Type {
	case HTAsciiData:
		return string(m.Payload)
	case HTLookupTable:
		s := ""
		for i := 0; i+1 < len(m.Payload); i += 2 {
			s += fmt.Sprintf("%02x%02x ", m.Payload[i], m.Payload[i+1])
		}
		return s
	default:
		s := ""
		for _, b := range m.Payload {
			s += fmt.Sprintf("%02x ", b)
		}
		return s
	}
}

// ReadUFIFO pulls one hyper-terminal poll from the device (component M's
// wire op, shared with the SPI trace's inline terminal pull) and decodes
// it. addr is the optional uFIFO sub-address the device-level read
// command accepts; 0 reads the default stream.
func (d *Device) ReadUFIFO(addr uint8) ([]HTMessage, error) {
	const op = "terminal.Read"

	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := []byte{0xba, addr, byte(ufifoSize >> 8), byte(ufifoSize)}
	if err := d.t.sendCmd(cmd); err != nil {
		return nil, err
	}
	data, err := d.t.getResponse(ufifoSize)
	if err != nil {
		return nil, err
	}
	if len(data) != ufifoSize {
		return nil, newErr(op, KindInvalidResponse, fmt.Sprintf("uFIFO length %d != %d", len(data), ufifoSize), nil)
	}
	return DecodeHyperTerminal(data), nil
}

// InitSPITerminal configures the device to emit hyper-terminal messages
// and recognize the EM100-specific SPI opcode 0x11 (spec §4.5 "init
// terminal").
func (d *Device) InitSPITerminal() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.t.sendCmd([]byte{0xb9, 0x00}); err != nil { // write_ht_register(UfifoDataFmt, 0)
		return err
	}
	if err := d.t.sendCmd([]byte{0xb9, 0x01, 0x01}); err != nil { // write_ht_register(Status, START_SPI_EMULATION)
		return err
	}
	if err := d.t.writeFPGARegister(0x82, 0x11); err != nil {
		return err
	}
	_, err := d.t.readFPGARegister(0x28)
	return err
}
