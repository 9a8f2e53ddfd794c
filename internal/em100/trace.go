package em100

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Report-buffer framing constants (spec §3 "Trace record (wire form)").
const (
	reportBufferLength = 8192
	reportBufferCount  = 8
	maxRecordsPerReport = 1023
	traceRecordSize     = 8
	maxTraceBlockLength = 6
)

// addressType classifies how many address bytes follow an SPI opcode, and
// whether those bytes carry a flash-relative offset at all.
type addressType int

const (
	addrNone addressType = iota
	addrNoOff3B
	addr3B
	addr4B
	addrDynamic
)

type spiCmdInfo struct {
	name        string
	addressType addressType
	padBytes    int
}

// spiCommandTable enumerates every SPI opcode the decoder recognizes (spec
// §4.5, grounded on _examples/original_source/src/trace.rs's
// SPI_COMMAND_LIST). Unknown opcodes resolve to the unknownCmd sentinel
// below, satisfying invariant 5 ("total function... unknown opcodes
// resolve to the sentinel").
var spiCommandTable = []spiCmdInfo{
	{"read SFDP", addrNoOff3B, 0},
	{"write status register", addrNone, 0},
	{"page program", addrDynamic, 0},
	{"read", addrDynamic, 0},
	{"write disable", addrNone, 0},
	{"read status register", addrNone, 0},
	{"write enable", addrNone, 0},
	{"fast read", addrDynamic, 1},
	{"EM100 specific", addrNone, 0},
	{"fast dual read", addrDynamic, 2},
	{"chip erase", addrNone, 0},
	{"read JEDEC ID", addrNone, 0},
	{"chip erase c7h", addrNone, 0},
	{"sector erase d8h", addrDynamic, 0},
	{"dual I/O read", addrDynamic, 2},
	{"quad I/O read", addrDynamic, 0},
	{"quad read", addrDynamic, 0},
	{"quad I/O dt read", addrDynamic, 0},
	{"quad page program", addrDynamic, 0},
	{"sector erase 20h", addrDynamic, 0},
	{"block erase 32KB", addrDynamic, 0},
	{"enter 4b mode", addrNone, 0},
	{"exit 4b mode", addrNone, 0},
	{"read 4b", addr4B, 0},
	{"fast read 4b", addr4B, 0},
	{"dual I/O read 4b", addr4B, 0},
	{"dual out read 4b", addr4B, 0},
	{"quad I/O read 4b", addr4B, 0},
	{"quad out read 4b", addr4B, 0},
	{"quad I/O dt read 4b", addr4B, 0},
	{"page program 4b", addr4B, 0},
	{"quad page program 4b", addr4B, 0},
	{"block erase 64KB 4b", addr4B, 0},
	{"block erase 32KB 4b", addr4B, 0},
	{"sector erase 4b", addr4B, 0},
	{"enter quad I/O mode", addrNone, 0},
	{"exit quad I/O mode", addrNone, 0},
}

var spiOpcodes = []byte{
	0x5a, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x0b, 0x11, 0x3b, 0x60, 0x9f,
	0xc7, 0xd8, 0xbb, 0xeb, 0x6b, 0xed, 0x38, 0x20, 0x52, 0xb7, 0xe9, 0x13,
	0x0c, 0xbc, 0x3c, 0xec, 0x6c, 0xee, 0x12, 0x3e, 0xdc, 0x5c, 0x21, 0x35, 0xf5,
}

var unknownCmd = spiCmdInfo{"unknown command", addrNone, 0}

func lookupSPICmd(opcode byte) (byte, spiCmdInfo) {
	for i, op := range spiOpcodes {
		if op == opcode {
			return op, spiCommandTable[i]
		}
	}
	return opcode, unknownCmd
}

// TraceRecord is one decoded SPI transaction boundary or intra-transaction
// data chunk, emitted by DecodeTraceReport (spec §3 "Decoded trace state").
type TraceRecord struct {
	RelativeTimeNS uint64
	Index          uint32
	Opcode         byte
	Name           string
	Address        uint32
	HasAddress     bool
	Data           []byte
}

// TraceState is the decoder's persistent session state (spec §3 "Decoded
// trace state", §9 "Trace state as a small state machine"): counter, the
// last-seen cmd for run detection, the wrap-around curpos byte, address
// mode, live address, timestamps, and the carry of address/pad bytes that
// spilled past a single record's 6-byte data slot.
type TraceState struct {
	Counter            uint32
	curpos             uint8
	cmdID              byte
	AddressMode        int
	outbytes           int
	additionalPadBytes int
	Address            uint32
	Timestamp          uint64
	startTimestamp     uint64
}

// NewTraceState starts a fresh decode session in the given address mode (3
// or 4 byte addressing).
func NewTraceState(addressMode int) *TraceState {
	return &TraceState{cmdID: 0xff, AddressMode: addressMode}
}

// DecodeTraceReport is a total function over any reportBufferLength-byte
// input (spec §8 invariant 5): it never panics, and malformed opcodes
// resolve to the "unknown command" sentinel with no address. It mutates
// state in place and returns zero or more records.
func DecodeTraceReport(data []byte, state *TraceState) []TraceRecord {
	if len(data) < 2 {
		return nil
	}
	count := int(data[0])<<8 | int(data[1])
	if count > maxRecordsPerReport {
		count = maxRecordsPerReport
	}

	var records []TraceRecord
	for i := 0; i < count; i++ {
		base := 2 + i*traceRecordSize
		if base+traceRecordSize > len(data) {
			break
		}

		j := state.additionalPadBytes
		state.additionalPadBytes = 0
		cmd := data[base]
		slot := data[base+1]

		if cmd == 0x00 {
			continue
		}
		if cmd == 0xff {
			state.Timestamp = uint64(data[base+2])<<40 | uint64(data[base+3])<<32 |
				uint64(data[base+4])<<24 | uint64(data[base+5])<<16 |
				uint64(data[base+6])<<8 | uint64(data[base+7])
			continue
		}

		var rec *TraceRecord
		if cmd != state.cmdID {
			spiCommand := data[base+2]
			opcode, info := lookupSPICmd(spiCommand)

			state.cmdID = cmd
			if state.Counter == 0 {
				state.startTimestamp = state.Timestamp
			}

			switch spiCommand {
			case 0xb7:
				state.AddressMode = 4
			case 0xe9:
				state.AddressMode = 3
			}

			j = 1 // skip command byte

			addrBytes := 0
			switch info.addressType {
			case addrDynamic:
				addrBytes = state.AddressMode
			case addrNoOff3B, addr3B:
				addrBytes = 3
			case addr4B:
				addrBytes = 4
			}

			hasAddr := addrBytes > 0
			if addrBytes == 3 && base+5 <= len(data) {
				state.Address = uint32(data[base+3])<<16 | uint32(data[base+4])<<8 | uint32(data[base+5])
			} else if addrBytes == 4 && base+6 <= len(data) {
				state.Address = uint32(data[base+3])<<24 | uint32(data[base+4])<<16 |
					uint32(data[base+5])<<8 | uint32(data[base+6])
			}

			j += addrBytes + info.padBytes
			if j > maxTraceBlockLength {
				state.additionalPadBytes = j - maxTraceBlockLength
				j = maxTraceBlockLength
			}

			state.Counter++
			rec = &TraceRecord{
				RelativeTimeNS: state.Timestamp - state.startTimestamp,
				Index:          state.Counter,
				Opcode:         opcode,
				Name:           info.name,
				Address:        state.Address,
				HasAddress:     hasAddr,
			}
			state.curpos = 0
			state.outbytes = 0
		}

		blocklen := int(uint8(slot-state.curpos)) / 8
		var payload []byte
		for j < blocklen && base+2+j < len(data) {
			payload = append(payload, data[base+2+j])
			state.outbytes++
			if state.outbytes == 16 {
				state.outbytes = 0
				state.Address += 16
			}
			j++
		}
		if rec != nil {
			rec.Data = payload
			records = append(records, *rec)
		} else if len(payload) > 0 && len(records) > 0 {
			records[len(records)-1].Data = append(records[len(records)-1].Data, payload...)
		}

		state.curpos = uint8(slot + 0x10) // invariant: curpos = (slot+0x10) mod 256
	}

	return records
}

// FormatTraceRecord renders one record the way the console decoder does:
// brief ("0x03 @ 0x00001234 (read)") or verbose (timestamped, with a hex data
// dump) per spec §4.5.
func FormatTraceRecord(r TraceRecord, brief bool, addrOffset uint32) string {
	if brief {
		if r.HasAddress {
			return fmt.Sprintf("0x%02x @ 0x%08x (%s)", r.Opcode, r.Address, r.Name)
		}
		return fmt.Sprintf("0x%02x (%s)", r.Opcode, r.Name)
	}
	s := fmt.Sprintf("Time: %06d.%08d command #%-6d : 0x%02x - %s",
		r.RelativeTimeNS/100000000, r.RelativeTimeNS%100000000, r.Index, r.Opcode, r.Name)
	if len(r.Data) > 0 {
		if r.HasAddress {
			s += fmt.Sprintf("\n%08x : ", addrOffset+r.Address)
		} else {
			s += "\n         : "
		}
		for _, b := range r.Data {
			s += fmt.Sprintf("%02x ", b)
		}
	}
	return s
}

// ResetSPITrace clears the device's trace buffer (opcode 0xbd).
func (d *Device) ResetSPITrace() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.t.sendCmd([]byte{0xbd})
}

// ReadReportBuffers pulls reportBufferCount fixed-size report buffers from
// the device (opcode 0xbc), one bulk response per buffer.
func (d *Device) ReadReportBuffers() ([reportBufferCount][]byte, error) {
	const op = "trace.ReadReportBuffers"

	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := make([]byte, 16)
	cmd[0] = 0xbc
	cmd[4] = reportBufferCount
	cmd[9] = 0x15
	if err := d.t.sendCmd(cmd); err != nil {
		return [reportBufferCount][]byte{}, err
	}

	var buffers [reportBufferCount][]byte
	for i := 0; i < reportBufferCount; i++ {
		data, err := d.t.getResponse(reportBufferLength)
		if err != nil {
			return [reportBufferCount][]byte{}, err
		}
		if len(data) != reportBufferLength {
			return [reportBufferCount][]byte{}, newErr(op, KindInvalidResponse,
				fmt.Sprintf("report length %d != %d", len(data), reportBufferLength), nil)
		}
		buffers[i] = data
	}
	return buffers, nil
}

// ReadSPITrace pulls one round of report buffers and decodes every record
// across all buffers, advancing state (spec component L).
func (d *Device) ReadSPITrace(ctx context.Context, state *TraceState) ([]TraceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, newErr("trace.Read", KindTransport, "cancelled", err)
	}
	buffers, err := d.ReadReportBuffers()
	if err != nil {
		return nil, err
	}

	var all []TraceRecord
	for _, buf := range buffers {
		all = append(all, DecodeTraceReport(buf, state)...)
	}
	return all, nil
}

// ReadSPITraceStream pulls rounds consecutive rounds of report buffers,
// overlapping each round's decode with the next round's USB poll so the
// 0xbc round-trip latency is hidden behind CPU-bound decoding (spec §5's
// cooperative-cancellation contract still applies between rounds: a
// cancelled ctx stops the stream at the next round boundary, returning
// whatever was decoded so far).
func (d *Device) ReadSPITraceStream(ctx context.Context, state *TraceState, rounds int) ([]TraceRecord, error) {
	const op = "trace.ReadStream"
	if rounds <= 0 {
		return nil, newErr(op, KindInvalidArgument, "rounds must be positive", nil)
	}

	prev, err := d.ReadReportBuffers()
	if err != nil {
		return nil, err
	}

	var all []TraceRecord
	for i := 1; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return all, newErr(op, KindTransport, "cancelled", err)
		}

		var next [reportBufferCount][]byte
		var decoded []TraceRecord

		g, _ := errgroup.WithContext(ctx)
		g.Go(func() error {
			buffers, err := d.ReadReportBuffers()
			next = buffers
			return err
		})
		g.Go(func() error {
			for _, buf := range prev {
				decoded = append(decoded, DecodeTraceReport(buf, state)...)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return all, err
		}

		all = append(all, decoded...)
		prev = next
	}

	for _, buf := range prev {
		all = append(all, DecodeTraceReport(buf, state)...)
	}
	return all, nil
}

// ReadSPITraceConsole decodes page-program payloads whose address falls
// within the half-open window [addrOffset, addrOffset+addrLen), writing
// their bytes in program order (spec component L "console mode"). This is
// the half-open interval spec §9 calls for; the reference implementation's
// inclusive upper bound (`address > offset+len`) is a one-off bug this
// corrects.
func (d *Device) ReadSPITraceConsole(ctx context.Context, state *TraceState, addrOffset, addrLen uint32) ([]byte, error) {
	const op = "trace.ReadConsole"
	if addrOffset == 0 {
		return nil, newErr(op, KindInvalidArgument, "address offset for console buffer required", nil)
	}
	if addrLen == 0 {
		return nil, newErr(op, KindInvalidArgument, "console buffer length required", nil)
	}

	records, err := d.ReadSPITrace(ctx, state)
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, r := range records {
		if r.Opcode != 0x02 || !r.HasAddress {
			continue
		}
		if r.Address < addrOffset || r.Address >= addrOffset+addrLen {
			continue
		}
		out = append(out, r.Data...)
	}
	return out, nil
}
