package em100

import (
	"context"
	"time"

	"github.com/google/gousb"
)

// Protocol constants (spec §6: "External Interfaces").
const (
	VendorID  gousb.ID = 0x04b4
	ProductID gousb.ID = 0x1235

	EndpointOut = 0x01
	EndpointIn  = 0x82

	cmdLen = 16

	// DefaultTimeout bounds every getResponse read. sendCmd writes without
	// a deadline, and bulkWrite/bulkRead are bounded only by the caller's
	// context.
	DefaultTimeout = 5 * time.Second
)

// transport owns the claimed USB endpoints for one device session. It is
// the Go analog of the teacher's USBDevice (usb_device.go) narrowed to the
// three operations spec §4.1 names: send_cmd, get_response, and the
// bulk_write/bulk_read pair used by SDRAM streaming and SPI page writes.
type transport struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	epOut   *gousb.OutEndpoint
	epIn    *gousb.InEndpoint
	ownsCtx bool
}

// openTransport enumerates USB devices and opens the first one matching
// VendorID/ProductID, claiming interface 0 and both bulk endpoints. It
// mirrors the teacher's OpenUSBDevice cascading-cleanup-on-error pattern.
func openTransport() (*transport, error) {
	const op = "transport.open"

	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, newErr(op, KindTransport, "enumerate USB devices", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, newErr(op, KindNotFound, "no device matches selector", nil)
	}
	return claimTransport(ctx, dev, true)
}

// openTransportAt claims a specific already-located *gousb.Device (used by
// the façade's by-bus-addr and by-serial open strategies, which enumerate
// candidates themselves). ownsCtx controls whether transport.Close() also
// closes ctx; pass true only for the transport that ends up "winning" the
// selection, since ctx is shared across every candidate enumerated from it.
func openTransportAt(ctx *gousb.Context, dev *gousb.Device, ownsCtx bool) (*transport, error) {
	return claimTransport(ctx, dev, ownsCtx)
}

func claimTransport(ctx *gousb.Context, dev *gousb.Device, ownsCtx bool) (*transport, error) {
	const op = "transport.open"

	closeCtx := func() {
		if ownsCtx {
			ctx.Close()
		}
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		closeCtx()
		return nil, newErr(op, KindTransport, "set USB configuration", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		closeCtx()
		return nil, newErr(op, KindTransport, "claim interface 0", err)
	}
	epOut, err := intf.OutEndpoint(EndpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		closeCtx()
		return nil, newErr(op, KindTransport, "open bulk OUT endpoint", err)
	}
	epIn, err := intf.InEndpoint(EndpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		closeCtx()
		return nil, newErr(op, KindTransport, "open bulk IN endpoint", err)
	}

	return &transport{ctx: ctx, dev: dev, cfg: cfg, intf: intf, epOut: epOut, epIn: epIn, ownsCtx: ownsCtx}, nil
}

func (t *transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ownsCtx && t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

// sendCmd transmits exactly 16 bytes: zero-padded if shorter, truncated if
// longer (spec §4.1, §8 boundary behavior).
func (t *transport) sendCmd(data []byte) error {
	const op = "transport.sendCmd"

	cmd := make([]byte, cmdLen)
	copy(cmd, data) // copy truncates or zero-pads automatically

	n, err := t.epOut.Write(cmd)
	if err != nil {
		return classifyTransferErr(op, err)
	}
	if n != cmdLen {
		return shortTransferErr(op, n, cmdLen)
	}
	return nil
}

// getResponse reads up to n bytes, rounding the device-facing request up to
// a multiple of the IN endpoint's max packet size (a protocol requirement:
// some firmware stacks reject a request shorter than one full packet).
// Returns the first min(actual, n) bytes.
func (t *transport) getResponse(n int) ([]byte, error) {
	const op = "transport.getResponse"

	want := roundUpToMaxPacket(n, t.epIn.Desc.MaxPacketSize)
	buf := make([]byte, want)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	got, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, classifyTransferErr(op, err)
	}
	if got > n {
		got = n
	}
	return buf[:got], nil
}

// bulkWrite is the arbitrary-length variant used by SDRAM streaming and SPI
// page writes.
func (t *transport) bulkWrite(ctx context.Context, data []byte) (int, error) {
	const op = "transport.bulkWrite"
	n, err := t.epOut.WriteContext(ctx, data)
	if err != nil {
		return n, classifyTransferErr(op, err)
	}
	return n, nil
}

// bulkRead is the arbitrary-length variant used by SDRAM streaming.
func (t *transport) bulkRead(ctx context.Context, n int) ([]byte, error) {
	const op = "transport.bulkRead"
	buf := make([]byte, n)
	got, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, classifyTransferErr(op, err)
	}
	return buf[:got], nil
}

func (t *transport) maxPacketIn() int  { return t.epIn.Desc.MaxPacketSize }
func (t *transport) maxPacketOut() int { return t.epOut.Desc.MaxPacketSize }

// roundUpToMaxPacket implements the Open-Question-resolved default
// "round up on IN" (SPEC_FULL.md, grounded on
// _examples/original_source/src/sdram.rs's round_up_to_max_packet).
func roundUpToMaxPacket(want, max int) int {
	if max <= 0 {
		return want
	}
	return ((want + max - 1) / max) * max
}

func classifyTransferErr(op string, err error) error {
	if err == context.DeadlineExceeded {
		return newErr(op, KindTimeout, "", err)
	}
	return newErr(op, KindTransport, "", err)
}
