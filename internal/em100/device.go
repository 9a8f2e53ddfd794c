package em100

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/gousb"
)

func bgCtx() context.Context { return context.Background() }

// HwVersion identifies which appliance hardware revision is attached
// (spec §3 "Device state").
type HwVersion uint8

const (
	HwEm100ProEarly HwVersion = 0xff
	HwEm100Pro      HwVersion = 0x04
	HwEm100ProG2    HwVersion = 0x06
	HwUnknown       HwVersion = 0x00
)

func (h HwVersion) String() string {
	switch h {
	case HwEm100ProEarly:
		return "EM100Pro (early)"
	case HwEm100Pro:
		return "EM100Pro"
	case HwEm100ProG2:
		return "EM100Pro-G2"
	default:
		return "Unknown"
	}
}

// hwVersionFromByte resolves Open Question 3 (SPEC_FULL.md): unknown bytes,
// including 0x00, map permissively to HwUnknown; firmware-affecting
// operations reject HwUnknown explicitly where it matters.
func hwVersionFromByte(b byte) HwVersion {
	switch b {
	case 0xff:
		return HwEm100ProEarly
	case 0x04:
		return HwEm100Pro
	case 0x06:
		return HwEm100ProG2
	default:
		return HwUnknown
	}
}

// HoldPinState is the electrical state the appliance drives onto the
// target-side hold pin.
type HoldPinState uint16

const (
	HoldLow   HoldPinState = 0x0
	HoldFloat HoldPinState = 0x2
	HoldInput HoldPinState = 0x3
)

func ParseHoldPinState(s string) (HoldPinState, error) {
	const op = "device.ParseHoldPinState"
	switch s {
	case "float", "FLOAT", "Float":
		return HoldFloat, nil
	case "low", "LOW", "Low":
		return HoldLow, nil
	case "input", "INPUT", "Input":
		return HoldInput, nil
	default:
		return 0, newErr(op, KindInvalidArgument, fmt.Sprintf("invalid hold pin state %q", s), nil)
	}
}

func (h HoldPinState) String() string {
	switch h {
	case HoldFloat:
		return "float"
	case HoldLow:
		return "low"
	case HoldInput:
		return "input"
	default:
		return "unknown"
	}
}

const identityPageAddr = 0x1fff00
const identityMagicPageAddr = 0x1f0000
const identitySector = 31

// Device is the façade spec §4.6/component H describes: it owns the
// claimed USB endpoints, caches identity state, and exposes every
// high-level operation. All USB traffic for one Device is serialized
// through mu, matching spec §5's single-owner-thread model.
type Device struct {
	mu sync.Mutex
	t  *transport

	mcu      uint16
	fpga     uint16
	serialNo uint32
	hwVer    HwVersion

	flashOpts FlashOptions
}

// Open opens the first appliance found on the bus, claims interface 0 and
// both bulk endpoints, and runs the init sequence (spec §4.6).
func Open(opts ...Option) (*Device, error) {
	t, err := openTransport()
	if err != nil {
		return nil, err
	}
	return newDevice(t, opts...)
}

// OpenByBusAddr opens the appliance at a specific USB bus/address.
func OpenByBusAddr(bus, addr int, opts ...Option) (*Device, error) {
	const op = "device.OpenByBusAddr"

	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == addr
	})
	if err != nil {
		ctx.Close()
		return nil, newErr(op, KindTransport, "enumerate USB devices", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, newErr(op, KindNotFound, "no device at that bus:addr", nil)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev := devs[0]
	if dev.Desc.Vendor != VendorID || dev.Desc.Product != ProductID {
		dev.Close()
		ctx.Close()
		return nil, newErr(op, KindInvalidArgument, "device at that bus:addr is not an EM100pro", nil)
	}

	t, err := openTransportAt(ctx, dev, true)
	if err != nil {
		return nil, err
	}
	return newDevice(t, opts...)
}

// OpenBySerial iterates every EM100pro candidate, opening and initializing
// each until one reports the requested serial number. A per-candidate
// init failure is skipped silently; exhausting all candidates without a
// match fails with NotFound (spec §4.6 "Serial-based open").
func OpenBySerial(serial uint32, opts ...Option) (*Device, error) {
	const op = "device.OpenBySerial"

	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	if err != nil {
		ctx.Close()
		return nil, newErr(op, KindTransport, "enumerate USB devices", err)
	}

	for i, dev := range devs {
		t, err := openTransportAt(ctx, dev, false)
		if err != nil {
			continue
		}
		d, err := newDevice(t, opts...)
		if err != nil {
			continue
		}
		if d.serialNo == serial {
			d.t.ownsCtx = true
			for _, rest := range devs[i+1:] {
				rest.Close()
			}
			return d, nil
		}
		d.Close()
	}
	ctx.Close()
	return nil, newErr(op, KindNotFound, "no device with that serial", nil)
}

// Option configures a Device at open time.
type Option func(*Device)

// WithFlashOptions sets the internal-SPI-flash policy knobs (spec §9 Open
// Question: sector-erase settle).
func WithFlashOptions(o FlashOptions) Option {
	return func(d *Device) { d.flashOpts = o }
}

func newDevice(t *transport, opts ...Option) (*Device, error) {
	d := &Device{t: t}
	for _, o := range opts {
		o(d)
	}
	if err := d.init(); err != nil {
		t.Close()
		return nil, err
	}
	return d, nil
}

// init runs the spec §4.6 bring-up sequence: probe JEDEC ID, query
// versions, read the identity page.
func (d *Device) init() error {
	const op = "device.init"
	log.Printf("em100: probing device")

	id, err := d.t.jedecID()
	if err != nil {
		return err
	}
	if id != JedecM25P16 && id != JedecMX77L12850 {
		return newErr(op, KindStatusUnknown, fmt.Sprintf("unrecognized JEDEC id 0x%06x", id), nil)
	}

	mcu, fpga, err := d.t.version()
	if err != nil {
		return err
	}
	d.mcu, d.fpga = mcu, fpga

	if err := d.refreshIdentity(); err != nil {
		return err
	}

	log.Printf("em100: opened hw=%s serial=%s mcu=%d.%02d", d.hwVer, d.serialString(), d.mcu>>8, d.mcu&0xff)
	return nil
}

// refreshIdentity re-reads the identity page (spec §4.6 step 3).
func (d *Device) refreshIdentity() error {
	data, err := d.t.readFlashPage(identityPageAddr)
	if err != nil {
		return err
	}
	d.serialNo = uint32(data[2]) | uint32(data[3])<<8 | uint32(data[4])<<16 | uint32(data[5])<<24
	d.hwVer = hwVersionFromByte(data[1])
	return nil
}

// Close releases the claimed interface and USB context.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.t.Close()
}

// HwVersion returns the cached hardware-version tag.
func (d *Device) HwVersion() HwVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hwVer
}

// SerialNumber returns the cached serial number (0xffffffff = unprogrammed).
func (d *Device) SerialNumber() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serialNo
}

func (d *Device) serialString() string {
	if d.serialNo == 0xffffffff {
		return "N.A."
	}
	prefix := "EM"
	if d.hwVer == HwEm100ProEarly {
		prefix = "DP"
	}
	return fmt.Sprintf("%s%06d", prefix, d.serialNo)
}

// SerialString returns the appliance's human-readable serial (DP/EM prefix
// plus six digits, or "N.A." if unprogrammed).
func (d *Device) SerialString() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serialString()
}

// SetEmulationState starts or stops SPI-flash emulation (FPGA register
// 0x28).
func (d *Device) SetEmulationState(run bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	val := uint16(0)
	if run {
		val = 1
	}
	return d.t.writeFPGARegister(0x28, val)
}

// EmulationState reports whether emulation is currently running.
func (d *Device) EmulationState() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.t.readFPGARegister(0x28)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// SetAddressMode switches the emulated flash between 3-byte and 4-byte
// addressing (FPGA register 0x4f).
func (d *Device) SetAddressMode(mode int) error {
	const op = "device.SetAddressMode"
	if mode != 3 && mode != 4 {
		return newErr(op, KindInvalidArgument, "address mode must be 3 or 4", nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	val := uint16(0)
	if mode == 4 {
		val = 1
	}
	return d.t.writeFPGARegister(0x4f, val)
}

// HoldPinState reads the current hold pin state (FPGA register 0x2a).
func (d *Device) HoldPinState() (HoldPinState, error) {
	const op = "device.HoldPinState"
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.t.readFPGARegister(0x2a)
	if err != nil {
		return 0, err
	}
	switch v {
	case 0:
		return HoldLow, nil
	case 2:
		return HoldFloat, nil
	case 3:
		return HoldInput, nil
	default:
		return 0, newErr(op, KindInvalidResponse, "", nil)
	}
}

// SetHoldPinState drives the hold pin to the requested state, acknowledging
// the prior state first and verifying the write (spec-adjacent to
// device.rs's set_hold_pin_state).
func (d *Device) SetHoldPinState(state HoldPinState) error {
	const op = "device.SetHoldPinState"
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.t.readFPGARegister(0x2a)
	if err != nil {
		return err
	}
	if err := d.t.writeFPGARegister(0x2a, (1<<2)|cur); err != nil {
		return err
	}
	if _, err := d.t.readFPGARegister(0x2a); err != nil {
		return err
	}
	if err := d.t.writeFPGARegister(0x2a, uint16(state)); err != nil {
		return err
	}
	got, err := d.t.readFPGARegister(0x2a)
	if err != nil {
		return err
	}
	if got != uint16(state) {
		return newErr(op, KindVerificationFailed, fmt.Sprintf("expected %s, got %d", state, got), nil)
	}
	return nil
}

// SetSerialNumber writes a new serial into the identity page, rewriting the
// adjacent magic page under sector 31 erase when the device was previously
// programmed (spec §4.6 "Serial programming").
func (d *Device) SetSerialNumber(serial uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	page, err := d.t.readFlashPage(identityPageAddr)
	if err != nil {
		return err
	}
	oldSerial := uint32(page[2]) | uint32(page[3])<<8 | uint32(page[4])<<16 | uint32(page[5])<<24
	if oldSerial == serial {
		return nil
	}

	identity := make([]byte, len(page))
	copy(identity, page)
	identity[2] = byte(serial)
	identity[3] = byte(serial >> 8)
	identity[4] = byte(serial >> 16)
	identity[5] = byte(serial >> 24)

	if oldSerial != 0xffffffff {
		magicPage, err := d.t.readFlashPage(identityMagicPageAddr)
		if err != nil {
			return err
		}
		if err := d.t.unlockFlash(); err != nil {
			return err
		}
		if _, err := d.t.jedecID(); err != nil {
			return err
		}
		if err := d.t.eraseFlashSector(identitySector, d.flashOpts); err != nil {
			return err
		}
		if err := d.t.writeFlashPage(bgCtx(), identityMagicPageAddr, magicPage); err != nil {
			return err
		}
	}

	if err := d.t.writeFlashPage(bgCtx(), identityPageAddr, identity); err != nil {
		return err
	}
	return d.refreshIdentity()
}

// DeviceInfo is the (*Device).Info() diagnostic snapshot — supplemented
// from _examples/original_source/src/device.rs's get_info.
type DeviceInfo struct {
	MCUVersion  string
	FPGAVersion string
	HwVersion   HwVersion
	Serial      string
	FPGAVoltageMillivolts uint16
}

// Info returns a point-in-time snapshot of cached identity/version state.
func (d *Device) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	mcuVersion := fmt.Sprintf("%d.%02d", d.mcu>>8, d.mcu&0xff)
	var fpgaVersion string
	switch d.hwVer {
	case HwEm100Pro, HwEm100ProEarly:
		if d.fpga > 0x0033 {
			rail := "3.3V"
			if d.fpga&0x8000 != 0 {
				rail = "1.8V"
			}
			fpgaVersion = fmt.Sprintf("%d.%02d (%s)", (d.fpga>>8)&0x7f, d.fpga&0xff, rail)
		} else {
			fpgaVersion = fmt.Sprintf("%d.%02d", d.fpga>>8, d.fpga&0xff)
		}
	case HwEm100ProG2:
		fpgaVersion = fmt.Sprintf("%d.%03d", (d.fpga>>8)&0x7f, d.fpga&0xff)
	default:
		fpgaVersion = fmt.Sprintf("%d.%d", d.fpga>>8, d.fpga&0xff)
	}

	voltage := uint16(3300)
	if d.fpga&0x8000 != 0 {
		voltage = 1800
	}

	return DeviceInfo{
		MCUVersion:            mcuVersion,
		FPGAVersion:           fpgaVersion,
		HwVersion:             d.hwVer,
		Serial:                d.serialString(),
		FPGAVoltageMillivolts: voltage,
	}
}

// DebugInfo carries the full voltage-rail and FPGA-register snapshot spec
// §4.6 diagnostics expose, supplemented from get_debug_info.
type DebugInfo struct {
	Voltages      Voltages
	FPGARegisters [128]uint16
}

type Voltages struct {
	V1_2, EVcc, RefPlus, RefMinus     uint32
	BufferVcc, TrigVcc, RstVcc        uint32
	V3_3, BufferV3_3, V5              uint32
}

// DebugSnapshot cycles the status LED between voltage-group reads (matching
// the reference's visual progress indicator) and reads every FPGA register.
func (d *Device) DebugSnapshot() (DebugInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var v Voltages
	var err error
	read := func(ch GetVoltageChannel) uint32 {
		if err != nil {
			return 0
		}
		var val uint32
		val, err = d.t.getVoltage(ch)
		return val
	}

	_ = d.t.setLED(LedBothOff)
	v.V1_2 = read(ChanGetV1_2)
	v.EVcc = read(ChanGetEVcc)
	_ = d.t.setLED(LedBothOn)
	v.RefPlus = read(ChanGetRefPlus)
	v.RefMinus = read(ChanGetRefMinus)
	_ = d.t.setLED(LedRedOn)
	v.BufferVcc = read(ChanGetBufferVcc)
	v.TrigVcc = read(ChanGetTriggerVcc)
	_ = d.t.setLED(LedBothOn)
	v.RstVcc = read(ChanGetResetVcc)
	v.V3_3 = read(ChanGetV3_3)
	_ = d.t.setLED(LedRedOn)
	v.BufferV3_3 = read(ChanGetBufferV3_3)
	v.V5 = read(ChanGetV5)
	_ = d.t.setLED(LedGreenOn)
	if err != nil {
		return DebugInfo{}, err
	}

	var regs [128]uint16
	for i := 0; i < 128; i++ {
		val, rerr := d.t.readFPGARegister(uint8(i * 2))
		if rerr != nil {
			val = 0xffff
		}
		regs[i] = val
	}

	return DebugInfo{Voltages: v, FPGARegisters: regs}, nil
}

// ListedDevice is one entry of ListDevices' result.
type ListedDevice struct {
	Bus, Addr int
	Serial    string
}

// ListDevices enumerates every attached EM100pro appliance, opening and
// identifying each (a per-device open failure reports serial "unknown"
// rather than aborting the whole listing, per device.rs's list_devices).
func ListDevices() ([]ListedDevice, error) {
	const op = "device.ListDevices"

	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	if err != nil {
		return nil, newErr(op, KindTransport, "enumerate USB devices", err)
	}

	result := make([]ListedDevice, 0, len(devs))
	for _, dev := range devs {
		bus, addr := dev.Desc.Bus, dev.Desc.Address
		t, err := openTransportAt(ctx, dev, false)
		if err != nil {
			result = append(result, ListedDevice{Bus: bus, Addr: addr, Serial: "unknown"})
			continue
		}
		d, err := newDevice(t)
		if err != nil {
			result = append(result, ListedDevice{Bus: bus, Addr: addr, Serial: "unknown"})
			continue
		}
		result = append(result, ListedDevice{Bus: bus, Addr: addr, Serial: d.SerialString()})
		d.Close()
	}
	return result, nil
}
