package em100

// Voltage channels (spec §4.1/D "System ops").
type SetVoltageChannel uint8

const (
	ChanTriggerVcc SetVoltageChannel = 0
	ChanResetVcc   SetVoltageChannel = 1
	ChanRefPlus    SetVoltageChannel = 2
	ChanRefMinus   SetVoltageChannel = 3
	ChanBufferVcc  SetVoltageChannel = 4
)

type GetVoltageChannel uint8

const (
	ChanGetV1_2      GetVoltageChannel = 0
	ChanGetEVcc      GetVoltageChannel = 1
	ChanGetRefPlus   GetVoltageChannel = 2
	ChanGetRefMinus  GetVoltageChannel = 3
	ChanGetBufferVcc GetVoltageChannel = 4
	ChanGetTriggerVcc GetVoltageChannel = 5
	ChanGetResetVcc  GetVoltageChannel = 6
	ChanGetV3_3      GetVoltageChannel = 7
	ChanGetBufferV3_3 GetVoltageChannel = 8
	ChanGetV5        GetVoltageChannel = 9
)

type LedState uint8

const (
	LedBothOff LedState = 0
	LedGreenOn LedState = 1
	LedRedOn   LedState = 2
	LedBothOn  LedState = 3
)

// version queries firmware versions (opcode 0x10). Response shape:
// [4, fpga_hi, fpga_lo, mcu_hi, mcu_lo].
func (t *transport) version() (mcu, fpga uint16, err error) {
	const op = "system.Version"
	if err = t.sendCmd([]byte{0x10}); err != nil {
		return 0, 0, err
	}
	data, err := t.getResponse(512)
	if err != nil {
		return 0, 0, err
	}
	if len(data) != 5 || data[0] != 4 {
		return 0, 0, newErr(op, KindInvalidResponse, "", nil)
	}
	fpga = uint16(data[1])<<8 | uint16(data[2])
	mcu = uint16(data[3])<<8 | uint16(data[4])
	return mcu, fpga, nil
}

// setVoltage sets voltage on a channel (opcode 0x11). BufferVcc requires mv
// in {1800, 2500, 3300} per spec §8 (the reference's literal {18,25,33} is
// treated as a unit bug — see SPEC_FULL.md "Intentional divergences").
func (t *transport) setVoltage(channel SetVoltageChannel, mv uint16) error {
	const op = "system.SetVoltage"
	if channel == ChanBufferVcc && mv != 1800 && mv != 2500 && mv != 3300 {
		return newErr(op, KindInvalidArgument, "BufferVcc requires 1800, 2500 or 3300 mV", nil)
	}
	return t.sendCmd([]byte{0x11, byte(channel), byte(mv >> 8), byte(mv)})
}

// getVoltage reads voltage from a channel in millivolts (opcode 0x12). The
// two channel groups use different raw-to-mV scaling factors.
func (t *transport) getVoltage(channel GetVoltageChannel) (uint32, error) {
	const op = "system.GetVoltage"
	if err := t.sendCmd([]byte{0x12, byte(channel)}); err != nil {
		return 0, err
	}
	data, err := t.getResponse(512)
	if err != nil {
		return 0, err
	}
	if len(data) != 3 || data[0] != 2 {
		return 0, newErr(op, KindInvalidResponse, "", nil)
	}
	raw := uint32(data[1])<<8 | uint32(data[2])

	switch channel {
	case ChanGetV1_2, ChanGetEVcc, ChanGetRefPlus, ChanGetRefMinus:
		// Each step is 5V/4096, ~1.22mV.
		return raw * 12207 / 10000, nil
	default:
		// Each step is 5V/1024, ~4.88mV.
		return raw * 48828 / 10000, nil
	}
}

// setLED sets the LED state (opcode 0x13).
func (t *transport) setLED(state LedState) error {
	return t.sendCmd([]byte{0x13, byte(state)})
}
