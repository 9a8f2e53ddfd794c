package em100

import "fmt"

// SetChipType replays a chip's init program, switching the FPGA voltage
// rail first if the chip demands a personality the FPGA isn't currently
// running (spec §4.2 "Programming a chip").
func (d *Device) SetChipType(chip ChipDesc) error {
	const op = "program.SetChipType"

	d.mu.Lock()
	defer d.mu.Unlock()

	fpgaPersonalityMv := uint16(3300)
	if d.fpga&0x8000 != 0 {
		fpgaPersonalityMv = 1800
	}

	for _, entry := range chip.Init {
		if entry[0] != 0x11 || entry[1] != 0x04 {
			continue
		}
		chipMv := uint16(entry[2])<<8 | uint16(entry[3])

		var wantPersonality fpgaPersonality
		needSwitch := false
		switch {
		case (chipMv == 1601 || chipMv == 1800) && fpgaPersonalityMv == 3300:
			wantPersonality, needSwitch = personality1V8, true
		case chipMv == 3300 && fpgaPersonalityMv == 1800:
			wantPersonality, needSwitch = personality3V3, true
		}

		if needSwitch {
			ok, err := d.voltageSwitch(wantPersonality)
			if err != nil {
				return err
			}
			if !ok {
				return newErr(op, KindUnsupportedVoltage, fmt.Sprintf(
					"current FPGA firmware (%.1fV) does not support %s %s (%.1fV)",
					float64(fpgaPersonalityMv)/1000, chip.Vendor, chip.Name, float64(chipMv)/1000), nil)
			}
		}
		break
	}

	for _, entry := range chip.Init {
		if err := d.t.sendCmd(entry[:]); err != nil {
			return err
		}
	}

	if err := d.t.writeFPGARegister(0xc4, 0x01); err != nil {
		return err
	}
	if err := d.t.writeFPGARegister(0x10, 0x00); err != nil {
		return err
	}
	return d.t.writeFPGARegister(0x81, 0x00)
}

// voltageSwitch reconfigures the FPGA and selects the requested rail,
// waiting the mandatory 2s before any further USB traffic, then re-queries
// the version to confirm the switch took (spec §4.2 "Voltage switch").
func (d *Device) voltageSwitch(want fpgaPersonality) (bool, error) {
	if err := d.t.reconfigFPGA(); err != nil {
		return false, err
	}
	if err := d.t.selectVoltage(want); err != nil {
		return false, err
	}

	mcu, fpga, err := d.t.version()
	if err != nil {
		return false, err
	}
	d.mcu, d.fpga = mcu, fpga

	return personalityFromFPGAVersion(fpga) == want, nil
}
