package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"

	"em100/internal/config"
	"em100/internal/em100"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "info":
		err = runInfo(args)
	case "start":
		err = runEmulation(args, true)
	case "stop":
		err = runEmulation(args, false)
	case "set-chip":
		err = runSetChip(args)
	case "download":
		err = runDownload(args)
	case "upload":
		err = runUpload(args)
	case "address-mode":
		err = runAddressMode(args)
	case "hold":
		err = runHold(args)
	case "fw-update":
		err = runFwUpdate(args)
	case "fw-dump":
		err = runFwDump(args)
	case "set-serial":
		err = runSetSerial(args)
	case "trace":
		err = runTrace(args)
	case "trace-console":
		err = runTraceConsole(args)
	case "terminal":
		err = runTerminal(args)
	case "autocorrect":
		err = runAutocorrect(args)
	case "debug":
		err = runDebug(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "em100ctl: unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}

	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "em100ctl: %v\n", err)
	if kind, ok := em100.KindOf(err); ok {
		fmt.Fprintf(os.Stderr, "em100ctl: kind=%s\n", kind)
	}
	os.Exit(1)
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: em100ctl <command> [flags]

commands:
  info                       print identity, version and voltage info
  start                      start SPI-flash emulation
  stop                       stop SPI-flash emulation
  set-chip    -config FILE   load a chip-config (.dcfg) file into the emulator
  download    -file FILE [-addr N]   stream a file into emulated SDRAM
  upload      -file FILE -addr N -len N   read emulated SDRAM to a file
  address-mode -mode 3|4     switch the emulated flash addressing width
  hold        -state float|low|input   drive the target-side hold pin
  fw-update   -file FILE [-verify]   flash appliance firmware
  fw-dump     -file FILE [-wrap] [-v2] [-fpga-len N]   dump appliance firmware
  set-serial  -new-serial N  program a new serial number
  trace       [-mode 3|4] [-brief]   decode and print SPI bus trace records
  trace-console -offset N -len N     print page-program data written within an address window
  terminal    [-addr N]      decode hyper-terminal uFIFO messages
  autocorrect -file FILE -out FILE   patch an Intel Flash Descriptor SPI frequency
  debug                      dump voltage rails and FPGA register file

device selection (all commands but autocorrect): -bus N -dev N | -serial SERIAL (default: first device found)
`)
}

// deviceFlags registers the shared device-selection flags on fs and returns
// a thunk that opens the selected device once fs.Parse has run.
func deviceFlags(fs *flag.FlagSet) func() (*em100.Device, error) {
	bus := fs.Int("bus", 0, "USB bus number (with -dev)")
	addr := fs.Int("dev", 0, "USB device address (with -bus)")
	serial := fs.String("serial", "", "serial number, e.g. EM012345")
	settle := fs.Bool("settle-erase", false, "pause briefly after each internal-flash sector erase")

	return func() (*em100.Device, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		opts := em100.WithFlashOptions(em100.FlashOptions{
			SettleAfterSectorErase: *settle || cfg.SettleAfterSectorErase,
		})

		switch {
		case *bus != 0 || *addr != 0:
			return em100.OpenByBusAddr(*bus, *addr, opts)
		case *serial != "":
			n, err := parseSerial(*serial)
			if err != nil {
				return nil, err
			}
			return em100.OpenBySerial(n, opts)
		default:
			return em100.Open(opts)
		}
	}
}

func parseSerial(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "EM"), "DP")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid serial %q: %w", s, err)
	}
	return uint32(n), nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	open := deviceFlags(fs)
	fs.Parse(args)

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	info := d.Info()
	fmt.Printf("hardware:     %s\n", info.HwVersion)
	fmt.Printf("serial:       %s\n", info.Serial)
	fmt.Printf("mcu version:  %s\n", info.MCUVersion)
	fmt.Printf("fpga version: %s\n", info.FPGAVersion)
	fmt.Printf("fpga rail:    %dmV\n", info.FPGAVoltageMillivolts)

	running, err := d.EmulationState()
	if err != nil {
		return err
	}
	fmt.Printf("emulating:    %v\n", running)
	return nil
}

func runEmulation(args []string, run bool) error {
	fs := flag.NewFlagSet("emulation", flag.ExitOnError)
	open := deviceFlags(fs)
	fs.Parse(args)

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	return d.SetEmulationState(run)
}

func runSetChip(args []string) error {
	fs := flag.NewFlagSet("set-chip", flag.ExitOnError)
	open := deviceFlags(fs)
	configPath := fs.String("config", "", "path to a .dcfg chip-config file")
	fs.Parse(args)

	if *configPath == "" {
		return fmt.Errorf("set-chip: -config is required")
	}
	data, err := os.ReadFile(*configPath)
	if err != nil {
		return err
	}
	chip, err := em100.ParseDcfg(data)
	if err != nil {
		return err
	}

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	fmt.Printf("programming %s %s (%d bytes, %d init entries)\n", chip.Vendor, chip.Name, chip.Size, len(chip.Init))
	return d.SetChipType(chip)
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	open := deviceFlags(fs)
	file := fs.String("file", "", "file to stream into emulated SDRAM")
	address := fs.Uint("addr", 0, "SDRAM byte offset")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("download: -file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	bar := progressbar.DefaultBytes(int64(len(data)), "downloading")
	progress := func(done, total int) { bar.Set(done) }

	return d.WriteSDRAM(context.Background(), data, uint32(*address), progress)
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	open := deviceFlags(fs)
	file := fs.String("file", "", "file to write the read-back image to")
	address := fs.Uint("addr", 0, "SDRAM byte offset")
	length := fs.Uint("len", 0, "number of bytes to read")
	fs.Parse(args)

	if *file == "" || *length == 0 {
		return fmt.Errorf("upload: -file and -len are required")
	}

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	bar := progressbar.DefaultBytes(int64(*length), "uploading")
	progress := func(done, total int) { bar.Set(done) }

	data, err := d.ReadSDRAM(context.Background(), uint32(*address), int(*length), progress)
	if err != nil {
		return err
	}
	return os.WriteFile(*file, data, 0o644)
}

func runAddressMode(args []string) error {
	fs := flag.NewFlagSet("address-mode", flag.ExitOnError)
	open := deviceFlags(fs)
	mode := fs.Int("mode", 0, "3 or 4")
	fs.Parse(args)

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	return d.SetAddressMode(*mode)
}

func runHold(args []string) error {
	fs := flag.NewFlagSet("hold", flag.ExitOnError)
	open := deviceFlags(fs)
	state := fs.String("state", "", "float|low|input")
	fs.Parse(args)

	st, err := em100.ParseHoldPinState(*state)
	if err != nil {
		return err
	}

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	return d.SetHoldPinState(st)
}

func runFwUpdate(args []string) error {
	fs := flag.NewFlagSet("fw-update", flag.ExitOnError)
	open := deviceFlags(fs)
	file := fs.String("file", "", "firmware container file")
	verify := fs.Bool("verify", false, "read back every flash page and hard-fail on mismatch")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("fw-update: -file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	fw, err := em100.ParseFirmware(data)
	if err != nil {
		return err
	}

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	total := len(fw.FPGAImage) + len(fw.MCUImage)
	bar := progressbar.DefaultBytes(int64(total), "updating firmware")
	progress := func(done, total int) { bar.Set(done) }

	return d.UpdateFirmware(context.Background(), fw, *verify, progress)
}

func runFwDump(args []string) error {
	fs := flag.NewFlagSet("fw-dump", flag.ExitOnError)
	open := deviceFlags(fs)
	file := fs.String("file", "", "output file")
	wrap := fs.Bool("wrap", true, "wrap the dump in a firmware container")
	v2 := fs.Bool("v2", false, "tag the container as an EM100Pro-G2 image")
	fpgaLen := fs.Int("fpga-len", 0, "FPGA image length, required when -wrap is set")
	mcuVersion := fs.String("mcu-version", "", "MCU version string for the container header")
	fpgaVersion := fs.String("fpga-version", "", "FPGA version string for the container header")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("fw-dump: -file is required")
	}

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	bar := progressbar.DefaultBytes(int64(firmwareDumpSize), "dumping firmware")
	progress := func(done, total int) { bar.Set(done) }

	data, err := d.DumpFirmware(context.Background(), *wrap, *v2, *mcuVersion, *fpgaVersion, *fpgaLen, progress)
	if err != nil {
		return err
	}
	return os.WriteFile(*file, data, 0o644)
}

// firmwareDumpSize mirrors the size of the region em100's DumpFirmware
// reads (sectors 0 through 0x1e) so the progress bar has a total without
// exporting the constant purely for display purposes.
const firmwareDumpSize = 0x1f0000

func runSetSerial(args []string) error {
	fs := flag.NewFlagSet("set-serial", flag.ExitOnError)
	open := deviceFlags(fs)
	serial := fs.Uint("new-serial", 0, "new serial number")
	fs.Parse(args)

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	return d.SetSerialNumber(uint32(*serial))
}

func runTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	open := deviceFlags(fs)
	mode := fs.Int("mode", 3, "addressing mode the decoder starts in: 3 or 4")
	brief := fs.Bool("brief", false, "omit the data payload from each line")
	fs.Parse(args)

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.ResetSPITrace(); err != nil {
		return err
	}

	state := em100.NewTraceState(*mode)
	records, err := d.ReadSPITrace(context.Background(), state)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Println(em100.FormatTraceRecord(r, *brief, 0))
	}
	return nil
}

func runTraceConsole(args []string) error {
	fs := flag.NewFlagSet("trace-console", flag.ExitOnError)
	open := deviceFlags(fs)
	mode := fs.Int("mode", 3, "addressing mode the decoder starts in: 3 or 4")
	offset := fs.Uint("offset", 0, "window start address")
	length := fs.Uint("len", 0, "window length in bytes")
	fs.Parse(args)

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.ResetSPITrace(); err != nil {
		return err
	}

	state := em100.NewTraceState(*mode)
	out, err := d.ReadSPITraceConsole(context.Background(), state, uint32(*offset), uint32(*length))
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	return nil
}

func runTerminal(args []string) error {
	fs := flag.NewFlagSet("terminal", flag.ExitOnError)
	open := deviceFlags(fs)
	addr := fs.Uint("addr", 0, "uFIFO read address")
	fs.Parse(args)

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.InitSPITerminal(); err != nil {
		return err
	}
	msgs, err := d.ReadUFIFO(uint8(*addr))
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Println(em100.FormatHTMessage(m))
	}
	return nil
}

func runAutocorrect(args []string) error {
	fs := flag.NewFlagSet("autocorrect", flag.ExitOnError)
	file := fs.String("file", "", "input flash image")
	out := fs.String("out", "", "output path (default: overwrite -file)")
	hwFlag := fs.String("hw", "em100pro", "target hardware: em100pro or g2")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("autocorrect: -file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	hw := em100.HwEm100Pro
	if *hwFlag == "g2" {
		hw = em100.HwEm100ProG2
	}

	changed, err := em100.AutocorrectImage(hw, data)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Println("no Intel Flash Descriptor found; image left unchanged")
		return nil
	}

	dest := *out
	if dest == "" {
		dest = *file
	}
	return os.WriteFile(dest, data, 0o644)
}

func runDebug(args []string) error {
	fs := flag.NewFlagSet("debug", flag.ExitOnError)
	open := deviceFlags(fs)
	fs.Parse(args)

	d, err := open()
	if err != nil {
		return err
	}
	defer d.Close()

	snap, err := d.DebugSnapshot()
	if err != nil {
		return err
	}

	v := snap.Voltages
	fmt.Printf("1.2V=%dmV  eVcc=%dmV  ref+=%dmV  ref-=%dmV\n", v.V1_2, v.EVcc, v.RefPlus, v.RefMinus)
	fmt.Printf("bufVcc=%dmV  trigVcc=%dmV  rstVcc=%dmV\n", v.BufferVcc, v.TrigVcc, v.RstVcc)
	fmt.Printf("3.3V=%dmV  buf3.3V=%dmV  5V=%dmV\n", v.V3_3, v.BufferV3_3, v.V5)

	for i, reg := range snap.FPGARegisters {
		if reg == 0 {
			continue
		}
		fmt.Printf("reg[0x%02x] = 0x%04x\n", i*2, reg)
	}
	return nil
}
