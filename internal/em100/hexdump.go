package em100

import (
	"fmt"
	"strings"
)

// HexDump renders data as a classic hex/ASCII dump. A run of identical
// all-zero or all-0xff lines prints its first line normally, its second
// line as a single "..." marker, and suppresses every further line in that
// run entirely (spec component N, grounded on
// _examples/original_source/src/hexdump.rs).
func HexDump(data []byte) string {
	var b strings.Builder

	allZero := 0
	allOne := 0

	for addr := 0; addr < len(data); addr += 16 {
		end := addr + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[addr:end]

		allZero++
		allOne++

		zero, one := true, true
		for _, c := range line {
			if c != 0x00 {
				zero = false
			}
			if c != 0xff {
				one = false
			}
		}
		if !zero {
			allZero = 0
		}
		if !one {
			allOne = 0
		}

		switch {
		case allZero < 2 && allOne < 2:
			fmt.Fprintf(&b, "%08x:", addr)
			for i := 0; i < 16; i++ {
				if addr+i < len(data) {
					fmt.Fprintf(&b, " %02x", data[addr+i])
				} else {
					b.WriteString("   ")
				}
			}
			b.WriteString("  ")
			for i := 0; i < 16; i++ {
				if addr+i >= len(data) {
					continue
				}
				c := data[addr+i]
				if (c >= 0x21 && c < 0x7f) || c == ' ' {
					b.WriteByte(c)
				} else {
					b.WriteByte('.')
				}
			}
			b.WriteByte('\n')
		case allZero == 2 || allOne == 2:
			b.WriteString("...\n")
		}
	}

	return b.String()
}
