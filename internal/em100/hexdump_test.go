package em100

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexDumpBasicLine(t *testing.T) {
	data := []byte("Hello, World!!!!")
	out := HexDump(data)
	assert.Contains(t, out, "00000000:")
	assert.Contains(t, out, "48 65 6c 6c 6f")
	assert.Contains(t, out, "Hello, World!!!!")
}

func TestHexDumpCollapsesBlankRuns(t *testing.T) {
	data := make([]byte, 16*5)
	out := HexDump(data)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	// The first all-zero line prints verbatim, the second collapses to
	// "...", and the remaining three produce no output at all.
	assert.Equal(t, 2, len(lines))
	assert.Contains(t, lines[1], "...")
}

func TestHexDumpNonPrintableBecomesDot(t *testing.T) {
	data := []byte{0x01, 'A', 0x02}
	out := HexDump(data)
	assert.Contains(t, out, "01 41 02")
	assert.Contains(t, out, ".A.")
}
