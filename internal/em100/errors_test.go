package em100

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	err := newErr("spiflash.Erase", KindTimeout, "deadline", nil)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestShortTransferErrCarriesTotals(t *testing.T) {
	err := shortTransferErr("sdram.Write", 100, 200)
	assert.True(t, errors.Is(err, ErrShortTransfer))

	var e *Error
	require := func(ok bool) {
		if !ok {
			t.Fatal("expected *Error")
		}
	}
	require(errors.As(err, &e))
	assert.Equal(t, 100, e.Done)
	assert.Equal(t, 200, e.Total)
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(newErr("x", KindInvalidArgument, "", nil))
	assert.True(t, ok)
	assert.Equal(t, KindInvalidArgument, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
