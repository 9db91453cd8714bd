package ffi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sized answers with data, asking for a bigger buffer when needed.
func sized(data []byte, calls *int) BufferFunc {
	return func(out []byte, outLen *int) int {
		*calls++
		return WriteOutput(out, outLen, data)
	}
}

func TestCallWithBufferFits(t *testing.T) {
	var calls int
	out, code, err := CallWithBuffer(16, sized([]byte("hello"), &calls))
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)
	assert.Equal(t, []byte("hello"), out)
	assert.Equal(t, 1, calls)
}

func TestCallWithBufferGrowsOnce(t *testing.T) {
	var calls, seen int
	data := make([]byte, 1000)
	data[999] = 7

	out, code, err := CallWithBuffer(10, func(out []byte, outLen *int) int {
		seen = len(out)
		return sized(data, &calls)(out, outLen)
	})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)
	assert.Equal(t, data, out)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1000, seen, "retry uses exactly the requested size")
}

func TestCallWithBufferSecondSizeSignal(t *testing.T) {
	var calls int
	grow := func(out []byte, outLen *int) int {
		calls++
		*outLen = len(out) + 1
		return CodeBufferTooSmall
	}
	_, _, err := CallWithBuffer(4, grow)
	assert.ErrorIs(t, err, ErrBufferProtocol)
	assert.Equal(t, 2, calls)
}

func TestCallWithBufferNonGrowingSizeSignal(t *testing.T) {
	_, _, err := CallWithBuffer(8, func(out []byte, outLen *int) int {
		*outLen = 4
		return CodeBufferTooSmall
	})
	assert.ErrorIs(t, err, ErrBufferProtocol)
}

func TestCallWithBufferPassesErrorCodes(t *testing.T) {
	out, code, err := CallWithBuffer(8, func([]byte, *int) int { return CodeCallbackError })
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, CodeCallbackError, code)
}

func TestWriteOutput(t *testing.T) {
	n := 0
	assert.Equal(t, CodeBufferTooSmall, WriteOutput(make([]byte, 2), &n, []byte("abc")))
	assert.Equal(t, 3, n)

	buf := make([]byte, 3)
	assert.Equal(t, CodeOK, WriteOutput(buf, &n, []byte("abc")))
	assert.Equal(t, "abc", string(buf[:n]))
}
