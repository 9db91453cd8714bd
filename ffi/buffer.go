package ffi

// DefaultBufferSize is the first buffer offered to a callee.
const DefaultBufferSize = 131072

// BufferFunc is a callee following the grow-and-retry convention.
type BufferFunc func(out []byte, outLen *int) int

// CallWithBuffer calls fn with a buffer of size bytes, retrying exactly once
// with the size fn asked for. It returns the filled part of the buffer and
// the final status code. A second size request is ErrBufferProtocol.
func CallWithBuffer(size int, fn BufferFunc) ([]byte, int, error) {
	out := make([]byte, max(size, 0))
	n := len(out)
	code := fn(out, &n)
	if code == CodeBufferTooSmall {
		if n <= len(out) {
			return nil, code, ErrBufferProtocol
		}
		out = make([]byte, n)
		code = fn(out, &n)
		if code == CodeBufferTooSmall {
			return nil, code, ErrBufferProtocol
		}
	}
	if code != CodeOK {
		return nil, code, nil
	}
	if n < 0 || n > len(out) {
		return nil, code, ErrBufferProtocol
	}
	return out[:n], code, nil
}

// WriteOutput copies data into out following the grow-and-retry convention.
func WriteOutput(out []byte, outLen *int, data []byte) int {
	*outLen = len(data)
	if len(data) > len(out) {
		return CodeBufferTooSmall
	}
	copy(out, data)
	return CodeOK
}
