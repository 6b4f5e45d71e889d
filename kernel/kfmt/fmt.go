// Package kfmt implements the kernel's diagnostic output: an allocation-free
// Printf that buffers early output until a console sink is attached, and the
// Panic routine that reports an unrecoverable error and halts the CPU.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is large enough to hold a 64-bit value in base 8 plus a sign.
const numBufSize = 32

var (
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errBadVerb      = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = []byte("0123456789abcdef")

	numBuf [numBufSize]byte

	// oneByte is a shared scratch buffer for emitting single characters.
	// Slicing the format string would allocate.
	oneByte = []byte{0}

	// earlyBuf captures output written before SetOutputSink is called.
	earlyBuf ringBuffer

	// outputSink receives Printf output. A nil sink redirects output to
	// earlyBuf.
	outputSink io.Writer
)

// SetOutputSink redirects Printf output to w and replays any output that was
// buffered while no sink was attached.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyBuf)
	}
}

// GetOutputSink returns the currently attached output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf writes formatted output to the active sink. It supports a minimal
// subset of the fmt verbs:
//
//	%s  string or []byte
//	%d  base-10 integer, left-padded with spaces
//	%x  base-16 integer, left-padded with zeroes
//	%o  base-8 integer, left-padded with zeroes
//	%t  bool
//	%%  literal percent sign
//
// An optional decimal width may precede the verb. Printf never allocates so
// it can be used before the Go allocator is available.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			write(w, errBadVerb)
			break
		}

		verb := format[i]
		if verb == '%' {
			writeByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		default:
			write(w, errBadVerb)
			continue
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		write(w, errWrongArgType)
	case b:
		write(w, trueValue)
	default:
		write(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		pad(w, ' ', width-len(s))
		write(w, s)
	default:
		write(w, errWrongArgType)
	}
}

// fmtInt renders v in the requested base. Signed and unsigned built-in
// integer types (including uintptr) are supported.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		val      uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		val = uint64(n)
	case uint16:
		val = uint64(n)
	case uint32:
		val = uint64(n)
	case uint64:
		val = n
	case uint:
		val = uint64(n)
	case uintptr:
		val = uint64(n)
	case int8:
		val, negative = abs(int64(n))
	case int16:
		val, negative = abs(int64(n))
	case int32:
		val, negative = abs(int64(n))
	case int64:
		val, negative = abs(n)
	case int:
		val, negative = abs(int64(n))
	default:
		write(w, errWrongArgType)
		return
	}

	// digits are rendered right-to-left into numBuf
	end := numBufSize
	start := end
	for {
		start--
		numBuf[start] = hexDigits[val%base]
		val /= base
		if val == 0 {
			break
		}
	}

	if width > numBufSize-1 {
		width = numBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	if negative && padCh == ' ' {
		start--
		numBuf[start] = '-'
	}

	digits := end - start
	if negative && padCh == '0' {
		digits++
	}

	for ; digits < width; digits++ {
		start--
		numBuf[start] = padCh
	}

	if negative && padCh == '0' {
		start--
		numBuf[start] = '-'
	}

	write(w, numBuf[start:end])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, b byte) {
	oneByte[0] = b
	write(w, oneByte)
}

// write hides p from escape analysis. Passing p straight to the unknown
// io.Writer makes the compiler move every Printf argument to the heap, which
// crashes the kernel before the allocator is up.
func write(w io.Writer, p []byte) {
	realWrite(w, noEscape(unsafe.Pointer(&p)))
}

func realWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
		return
	}
	_, _ = earlyBuf.Write(p)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
