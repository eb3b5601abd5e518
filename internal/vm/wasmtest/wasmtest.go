// Package wasmtest assembles tiny WASI command modules for tests, so the
// machine and the sandbox can be exercised without a real interpreter.
//
// Every module imports fd_write and proc_exit, exports "memory" and
// "_start", and defines a no-op function that spinning loops call so the
// call budget applies to them.
package wasmtest

import "encoding/binary"

const (
	funcFdWrite  = 0
	funcProcExit = 1
	funcStart    = 2
	funcNop      = 3

	scratchSize = 8 // nwritten out-parameter at offset 0
)

// Program is a sequence of operations compiled into _start.
type Program struct {
	code []byte
	data []byte
}

// New returns an empty program.
func New() *Program {
	return &Program{data: make([]byte, scratchSize)}
}

// Write emits fd_write(fd, msg).
func (p *Program) Write(fd uint32, msg string) *Program {
	iov := uint32(len(p.data))
	var rec [8]byte
	binary.LittleEndian.PutUint32(rec[0:], iov+8)
	binary.LittleEndian.PutUint32(rec[4:], uint32(len(msg)))
	p.data = append(p.data, rec[:]...)
	p.data = append(p.data, msg...)

	p.i32(int64(fd))
	p.i32(int64(iov))
	p.i32(1)
	p.i32(0)
	p.call(funcFdWrite)
	p.code = append(p.code, 0x1a) // drop
	return p
}

// Exit emits proc_exit(code).
func (p *Program) Exit(code uint32) *Program {
	p.i32(int64(int32(code)))
	p.call(funcProcExit)
	return p
}

// Spin loops forever, calling the no-op function on every iteration.
func (p *Program) Spin() *Program {
	p.code = append(p.code, 0x03, 0x40) // loop
	p.call(funcNop)
	p.code = append(p.code, 0x0c, 0x00, 0x0b) // br 0; end
	return p
}

// SpinNoCalls loops forever without calling anything.
func (p *Program) SpinNoCalls() *Program {
	p.code = append(p.code, 0x03, 0x40, 0x0c, 0x00, 0x0b)
	return p
}

// Trap executes unreachable.
func (p *Program) Trap() *Program {
	p.code = append(p.code, 0x00)
	return p
}

func (p *Program) i32(v int64) {
	p.code = append(p.code, 0x41)
	p.code = appendSleb(p.code, v)
}

func (p *Program) call(idx uint32) {
	p.code = append(p.code, 0x10)
	p.code = appendUleb(p.code, idx)
}

// Bytes encodes the module.
func (p *Program) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	i32 := byte(0x7f)
	types := vec(
		append([]byte{0x60}, append(vec([]byte{i32}, []byte{i32}, []byte{i32}, []byte{i32}), vec([]byte{i32})...)...),
		append([]byte{0x60}, append(vec([]byte{i32}), vec()...)...),
		append([]byte{0x60}, append(vec(), vec()...)...),
	)
	out = section(out, 1, types)

	imports := vec(
		importFunc("wasi_snapshot_preview1", "fd_write", 0),
		importFunc("wasi_snapshot_preview1", "proc_exit", 1),
	)
	out = section(out, 2, imports)

	out = section(out, 3, vec([]byte{2}, []byte{2}))

	pages := uint32(len(p.data)/65536 + 1)
	out = section(out, 5, vec(append([]byte{0x00}, appendUleb(nil, pages)...)))

	exports := vec(
		append(name("memory"), 0x02, 0x00),
		append(name("_start"), append([]byte{0x00}, appendUleb(nil, funcStart)...)...),
	)
	out = section(out, 7, exports)

	start := append([]byte{0x00}, p.code...) // no locals
	start = append(start, 0x0b)
	nop := []byte{0x00, 0x01, 0x0b}
	out = section(out, 10, vec(sized(start), sized(nop)))

	segment := []byte{0x00, 0x41, 0x00, 0x0b}
	segment = append(segment, appendUleb(nil, uint32(len(p.data)))...)
	segment = append(segment, p.data...)
	out = section(out, 11, vec(segment))

	return out
}

// Hello prints "hi\n" and returns normally.
func Hello() []byte { return New().Write(1, "hi\n").Bytes() }

// Spin loops forever making calls.
func Spin() []byte { return New().Spin().Bytes() }

// SpinNoCalls loops forever without calls.
func SpinNoCalls() []byte { return New().SpinNoCalls().Bytes() }

// WriteThenSpin prints msg to stdout, then spins.
func WriteThenSpin(msg string) []byte { return New().Write(1, msg).Spin().Bytes() }

// Exit terminates with code.
func Exit(code uint32) []byte { return New().Exit(code).Bytes() }

// Trap hits unreachable.
func Trap() []byte { return New().Trap().Bytes() }

func importFunc(module, field string, typeIdx uint32) []byte {
	b := append(name(module), name(field)...)
	b = append(b, 0x00)
	return appendUleb(b, typeIdx)
}

func name(s string) []byte {
	return append(appendUleb(nil, uint32(len(s))), s...)
}

func sized(b []byte) []byte {
	return append(appendUleb(nil, uint32(len(b))), b...)
}

func vec(items ...[]byte) []byte {
	out := appendUleb(nil, uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = appendUleb(out, uint32(len(body)))
	return append(out, body...)
}

func appendUleb(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendSleb(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}
