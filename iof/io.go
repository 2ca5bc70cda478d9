// Package iof implements the I/O Object Framework (IOF, spec §4.4): a
// single polymorphic byte-stream abstraction shared by devices, files,
// memory regions, and pipes, with a common vtable-shaped interface and
// ref-counted lifetime.
//
// Grounded on biscuit's fd/fdops split (fd.Fd_t wraps an fdops.Fdops_i
// vtable reference, spec §9's "opaque pointer polymorphism via vtable
// structs" note) but expressed as a closed Go interface plus an embeddable
// Base that answers ENOTSUP for every operation a concrete variant doesn't
// override, instead of biscuit's per-type method stubs.
package iof

import (
	"sync"

	"riscvkern/defs"
)

// Cmd enumerates the cntl control commands (spec §4.4).
type Cmd int

const (
	GETBLKSZ Cmd = iota /// block size, default 1
	GETEND              /// current end/size
	SETEND              /// grow or shrink end/size
	GETPOS              /// current position (seekable wrapper only)
	SETPOS              /// set position (seekable wrapper only)
)

// IO is the operation set every byte-stream object presents. A concrete
// variant that doesn't support an operation embeds Base, which answers
// ENOTSUP for it (spec: "any subset may be absent").
type IO interface {
	Read(buf []byte) (int, defs.Err_t)
	Write(buf []byte) (int, defs.Err_t)
	ReadAt(pos int, buf []byte) (int, defs.Err_t)
	WriteAt(pos int, buf []byte) (int, defs.Err_t)
	Cntl(cmd Cmd, arg int) (int, defs.Err_t)
	Close() defs.Err_t
}

// Base answers ENOTSUP for every IO operation. Concrete variants embed it
// and override only the operations spec §4.4 lists for them.
type Base struct{}

func (Base) Read(buf []byte) (int, defs.Err_t)            { return 0, defs.ENOTSUP }
func (Base) Write(buf []byte) (int, defs.Err_t)           { return 0, defs.ENOTSUP }
func (Base) ReadAt(pos int, buf []byte) (int, defs.Err_t) { return 0, defs.ENOTSUP }
func (Base) WriteAt(pos int, buf []byte) (int, defs.Err_t) {
	return 0, defs.ENOTSUP
}
func (Base) Cntl(cmd Cmd, arg int) (int, defs.Err_t) { return 0, defs.ENOTSUP }
func (Base) Close() defs.Err_t                       { return 0 }

// Ref is an embeddable reference count (spec §4.4: "reference count =
// number of outstanding handles; close decrements and invokes the vtable
// close at zero"). No example repo in the pack carries a standalone
// refcount primitive outside a GC'd object's own fields, so this is built
// directly on sync.Mutex rather than an ecosystem library.
type Ref struct {
	mu     sync.Mutex
	count  int
	closer func() defs.Err_t
}

// NewRef creates a reference count starting at one, invoking closer the
// moment the count reaches zero.
func NewRef(closer func() defs.Err_t) *Ref {
	return &Ref{count: 1, closer: closer}
}

// Addref increments the outstanding-handle count.
func (r *Ref) Addref() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

// Close decrements the count and invokes closer exactly once, when the
// count first reaches zero.
func (r *Ref) Close() defs.Err_t {
	r.mu.Lock()
	r.count--
	n := r.count
	r.mu.Unlock()
	if n != 0 {
		return 0
	}
	return r.closer()
}

// Count reports the current outstanding-handle count (observable per
// spec §4.4: "zero refcount is observable to implementations").
func (r *Ref) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
