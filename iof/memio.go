package iof

import (
	"sync"

	"riscvkern/defs"
)

// MemIO is a bounded in-memory byte region guarded by a mutex (spec
// §4.4). Only readat/writeat/cntl are supported; read/write are not.
type MemIO struct {
	Base
	mu   sync.Mutex
	buf  []byte // fixed backing storage; len(buf) is the original capacity
	size int    // current logical end, 0 <= size <= len(buf)
}

// NewMemIO allocates a MemIO with the given fixed capacity, initially
// fully addressable (size == capacity).
func NewMemIO(capacity int) *MemIO {
	return &MemIO{buf: make([]byte, capacity), size: capacity}
}

// NewMemIOFromBytes wraps an existing slice as a MemIO's backing storage
// and initial contents; capacity is fixed at len(data).
func NewMemIOFromBytes(data []byte) *MemIO {
	return &MemIO{buf: data, size: len(data)}
}

func (m *MemIO) ReadAt(pos int, buf []byte) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buf) == 0 {
		return 0, 0
	}
	if pos < 0 || pos > m.size {
		return 0, defs.EINVAL
	}
	n := len(buf)
	if avail := m.size - pos; n > avail {
		n = avail
	}
	copy(buf, m.buf[pos:pos+n])
	return n, 0
}

func (m *MemIO) WriteAt(pos int, buf []byte) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buf) == 0 {
		return 0, 0
	}
	if pos < 0 || pos > m.size {
		return 0, defs.EINVAL
	}
	n := len(buf)
	if avail := m.size - pos; n > avail {
		n = avail
	}
	copy(m.buf[pos:pos+n], buf[:n])
	return n, 0
}

func (m *MemIO) Cntl(cmd Cmd, arg int) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch cmd {
	case GETBLKSZ:
		return 1, 0
	case GETEND:
		return m.size, 0
	case SETEND:
		if arg < 0 || arg > len(m.buf) {
			return 0, defs.EINVAL
		}
		m.size = arg
		return arg, 0
	default:
		return 0, defs.ENOTSUP
	}
}
