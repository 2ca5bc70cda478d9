package iof

import (
	"sync"

	"riscvkern/defs"
	"riscvkern/thread"
)

// pipeState is the ring buffer shared by a pipe's two endpoints (spec
// §4.4 "Pipe"). Modeled on circbuf.Circbuf_t's head/tail modular
// bookkeeping, but with two independent endpoint refcounts instead of a
// single owning daemon, and blocking implemented via kernel conditions
// instead of a caller-supplied page allocator.
type pipeState struct {
	mu sync.Mutex

	buf        [defs.PAGE_SIZE]byte
	head, tail uint16 // modular 16-bit arithmetic per spec §3 "Pipe"

	readerClosed bool
	writerClosed bool

	notEmpty *thread.Cond // broadcast when data becomes available or writer closes
	notFull  *thread.Cond // broadcast when space frees up or reader closes
}

func (s *pipeState) full() bool  { return s.tail-s.head == defs.PAGE_SIZE }
func (s *pipeState) empty() bool { return s.head == s.tail }
func (s *pipeState) used() int   { return int(s.tail - s.head) }
func (s *pipeState) left() int   { return defs.PAGE_SIZE - s.used() }

func (s *pipeState) write(data []byte) {
	for i := range data {
		s.buf[int(s.tail)%defs.PAGE_SIZE] = data[i]
		s.tail++
	}
}

func (s *pipeState) read(buf []byte) int {
	n := len(buf)
	if avail := s.used(); n > avail {
		n = avail
	}
	for i := 0; i < n; i++ {
		buf[i] = s.buf[int(s.head)%defs.PAGE_SIZE]
		s.head++
	}
	return n
}

// CreatePipe builds a bounded one-page pipe and returns its write and
// read endpoints, each starting with refcount 1 (spec's
// `create_pipe(&wio, &rio)`). kern supplies the blocking primitives, since
// this hosted kernel has no global scheduler singleton to reach for.
func CreatePipe(kern *thread.Kernel) (wio, rio IO) {
	s := &pipeState{
		notEmpty: kern.NewCond("pipe_not_empty"),
		notFull:  kern.NewCond("pipe_not_full"),
	}
	w := &pipeWriteIO{state: s}
	r := &pipeReadIO{state: s}
	w.Ref = NewRef(func() defs.Err_t {
		s.mu.Lock()
		s.writerClosed = true
		s.mu.Unlock()
		s.notEmpty.Broadcast()
		return 0
	})
	r.Ref = NewRef(func() defs.Err_t {
		s.mu.Lock()
		s.readerClosed = true
		s.mu.Unlock()
		s.notFull.Broadcast()
		return 0
	})
	return w, r
}

type pipeWriteIO struct {
	*Ref
	state *pipeState
}

// Write blocks while the ring is full, writing as space frees, until the
// whole (page-capped) buffer has been written (spec §4.4).
func (w *pipeWriteIO) Write(buf []byte) (int, defs.Err_t) {
	n := len(buf)
	if n > defs.PAGE_SIZE {
		n = defs.PAGE_SIZE
	}
	s := w.state
	written := 0
	s.mu.Lock()
	for written < n {
		if s.readerClosed || s.writerClosed {
			s.mu.Unlock()
			return written, defs.EPIPE
		}
		if s.full() {
			s.mu.Unlock()
			s.notFull.Wait()
			s.mu.Lock()
			continue
		}
		chunk := n - written
		if space := s.left(); chunk > space {
			chunk = space
		}
		s.write(buf[written : written+chunk])
		written += chunk
		s.mu.Unlock()
		s.notEmpty.Broadcast()
		s.mu.Lock()
	}
	s.mu.Unlock()
	return written, 0
}

func (w *pipeWriteIO) Read(buf []byte) (int, defs.Err_t)            { return 0, defs.ENOTSUP }
func (w *pipeWriteIO) ReadAt(pos int, buf []byte) (int, defs.Err_t) { return 0, defs.ENOTSUP }
func (w *pipeWriteIO) WriteAt(pos int, buf []byte) (int, defs.Err_t) {
	return 0, defs.ENOTSUP
}
func (w *pipeWriteIO) Cntl(cmd Cmd, arg int) (int, defs.Err_t) { return 0, defs.ENOTSUP }
func (w *pipeWriteIO) Close() defs.Err_t                       { return w.Ref.Close() }

type pipeReadIO struct {
	*Ref
	state *pipeState
}

// Read blocks on an empty buffer while the writer is alive; once the
// writer has closed and the buffer drains, it returns 0 (EOF).
func (r *pipeReadIO) Read(buf []byte) (int, defs.Err_t) {
	s := r.state
	s.mu.Lock()
	for {
		if r.Ref.Count() == 0 {
			s.mu.Unlock()
			return 0, defs.EPIPE
		}
		if !s.empty() {
			break
		}
		if s.writerClosed {
			s.mu.Unlock()
			return 0, 0
		}
		s.mu.Unlock()
		s.notEmpty.Wait()
		s.mu.Lock()
	}
	n := s.read(buf)
	s.mu.Unlock()
	s.notFull.Broadcast()
	return n, 0
}

func (r *pipeReadIO) Write(buf []byte) (int, defs.Err_t)            { return 0, defs.ENOTSUP }
func (r *pipeReadIO) ReadAt(pos int, buf []byte) (int, defs.Err_t) { return 0, defs.ENOTSUP }
func (r *pipeReadIO) WriteAt(pos int, buf []byte) (int, defs.Err_t) {
	return 0, defs.ENOTSUP
}
func (r *pipeReadIO) Cntl(cmd Cmd, arg int) (int, defs.Err_t) { return 0, defs.ENOTSUP }
func (r *pipeReadIO) Close() defs.Err_t                       { return r.Ref.Close() }
