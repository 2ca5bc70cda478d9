package iof

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"riscvkern/defs"
)

// Refcounted is implemented by IO variants that track outstanding
// handles (currently the pipe endpoints). FdTable.Dup bumps it when
// present so a second fd sharing the same object participates in that
// object's close-at-zero lifetime.
type Refcounted interface {
	Addref()
}

type fdEntry struct {
	io    IO
	perms int
}

// FdTable is a process's fd table (spec §6), capped at
// defs.PROCESS_IOMAX. The capacity gate is a semaphore.Weighted rather
// than a hand-rolled counter: TryAcquire gives the atomic
// check-and-reserve §7's EMFILE rejection needs, grounded in fd.Fd_t's
// shape (fd/fd.go) though biscuit itself has no fd-table capacity gate
// of its own to crib from.
type FdTable struct {
	mu    sync.Mutex
	sem   *semaphore.Weighted
	slots []fdEntry
}

// NewFdTable builds an empty fd table.
func NewFdTable() *FdTable {
	return &FdTable{
		sem:   semaphore.NewWeighted(defs.PROCESS_IOMAX),
		slots: make([]fdEntry, defs.PROCESS_IOMAX),
	}
}

// Insert installs io at hint (or the first free slot if hint is
// defs.FdHintAny), consuming one unit of table capacity.
func (t *FdTable) Insert(io IO, perms int, hint int) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := -1
	if hint != defs.FdHintAny {
		if hint < 0 || hint >= len(t.slots) {
			return 0, defs.EBADFD
		}
		if t.slots[hint].io != nil {
			return 0, defs.EMFILE
		}
		fd = hint
	} else {
		for i := range t.slots {
			if t.slots[i].io == nil {
				fd = i
				break
			}
		}
		if fd == -1 {
			return 0, defs.EMFILE
		}
	}
	if !t.sem.TryAcquire(1) {
		return 0, defs.EMFILE
	}
	t.slots[fd] = fdEntry{io: io, perms: perms}
	return fd, 0
}

// Get returns the I/O object and permission bits installed at fd.
func (t *FdTable) Get(fd int) (IO, int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].io == nil {
		return nil, 0, defs.EBADFD
	}
	return t.slots[fd].io, t.slots[fd].perms, 0
}

// Close releases fd's slot and invokes the underlying object's Close.
func (t *FdTable) Close(fd int) defs.Err_t {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].io == nil {
		t.mu.Unlock()
		return defs.EBADFD
	}
	io := t.slots[fd].io
	t.slots[fd] = fdEntry{}
	t.sem.Release(1)
	t.mu.Unlock()
	return io.Close()
}

// Dup installs oldfd's I/O object at a new slot (hint, or first free),
// bumping its refcount if it tracks one (spec "iodup").
func (t *FdTable) Dup(oldfd, hint int) (int, defs.Err_t) {
	t.mu.Lock()
	if oldfd < 0 || oldfd >= len(t.slots) || t.slots[oldfd].io == nil {
		t.mu.Unlock()
		return 0, defs.EBADFD
	}
	io := t.slots[oldfd].io
	perms := t.slots[oldfd].perms
	t.mu.Unlock()

	fd, err := t.Insert(io, perms, hint)
	if err != 0 {
		return 0, err
	}
	if rc, ok := io.(Refcounted); ok {
		rc.Addref()
	}
	return fd, 0
}
