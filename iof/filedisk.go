package iof

import (
	"os"

	"golang.org/x/sys/unix"

	"riscvkern/defs"
)

// FileDisk backs the block cache (spec §4.5) with an ordinary host file,
// standing in for the teacher's AHCI disk driver. Grounded on
// ufs/driver.go's ahci_disk_t, but reading/writing via unix.Pread/Pwrite
// instead of a Seek-then-Read/Write pair guarded by a lock: the original
// comments its own seek+read as "a lock to ensure seek followed by
// read/write is atomic" — Pread/Pwrite make that lock unnecessary since
// the position is part of the syscall itself.
type FileDisk struct {
	Base
	f *os.File
}

// OpenFileDisk opens an existing image file for block I/O.
func OpenFileDisk(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &FileDisk{f: f}, nil
}

func (d *FileDisk) ReadAt(pos int, buf []byte) (int, defs.Err_t) {
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(pos))
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

func (d *FileDisk) WriteAt(pos int, buf []byte) (int, defs.Err_t) {
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(pos))
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

func (d *FileDisk) Cntl(cmd Cmd, arg int) (int, defs.Err_t) {
	if cmd != GETBLKSZ {
		return 0, defs.ENOTSUP
	}
	return 1, 0
}

func (d *FileDisk) Close() defs.Err_t {
	if err := d.f.Close(); err != nil {
		return defs.EIO
	}
	return 0
}
