package fs

import (
	"container/list"

	"riscvkern/defs"
	"riscvkern/iof"
)

// File is the filesystem's per-open-file I/O adapter (spec §4.6
// "open"): it carries an inode number and a cached size. FileSystem.Open
// wraps it in iof.Seekable so callers get ordinary positioned read/write
// instead of raw readat/writeat.
type File struct {
	iof.Base
	fsys     *FileSystem
	inodeNum int
	size     int
	elem     *list.Element
	closed   bool
}

func (f *File) ReadAt(pos int, buf []byte) (int, defs.Err_t) {
	return f.fsys.fileReadAt(f.inodeNum, pos, buf)
}

func (f *File) WriteAt(pos int, buf []byte) (int, defs.Err_t) {
	return f.fsys.fileWriteAt(f.inodeNum, pos, buf)
}

func (f *File) Cntl(cmd iof.Cmd, arg int) (int, defs.Err_t) {
	switch cmd {
	case iof.GETBLKSZ:
		return 1, 0
	case iof.GETEND:
		return f.size, 0
	case iof.SETEND:
		// The filesystem's write path never auto-extends (spec §9's
		// design note on the "write does not auto-extend" contract):
		// growth only happens through FileSystem.Extend.
		if arg > f.size {
			return 0, defs.EINVAL
		}
		f.size = arg
		return arg, 0
	default:
		return 0, defs.ENOTSUP
	}
}

func (f *File) Close() defs.Err_t {
	if f.closed {
		return 0
	}
	f.closed = true
	f.fsys.closeFile(f)
	return 0
}
