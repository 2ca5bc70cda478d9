package iof

import (
	"riscvkern/defs"
	"riscvkern/util"
)

// Seekable composes a pos/end/blksz contract over any backing I/O object
// that supports readat/writeat (spec §4.4 "Seekable wrapper"). Used by
// the filesystem's open() to give a file a position, and in principle by
// any other readat/writeat-capable backing.
type Seekable struct {
	backing IO
	pos     int
	end     int
	blksz   int
}

// NewSeekable wraps backing, fetching its block size once (must be a
// power of two) and its current end.
func NewSeekable(backing IO) (*Seekable, defs.Err_t) {
	blksz, err := backing.Cntl(GETBLKSZ, 0)
	if err != 0 {
		return nil, err
	}
	if !util.IsPow2(blksz) {
		panic("iof: backing block size is not a power of two")
	}
	end, err := backing.Cntl(GETEND, 0)
	if err != 0 {
		return nil, err
	}
	return &Seekable{backing: backing, blksz: blksz, end: end}, 0
}

func (s *Seekable) Read(buf []byte) (int, defs.Err_t) {
	n := len(buf)
	if avail := s.end - s.pos; n > avail {
		n = avail
	}
	if n > 0 && n < s.blksz {
		return 0, defs.EINVAL
	}
	n = util.Rounddown(n, s.blksz)
	if n == 0 {
		return 0, 0
	}
	got, err := s.backing.ReadAt(s.pos, buf[:n])
	if err != 0 {
		return got, err
	}
	s.pos += got
	return got, 0
}

func (s *Seekable) Write(buf []byte) (int, defs.Err_t) {
	n := util.Rounddown(len(buf), s.blksz)
	if n == 0 {
		return 0, 0
	}
	if s.pos+n > s.end {
		if _, err := s.backing.Cntl(SETEND, s.pos+n); err != 0 {
			return 0, err
		}
		s.end = s.pos + n
	}
	wrote, err := s.backing.WriteAt(s.pos, buf[:n])
	if err != 0 {
		return wrote, err
	}
	s.pos += wrote
	return wrote, 0
}

// ReadAt/WriteAt pass through to the backing object without touching pos.
func (s *Seekable) ReadAt(pos int, buf []byte) (int, defs.Err_t) {
	return s.backing.ReadAt(pos, buf)
}
func (s *Seekable) WriteAt(pos int, buf []byte) (int, defs.Err_t) {
	return s.backing.WriteAt(pos, buf)
}

func (s *Seekable) Cntl(cmd Cmd, arg int) (int, defs.Err_t) {
	switch cmd {
	case GETBLKSZ:
		return s.blksz, 0
	case GETEND:
		return s.end, 0
	case SETEND:
		if _, err := s.backing.Cntl(SETEND, arg); err != 0 {
			return 0, err
		}
		s.end = arg
		return arg, 0
	case GETPOS:
		return s.pos, 0
	case SETPOS:
		if arg%s.blksz != 0 || arg > s.end {
			return 0, defs.EINVAL
		}
		s.pos = arg
		return arg, 0
	default:
		return 0, defs.ENOTSUP
	}
}

// Close closes the backing object.
func (s *Seekable) Close() defs.Err_t {
	return s.backing.Close()
}
