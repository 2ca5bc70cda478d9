package iof

import "riscvkern/defs"

// NullIO discards writes and yields no data, like /dev/null (spec §4.4).
type NullIO struct {
	Base
}

// NewNullIO creates a null I/O object.
func NewNullIO() *NullIO { return &NullIO{} }

func (n *NullIO) Read(buf []byte) (int, defs.Err_t)  { return 0, 0 }
func (n *NullIO) Write(buf []byte) (int, defs.Err_t) { return 0, 0 }
