// Package fs implements the "KT" on-disk filesystem (spec §4.6): a flat
// root directory over a superblock + bitmap + inode-table + data-block
// layout, addressed through direct/indirect/double-indirect pointers,
// layered on top of the block cache.
//
// Grounded on biscuit's fs/super.go for the idea of a packed-field
// on-disk superblock, but replaces its fieldr/fieldw word-index helpers
// (absent from the retrieval pack beyond their call sites) with
// encoding/binary.LittleEndian struct (de)serialization, the idiomatic
// Go way to do fixed little-endian packing (SPEC_FULL §11).
package fs

import (
	"encoding/binary"

	"riscvkern/cache"
)

// BlockSize is the filesystem's block size (spec §3); it is the same
// constant the cache package exports, re-declared here so fs's public
// API does not force callers to import cache just to compute offsets.
const BlockSize = cache.BlockSize

const (
	pointerSize       = 4
	pointersPerBlock  = BlockSize / pointerSize // 128
	inodeSize         = 32
	inodesPerBlock    = BlockSize / inodeSize // 16
	dentrySize        = 16
	dentriesPerBlock  = BlockSize / dentrySize // 32
	maxNameLen        = 13                     // 14-byte field, NUL-terminated
	directBlockCount  = 3
	superblockPayload = 14 // block_count + bitmap_block_count + inode_block_count + root_directory_inode

	// maxBlocksPerFile = 3 + 128 + 2*128*128 = 32899 (spec §3).
	maxBlocksPerFile = directBlockCount + pointersPerBlock + 2*pointersPerBlock*pointersPerBlock
)

// superblock is the in-memory decoding of block 0's first 14 bytes.
type superblock struct {
	blockCount       uint32
	bitmapBlockCount uint32
	inodeBlockCount  uint32
	rootDirInode     uint16
}

func (sb *superblock) marshal() []byte {
	buf := make([]byte, superblockPayload)
	binary.LittleEndian.PutUint32(buf[0:4], sb.blockCount)
	binary.LittleEndian.PutUint32(buf[4:8], sb.bitmapBlockCount)
	binary.LittleEndian.PutUint32(buf[8:12], sb.inodeBlockCount)
	binary.LittleEndian.PutUint16(buf[12:14], sb.rootDirInode)
	return buf
}

func unmarshalSuperblock(buf []byte) superblock {
	return superblock{
		blockCount:       binary.LittleEndian.Uint32(buf[0:4]),
		bitmapBlockCount: binary.LittleEndian.Uint32(buf[4:8]),
		inodeBlockCount:  binary.LittleEndian.Uint32(buf[8:12]),
		rootDirInode:     binary.LittleEndian.Uint16(buf[12:14]),
	}
}

// onDiskInode is the packed 32-byte on-disk inode record (spec §6):
// size:u32, flags:u32, block[3]:u32, indirect:u32, dindirect[2]:u32.
type onDiskInode struct {
	size      uint32
	flags     uint32
	block     [directBlockCount]uint32
	indirect  uint32
	dindirect [2]uint32
}

func (ino *onDiskInode) marshal() []byte {
	buf := make([]byte, inodeSize)
	binary.LittleEndian.PutUint32(buf[0:4], ino.size)
	binary.LittleEndian.PutUint32(buf[4:8], ino.flags)
	for i, b := range ino.block {
		off := 8 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], b)
	}
	binary.LittleEndian.PutUint32(buf[20:24], ino.indirect)
	binary.LittleEndian.PutUint32(buf[24:28], ino.dindirect[0])
	binary.LittleEndian.PutUint32(buf[28:32], ino.dindirect[1])
	return buf
}

func unmarshalInode(buf []byte) onDiskInode {
	var ino onDiskInode
	ino.size = binary.LittleEndian.Uint32(buf[0:4])
	ino.flags = binary.LittleEndian.Uint32(buf[4:8])
	for i := range ino.block {
		off := 8 + i*4
		ino.block[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	ino.indirect = binary.LittleEndian.Uint32(buf[20:24])
	ino.dindirect[0] = binary.LittleEndian.Uint32(buf[24:28])
	ino.dindirect[1] = binary.LittleEndian.Uint32(buf[28:32])
	return ino
}

// dentry is the packed 16-byte directory entry: inode:u16, name[14].
type dentry struct {
	inode uint16
	name  [maxNameLen + 1]byte
}

func (d *dentry) marshal() []byte {
	buf := make([]byte, dentrySize)
	binary.LittleEndian.PutUint16(buf[0:2], d.inode)
	copy(buf[2:], d.name[:])
	return buf
}

func unmarshalDentry(buf []byte) dentry {
	var d dentry
	d.inode = binary.LittleEndian.Uint16(buf[0:2])
	copy(d.name[:], buf[2:dentrySize])
	return d
}

func (d *dentry) nameString() string {
	for i, b := range d.name {
		if b == 0 {
			return string(d.name[:i])
		}
	}
	return string(d.name[:])
}

func makeName(name string) ([maxNameLen + 1]byte, bool) {
	var out [maxNameLen + 1]byte
	if len(name) > maxNameLen {
		return out, false
	}
	copy(out[:], name)
	return out, true
}
