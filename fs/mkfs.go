package fs

import (
	"riscvkern/defs"
	"riscvkern/iof"
)

// InodeBlocksNeeded returns how many inode-table blocks hold count
// inodes; an mkfs sizing helper (spec §6 "mkfs tool").
func InodeBlocksNeeded(count int) int {
	return (count + inodesPerBlock - 1) / inodesPerBlock
}

// BitmapBlocksNeeded returns how many bitmap blocks are needed to
// address count data blocks.
func BitmapBlocksNeeded(count int) int {
	bitsPerBlock := BlockSize * 8
	return (count + bitsPerBlock - 1) / bitsPerBlock
}

// InitImage formats backing as a fresh, empty KT filesystem image: the
// superblock is written to block 0; the data bitmap and inode table are
// left as backing already holds them (zero-filled, meaning every data
// block is free and every inode's size is 0); the root directory
// (inode 0) starts with zero entries. backing must already be exactly
// blockCount*BlockSize bytes.
func InitImage(backing iof.IO, blockCount, bitmapBlockCount, inodeBlockCount int) defs.Err_t {
	sb := superblock{
		blockCount:       uint32(blockCount),
		bitmapBlockCount: uint32(bitmapBlockCount),
		inodeBlockCount:  uint32(inodeBlockCount),
		rootDirInode:     0,
	}
	_, err := backing.WriteAt(0, sb.marshal())
	return err
}
