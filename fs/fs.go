package fs

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"sync"

	"riscvkern/cache"
	"riscvkern/defs"
	"riscvkern/iof"
)

// Debug gates directory/allocator tracing, off by default; same shape
// as cache.Debug and fs/blk.go's bdev_debug.
var Debug = false

func dprintf(format string, args ...any) {
	if Debug {
		fmt.Printf("fs: "+format+"\n", args...)
	}
}

// FileSystem is the mounted "KT" filesystem (spec §4.6): a superblock,
// an on-disk data-block bitmap, an in-memory inode-allocation bitmap
// (rebuilt at mount by walking the root directory), and a flat root
// directory. All operations funnel through a single mutex, matching
// the spec's "single-threaded by convention" note for filesystem
// global state rather than leaving that discipline to callers.
type FileSystem struct {
	mu    sync.Mutex
	cache *cache.Cache
	sb    superblock

	firstDataBlock int
	dataBlockCount int

	inodeBitmap *bitmap
	openFiles   *list.List // *File, container/list per SPEC_FULL §11
}

// Mount reads block 0's superblock from backing, constructs a cache
// over it, and rebuilds the in-memory inode bitmap by marking the root
// directory inode and every inode referenced by its entries.
func Mount(backing iof.IO) (*FileSystem, defs.Err_t) {
	c := cache.New(backing, defs.CACHE_CAPACITY)

	raw := make([]byte, superblockPayload)
	if _, err := c.ReadAt(0, raw); err != 0 {
		return nil, err
	}
	sb := unmarshalSuperblock(raw)

	firstDataBlock := 1 + int(sb.bitmapBlockCount) + int(sb.inodeBlockCount)
	dataBlockCount := int(sb.blockCount) - firstDataBlock
	if dataBlockCount < 0 {
		dataBlockCount = 0
	}

	fsys := &FileSystem{
		cache:          c,
		sb:             sb,
		firstDataBlock: firstDataBlock,
		dataBlockCount: dataBlockCount,
		inodeBitmap:    newBitmap(int(sb.inodeBlockCount) * inodesPerBlock),
		openFiles:      list.New(),
	}

	rootNum := int(sb.rootDirInode)
	fsys.inodeBitmap.set(rootNum)

	root, err := fsys.readInode(rootNum)
	if err != 0 {
		return nil, err
	}
	n := int(root.size) / dentrySize
	buf := make([]byte, dentrySize)
	for i := 0; i < n; i++ {
		if _, err := fsys.blockIO(root, i*dentrySize, buf, false); err != 0 {
			return nil, err
		}
		d := unmarshalDentry(buf)
		fsys.inodeBitmap.set(int(d.inode))
	}

	return fsys, 0
}

func numBlocks(size int) int {
	return (size + BlockSize - 1) / BlockSize
}

// --- inode table access ---

func (fsys *FileSystem) inodeLocation(num int) (block, off int) {
	block = 1 + int(fsys.sb.bitmapBlockCount) + num/inodesPerBlock
	off = (num % inodesPerBlock) * inodeSize
	return
}

func (fsys *FileSystem) readInode(num int) (onDiskInode, defs.Err_t) {
	blk, off := fsys.inodeLocation(num)
	buf := make([]byte, inodeSize)
	if _, err := fsys.cache.ReadAt(blk*BlockSize+off, buf); err != 0 {
		return onDiskInode{}, err
	}
	return unmarshalInode(buf), 0
}

func (fsys *FileSystem) writeInode(num int, ino onDiskInode) defs.Err_t {
	blk, off := fsys.inodeLocation(num)
	_, err := fsys.cache.WriteAt(blk*BlockSize+off, ino.marshal())
	return err
}

// --- data-block bitmap (on-disk, scanned byte-by-byte per spec) ---

func (fsys *FileSystem) bitmapBytePos(dataIdx int) int {
	return BlockSize + dataIdx/8 // block 1 is the first bitmap block
}

func (fsys *FileSystem) allocDataBlock() (int, defs.Err_t) {
	var b [1]byte
	for i := 0; i < fsys.dataBlockCount; i++ {
		if i%8 == 0 {
			if _, err := fsys.cache.ReadAt(fsys.bitmapBytePos(i), b[:]); err != 0 {
				return 0, err
			}
		}
		bit := uint(i % 8)
		if b[0]&(1<<bit) == 0 {
			b[0] |= 1 << bit
			if _, err := fsys.cache.WriteAt(fsys.bitmapBytePos(i), b[:]); err != 0 {
				return 0, err
			}
			return fsys.firstDataBlock + i, 0
		}
	}
	return 0, defs.ENODATABLKS
}

func (fsys *FileSystem) freeDataBlock(abs int) defs.Err_t {
	i := abs - fsys.firstDataBlock
	var b [1]byte
	if _, err := fsys.cache.ReadAt(fsys.bitmapBytePos(i), b[:]); err != 0 {
		return err
	}
	b[0] &^= 1 << uint(i%8)
	_, err := fsys.cache.WriteAt(fsys.bitmapBytePos(i), b[:])
	return err
}

// FreeDataBlockCount scans the on-disk bitmap and returns how many
// data blocks are currently unallocated (spec §8 "free_data_block_count").
func (fsys *FileSystem) FreeDataBlockCount() (int, defs.Err_t) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	free := 0
	var b [1]byte
	for i := 0; i < fsys.dataBlockCount; i++ {
		if i%8 == 0 {
			if _, err := fsys.cache.ReadAt(fsys.bitmapBytePos(i), b[:]); err != 0 {
				return 0, err
			}
		}
		if b[0]&(1<<uint(i%8)) == 0 {
			free++
		}
	}
	return free, 0
}

// --- address translation and pointer blocks ---

func (fsys *FileSystem) readPointer(blockAbs, idx int) (int, defs.Err_t) {
	buf := make([]byte, pointerSize)
	if _, err := fsys.cache.ReadAt(blockAbs*BlockSize+idx*pointerSize, buf); err != 0 {
		return 0, err
	}
	return int(binary.LittleEndian.Uint32(buf)), 0
}

func (fsys *FileSystem) writePointer(blockAbs, idx, val int) defs.Err_t {
	buf := make([]byte, pointerSize)
	binary.LittleEndian.PutUint32(buf, uint32(val))
	_, err := fsys.cache.WriteAt(blockAbs*BlockSize+idx*pointerSize, buf)
	return err
}

// dataBlockAt resolves logical block index k of ino to an absolute
// block number, walking direct/indirect/double-indirect pointers
// through the cache (spec §4.6 "data_blockat").
func (fsys *FileSystem) dataBlockAt(ino onDiskInode, k int) (int, defs.Err_t) {
	switch {
	case k < directBlockCount:
		return int(ino.block[k]), 0
	case k-directBlockCount < pointersPerBlock:
		return fsys.readPointer(int(ino.indirect), k-directBlockCount)
	default:
		m := k - (directBlockCount + pointersPerBlock)
		dind := int(ino.dindirect[0])
		if m >= pointersPerBlock*pointersPerBlock {
			dind = int(ino.dindirect[1])
			m -= pointersPerBlock * pointersPerBlock
		}
		indirectBlk, err := fsys.readPointer(dind, m/pointersPerBlock)
		if err != 0 {
			return 0, err
		}
		return fsys.readPointer(indirectBlk, m%pointersPerBlock)
	}
}

// allocateNewDataBlock extends ino to cover logical block k, allocating
// (and remembering, the first time each is touched) any indirect or
// double-indirect pointer blocks the new index requires.
func (fsys *FileSystem) allocateNewDataBlock(inodeNum int, ino *onDiskInode, k int) defs.Err_t {
	switch {
	case k < directBlockCount:
		blk, err := fsys.allocDataBlock()
		if err != 0 {
			return err
		}
		ino.block[k] = uint32(blk)
		return fsys.writeInode(inodeNum, *ino)

	case k-directBlockCount < pointersPerBlock:
		if k == directBlockCount {
			blk, err := fsys.allocDataBlock()
			if err != 0 {
				return err
			}
			ino.indirect = uint32(blk)
			if err := fsys.writeInode(inodeNum, *ino); err != 0 {
				return err
			}
		}
		dataBlk, err := fsys.allocDataBlock()
		if err != 0 {
			return err
		}
		return fsys.writePointer(int(ino.indirect), k-directBlockCount, dataBlk)

	default:
		m := k - (directBlockCount + pointersPerBlock)
		half := 0
		mm := m
		if mm >= pointersPerBlock*pointersPerBlock {
			half = 1
			mm -= pointersPerBlock * pointersPerBlock
		}
		if mm == 0 {
			blk, err := fsys.allocDataBlock()
			if err != 0 {
				return err
			}
			ino.dindirect[half] = uint32(blk)
			if err := fsys.writeInode(inodeNum, *ino); err != 0 {
				return err
			}
		}
		if mm%pointersPerBlock == 0 {
			blk, err := fsys.allocDataBlock()
			if err != 0 {
				return err
			}
			if err := fsys.writePointer(int(ino.dindirect[half]), mm/pointersPerBlock, blk); err != 0 {
				return err
			}
		}
		indirectBlk, err := fsys.readPointer(int(ino.dindirect[half]), mm/pointersPerBlock)
		if err != 0 {
			return err
		}
		dataBlk, err := fsys.allocDataBlock()
		if err != 0 {
			return err
		}
		return fsys.writePointer(indirectBlk, mm%pointersPerBlock, dataBlk)
	}
}

// releaseDataBlockAt frees ino's logical block k and, the first time
// the release crosses an indirect/double-indirect boundary, the
// pointer block that held it too (the mirror image of
// allocateNewDataBlock, walked in descending k order by callers).
func (fsys *FileSystem) releaseDataBlockAt(ino *onDiskInode, k int) defs.Err_t {
	blockAbs, err := fsys.dataBlockAt(*ino, k)
	if err != 0 {
		return err
	}
	if err := fsys.freeDataBlock(blockAbs); err != 0 {
		return err
	}

	switch {
	case k < directBlockCount:
		ino.block[k] = 0
	case k-directBlockCount < pointersPerBlock:
		if k == directBlockCount {
			if err := fsys.freeDataBlock(int(ino.indirect)); err != 0 {
				return err
			}
			ino.indirect = 0
		}
	default:
		m := k - (directBlockCount + pointersPerBlock)
		half := 0
		mm := m
		if mm >= pointersPerBlock*pointersPerBlock {
			half = 1
			mm -= pointersPerBlock * pointersPerBlock
		}
		if mm%pointersPerBlock == 0 {
			indirectBlk, err := fsys.readPointer(int(ino.dindirect[half]), mm/pointersPerBlock)
			if err != 0 {
				return err
			}
			if err := fsys.freeDataBlock(indirectBlk); err != 0 {
				return err
			}
		}
		if mm == 0 {
			if err := fsys.freeDataBlock(int(ino.dindirect[half])); err != 0 {
				return err
			}
			ino.dindirect[half] = 0
		}
	}
	return 0
}

// --- byte-range I/O over a block-translated inode ---

// blockIO copies len(buf) bytes to/from the logical byte range starting
// at pos of ino, one cache block at a time (spec: "single-block per
// call; the caller iterates" — here the iteration is internal).
func (fsys *FileSystem) blockIO(ino onDiskInode, pos int, buf []byte, write bool) (int, defs.Err_t) {
	done := 0
	for done < len(buf) {
		k := (pos + done) / BlockSize
		blockAbs, err := fsys.dataBlockAt(ino, k)
		if err != 0 {
			return done, err
		}
		off := (pos + done) % BlockSize
		want := len(buf) - done
		if max := BlockSize - off; want > max {
			want = max
		}
		blockPos := blockAbs*BlockSize + off

		var n int
		if write {
			n, err = fsys.cache.WriteAt(blockPos, buf[done:done+want])
		} else {
			n, err = fsys.cache.ReadAt(blockPos, buf[done:done+want])
		}
		if err != 0 {
			return done, err
		}
		done += n
		if n < want {
			break
		}
	}
	return done, 0
}

func (fsys *FileSystem) readAtInode(ino onDiskInode, pos int, buf []byte) (int, defs.Err_t) {
	if pos < 0 || pos >= int(ino.size) {
		return 0, defs.EINVAL
	}
	n := len(buf)
	if avail := int(ino.size) - pos; n > avail {
		n = avail
	}
	return fsys.blockIO(ino, pos, buf[:n], false)
}

func (fsys *FileSystem) writeAtInode(ino onDiskInode, pos int, buf []byte) (int, defs.Err_t) {
	if pos < 0 || pos >= int(ino.size) {
		return 0, defs.EINVAL
	}
	n := len(buf)
	if avail := int(ino.size) - pos; n > avail {
		n = avail
	}
	return fsys.blockIO(ino, pos, buf[:n], true)
}

func (fsys *FileSystem) fileReadAt(inodeNum, pos int, buf []byte) (int, defs.Err_t) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	ino, err := fsys.readInode(inodeNum)
	if err != 0 {
		return 0, err
	}
	return fsys.readAtInode(ino, pos, buf)
}

func (fsys *FileSystem) fileWriteAt(inodeNum, pos int, buf []byte) (int, defs.Err_t) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	ino, err := fsys.readInode(inodeNum)
	if err != 0 {
		return 0, err
	}
	return fsys.writeAtInode(ino, pos, buf)
}

// --- directory operations (root only, spec §4.6) ---

func (fsys *FileSystem) findEntry(root onDiskInode, name string) (int, dentry, defs.Err_t) {
	n := int(root.size) / dentrySize
	buf := make([]byte, dentrySize)
	for i := 0; i < n; i++ {
		if _, err := fsys.blockIO(root, i*dentrySize, buf, false); err != 0 {
			return 0, dentry{}, err
		}
		d := unmarshalDentry(buf)
		if d.nameString() == name {
			return i, d, 0
		}
	}
	return 0, dentry{}, defs.ENOENT
}

// Create adds a fresh, zero-length file named name to the root
// directory, flushing afterward (spec: persistence-relevant op).
func (fsys *FileSystem) Create(name string) defs.Err_t {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	packed, ok := makeName(name)
	if !ok {
		return defs.EINVAL
	}

	rootNum := int(fsys.sb.rootDirInode)
	root, err := fsys.readInode(rootNum)
	if err != 0 {
		return err
	}

	if _, _, err := fsys.findEntry(root, name); err == 0 {
		return defs.EINVAL
	} else if err != defs.ENOENT {
		return err
	}

	pos := int(root.size)
	if pos%BlockSize == 0 {
		if err := fsys.allocateNewDataBlock(rootNum, &root, pos/BlockSize); err != 0 {
			return err
		}
	}

	newInodeNum := fsys.inodeBitmap.allocFirstClear()
	if newInodeNum == -1 {
		return defs.ENOINODEBLKS
	}
	dprintf("create %q -> inode %d", name, newInodeNum)

	entry := dentry{inode: uint16(newInodeNum), name: packed}
	if _, err := fsys.blockIO(root, pos, entry.marshal(), true); err != 0 {
		fsys.inodeBitmap.clear(newInodeNum)
		return err
	}
	if err := fsys.writeInode(newInodeNum, onDiskInode{}); err != 0 {
		return err
	}

	root.size += dentrySize
	if err := fsys.writeInode(rootNum, root); err != 0 {
		return err
	}

	return fsys.cache.Flush()
}

// Open looks up name in the root directory and returns a positioned
// I/O handle (spec: the file object wrapped in the seekable wrapper).
func (fsys *FileSystem) Open(name string) (iof.IO, defs.Err_t) {
	fsys.mu.Lock()
	rootNum := int(fsys.sb.rootDirInode)
	root, err := fsys.readInode(rootNum)
	if err != 0 {
		fsys.mu.Unlock()
		return nil, err
	}
	_, entry, err := fsys.findEntry(root, name)
	if err != 0 {
		fsys.mu.Unlock()
		return nil, err
	}
	ino, err := fsys.readInode(int(entry.inode))
	if err != 0 {
		fsys.mu.Unlock()
		return nil, err
	}
	f := &File{fsys: fsys, inodeNum: int(entry.inode), size: int(ino.size)}
	f.elem = fsys.openFiles.PushBack(f)
	fsys.mu.Unlock()

	return iof.NewSeekable(f)
}

// Delete removes name from the root directory: releases every data
// block (and pointer block) the file owned, frees its inode, compacts
// the directory by swapping in the last entry, and flushes.
func (fsys *FileSystem) Delete(name string) defs.Err_t {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	rootNum := int(fsys.sb.rootDirInode)
	root, err := fsys.readInode(rootNum)
	if err != 0 {
		return err
	}
	idx, entry, err := fsys.findEntry(root, name)
	if err != 0 {
		return err
	}

	ino, err := fsys.readInode(int(entry.inode))
	if err != 0 {
		return err
	}
	for k := numBlocks(int(ino.size)) - 1; k >= 0; k-- {
		if err := fsys.releaseDataBlockAt(&ino, k); err != 0 {
			return err
		}
	}
	fsys.inodeBitmap.clear(int(entry.inode))
	dprintf("delete %q (inode %d)", name, entry.inode)

	oldSize := int(root.size)
	lastIdx := oldSize/dentrySize - 1
	if idx != lastIdx {
		last := make([]byte, dentrySize)
		if _, err := fsys.blockIO(root, lastIdx*dentrySize, last, false); err != 0 {
			return err
		}
		if _, err := fsys.blockIO(root, idx*dentrySize, last, true); err != 0 {
			return err
		}
	}

	newSize := oldSize - dentrySize
	if newSize%BlockSize == 0 {
		lastBlockK := (oldSize - 1) / BlockSize
		if err := fsys.releaseDataBlockAt(&root, lastBlockK); err != 0 {
			return err
		}
	}
	root.size = uint32(newSize)
	if err := fsys.writeInode(rootNum, root); err != 0 {
		return err
	}

	fsys.removeOpenFile(int(entry.inode))
	return fsys.cache.Flush()
}

// Extend grows name's logical size to newLen, allocating whatever new
// data/pointer blocks that requires, and refreshing any open File's
// cached size. It is a no-op if newLen doesn't exceed the current size
// (spec §4.6 "extend").
func (fsys *FileSystem) Extend(name string, newLen int) defs.Err_t {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	rootNum := int(fsys.sb.rootDirInode)
	root, err := fsys.readInode(rootNum)
	if err != 0 {
		return err
	}
	_, entry, err := fsys.findEntry(root, name)
	if err != 0 {
		return err
	}
	inodeNum := int(entry.inode)

	ino, err := fsys.readInode(inodeNum)
	if err != 0 {
		return err
	}
	if newLen <= int(ino.size) || newLen == 0 {
		return 0
	}
	oldBlocks := numBlocks(int(ino.size))
	ino.size = uint32(newLen)
	if err := fsys.writeInode(inodeNum, ino); err != 0 {
		return err
	}
	newBlocks := numBlocks(newLen)
	for k := oldBlocks; k < newBlocks; k++ {
		if err := fsys.allocateNewDataBlock(inodeNum, &ino, k); err != 0 {
			return err
		}
	}

	for e := fsys.openFiles.Front(); e != nil; e = e.Next() {
		if f := e.Value.(*File); f.inodeNum == inodeNum {
			f.size = newLen
		}
	}
	return 0
}

func (fsys *FileSystem) removeOpenFile(inodeNum int) {
	for e := fsys.openFiles.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*File).inodeNum == inodeNum {
			fsys.openFiles.Remove(e)
		}
		e = next
	}
}

// Flush writes back every dirty cache slot (spec: required after any
// persistence-relevant operation; exposed publicly for callers, like
// mkfs, that write through an open file's raw Write rather than
// through Create/Delete, which already flush internally).
func (fsys *FileSystem) Flush() defs.Err_t {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return fsys.cache.Flush()
}

func (fsys *FileSystem) closeFile(f *File) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	if f.elem != nil {
		fsys.openFiles.Remove(f.elem)
		f.elem = nil
	}
}
