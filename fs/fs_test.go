package fs

import (
	"bytes"
	"testing"

	"riscvkern/defs"
	"riscvkern/iof"
)

// newTestImage builds a small but non-trivial formatted image: enough
// data blocks to exercise indirect pointers, and a handful of inodes.
func newTestImage(t *testing.T, blockCount, inodeCount int) *FileSystem {
	t.Helper()
	inodeBlockCount := InodeBlocksNeeded(inodeCount)
	bitmapBlockCount := BitmapBlocksNeeded(blockCount)

	backing := iof.NewMemIO(blockCount * BlockSize)
	if e := InitImage(backing, blockCount, bitmapBlockCount, inodeBlockCount); e != 0 {
		t.Fatalf("InitImage: %v", e)
	}
	fsys, e := Mount(backing)
	if e != 0 {
		t.Fatalf("Mount: %v", e)
	}
	return fsys
}

func TestCreateOpenReadWriteRoundTrip(t *testing.T) {
	// 70000 bytes needs ~137 data blocks plus a few indirect/double-
	// indirect pointer blocks; size the image generously above that.
	fsys := newTestImage(t, 300, 16)

	if e := fsys.Create("file7"); e != 0 {
		t.Fatalf("Create: %v", e)
	}
	if e := fsys.Extend("file7", 70000); e != 0 {
		t.Fatalf("Extend: %v", e)
	}

	handle, e := fsys.Open("file7")
	if e != 0 {
		t.Fatalf("Open: %v", e)
	}

	want := bytes.Repeat([]byte{0xAB}, 70000)
	written := 0
	for written < len(want) {
		n, e := handle.Write(want[written:])
		if e != 0 {
			t.Fatalf("Write: %v", e)
		}
		if n == 0 {
			t.Fatalf("Write stalled at %d/%d", written, len(want))
		}
		written += n
	}
	if e := fsys.Flush(); e != 0 {
		t.Fatalf("Flush: %v", e)
	}
	if e := handle.Close(); e != 0 {
		t.Fatalf("Close: %v", e)
	}

	handle2, e := fsys.Open("file7")
	if e != 0 {
		t.Fatalf("reopen: %v", e)
	}
	defer handle2.Close()

	got := make([]byte, len(want))
	read := 0
	for read < len(got) {
		n, e := handle2.Read(got[read:])
		if e != 0 {
			t.Fatalf("Read: %v", e)
		}
		if n == 0 {
			break
		}
		read += n
	}
	if read != len(want) {
		t.Fatalf("read %d bytes, want %d", read, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round-tripped bytes differ from what was written")
	}
}

func TestWriteDoesNotAutoExtend(t *testing.T) {
	fsys := newTestImage(t, 32, 8)
	if e := fsys.Create("small"); e != 0 {
		t.Fatalf("Create: %v", e)
	}
	if e := fsys.Extend("small", 10); e != 0 {
		t.Fatalf("Extend: %v", e)
	}

	handle, e := fsys.Open("small")
	if e != 0 {
		t.Fatalf("Open: %v", e)
	}
	defer handle.Close()

	n, writeErr := handle.Write(bytes.Repeat([]byte{1}, 20))
	if writeErr == 0 {
		t.Fatalf("expected write past end to fail without an explicit Extend, got n=%d err=0", n)
	}
}

func TestDeleteReclaimsDataBlocksAndInode(t *testing.T) {
	fsys := newTestImage(t, 48, 8)

	before, e := fsys.FreeDataBlockCount()
	if e != 0 {
		t.Fatalf("FreeDataBlockCount: %v", e)
	}

	if e := fsys.Create("tmp"); e != 0 {
		t.Fatalf("Create: %v", e)
	}
	if e := fsys.Extend("tmp", 5*BlockSize); e != 0 {
		t.Fatalf("Extend: %v", e)
	}

	mid, e := fsys.FreeDataBlockCount()
	if e != 0 {
		t.Fatalf("FreeDataBlockCount: %v", e)
	}
	if mid >= before {
		t.Fatalf("expected free count to drop after Extend: before=%d mid=%d", before, mid)
	}

	if e := fsys.Delete("tmp"); e != 0 {
		t.Fatalf("Delete: %v", e)
	}

	after, e := fsys.FreeDataBlockCount()
	if e != 0 {
		t.Fatalf("FreeDataBlockCount: %v", e)
	}
	if after != before {
		t.Fatalf("Delete did not fully reclaim data blocks: before=%d after=%d", before, after)
	}

	if e := fsys.Create("tmp"); e != 0 {
		t.Fatalf("inode slot not reclaimed by Delete: Create failed with %v", e)
	}
}

// TestDirectoryStaysCompact exercises spec's directory-compaction
// property: after any sequence of creates and deletes, entries occupy
// a prefix of the root inode's data (spec §8 scenario 5).
func TestDirectoryStaysCompact(t *testing.T) {
	fsys := newTestImage(t, 32, 16)

	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		if e := fsys.Create(n); e != 0 {
			t.Fatalf("Create(%v): %v", n, e)
		}
	}

	if e := fsys.Delete("b"); e != 0 {
		t.Fatalf("Delete(b): %v", e)
	}
	if e := fsys.Delete("d"); e != 0 {
		t.Fatalf("Delete(d): %v", e)
	}

	remaining := map[string]bool{"a": true, "c": true, "e": true}

	root, e := fsys.readInode(int(fsys.sb.rootDirInode))
	if e != 0 {
		t.Fatalf("readInode(root): %v", e)
	}
	if int(root.size) != len(remaining)*dentrySize {
		t.Fatalf("root directory size %d, want %d (prefix-compacted)", root.size, len(remaining)*dentrySize)
	}

	n := int(root.size) / dentrySize
	buf := make([]byte, dentrySize)
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if _, e := fsys.blockIO(root, i*dentrySize, buf, false); e != 0 {
			t.Fatalf("blockIO: %v", e)
		}
		d := unmarshalDentry(buf)
		seen[d.nameString()] = true
	}
	for name := range remaining {
		if !seen[name] {
			t.Fatalf("expected surviving entry %q in compacted prefix, not found", name)
		}
	}
	for _, gone := range []string{"b", "d"} {
		if seen[gone] {
			t.Fatalf("deleted entry %q still present after compaction", gone)
		}
	}

	if _, _, e := fsys.findEntry(root, "a"); e != 0 {
		t.Fatalf("findEntry(a) after compaction: %v", e)
	}
	if _, _, e := fsys.findEntry(root, "c"); e != 0 {
		t.Fatalf("findEntry(c) after compaction: %v", e)
	}
	if _, _, e := fsys.findEntry(root, "e"); e != 0 {
		t.Fatalf("findEntry(e) after compaction: %v", e)
	}
}

func TestExtendSpansIndirectBlocks(t *testing.T) {
	// 3 direct + 128 indirect = 131 blocks before double-indirect kicks
	// in; size this past the indirect boundary so allocateNewDataBlock's
	// indirect-block-allocation branch runs.
	fsys := newTestImage(t, 400, 8)
	if e := fsys.Create("big"); e != 0 {
		t.Fatalf("Create: %v", e)
	}
	newLen := 200 * BlockSize
	if e := fsys.Extend("big", newLen); e != 0 {
		t.Fatalf("Extend: %v", e)
	}

	handle, e := fsys.Open("big")
	if e != 0 {
		t.Fatalf("Open: %v", e)
	}
	defer handle.Close()

	pos := 150 * BlockSize
	if _, e := handle.Cntl(iof.SETPOS, pos); e != 0 {
		t.Fatalf("Cntl(SETPOS): %v", e)
	}
	payload := bytes.Repeat([]byte{0x5A}, BlockSize)
	if n, e := handle.Write(payload); e != 0 || n != len(payload) {
		t.Fatalf("Write at indirect-spanning offset: n=%d err=%v", n, e)
	}

	if _, e := handle.Cntl(iof.SETPOS, pos); e != 0 {
		t.Fatalf("Cntl(SETPOS) back: %v", e)
	}
	got := make([]byte, len(payload))
	if n, e := handle.Read(got); e != 0 || n != len(got) {
		t.Fatalf("Read back: n=%d err=%v", n, e)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("data written beyond the indirect boundary did not round-trip")
	}
}

func TestCreateDuplicateNameRejected(t *testing.T) {
	fsys := newTestImage(t, 32, 8)
	if e := fsys.Create("dup"); e != 0 {
		t.Fatalf("Create: %v", e)
	}
	if e := fsys.Create("dup"); e == 0 {
		t.Fatalf("expected duplicate Create to fail")
	}
}

func TestDeleteUnknownNameReturnsENOENT(t *testing.T) {
	fsys := newTestImage(t, 32, 8)
	if e := fsys.Delete("ghost"); e != defs.ENOENT {
		t.Fatalf("Delete of unknown name: got %v, want ENOENT", e)
	}
}
