// Command mkfs builds a byte-exact initial "KT" filesystem image (spec
// §6's external mkfs contract): an output path, a byte size ("32M"
// style), an inode count, and a list of host files to seed into the
// root directory.
//
// Grounded on biscuit's mkfs/mkfs.go: the same shape of a tiny host-side
// tool that formats an image and then walks a list of input files,
// copying each one's bytes in, though the teacher's addfiles/copydata
// walk a skeleton directory tree onto a tree-shaped ufs.Ufs_t while this
// one copies an explicit file list onto a flat KT root directory.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"riscvkern/fs"
	"riscvkern/iof"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "usage: mkfs <image> <size e.g. 32M> <inode-count> [file...]\n")
		os.Exit(1)
	}

	imagePath := os.Args[1]
	totalBytes, err := parseSize(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: bad size %q: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	inodeCount, err := strconv.Atoi(os.Args[3])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: bad inode count %q: %v\n", os.Args[3], err)
		os.Exit(1)
	}

	if err := buildImage(imagePath, totalBytes, inodeCount, os.Args[4:]); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

// parseSize accepts a byte count with an optional K/M/G suffix.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

func buildImage(imagePath string, totalBytes int64, inodeCount int, files []string) error {
	blockCount := int(totalBytes / fs.BlockSize)
	inodeBlockCount := fs.InodeBlocksNeeded(inodeCount)
	bitmapBlockCount := fs.BitmapBlocksNeeded(blockCount)

	out, err := os.Create(imagePath)
	if err != nil {
		return err
	}
	if err := out.Truncate(int64(blockCount) * fs.BlockSize); err != nil {
		out.Close()
		return err
	}
	out.Close()

	backing, err := iof.OpenFileDisk(imagePath)
	if err != nil {
		return err
	}
	defer backing.Close()

	if e := fs.InitImage(backing, blockCount, bitmapBlockCount, inodeBlockCount); e != 0 {
		return fmt.Errorf("init image: %v", e)
	}

	fsys, e := fs.Mount(backing)
	if e != 0 {
		return fmt.Errorf("mount: %v", e)
	}

	for _, path := range files {
		if err := addFile(fsys, path); err != nil {
			return err
		}
	}
	return nil
}

// addFile reads path from the host and copies its contents into a
// freshly created same-named entry in the image's root directory,
// mirroring mkfs.go's copydata/addfiles shape.
func addFile(fsys *fs.FileSystem, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)

	if e := fsys.Create(name); e != 0 {
		return fmt.Errorf("create %v: %v", name, e)
	}
	if len(data) == 0 {
		return nil
	}
	if e := fsys.Extend(name, len(data)); e != 0 {
		return fmt.Errorf("extend %v: %v", name, e)
	}

	handle, e := fsys.Open(name)
	if e != 0 {
		return fmt.Errorf("open %v: %v", name, e)
	}
	defer handle.Close()

	written := 0
	for written < len(data) {
		n, e := handle.Write(data[written:])
		if e != 0 {
			return fmt.Errorf("write %v: %v", name, e)
		}
		if n == 0 {
			return fmt.Errorf("write %v: stalled at %d/%d bytes (block alignment, spec §9)", name, written, len(data))
		}
		written += n
	}

	// fsys.Create/Delete already flush internally; a plain writeat
	// sequence through the Seekable handle does not, so force one here
	// rather than leave the image half-dirty on disk.
	if e := fsys.Flush(); e != 0 {
		return fmt.Errorf("flush %v: %v", name, e)
	}
	return nil
}
