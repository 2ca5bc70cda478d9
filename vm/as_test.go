package vm

import (
	"testing"

	"riscvkern/defs"
	"riscvkern/mem"
)

func freshMain(t *testing.T, pages int) (*mem.Pool, *AddrSpace) {
	t.Helper()
	pool := mem.NewPool(pages)
	as := NewMainSpace(pool, Layout{}) // no kernel regions needed for these tests
	SetMainSpace(as)
	return pool, as
}

// Scenario 6 from spec §8: clone + discard.
func TestCloneAndDiscard(t *testing.T) {
	_, main := freshMain(t, 4096)

	u := defs.UMEM_START_VMA
	main.AllocAndMapRange(u, mem.PageSize, defs.PTE_R|defs.PTE_W|defs.PTE_U)
	writeByte(main, u, 42)

	preCloneFree := main.pool.FreePageCount()

	clone := CloneActiveSpace()
	SwitchSpace(clone)
	writeByte(clone, u, 10)
	if got := readByte(clone, u); got != 10 {
		t.Fatalf("clone observed %d, want 10", got)
	}

	SwitchSpace(main)
	if got := readByte(main, u); got != 42 {
		t.Fatalf("main observed %d after clone wrote to its own copy, want 42 (no sharing)", got)
	}

	SwitchSpace(clone)
	tag := DiscardActiveSpace()
	if tag != main.Tag() {
		t.Fatalf("DiscardActiveSpace returned %v, want main tag %v", tag, main.Tag())
	}
	if got := main.pool.FreePageCount(); got != preCloneFree {
		t.Fatalf("free page count after discard = %d, want %d (pre-clone level)", got, preCloneFree)
	}
}

func writeByte(as *AddrSpace, va uintptr, v byte) {
	table, idx, ok := as.walk(va&^(mem.PageSize-1), false)
	if !ok {
		panic("writeByte: unmapped")
	}
	pte := readPte(as.pool, table, idx)
	as.pool.PhysSlice(pte.PPN(), mem.PageSize)[va%mem.PageSize] = v
}

func readByte(as *AddrSpace, va uintptr) byte {
	table, idx, ok := as.walk(va&^(mem.PageSize-1), false)
	if !ok {
		panic("readByte: unmapped")
	}
	pte := readPte(as.pool, table, idx)
	return as.pool.PhysSlice(pte.PPN(), mem.PageSize)[va%mem.PageSize]
}

func TestValidateVptrLen(t *testing.T) {
	_, main := freshMain(t, 4096)
	u := defs.UMEM_START_VMA
	main.AllocAndMapRange(u, mem.PageSize, defs.PTE_R|defs.PTE_U)

	if err := main.ValidateVptrLen(0, 8, defs.PTE_R); err != defs.EINVAL {
		t.Fatalf("null pointer: got %v, want EINVAL", err)
	}
	if err := main.ValidateVptrLen(u, 8, defs.PTE_R|defs.PTE_U); err != 0 {
		t.Fatalf("valid read: got %v, want success", err)
	}
	if err := main.ValidateVptrLen(u, 8, defs.PTE_W); err != defs.EACCESS {
		t.Fatalf("missing write perm: got %v, want EACCESS", err)
	}
	if err := main.ValidateVptrLen(u+mem.PageSize, 8, defs.PTE_R); err != defs.EACCESS {
		t.Fatalf("unmapped page: got %v, want EACCESS", err)
	}
}

func TestValidateVstr(t *testing.T) {
	_, main := freshMain(t, 4096)
	u := defs.UMEM_START_VMA
	main.AllocAndMapRange(u, mem.PageSize, defs.PTE_R|defs.PTE_U)
	table, idx, _ := main.walk(u, false)
	pte := readPte(main.pool, table, idx)
	page := main.pool.PhysSlice(pte.PPN(), mem.PageSize)
	copy(page, []byte("hello\x00"))

	if err := main.ValidateVstr(u, defs.PTE_R|defs.PTE_U); err != 0 {
		t.Fatalf("got %v, want success", err)
	}
}

func TestHandleUmodePageFault(t *testing.T) {
	_, main := freshMain(t, 4096)
	u := defs.UMEM_START_VMA

	if main.HandleUmodePageFault(0) {
		t.Fatal("fault outside user range should be fatal (false)")
	}
	if !main.HandleUmodePageFault(u + 5) {
		t.Fatal("first fault in user range should lazily allocate (true)")
	}
	if got := readByte(main, u); got != 0 {
		t.Fatalf("lazily allocated page should be zeroed, got %d", got)
	}
	if main.HandleUmodePageFault(u) {
		t.Fatal("second fault on an already-valid leaf is a genuine violation (false)")
	}
}
