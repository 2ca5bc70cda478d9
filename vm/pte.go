// Package vm is the Virtual Memory Manager (VMM, spec §4.2): it builds and
// edits per-address-space three-level page tables over the Physical Page
// Pool, supports cloning/reset of user spaces, and services user-mode page
// faults with lazy allocation.
//
// Grounded on biscuit's vm/as.go (Vm_t, the Lock_pmap/Userdmap8_inner shape)
// for the overall responsibility split between an address-space struct and
// free Pte-walking helpers, adapted per spec §9's note that raw pointer
// arithmetic into page tables should become a Pte value type with
// accessors, reached only through audited walk routines.
package vm

import (
	"riscvkern/defs"
	"riscvkern/mem"
)

// entriesPerLevel matches Sv39's 512 eight-byte PTEs per 4 KiB table page.
const entriesPerLevel = 512

// Pte is a single page-table entry: flag bits in the low byte, physical
// page number in the remaining bits. It is a plain value, never a raw
// pointer — see spec §9's re-expression note.
type Pte uint64

const (
	pteFlagBits = 8
	pteFlagMask = Pte(1<<pteFlagBits) - 1
)

// Flags returns the PteFlag bits set on the entry.
func (p Pte) Flags() defs.PteFlag {
	return defs.PteFlag(p & pteFlagMask)
}

// Has reports whether all bits in want are set.
func (p Pte) Has(want defs.PteFlag) bool {
	return p.Flags()&want == want
}

// PPN returns the physical page number (physical address of the page this
// entry maps or points to).
func (p Pte) PPN() mem.Pa {
	return mem.Pa(p &^ pteFlagMask)
}

// mkPte packs a physical page address and flag bits into a Pte. pa must be
// page-aligned; the low bits used for flags are otherwise always zero in a
// page-aligned address, so packing is lossless.
func mkPte(pa mem.Pa, flags defs.PteFlag) Pte {
	if pa%mem.PageSize != 0 {
		panic("vm: page table entry address must be page-aligned")
	}
	return Pte(pa) | Pte(flags)
}

// Valid reports whether the entry is non-null (spec §3 invariant: an entry
// is either a valid leaf, a valid interior pointer, or null).
func (p Pte) Valid() bool {
	return p.Has(defs.PTE_V)
}

// Leaf reports whether the entry is a valid leaf (any of R/W/X set). A
// valid, non-leaf entry is an interior pointer to the next table level.
func (p Pte) Leaf() bool {
	return p.Valid() && p.Flags()&(defs.PTE_R|defs.PTE_W|defs.PTE_X) != 0
}

// vaddrParts splits a 39-bit virtual address into its three 9-bit table
// indices and page offset. Panics if bits 63:38 aren't all equal — spec
// §4.2's "vma well-formed" precondition on map_page.
func vaddrParts(va uintptr) (vpn2, vpn1, vpn0 int, off uintptr) {
	top := va >> 38
	if top != 0 && top != ^uintptr(0)>>38 {
		panic("vm: malformed virtual address (bits 63:38 must be equal)")
	}
	off = va & (mem.PageSize - 1)
	vpn0 = int((va >> 12) & (entriesPerLevel - 1))
	vpn1 = int((va >> 21) & (entriesPerLevel - 1))
	vpn2 = int((va >> 30) & (entriesPerLevel - 1))
	return
}
