package vm

import (
	"encoding/binary"
	"sync"

	"riscvkern/defs"
	"riscvkern/mem"
)

// Mtag is the opaque address-space tag described in spec §3: it packs a
// paging mode, an address-space id, and the root page-table's physical
// address into one 64-bit value. Two threads sharing a process share
// exactly one Mtag.
type Mtag uint64

const (
	mtagRootShift = 16
	mtagAsidMask  = 0xffff
)

func encodeMtag(mode uint8, asid uint16, rootPa mem.Pa) Mtag {
	return Mtag(uint64(mode)<<56 | uint64(rootPa)<<mtagRootShift | uint64(asid)&mtagAsidMask)
}

// RootPa extracts the root page-table physical address from a tag.
func (t Mtag) RootPa() mem.Pa {
	const rootFieldMask = (uint64(1) << 40) - 1
	return mem.Pa((uint64(t) >> mtagRootShift) & rootFieldMask)
}

// Layout describes the boot-time regions of the kernel image and MMIO
// window that the main address space identity-maps (spec §4.2 "Boot
// mapping"). All ranges are physical-address ranges within the pool's
// arena; the main space maps them 1:1 (kernel virtual == physical), which
// is the usual RISC-V supervisor convention this spec's kernel follows.
type Layout struct {
	MMIOBase, MMIOLen     mem.Pa
	TextBase, TextLen     mem.Pa
	RodataBase, RodataLen mem.Pa
	DataBase, DataLen     mem.Pa
	RAMBase, RAMLen       mem.Pa
}

// AddrSpace is a three-level page table over a Pool, covering the 39-bit
// virtual space (spec §3 "Address Space"). Edits are only ever valid while
// the space is the package's active one (invariant i, spec §4.2).
type AddrSpace struct {
	pool   *mem.Pool
	RootPa mem.Pa
	asid   uint16

	// ownedTables records every interior table page this address space
	// allocated for itself (as opposed to global entries shallow-copied
	// from another space). Needed so Discard can reclaim exactly the
	// pages this space owns, and nothing shared.
	ownedTables []mem.Pa
}

func newEmptySpace(pool *mem.Pool, asid uint16) *AddrSpace {
	root := pool.AllocPages(1)
	return &AddrSpace{pool: pool, RootPa: root, asid: asid, ownedTables: []mem.Pa{root}}
}

// Tag returns this address space's opaque mtag.
func (as *AddrSpace) Tag() Mtag {
	return encodeMtag(1, as.asid, as.RootPa)
}

func readPte(pool *mem.Pool, table mem.Pa, idx int) Pte {
	page := pool.PhysSlice(table, mem.PageSize)
	return Pte(binary.LittleEndian.Uint64(page[idx*8:]))
}

func writePte(pool *mem.Pool, table mem.Pa, idx int, p Pte) {
	page := pool.PhysSlice(table, mem.PageSize)
	binary.LittleEndian.PutUint64(page[idx*8:], uint64(p))
}

// walk locates the level-0 table and index that would hold the leaf PTE
// for va, optionally materializing missing interior tables along the way.
// Returns ok=false if a table is missing and alloc is false.
func (as *AddrSpace) walk(va uintptr, alloc bool) (table mem.Pa, idx int, ok bool) {
	vpn2, vpn1, vpn0, _ := vaddrParts(va)
	cur := as.RootPa
	for _, i := range [2]int{vpn2, vpn1} {
		pte := readPte(as.pool, cur, i)
		if !pte.Valid() {
			if !alloc {
				return 0, 0, false
			}
			next := as.pool.AllocPages(1)
			as.ownedTables = append(as.ownedTables, next)
			writePte(as.pool, cur, i, mkPte(next, defs.PTE_V))
			cur = next
			continue
		}
		if pte.Leaf() {
			panic("vm: encountered a leaf entry at an interior page-table level")
		}
		cur = pte.PPN()
	}
	return cur, vpn0, true
}

func (as *AddrSpace) sfence() {
	// No real TLB to flush in the hosted simulation (spec §12); kept as
	// an explicit call site so the semantics documented in spec §4.2
	// ("side effect: sfence_vma") have one visible place to hook into a
	// future hardware backend.
}

// MapPage installs or overwrites a 4 KiB leaf at va with physical page pa.
func (as *AddrSpace) MapPage(va uintptr, pa mem.Pa, flags defs.PteFlag) {
	if va%mem.PageSize != 0 {
		panic("vm: MapPage requires a page-aligned virtual address")
	}
	if pa%mem.PageSize != 0 {
		panic("vm: MapPage requires a page-aligned physical address")
	}
	table, idx, _ := as.walk(va, true)
	writePte(as.pool, table, idx, mkPte(pa, flags|defs.PTE_V))
	as.sfence()
}

// MapRange installs a contiguous identity-style mapping covering size
// bytes starting at va, backed by physical pages starting at pa. size is
// rounded up to a page.
func (as *AddrSpace) MapRange(va uintptr, size int, pa mem.Pa, flags defs.PteFlag) {
	n := (size + mem.PageSize - 1) / mem.PageSize
	for i := 0; i < n; i++ {
		as.MapPage(va+uintptr(i*mem.PageSize), pa+mem.Pa(i*mem.PageSize), flags)
	}
}

// AllocAndMapRange allocates n fresh zeroed pages and maps them starting
// at va, returning va.
func (as *AddrSpace) AllocAndMapRange(va uintptr, size int, flags defs.PteFlag) uintptr {
	n := (size + mem.PageSize - 1) / mem.PageSize
	for i := 0; i < n; i++ {
		pa := as.pool.AllocPages(1)
		as.MapPage(va+uintptr(i*mem.PageSize), pa, flags)
	}
	return va
}

// SetRangeFlags reassigns permission bits on existing valid, non-global
// leaves in [vp, vp+size). Leaves that are absent, not-yet-valid, or
// global are left untouched. V|A|D are always asserted on the result.
func (as *AddrSpace) SetRangeFlags(vp uintptr, size int, flags defs.PteFlag) {
	n := (size + mem.PageSize - 1) / mem.PageSize
	for i := 0; i < n; i++ {
		va := vp + uintptr(i*mem.PageSize)
		table, idx, ok := as.walk(va, false)
		if !ok {
			continue
		}
		pte := readPte(as.pool, table, idx)
		if !pte.Valid() || !pte.Leaf() || pte.Flags()&defs.PTE_G != 0 {
			continue
		}
		writePte(as.pool, table, idx, mkPte(pte.PPN(), flags|defs.PTE_V|defs.PTE_A|defs.PTE_D))
	}
}

// UnmapAndFreeRange frees the backing page and nulls the entry for every
// valid, non-global leaf in [vp, vp+size).
func (as *AddrSpace) UnmapAndFreeRange(vp uintptr, size int) {
	n := (size + mem.PageSize - 1) / mem.PageSize
	for i := 0; i < n; i++ {
		va := vp + uintptr(i*mem.PageSize)
		table, idx, ok := as.walk(va, false)
		if !ok {
			continue
		}
		pte := readPte(as.pool, table, idx)
		if !pte.Valid() || !pte.Leaf() || pte.Flags()&defs.PTE_G != 0 {
			continue
		}
		as.pool.FreePages(pte.PPN(), 1)
		writePte(as.pool, table, idx, 0)
	}
}

// NewMainSpace builds the kernel's address space at boot: identity MMIO
// (R/W, global), kernel text (R/X, global), rodata (R, global), data+bss
// (R/W, global), and free RAM (R/W, global) — spec §4.2's "Boot mapping".
// All regions are mapped 1:1 at 4 KiB granularity; a hardware backend
// would instead use gigapage/megapage leaves for the same regions, a
// purely mechanical optimization the spec's semantics don't depend on.
func NewMainSpace(pool *mem.Pool, l Layout) *AddrSpace {
	as := newEmptySpace(pool, 0)
	type region struct {
		base, length mem.Pa
		flags        defs.PteFlag
	}
	regions := []region{
		{l.MMIOBase, l.MMIOLen, defs.PTE_R | defs.PTE_W | defs.PTE_G},
		{l.TextBase, l.TextLen, defs.PTE_R | defs.PTE_X | defs.PTE_G},
		{l.RodataBase, l.RodataLen, defs.PTE_R | defs.PTE_G},
		{l.DataBase, l.DataLen, defs.PTE_R | defs.PTE_W | defs.PTE_G},
		{l.RAMBase, l.RAMLen, defs.PTE_R | defs.PTE_W | defs.PTE_G},
	}
	for _, r := range regions {
		if r.length == 0 {
			continue
		}
		as.MapRange(uintptr(r.base), int(r.length), r.base, r.flags)
	}
	return as
}

// ---- single-hart active-space state (spec §4.2, §5: no SMP) ----

var (
	activeMu sync.Mutex
	active   *AddrSpace
	main     *AddrSpace
)

// SetMainSpace registers the kernel's address space and makes it active.
// Called once at boot.
func SetMainSpace(as *AddrSpace) {
	activeMu.Lock()
	defer activeMu.Unlock()
	main = as
	active = as
}

// ActiveSpace returns the currently active address space.
func ActiveSpace() *AddrSpace {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active
}

// SwitchSpace installs as as the active address space (sets SATP,
// sfences) and returns the previously active space.
func SwitchSpace(as *AddrSpace) *AddrSpace {
	activeMu.Lock()
	defer activeMu.Unlock()
	old := active
	active = as
	as.sfence()
	return old
}

// CloneActiveSpace creates a new address space sharing every global
// (kernel) root entry with the active space and deep-copying every valid
// non-global user leaf in [UMEM_START_VMA, UMEM_END_VMA) (spec §4.2).
func CloneActiveSpace() *AddrSpace {
	src := ActiveSpace()
	pool := src.pool
	dst := newEmptySpace(pool, src.asid+1)

	for i := 0; i < entriesPerLevel; i++ {
		pte := readPte(pool, src.RootPa, i)
		if pte.Valid() && pte.Flags()&defs.PTE_G != 0 {
			writePte(pool, dst.RootPa, i, pte)
		}
	}

	for va := defs.UMEM_START_VMA; va < defs.UMEM_END_VMA; va += mem.PageSize {
		table, idx, ok := src.walk(va, false)
		if !ok {
			continue
		}
		pte := readPte(pool, table, idx)
		if !pte.Valid() || !pte.Leaf() || pte.Flags()&defs.PTE_G != 0 {
			continue
		}
		newPa := pool.AllocPages(1)
		copy(pool.PhysSlice(newPa, mem.PageSize), pool.PhysSlice(pte.PPN(), mem.PageSize))
		dst.MapPage(va, newPa, pte.Flags())
	}
	return dst
}

// ResetActiveSpace unmaps and frees every user page in the active space,
// leaving its page-table frames in place for reuse.
func ResetActiveSpace() {
	as := ActiveSpace()
	as.UnmapAndFreeRange(defs.UMEM_START_VMA, int(defs.UMEM_END_VMA-defs.UMEM_START_VMA))
}

// DiscardActiveSpace resets the active space, reclaims every page-table
// frame it privately owns (but never shared/global ones), switches back
// to the main space, and returns the main space's tag.
func DiscardActiveSpace() Mtag {
	as := ActiveSpace()
	ResetActiveSpace()
	if as != main {
		for _, t := range as.ownedTables {
			as.pool.FreePages(t, 1)
		}
	}
	SwitchSpace(main)
	return main.Tag()
}

// ValidateVptrLen requires that every page touched by [p, p+len) have a
// valid leaf whose flags include required. Returns EACCESS on a
// permission/absence violation, EINVAL if p is the null pointer.
func (as *AddrSpace) ValidateVptrLen(p uintptr, length int, required defs.PteFlag) defs.Err_t {
	if p == 0 {
		return defs.EINVAL
	}
	if length <= 0 {
		return 0
	}
	start := p &^ (mem.PageSize - 1)
	end := p + uintptr(length)
	for va := start; va < end; va += mem.PageSize {
		table, idx, ok := as.walk(va, false)
		if !ok {
			return defs.EACCESS
		}
		pte := readPte(as.pool, table, idx)
		if !pte.Valid() || !pte.Leaf() || pte.Flags()&required != required {
			return defs.EACCESS
		}
	}
	return 0
}

// ValidateVstr walks byte-by-byte from s until a NUL terminator,
// requiring required flags on every page crossed. Crossing into an
// invalid page before the NUL is an access error.
func (as *AddrSpace) ValidateVstr(s uintptr, required defs.PteFlag) defs.Err_t {
	if s == 0 {
		return defs.EINVAL
	}
	va := s
	for {
		pageBase := va &^ (mem.PageSize - 1)
		table, idx, ok := as.walk(pageBase, false)
		if !ok {
			return defs.EACCESS
		}
		pte := readPte(as.pool, table, idx)
		if !pte.Valid() || !pte.Leaf() || pte.Flags()&required != required {
			return defs.EACCESS
		}
		page := as.pool.PhysSlice(pte.PPN(), mem.PageSize)
		for off := va - pageBase; off < mem.PageSize; off++ {
			if page[off] == 0 {
				return 0
			}
			va++
		}
	}
}

// HandleUmodePageFault implements the user-mode page fault policy (spec
// §4.2): faults outside the user range, or on an already-valid leaf
// (a genuine permission violation), are fatal (returns false). Otherwise
// a fresh zeroed R/W/U page is lazily allocated and mapped, and the
// faulting instruction should be retried (returns true).
func (as *AddrSpace) HandleUmodePageFault(vma uintptr) bool {
	if vma < defs.UMEM_START_VMA || vma >= defs.UMEM_END_VMA {
		return false
	}
	page := vma &^ (mem.PageSize - 1)
	table, idx, ok := as.walk(page, false)
	if ok {
		pte := readPte(as.pool, table, idx)
		if pte.Valid() {
			return false
		}
	}
	pa := as.pool.AllocPages(1)
	as.MapPage(page, pa, defs.PTE_R|defs.PTE_W|defs.PTE_U)
	return true
}
