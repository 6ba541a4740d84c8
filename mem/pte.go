package mem

// Pte_t is a single 64-bit Sv39 page-table entry: 10 bits reserved, a
// 44-bit physical page number, and 10 flag bits V|R|W|X|U|G|A|D|RSW×2 in
// ascending bit order. biscuit's Pa_t-typed PTE used x86's
// P/W/U/G/PCD/PS/ADDR layout; RISC-V's Sv39 layout is different enough
// (flag bit order, PPN width and position, no separate "huge page" bit
// outside V) that the encoding is rewritten rather than reused, though the
// flag-bit-as-typed-constant style is kept.
type Pte_t uint64

const (
	PteV   Pte_t = 1 << 0 // valid
	PteR   Pte_t = 1 << 1 // readable
	PteW   Pte_t = 1 << 2 // writable
	PteX   Pte_t = 1 << 3 // executable
	PteU   Pte_t = 1 << 4 // user-accessible
	PteG   Pte_t = 1 << 5 // global
	PteA   Pte_t = 1 << 6 // accessed
	PteD   Pte_t = 1 << 7 // dirty
	pteRSW Pte_t = 0x3 << 8

	pteFlagBits = 10
	ptePPNMask  = Pte_t((1 << 44) - 1)
)

// Perm is the RWXU permission subset of the flag bits, immutable once an
// area is created.
type Perm = Pte_t

const (
	PermR Perm = PteR
	PermW Perm = PteW
	PermX Perm = PteX
	PermU Perm = PteU
)

// NewPte builds a leaf PTE mapping ppn with the given flags, always valid.
func NewPte(ppn Pfn_t, flags Pte_t) Pte_t {
	return (Pte_t(ppn) << pteFlagBits) | flags | PteV
}

// PPN extracts the physical page number from the entry.
func (p Pte_t) PPN() Pfn_t { return Pfn_t((p >> pteFlagBits) & ptePPNMask) }

func (p Pte_t) Valid() bool      { return p&PteV != 0 }
func (p Pte_t) Readable() bool   { return p&PteR != 0 }
func (p Pte_t) Writable() bool   { return p&PteW != 0 }
func (p Pte_t) Executable() bool { return p&PteX != 0 }
func (p Pte_t) User() bool       { return p&PteU != 0 }
func (p Pte_t) Accessed() bool   { return p&PteA != 0 }
func (p Pte_t) Dirty() bool      { return p&PteD != 0 }

// Allows reports whether this PTE's permission bits satisfy the requested
// access kind.
func (p Pte_t) Allows(write, exec bool) bool {
	if !p.Valid() {
		return false
	}
	if write && !p.Writable() {
		return false
	}
	if exec && !p.Executable() {
		return false
	}
	return true
}
