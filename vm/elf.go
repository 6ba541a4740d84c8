package vm

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/google/uuid"

	"mem"
)

// NewUserFromELF builds a fresh user memory set from an ELF64 RISC-V
// executable, eagerly mapping each PT_LOAD segment, appending a lazy stack
// area of stackPages pages just below the trampoline's guard page, and
// returning the memory set and the entry point. The stack's address is not
// returned. Grounded on
// original_source's memory_set.rs::from_elf (push a Framed area per
// program header, copy_data its bytes in immediately, then append a
// fixed-size stack area below the trampoline).
//
// Grounded in its header-validation shape on biscuit's own
// cmd/kernel/chentry.go, which already imports debug/elf and checks
// Ident/Type/Machine before trusting a binary; this generalizes that check
// from x86-64 to riscv64 and from ET_EXEC-only to ET_EXEC or ET_DYN.
func (sys *System) NewUserFromELF(r io.ReaderAt, id uuid.UUID, stackPages int) (ms *MemorySet, entry mem.Va_t, err error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, 0, fmt.Errorf("vm: parse elf: %w", err)
	}
	if err := checkELF(&f.FileHeader); err != nil {
		return nil, 0, err
	}

	ms = sys.newBareMemorySet(id)
	ms.mu.Lock()
	ms.mapTrampolineLocked(sys.TrampolinePhys)

	maxEnd := mem.Va_t(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		perm := progPerm(prog.Flags)
		start := mem.Va_t(prog.Vaddr)
		sz := prog.Filesz
		if prog.Memsz > sz {
			sz = prog.Memsz
		}
		end := (start + mem.Va_t(sz)).Roundup()
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil && err != io.EOF {
			ms.mu.Unlock()
			ms.Clear()
			return nil, 0, fmt.Errorf("vm: read segment: %w", err)
		}
		ms.mapFramedEagerLocked(mem.NewVpnRange(start, end), perm, data)
		if end > maxEnd {
			maxEnd = end
		}
	}

	stackTop := Trampoline - mem.Va_t(mem.PageSize) // one guard page below trampoline
	stackBottom := stackTop - mem.Va_t(stackPages*mem.PageSize)
	ms.areas = append(ms.areas, newArea(mem.NewVpnRange(stackBottom, stackTop), Framed, mem.PermR|mem.PermW|mem.PermU))

	ms.mu.Unlock()
	sys.addToScheduler(ms)
	sys.Log.WithFields(map[string]interface{}{
		"entry":       f.Entry,
		"stack_pages": stackPages,
	}).Info("vm: user address space loaded from elf")
	return ms, mem.Va_t(f.Entry), nil
}

func checkELF(eh *elf.FileHeader) error {
	if eh.Class != elf.ELFCLASS64 {
		return fmt.Errorf("vm: not a 64-bit elf")
	}
	if eh.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("vm: not little-endian")
	}
	if eh.Type != elf.ET_EXEC && eh.Type != elf.ET_DYN {
		return fmt.Errorf("vm: not an executable elf")
	}
	if eh.Machine != elf.EM_RISCV {
		return fmt.Errorf("vm: not a riscv elf")
	}
	return nil
}

func progPerm(flags elf.ProgFlag) mem.Perm {
	perm := mem.PermU
	if flags&elf.PF_R != 0 {
		perm |= mem.PermR
	}
	if flags&elf.PF_W != 0 {
		perm |= mem.PermW
	}
	if flags&elf.PF_X != 0 {
		perm |= mem.PermX
	}
	return perm
}
