package linker

import (
	"debug/elf"
	"encoding/binary"

	"github.com/hcyang1106/fraglinker/pkg/diag"
	"github.com/hcyang1106/fraglinker/pkg/utils"
)

type x86_64Backend struct {
	backendBase
	relocator *x86_64Relocator
}

func newX86_64Backend() *x86_64Backend {
	b := &x86_64Backend{
		backendBase: backendBase{
			triple:  "x86_64-unknown-linux-gnu",
			mtype:   MachineTypeX86_64,
			machine: elf.EM_X86_64,
			class:   elf.ELFCLASS64,
			data:    elf.ELFDATA2LSB,
			interp:  "/lib64/ld-linux-x86-64.so.2",
		},
	}
	b.relocator = &x86_64Relocator{}
	return b
}

func (b *x86_64Backend) UseRela() bool { return true }
func (b *x86_64Backend) Relocator() Relocator { return b.relocator }

func (b *x86_64Backend) DynRelocTypes() DynRelocTypes {
	return DynRelocTypes{
		Relative: uint32(elf.R_X86_64_RELATIVE),
		GlobDat:  uint32(elf.R_X86_64_GLOB_DAT),
		JumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
		Abs:      uint32(elf.R_X86_64_64),
		TPOff:    uint32(elf.R_X86_64_TPOFF64),
	}
}

// Variant II TLS: the thread pointer points past the end of the block.
func (b *x86_64Backend) TPOffset(m *Module, sym *Symbol) uint64 {
	return sym.GetAddr() - utils.AlignTo(m.TLSEnd-m.TLSBegin, m.TLSAlign)
}

func (b *x86_64Backend) PltHeaderSize() int { return 16 }
func (b *x86_64Backend) PltEntrySize() int { return 16 }
func (b *x86_64Backend) GotPltReserved() int { return 3 }

// pushq GOT+8(%rip); jmp *GOT+16(%rip)
func (b *x86_64Backend) WritePltHeader(m *Module, buf []byte) {
	copy(buf, []byte{
		0xff, 0x35, 0, 0, 0, 0,
		0xff, 0x25, 0, 0, 0, 0,
		0x0f, 0x1f, 0x40, 0x00,
	})
	got := m.GotPlt.Shdr.Addr
	plt := m.Plt.Shdr.Addr
	binary.LittleEndian.PutUint32(buf[2:], uint32(got+8-plt-6))
	binary.LittleEndian.PutUint32(buf[8:], uint32(got+16-plt-12))
}

// jmp *slot(%rip); pushq idx; jmp PLT0
func (b *x86_64Backend) WritePltEntry(m *Module, buf []byte, sym *Symbol) {
	copy(buf, []byte{
		0xff, 0x25, 0, 0, 0, 0,
		0x68, 0, 0, 0, 0,
		0xe9, 0, 0, 0, 0,
	})
	ent := sym.GetPltAddr(m)
	binary.LittleEndian.PutUint32(buf[2:], uint32(m.GotPlt.EntryAddr(m, sym.PltIdx)-ent-6))
	binary.LittleEndian.PutUint32(buf[7:], uint32(sym.PltIdx))
	binary.LittleEndian.PutUint32(buf[12:], uint32(m.Plt.Shdr.Addr-ent-16))
}

// Lazy slots first point back at the pushq of their own entry.
func (b *x86_64Backend) GotPltEntryValue(m *Module, sym *Symbol) uint64 {
	return sym.GetPltAddr(m) + 6
}

type x86_64Relocator struct{}

func (r *x86_64Relocator) Name(typ uint32) string {
	return elf.R_X86_64(typ).String()
}

func (r *x86_64Relocator) NoneType() uint32 {
	return uint32(elf.R_X86_64_NONE)
}

func (r *x86_64Relocator) Size(typ uint32) uint32 {
	switch elf.R_X86_64(typ) {
	case elf.R_X86_64_NONE:
		return 0
	case elf.R_X86_64_8, elf.R_X86_64_PC8:
		return 8
	case elf.R_X86_64_16, elf.R_X86_64_PC16:
		return 16
	case elf.R_X86_64_64, elf.R_X86_64_PC64, elf.R_X86_64_GOTOFF64,
		elf.R_X86_64_DTPOFF64, elf.R_X86_64_TPOFF64:
		return 64
	}
	return 32
}

func (r *x86_64Relocator) Scan(m *Module, rel *Relocation, isec *InputSection) {
	sym := rel.Sym
	switch elf.R_X86_64(rel.Type) {
	case elf.R_X86_64_64:
		scanAbsWord(m, r, rel, isec)
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		if m.Config.CodeGenType == CodeGenDynObj {
			reportReloc(m, diag.ErrUnsupportedRelocation, r, rel)
			return
		}
		scanPCRel(m, r, rel)
	case elf.R_X86_64_PC32, elf.R_X86_64_PC64:
		scanPCRel(m, r, rel)
	case elf.R_X86_64_PLT32:
		scanCall(m, rel)
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX,
		elf.R_X86_64_GOT32:
		sym.SetFlag(NeedsGot)
	case elf.R_X86_64_GOTTPOFF:
		sym.SetFlag(NeedsGotTp)
	case elf.R_X86_64_TPOFF32:
		if m.Config.CodeGenType == CodeGenDynObj {
			reportReloc(m, diag.ErrUnsupportedRelocation, r, rel)
		}
	case elf.R_X86_64_NONE, elf.R_X86_64_8, elf.R_X86_64_16, elf.R_X86_64_PC8,
		elf.R_X86_64_PC16, elf.R_X86_64_GOTPC32, elf.R_X86_64_GOTOFF64:
	default:
		reportReloc(m, diag.ErrUnsupportedRelocation, r, rel)
	}
}

func (r *x86_64Relocator) Apply(m *Module, rel *Relocation) RelocResult {
	sym := rel.Sym
	S := sym.GetAddr()
	A := uint64(rel.Addend)
	P := placeAddr(m, rel)

	var val uint64
	switch elf.R_X86_64(rel.Type) {
	case elf.R_X86_64_NONE:
		return RelocOK
	case elf.R_X86_64_64:
		if sym.PltIdx >= 0 && sym.IsDyn {
			S = sym.GetPltAddr(m)
		}
		rel.Target = S + A
		return RelocOK
	case elf.R_X86_64_32:
		val = branchTarget(m, sym) + A
		if !fitsUnsigned(val, 32) {
			return RelocOverflow
		}
	case elf.R_X86_64_32S:
		val = branchTarget(m, sym) + A
		if !fitsSigned(int64(val), 32) {
			return RelocOverflow
		}
	case elf.R_X86_64_16:
		val = S + A
		if !fitsUnsigned(val, 16) {
			return RelocOverflow
		}
	case elf.R_X86_64_8:
		val = S + A
		if !fitsUnsigned(val, 8) {
			return RelocOverflow
		}
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		val = branchTarget(m, sym) + A - P
		if !fitsSigned(int64(val), 32) {
			return RelocOverflow
		}
	case elf.R_X86_64_PC16:
		val = S + A - P
		if !fitsSigned(int64(val), 16) {
			return RelocOverflow
		}
	case elf.R_X86_64_PC8:
		val = S + A - P
		if !fitsSigned(int64(val), 8) {
			return RelocOverflow
		}
	case elf.R_X86_64_PC64:
		rel.Target = branchTarget(m, sym) + A - P
		return RelocOK
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		if sym.GotIdx < 0 {
			return RelocBadReloc
		}
		val = sym.GetGotAddr(m) + A - P
	case elf.R_X86_64_GOT32:
		if sym.GotIdx < 0 {
			return RelocBadReloc
		}
		val = sym.GetGotAddr(m) + A - m.GotBase()
	case elf.R_X86_64_GOTPC32:
		val = m.GotBase() + A - P
	case elf.R_X86_64_GOTOFF64:
		rel.Target = S + A - m.GotBase()
		return RelocOK
	case elf.R_X86_64_GOTTPOFF:
		if sym.GotTpIdx < 0 {
			return RelocBadReloc
		}
		val = m.Got.TpEntryAddr(m, sym) + A - P
	case elf.R_X86_64_TPOFF32:
		val = m.Backend.TPOffset(m, sym) + A
		if !fitsSigned(int64(val), 32) {
			return RelocOverflow
		}
	default:
		return RelocUnsupported
	}

	rel.Target = val & (1<<rel.Size - 1)
	return RelocOK
}
