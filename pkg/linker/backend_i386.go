package linker

import (
	"debug/elf"
	"encoding/binary"

	"github.com/hcyang1106/fraglinker/pkg/diag"
	"github.com/hcyang1106/fraglinker/pkg/utils"
)

// i386 uses REL relocations: the addend is stored at the place and was
// loaded into Relocation.Target when the section was read.
type i386Backend struct {
	backendBase
	relocator *i386Relocator
}

func newI386Backend() *i386Backend {
	return &i386Backend{
		backendBase: backendBase{
			triple:  "i386-unknown-linux-gnu",
			mtype:   MachineTypeI386,
			machine: elf.EM_386,
			class:   elf.ELFCLASS32,
			data:    elf.ELFDATA2LSB,
			interp:  "/lib/ld-linux.so.2",
		},
		relocator: &i386Relocator{},
	}
}

func (b *i386Backend) UseRela() bool { return false }
func (b *i386Backend) Relocator() Relocator { return b.relocator }

func (b *i386Backend) DynRelocTypes() DynRelocTypes {
	return DynRelocTypes{
		Relative: uint32(elf.R_386_RELATIVE),
		GlobDat:  uint32(elf.R_386_GLOB_DAT),
		JumpSlot: uint32(elf.R_386_JMP_SLOT),
		Abs:      uint32(elf.R_386_32),
		TPOff:    uint32(elf.R_386_TLS_TPOFF),
	}
}

func (b *i386Backend) TPOffset(m *Module, sym *Symbol) uint64 {
	return sym.GetAddr() - utils.AlignTo(m.TLSEnd-m.TLSBegin, m.TLSAlign)
}

func (b *i386Backend) PltHeaderSize() int { return 16 }
func (b *i386Backend) PltEntrySize() int { return 16 }
func (b *i386Backend) GotPltReserved() int { return 3 }

// Shared objects reach the GOT through %ebx, executables use absolute
// addresses.
func (b *i386Backend) WritePltHeader(m *Module, buf []byte) {
	got := uint32(m.GotPlt.Shdr.Addr)
	if m.Config.IsCodeIndep() {
		copy(buf, []byte{
			0xff, 0xb3, 0x04, 0, 0, 0, // pushl 4(%ebx)
			0xff, 0xa3, 0x08, 0, 0, 0, // jmp *8(%ebx)
			0x90, 0x90, 0x90, 0x90,
		})
		return
	}
	copy(buf, []byte{
		0xff, 0x35, 0, 0, 0, 0, // pushl GOT+4
		0xff, 0x25, 0, 0, 0, 0, // jmp *GOT+8
		0x90, 0x90, 0x90, 0x90,
	})
	binary.LittleEndian.PutUint32(buf[2:], got+4)
	binary.LittleEndian.PutUint32(buf[8:], got+8)
}

func (b *i386Backend) WritePltEntry(m *Module, buf []byte, sym *Symbol) {
	slot := uint32(m.GotPlt.EntryAddr(m, sym.PltIdx))
	ent := uint32(sym.GetPltAddr(m))
	if m.Config.IsCodeIndep() {
		copy(buf, []byte{0xff, 0xa3, 0, 0, 0, 0}) // jmp *off(%ebx)
		binary.LittleEndian.PutUint32(buf[2:], slot-uint32(m.GotPlt.Shdr.Addr))
	} else {
		copy(buf, []byte{0xff, 0x25, 0, 0, 0, 0}) // jmp *slot
		binary.LittleEndian.PutUint32(buf[2:], slot)
	}
	buf[6] = 0x68 // pushl reloc offset
	binary.LittleEndian.PutUint32(buf[7:], uint32(sym.PltIdx)*uint32(m.Codec.RelSize(false)))
	buf[11] = 0xe9 // jmp PLT0
	binary.LittleEndian.PutUint32(buf[12:], uint32(m.Plt.Shdr.Addr)-ent-16)
}

func (b *i386Backend) GotPltEntryValue(m *Module, sym *Symbol) uint64 {
	return sym.GetPltAddr(m) + 6
}

type i386Relocator struct{}

func (r *i386Relocator) Name(typ uint32) string {
	return elf.R_386(typ).String()
}

func (r *i386Relocator) NoneType() uint32 {
	return uint32(elf.R_386_NONE)
}

func (r *i386Relocator) Size(typ uint32) uint32 {
	switch elf.R_386(typ) {
	case elf.R_386_NONE:
		return 0
	case elf.R_386_16, elf.R_386_PC16:
		return 16
	case elf.R_386_8, elf.R_386_PC8:
		return 8
	}
	return 32
}

func (r *i386Relocator) Scan(m *Module, rel *Relocation, isec *InputSection) {
	switch elf.R_386(rel.Type) {
	case elf.R_386_32:
		scanAbsWord(m, r, rel, isec)
	case elf.R_386_PC32:
		scanPCRel(m, r, rel)
	case elf.R_386_PLT32:
		scanCall(m, rel)
	case elf.R_386_GOT32, elf.R_386_GOT32X:
		rel.Sym.SetFlag(NeedsGot)
	case elf.R_386_TLS_IE:
		rel.Sym.SetFlag(NeedsGotTp)
	case elf.R_386_TLS_LE:
		if m.Config.CodeGenType == CodeGenDynObj {
			reportReloc(m, diag.ErrUnsupportedRelocation, r, rel)
		}
	case elf.R_386_NONE, elf.R_386_GOTOFF, elf.R_386_GOTPC, elf.R_386_16, elf.R_386_PC16,
		elf.R_386_8, elf.R_386_PC8:
	default:
		reportReloc(m, diag.ErrUnsupportedRelocation, r, rel)
	}
}

func (r *i386Relocator) Apply(m *Module, rel *Relocation) RelocResult {
	sym := rel.Sym
	S := sym.GetAddr()
	A := utils.SignExtend(rel.Target, int(rel.Size)-1) + uint64(rel.Addend)
	P := placeAddr(m, rel)

	var val uint64
	switch elf.R_386(rel.Type) {
	case elf.R_386_NONE:
		return RelocOK
	case elf.R_386_32:
		switch {
		case sym.PltIdx >= 0 && sym.IsDyn:
			S = sym.GetPltAddr(m)
		case isDynamicOutput(m) && sym.IsPreemptible(m.Config):
			// the dynamic loader adds S to the addend left here
			S = 0
		}
		val = S + A
	case elf.R_386_16, elf.R_386_8:
		val = S + A
		if !fitsUnsigned(val, uint(rel.Size)) {
			return RelocOverflow
		}
	case elf.R_386_PC32, elf.R_386_PLT32:
		val = branchTarget(m, sym) + A - P
	case elf.R_386_PC16, elf.R_386_PC8:
		val = S + A - P
		if !fitsSigned(int64(val), uint(rel.Size)) {
			return RelocOverflow
		}
	case elf.R_386_GOT32, elf.R_386_GOT32X:
		if sym.GotIdx < 0 {
			return RelocBadReloc
		}
		val = sym.GetGotAddr(m) + A - m.GotBase()
	case elf.R_386_GOTOFF:
		val = S + A - m.GotBase()
	case elf.R_386_GOTPC:
		val = m.GotBase() + A - P
	case elf.R_386_TLS_IE:
		if sym.GotTpIdx < 0 {
			return RelocBadReloc
		}
		val = m.Got.TpEntryAddr(m, sym) + A
	case elf.R_386_TLS_LE:
		val = m.Backend.TPOffset(m, sym) + A
	default:
		return RelocUnsupported
	}

	rel.Target = val & (1<<rel.Size - 1)
	return RelocOK
}
