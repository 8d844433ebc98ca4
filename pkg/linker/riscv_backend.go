package linker

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/hcyang1106/fraglinker/pkg/diag"
	"github.com/hcyang1106/fraglinker/pkg/utils"
)

type riscv64Backend struct {
	backendBase
	relocator *riscv64Relocator
}

func newRISCV64Backend() *riscv64Backend {
	return &riscv64Backend{
		backendBase: backendBase{
			triple:  "riscv64-unknown-linux-gnu",
			mtype:   MachineTypeRISCV64,
			machine: elf.EM_RISCV,
			class:   elf.ELFCLASS64,
			data:    elf.ELFDATA2LSB,
			interp:  "/lib/ld-linux-riscv64-lp64d.so.1",
		},
		relocator: &riscv64Relocator{
			hi20:  make(map[FragmentRef]*Relocation),
			stubs: make(map[islandKey]*Symbol),
		},
	}
}

func (b *riscv64Backend) UseRela() bool { return true }
func (b *riscv64Backend) Relocator() Relocator { return b.relocator }

func (b *riscv64Backend) DynRelocTypes() DynRelocTypes {
	return DynRelocTypes{
		Relative: uint32(elf.R_RISCV_RELATIVE),
		GlobDat:  uint32(elf.R_RISCV_64),
		JumpSlot: uint32(elf.R_RISCV_JUMP_SLOT),
		Abs:      uint32(elf.R_RISCV_64),
		TPOff:    uint32(elf.R_RISCV_TLS_TPREL64),
	}
}

// Variant I TLS: the thread pointer points at the start of the block.
func (b *riscv64Backend) TPOffset(m *Module, sym *Symbol) uint64 {
	return sym.GetAddr()
}

var (
	riscvPltHeader = []uint32{
		0x00000397, // auipc  t2, %pcrel_hi(.got.plt)
		0x41c30333, // sub    t1, t1, t3
		0x0003be03, // ld     t3, %pcrel_lo(1b)(t2)
		0xfd430313, // addi   t1, t1, -pltHeaderSize-12
		0x00038293, // addi   t0, t2, %pcrel_lo(1b)
		0x00135313, // srli   t1, t1, 1
		0x0082b283, // ld     t0, 8(t0)
		0x000e0067, // jr     t3
	}
	riscvPltEntry = []uint32{
		0x00000e17, // auipc   t3, %pcrel_hi(function@.got.plt)
		0x000e3e03, // ld      t3, %pcrel_lo(1b)(t3)
		0x000e0367, // jalr    t1, t3
		0x00000013, // nop
	}
)

func (b *riscv64Backend) PltHeaderSize() int { return 32 }
func (b *riscv64Backend) PltEntrySize() int { return 16 }
func (b *riscv64Backend) GotPltReserved() int { return 2 }

func (b *riscv64Backend) WritePltHeader(m *Module, buf []byte) {
	val := uint32(m.GotPlt.Shdr.Addr - m.Plt.Shdr.Addr)
	insns := append([]uint32(nil), riscvPltHeader...)
	insns[0] = writeUtype(insns[0], val)
	insns[2] = writeItype(insns[2], val)
	insns[4] = writeItype(insns[4], val)
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(buf[i*4:], insn)
	}
}

func (b *riscv64Backend) WritePltEntry(m *Module, buf []byte, sym *Symbol) {
	val := uint32(m.GotPlt.EntryAddr(m, sym.PltIdx) - sym.GetPltAddr(m))
	insns := append([]uint32(nil), riscvPltEntry...)
	insns[0] = writeUtype(insns[0], val)
	insns[1] = writeItype(insns[1], val)
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(buf[i*4:], insn)
	}
}

func (b *riscv64Backend) GotPltEntryValue(m *Module, sym *Symbol) uint64 {
	return m.Plt.Shdr.Addr
}

// Relax sends JAL instructions whose target is out of reach through a
// stub placed at the end of .text.
func (b *riscv64Backend) Relax(m *Module) bool {
	if m.Config.Options.NoRelax || m.Config.CodeGenType == CodeGenObject {
		return false
	}
	return b.relocator.placeIslands(m)
}

type islandKey struct {
	sym    *Symbol
	addend int64
}

type riscv64Relocator struct {
	// HI20 relocations by place, looked up by their LO12 halves
	hi20   map[FragmentRef]*Relocation
	island *InputSection
	stubs  map[islandKey]*Symbol
}

func (r *riscv64Relocator) Name(typ uint32) string {
	return elf.R_RISCV(typ).String()
}

func (r *riscv64Relocator) NoneType() uint32 {
	return uint32(elf.R_RISCV_NONE)
}

func (r *riscv64Relocator) Size(typ uint32) uint32 {
	switch elf.R_RISCV(typ) {
	case elf.R_RISCV_NONE, elf.R_RISCV_RELAX, elf.R_RISCV_ALIGN, elf.R_RISCV_TPREL_ADD:
		return 0
	case elf.R_RISCV_64, elf.R_RISCV_ADD64, elf.R_RISCV_SUB64, elf.R_RISCV_CALL,
		elf.R_RISCV_CALL_PLT:
		return 64
	case elf.R_RISCV_ADD8, elf.R_RISCV_SUB8, elf.R_RISCV_SET6, elf.R_RISCV_SUB6,
		elf.R_RISCV_SET8:
		return 8
	case elf.R_RISCV_ADD16, elf.R_RISCV_SUB16, elf.R_RISCV_SET16, elf.R_RISCV_RVC_BRANCH,
		elf.R_RISCV_RVC_JUMP:
		return 16
	}
	return 32
}

func (r *riscv64Relocator) Scan(m *Module, rel *Relocation, isec *InputSection) {
	sym := rel.Sym
	switch elf.R_RISCV(rel.Type) {
	case elf.R_RISCV_64:
		scanAbsWord(m, r, rel, isec)
	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT, elf.R_RISCV_JAL, elf.R_RISCV_BRANCH:
		scanCall(m, rel)
	case elf.R_RISCV_PCREL_HI20:
		r.hi20[rel.TargetRef] = rel
		scanPCRel(m, r, rel)
	case elf.R_RISCV_GOT_HI20:
		r.hi20[rel.TargetRef] = rel
		sym.SetFlag(NeedsGot)
	case elf.R_RISCV_TLS_GOT_HI20:
		r.hi20[rel.TargetRef] = rel
		sym.SetFlag(NeedsGotTp)
	case elf.R_RISCV_HI20, elf.R_RISCV_LO12_I, elf.R_RISCV_LO12_S, elf.R_RISCV_32,
		elf.R_RISCV_TPREL_HI20, elf.R_RISCV_TPREL_LO12_I, elf.R_RISCV_TPREL_LO12_S:
		if m.Config.CodeGenType == CodeGenDynObj {
			reportReloc(m, diag.ErrUnsupportedRelocation, r, rel)
		}
	case elf.R_RISCV_NONE, elf.R_RISCV_RELAX, elf.R_RISCV_ALIGN, elf.R_RISCV_TPREL_ADD,
		elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S,
		elf.R_RISCV_ADD8, elf.R_RISCV_ADD16, elf.R_RISCV_ADD32, elf.R_RISCV_ADD64,
		elf.R_RISCV_SUB8, elf.R_RISCV_SUB16, elf.R_RISCV_SUB32, elf.R_RISCV_SUB64,
		elf.R_RISCV_SUB6, elf.R_RISCV_SET6, elf.R_RISCV_SET8, elf.R_RISCV_SET16,
		elf.R_RISCV_SET32, elf.R_RISCV_32_PCREL, elf.R_RISCV_RVC_BRANCH, elf.R_RISCV_RVC_JUMP:
	default:
		reportReloc(m, diag.ErrUnsupportedRelocation, r, rel)
	}
}

// hiValue is what a HI20 relocation computes: the full PC relative
// offset whose low bits its LO12 partner needs.
func (r *riscv64Relocator) hiValue(m *Module, hi *Relocation) uint64 {
	A := uint64(hi.Addend)
	P := placeAddr(m, hi)
	switch elf.R_RISCV(hi.Type) {
	case elf.R_RISCV_GOT_HI20:
		return hi.Sym.GetGotAddr(m) + A - P
	case elf.R_RISCV_TLS_GOT_HI20:
		return m.Got.TpEntryAddr(m, hi.Sym) + A - P
	}
	return branchTarget(m, hi.Sym) + A - P
}

func (r *riscv64Relocator) Apply(m *Module, rel *Relocation) RelocResult {
	sym := rel.Sym
	S := sym.GetAddr()
	A := uint64(rel.Addend)
	P := placeAddr(m, rel)
	insn := uint32(rel.Target)

	switch elf.R_RISCV(rel.Type) {
	case elf.R_RISCV_NONE, elf.R_RISCV_RELAX, elf.R_RISCV_ALIGN, elf.R_RISCV_TPREL_ADD:
		return RelocOK
	case elf.R_RISCV_32:
		rel.Target = uint64(uint32(S + A))
	case elf.R_RISCV_64:
		if sym.PltIdx >= 0 && sym.IsDyn {
			S = sym.GetPltAddr(m)
		}
		rel.Target = S + A
	case elf.R_RISCV_BRANCH:
		val := branchTarget(m, sym) + A - P
		if !fitsSigned(int64(val), 13) {
			return RelocOverflow
		}
		rel.Target = uint64(writeBtype(insn, uint32(val)))
	case elf.R_RISCV_JAL:
		val := branchTarget(m, sym) + A - P
		if !fitsSigned(int64(val), 21) {
			return RelocOverflow
		}
		rel.Target = uint64(writeJtype(insn, uint32(val)))
	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		val := branchTarget(m, sym) + A - P
		if !fitsSigned(int64(val)+0x800, 32) {
			return RelocOverflow
		}
		auipc := writeUtype(uint32(rel.Target), uint32(val))
		jalr := writeItype(uint32(rel.Target>>32), uint32(val))
		rel.Target = uint64(jalr)<<32 | uint64(auipc)
	case elf.R_RISCV_PCREL_HI20, elf.R_RISCV_GOT_HI20, elf.R_RISCV_TLS_GOT_HI20:
		if rel.Type == uint32(elf.R_RISCV_GOT_HI20) && sym.GotIdx < 0 ||
			rel.Type == uint32(elf.R_RISCV_TLS_GOT_HI20) && sym.GotTpIdx < 0 {
			return RelocBadReloc
		}
		rel.Target = uint64(writeUtype(insn, uint32(r.hiValue(m, rel))))
	case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
		if sym.FragRef == nil {
			return RelocBadReloc
		}
		hi, ok := r.hi20[*sym.FragRef]
		if !ok {
			return RelocBadReloc
		}
		val := uint32(r.hiValue(m, hi))
		if rel.Type == uint32(elf.R_RISCV_PCREL_LO12_I) {
			rel.Target = uint64(writeItype(insn, val))
		} else {
			rel.Target = uint64(writeStype(insn, val))
		}
	case elf.R_RISCV_HI20:
		rel.Target = uint64(writeUtype(insn, uint32(S+A)))
	case elf.R_RISCV_LO12_I:
		rel.Target = uint64(writeItype(insn, uint32(S+A)))
	case elf.R_RISCV_LO12_S:
		rel.Target = uint64(writeStype(insn, uint32(S+A)))
	case elf.R_RISCV_TPREL_HI20:
		rel.Target = uint64(writeUtype(insn, uint32(m.Backend.TPOffset(m, sym)+A)))
	case elf.R_RISCV_TPREL_LO12_I:
		rel.Target = uint64(writeItype(insn, uint32(m.Backend.TPOffset(m, sym)+A)))
	case elf.R_RISCV_TPREL_LO12_S:
		rel.Target = uint64(writeStype(insn, uint32(m.Backend.TPOffset(m, sym)+A)))
	case elf.R_RISCV_ADD8, elf.R_RISCV_ADD16, elf.R_RISCV_ADD32, elf.R_RISCV_ADD64:
		rel.Target = truncate(rel.Target+S+A, rel.Size)
	case elf.R_RISCV_SUB8, elf.R_RISCV_SUB16, elf.R_RISCV_SUB32, elf.R_RISCV_SUB64:
		rel.Target = truncate(rel.Target-(S+A), rel.Size)
	case elf.R_RISCV_SUB6:
		rel.Target = rel.Target&0xc0 | (rel.Target-(S+A))&0x3f
	case elf.R_RISCV_SET6:
		rel.Target = rel.Target&0xc0 | (S+A)&0x3f
	case elf.R_RISCV_SET8, elf.R_RISCV_SET16, elf.R_RISCV_SET32:
		rel.Target = truncate(S+A, rel.Size)
	case elf.R_RISCV_32_PCREL:
		rel.Target = uint64(uint32(S + A - P))
	case elf.R_RISCV_RVC_BRANCH:
		val := uint16(branchTarget(m, sym) + A - P)
		rel.Target = uint64(uint16(rel.Target)&0b111_000_111_00000_11 | cbtype(val))
	case elf.R_RISCV_RVC_JUMP:
		val := uint16(branchTarget(m, sym) + A - P)
		rel.Target = uint64(uint16(rel.Target)&0b111_00000000000_11 | cjtype(val))
	default:
		return RelocUnsupported
	}
	return RelocOK
}

// placeIslands adds a stub for every out of range JAL. The stub is an
// auipc/jalr pair patched by a CALL relocation.
func (r *riscv64Relocator) placeIslands(m *Module) bool {
	changed := false
	for _, obj := range m.Objs {
		for _, rs := range obj.RelocSections {
			if rs.Kind == SectionKindIgnore || rs.RelocData == nil {
				continue
			}
			for _, rel := range rs.RelocData.Relocs {
				if rel.Type != uint32(elf.R_RISCV_JAL) {
					continue
				}
				dest := m.SymbolAddr(rel.Sym)
				if rel.Sym.PltIdx >= 0 {
					dest = rel.Sym.GetPltAddr(m)
				}
				if fitsSigned(int64(dest+uint64(rel.Addend)-placeAddr(m, rel)), 21) {
					continue
				}
				rel.Sym = r.islandStub(m, rel.Sym, rel.Addend)
				rel.Addend = 0
				changed = true
			}
		}
	}
	return changed
}

func (r *riscv64Relocator) islandStub(m *Module, target *Symbol, addend int64) *Symbol {
	key := islandKey{sym: target, addend: addend}
	if stub, ok := r.stubs[key]; ok {
		return stub
	}

	if r.island == nil {
		r.island = m.InternalObj.addInternalSection(m, ".text", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), 4)
		osec := GetOutputSection(m, ".text", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR))
		r.island.OutputSection = osec
		osec.InputSections = append(osec.InputSections, r.island)
	}

	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code, 0x00000317)     // auipc t1, 0
	binary.LittleEndian.PutUint32(code[4:], 0x00030067) // jalr x0, 0(t1)
	offset := r.island.AppendFragment(NewRegionFragment(FragmentKindRegion, code), 4)

	ref := FragmentRef{Section: r.island.ID, Offset: offset}
	m.IslandRelocs = append(m.IslandRelocs, &Relocation{
		Type:      uint32(elf.R_RISCV_CALL),
		TargetRef: ref,
		Sym:       target,
		Addend:    addend,
		Target:    binary.LittleEndian.Uint64(code),
		Size:      64,
	})

	stub := m.InternalObj.addLocalSymbol(fmt.Sprintf("%s.island", target.Name), ref)
	r.stubs[key] = stub
	return stub
}

func itype(val uint32) uint32 {
	return val << 20
}

func stype(val uint32) uint32 {
	return utils.Bits(val, 11, 5)<<25 | utils.Bits(val, 4, 0)<<7
}

func btype(val uint32) uint32 {
	return utils.Bit(val, 12)<<31 | utils.Bits(val, 10, 5)<<25 |
		utils.Bits(val, 4, 1)<<8 | utils.Bit(val, 11)<<7
}

func utype(val uint32) uint32 {
	return (val + 0x800) & 0xffff_f000
}

func jtype(val uint32) uint32 {
	return utils.Bit(val, 20)<<31 | utils.Bits(val, 10, 1)<<21 |
		utils.Bit(val, 11)<<20 | utils.Bits(val, 19, 12)<<12
}

func cbtype(val uint16) uint16 {
	return utils.Bit(val, 8)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 3)<<10 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 6)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func cjtype(val uint16) uint16 {
	return utils.Bit(val, 11)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 9)<<10 |
		utils.Bit(val, 8)<<9 | utils.Bit(val, 10)<<8 | utils.Bit(val, 6)<<7 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 3)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func writeItype(insn, val uint32) uint32 {
	mask := uint32(0b000000_00000_11111_111_11111_1111111)
	return insn&mask | itype(val)
}

func writeStype(insn, val uint32) uint32 {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	return insn&mask | stype(val)
}

func writeBtype(insn, val uint32) uint32 {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	return insn&mask | btype(val)
}

func writeUtype(insn, val uint32) uint32 {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	return insn&mask | utype(val)
}

func writeJtype(insn, val uint32) uint32 {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	return insn&mask | jtype(val)
}
