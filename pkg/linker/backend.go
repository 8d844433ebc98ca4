package linker

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/hcyang1106/fraglinker/pkg/diag"
)

// Relocator knows the relocation types of one target. Scan runs during
// layout to reserve GOT, PLT and dynamic relocation space; Apply computes
// the patched word into rel.Target once symbols are final.
type Relocator interface {
	Name(typ uint32) string
	Size(typ uint32) uint32
	NoneType() uint32
	Scan(m *Module, rel *Relocation, isec *InputSection)
	Apply(m *Module, rel *Relocation) RelocResult
}

// DynRelocTypes are the dynamic relocation types a backend emits.
type DynRelocTypes struct {
	Relative uint32
	GlobDat  uint32
	JumpSlot uint32
	Abs      uint32
	TPOff    uint32
}

// PltEncoder lays out the lazy binding stubs of a target.
type PltEncoder interface {
	PltHeaderSize() int
	PltEntrySize() int
	GotPltReserved() int
	WritePltHeader(m *Module, buf []byte)
	WritePltEntry(m *Module, buf []byte, sym *Symbol)
	GotPltEntryValue(m *Module, sym *Symbol) uint64
}

type Backend interface {
	PltEncoder

	Triple() string
	MachineType() MachineType
	Machine() elf.Machine
	Class() elf.Class
	Data() elf.Data
	ByteOrder() binary.ByteOrder
	UseRela() bool
	Relocator() Relocator
	DefaultCodeGenType() CodeGenType
	DefaultDynamicLinker() string
	DynRelocTypes() DynRelocTypes

	// FinalizeTLSSymbol sets the value of a thread local symbol.
	FinalizeTLSSymbol(m *Module, sym *Symbol)
	// TPOffset is the offset of a TLS symbol from the thread pointer.
	TPOffset(m *Module, sym *Symbol) uint64
	// Relax rewrites what the current layout makes necessary, such as
	// out of range branches. It reports whether sizes changed.
	Relax(m *Module) bool
}

func NewBackend(machine MachineType) (Backend, error) {
	switch machine {
	case MachineTypeX86_64:
		return newX86_64Backend(), nil
	case MachineTypeI386:
		return newI386Backend(), nil
	case MachineTypeRISCV64:
		return newRISCV64Backend(), nil
	}
	return nil, fmt.Errorf("no backend for machine %s", machine)
}

type backendBase struct {
	triple  string
	mtype   MachineType
	machine elf.Machine
	class   elf.Class
	data    elf.Data
	interp  string
}

func (b *backendBase) Triple() string { return b.triple }
func (b *backendBase) MachineType() MachineType { return b.mtype }
func (b *backendBase) Machine() elf.Machine { return b.machine }
func (b *backendBase) Class() elf.Class { return b.class }
func (b *backendBase) Data() elf.Data { return b.data }
func (b *backendBase) DefaultCodeGenType() CodeGenType { return CodeGenExec }
func (b *backendBase) DefaultDynamicLinker() string { return b.interp }

func (b *backendBase) ByteOrder() binary.ByteOrder {
	if b.data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// FinalizeTLSSymbol makes the value the offset from the start of the TLS
// segment. Relocatable output keeps section relative values.
func (b *backendBase) FinalizeTLSSymbol(m *Module, sym *Symbol) {
	if sym.FragRef == nil || m.Section(sym.FragRef.Section).OutputSection == nil {
		return
	}
	if m.Config.CodeGenType == CodeGenObject {
		sym.Value = m.OutputOffset(*sym.FragRef)
		return
	}
	sym.Value = m.RefAddr(*sym.FragRef) - m.TLSBegin
}

func (b *backendBase) Relax(m *Module) bool {
	return false
}

func reportReloc(m *Module, id diag.ID, r Relocator, rel *Relocation) {
	name := "<none>"
	if rel.Sym != nil {
		name = rel.Sym.Name
	}
	m.Diag.Report(id, m.Section(rel.TargetRef.Section).DisplayName(), r.Name(rel.Type), name)
}

// placeAddr is P, the address being patched.
func placeAddr(m *Module, rel *Relocation) uint64 {
	return m.RefAddr(rel.TargetRef)
}

// branchTarget is S for calls and jumps: the PLT entry when the symbol
// has one.
func branchTarget(m *Module, sym *Symbol) uint64 {
	if sym.PltIdx >= 0 {
		return sym.GetPltAddr(m)
	}
	return sym.GetAddr()
}

func isDynamicOutput(m *Module) bool {
	return m.Config.CodeGenType != CodeGenObject && !m.IsStatic()
}

func markTextRel(m *Module, r Relocator, rel *Relocation, isec *InputSection) {
	if isec.Shdr.Flags&uint64(elf.SHF_WRITE) == 0 {
		reportReloc(m, diag.WarnTextRelocation, r, rel)
		m.HasTextRel = true
	}
}

// scanAbsWord handles a full word absolute relocation. Position
// independent output turns it into a dynamic relocation.
func scanAbsWord(m *Module, r Relocator, rel *Relocation, isec *InputSection) {
	sym := rel.Sym
	if !isDynamicOutput(m) || !isec.IsAlloc() {
		return
	}
	types := m.Backend.DynRelocTypes()

	switch {
	case sym.IsPreemptible(m.Config):
		if sym.IsDyn && m.Config.CodeGenType == CodeGenExec && sym.Type == TypeFunction {
			sym.SetFlag(NeedsPlt)
			return
		}
		sym.SetFlag(NeedsDynsym)
		markTextRel(m, r, rel, isec)
		m.RelDyn.Add(DynReloc{Type: types.Abs, Ref: rel.TargetRef, Sym: sym, Addend: rel.Addend})
	case m.Config.IsCodeIndep() && !sym.IsAbsolute() && sym.Desc != DescUndefined:
		markTextRel(m, r, rel, isec)
		m.RelDyn.Add(DynReloc{Type: types.Relative, Ref: rel.TargetRef, Base: sym, Addend: rel.Addend})
	}
}

// scanPCRel handles a PC relative data or branch reference to a symbol
// that may live in another module.
func scanPCRel(m *Module, r Relocator, rel *Relocation) {
	sym := rel.Sym
	if !isDynamicOutput(m) || !sym.IsPreemptible(m.Config) {
		return
	}
	if sym.Type == TypeFunction || sym.IsUndef() {
		sym.SetFlag(NeedsPlt)
		return
	}
	reportReloc(m, diag.ErrCopyRelocation, r, rel)
}

func scanCall(m *Module, rel *Relocation) {
	if isDynamicOutput(m) && rel.Sym.IsPreemptible(m.Config) {
		rel.Sym.SetFlag(NeedsPlt)
	}
}

func fitsSigned(val int64, bits uint) bool {
	limit := int64(1) << (bits - 1)
	return val >= -limit && val < limit
}

func fitsUnsigned(val uint64, bits uint) bool {
	return val>>bits == 0
}
