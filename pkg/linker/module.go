package linker

import (
	"github.com/go-logr/logr"
	"github.com/hcyang1106/fraglinker/pkg/diag"
)

// Module owns every input, section, symbol and output chunk of one link.
// Resetting a link means dropping the Module and building a new one.
type Module struct {
	Config  *LinkerConfig
	Backend Backend
	Codec   ElfCodec
	Diag    *diag.Engine
	Log     logr.Logger

	Inputs      []*Input
	Objs        []*ObjectFile
	SharedFiles []*SharedFile
	InternalObj *ObjectFile

	Sections     []*InputSection
	SymbolMap    map[string]*Symbol
	ComdatGroups map[string]*ObjectFile

	MergedSections []*MergedSection
	OutputSections []*OutputSection
	OutputWriters  []iOutputWriter
	RelocWriters   []*OutputRelocSectionWriter

	Ehdr     *OutputEhdrWriter
	Phdr     *OutputPhdrsWriter
	Shdr     *OutputShdrsWriter
	Got      *OutputGotSectionWriter
	GotPlt   *OutputGotPltSectionWriter
	Plt      *OutputPltWriter
	RelDyn   *OutputRelDynWriter
	RelPlt   *OutputRelDynWriter
	Dynsym   *OutputDynsymWriter
	Dynstr   *OutputStrtabWriter
	Hash     *OutputHashWriter
	Dynamic  *OutputDynamicWriter
	Interp   *OutputInterpWriter
	Symtab   *OutputSymtabWriter
	Strtab   *OutputStrtabWriter
	Shstrtab *OutputStrtabWriter

	IslandRelocs []*Relocation
	CodePosition CodePosition
	NeededLibs   []string
	HasTextRel   bool

	TLSBegin uint64
	TLSEnd   uint64
	TLSAlign uint64

	Buf      []byte
	FileSize uint64
	laidOut  bool
}

func NewModule(cfg *LinkerConfig, engine *diag.Engine, log logr.Logger) *Module {
	return &Module{
		Config:       cfg,
		Diag:         engine,
		Log:          log,
		SymbolMap:    make(map[string]*Symbol),
		ComdatGroups: make(map[string]*ObjectFile),
	}
}

// AddSection registers sec in the section arena and assigns its ID.
func (m *Module) AddSection(sec *InputSection) SectionID {
	sec.ID = SectionID(len(m.Sections))
	m.Sections = append(m.Sections, sec)
	return sec.ID
}

func (m *Module) Section(id SectionID) *InputSection {
	return m.Sections[id]
}

// FragmentAt returns the fragment containing ref and the offset of ref
// inside that fragment.
func (m *Module) FragmentAt(ref FragmentRef) (*Fragment, uint64) {
	sec := m.Section(ref.Section)
	for i := len(sec.Fragments) - 1; i >= 0; i-- {
		frag := sec.Fragments[i]
		if frag.Offset <= ref.Offset {
			return frag, ref.Offset - frag.Offset
		}
	}
	return nil, 0
}

// OutputOffset is the offset of ref in its output section.
func (m *Module) OutputOffset(ref FragmentRef) uint64 {
	frag, offset := m.FragmentAt(ref)
	if frag == nil {
		return m.Section(ref.Section).Offset + ref.Offset
	}
	return frag.OutputOffset() + offset
}

// RefAddr is the virtual address of ref. Zero until the section has been
// placed in an output section.
func (m *Module) RefAddr(ref FragmentRef) uint64 {
	sec := m.Section(ref.Section)
	if sec.OutputSection == nil {
		return 0
	}
	return sec.OutputSection.Shdr.Addr + m.OutputOffset(ref)
}

// RefFileOffset is the file offset of ref in the output image.
func (m *Module) RefFileOffset(ref FragmentRef) uint64 {
	sec := m.Section(ref.Section)
	return sec.OutputSection.Shdr.Offset + m.OutputOffset(ref)
}

func (m *Module) WordSize() int {
	return m.Codec.WordSize()
}

func (m *Module) IsStatic() bool {
	return m.CodePosition == StaticDependent
}

func (m *Module) AddOutputWriter(w iOutputWriter) {
	m.OutputWriters = append(m.OutputWriters, w)
}

// SymbolAddr is the address of sym under the current layout. Unlike
// Symbol.GetAddr it does not need finalized values, so relaxation can
// use it between layout rounds.
func (m *Module) SymbolAddr(sym *Symbol) uint64 {
	switch {
	case sym.Piece != nil:
		return sym.Piece.GetAddr() + sym.Value
	case sym.FragRef != nil && m.Section(sym.FragRef.Section).OutputSection != nil:
		return m.RefAddr(*sym.FragRef)
	}
	return sym.Value
}

// GotBase is the address GOT relative relocations are computed from:
// .got.plt when present, .got otherwise.
func (m *Module) GotBase() uint64 {
	if m.GotPlt != nil && m.GotPlt.Shdr.Size > 0 {
		return m.GotPlt.Shdr.Addr
	}
	if m.Got != nil {
		return m.Got.Shdr.Addr
	}
	return 0
}
