package linker

import (
	"debug/elf"
)

type SymbolBinding uint8

const (
	BindingLocal SymbolBinding = iota
	BindingGlobal
	BindingWeak
	// section-less symbols whose value is zero by construction, such as
	// weak references left unresolved in a final link
	BindingAbsolute
)

type SymbolDesc uint8

const (
	DescUndefined SymbolDesc = iota
	DescDefine
	DescCommon
)

type SymbolType uint8

const (
	TypeNoType SymbolType = iota
	TypeObject
	TypeFunction
	TypeSection
	TypeFile
	TypeTLS
	TypeIFunc
)

// ResolveInfo is the canonical description of a name after resolution.
type ResolveInfo struct {
	Name       string
	Binding    SymbolBinding
	Desc       SymbolDesc
	Type       SymbolType
	Visibility elf.SymVis
	Size       uint64
	Align      uint64 // commons only
	IsDyn      bool   // defined by a shared object
}

func (r *ResolveInfo) IsUndef() bool {
	return r.Desc == DescUndefined
}

func (r *ResolveInfo) IsDefine() bool {
	return r.Desc == DescDefine
}

func (r *ResolveInfo) IsCommon() bool {
	return r.Desc == DescCommon
}

func (r *ResolveInfo) IsWeak() bool {
	return r.Binding == BindingWeak
}

func (r *ResolveInfo) IsLocal() bool {
	return r.Binding == BindingLocal
}

func (r *ResolveInfo) IsAbsolute() bool {
	return r.Binding == BindingAbsolute
}

// symbol flags
const (
	NeedsGot uint32 = 1 << iota
	NeedsPlt
	NeedsGotTp
	NeedsDynsym
	IsLinkerDefined
	IsReferenced
	IsExported
)

type Symbol struct {
	ResolveInfo

	File    *ObjectFile // defining object, or the internal file
	Shared  *SharedFile // defining shared object when IsDyn
	FragRef *FragmentRef
	Piece   *SectionFragment
	Value   uint64
	SymIdx  int
	Flags   uint32
	rank    candidateRank

	GotIdx    int32
	GotTpIdx  int32
	PltIdx    int32
	DynsymIdx int32
	SymtabIdx int32
}

func NewSymbol(name string) *Symbol {
	return &Symbol{
		ResolveInfo: ResolveInfo{Name: name},
		SymIdx:      -1,
		GotIdx:      -1,
		GotTpIdx:    -1,
		PltIdx:      -1,
		DynsymIdx:   -1,
		SymtabIdx:   -1,
	}
}

func GetSymbolByName(m *Module, name string) *Symbol {
	if sym, ok := m.SymbolMap[name]; ok {
		return sym
	}
	m.SymbolMap[name] = NewSymbol(name)
	return m.SymbolMap[name]
}

func (s *Symbol) SetFlag(flag uint32) {
	s.Flags |= flag
}

func (s *Symbol) HasFlag(flag uint32) bool {
	return s.Flags&flag != 0
}

// GetAddr is the symbol's address once layout is done. Finalized values
// already include the section address, except for merged pieces which
// are resolved here.
func (s *Symbol) GetAddr() uint64 {
	if s.Piece != nil {
		return s.Piece.GetAddr() + s.Value
	}
	return s.Value
}

func (s *Symbol) GetGotAddr(m *Module) uint64 {
	return m.Got.Shdr.Addr + uint64(s.GotIdx)*uint64(m.WordSize())
}

func (s *Symbol) GetPltAddr(m *Module) uint64 {
	return m.Plt.EntryAddr(m, s.PltIdx)
}

// IsPreemptible reports whether the dynamic loader may bind the name to
// a definition in another module.
func (s *Symbol) IsPreemptible(cfg *LinkerConfig) bool {
	if s.IsLocal() || s.IsAbsolute() || s.Visibility != elf.STV_DEFAULT {
		return false
	}
	if s.IsDyn {
		return true
	}
	if s.IsUndef() {
		return cfg.CodeGenType == CodeGenDynObj
	}
	return cfg.CodeGenType == CodeGenDynObj && !cfg.Options.Bsymbolic
}

const sttGnuIfunc elf.SymType = 10

func symbolTypeFromElf(t elf.SymType) SymbolType {
	switch t {
	case elf.STT_OBJECT, elf.STT_COMMON:
		return TypeObject
	case elf.STT_FUNC:
		return TypeFunction
	case elf.STT_SECTION:
		return TypeSection
	case elf.STT_FILE:
		return TypeFile
	case elf.STT_TLS:
		return TypeTLS
	case sttGnuIfunc:
		return TypeIFunc
	}
	return TypeNoType
}

func (t SymbolType) Elf() elf.SymType {
	switch t {
	case TypeObject:
		return elf.STT_OBJECT
	case TypeFunction:
		return elf.STT_FUNC
	case TypeSection:
		return elf.STT_SECTION
	case TypeFile:
		return elf.STT_FILE
	case TypeTLS:
		return elf.STT_TLS
	case TypeIFunc:
		return sttGnuIfunc
	}
	return elf.STT_NOTYPE
}

func (b SymbolBinding) Elf() elf.SymBind {
	switch b {
	case BindingLocal:
		return elf.STB_LOCAL
	case BindingWeak:
		return elf.STB_WEAK
	}
	return elf.STB_GLOBAL
}

func (s *Symbol) DisplayFile() string {
	switch {
	case s.Shared != nil:
		return s.Shared.File.DisplayName()
	case s.File != nil:
		return s.File.File.DisplayName()
	}
	return "<unknown>"
}
