package linker

import (
	"debug/elf"
	"slices"

	"golang.org/x/exp/maps"
)

// OutputSymtabWriter is .symtab: section symbols (relocatable output
// only), then locals in input order, then globals sorted by name.
type OutputSymtabWriter struct {
	OutputWriter
	Sections []*OutputSection
	Locals   []*Symbol
	Globals  []*Symbol
}

func NewOutputSymtabWriter(codec ElfCodec) *OutputSymtabWriter {
	s := &OutputSymtabWriter{OutputWriter: *NewOutputWriter()}
	s.Name = ".symtab"
	s.Shdr.Type = uint32(elf.SHT_SYMTAB)
	s.Shdr.AddrAlign = uint64(codec.WordSize())
	s.Shdr.EntSize = uint64(codec.SymSize())
	return s
}

// Collect picks the symbols to emit and numbers them. It needs final
// output section sizes, since symbols in empty sections are dropped.
func (s *OutputSymtabWriter) Collect(m *Module) {
	if m.Config.CodeGenType == CodeGenObject {
		for _, osec := range m.OutputSections {
			if osec.Shdr.Size == 0 {
				continue
			}
			osec.SymtabIdx = int32(1 + len(s.Sections))
			s.Sections = append(s.Sections, osec)
		}
	}

	idx := int32(1 + len(s.Sections))
	for _, obj := range m.Objs {
		for _, sym := range obj.LocalSymbols {
			if !includeLocal(m, sym) {
				continue
			}
			sym.SymtabIdx = idx
			idx++
			s.Locals = append(s.Locals, sym)
			m.Strtab.Add(sym.Name)
		}
	}
	s.Shdr.Info = uint32(idx)

	names := maps.Keys(m.SymbolMap)
	slices.Sort(names)
	for _, name := range names {
		sym := m.SymbolMap[name]
		if !includeGlobal(sym) {
			continue
		}
		sym.SymtabIdx = idx
		idx++
		s.Globals = append(s.Globals, sym)
		m.Strtab.Add(sym.Name)
	}
}

func isPlaced(m *Module, sym *Symbol) bool {
	switch {
	case sym.Piece != nil:
		return sym.Piece.IsAlive
	case sym.FragRef != nil:
		osec := m.Section(sym.FragRef.Section).OutputSection
		return osec != nil && osec.Shdr.Size > 0
	}
	return true
}

func includeLocal(m *Module, sym *Symbol) bool {
	if sym == nil || sym.Name == "" || sym.Type == TypeSection || sym.IsUndef() {
		return false
	}
	return isPlaced(m, sym)
}

func includeGlobal(sym *Symbol) bool {
	if sym.IsDyn {
		return sym.HasFlag(IsReferenced)
	}
	return sym.File != nil || sym.HasFlag(IsReferenced)
}

func (s *OutputSymtabWriter) UpdateShdr(m *Module) {
	n := 1 + len(s.Sections) + len(s.Locals) + len(s.Globals)
	s.Shdr.Size = uint64(n * m.Codec.SymSize())
	s.Shdr.Link = uint32(m.Strtab.Shndx)
}

func (s *OutputSymtabWriter) CopyBuf(m *Module) {
	base := m.Buf[s.Shdr.Offset:]
	size := m.Codec.SymSize()
	m.Codec.WriteSym(base, &Sym{})

	i := 1
	for _, osec := range s.Sections {
		esym := Sym{
			Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION),
			Shndx: uint16(osec.Shndx),
		}
		m.Codec.WriteSym(base[i*size:], &esym)
		i++
	}
	for _, syms := range [][]*Symbol{s.Locals, s.Globals} {
		for _, sym := range syms {
			esym := elfSymbol(m, sym)
			esym.Name = m.Strtab.Add(sym.Name)
			m.Codec.WriteSym(base[i*size:], &esym)
			i++
		}
	}
}
