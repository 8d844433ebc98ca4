package linker

import "debug/elf"

// OutputRelocSectionWriter is the relocation section of one output
// section in relocatable output.
type OutputRelocSectionWriter struct {
	OutputWriter
	Target *OutputSection
	Relocs []*Relocation
	rela   bool
}

func NewOutputRelocSectionWriter(codec ElfCodec, target *OutputSection, rela bool) *OutputRelocSectionWriter {
	w := &OutputRelocSectionWriter{OutputWriter: *NewOutputWriter(), Target: target, rela: rela}
	w.Shdr.Type = uint32(elf.SHT_REL)
	w.Name = ".rel" + target.Name
	if rela {
		w.Shdr.Type = uint32(elf.SHT_RELA)
		w.Name = ".rela" + target.Name
	}
	w.Shdr.Flags = uint64(elf.SHF_INFO_LINK)
	w.Shdr.AddrAlign = uint64(codec.WordSize())
	w.Shdr.EntSize = uint64(codec.RelSize(rela))
	return w
}

// partialSymbol maps a relocation symbol to its .symtab index. Locals
// that are not emitted, section symbols included, are rewritten against
// the section symbol of their output section; delta is what that adds
// to the addend.
func partialSymbol(m *Module, sym *Symbol) (idx uint32, delta uint64) {
	if sym.SymtabIdx >= 0 {
		return uint32(sym.SymtabIdx), 0
	}
	if sym.FragRef == nil {
		return 0, 0
	}
	osec := m.Section(sym.FragRef.Section).OutputSection
	if osec == nil || osec.SymtabIdx < 0 {
		return 0, 0
	}
	return uint32(osec.SymtabIdx), m.OutputOffset(*sym.FragRef)
}

func (w *OutputRelocSectionWriter) UpdateShdr(m *Module) {
	w.Shdr.Size = uint64(len(w.Relocs) * m.Codec.RelSize(w.rela))
	w.Shdr.Info = uint32(w.Target.Shndx)
	if m.Symtab != nil {
		w.Shdr.Link = uint32(m.Symtab.Shndx)
	}
}

func (w *OutputRelocSectionWriter) CopyBuf(m *Module) {
	base := m.Buf[w.Shdr.Offset:]
	size := m.Codec.RelSize(w.rela)
	for i, rel := range w.Relocs {
		idx, delta := partialSymbol(m, rel.Sym)
		ent := Rela{
			Offset: m.OutputOffset(rel.TargetRef),
			Type:   rel.Type,
			Sym:    idx,
		}
		if w.rela {
			ent.Addend = rel.Addend + int64(delta)
		}
		m.Codec.WriteRel(base[i*size:], &ent, w.rela)
	}
}

// AdjustImplicitAddends folds the section offset of rewritten symbols
// into the addend stored at the place. REL only; runs once.
func (w *OutputRelocSectionWriter) AdjustImplicitAddends(m *Module) {
	if w.rela {
		return
	}
	for _, rel := range w.Relocs {
		if _, delta := partialSymbol(m, rel.Sym); delta != 0 && rel.Size > 0 {
			rel.Target = truncate(rel.Target+delta, rel.Size)
		}
	}
}
