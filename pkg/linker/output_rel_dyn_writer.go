package linker

import "debug/elf"

// DynReloc is a relocation left to the dynamic loader. The place is
// Writer+Offset when Writer is set and Ref otherwise.
type DynReloc struct {
	Type   uint32
	Writer iOutputWriter
	Offset uint64
	Ref    FragmentRef
	Sym    *Symbol // referenced through .dynsym
	Base   *Symbol // its value is added to Addend
	Addend int64
}

func (r *DynReloc) place(m *Module) uint64 {
	if r.Writer != nil {
		return r.Writer.GetShdr().Addr + r.Offset
	}
	return m.RefAddr(r.Ref)
}

func (r *DynReloc) addend(m *Module) int64 {
	addend := r.Addend
	if r.Base != nil {
		addend += int64(r.Base.GetAddr())
	}
	return addend
}

// OutputRelDynWriter is .rela.dyn or .rela.plt, or their REL variants.
type OutputRelDynWriter struct {
	OutputWriter
	Relocs []DynReloc
	rela   bool
}

func NewOutputRelDynWriter(name string, rela bool, flags uint64) *OutputRelDynWriter {
	w := &OutputRelDynWriter{OutputWriter: *NewOutputWriter(), rela: rela}
	w.Shdr.Type = uint32(elf.SHT_REL)
	prefix := ".rel"
	if rela {
		w.Shdr.Type = uint32(elf.SHT_RELA)
		prefix = ".rela"
	}
	w.Name = prefix + name
	w.Shdr.Flags = uint64(elf.SHF_ALLOC) | flags
	return w
}

func (w *OutputRelDynWriter) Add(r DynReloc) {
	w.Relocs = append(w.Relocs, r)
}

func (w *OutputRelDynWriter) UpdateShdr(m *Module) {
	size := m.Codec.RelSize(w.rela)
	w.Shdr.Size = uint64(len(w.Relocs) * size)
	w.Shdr.EntSize = uint64(size)
	w.Shdr.AddrAlign = uint64(m.WordSize())
	if m.Dynsym != nil {
		w.Shdr.Link = uint32(m.Dynsym.Shndx)
	}
	if w == m.RelPlt && m.GotPlt != nil {
		w.Shdr.Info = uint32(m.GotPlt.Shndx)
	}
}

func (w *OutputRelDynWriter) CopyBuf(m *Module) {
	base := m.Buf[w.Shdr.Offset:]
	size := m.Codec.RelSize(w.rela)
	for i := range w.Relocs {
		r := &w.Relocs[i]
		ent := Rela{
			Offset: r.place(m),
			Type:   r.Type,
			Addend: r.addend(m),
		}
		if r.Sym != nil {
			ent.Sym = uint32(r.Sym.DynsymIdx)
		}
		m.Codec.WriteRel(base[i*size:], &ent, w.rela)
	}
}
