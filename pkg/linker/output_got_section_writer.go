package linker

import (
	"debug/elf"
)

// OutputGotSectionWriter is .got: one word per symbol addressed through
// the GOT, then one per TLS symbol accessed in initial exec model.
type OutputGotSectionWriter struct {
	OutputWriter
	GotSyms   []*Symbol
	GotTpSyms []*Symbol
	wordSize  uint64
}

func NewOutputGotSectionWriter(codec ElfCodec) *OutputGotSectionWriter {
	g := &OutputGotSectionWriter{OutputWriter: *NewOutputWriter()}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.wordSize = uint64(codec.WordSize())
	g.Shdr.AddrAlign = g.wordSize
	return g
}

// AddGotSymbol reserves a slot for sym and the dynamic relocation that
// fills it at load time, if any.
func (g *OutputGotSectionWriter) AddGotSymbol(m *Module, sym *Symbol) {
	sym.GotIdx = int32(len(g.GotSyms))
	g.GotSyms = append(g.GotSyms, sym)

	if !isDynamicOutput(m) {
		return
	}
	types := m.Backend.DynRelocTypes()
	offset := uint64(sym.GotIdx) * g.wordSize
	switch {
	case sym.IsPreemptible(m.Config):
		sym.SetFlag(NeedsDynsym)
		m.RelDyn.Add(DynReloc{Type: types.GlobDat, Writer: g, Offset: offset, Sym: sym})
	case m.Config.IsCodeIndep() && !sym.IsAbsolute():
		m.RelDyn.Add(DynReloc{Type: types.Relative, Writer: g, Offset: offset, Base: sym})
	}
}

func (g *OutputGotSectionWriter) AddGotTpSymbol(m *Module, sym *Symbol) {
	sym.GotTpIdx = int32(len(g.GotTpSyms))
	g.GotTpSyms = append(g.GotTpSyms, sym)

	if m.Config.CodeGenType != CodeGenDynObj && !sym.IsDyn {
		return
	}
	offset := g.tpOffset(sym)
	tpoff := m.Backend.DynRelocTypes().TPOff
	if sym.IsPreemptible(m.Config) {
		sym.SetFlag(NeedsDynsym)
		m.RelDyn.Add(DynReloc{Type: tpoff, Writer: g, Offset: offset, Sym: sym})
		return
	}
	m.RelDyn.Add(DynReloc{Type: tpoff, Writer: g, Offset: offset, Base: sym})
}

func (g *OutputGotSectionWriter) tpOffset(sym *Symbol) uint64 {
	return uint64(len(g.GotSyms)+int(sym.GotTpIdx)) * g.wordSize
}

func (g *OutputGotSectionWriter) TpEntryAddr(m *Module, sym *Symbol) uint64 {
	return g.Shdr.Addr + g.tpOffset(sym)
}

func (g *OutputGotSectionWriter) UpdateShdr(m *Module) {
	g.Shdr.Size = uint64(len(g.GotSyms)+len(g.GotTpSyms)) * g.wordSize
}

func (g *OutputGotSectionWriter) CopyBuf(m *Module) {
	base := m.Buf[g.Shdr.Offset:]
	for idx, sym := range g.GotSyms {
		if sym.IsPreemptible(m.Config) && isDynamicOutput(m) {
			continue
		}
		m.Codec.WriteWord(base[uint64(idx)*g.wordSize:], sym.GetAddr())
	}
	for _, sym := range g.GotTpSyms {
		if sym.IsDyn || m.Config.CodeGenType == CodeGenDynObj {
			continue
		}
		m.Codec.WriteWord(base[g.tpOffset(sym):], m.Backend.TPOffset(m, sym))
	}
}

// OutputGotPltSectionWriter is .got.plt: the reserved words the dynamic
// loader uses for lazy binding, then one slot per PLT entry.
type OutputGotPltSectionWriter struct {
	OutputWriter
	wordSize uint64
}

func NewOutputGotPltSectionWriter(codec ElfCodec) *OutputGotPltSectionWriter {
	g := &OutputGotPltSectionWriter{OutputWriter: *NewOutputWriter()}
	g.Name = ".got.plt"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.wordSize = uint64(codec.WordSize())
	g.Shdr.AddrAlign = g.wordSize
	return g
}

func (g *OutputGotPltSectionWriter) EntryAddr(m *Module, pltIdx int32) uint64 {
	return g.Shdr.Addr + uint64(m.Backend.GotPltReserved()+int(pltIdx))*g.wordSize
}

func (g *OutputGotPltSectionWriter) UpdateShdr(m *Module) {
	g.Shdr.Size = 0
	if m.Dynamic == nil {
		return
	}
	n := m.Backend.GotPltReserved() + len(m.Plt.Symbols)
	g.Shdr.Size = uint64(n) * g.wordSize
}

func (g *OutputGotPltSectionWriter) CopyBuf(m *Module) {
	base := m.Buf[g.Shdr.Offset:]
	if m.Backend.Machine() != elf.EM_RISCV {
		m.Codec.WriteWord(base, m.Dynamic.Shdr.Addr)
	}
	for _, sym := range m.Plt.Symbols {
		off := uint64(m.Backend.GotPltReserved()+int(sym.PltIdx)) * g.wordSize
		m.Codec.WriteWord(base[off:], m.Backend.GotPltEntryValue(m, sym))
	}
}
