package linker

import "debug/elf"

// OutputPltWriter is .plt. The stub encoding comes from the backend.
type OutputPltWriter struct {
	OutputWriter
	Symbols []*Symbol
}

func NewOutputPltWriter() *OutputPltWriter {
	p := &OutputPltWriter{OutputWriter: *NewOutputWriter()}
	p.Name = ".plt"
	p.Shdr.Type = uint32(elf.SHT_PROGBITS)
	p.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	p.Shdr.AddrAlign = 16
	return p
}

func (p *OutputPltWriter) AddSymbol(m *Module, sym *Symbol) {
	sym.PltIdx = int32(len(p.Symbols))
	p.Symbols = append(p.Symbols, sym)
	sym.SetFlag(NeedsDynsym)
	m.RelPlt.Add(DynReloc{
		Type:   m.Backend.DynRelocTypes().JumpSlot,
		Writer: m.GotPlt,
		Offset: uint64(m.Backend.GotPltReserved()+int(sym.PltIdx)) * uint64(m.WordSize()),
		Sym:    sym,
	})
}

func (p *OutputPltWriter) EntryAddr(m *Module, idx int32) uint64 {
	return p.Shdr.Addr + uint64(m.Backend.PltHeaderSize()) +
		uint64(idx)*uint64(m.Backend.PltEntrySize())
}

func (p *OutputPltWriter) UpdateShdr(m *Module) {
	p.Shdr.Size = 0
	if len(p.Symbols) > 0 {
		p.Shdr.Size = uint64(m.Backend.PltHeaderSize() + len(p.Symbols)*m.Backend.PltEntrySize())
	}
}

func (p *OutputPltWriter) CopyBuf(m *Module) {
	base := m.Buf[p.Shdr.Offset:]
	m.Backend.WritePltHeader(m, base)
	for _, sym := range p.Symbols {
		off := sym.GetPltAddr(m) - p.Shdr.Addr
		m.Backend.WritePltEntry(m, base[off:], sym)
	}
}
