package linker

import "debug/elf"

// OutputDynsymWriter is .dynsym. Index 0 is the null symbol.
type OutputDynsymWriter struct {
	OutputWriter
	Symbols []*Symbol
}

func NewOutputDynsymWriter(codec ElfCodec) *OutputDynsymWriter {
	d := &OutputDynsymWriter{OutputWriter: *NewOutputWriter()}
	d.Name = ".dynsym"
	d.Shdr.Type = uint32(elf.SHT_DYNSYM)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.Shdr.AddrAlign = uint64(codec.WordSize())
	d.Shdr.EntSize = uint64(codec.SymSize())
	d.Shdr.Info = 1
	d.Symbols = []*Symbol{nil}
	return d
}

func (d *OutputDynsymWriter) AddSymbol(m *Module, sym *Symbol) {
	if sym.DynsymIdx >= 0 {
		return
	}
	sym.DynsymIdx = int32(len(d.Symbols))
	d.Symbols = append(d.Symbols, sym)
	m.Dynstr.Add(sym.Name)
}

func (d *OutputDynsymWriter) UpdateShdr(m *Module) {
	d.Shdr.Size = uint64(len(d.Symbols) * m.Codec.SymSize())
	d.Shdr.Link = uint32(m.Dynstr.Shndx)
}

func (d *OutputDynsymWriter) CopyBuf(m *Module) {
	base := m.Buf[d.Shdr.Offset:]
	size := m.Codec.SymSize()
	m.Codec.WriteSym(base, &Sym{})
	for i, sym := range d.Symbols[1:] {
		esym := elfSymbol(m, sym)
		esym.Name = m.Dynstr.Add(sym.Name)
		m.Codec.WriteSym(base[(i+1)*size:], &esym)
	}
}

// elfSymbol converts a resolved symbol into its output table entry,
// without the name.
func elfSymbol(m *Module, sym *Symbol) Sym {
	esym := Sym{
		Shndx: symbolShndx(m, sym),
		Size:  sym.Size,
		Other: uint8(sym.Visibility),
	}
	bind := sym.Binding.Elf()
	if sym.IsUndef() && sym.IsWeak() {
		bind = elf.STB_WEAK
	}
	esym.Info = elf.ST_INFO(bind, sym.Type.Elf())

	switch {
	case sym.IsCommon() && m.Config.CodeGenType == CodeGenObject:
		esym.Val = sym.Align
	case sym.IsUndef() || sym.IsDyn:
	default:
		esym.Val = sym.GetAddr()
	}
	return esym
}

// symbolShndx is the output section index a symbol is defined in.
func symbolShndx(m *Module, sym *Symbol) uint16 {
	switch {
	case sym.IsDyn || sym.IsUndef():
		return uint16(elf.SHN_UNDEF)
	case sym.IsCommon():
		return uint16(elf.SHN_COMMON)
	case sym.Piece != nil:
		return uint16(sym.Piece.OutputSection.Shndx)
	case sym.FragRef != nil:
		if osec := m.Section(sym.FragRef.Section).OutputSection; osec != nil {
			return uint16(osec.Shndx)
		}
		return uint16(elf.SHN_UNDEF)
	}
	return uint16(elf.SHN_ABS)
}

// OutputHashWriter is the SysV .hash table over .dynsym.
type OutputHashWriter struct {
	OutputWriter
}

func NewOutputHashWriter() *OutputHashWriter {
	h := &OutputHashWriter{OutputWriter: *NewOutputWriter()}
	h.Name = ".hash"
	h.Shdr.Type = uint32(elf.SHT_HASH)
	h.Shdr.Flags = uint64(elf.SHF_ALLOC)
	h.Shdr.AddrAlign = 4
	h.Shdr.EntSize = 4
	return h
}

func (h *OutputHashWriter) UpdateShdr(m *Module) {
	n := len(m.Dynsym.Symbols)
	h.Shdr.Size = uint64(2+2*n) * 4
	h.Shdr.Link = uint32(m.Dynsym.Shndx)
}

func (h *OutputHashWriter) CopyBuf(m *Module) {
	order := m.Backend.ByteOrder()
	n := len(m.Dynsym.Symbols)
	words := make([]uint32, 2+2*n)
	words[0] = uint32(n)
	words[1] = uint32(n)
	buckets := words[2 : 2+n]
	chains := words[2+n:]

	for i, sym := range m.Dynsym.Symbols[1:] {
		idx := uint32(i + 1)
		b := elfHash(sym.Name) % uint32(n)
		chains[idx] = buckets[b]
		buckets[b] = idx
	}

	base := m.Buf[h.Shdr.Offset:]
	for i, w := range words {
		order.PutUint32(base[i*4:], w)
	}
}

func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}
