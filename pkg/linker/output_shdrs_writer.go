package linker

// OutputShdrsWriter writes the section header table. Entry 0 is the null
// section, the others sit at their writer's Shndx.
type OutputShdrsWriter struct {
	OutputWriter
}

func NewOutputShdrsWriter(codec ElfCodec) *OutputShdrsWriter {
	return &OutputShdrsWriter{
		OutputWriter{
			Name: "shdr",
			Shdr: Shdr{
				AddrAlign: uint64(codec.WordSize()),
			},
		},
	}
}

func (o *OutputShdrsWriter) UpdateShdr(m *Module) {
	n := 0
	for _, w := range m.OutputWriters {
		n = max(n, w.GetShndx())
	}
	o.Shdr.Size = uint64(n+1) * uint64(m.Codec.ShdrSize())
}

func (o *OutputShdrsWriter) CopyBuf(m *Module) {
	base := m.Buf[o.Shdr.Offset:]
	size := m.Codec.ShdrSize()
	m.Codec.WriteShdr(base, &Shdr{})

	for _, w := range m.OutputWriters {
		if w.GetShndx() > 0 {
			m.Codec.WriteShdr(base[w.GetShndx()*size:], w.GetShdr())
		}
	}
}
