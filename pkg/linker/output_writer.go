package linker

// iOutputWriter is one chunk of the output image: a header table, a
// synthetic section or an output section built from input sections.
type iOutputWriter interface {
	GetName() string
	GetShdr() *Shdr
	GetShndx() int
	SetShndx(shndx int)
	UpdateShdr(m *Module)
	CopyBuf(m *Module)
}

type OutputWriter struct {
	Name  string
	Shdr  Shdr
	Shndx int
}

func NewOutputWriter() *OutputWriter {
	return &OutputWriter{
		Shdr: Shdr{
			AddrAlign: 1,
		},
	}
}

func (o *OutputWriter) GetName() string {
	return o.Name
}

func (o *OutputWriter) GetShdr() *Shdr {
	return &o.Shdr
}

func (o *OutputWriter) GetShndx() int {
	return o.Shndx
}

func (o *OutputWriter) SetShndx(shndx int) {
	o.Shndx = shndx
}

func (o *OutputWriter) UpdateShdr(m *Module) {}

func (o *OutputWriter) CopyBuf(m *Module) {}

// isHeader reports whether w is one of the ELF header tables, which have
// no section header of their own.
func isHeader(m *Module, w iOutputWriter) bool {
	return w == iOutputWriter(m.Ehdr) || w == iOutputWriter(m.Phdr) || w == iOutputWriter(m.Shdr)
}
