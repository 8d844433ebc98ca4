package linker

import "debug/elf"

type OutputInterpWriter struct {
	OutputWriter
	Path string
}

func NewOutputInterpWriter(path string) *OutputInterpWriter {
	o := &OutputInterpWriter{OutputWriter: *NewOutputWriter(), Path: path}
	o.Name = ".interp"
	o.Shdr.Type = uint32(elf.SHT_PROGBITS)
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.Size = uint64(len(path) + 1)
	return o
}

func (o *OutputInterpWriter) CopyBuf(m *Module) {
	copy(m.Buf[o.Shdr.Offset:], o.Path)
}
