package linker

import "debug/elf"

// OutputStrtabWriter is a string table. Equal strings share one entry.
type OutputStrtabWriter struct {
	OutputWriter
	data    []byte
	offsets map[string]uint32
}

func NewOutputStrtabWriter(name string, alloc bool) *OutputStrtabWriter {
	s := &OutputStrtabWriter{
		OutputWriter: *NewOutputWriter(),
		data:         []byte{0},
		offsets:      map[string]uint32{"": 0},
	}
	s.Name = name
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	if alloc {
		s.Shdr.Flags = uint64(elf.SHF_ALLOC)
	}
	s.Shdr.Size = 1
	return s
}

func (s *OutputStrtabWriter) Add(str string) uint32 {
	if off, ok := s.offsets[str]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(s.data, str...)
	s.data = append(s.data, 0)
	s.offsets[str] = off
	s.Shdr.Size = uint64(len(s.data))
	return off
}

func (s *OutputStrtabWriter) CopyBuf(m *Module) {
	copy(m.Buf[s.Shdr.Offset:], s.data)
}
