package linker

import (
	"debug/elf"
	"path/filepath"
)

// SharedFile is a shared object given as input. Only its dynamic symbol
// table and soname are used.
type SharedFile struct {
	InputFile
	Soname  string
	Symbols []*Symbol
}

func NewSharedFile(file *File) (*SharedFile, error) {
	s := &SharedFile{}
	if err := s.init(file); err != nil {
		return nil, err
	}
	s.IsAlive = true
	return s, nil
}

func (s *SharedFile) Parse(m *Module) error {
	s.Soname = filepath.Base(s.File.Name)

	if dynamic := s.FindSection(uint32(elf.SHT_DYNAMIC)); dynamic != nil {
		if err := s.readSoname(dynamic); err != nil {
			return err
		}
	}

	dynsym := s.FindSection(uint32(elf.SHT_DYNSYM))
	if dynsym == nil {
		return nil
	}
	s.FirstGlobal = int(dynsym.Info)
	if err := s.FillUpElfSyms(dynsym); err != nil {
		return err
	}
	var err error
	if s.SymbolStrtab, err = s.GetBytesFromIdx(int(dynsym.Link)); err != nil {
		return err
	}

	s.Symbols = make([]*Symbol, len(s.ElfSyms))
	for i := s.FirstGlobal; i < len(s.ElfSyms); i++ {
		esym := &s.ElfSyms[i]
		if esym.IsUndef() || esym.Bind() == elf.STB_LOCAL {
			continue
		}
		s.Symbols[i] = GetSymbolByName(m, ElfGetName(s.SymbolStrtab, esym.Name))
	}
	return nil
}

func (s *SharedFile) readSoname(dynamic *Shdr) error {
	data, err := s.GetBytesFromShdr(dynamic)
	if err != nil {
		return err
	}
	strtab, err := s.GetBytesFromIdx(int(dynamic.Link))
	if err != nil {
		return err
	}

	size := s.Codec.DynSize()
	for off := 0; off+size <= len(data); off += size {
		tag, val, err := s.Codec.ReadDyn(data[off:])
		if err != nil {
			return err
		}
		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			return nil
		case elf.DT_SONAME:
			s.Soname = ElfGetName(strtab, uint32(val))
		}
	}
	return nil
}
