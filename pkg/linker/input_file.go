package linker

import (
	"debug/elf"
	"errors"
	"fmt"
)

var ErrMalformedElf = errors.New("malformed ELF file")

// InputFile holds what objects and shared objects have in common: the
// raw headers and the symbol table.
type InputFile struct {
	File         *File
	Codec        ElfCodec
	ElfEhdr      Ehdr
	ElfSections  []Shdr
	ElfSyms      []Sym
	FirstGlobal  int
	ShStrtab     []byte
	SymbolStrtab []byte
	IsAlive      bool
	Priority     int
}

func (f *InputFile) init(file *File) error {
	f.File = file
	content := file.Content
	if len(content) < elf.EI_NIDENT || !CheckMagic(content) {
		return fmt.Errorf("%w: bad magic", ErrMalformedElf)
	}

	codec, err := NewElfCodec(elf.Class(content[elf.EI_CLASS]), elf.Data(content[elf.EI_DATA]))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedElf, err)
	}
	f.Codec = codec

	if f.ElfEhdr, err = codec.ReadEhdr(content); err != nil {
		return fmt.Errorf("%w: file is smaller than Ehdr size", ErrMalformedElf)
	}
	if f.ElfEhdr.ShOff == 0 {
		return nil
	}
	if f.ElfEhdr.ShOff > uint64(len(content)) {
		return fmt.Errorf("%w: section header table out of range", ErrMalformedElf)
	}

	shdrContent := content[f.ElfEhdr.ShOff:]
	shdr, err := codec.ReadShdr(shdrContent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedElf, err)
	}
	f.ElfSections = []Shdr{shdr}

	numSections := int(f.ElfEhdr.ShNum)
	if numSections == 0 {
		numSections = int(shdr.Size)
	}
	for i := 1; i < numSections; i++ {
		shdrContent = shdrContent[codec.ShdrSize():]
		shdr, err = codec.ReadShdr(shdrContent)
		if err != nil {
			return fmt.Errorf("%w: section header %d: %v", ErrMalformedElf, i, err)
		}
		f.ElfSections = append(f.ElfSections, shdr)
	}

	shstrndx := int(f.ElfEhdr.ShStrndx)
	if shstrndx == int(elf.SHN_XINDEX) {
		shstrndx = int(f.ElfSections[0].Link)
	}
	f.ShStrtab, err = f.GetBytesFromIdx(shstrndx)
	return err
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) ([]byte, error) {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil, nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(f.File.Content)) {
		return nil, fmt.Errorf("%w: section data exceeds file length", ErrMalformedElf)
	}
	return f.File.Content[s.Offset:end], nil
}

func (f *InputFile) GetBytesFromIdx(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(f.ElfSections) {
		return nil, fmt.Errorf("%w: section index %d out of range", ErrMalformedElf, idx)
	}
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := range f.ElfSections {
		if f.ElfSections[i].Type == ty {
			return &f.ElfSections[i]
		}
	}
	return nil
}

func (f *InputFile) FillUpElfSyms(s *Shdr) error {
	bs, err := f.GetBytesFromShdr(s)
	if err != nil {
		return err
	}
	size := f.Codec.SymSize()
	nums := len(bs) / size
	f.ElfSyms = make([]Sym, nums)
	for i := 0; i < nums; i++ {
		if f.ElfSyms[i], err = f.Codec.ReadSym(bs[i*size:]); err != nil {
			return err
		}
	}
	return nil
}

func (f *InputFile) Machine() elf.Machine {
	return elf.Machine(f.ElfEhdr.Machine)
}
