package linker

import (
	"debug/elf"
	"math"
	"math/bits"
	"strings"

	"github.com/hcyang1106/fraglinker/pkg/utils"
)

type SectionKind uint8

const (
	SectionKindNull SectionKind = iota
	SectionKindRegular
	SectionKindBSS
	SectionKindRelocation
	SectionKindEhFrame
	SectionKindNote
	SectionKindGroup
	SectionKindNamePool
	SectionKindDebug
	SectionKindMetaData
	SectionKindIgnore
)

func (k SectionKind) String() string {
	switch k {
	case SectionKindNull:
		return "null"
	case SectionKindRegular:
		return "regular"
	case SectionKindBSS:
		return "bss"
	case SectionKindRelocation:
		return "relocation"
	case SectionKindEhFrame:
		return "eh_frame"
	case SectionKindNote:
		return "note"
	case SectionKindGroup:
		return "group"
	case SectionKindNamePool:
		return "name pool"
	case SectionKindDebug:
		return "debug"
	case SectionKindMetaData:
		return "metadata"
	case SectionKindIgnore:
		return "ignore"
	}
	return "unknown"
}

// SectionID indexes Module.Sections.
type SectionID uint32

type InputSection struct {
	ID            SectionID
	File          *ObjectFile
	Name          string
	Shndx         uint32
	Kind          SectionKind
	Shdr          Shdr
	Contents      []byte
	P2Align       uint8
	Size          uint64
	Fragments     []*Fragment
	Offset        uint64 // in OutputSection
	OutputSection *OutputSection

	RelocData *RelocData        // SectionKindRelocation
	EhFrame   *EhFrame          // SectionKindEhFrame
	Mergeable *MergeableSection // SHF_MERGE, replaced by pieces
}

func NewInputSection(file *ObjectFile, name string, shndx uint32, shdr Shdr, contents []byte) *InputSection {
	s := &InputSection{
		File:     file,
		Name:     name,
		Shndx:    shndx,
		Shdr:     shdr,
		Contents: contents,
		Kind:     classifySection(name, &shdr),
		Offset:   math.MaxUint64,
	}

	if shdr.AddrAlign > 1 {
		s.P2Align = uint8(toP2Align(shdr.AddrAlign))
	}
	return s
}

// toP2Align rounds alignments that are not a power of two up.
func toP2Align(align uint64) int {
	if utils.HasSingleBit(align) {
		return bits.TrailingZeros64(align)
	}
	return bits.Len64(align)
}

const (
	shtRISCVAttributes = 0x70000003
	shtX86_64Unwind    = 0x70000001
	shtLLVMAddrsig     = 0x6fff4c03

	shfExclude elf.SectionFlag = 0x80000000
	grpComdat                  = 0x1
)

func classifySection(name string, shdr *Shdr) SectionKind {
	if shdr.Flags&uint64(shfExclude) != 0 {
		return SectionKindIgnore
	}

	switch name {
	case ".eh_frame":
		return SectionKindEhFrame
	case ".comment", ".note.GNU-stack", ".note.gnu.property", ".gnu.warning":
		return SectionKindMetaData
	}
	if strings.HasPrefix(name, ".debug") || strings.HasPrefix(name, ".zdebug") ||
		strings.HasPrefix(name, ".stab") || name == ".line" {
		return SectionKindDebug
	}

	switch elf.SectionType(shdr.Type) {
	case elf.SHT_NULL:
		return SectionKindNull
	case elf.SHT_PROGBITS, elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY:
		return SectionKindRegular
	case elf.SHT_NOBITS:
		return SectionKindBSS
	case elf.SHT_REL, elf.SHT_RELA:
		return SectionKindRelocation
	case elf.SHT_NOTE:
		return SectionKindNote
	case elf.SHT_GROUP:
		return SectionKindGroup
	case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_SYMTAB_SHNDX, elf.SHT_DYNSYM,
		elf.SHT_HASH, elf.SHT_GNU_HASH, elf.SHT_DYNAMIC:
		return SectionKindNamePool
	case shtRISCVAttributes, shtLLVMAddrsig:
		return SectionKindMetaData
	case shtX86_64Unwind:
		return SectionKindRegular
	}

	if shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
		return SectionKindRegular
	}
	return SectionKindMetaData
}

// IsAlive reports whether the section's bytes go to the output.
func (s *InputSection) IsAlive() bool {
	switch s.Kind {
	case SectionKindRegular, SectionKindBSS, SectionKindEhFrame, SectionKindNote:
		return s.Mergeable == nil
	}
	return false
}

func (s *InputSection) IsAlloc() bool {
	return s.Shdr.Flags&uint64(elf.SHF_ALLOC) != 0
}

func (s *InputSection) GetAddr() uint64 {
	return s.OutputSection.Shdr.Addr + s.Offset
}

// AppendFragment places frag after the current fragments, honoring
// align, and returns its offset in the section.
func (s *InputSection) AppendFragment(frag *Fragment, align uint64) uint64 {
	offset := s.Size
	if align > 1 {
		offset = (offset + align - 1) &^ (align - 1)
		if p2 := uint8(toP2Align(align)); p2 > s.P2Align {
			s.P2Align = p2
		}
	}
	frag.Parent = s
	frag.Offset = offset
	s.Fragments = append(s.Fragments, frag)
	s.Size = offset + frag.Size()
	return offset
}

func (s *InputSection) WriteTo(buf []byte) {
	if s.Shdr.Type == uint32(elf.SHT_NOBITS) {
		return
	}
	for _, frag := range s.Fragments {
		if frag.Kind == FragmentKindFill {
			continue
		}
		copy(buf[frag.Offset:], frag.Data)
	}
}

func (s *InputSection) DisplayName() string {
	if s.File == nil {
		return s.Name
	}
	return s.File.File.DisplayName() + ":(" + s.Name + ")"
}
