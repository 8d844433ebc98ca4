package linker

import (
	"bytes"
	"debug/elf"
	"strconv"
	"strings"
	"unsafe"
)

// In-memory ELF records always use the 64-bit layout. The class codec
// converts them from and to the on-disk layout of the target.
const EhdrSize = int(unsafe.Sizeof(Ehdr{}))
const ShdrSize = int(unsafe.Sizeof(Shdr{}))
const SymSize = int(unsafe.Sizeof(Sym{}))
const PhdrSize = int(unsafe.Sizeof(Phdr{}))
const ArHdrSize = int(unsafe.Sizeof(ArHdr{}))

const (
	Ehdr32Size = int(unsafe.Sizeof(Ehdr32{}))
	Shdr32Size = int(unsafe.Sizeof(Shdr32{}))
	Sym32Size  = int(unsafe.Sizeof(Sym32{}))
	Phdr32Size = int(unsafe.Sizeof(Phdr32{}))
)

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

type Ehdr32 struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	PhOff     uint32
	ShOff     uint32
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr32 struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	AddrAlign uint32
	EntSize   uint32
}

type Phdr32 struct {
	Type     uint32
	Offset   uint32
	VAddr    uint32
	PAddr    uint32
	FileSize uint32
	MemSize  uint32
	Flags    uint32
	Align    uint32
}

type Sym32 struct {
	Name  uint32
	Val   uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

// Rela is the decoded form of both REL and RELA entries.
type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

type rel32 struct {
	Offset uint32
	Info   uint32
}

type rela32 struct {
	Offset uint32
	Info   uint32
	Addend int32
}

type rel64 struct {
	Offset uint64
	Info   uint64
}

type rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

type dyn32 struct {
	Tag int32
	Val uint32
}

type dyn64 struct {
	Tag int64
	Val uint64
}

func (s *Sym) GetShndx(table []uint32, idx int) uint32 {
	if elf.SectionIndex(s.Shndx) != elf.SHN_XINDEX {
		return uint32(s.Shndx)
	}
	return table[idx]
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s *Sym) Visibility() elf.SymVis {
	return elf.ST_VISIBILITY(s.Other)
}

type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func (a *ArHdr) HasPrefix(s string) bool {
	return strings.HasPrefix(string(a.Name[:]), s)
}

func (a *ArHdr) IsStrTab() bool {
	return a.HasPrefix("// ")
}

func (a *ArHdr) IsSymtab() bool {
	return a.HasPrefix("/ ") || a.HasPrefix("/SYM64/ ")
}

func (a *ArHdr) GetSize() (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
}

func (a *ArHdr) ReadName(strTab []byte) (string, error) {
	// Long Name
	// "/123    " => the number is the start index in strTab
	if a.HasPrefix("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		if err != nil || start > len(strTab) {
			return "", errBadArchiveName
		}
		end := bytes.Index(strTab[start:], []byte("/\n"))
		if end < 0 {
			return "", errBadArchiveName
		}
		return string(strTab[start : start+end]), nil
	}
	// Short Name
	end := bytes.Index(a.Name[:], []byte("/"))
	if end < 0 {
		// BSD style names have no terminating slash
		return strings.TrimSpace(string(a.Name[:])), nil
	}
	return string(a.Name[:end]), nil
}

func ElfGetName(strTab []byte, offset uint32) string {
	if int(offset) >= len(strTab) {
		return ""
	}
	length := bytes.IndexByte(strTab[offset:], 0)
	if length < 0 {
		return string(strTab[offset:])
	}
	return string(strTab[offset : int(offset)+length])
}
