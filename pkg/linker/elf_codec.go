package linker

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/hcyang1106/fraglinker/pkg/utils"
)

// ElfCodec reads and writes ELF records of one class and byte order.
// One codec is picked per input file, and one for the output, from the
// backend chosen at emulate time.
type ElfCodec interface {
	Class() elf.Class
	ByteOrder() binary.ByteOrder
	WordSize() int
	EhdrSize() int
	ShdrSize() int
	PhdrSize() int
	SymSize() int
	RelSize(rela bool) int
	DynSize() int

	ReadEhdr(data []byte) (Ehdr, error)
	ReadShdr(data []byte) (Shdr, error)
	ReadSym(data []byte) (Sym, error)
	ReadRel(data []byte, rela bool) (Rela, error)
	ReadDyn(data []byte) (tag int64, val uint64, err error)

	WriteEhdr(buf []byte, ehdr *Ehdr)
	WriteShdr(buf []byte, shdr *Shdr)
	WritePhdr(buf []byte, phdr *Phdr)
	WriteSym(buf []byte, sym *Sym)
	WriteRel(buf []byte, rel *Rela, rela bool)
	WriteDyn(buf []byte, tag int64, val uint64)
	WriteWord(buf []byte, val uint64)
}

func NewElfCodec(class elf.Class, data elf.Data) (ElfCodec, error) {
	var order binary.ByteOrder
	switch data {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("unknown ELF data encoding %d", data)
	}

	switch class {
	case elf.ELFCLASS32:
		return &elf32Codec{order: order}, nil
	case elf.ELFCLASS64:
		return &elf64Codec{order: order}, nil
	}
	return nil, fmt.Errorf("unknown ELF class %d", class)
}

type elf64Codec struct {
	order binary.ByteOrder
}

func (c *elf64Codec) Class() elf.Class { return elf.ELFCLASS64 }
func (c *elf64Codec) ByteOrder() binary.ByteOrder { return c.order }
func (c *elf64Codec) WordSize() int { return 8 }
func (c *elf64Codec) EhdrSize() int { return EhdrSize }
func (c *elf64Codec) ShdrSize() int { return ShdrSize }
func (c *elf64Codec) PhdrSize() int { return PhdrSize }
func (c *elf64Codec) SymSize() int { return SymSize }
func (c *elf64Codec) DynSize() int { return 16 }

func (c *elf64Codec) RelSize(rela bool) int {
	if rela {
		return 24
	}
	return 16
}

func (c *elf64Codec) ReadEhdr(data []byte) (Ehdr, error) {
	var ehdr Ehdr
	err := utils.TryRead(data, c.order, &ehdr)
	return ehdr, err
}

func (c *elf64Codec) ReadShdr(data []byte) (Shdr, error) {
	var shdr Shdr
	err := utils.TryRead(data, c.order, &shdr)
	return shdr, err
}

func (c *elf64Codec) ReadSym(data []byte) (Sym, error) {
	var sym Sym
	err := utils.TryRead(data, c.order, &sym)
	return sym, err
}

func (c *elf64Codec) ReadRel(data []byte, rela bool) (Rela, error) {
	if rela {
		var r rela64
		if err := utils.TryRead(data, c.order, &r); err != nil {
			return Rela{}, err
		}
		return Rela{
			Offset: r.Offset,
			Type:   uint32(r.Info),
			Sym:    uint32(r.Info >> 32),
			Addend: r.Addend,
		}, nil
	}
	var r rel64
	if err := utils.TryRead(data, c.order, &r); err != nil {
		return Rela{}, err
	}
	return Rela{Offset: r.Offset, Type: uint32(r.Info), Sym: uint32(r.Info >> 32)}, nil
}

func (c *elf64Codec) ReadDyn(data []byte) (int64, uint64, error) {
	var d dyn64
	err := utils.TryRead(data, c.order, &d)
	return d.Tag, d.Val, err
}

func (c *elf64Codec) WriteEhdr(buf []byte, ehdr *Ehdr) { utils.Write(buf, c.order, *ehdr) }
func (c *elf64Codec) WriteShdr(buf []byte, shdr *Shdr) { utils.Write(buf, c.order, *shdr) }
func (c *elf64Codec) WritePhdr(buf []byte, phdr *Phdr) { utils.Write(buf, c.order, *phdr) }
func (c *elf64Codec) WriteSym(buf []byte, sym *Sym) { utils.Write(buf, c.order, *sym) }

func (c *elf64Codec) WriteRel(buf []byte, rel *Rela, rela bool) {
	info := uint64(rel.Sym)<<32 | uint64(rel.Type)
	if rela {
		utils.Write(buf, c.order, rela64{Offset: rel.Offset, Info: info, Addend: rel.Addend})
		return
	}
	utils.Write(buf, c.order, rel64{Offset: rel.Offset, Info: info})
}

func (c *elf64Codec) WriteDyn(buf []byte, tag int64, val uint64) {
	utils.Write(buf, c.order, dyn64{Tag: tag, Val: val})
}

func (c *elf64Codec) WriteWord(buf []byte, val uint64) {
	c.order.PutUint64(buf, val)
}

type elf32Codec struct {
	order binary.ByteOrder
}

func (c *elf32Codec) Class() elf.Class { return elf.ELFCLASS32 }
func (c *elf32Codec) ByteOrder() binary.ByteOrder { return c.order }
func (c *elf32Codec) WordSize() int { return 4 }
func (c *elf32Codec) EhdrSize() int { return Ehdr32Size }
func (c *elf32Codec) ShdrSize() int { return Shdr32Size }
func (c *elf32Codec) PhdrSize() int { return Phdr32Size }
func (c *elf32Codec) SymSize() int { return Sym32Size }
func (c *elf32Codec) DynSize() int { return 8 }

func (c *elf32Codec) RelSize(rela bool) int {
	if rela {
		return 12
	}
	return 8
}

func (c *elf32Codec) ReadEhdr(data []byte) (Ehdr, error) {
	var e Ehdr32
	if err := utils.TryRead(data, c.order, &e); err != nil {
		return Ehdr{}, err
	}
	return Ehdr{
		Ident:     e.Ident,
		Type:      e.Type,
		Machine:   e.Machine,
		Version:   e.Version,
		Entry:     uint64(e.Entry),
		PhOff:     uint64(e.PhOff),
		ShOff:     uint64(e.ShOff),
		Flags:     e.Flags,
		EhSize:    e.EhSize,
		PhEntSize: e.PhEntSize,
		PhNum:     e.PhNum,
		ShEntSize: e.ShEntSize,
		ShNum:     e.ShNum,
		ShStrndx:  e.ShStrndx,
	}, nil
}

func (c *elf32Codec) ReadShdr(data []byte) (Shdr, error) {
	var s Shdr32
	if err := utils.TryRead(data, c.order, &s); err != nil {
		return Shdr{}, err
	}
	return Shdr{
		Name:      s.Name,
		Type:      s.Type,
		Flags:     uint64(s.Flags),
		Addr:      uint64(s.Addr),
		Offset:    uint64(s.Offset),
		Size:      uint64(s.Size),
		Link:      s.Link,
		Info:      s.Info,
		AddrAlign: uint64(s.AddrAlign),
		EntSize:   uint64(s.EntSize),
	}, nil
}

func (c *elf32Codec) ReadSym(data []byte) (Sym, error) {
	var s Sym32
	if err := utils.TryRead(data, c.order, &s); err != nil {
		return Sym{}, err
	}
	return Sym{
		Name:  s.Name,
		Info:  s.Info,
		Other: s.Other,
		Shndx: s.Shndx,
		Val:   uint64(s.Val),
		Size:  uint64(s.Size),
	}, nil
}

func (c *elf32Codec) ReadRel(data []byte, rela bool) (Rela, error) {
	if rela {
		var r rela32
		if err := utils.TryRead(data, c.order, &r); err != nil {
			return Rela{}, err
		}
		return Rela{
			Offset: uint64(r.Offset),
			Type:   r.Info & 0xff,
			Sym:    r.Info >> 8,
			Addend: int64(r.Addend),
		}, nil
	}
	var r rel32
	if err := utils.TryRead(data, c.order, &r); err != nil {
		return Rela{}, err
	}
	return Rela{Offset: uint64(r.Offset), Type: r.Info & 0xff, Sym: r.Info >> 8}, nil
}

func (c *elf32Codec) ReadDyn(data []byte) (int64, uint64, error) {
	var d dyn32
	err := utils.TryRead(data, c.order, &d)
	return int64(d.Tag), uint64(d.Val), err
}

func (c *elf32Codec) WriteEhdr(buf []byte, e *Ehdr) {
	utils.Write(buf, c.order, Ehdr32{
		Ident:     e.Ident,
		Type:      e.Type,
		Machine:   e.Machine,
		Version:   e.Version,
		Entry:     uint32(e.Entry),
		PhOff:     uint32(e.PhOff),
		ShOff:     uint32(e.ShOff),
		Flags:     e.Flags,
		EhSize:    uint16(Ehdr32Size),
		PhEntSize: uint16(Phdr32Size),
		PhNum:     e.PhNum,
		ShEntSize: uint16(Shdr32Size),
		ShNum:     e.ShNum,
		ShStrndx:  e.ShStrndx,
	})
}

func (c *elf32Codec) WriteShdr(buf []byte, s *Shdr) {
	utils.Write(buf, c.order, Shdr32{
		Name:      s.Name,
		Type:      s.Type,
		Flags:     uint32(s.Flags),
		Addr:      uint32(s.Addr),
		Offset:    uint32(s.Offset),
		Size:      uint32(s.Size),
		Link:      s.Link,
		Info:      s.Info,
		AddrAlign: uint32(s.AddrAlign),
		EntSize:   uint32(s.EntSize),
	})
}

func (c *elf32Codec) WritePhdr(buf []byte, p *Phdr) {
	utils.Write(buf, c.order, Phdr32{
		Type:     p.Type,
		Offset:   uint32(p.Offset),
		VAddr:    uint32(p.VAddr),
		PAddr:    uint32(p.PAddr),
		FileSize: uint32(p.FileSize),
		MemSize:  uint32(p.MemSize),
		Flags:    p.Flags,
		Align:    uint32(p.Align),
	})
}

func (c *elf32Codec) WriteSym(buf []byte, s *Sym) {
	utils.Write(buf, c.order, Sym32{
		Name:  s.Name,
		Val:   uint32(s.Val),
		Size:  uint32(s.Size),
		Info:  s.Info,
		Other: s.Other,
		Shndx: s.Shndx,
	})
}

func (c *elf32Codec) WriteRel(buf []byte, rel *Rela, rela bool) {
	info := rel.Sym<<8 | rel.Type&0xff
	if rela {
		utils.Write(buf, c.order, rela32{
			Offset: uint32(rel.Offset),
			Info:   info,
			Addend: int32(rel.Addend),
		})
		return
	}
	utils.Write(buf, c.order, rel32{Offset: uint32(rel.Offset), Info: info})
}

func (c *elf32Codec) WriteDyn(buf []byte, tag int64, val uint64) {
	utils.Write(buf, c.order, dyn32{Tag: int32(tag), Val: uint32(val)})
}

func (c *elf32Codec) WriteWord(buf []byte, val uint64) {
	c.order.PutUint32(buf, uint32(val))
}
