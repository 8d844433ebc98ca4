package linker

import (
	"debug/elf"

	"github.com/hcyang1106/fraglinker/pkg/diag"
)

const EF_RISCV_RVC uint32 = 1

type OutputEhdrWriter struct {
	OutputWriter
}

func NewOutputEhdrWriter(codec ElfCodec) *OutputEhdrWriter {
	return &OutputEhdrWriter{
		OutputWriter{
			Name: "ehdr",
			Shdr: Shdr{
				Flags:     uint64(elf.SHF_ALLOC),
				Size:      uint64(codec.EhdrSize()),
				AddrAlign: uint64(codec.WordSize()),
			},
		},
	}
}

func getEntryAddress(m *Module) uint64 {
	if m.Config.CodeGenType == CodeGenObject {
		return 0
	}
	if sym, ok := m.SymbolMap[m.Config.Entry]; ok && sym.IsDefine() && !sym.IsDyn {
		return sym.GetAddr()
	}
	if m.Config.CodeGenType == CodeGenDynObj {
		return 0
	}

	addr := uint64(0)
	for _, osec := range m.OutputSections {
		if osec.Name == ".text" {
			addr = osec.Shdr.Addr
			break
		}
	}
	m.Diag.Report(diag.WarnEntryNotFound, m.Config.Entry, addr)
	return addr
}

// e_flags come from the first object. On RISC-V any object using
// compressed instructions makes the output need RVC.
func getFlags(m *Module) uint32 {
	var objs []*ObjectFile
	for _, obj := range m.Objs {
		if obj != m.InternalObj {
			objs = append(objs, obj)
		}
	}
	if len(objs) == 0 {
		return 0
	}
	flags := objs[0].ElfEhdr.Flags
	if m.Backend.Machine() != elf.EM_RISCV {
		return flags
	}
	for _, obj := range objs[1:] {
		if obj.ElfEhdr.Flags&EF_RISCV_RVC != 0 {
			flags |= EF_RISCV_RVC
			break
		}
	}
	return flags
}

func elfType(cfg *LinkerConfig) elf.Type {
	switch {
	case cfg.CodeGenType == CodeGenObject:
		return elf.ET_REL
	case cfg.IsCodeIndep():
		return elf.ET_DYN
	}
	return elf.ET_EXEC
}

func (o *OutputEhdrWriter) CopyBuf(m *Module) {
	ehdr := &Ehdr{}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(m.Codec.Class())
	ehdr.Ident[elf.EI_DATA] = uint8(m.Backend.Data())
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Ident[elf.EI_OSABI] = 0
	ehdr.Ident[elf.EI_ABIVERSION] = 0
	ehdr.Flags = getFlags(m)
	ehdr.Type = uint16(elfType(m.Config))
	ehdr.Machine = uint16(m.Backend.Machine())
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.Entry = getEntryAddress(m)
	ehdr.EhSize = uint16(m.Codec.EhdrSize())
	ehdr.ShEntSize = uint16(m.Codec.ShdrSize())
	ehdr.ShOff = m.Shdr.Shdr.Offset
	ehdr.ShNum = uint16(m.Shdr.Shdr.Size / uint64(m.Codec.ShdrSize()))
	ehdr.ShStrndx = uint16(m.Shstrtab.Shndx)
	if m.Phdr != nil {
		ehdr.PhEntSize = uint16(m.Codec.PhdrSize())
		ehdr.PhOff = m.Phdr.Shdr.Offset
		ehdr.PhNum = uint16(len(m.Phdr.Phdrs))
	}
	m.Codec.WriteEhdr(m.Buf[o.Shdr.Offset:], ehdr)
}
