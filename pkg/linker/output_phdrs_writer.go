package linker

import (
	"debug/elf"
)

const PageSize = 4096

type OutputPhdrsWriter struct {
	OutputWriter
	Phdrs []Phdr
}

func NewOutputPhdrsWriter(codec ElfCodec) *OutputPhdrsWriter {
	return &OutputPhdrsWriter{
		OutputWriter: OutputWriter{
			Name: "phdr",
			Shdr: Shdr{
				AddrAlign: uint64(codec.WordSize()),
				Flags:     uint64(elf.SHF_ALLOC),
			},
		},
	}
}

// The number of segments only depends on section flags, so the size can
// be computed before addresses are known.
func (o *OutputPhdrsWriter) UpdateShdr(m *Module) {
	o.createPhdrs(m)
	o.Shdr.Size = uint64(len(o.Phdrs)) * uint64(m.Codec.PhdrSize())
}

func (o *OutputPhdrsWriter) CopyBuf(m *Module) {
	o.createPhdrs(m)
	start := m.Buf[o.Shdr.Offset:]
	for i := range o.Phdrs {
		m.Codec.WritePhdr(start, &o.Phdrs[i])
		start = start[m.Codec.PhdrSize():]
	}
}

func outputWriterAttrToPhdrFlags(o iOutputWriter) uint32 {
	ret := uint32(elf.PF_R)
	if o.GetShdr().Flags&uint64(elf.SHF_WRITE) != 0 {
		ret |= uint32(elf.PF_W)
	}
	if o.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		ret |= uint32(elf.PF_X)
	}
	return ret
}

// phdr file size represents the size took in the file
// phdr memory size represents the size occupying the mem
// mem size >= file size because of bss
func (o *OutputPhdrsWriter) createPhdrs(m *Module) {
	o.Phdrs = make([]Phdr, 0)
	define := func(typ, flags uint32, minAlign uint64, outputWriter iOutputWriter) {
		o.Phdrs = append(o.Phdrs, Phdr{})
		phdr := &o.Phdrs[len(o.Phdrs)-1]
		shdr := outputWriter.GetShdr()
		phdr.Type = typ
		phdr.Flags = flags
		phdr.Align = max(minAlign, shdr.AddrAlign)
		phdr.Offset = shdr.Offset
		if shdr.Type == uint32(elf.SHT_NOBITS) {
			phdr.FileSize = 0
		} else {
			phdr.FileSize = shdr.Size
		}
		phdr.VAddr = shdr.Addr
		phdr.PAddr = shdr.Addr
		phdr.MemSize = shdr.Size
	}

	// size = arriving outputwriter end address - phdr start address
	push := func(outputWriter iOutputWriter) {
		phdr := &o.Phdrs[len(o.Phdrs)-1]
		shdr := outputWriter.GetShdr()
		phdr.Align = max(phdr.Align, shdr.AddrAlign)
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = shdr.Addr + shdr.Size - phdr.VAddr
		}
		phdr.MemSize = shdr.Addr + shdr.Size - phdr.VAddr
	}

	writers := m.OutputWriters

	// phdr segment
	define(uint32(elf.PT_PHDR), uint32(elf.PF_R), uint64(m.WordSize()), m.Phdr)

	if m.Interp != nil && m.Interp.Shdr.Size > 0 {
		define(uint32(elf.PT_INTERP), uint32(elf.PF_R), 1, m.Interp)
	}

	// note segment
	for i := 0; i < len(writers); i++ {
		iCurr := writers[i]
		if !isNOTE(iCurr) {
			continue
		}
		flags := outputWriterAttrToPhdrFlags(iCurr)
		define(uint32(elf.PT_NOTE), flags, iCurr.GetShdr().AddrAlign, iCurr)
		for i+1 < len(writers) && isNOTE(writers[i+1]) &&
			outputWriterAttrToPhdrFlags(writers[i+1]) == flags {
			i++
			push(writers[i])
		}
	}

	// load segment, a new one on every permission change
	loadable := make([]iOutputWriter, 0, len(writers))
	for _, w := range writers {
		if !isTBSS(w) {
			loadable = append(loadable, w)
		}
	}

	for i := 0; i < len(loadable); {
		curr := loadable[i]
		if isNONALLOC(curr) {
			break
		}
		currFlags := outputWriterAttrToPhdrFlags(curr)
		define(uint32(elf.PT_LOAD), currFlags, PageSize, curr)
		i++
		for i < len(loadable) && !isNONALLOC(loadable[i]) && !isBSS(loadable[i]) &&
			outputWriterAttrToPhdrFlags(loadable[i]) == currFlags {
			push(loadable[i])
			i++
		}
		for i < len(loadable) && isBSS(loadable[i]) &&
			outputWriterAttrToPhdrFlags(loadable[i]) == currFlags {
			push(loadable[i])
			i++
		}
	}

	// tls segment
	for i := 0; i < len(writers); i++ {
		if !isTLS(writers[i]) {
			continue
		}
		define(uint32(elf.PT_TLS), outputWriterAttrToPhdrFlags(writers[i]), 1, writers[i])
		for i+1 < len(writers) && isTLS(writers[i+1]) {
			i++
			push(writers[i])
		}
	}

	if m.Dynamic != nil && m.Dynamic.Shdr.Size > 0 {
		define(uint32(elf.PT_DYNAMIC), uint32(elf.PF_R|elf.PF_W), uint64(m.WordSize()), m.Dynamic)
	}

	o.Phdrs = append(o.Phdrs, Phdr{
		Type:  uint32(elf.PT_GNU_STACK),
		Flags: uint32(elf.PF_R | elf.PF_W),
		Align: 1,
	})
}
