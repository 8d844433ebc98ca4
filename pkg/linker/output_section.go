package linker

import (
	"debug/elf"
	"strings"
)

// OutputSection is a regular output section made of input sections with
// the same output name, type and flags.
type OutputSection struct {
	OutputWriter
	InputSections []*InputSection
	Idx           uint32 // in Module.OutputSections
	SymtabIdx     int32  // section symbol, relocatable output only
}

func NewOutputSection(name string, typ uint32, flags uint64, idx uint32) *OutputSection {
	o := &OutputSection{OutputWriter: *NewOutputWriter()}
	o.Name = name
	o.Shdr.Type = typ
	o.Shdr.Flags = flags
	o.Idx = idx
	o.SymtabIdx = -1
	return o
}

func (o *OutputSection) CopyBuf(m *Module) {
	if o.Shdr.Type == uint32(elf.SHT_NOBITS) {
		return
	}

	base := m.Buf[o.Shdr.Offset:]
	for _, isec := range o.InputSections {
		isec.WriteTo(base[isec.Offset:])
	}
}

var prefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
	".ctors.", ".dtors.", ".sdata.", ".sbss.", ".preinit_array.",
}

func GetOutputName(name string, flags uint64) string {
	if (name == ".rodata" || strings.HasPrefix(name, ".rodata.")) &&
		flags&uint64(elf.SHF_MERGE) != 0 {
		if flags&uint64(elf.SHF_STRINGS) != 0 {
			return ".rodata.str"
		}
		return ".rodata.cst"
	}

	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

// GetOutputSection finds or creates the output section isec goes to.
// Relocatable output keeps input section names.
func GetOutputSection(m *Module, name string, typ uint32, flags uint64) *OutputSection {
	if m.Config.CodeGenType != CodeGenObject {
		name = GetOutputName(name, flags)
	}
	flags = flags &^ uint64(elf.SHF_GROUP) &^ uint64(elf.SHF_COMPRESSED) &^
		uint64(elf.SHF_LINK_ORDER)

	for _, osec := range m.OutputSections {
		if name == osec.Name && typ == osec.Shdr.Type && flags == osec.Shdr.Flags {
			return osec
		}
	}

	osec := NewOutputSection(name, typ, flags, uint32(len(m.OutputSections)))
	m.OutputSections = append(m.OutputSections, osec)
	return osec
}

func isTBSS(o iOutputWriter) bool {
	shdr := o.GetShdr()
	return shdr.Type == uint32(elf.SHT_NOBITS) && shdr.Flags&uint64(elf.SHF_TLS) != 0
}

func isTLS(o iOutputWriter) bool {
	return o.GetShdr().Flags&uint64(elf.SHF_TLS) != 0
}

func isBSS(o iOutputWriter) bool {
	return o.GetShdr().Type == uint32(elf.SHT_NOBITS) && !isTLS(o)
}

func isNOTE(o iOutputWriter) bool {
	shdr := o.GetShdr()
	return shdr.Type == uint32(elf.SHT_NOTE) && shdr.Flags&uint64(elf.SHF_ALLOC) != 0
}

func isNONALLOC(o iOutputWriter) bool {
	return o.GetShdr().Flags&uint64(elf.SHF_ALLOC) == 0
}
