package linker

import "debug/elf"

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

// OutputDynamicWriter is .dynamic. The entry list only depends on which
// synthetic sections are present, so its size is known before layout.
type OutputDynamicWriter struct {
	OutputWriter
	needed []uint32
	soname uint32
}

func NewOutputDynamicWriter(codec ElfCodec) *OutputDynamicWriter {
	d := &OutputDynamicWriter{OutputWriter: *NewOutputWriter()}
	d.Name = ".dynamic"
	d.Shdr.Type = uint32(elf.SHT_DYNAMIC)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	d.Shdr.AddrAlign = uint64(codec.WordSize())
	d.Shdr.EntSize = uint64(codec.DynSize())
	return d
}

// AddNeeded records the shared objects and soname in .dynstr.
func (d *OutputDynamicWriter) AddNeeded(m *Module) {
	for _, lib := range m.NeededLibs {
		d.needed = append(d.needed, m.Dynstr.Add(lib))
	}
	if m.Config.CodeGenType == CodeGenDynObj && m.Config.Soname != "" {
		d.soname = m.Dynstr.Add(m.Config.Soname)
	}
}

func findWriter(m *Module, name string) iOutputWriter {
	for _, w := range m.OutputWriters {
		if w.GetName() == name && w.GetShdr().Size > 0 {
			return w
		}
	}
	return nil
}

func (d *OutputDynamicWriter) entries(m *Module) []dynEntry {
	var ents []dynEntry
	add := func(tag elf.DynTag, val uint64) {
		ents = append(ents, dynEntry{tag, val})
	}

	for _, off := range d.needed {
		add(elf.DT_NEEDED, uint64(off))
	}
	if d.soname != 0 {
		add(elf.DT_SONAME, uint64(d.soname))
	}

	add(elf.DT_HASH, m.Hash.Shdr.Addr)
	add(elf.DT_STRTAB, m.Dynstr.Shdr.Addr)
	add(elf.DT_SYMTAB, m.Dynsym.Shdr.Addr)
	add(elf.DT_STRSZ, m.Dynstr.Shdr.Size)
	add(elf.DT_SYMENT, uint64(m.Codec.SymSize()))

	rela := m.Backend.UseRela()
	if len(m.RelDyn.Relocs) > 0 {
		if rela {
			add(elf.DT_RELA, m.RelDyn.Shdr.Addr)
			add(elf.DT_RELASZ, m.RelDyn.Shdr.Size)
			add(elf.DT_RELAENT, uint64(m.Codec.RelSize(true)))
		} else {
			add(elf.DT_REL, m.RelDyn.Shdr.Addr)
			add(elf.DT_RELSZ, m.RelDyn.Shdr.Size)
			add(elf.DT_RELENT, uint64(m.Codec.RelSize(false)))
		}
	}
	if len(m.RelPlt.Relocs) > 0 {
		add(elf.DT_JMPREL, m.RelPlt.Shdr.Addr)
		add(elf.DT_PLTRELSZ, m.RelPlt.Shdr.Size)
		if rela {
			add(elf.DT_PLTREL, uint64(elf.DT_RELA))
		} else {
			add(elf.DT_PLTREL, uint64(elf.DT_REL))
		}
	}
	if m.GotPlt.Shdr.Size > 0 {
		add(elf.DT_PLTGOT, m.GotPlt.Shdr.Addr)
	}

	if w := findWriter(m, ".init_array"); w != nil {
		add(elf.DT_INIT_ARRAY, w.GetShdr().Addr)
		add(elf.DT_INIT_ARRAYSZ, w.GetShdr().Size)
	}
	if w := findWriter(m, ".fini_array"); w != nil {
		add(elf.DT_FINI_ARRAY, w.GetShdr().Addr)
		add(elf.DT_FINI_ARRAYSZ, w.GetShdr().Size)
	}
	if w := findWriter(m, ".preinit_array"); w != nil && m.Config.CodeGenType == CodeGenExec {
		add(elf.DT_PREINIT_ARRAY, w.GetShdr().Addr)
		add(elf.DT_PREINIT_ARRAYSZ, w.GetShdr().Size)
	}

	var flags uint64
	if m.HasTextRel {
		add(elf.DT_TEXTREL, 0)
		flags |= uint64(elf.DF_TEXTREL)
	}
	if m.Config.Options.Bsymbolic {
		add(elf.DT_SYMBOLIC, 0)
		flags |= uint64(elf.DF_SYMBOLIC)
	}
	if flags != 0 {
		add(elf.DT_FLAGS, flags)
	}
	if m.Config.CodeGenType == CodeGenExec {
		add(elf.DT_DEBUG, 0)
	}
	add(elf.DT_NULL, 0)
	return ents
}

func (d *OutputDynamicWriter) UpdateShdr(m *Module) {
	d.Shdr.Size = uint64(len(d.entries(m)) * m.Codec.DynSize())
	d.Shdr.Link = uint32(m.Dynstr.Shndx)
}

func (d *OutputDynamicWriter) CopyBuf(m *Module) {
	base := m.Buf[d.Shdr.Offset:]
	size := m.Codec.DynSize()
	for i, ent := range d.entries(m) {
		m.Codec.WriteDyn(base[i*size:], int64(ent.tag), ent.val)
	}
}
