package linker

import (
	"debug/elf"
	"math"
	"slices"
	"sort"

	"github.com/hcyang1106/fraglinker/pkg/diag"
	"github.com/hcyang1106/fraglinker/pkg/utils"
	"golang.org/x/exp/maps"
)

// ResolveSymbols runs resolution twice: once over every object to find
// the archive members that are needed, and once more over the live
// objects only, after the others have been dropped.
func ResolveSymbols(m *Module) {
	for _, obj := range m.Objs {
		obj.ResolveSymbols(m, false)
	}
	for _, so := range m.SharedFiles {
		so.ResolveSymbols()
	}

	MarkLiveObjects(m)
	ClearSymbolsAndFiles(m)
	EliminateDuplicateComdatGroups(m)

	for _, obj := range m.Objs {
		obj.ResolveSymbols(m, true)
	}
	for _, so := range m.SharedFiles {
		so.ResolveSymbols()
	}
}

func sortedSymbols(m *Module) []*Symbol {
	names := maps.Keys(m.SymbolMap)
	slices.Sort(names)
	syms := make([]*Symbol, 0, len(names))
	for _, name := range names {
		syms = append(syms, m.SymbolMap[name])
	}
	return syms
}

var standardSymbols = []string{
	"__ehdr_start", "__executable_start",
	"__init_array_start", "__init_array_end",
	"__fini_array_start", "__fini_array_end",
	"__preinit_array_start", "__preinit_array_end",
	"__bss_start", "_edata", "edata", "_end", "end",
	"_GLOBAL_OFFSET_TABLE_", "_DYNAMIC", "__global_pointer$",
}

// DefineStandardSymbols lets the internal file define the linker
// provided names that are referenced but defined nowhere else. Values
// are filled in by FixStandardSymbols.
func DefineStandardSymbols(m *Module) {
	if m.Config.CodeGenType == CodeGenObject {
		return
	}
	for _, name := range standardSymbols {
		sym, ok := m.SymbolMap[name]
		if !ok || !sym.IsUndef() || sym.IsDyn || !sym.HasFlag(IsReferenced) {
			continue
		}
		if name == "_DYNAMIC" && !isDynamicOutput(m) {
			continue
		}
		sym.File = m.InternalObj
		sym.Desc = DescDefine
		sym.Binding = BindingGlobal
		sym.Visibility = elf.STV_HIDDEN
		sym.rank = rankStrong
		sym.SetFlag(IsLinkerDefined)
	}
}

func referencingFile(m *Module, sym *Symbol) string {
	for _, obj := range m.Objs {
		for i := obj.FirstGlobal; i < len(obj.ElfSyms); i++ {
			if obj.Symbols[i] == sym && obj.ElfSyms[i].IsUndef() {
				return obj.File.DisplayName()
			}
		}
	}
	return "<unknown>"
}

// CheckUndefined reports references nobody defines. Shared objects may
// leave names undefined unless --no-undefined is given.
func CheckUndefined(m *Module) {
	cfg := m.Config
	if cfg.CodeGenType == CodeGenObject {
		return
	}
	if cfg.CodeGenType == CodeGenDynObj && !cfg.Options.NoUndefined {
		return
	}

	for _, sym := range sortedSymbols(m) {
		if !sym.IsUndef() || sym.IsDyn || !sym.HasFlag(IsReferenced) {
			continue
		}
		if sym.IsWeak() {
			if cfg.Options.Verbose {
				m.Diag.Report(diag.WarnUndefinedWeak, sym.Name)
			}
			continue
		}
		m.Diag.Report(diag.ErrUndefinedReference, referencingFile(m, sym), sym.Name)
	}
}

func RegisterSectionPieces(m *Module) {
	for _, obj := range m.Objs {
		if err := obj.RegisterSectionPieces(); err != nil {
			m.Diag.Report(diag.ErrMalformedInput, obj.File.DisplayName(), err)
		}
	}
}

func ReadRelocations(m *Module) {
	for _, obj := range m.Objs {
		obj.ReadRelocations(m)
	}
}

func ComputeMergedSectionSizes(m *Module) {
	for _, osec := range m.MergedSections {
		osec.AssignFragmentsOffsets()
	}
}

// AllocateCommonSymbols gives every common symbol storage in a .bss (or
// .tbss) section owned by the internal file.
func AllocateCommonSymbols(m *Module) {
	var bss, tbss *InputSection
	for _, sym := range sortedSymbols(m) {
		if !sym.IsCommon() || sym.File == nil {
			continue
		}

		var isec *InputSection
		if sym.Type == TypeTLS {
			if tbss == nil {
				tbss = m.InternalObj.addInternalSection(m, ".tbss", uint32(elf.SHT_NOBITS),
					uint64(elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS), 1)
			}
			isec = tbss
		} else {
			if bss == nil {
				bss = m.InternalObj.addInternalSection(m, ".bss", uint32(elf.SHT_NOBITS),
					uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 1)
			}
			isec = bss
		}

		offset := isec.AppendFragment(NewFillFragment(sym.Size), max(sym.Align, 1))
		sym.Desc = DescDefine
		sym.FragRef = &FragmentRef{Section: isec.ID, Offset: offset}
		sym.Value = offset
	}
}

// CreateSyntheticSections makes the chunks the linker writes itself.
// Which ones exist depends on the output kind and code position.
func CreateSyntheticSections(m *Module) {
	cfg := m.Config
	codec := m.Codec

	m.Ehdr = NewOutputEhdrWriter(codec)
	m.AddOutputWriter(m.Ehdr)
	if cfg.CodeGenType != CodeGenObject {
		m.Phdr = NewOutputPhdrsWriter(codec)
		m.AddOutputWriter(m.Phdr)
	}

	if cfg.CodeGenType != CodeGenObject {
		if isDynamicOutput(m) {
			if cfg.CodeGenType == CodeGenExec {
				m.Interp = NewOutputInterpWriter(cfg.DynamicLinker)
				m.AddOutputWriter(m.Interp)
			}
			rela := m.Backend.UseRela()
			m.Hash = NewOutputHashWriter()
			m.Dynsym = NewOutputDynsymWriter(codec)
			m.Dynstr = NewOutputStrtabWriter(".dynstr", true)
			m.RelDyn = NewOutputRelDynWriter(".dyn", rela, 0)
			m.RelPlt = NewOutputRelDynWriter(".plt", rela, uint64(elf.SHF_INFO_LINK))
			m.Dynamic = NewOutputDynamicWriter(codec)
			m.Dynamic.AddNeeded(m)
			for _, w := range []iOutputWriter{m.Hash, m.Dynsym, m.Dynstr, m.RelDyn, m.RelPlt, m.Dynamic} {
				m.AddOutputWriter(w)
			}
		}

		m.Got = NewOutputGotSectionWriter(codec)
		m.GotPlt = NewOutputGotPltSectionWriter(codec)
		m.Plt = NewOutputPltWriter()
		m.AddOutputWriter(m.Got)
		m.AddOutputWriter(m.GotPlt)
		m.AddOutputWriter(m.Plt)
	}

	if !cfg.Options.StripAll || cfg.CodeGenType == CodeGenObject {
		m.Symtab = NewOutputSymtabWriter(codec)
		m.Strtab = NewOutputStrtabWriter(".strtab", false)
		m.AddOutputWriter(m.Symtab)
		m.AddOutputWriter(m.Strtab)
	}

	m.Shstrtab = NewOutputStrtabWriter(".shstrtab", false)
	m.AddOutputWriter(m.Shstrtab)
	m.Shdr = NewOutputShdrsWriter(codec)
	m.AddOutputWriter(m.Shdr)
}

func BinSections(m *Module) {
	for _, obj := range m.Objs {
		for _, isec := range obj.Sections {
			if isec == nil || !isec.IsAlive() {
				continue
			}
			if isec.OutputSection == nil {
				isec.OutputSection = GetOutputSection(m, isec.Name, isec.Shdr.Type, isec.Shdr.Flags)
			}
			osec := isec.OutputSection
			osec.InputSections = append(osec.InputSections, isec)
		}
	}
}

func CollectOutputSections(m *Module) {
	for _, osec := range m.OutputSections {
		if len(osec.InputSections) > 0 {
			m.AddOutputWriter(osec)
		}
	}
	for _, osec := range m.MergedSections {
		if osec.Shdr.Size > 0 {
			m.AddOutputWriter(osec)
		}
	}
}

// CollectRelocationSections groups the relocations of relocatable
// output by output section.
func CollectRelocationSections(m *Module) {
	byTarget := make(map[*OutputSection][]*Relocation)
	for _, obj := range m.Objs {
		for _, rs := range obj.RelocSections {
			if rs.Kind == SectionKindIgnore || rs.RelocData.Target.OutputSection == nil {
				continue
			}
			osec := rs.RelocData.Target.OutputSection
			byTarget[osec] = append(byTarget[osec], rs.RelocData.Relocs...)
		}
	}

	for _, osec := range m.OutputSections {
		relocs := byTarget[osec]
		if len(relocs) == 0 {
			continue
		}
		w := NewOutputRelocSectionWriter(m.Codec, osec, m.Backend.UseRela())
		w.Relocs = relocs
		m.RelocWriters = append(m.RelocWriters, w)
		m.AddOutputWriter(w)
	}
}

// ScanRelocations lets the backend flag what each relocation needs, then
// reserves the GOT, PLT and dynamic symbol entries.
func ScanRelocations(m *Module) {
	relocator := m.Backend.Relocator()
	for _, obj := range m.Objs {
		for _, rs := range obj.RelocSections {
			if rs.Kind == SectionKindIgnore {
				continue
			}
			for _, rel := range rs.RelocData.Relocs {
				relocator.Scan(m, rel, rs.RelocData.Target)
			}
		}
	}
	AllocateDynamicEntries(m)
}

func isExported(m *Module, sym *Symbol) bool {
	if m.Dynsym == nil || sym.IsDyn || sym.File == nil || sym.IsLocal() {
		return false
	}
	if sym.IsUndef() || sym.HasFlag(IsLinkerDefined) {
		return false
	}
	if sym.Visibility == elf.STV_HIDDEN || sym.Visibility == elf.STV_INTERNAL {
		return false
	}
	return m.Config.CodeGenType == CodeGenDynObj || m.Config.Options.ExportDynamic
}

// AllocateDynamicEntries numbers GOT slots, then TLS GOT slots, then PLT
// entries, so no slot moves once its dynamic relocation exists.
func AllocateDynamicEntries(m *Module) {
	var syms []*Symbol
	for _, obj := range m.Objs {
		for _, sym := range obj.LocalSymbols {
			if sym != nil {
				syms = append(syms, sym)
			}
		}
		syms = append(syms, obj.PieceSymbols...)
	}
	globals := sortedSymbols(m)
	syms = append(syms, globals...)

	for _, sym := range syms {
		if sym.HasFlag(NeedsGot) && sym.GotIdx < 0 {
			m.Got.AddGotSymbol(m, sym)
		}
	}
	for _, sym := range syms {
		if sym.HasFlag(NeedsGotTp) && sym.GotTpIdx < 0 {
			m.Got.AddGotTpSymbol(m, sym)
		}
	}
	for _, sym := range syms {
		if sym.HasFlag(NeedsPlt) && sym.PltIdx < 0 {
			m.Plt.AddSymbol(m, sym)
		}
	}
	if m.Dynsym == nil {
		return
	}
	for _, sym := range syms {
		if sym.HasFlag(NeedsDynsym) {
			m.Dynsym.AddSymbol(m, sym)
		}
	}
	for _, sym := range globals {
		if isExported(m, sym) {
			sym.SetFlag(IsExported)
			m.Dynsym.AddSymbol(m, sym)
		}
	}
}

func ComputeSectionSizes(m *Module) {
	for _, osec := range m.OutputSections {
		offset := uint64(0)
		p2align := uint8(0)
		for _, isec := range osec.InputSections {
			offset = utils.AlignTo(offset, 1<<isec.P2Align)
			isec.Offset = offset
			offset += isec.Size
			p2align = max(p2align, isec.P2Align)
		}
		osec.Shdr.Size = offset
		osec.Shdr.AddrAlign = 1 << p2align
	}
}

func UpdateShdrs(m *Module) {
	for _, w := range m.OutputWriters {
		w.UpdateShdr(m)
	}
}

func dynamicTableIndex(m *Module, w iOutputWriter) int32 {
	if m.Dynsym == nil {
		return -1
	}
	tables := []iOutputWriter{m.Hash, m.Dynsym, m.Dynstr, m.RelDyn, m.RelPlt}
	for i, t := range tables {
		if w == t {
			return int32(i)
		}
	}
	return -1
}

// getRank orders the output: headers, interpreter and notes, dynamic
// tables, then read only code and data, TLS, writable data, BSS, and
// finally everything not loaded.
func getRank(m *Module, w iOutputWriter) int32 {
	switch {
	case w == iOutputWriter(m.Ehdr):
		return 0
	case m.Phdr != nil && w == iOutputWriter(m.Phdr):
		return 1
	case m.Interp != nil && w == iOutputWriter(m.Interp):
		return 2
	case m.Shdr != nil && w == iOutputWriter(m.Shdr):
		return math.MaxInt32
	}

	shdr := w.GetShdr()
	if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
		return math.MaxInt32 - 1
	}
	if shdr.Type == uint32(elf.SHT_NOTE) {
		return 3
	}
	if idx := dynamicTableIndex(m, w); idx >= 0 {
		return 4 + idx
	}

	b2i := func(b bool) int32 {
		if b {
			return 1
		}
		return 0
	}
	writable := b2i(shdr.Flags&uint64(elf.SHF_WRITE) != 0)
	notExec := b2i(shdr.Flags&uint64(elf.SHF_EXECINSTR) == 0)
	notTLS := b2i(shdr.Flags&uint64(elf.SHF_TLS) == 0)
	isBSS := b2i(shdr.Type == uint32(elf.SHT_NOBITS))
	return 16 + (writable<<7 | notExec<<6 | notTLS<<5 | isBSS<<4)
}

func SortOutputSections(m *Module) {
	sort.SliceStable(m.OutputWriters, func(i, j int) bool {
		return getRank(m, m.OutputWriters[i]) < getRank(m, m.OutputWriters[j])
	})
}

func RemoveEmptyWriters(m *Module) {
	m.OutputWriters = utils.RemoveIf(m.OutputWriters, func(w iOutputWriter) bool {
		return w.GetShdr().Size == 0 && !isHeader(m, w)
	})
}

// SetSectionIndices numbers the section headers and names them in
// .shstrtab.
func SetSectionIndices(m *Module) {
	shndx := 1
	for _, w := range m.OutputWriters {
		if isHeader(m, w) {
			continue
		}
		w.SetShndx(shndx)
		shndx++
		w.GetShdr().Name = m.Shstrtab.Add(w.GetName())
	}
}

func imageBase(m *Module) uint64 {
	if m.Config.CodeGenType == CodeGenExec && !m.Config.IsCodeIndep() {
		return 0x200000
	}
	return 0
}

// SetOutputSectionOffsets assigns addresses to loaded chunks, starting a
// new page whenever segment permissions change, then file offsets.
// Loaded chunks sit at the same offset from the image start in the file
// and in memory.
func SetOutputSectionOffsets(m *Module) uint64 {
	if m.Config.CodeGenType == CodeGenObject {
		fileoff := uint64(0)
		for _, w := range m.OutputWriters {
			shdr := w.GetShdr()
			shdr.Addr = 0
			fileoff = utils.AlignTo(fileoff, shdr.AddrAlign)
			shdr.Offset = fileoff
			if shdr.Type != uint32(elf.SHT_NOBITS) {
				fileoff += shdr.Size
			}
		}
		return fileoff
	}

	base := imageBase(m)
	addr := base
	var prevFlags uint32
	for i, w := range m.OutputWriters {
		shdr := w.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		flags := outputWriterAttrToPhdrFlags(w)
		if i > 0 && flags != prevFlags {
			addr = utils.AlignTo(addr, PageSize)
		}
		prevFlags = flags

		addr = utils.AlignTo(addr, shdr.AddrAlign)
		shdr.Addr = addr
		if !isTBSS(w) {
			addr += shdr.Size
		}
	}

	fileoff := uint64(0)
	for _, w := range m.OutputWriters {
		shdr := w.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			shdr.Offset = shdr.Addr - base
			if shdr.Type != uint32(elf.SHT_NOBITS) {
				fileoff = max(fileoff, shdr.Offset+shdr.Size)
			}
			continue
		}
		fileoff = utils.AlignTo(fileoff, shdr.AddrAlign)
		shdr.Offset = fileoff
		fileoff += shdr.Size
	}

	m.TLSBegin, m.TLSEnd, m.TLSAlign = 0, 0, 1
	for _, w := range m.OutputWriters {
		if !isTLS(w) {
			continue
		}
		shdr := w.GetShdr()
		if m.TLSEnd == 0 {
			m.TLSBegin = shdr.Addr
		}
		m.TLSEnd = shdr.Addr + shdr.Size
		m.TLSAlign = max(m.TLSAlign, shdr.AddrAlign)
	}

	if m.Phdr != nil {
		m.Phdr.UpdateShdr(m)
	}
	return fileoff
}

// FixStandardSymbols gives the linker defined symbols their addresses.
func FixStandardSymbols(m *Module) {
	set := func(name string, val uint64) {
		if sym, ok := m.SymbolMap[name]; ok && sym.HasFlag(IsLinkerDefined) {
			sym.Value = val
		}
	}
	span := func(name string) (start, end uint64) {
		if w := findWriter(m, name); w != nil {
			return w.GetShdr().Addr, w.GetShdr().Addr + w.GetShdr().Size
		}
		return 0, 0
	}

	set("__ehdr_start", m.Ehdr.Shdr.Addr)
	set("__executable_start", m.Ehdr.Shdr.Addr)
	for _, name := range []string{"init_array", "fini_array", "preinit_array"} {
		start, end := span("." + name)
		set("__"+name+"_start", start)
		set("__"+name+"_end", end)
	}

	var edata, end, bssStart uint64
	for _, w := range m.OutputWriters {
		shdr := w.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 || isTBSS(w) {
			continue
		}
		if isBSS(w) {
			if bssStart == 0 {
				bssStart = shdr.Addr
			}
		} else {
			edata = shdr.Addr + shdr.Size
		}
		end = shdr.Addr + shdr.Size
	}
	if bssStart == 0 {
		bssStart = edata
	}
	set("__bss_start", bssStart)
	set("_edata", edata)
	set("edata", edata)
	set("_end", end)
	set("end", end)

	set("_GLOBAL_OFFSET_TABLE_", m.GotBase())
	if m.Dynamic != nil {
		set("_DYNAMIC", m.Dynamic.Shdr.Addr)
	}
	if start, _ := span(".sdata"); start != 0 {
		set("__global_pointer$", start+0x800)
	}
}

// GetFileSize is the size of the output image once offsets are set.
func GetFileSize(m *Module) uint64 {
	size := uint64(0)
	for _, w := range m.OutputWriters {
		shdr := w.GetShdr()
		if shdr.Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		size = max(size, shdr.Offset+shdr.Size)
	}
	return size
}
