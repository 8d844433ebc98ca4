package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/hcyang1106/fraglinker/pkg/diag"
	"github.com/hcyang1106/fraglinker/pkg/utils"
)

type comdatGroup struct {
	signature string
	members   []uint32
}

type ObjectFile struct {
	InputFile
	SymtabSec         *Shdr
	SymtabShndxSec    []uint32
	Sections          []*InputSection
	MergeableSections []*MergeableSection
	RelocSections     []*InputSection
	Symbols           []*Symbol
	LocalSymbols      []*Symbol
	PieceSymbols      []*Symbol
	comdatGroups      []comdatGroup
}

func NewObjectFile(file *File, isAlive bool) (*ObjectFile, error) {
	o := &ObjectFile{}
	if err := o.init(file); err != nil {
		return nil, err
	}
	o.IsAlive = isAlive
	return o, nil
}

// newInternalFile owns linker-made sections and linker-defined symbols.
func newInternalFile(codec ElfCodec) *ObjectFile {
	o := &ObjectFile{}
	o.File = &File{Name: "<internal>"}
	o.Codec = codec
	o.IsAlive = true
	return o
}

// addInternalSection creates an empty section owned by the internal file.
func (o *ObjectFile) addInternalSection(m *Module, name string, typ uint32, flags uint64, align uint64) *InputSection {
	shdr := Shdr{Type: typ, Flags: flags, AddrAlign: align}
	isec := NewInputSection(o, name, uint32(len(o.Sections)), shdr, nil)
	m.AddSection(isec)
	o.Sections = append(o.Sections, isec)
	return isec
}

func (o *ObjectFile) addLocalSymbol(name string, ref FragmentRef) *Symbol {
	sym := NewSymbol(name)
	sym.File = o
	sym.Binding = BindingLocal
	sym.Desc = DescDefine
	sym.FragRef = &ref
	sym.Value = ref.Offset
	o.LocalSymbols = append(o.LocalSymbols, sym)
	return sym
}

func (o *ObjectFile) Parse(m *Module) error {
	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int(o.SymtabSec.Info)
		if err := o.FillUpElfSyms(o.SymtabSec); err != nil {
			return err
		}
		var err error
		if o.SymbolStrtab, err = o.GetBytesFromIdx(int(o.SymtabSec.Link)); err != nil {
			return err
		}
	}

	if err := o.InitializeSections(m); err != nil {
		return err
	}
	if err := o.InitializeSymbols(m); err != nil {
		return err
	}
	if m.Config.CodeGenType != CodeGenObject {
		return o.InitializeMergeableSections(m)
	}
	return nil
}

func (o *ObjectFile) InitializeSections(m *Module) error {
	o.Sections = make([]*InputSection, len(o.ElfSections))
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := o.ElfSections[i]
		if shdr.Type == uint32(elf.SHT_SYMTAB_SHNDX) {
			bs, err := o.GetBytesFromShdr(&shdr)
			if err != nil {
				return err
			}
			o.SymtabShndxSec = utils.ReadSlice[uint32](bs[:len(bs)/4*4], o.Codec.ByteOrder(), 4)
		}

		contents, err := o.GetBytesFromShdr(&shdr)
		if err != nil {
			return err
		}
		name := ElfGetName(o.ShStrtab, shdr.Name)
		isec := NewInputSection(o, name, uint32(i), shdr, contents)
		m.AddSection(isec)
		o.Sections[i] = isec

		switch isec.Kind {
		case SectionKindRegular, SectionKindNote:
			isec.AppendFragment(NewRegionFragment(FragmentKindRegion, contents), 1)
		case SectionKindBSS:
			isec.AppendFragment(NewFillFragment(shdr.Size), 1)
		case SectionKindEhFrame:
			o.readEhFrame(m, isec)
		case SectionKindGroup:
			if err := o.readGroup(isec); err != nil {
				return err
			}
		}
	}

	for _, isec := range o.Sections {
		if isec.Kind != SectionKindRelocation {
			continue
		}
		if int(isec.Shdr.Info) >= len(o.Sections) {
			return fmt.Errorf("%w: %s: bad relocation target", ErrMalformedElf, isec.Name)
		}
		isec.RelocData = &RelocData{
			Target: o.Sections[isec.Shdr.Info],
			IsRela: isec.Shdr.Type == uint32(elf.SHT_RELA),
		}
		o.RelocSections = append(o.RelocSections, isec)
	}
	return nil
}

// A broken .eh_frame only costs the unwind tables of this file: the
// section is kept as one opaque region.
func (o *ObjectFile) readEhFrame(m *Module, isec *InputSection) {
	reader := NewEhFrameReader(o.Codec.ByteOrder())
	if _, err := reader.Read(isec); err != nil {
		m.Diag.Report(diag.WarnEhFrameIgnored, o.File.DisplayName(), err)
		isec.AppendFragment(NewRegionFragment(FragmentKindRegion, isec.Contents), 1)
	}
}

func (o *ObjectFile) readGroup(isec *InputSection) error {
	words := utils.ReadSlice[uint32](isec.Contents[:len(isec.Contents)/4*4], o.Codec.ByteOrder(), 4)
	if len(words) == 0 || words[0]&grpComdat == 0 {
		return nil
	}
	if int(isec.Shdr.Info) >= len(o.ElfSyms) {
		return fmt.Errorf("%w: %s: bad group signature", ErrMalformedElf, isec.Name)
	}
	esym := &o.ElfSyms[isec.Shdr.Info]
	o.comdatGroups = append(o.comdatGroups, comdatGroup{
		signature: ElfGetName(o.SymbolStrtab, esym.Name),
		members:   words[1:],
	})
	return nil
}

func (o *ObjectFile) InitializeSymbols(m *Module) error {
	if o.SymtabSec == nil {
		return nil
	}
	if o.FirstGlobal > len(o.ElfSyms) {
		return fmt.Errorf("%w: bad symbol table", ErrMalformedElf)
	}

	o.LocalSymbols = make([]*Symbol, o.FirstGlobal)
	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	for i := 0; i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		sym := NewSymbol(ElfGetName(o.SymbolStrtab, esym.Name))
		sym.File = o
		sym.SymIdx = i
		sym.Binding = BindingLocal
		sym.Desc = DescDefine
		sym.Type = symbolTypeFromElf(esym.Type())
		sym.Visibility = esym.Visibility()
		sym.Size = esym.Size
		sym.Value = esym.Val

		switch {
		case i == 0:
			sym.Binding = BindingAbsolute
			sym.Desc = DescUndefined
		case esym.IsAbs() || esym.IsCommon():
		case esym.IsUndef():
			sym.Desc = DescUndefined
		default:
			isec, err := o.GetSection(esym, i)
			if err != nil {
				return err
			}
			sym.FragRef = &FragmentRef{Section: isec.ID, Offset: esym.Val}
		}
		if sym.Type == TypeSection && sym.FragRef != nil {
			sym.Name = m.Section(sym.FragRef.Section).Name
		}
		o.LocalSymbols[i] = sym
		o.Symbols[i] = sym
	}

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		name := ElfGetName(o.SymbolStrtab, esym.Name)
		o.Symbols[i] = GetSymbolByName(m, name)
	}
	return nil
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int) uint32 {
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		if idx >= len(o.SymtabShndxSec) {
			return 0
		}
		return o.SymtabShndxSec[idx]
	}
	return uint32(esym.Shndx)
}

func (o *ObjectFile) GetSection(esym *Sym, idx int) (*InputSection, error) {
	shndx := o.GetShndx(esym, idx)
	if int(shndx) >= len(o.Sections) || shndx == 0 {
		return nil, fmt.Errorf("%w: symbol %d has bad section index %d", ErrMalformedElf, idx, shndx)
	}
	return o.Sections[shndx], nil
}

// isDefinition reports whether esym is a definition that survives section
// discarding. Definitions in discarded COMDAT members become references.
func (o *ObjectFile) isDefinition(esym *Sym, idx int) bool {
	if esym.IsUndef() {
		return false
	}
	if esym.IsAbs() || esym.IsCommon() {
		return true
	}
	isec, err := o.GetSection(esym, idx)
	return err == nil && isec.Kind != SectionKindIgnore
}

func (o *ObjectFile) InitializeMergeableSections(m *Module) error {
	o.MergeableSections = make([]*MergeableSection, len(o.Sections))
	for i, isec := range o.Sections {
		if isec.Kind != SectionKindRegular || isec.Shdr.Flags&uint64(elf.SHF_MERGE) == 0 {
			continue
		}
		if isec.Shdr.EntSize == 0 {
			continue
		}
		ms, err := splitSection(m, isec)
		if err != nil {
			return fmt.Errorf("%s: %w", isec.Name, err)
		}
		o.MergeableSections[i] = ms
		isec.Mergeable = ms
	}
	return nil
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.IndexByte(data, 0)
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		if utils.AllZeros(data[i : i+entSize]) {
			return i
		}
	}
	return -1
}

func splitSection(m *Module, isec *InputSection) (*MergeableSection, error) {
	ms := &MergeableSection{}
	shdr := &isec.Shdr

	ms.Parent = GetMergedSectionInstance(m, isec.Name, shdr.Type, shdr.Flags)
	ms.P2Align = isec.P2Align

	data := isec.Contents
	offset := uint64(0)
	if shdr.Flags&uint64(elf.SHF_STRINGS) != 0 {
		for len(data) > 0 {
			end := findNull(data, int(shdr.EntSize))
			if end == -1 {
				return nil, fmt.Errorf("string is not null terminated")
			}

			sz := uint64(end) + shdr.EntSize
			ms.Strs = append(ms.Strs, string(data[:sz]))
			ms.FragOffsets = append(ms.FragOffsets, offset)
			data = data[sz:]
			offset += sz
		}
	} else {
		if uint64(len(data))%shdr.EntSize != 0 {
			return nil, fmt.Errorf("section size is not multiple of entsize")
		}

		for len(data) > 0 {
			ms.Strs = append(ms.Strs, string(data[:shdr.EntSize]))
			ms.FragOffsets = append(ms.FragOffsets, offset)
			data = data[shdr.EntSize:]
			offset += shdr.EntSize
		}
	}
	return ms, nil
}

// RegisterSectionPieces moves symbols defined in mergeable sections from
// the input section to the deduplicated piece.
func (o *ObjectFile) RegisterSectionPieces() error {
	for i, ms := range o.MergeableSections {
		if ms == nil {
			continue
		}
		if o.Sections[i].Kind == SectionKindIgnore {
			o.MergeableSections[i] = nil
			continue
		}
		ms.Fragments = make([]*SectionFragment, 0, len(ms.Strs))
		for _, str := range ms.Strs {
			frag := ms.Parent.Insert(str, ms.P2Align)
			frag.IsAlive = true
			ms.Fragments = append(ms.Fragments, frag)
		}
	}

	for i := 1; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]
		if esym.IsAbs() || esym.IsUndef() || esym.IsCommon() {
			continue
		}
		if i >= o.FirstGlobal && sym.File != o {
			continue
		}

		ms := o.mergeableAt(o.GetShndx(esym, i))
		if ms == nil {
			continue
		}

		frag, fragOffset := ms.GetFragment(esym.Val)
		if frag == nil {
			return fmt.Errorf("%w: bad symbol value %#x", ErrMalformedElf, esym.Val)
		}
		sym.Piece = frag
		sym.FragRef = nil
		sym.Value = fragOffset
	}
	return nil
}

func (o *ObjectFile) mergeableAt(shndx uint32) *MergeableSection {
	if int(shndx) >= len(o.MergeableSections) {
		return nil
	}
	return o.MergeableSections[shndx]
}

func (o *ObjectFile) pieceSymbol(frag *SectionFragment, offset uint64) *Symbol {
	sym := NewSymbol("")
	sym.File = o
	sym.Binding = BindingLocal
	sym.Desc = DescDefine
	sym.Piece = frag
	sym.Value = offset
	o.PieceSymbols = append(o.PieceSymbols, sym)
	return sym
}

// ReadRelocations decodes every relocation section whose target is
// emitted and loads the bytes each entry patches.
func (o *ObjectFile) ReadRelocations(m *Module) {
	relocator := m.Backend.Relocator()
	order := o.Codec.ByteOrder()

	for _, rs := range o.RelocSections {
		rd := rs.RelocData
		if rs.Kind == SectionKindIgnore || !rd.Target.IsAlive() {
			rs.Kind = SectionKindIgnore
			continue
		}

		target := rd.Target
		entSize := o.Codec.RelSize(rd.IsRela)
		for off := 0; off+entSize <= len(rs.Contents); off += entSize {
			r, err := o.Codec.ReadRel(rs.Contents[off:], rd.IsRela)
			if err != nil || int(r.Sym) >= len(o.Symbols) {
				m.Diag.Report(diag.ErrMalformedInput, o.File.DisplayName(),
					fmt.Sprintf("%s: bad relocation entry at %#x", rs.Name, off))
				break
			}

			rel := &Relocation{
				Type:      r.Type,
				TargetRef: FragmentRef{Section: target.ID, Offset: r.Offset},
				Sym:       o.Symbols[r.Sym],
				Addend:    r.Addend,
				Size:      relocator.Size(r.Type),
			}

			if rel.Size > 0 {
				width := uint64(rel.Size / 8)
				if r.Offset+width > uint64(len(target.Contents)) {
					m.Diag.Report(diag.ErrBadRelocation, target.DisplayName(),
						relocator.Name(r.Type), rel.Sym.Name)
					continue
				}
				rel.Target = readTargetWord(target.Contents[r.Offset:], rel.Size, order)
			}

			if r.Sym != 0 && m.Config.CodeGenType != CodeGenObject {
				o.redirectToPiece(rel, int(r.Sym), rd.IsRela)
			}
			rd.Relocs = append(rd.Relocs, rel)
		}
	}
}

// Section symbols of mergeable sections are replaced by a symbol on the
// piece the addend points into.
func (o *ObjectFile) redirectToPiece(rel *Relocation, idx int, isRela bool) {
	esym := &o.ElfSyms[idx]
	if esym.Type() != elf.STT_SECTION {
		return
	}
	ms := o.mergeableAt(o.GetShndx(esym, idx))
	if ms == nil {
		return
	}

	addend := rel.Addend
	if !isRela {
		if rel.Size == 0 {
			return
		}
		addend = int64(utils.SignExtend(rel.Target, int(rel.Size)-1))
		rel.Target = 0
	}
	frag, offset := ms.GetFragment(esym.Val + uint64(addend))
	if frag == nil {
		return
	}
	rel.Sym = o.pieceSymbol(frag, offset)
	rel.Addend = 0
}

func readTargetWord(data []byte, size uint32, order binary.ByteOrder) uint64 {
	switch size {
	case 8:
		return uint64(data[0])
	case 16:
		return uint64(order.Uint16(data))
	case 32:
		return uint64(order.Uint32(data))
	case 64:
		return order.Uint64(data)
	}
	return 0
}

func (o *ObjectFile) MarkLiveObjects(feeder func(*ObjectFile)) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if sym.File == nil || !esym.IsUndef() || esym.Bind() == elf.STB_WEAK {
			continue
		}
		if !sym.File.IsAlive {
			sym.File.IsAlive = true
			feeder(sym.File)
		}
	}
}
