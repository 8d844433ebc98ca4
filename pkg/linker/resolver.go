package linker

import (
	"debug/elf"

	"github.com/hcyang1106/fraglinker/pkg/diag"
)

// candidateRank orders the occurrences of one global name. The highest
// ranked occurrence owns the symbol.
type candidateRank uint8

const (
	rankUndefined candidateRank = iota
	rankLazy                    // defined by an archive member not yet extracted
	rankDynamic                 // defined by a shared object
	rankWeak
	rankCommon
	rankStrong
)

func (o *ObjectFile) rankOf(esym *Sym, idx int) candidateRank {
	if !o.isDefinition(esym, idx) {
		return rankUndefined
	}
	if !o.IsAlive {
		return rankLazy
	}
	if esym.IsCommon() {
		return rankCommon
	}
	if esym.Bind() == elf.STB_WEAK {
		return rankWeak
	}
	return rankStrong
}

// visibilityRank orders visibilities from least to most constraining.
func visibilityRank(v elf.SymVis) int {
	switch v {
	case elf.STV_PROTECTED:
		return 1
	case elf.STV_HIDDEN:
		return 2
	case elf.STV_INTERNAL:
		return 3
	}
	return 0
}

func mergeVisibility(old, new elf.SymVis) elf.SymVis {
	if visibilityRank(new) > visibilityRank(old) {
		return new
	}
	return old
}

// ResolveSymbols offers every global of o to the symbol table. With
// report set, conflicting strong definitions are diagnosed.
func (o *ObjectFile) ResolveSymbols(m *Module, report bool) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		sym := o.Symbols[i]
		rank := o.rankOf(esym, i)

		if rank == rankUndefined {
			if o.IsAlive {
				o.addReference(sym, esym)
			}
			continue
		}
		if rank != rankLazy {
			sym.Visibility = mergeVisibility(sym.Visibility, esym.Visibility())
		}

		switch {
		case rank > sym.rank:
			o.override(sym, esym, i, rank)
		case rank < sym.rank:
		case rank == rankStrong:
			if !report || sym.File == o {
				continue
			}
			id := diag.ErrMultipleDefinition
			if m.Config.Options.AllowMultipleDefinition {
				id = diag.WarnMultipleDefinition
			}
			m.Diag.Report(id, sym.Name, o.File.DisplayName(), sym.DisplayFile())
		case rank == rankCommon:
			o.mergeCommon(sym, esym, i)
		}
	}
}

func (o *ObjectFile) addReference(sym *Symbol, esym *Sym) {
	sym.SetFlag(IsReferenced)
	sym.Visibility = mergeVisibility(sym.Visibility, esym.Visibility())
	if sym.rank != rankUndefined {
		return
	}
	if sym.Type == TypeNoType {
		sym.Type = symbolTypeFromElf(esym.Type())
	}
	switch {
	case esym.Bind() == elf.STB_WEAK && sym.Binding != BindingGlobal:
		sym.Binding = BindingWeak
	default:
		sym.Binding = BindingGlobal
	}
}

func (o *ObjectFile) override(sym *Symbol, esym *Sym, idx int, rank candidateRank) {
	sym.File = o
	sym.Shared = nil
	sym.IsDyn = false
	sym.SymIdx = idx
	sym.rank = rank
	sym.Type = symbolTypeFromElf(esym.Type())
	sym.Size = esym.Size
	sym.Value = esym.Val
	sym.FragRef = nil
	sym.Piece = nil
	sym.Align = 0

	sym.Binding = BindingGlobal
	if esym.Bind() == elf.STB_WEAK {
		sym.Binding = BindingWeak
	}

	switch {
	case esym.IsCommon():
		sym.Desc = DescCommon
		sym.Align = esym.Val
		sym.Value = 0
	case esym.IsAbs():
		sym.Desc = DescDefine
	default:
		sym.Desc = DescDefine
		isec, err := o.GetSection(esym, idx)
		if err == nil {
			sym.FragRef = &FragmentRef{Section: isec.ID, Offset: esym.Val}
		}
	}
}

// Two commons merge into the larger size and the stricter alignment. The
// larger one provides the storage.
func (o *ObjectFile) mergeCommon(sym *Symbol, esym *Sym, idx int) {
	size, align := sym.Size, sym.Align
	if esym.Size > size {
		o.override(sym, esym, idx, rankCommon)
		sym.Size = esym.Size
	} else {
		sym.Size = size
	}
	sym.Align = max(align, esym.Val)
}

// ResolveSymbols offers the dynamic definitions of s. They only win over
// names nobody defines or that only lazy archive members define.
func (s *SharedFile) ResolveSymbols() {
	for i := s.FirstGlobal; i < len(s.ElfSyms); i++ {
		sym := s.Symbols[i]
		if sym == nil || sym.rank >= rankDynamic {
			continue
		}
		esym := &s.ElfSyms[i]
		sym.File = nil
		sym.Shared = s
		sym.IsDyn = true
		sym.SymIdx = i
		sym.rank = rankDynamic
		sym.Desc = DescDefine
		sym.Binding = BindingGlobal
		sym.Type = symbolTypeFromElf(esym.Type())
		sym.Size = esym.Size
		sym.Value = esym.Val
		sym.FragRef = nil
		sym.Piece = nil
	}
}

// ClearSymbolsAndFiles forgets the first resolution round and drops the
// archive members nobody needed. Symbols are reset in place so the
// pointers held by object files stay valid.
func ClearSymbolsAndFiles(m *Module) {
	for name, sym := range m.SymbolMap {
		*sym = *NewSymbol(name)
	}

	kept := m.Objs[:0]
	for _, obj := range m.Objs {
		if obj.IsAlive {
			kept = append(kept, obj)
		}
	}
	m.Objs = kept
}

// EliminateDuplicateComdatGroups keeps the first group of each signature
// in input order. The members of the other copies are ignored from now on.
func EliminateDuplicateComdatGroups(m *Module) {
	for _, obj := range m.Objs {
		for _, group := range obj.comdatGroups {
			owner, ok := m.ComdatGroups[group.signature]
			if !ok {
				m.ComdatGroups[group.signature] = obj
				continue
			}
			if owner == obj {
				continue
			}
			for _, shndx := range group.members {
				if int(shndx) < len(obj.Sections) {
					obj.Sections[shndx].Kind = SectionKindIgnore
				}
			}
		}
	}
}

// MarkLiveObjects extracts the archive members that define a name some
// live object references, transitively.
func MarkLiveObjects(m *Module) {
	roots := make([]*ObjectFile, 0)
	for _, file := range m.Objs {
		if file.IsAlive {
			roots = append(roots, file)
		}
	}

	if entry, ok := m.SymbolMap[m.Config.Entry]; ok && entry.File != nil && !entry.File.IsAlive {
		entry.File.IsAlive = true
		roots = append(roots, entry.File)
	}

	for len(roots) > 0 {
		roots[0].MarkLiveObjects(func(file *ObjectFile) {
			roots = append(roots, file)
		})
		roots = roots[1:]
	}
}
