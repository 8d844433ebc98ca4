package linker

import (
	"debug/elf"
	"slices"
	"sort"

	"github.com/hcyang1106/fraglinker/pkg/utils"
	"golang.org/x/exp/maps"
)

// MergedSection collects the pieces of every SHF_MERGE input section
// with the same output name, type and flags.
type MergedSection struct {
	OutputWriter
	Map  map[string]*SectionFragment
	keys []string // in output order
}

func NewMergedSection(name string, flags uint64, typ uint32) *MergedSection {
	m := &MergedSection{
		OutputWriter: *NewOutputWriter(),
		Map:          make(map[string]*SectionFragment),
	}
	m.Name = name
	m.Shdr.Flags = flags
	m.Shdr.Type = typ
	return m
}

func GetMergedSectionInstance(m *Module, name string, typ uint32, flags uint64) *MergedSection {
	name = GetOutputName(name, flags)
	flags = flags &^ uint64(elf.SHF_GROUP) &^ uint64(elf.SHF_MERGE) &^
		uint64(elf.SHF_STRINGS) &^ uint64(elf.SHF_COMPRESSED)

	for _, osec := range m.MergedSections {
		if name == osec.Name && flags == osec.Shdr.Flags && typ == osec.Shdr.Type {
			return osec
		}
	}

	osec := NewMergedSection(name, flags, typ)
	m.MergedSections = append(m.MergedSections, osec)
	return osec
}

func (m *MergedSection) Insert(key string, p2align uint8) *SectionFragment {
	if frag, ok := m.Map[key]; ok {
		if frag.P2Align < p2align {
			frag.P2Align = p2align
		}
		return frag
	}
	frag := NewSectionFragment(m)
	frag.P2Align = p2align
	m.Map[key] = frag
	return frag
}

// AssignFragmentsOffsets lays the live pieces out by alignment, then
// length, then contents, so the output does not depend on map order.
func (m *MergedSection) AssignFragmentsOffsets() {
	m.keys = maps.Keys(m.Map)
	slices.Sort(m.keys)
	sort.SliceStable(m.keys, func(i, j int) bool {
		x, y := m.keys[i], m.keys[j]
		if m.Map[x].P2Align != m.Map[y].P2Align {
			return m.Map[x].P2Align < m.Map[y].P2Align
		}
		return len(x) < len(y)
	})

	offset := uint64(0)
	p2align := uint64(0)
	for _, key := range m.keys {
		frag := m.Map[key]
		if !frag.IsAlive {
			continue
		}
		offset = utils.AlignTo(offset, 1<<frag.P2Align)
		frag.Offset = offset
		offset += uint64(len(key))
		if p2align < uint64(frag.P2Align) {
			p2align = uint64(frag.P2Align)
		}
	}

	m.Shdr.Size = utils.AlignTo(offset, 1<<p2align)
	m.Shdr.AddrAlign = 1 << p2align
}

func (m *MergedSection) CopyBuf(mod *Module) {
	start := mod.Buf[m.Shdr.Offset:]
	for _, key := range m.keys {
		if frag := m.Map[key]; frag.IsAlive {
			copy(start[frag.Offset:], key)
		}
	}
}
