package linker

import "sort"

// MergeableSection is an SHF_MERGE input section cut into pieces. Each
// piece is deduplicated into the Parent merged section.
type MergeableSection struct {
	Parent      *MergedSection
	P2Align     uint8
	Strs        []string
	FragOffsets []uint64
	Fragments   []*SectionFragment
}

// GetFragment returns the piece containing offset and the offset inside
// that piece.
func (m *MergeableSection) GetFragment(offset uint64) (*SectionFragment, uint64) {
	pos := sort.Search(len(m.FragOffsets), func(i int) bool {
		return offset < m.FragOffsets[i]
	})
	if pos == 0 || pos > len(m.Fragments) {
		return nil, 0
	}

	idx := pos - 1
	return m.Fragments[idx], offset - m.FragOffsets[idx]
}
