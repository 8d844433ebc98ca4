package linker

type FragmentKind uint8

const (
	FragmentKindRegion FragmentKind = iota
	FragmentKindFill
	FragmentKindCIE
	FragmentKindFDE
	FragmentKindTerminator
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentKindRegion:
		return "region"
	case FragmentKindFill:
		return "fill"
	case FragmentKindCIE:
		return "cie"
	case FragmentKindFDE:
		return "fde"
	case FragmentKindTerminator:
		return "terminator"
	}
	return "unknown"
}

// Fragment is the smallest piece of layout-addressable content. Its
// Offset inside the parent section never changes once appended.
type Fragment struct {
	Kind   FragmentKind
	Parent *InputSection
	Offset uint64
	Data   []byte
	fill   uint64
}

func NewRegionFragment(kind FragmentKind, data []byte) *Fragment {
	return &Fragment{Kind: kind, Data: data}
}

func NewFillFragment(size uint64) *Fragment {
	return &Fragment{Kind: FragmentKindFill, fill: size}
}

func (f *Fragment) Size() uint64 {
	if f.Kind == FragmentKindFill {
		return f.fill
	}
	return uint64(len(f.Data))
}

// OutputOffset is the fragment's offset in its output section.
func (f *Fragment) OutputOffset() uint64 {
	return f.Parent.Offset + f.Offset
}

// FragmentRef names a byte inside an input section without holding a
// pointer to it. It stays valid while sections are merged and reordered.
type FragmentRef struct {
	Section SectionID
	Offset  uint64
}
