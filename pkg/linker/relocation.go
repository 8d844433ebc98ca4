package linker

type RelocResult uint8

const (
	RelocOK RelocResult = iota
	RelocBadReloc
	RelocOverflow
	RelocUnsupported
)

func (r RelocResult) String() string {
	switch r {
	case RelocOK:
		return "ok"
	case RelocBadReloc:
		return "bad relocation"
	case RelocOverflow:
		return "overflow"
	case RelocUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// Relocation is one pending patch. Target holds the word at the patched
// place: loaded from the input when the relocation is read, rewritten by
// the relocator, and copied to the output by the sync step.
type Relocation struct {
	Type      uint32
	TargetRef FragmentRef
	Sym       *Symbol
	Addend    int64
	Target    uint64
	Size      uint32 // in bits
}

// RelocData is the body of a relocation section: the section it patches
// and its entries in file order.
type RelocData struct {
	Target *InputSection
	IsRela bool
	Relocs []*Relocation
}

// truncate keeps the low bits of val.
func truncate(val uint64, bits uint32) uint64 {
	if bits >= 64 {
		return val
	}
	return val & (1<<bits - 1)
}
