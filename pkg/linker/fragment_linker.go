package linker

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/hcyang1106/fraglinker/pkg/diag"
)

var ErrNotLaidOut = errors.New("symbols can not be finalized before layout")

// FragmentLinker turns a laid out module into final symbol values and
// patched relocation sites.
type FragmentLinker struct {
	m    *Module
	swap bool // host and target byte orders differ
}

func NewFragmentLinker(m *Module) *FragmentLinker {
	return &FragmentLinker{
		m:    m,
		swap: hostIsLittleEndian() != (m.Backend.Data() == elf.ELFDATA2LSB),
	}
}

func hostIsLittleEndian() bool {
	return binary.NativeEndian.Uint16([]byte{1, 0}) == 1
}

// FinalizeSymbols computes the value of every local and global symbol.
// Values only depend on fragment offsets and section addresses, so
// running it again on the same layout changes nothing.
func (f *FragmentLinker) FinalizeSymbols() error {
	m := f.m
	if !m.laidOut {
		return ErrNotLaidOut
	}
	for _, obj := range m.Objs {
		for _, sym := range obj.LocalSymbols {
			if sym != nil {
				f.finalizeSymbol(sym)
			}
		}
	}
	for _, sym := range sortedSymbols(m) {
		f.finalizeSymbol(sym)
	}
	return nil
}

func (f *FragmentLinker) finalizeSymbol(sym *Symbol) {
	m := f.m
	switch {
	case sym.IsAbsolute() || sym.Type == TypeFile:
		sym.Value = 0
	case sym.IsDyn:
		sym.Value = 0
	case sym.Type == TypeTLS && sym.Piece == nil:
		m.Backend.FinalizeTLSSymbol(m, sym)
	case sym.Piece != nil:
		// GetAddr adds the piece address
	case sym.FragRef != nil:
		if m.Section(sym.FragRef.Section).OutputSection != nil {
			sym.Value = m.RefAddr(*sym.FragRef)
		}
	case sym.IsUndef() && m.Config.CodeGenType != CodeGenObject:
		sym.Value = 0
	}
}

// ApplyRelocations computes every relocation result. Relocatable output
// keeps relocations as they are.
func (f *FragmentLinker) ApplyRelocations() {
	m := f.m
	if m.Config.CodeGenType == CodeGenObject {
		return
	}
	relocator := m.Backend.Relocator()
	for _, obj := range m.Objs {
		for _, rs := range obj.RelocSections {
			if rs.Kind == SectionKindIgnore || rs.RelocData == nil {
				continue
			}
			for _, rel := range rs.RelocData.Relocs {
				f.apply(relocator, rel)
			}
		}
	}
	for _, rel := range m.IslandRelocs {
		f.apply(relocator, rel)
	}
}

func (f *FragmentLinker) apply(r Relocator, rel *Relocation) {
	switch r.Apply(f.m, rel) {
	case RelocOK:
	case RelocOverflow:
		reportReloc(f.m, diag.ErrRelocationOverflow, r, rel)
	case RelocBadReloc:
		reportReloc(f.m, diag.ErrBadRelocation, r, rel)
	case RelocUnsupported:
		reportReloc(f.m, diag.ErrUnsupportedRelocation, r, rel)
	}
}

// SyncRelocationResult copies relocation results into the output image.
// Final links walk the input relocation sections; relocatable output
// walks its own relocation sections. NONE relocations are skipped so
// they never overwrite a real relocation sharing their place.
func (f *FragmentLinker) SyncRelocationResult(buf []byte) {
	m := f.m
	if m.Config.CodeGenType == CodeGenObject {
		for _, w := range m.RelocWriters {
			for _, rel := range w.Relocs {
				f.writeRelocation(buf, rel)
			}
		}
		return
	}

	for _, obj := range m.Objs {
		for _, rs := range obj.RelocSections {
			if rs.Kind == SectionKindIgnore || rs.RelocData == nil {
				continue
			}
			for _, rel := range rs.RelocData.Relocs {
				f.writeRelocation(buf, rel)
			}
		}
	}
	for _, rel := range m.IslandRelocs {
		f.writeRelocation(buf, rel)
	}
}

func (f *FragmentLinker) writeRelocation(buf []byte, rel *Relocation) {
	m := f.m
	if rel.Type == m.Backend.Relocator().NoneType() || rel.Size == 0 {
		return
	}
	if m.Section(rel.TargetRef.Section).OutputSection == nil {
		return
	}
	off := m.RefFileOffset(rel.TargetRef)
	if off+uint64(rel.Size/8) > uint64(len(buf)) {
		return
	}
	WriteTarget(buf[off:], rel.Target, rel.Size, f.swap)
}

type widthCodec struct {
	put  func(dst []byte, val uint64)
	swap func(val uint64) uint64
}

var widthCodecs = map[uint32]widthCodec{
	8: {
		put:  func(dst []byte, val uint64) { dst[0] = byte(val) },
		swap: func(val uint64) uint64 { return val },
	},
	16: {
		put:  func(dst []byte, val uint64) { binary.NativeEndian.PutUint16(dst, uint16(val)) },
		swap: func(val uint64) uint64 { return uint64(bits.ReverseBytes16(uint16(val))) },
	},
	32: {
		put:  func(dst []byte, val uint64) { binary.NativeEndian.PutUint32(dst, uint32(val)) },
		swap: func(val uint64) uint64 { return uint64(bits.ReverseBytes32(uint32(val))) },
	},
	64: {
		put:  func(dst []byte, val uint64) { binary.NativeEndian.PutUint64(dst, val) },
		swap: bits.ReverseBytes64,
	},
}

// WriteTarget stores the low size bits of val at dst in host byte order,
// byte swapped first when swap is set.
func WriteTarget(dst []byte, val uint64, size uint32, swap bool) {
	codec, ok := widthCodecs[size]
	if !ok {
		return
	}
	val = truncate(val, size)
	if swap {
		val = codec.swap(val)
	}
	codec.put(dst, val)
}
