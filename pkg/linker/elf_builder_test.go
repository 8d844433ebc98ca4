package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testSection struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	align uint64
	data  []byte
	size  uint64 // SHT_NOBITS only

	signature string // SHT_GROUP only
}

// testSymbol.section is a section name, "" for undefined, or one of the
// pseudo sections "*ABS*" and "*COM*".
type testSymbol struct {
	name    string
	bind    elf.SymBind
	typ     elf.SymType
	section string
	value   uint64
	size    uint64
	vis     elf.SymVis
}

type testReloc struct {
	section string
	offset  uint64
	typ     uint32
	sym     string
	addend  int64
}

// testObject assembles a little endian ELF64 relocatable file.
type testObject struct {
	machine  elf.Machine
	flags    uint32
	sections []testSection
	symbols  []testSymbol
	relocs   []testReloc
}

func textSection(code ...byte) testSection {
	return testSection{
		name:  ".text",
		typ:   elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		align: 16,
		data:  code,
	}
}

func dataSection(data ...byte) testSection {
	return testSection{
		name:  ".data",
		typ:   elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		align: 8,
		data:  data,
	}
}

func global(name, section string, value uint64) testSymbol {
	return testSymbol{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, section: section, value: value}
}

func undefined(name string) testSymbol {
	return testSymbol{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_NOTYPE}
}

func appendString(tab *[]byte, s string) uint32 {
	off := uint32(len(*tab))
	*tab = append(*tab, s...)
	*tab = append(*tab, 0)
	return off
}

func (o *testObject) bytes() []byte {
	order := binary.LittleEndian
	shstrtab := []byte{0}
	strtab := []byte{0}

	shndx := make(map[string]uint16)
	for i, s := range o.sections {
		shndx[s.name] = uint16(i + 1)
	}

	var locals, globals []testSymbol
	for _, s := range o.symbols {
		if s.bind == elf.STB_LOCAL {
			locals = append(locals, s)
		} else {
			globals = append(globals, s)
		}
	}

	syms := []elf.Sym64{{}}
	symIdx := make(map[string]uint32)
	for _, s := range append(locals, globals...) {
		var idx uint16
		switch s.section {
		case "":
			idx = uint16(elf.SHN_UNDEF)
		case "*ABS*":
			idx = uint16(elf.SHN_ABS)
		case "*COM*":
			idx = uint16(elf.SHN_COMMON)
		default:
			idx = shndx[s.section]
		}
		syms = append(syms, elf.Sym64{
			Name:  appendString(&strtab, s.name),
			Info:  elf.ST_INFO(s.bind, s.typ),
			Other: byte(s.vis),
			Shndx: idx,
			Value: s.value,
			Size:  s.size,
		})
		symIdx[s.name] = uint32(len(syms) - 1)
	}

	type section struct {
		hdr  elf.Section64
		data []byte
	}
	var secs []section
	for _, s := range o.sections {
		size := uint64(len(s.data))
		if s.typ == elf.SHT_NOBITS {
			size = s.size
		}
		secs = append(secs, section{
			hdr: elf.Section64{
				Name:      appendString(&shstrtab, s.name),
				Type:      uint32(s.typ),
				Flags:     uint64(s.flags),
				Size:      size,
				Addralign: s.align,
				Info:      symIdx[s.signature],
			},
			data: s.data,
		})
	}

	numSections := 1 + len(o.sections)
	var relaSecs []section
	for _, s := range o.sections {
		var buf bytes.Buffer
		for _, r := range o.relocs {
			if r.section != s.name {
				continue
			}
			rela := elf.Rela64{
				Off:    r.offset,
				Info:   elf.R_INFO(symIdx[r.sym], r.typ),
				Addend: r.addend,
			}
			binary.Write(&buf, order, &rela)
		}
		if buf.Len() == 0 {
			continue
		}
		relaSecs = append(relaSecs, section{
			hdr: elf.Section64{
				Name:      appendString(&shstrtab, ".rela"+s.name),
				Type:      uint32(elf.SHT_RELA),
				Flags:     uint64(elf.SHF_INFO_LINK),
				Size:      uint64(buf.Len()),
				Info:      uint32(shndx[s.name]),
				Addralign: 8,
				Entsize:   24,
			},
			data: buf.Bytes(),
		})
	}
	symtabIdx := uint32(numSections + len(relaSecs))
	for i := range relaSecs {
		relaSecs[i].hdr.Link = symtabIdx
	}
	for i, s := range o.sections {
		if s.typ == elf.SHT_GROUP {
			secs[i].hdr.Link = symtabIdx
			secs[i].hdr.Entsize = 4
		}
	}
	secs = append(secs, relaSecs...)

	var symBuf bytes.Buffer
	for i := range syms {
		binary.Write(&symBuf, order, &syms[i])
	}
	secs = append(secs, section{
		hdr: elf.Section64{
			Name:      appendString(&shstrtab, ".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Size:      uint64(symBuf.Len()),
			Link:      symtabIdx + 1,
			Info:      uint32(1 + len(locals)),
			Addralign: 8,
			Entsize:   24,
		},
		data: symBuf.Bytes(),
	})
	secs = append(secs, section{
		hdr: elf.Section64{
			Name:      appendString(&shstrtab, ".strtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Size:      uint64(len(strtab)),
			Addralign: 1,
		},
		data: strtab,
	})
	shstrtabHdr := elf.Section64{
		Name:      appendString(&shstrtab, ".shstrtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Addralign: 1,
	}
	shstrtabHdr.Size = uint64(len(shstrtab))
	secs = append(secs, section{hdr: shstrtabHdr, data: shstrtab})

	var body bytes.Buffer
	body.Write(make([]byte, 64))
	for i := range secs {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		secs[i].hdr.Off = uint64(body.Len())
		if secs[i].hdr.Type != uint32(elf.SHT_NOBITS) {
			body.Write(secs[i].data)
		}
	}
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := uint64(body.Len())
	binary.Write(&body, order, &elf.Section64{})
	for i := range secs {
		binary.Write(&body, order, &secs[i].hdr)
	}

	ehdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(o.machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Flags:     o.flags,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(1 + len(secs)),
		Shstrndx:  uint16(len(secs)),
	}
	copy(ehdr.Ident[:], elf.ELFMAG)
	ehdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var hdr bytes.Buffer
	binary.Write(&hdr, order, &ehdr)
	out := body.Bytes()
	copy(out, hdr.Bytes())
	return out
}

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// testArchive builds a GNU ar archive with an empty symbol index.
func testArchive(members map[string][]byte, order []string) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	header := func(name string, size int) {
		fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", size)
	}
	header("/", 4)
	buf.Write([]byte{0, 0, 0, 0})
	for _, name := range order {
		data := members[name]
		header(name+"/", len(data))
		buf.Write(data)
		if buf.Len()%2 == 1 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}
