package linker

import (
	"debug/elf"
	"testing"

	"github.com/go-logr/logr"
	"github.com/hcyang1106/fraglinker/pkg/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeVisibility(t *testing.T) {
	assert.Equal(t, elf.STV_HIDDEN, mergeVisibility(elf.STV_DEFAULT, elf.STV_HIDDEN))
	assert.Equal(t, elf.STV_HIDDEN, mergeVisibility(elf.STV_HIDDEN, elf.STV_PROTECTED))
	assert.Equal(t, elf.STV_INTERNAL, mergeVisibility(elf.STV_PROTECTED, elf.STV_INTERNAL))
	assert.Equal(t, elf.STV_DEFAULT, mergeVisibility(elf.STV_DEFAULT, elf.STV_DEFAULT))
}

func commonObject(size, align uint64) *testObject {
	return &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xc3)},
		symbols: []testSymbol{
			{name: "buf", bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, section: "*COM*", value: align, size: size},
		},
	}
}

func TestCommonSymbolsMerge(t *testing.T) {
	main := callObject()
	a := writeTestFile(t, "main.o", main.bytes())
	b := writeTestFile(t, "b.o", commonObject(8, 4).bytes())
	c := writeTestFile(t, "c.o", commonObject(32, 2).bytes())

	l := NewLinker(newTestConfig(t), logr.Discard())
	require.True(t, l.Emulate())
	require.True(t, l.Normalize([]string{a, b, c}))

	buf := l.Module().SymbolMap["buf"]
	assert.True(t, buf.IsCommon())
	assert.Equal(t, uint64(32), buf.Size)
	assert.Equal(t, uint64(4), buf.Align)
	assert.Equal(t, c, buf.File.File.Name)

	require.True(t, l.Resolve())
	assert.True(t, buf.IsDefine())
	require.NotNil(t, buf.FragRef)
	assert.Equal(t, ".bss", l.Module().Section(buf.FragRef.Section).Name)

	require.True(t, l.Layout())
	require.True(t, l.Emit())

	f, err := elf.Open(l.Module().Config.Output)
	require.NoError(t, err)
	defer f.Close()
	bss := f.Section(".bss")
	require.NotNil(t, bss)
	assert.Equal(t, elf.SHT_NOBITS, bss.Type)
	assert.GreaterOrEqual(t, bss.Size, uint64(32))
}

func TestStrongDefinitionBeatsCommon(t *testing.T) {
	def := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{dataSection(1, 2, 3, 4)},
		symbols: []testSymbol{
			{name: "buf", bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, section: ".data", size: 4},
		},
	}
	a := writeTestFile(t, "main.o", callObject().bytes())
	b := writeTestFile(t, "common.o", commonObject(64, 8).bytes())
	c := writeTestFile(t, "def.o", def.bytes())

	l := NewLinker(newTestConfig(t), logr.Discard())
	require.True(t, l.Emulate())
	require.True(t, l.Normalize([]string{a, b, c}))

	buf := l.Module().SymbolMap["buf"]
	assert.True(t, buf.IsDefine())
	assert.Equal(t, c, buf.File.File.Name)
	assert.Equal(t, uint64(4), buf.Size)
}

func TestHiddenVisibilityIsMerged(t *testing.T) {
	ref := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xc3)},
		symbols: []testSymbol{
			{name: "foo", bind: elf.STB_GLOBAL, typ: elf.STT_NOTYPE, vis: elf.STV_HIDDEN},
		},
	}
	a := writeTestFile(t, "main.o", callObject().bytes())
	b := writeTestFile(t, "ref.o", ref.bytes())

	l := NewLinker(newTestConfig(t), logr.Discard())
	require.True(t, l.Emulate())
	require.True(t, l.Normalize([]string{a, b}))

	foo := l.Module().SymbolMap["foo"]
	assert.Equal(t, elf.STV_HIDDEN, foo.Visibility)
	assert.Equal(t, a, foo.File.File.Name)
}

// comdatObject puts foo in its own COMDAT group, the way inline functions
// are emitted.
func comdatObject(code ...byte) *testObject {
	return &testObject{
		machine: elf.EM_X86_64,
		sections: []testSection{
			{
				name:      ".group",
				typ:       elf.SHT_GROUP,
				align:     4,
				data:      []byte{grpComdat, 0, 0, 0, 2, 0, 0, 0},
				signature: "foo",
			},
			{
				name:  ".text.foo",
				typ:   elf.SHT_PROGBITS,
				flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR | elf.SHF_GROUP,
				align: 1,
				data:  code,
			},
		},
		symbols: []testSymbol{global("foo", ".text.foo", 0)},
	}
}

func TestDuplicateComdatGroupIsDiscarded(t *testing.T) {
	first := comdatObject(0x90, 0xc3)
	first.sections = append(first.sections, textSection(0xe8, 0, 0, 0, 0, 0xc3))
	first.symbols = append(first.symbols, global("_start", ".text", 0))
	first.relocs = []testReloc{
		{section: ".text", offset: 1, typ: uint32(elf.R_X86_64_PLT32), sym: "foo", addend: -4},
	}
	a := writeTestFile(t, "a.o", first.bytes())
	b := writeTestFile(t, "b.o", comdatObject(0xcc, 0xc3).bytes())

	cfg := newTestConfig(t)
	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{a, b}), "%v", l.Diagnostics().Records())
	assert.False(t, l.Diagnostics().Has(diag.ErrMultipleDefinition))

	m := l.Module()
	assert.Equal(t, a, m.SymbolMap["foo"].File.File.Name)
	assert.Equal(t, m.Objs[0], m.ComdatGroups["foo"])
	assert.Equal(t, SectionKindIgnore, m.Objs[1].Sections[2].Kind)
	assert.Equal(t, SectionKindRegular, m.Objs[0].Sections[2].Kind)

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()
	code, err := f.Section(".text").Data()
	require.NoError(t, err)
	// a's .text.foo at 0, a's .text aligned to 16; b's copy is gone
	assert.Len(t, code, 16+6)
	assert.Equal(t, []byte{0x90, 0xc3}, code[:2])
}

func TestGroupWithoutComdatFlagIsKept(t *testing.T) {
	obj := comdatObject(0xc3)
	obj.sections[0].data[0] = 0
	input := writeTestFile(t, "a.o", obj.bytes())

	l := NewLinker(newTestConfig(t), logr.Discard())
	require.True(t, l.Emulate())
	require.True(t, l.Normalize([]string{input}))
	assert.Empty(t, l.Module().ComdatGroups)
}
