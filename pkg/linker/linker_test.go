package linker

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/hcyang1106/fraglinker/pkg/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callObject has _start calling foo through a PC relative relocation and
// a data word holding the address of foo.
func callObject() *testObject {
	return &testObject{
		machine: elf.EM_X86_64,
		sections: []testSection{
			textSection(0xe8, 0, 0, 0, 0, 0x90, 0x90, 0x90, 0xc3),
			dataSection(0, 0, 0, 0, 0, 0, 0, 0),
		},
		symbols: []testSymbol{
			global("_start", ".text", 0),
			global("foo", ".text", 8),
		},
		relocs: []testReloc{
			{section: ".text", offset: 1, typ: uint32(elf.R_X86_64_PC32), sym: "foo", addend: -4},
			{section: ".data", offset: 0, typ: uint32(elf.R_X86_64_64), sym: "foo"},
		},
	}
}

func newTestConfig(t *testing.T) *LinkerConfig {
	cfg := NewLinkerConfig()
	cfg.Machine = MachineTypeX86_64
	cfg.Output = filepath.Join(t.TempDir(), "a.out")
	return cfg
}

func findSymbol(t *testing.T, syms []elf.Symbol, name string) elf.Symbol {
	t.Helper()
	for _, s := range syms {
		if s.Name == name {
			return s
		}
	}
	require.Failf(t, "symbol not found", "%s", name)
	return elf.Symbol{}
}

func TestLinkStaticExecutable(t *testing.T) {
	input := writeTestFile(t, "main.o", callObject().bytes())
	cfg := newTestConfig(t)

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input}), "%v", l.Diagnostics().Records())
	assert.Equal(t, StaticDependent, l.CodePosition())

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, elf.ET_EXEC, f.Type)
	assert.Equal(t, elf.EM_X86_64, f.Machine)

	text := f.Section(".text")
	require.NotNil(t, text)
	assert.GreaterOrEqual(t, text.Addr, uint64(0x200000))
	assert.Equal(t, text.Addr, f.Entry)

	syms, err := f.Symbols()
	require.NoError(t, err)
	foo := findSymbol(t, syms, "foo")
	assert.Equal(t, text.Addr+8, foo.Value)

	code, err := text.Data()
	require.NoError(t, err)
	// foo - (site + 4) with the site at offset 1
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(code[1:]))
	assert.Equal(t, byte(0xe8), code[0])
	assert.Equal(t, byte(0x90), code[5])

	data, err := f.Section(".data").Data()
	require.NoError(t, err)
	assert.Equal(t, foo.Value, binary.LittleEndian.Uint64(data))

	info, err := os.Stat(cfg.Output)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
}

func TestLinkTwoObjects(t *testing.T) {
	def := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xc3)},
		symbols:  []testSymbol{global("foo", ".text", 0)},
	}
	use := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xe8, 0, 0, 0, 0, 0xc3)},
		symbols:  []testSymbol{global("_start", ".text", 0), undefined("foo")},
		relocs: []testReloc{
			{section: ".text", offset: 1, typ: uint32(elf.R_X86_64_PC32), sym: "foo", addend: -4},
		},
	}
	a := writeTestFile(t, "a.o", def.bytes())
	b := writeTestFile(t, "b.o", use.bytes())
	cfg := newTestConfig(t)

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{a, b}), "%v", l.Diagnostics().Records())

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()

	text := f.Section(".text")
	require.NotNil(t, text)
	syms, err := f.Symbols()
	require.NoError(t, err)
	foo := findSymbol(t, syms, "foo")
	start := findSymbol(t, syms, "_start")
	assert.Equal(t, text.Addr, foo.Value)
	assert.Greater(t, start.Value, foo.Value)
	assert.Equal(t, start.Value, f.Entry)

	code, err := text.Data()
	require.NoError(t, err)
	site := start.Value + 1
	want := uint32(int64(foo.Value) - int64(site) - 4)
	assert.Equal(t, want, binary.LittleEndian.Uint32(code[site-text.Addr:]))
}

func TestLinkNoneRelocationKeepsResult(t *testing.T) {
	obj := callObject()
	obj.relocs = append(obj.relocs,
		testReloc{section: ".text", offset: 1, typ: uint32(elf.R_X86_64_NONE), sym: "foo"})
	input := writeTestFile(t, "main.o", obj.bytes())
	cfg := newTestConfig(t)

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input}), "%v", l.Diagnostics().Records())

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()
	code, err := f.Section(".text").Data()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(code[1:]))
}

func TestPhaseOrder(t *testing.T) {
	l := NewLinker(newTestConfig(t), logr.Discard())

	assert.False(t, l.Layout())
	assert.True(t, l.Diagnostics().Has(diag.ErrPhaseOrder))

	l.Reset()
	require.True(t, l.Emulate())
	assert.False(t, l.Emulate())
	assert.False(t, l.Resolve())
	assert.False(t, l.Emit())
}

func TestEmulateUnknownTarget(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Machine = MachineTypeNone
	cfg.Triple = "vax-dec-ultrix"

	l := NewLinker(cfg, logr.Discard())
	assert.False(t, l.Emulate())
	assert.True(t, l.Diagnostics().Has(diag.ErrUnknownTarget))
	assert.Nil(t, l.Module())
}

func TestEmulateDefaults(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Machine = MachineTypeNone
	cfg.Triple = "x86_64-pc-linux-gnu"

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Emulate())
	m := l.Module()
	assert.Equal(t, CodeGenExec, m.Config.CodeGenType)
	assert.Equal(t, "/lib64/ld-linux-x86-64.so.2", m.Config.DynamicLinker)
	assert.Equal(t, elf.ELFCLASS64, m.Codec.Class())

	// the caller's configuration is left alone
	assert.Equal(t, CodeGenUnknown, cfg.CodeGenType)
	assert.Empty(t, cfg.DynamicLinker)
}

func TestCodePosition(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(cfg *LinkerConfig)
		want    CodePosition
		noUndef bool
	}{
		{"static executable", func(cfg *LinkerConfig) {}, StaticDependent, true},
		{"pie", func(cfg *LinkerConfig) { cfg.Options.PIE = true }, Independent, false},
		{"shared", func(cfg *LinkerConfig) { cfg.CodeGenType = CodeGenDynObj }, Independent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := writeTestFile(t, "main.o", callObject().bytes())
			cfg := newTestConfig(t)
			tt.setup(cfg)

			l := NewLinker(cfg, logr.Discard())
			require.True(t, l.Emulate())
			require.True(t, l.Normalize([]string{input}))
			assert.Equal(t, tt.want, l.CodePosition())
			assert.Equal(t, tt.noUndef, l.Module().Config.Options.NoUndefined)
		})
	}
}

func TestDecideCodePositionDynamic(t *testing.T) {
	cfg := NewLinkerConfig()
	cfg.CodeGenType = CodeGenExec
	assert.Equal(t, DynamicDependent, DecideCodePosition(cfg, 1))
	assert.False(t, cfg.Options.NoUndefined)
}

func TestSharedLibraryMakesDynamicDependent(t *testing.T) {
	bar := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xc3)},
		symbols:  []testSymbol{global("bar", ".text", 0)},
	}
	libCfg := newTestConfig(t)
	libCfg.CodeGenType = CodeGenDynObj
	libCfg.Soname = "libbar.so"
	libCfg.Output = filepath.Join(t.TempDir(), "libbar.so")
	ll := NewLinker(libCfg, logr.Discard())
	require.True(t, ll.Link([]string{writeTestFile(t, "bar.o", bar.bytes())}),
		"%v", ll.Diagnostics().Records())

	input := writeTestFile(t, "main.o", callObject().bytes())

	static := NewLinker(newTestConfig(t), logr.Discard())
	require.True(t, static.Link([]string{input}), "%v", static.Diagnostics().Records())
	assert.Equal(t, StaticDependent, static.CodePosition())

	cfg := newTestConfig(t)
	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input, libCfg.Output}), "%v", l.Diagnostics().Records())
	assert.Equal(t, DynamicDependent, l.CodePosition())

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, elf.ET_EXEC, f.Type)
	assert.NotNil(t, f.Section(".interp"))
	needed, err := f.DynString(elf.DT_NEEDED)
	require.NoError(t, err)
	assert.Equal(t, []string{"libbar.so"}, needed)
}

func TestUndefinedReference(t *testing.T) {
	obj := callObject()
	obj.symbols = []testSymbol{global("_start", ".text", 0), undefined("foo")}
	input := writeTestFile(t, "main.o", obj.bytes())
	cfg := newTestConfig(t)

	l := NewLinker(cfg, logr.Discard())
	assert.False(t, l.Link([]string{input}))
	assert.True(t, l.Diagnostics().Has(diag.ErrUndefinedReference))

	_, err := os.Stat(cfg.Output)
	assert.True(t, os.IsNotExist(err))
}

func TestMultipleDefinition(t *testing.T) {
	a := writeTestFile(t, "a.o", callObject().bytes())
	other := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xc3)},
		symbols:  []testSymbol{global("foo", ".text", 0)},
	}
	b := writeTestFile(t, "b.o", other.bytes())

	cfg := newTestConfig(t)
	l := NewLinker(cfg, logr.Discard())
	assert.False(t, l.Link([]string{a, b}))
	assert.True(t, l.Diagnostics().Has(diag.ErrMultipleDefinition))

	cfg.Options.AllowMultipleDefinition = true
	l = NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{a, b}), "%v", l.Diagnostics().Records())
	assert.True(t, l.Diagnostics().Has(diag.WarnMultipleDefinition))

	// the first definition wins
	foo := l.Module().SymbolMap["foo"]
	assert.Equal(t, a, foo.File.File.Name)
}

func TestWeakDefinitionLoses(t *testing.T) {
	weak := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xc3)},
		symbols: []testSymbol{
			{name: "foo", bind: elf.STB_WEAK, typ: elf.STT_FUNC, section: ".text"},
		},
	}
	w := writeTestFile(t, "weak.o", weak.bytes())
	a := writeTestFile(t, "a.o", callObject().bytes())

	l := NewLinker(newTestConfig(t), logr.Discard())
	require.True(t, l.Link([]string{w, a}), "%v", l.Diagnostics().Records())
	foo := l.Module().SymbolMap["foo"]
	assert.Equal(t, a, foo.File.File.Name)
	assert.Equal(t, BindingGlobal, foo.Binding)
}

func TestArchiveMemberExtraction(t *testing.T) {
	main := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xe8, 0, 0, 0, 0, 0xc3)},
		symbols:  []testSymbol{global("_start", ".text", 0), undefined("bar")},
		relocs: []testReloc{
			{section: ".text", offset: 1, typ: uint32(elf.R_X86_64_PLT32), sym: "bar", addend: -4},
		},
	}
	bar := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xc3)},
		symbols:  []testSymbol{global("bar", ".text", 0)},
	}
	baz := &testObject{
		machine:  elf.EM_X86_64,
		sections: []testSection{textSection(0xc3)},
		symbols:  []testSymbol{global("baz", ".text", 0)},
	}
	lib := testArchive(map[string][]byte{
		"bar.o": bar.bytes(),
		"baz.o": baz.bytes(),
	}, []string{"bar.o", "baz.o"})

	mainPath := writeTestFile(t, "main.o", main.bytes())
	libPath := writeTestFile(t, "libx.a", lib)

	cfg := newTestConfig(t)
	cfg.LibraryPaths = []string{filepath.Dir(libPath)}
	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{mainPath, "-lx"}), "%v", l.Diagnostics().Records())

	var names []string
	for _, obj := range l.Module().Objs {
		names = append(names, obj.File.DisplayName())
	}
	assert.Contains(t, names, libPath+"(bar.o)")
	assert.NotContains(t, names, libPath+"(baz.o)")
	assert.True(t, l.Module().SymbolMap["bar"].IsDefine())
}

func TestRelocatableOutput(t *testing.T) {
	input := writeTestFile(t, "main.o", callObject().bytes())
	cfg := newTestConfig(t)
	cfg.CodeGenType = CodeGenObject

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input}), "%v", l.Diagnostics().Records())

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, elf.ET_REL, f.Type)
	assert.Empty(t, f.Progs)

	rela := f.Section(".rela.text")
	require.NotNil(t, rela)
	assert.Equal(t, uint64(24), rela.Size)
	require.NotNil(t, f.Section(".rela.data"))

	text := f.Section(".text")
	require.NotNil(t, text)
	assert.Zero(t, text.Addr)

	code, err := text.Data()
	require.NoError(t, err)
	assert.Zero(t, binary.LittleEndian.Uint32(code[1:]))

	syms, err := f.Symbols()
	require.NoError(t, err)
	foo := findSymbol(t, syms, "foo")
	assert.Equal(t, uint64(8), foo.Value)
}

func TestSharedObject(t *testing.T) {
	input := writeTestFile(t, "foo.o", callObject().bytes())
	cfg := newTestConfig(t)
	cfg.CodeGenType = CodeGenDynObj
	cfg.Soname = "libfoo.so.1"

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input}), "%v", l.Diagnostics().Records())
	assert.Equal(t, Independent, l.CodePosition())

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, elf.ET_DYN, f.Type)

	dynsyms, err := f.DynamicSymbols()
	require.NoError(t, err)
	foo := findSymbol(t, dynsyms, "foo")
	assert.Equal(t, f.Section(".text").Addr+8, foo.Value)

	soname, err := f.DynString(elf.DT_SONAME)
	require.NoError(t, err)
	assert.Equal(t, []string{"libfoo.so.1"}, soname)

	relaDyn := f.Section(".rela.dyn")
	require.NotNil(t, relaDyn)
	assert.NotZero(t, relaDyn.Size)
}

func TestFinalizeSymbolsBeforeLayout(t *testing.T) {
	input := writeTestFile(t, "main.o", callObject().bytes())
	l := NewLinker(newTestConfig(t), logr.Discard())
	require.True(t, l.Emulate())
	require.True(t, l.Normalize([]string{input}))
	require.True(t, l.Resolve())

	fl := NewFragmentLinker(l.Module())
	assert.ErrorIs(t, fl.FinalizeSymbols(), ErrNotLaidOut)
}

func TestFinalizeSymbolsIsIdempotent(t *testing.T) {
	input := writeTestFile(t, "main.o", callObject().bytes())
	l := NewLinker(newTestConfig(t), logr.Discard())
	require.True(t, l.Emulate())
	require.True(t, l.Normalize([]string{input}))
	require.True(t, l.Resolve())
	require.True(t, l.Layout())

	m := l.Module()
	before := make(map[string]uint64)
	for name, sym := range m.SymbolMap {
		before[name] = sym.GetAddr()
	}

	require.NoError(t, NewFragmentLinker(m).FinalizeSymbols())
	for name, sym := range m.SymbolMap {
		assert.Equal(t, before[name], sym.GetAddr(), name)
	}
}

func TestResetAllowsRelink(t *testing.T) {
	input := writeTestFile(t, "main.o", callObject().bytes())
	cfg := newTestConfig(t)

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input}))
	assert.False(t, l.Emulate())

	l.Reset()
	assert.Empty(t, l.Diagnostics().Records())
	require.True(t, l.Link([]string{input}), "%v", l.Diagnostics().Records())
}

func TestPhasesAreLogged(t *testing.T) {
	var lines []string
	log := funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{Verbosity: 1})

	input := writeTestFile(t, "main.o", callObject().bytes())
	l := NewLinker(newTestConfig(t), log)
	require.True(t, l.Link([]string{input}))

	joined := strings.Join(lines, "\n")
	for _, name := range []string{"emulate", "normalize", "resolve", "layout", "emit"} {
		assert.Contains(t, joined, `"name"="`+name+`"`)
	}
}
