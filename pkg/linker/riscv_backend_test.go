package linker

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// farCallObject has _start jumping with JAL to far, which sits 2 MiB into
// .bss and so out of the ±1 MiB JAL range.
func farCallObject() *testObject {
	return &testObject{
		machine: elf.EM_RISCV,
		sections: []testSection{
			textSection(0xef, 0x00, 0x00, 0x00), // jal ra, 0
			{
				name:  ".bss",
				typ:   elf.SHT_NOBITS,
				flags: elf.SHF_ALLOC | elf.SHF_WRITE,
				align: 8,
				size:  0x200010,
			},
		},
		symbols: []testSymbol{
			global("_start", ".text", 0),
			global("far", ".bss", 0x200000),
		},
		relocs: []testReloc{
			{section: ".text", offset: 0, typ: uint32(elf.R_RISCV_JAL), sym: "far"},
		},
	}
}

func newRISCVTestConfig(t *testing.T) *LinkerConfig {
	cfg := newTestConfig(t)
	cfg.Machine = MachineTypeRISCV64
	return cfg
}

func decodeJAL(insn uint32) int64 {
	imm := (insn>>31)&1<<20 | (insn>>21)&0x3ff<<1 | (insn>>20)&1<<11 | (insn>>12)&0xff<<12
	return int64(int32(imm<<11) >> 11)
}

func TestRISCVBranchIsland(t *testing.T) {
	input := writeTestFile(t, "far.o", farCallObject().bytes())
	cfg := newRISCVTestConfig(t)

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input}), "%v", l.Diagnostics().Records())
	assert.Len(t, l.Module().IslandRelocs, 1)

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, elf.EM_RISCV, f.Machine)

	text := f.Section(".text")
	require.NotNil(t, text)
	assert.Equal(t, uint64(12), text.Size, "jal plus one auipc/jalr stub")

	syms, err := f.Symbols()
	require.NoError(t, err)
	far := findSymbol(t, syms, "far")
	assert.Equal(t, f.Section(".bss").Addr+0x200000, far.Value)

	code, err := text.Data()
	require.NoError(t, err)

	jal := binary.LittleEndian.Uint32(code)
	assert.Equal(t, uint32(0xef), jal&0xfff, "opcode and rd are kept")
	stub := text.Addr + uint64(decodeJAL(jal))
	assert.Equal(t, text.Addr+4, stub)

	auipc := binary.LittleEndian.Uint32(code[4:])
	jalr := binary.LittleEndian.Uint32(code[8:])
	assert.Equal(t, uint32(0x317), auipc&0xfff)
	assert.Equal(t, uint32(0x00030067), jalr&0xfffff)
	hi := int64(int32(auipc & 0xfffff000))
	lo := int64(int32(jalr) >> 20)
	assert.Equal(t, far.Value, uint64(int64(stub)+hi+lo))
}

func TestRISCVNoRelaxReportsOverflow(t *testing.T) {
	input := writeTestFile(t, "far.o", farCallObject().bytes())
	cfg := newRISCVTestConfig(t)
	cfg.Options.NoRelax = true

	l := NewLinker(cfg, logr.Discard())
	assert.False(t, l.Link([]string{input}))
	assert.Empty(t, l.Module().IslandRelocs)
}

func TestRISCVJALInRange(t *testing.T) {
	obj := farCallObject()
	obj.symbols[1].value = 0x100
	input := writeTestFile(t, "near.o", obj.bytes())
	cfg := newRISCVTestConfig(t)

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input}), "%v", l.Diagnostics().Records())
	assert.Empty(t, l.Module().IslandRelocs)

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()

	text := f.Section(".text")
	assert.Equal(t, uint64(4), text.Size)
	syms, err := f.Symbols()
	require.NoError(t, err)
	far := findSymbol(t, syms, "far")

	code, err := text.Data()
	require.NoError(t, err)
	jal := binary.LittleEndian.Uint32(code)
	assert.Equal(t, far.Value, uint64(int64(text.Addr)+decodeJAL(jal)))
}

func TestRISCVHiLoPair(t *testing.T) {
	obj := &testObject{
		machine: elf.EM_RISCV,
		sections: []testSection{
			// lui a0, 0; addi a0, a0, 0; sd a0, 0(a0)
			textSection(0x37, 0x05, 0x00, 0x00, 0x13, 0x05, 0x05, 0x00, 0x23, 0x30, 0xa5, 0x00),
			dataSection(make([]byte, 0x900)...),
		},
		symbols: []testSymbol{
			global("_start", ".text", 0),
			{name: "var", bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, section: ".data", value: 0x8f0},
		},
		relocs: []testReloc{
			{section: ".text", offset: 0, typ: uint32(elf.R_RISCV_HI20), sym: "var"},
			{section: ".text", offset: 4, typ: uint32(elf.R_RISCV_LO12_I), sym: "var"},
			{section: ".text", offset: 8, typ: uint32(elf.R_RISCV_LO12_S), sym: "var"},
		},
	}
	input := writeTestFile(t, "hilo.o", obj.bytes())
	cfg := newRISCVTestConfig(t)

	l := NewLinker(cfg, logr.Discard())
	require.True(t, l.Link([]string{input}), "%v", l.Diagnostics().Records())

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()

	syms, err := f.Symbols()
	require.NoError(t, err)
	v := findSymbol(t, syms, "var")
	code, err := f.Section(".text").Data()
	require.NoError(t, err)

	lui := binary.LittleEndian.Uint32(code)
	addi := binary.LittleEndian.Uint32(code[4:])
	sd := binary.LittleEndian.Uint32(code[8:])
	hi := int64(int32(lui & 0xfffff000))
	loI := int64(int32(addi) >> 20)
	loS := int64(int32(sd&0xfe000000)>>20) | int64(sd>>7&0x1f)
	assert.Equal(t, v.Value, uint64(hi+loI))
	assert.Equal(t, v.Value, uint64(hi+loS))
}
