package linker

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySection(t *testing.T) {
	alloc := uint64(elf.SHF_ALLOC)
	tests := []struct {
		name  string
		typ   elf.SectionType
		flags uint64
		want  SectionKind
	}{
		{".text", elf.SHT_PROGBITS, alloc | uint64(elf.SHF_EXECINSTR), SectionKindRegular},
		{".bss", elf.SHT_NOBITS, alloc, SectionKindBSS},
		{".rela.text", elf.SHT_RELA, 0, SectionKindRelocation},
		{".eh_frame", elf.SHT_PROGBITS, alloc, SectionKindEhFrame},
		{".group", elf.SHT_GROUP, 0, SectionKindGroup},
		{".debug_info", elf.SHT_PROGBITS, 0, SectionKindDebug},
		{".note.GNU-stack", elf.SHT_PROGBITS, 0, SectionKindMetaData},
		{".llvm_addrsig", shtLLVMAddrsig, uint64(shfExclude), SectionKindIgnore},
		{".gnu.lto_main", elf.SHT_PROGBITS, alloc | uint64(shfExclude), SectionKindIgnore},
		{".comment", elf.SHT_PROGBITS, 0, SectionKindMetaData},
	}
	for _, tt := range tests {
		shdr := Shdr{Type: uint32(tt.typ), Flags: tt.flags}
		assert.Equal(t, tt.want, classifySection(tt.name, &shdr), tt.name)
	}
}

func TestToP2Align(t *testing.T) {
	assert.Equal(t, 0, toP2Align(0))
	assert.Equal(t, 0, toP2Align(1))
	assert.Equal(t, 4, toP2Align(16))
	assert.Equal(t, 3, toP2Align(5), "rounds up")
}
