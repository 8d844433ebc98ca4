package linker

import (
	"debug/elf"
	"encoding/binary"
)

type MachineType uint8

const (
	MachineTypeNone MachineType = iota
	MachineTypeX86_64
	MachineTypeI386
	MachineTypeRISCV64
)

func (m MachineType) String() string {
	switch m {
	case MachineTypeX86_64:
		return "x86_64"
	case MachineTypeI386:
		return "i386"
	case MachineTypeRISCV64:
		return "riscv64"
	}
	return "none"
}

func GetMachineTypeFromContent(content []byte) MachineType {
	fileType := GetFileTypeFromContent(content)
	if fileType != FileTypeObject && fileType != FileTypeDynObj {
		return MachineTypeNone
	}

	class := elf.Class(content[elf.EI_CLASS])
	var order binary.ByteOrder = binary.LittleEndian
	if elf.Data(content[elf.EI_DATA]) == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	switch elf.Machine(order.Uint16(content[18:])) {
	case elf.EM_X86_64:
		if class == elf.ELFCLASS64 {
			return MachineTypeX86_64
		}
	case elf.EM_386:
		if class == elf.ELFCLASS32 {
			return MachineTypeI386
		}
	case elf.EM_RISCV:
		if class == elf.ELFCLASS64 {
			return MachineTypeRISCV64
		}
	}
	return MachineTypeNone
}

// Emulation names accepted by -m, in GNU ld spelling.
var emulations = map[string]MachineType{
	"elf_x86_64":  MachineTypeX86_64,
	"elf_i386":    MachineTypeI386,
	"elf64lriscv": MachineTypeRISCV64,
}

func MachineTypeFromEmulation(name string) MachineType {
	return emulations[name]
}

// MachineTypeFromTriple accepts the architecture part of a target triple,
// e.g. x86_64-unknown-linux-gnu.
func MachineTypeFromTriple(triple string) MachineType {
	arch := triple
	for i := 0; i < len(triple); i++ {
		if triple[i] == '-' {
			arch = triple[:i]
			break
		}
	}
	switch arch {
	case "x86_64", "amd64":
		return MachineTypeX86_64
	case "i386", "i486", "i586", "i686", "x86":
		return MachineTypeI386
	case "riscv64":
		return MachineTypeRISCV64
	}
	return MachineTypeNone
}
