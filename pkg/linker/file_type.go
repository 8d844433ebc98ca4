package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeDynObj
	FileTypeArchive
	FileTypeScript
)

func (t FileType) String() string {
	switch t {
	case FileTypeEmpty:
		return "empty"
	case FileTypeObject:
		return "object"
	case FileTypeDynObj:
		return "shared object"
	case FileTypeArchive:
		return "archive"
	case FileTypeScript:
		return "linker script"
	}
	return "unknown"
}

func GetFileTypeFromContent(content []byte) FileType {
	if len(content) == 0 {
		return FileTypeEmpty
	}

	// e_type sits at the same offset for both classes, only the byte
	// order has to be picked from e_ident
	if CheckMagic(content) && len(content) >= 18 {
		var order binary.ByteOrder = binary.LittleEndian
		if elf.Data(content[elf.EI_DATA]) == elf.ELFDATA2MSB {
			order = binary.BigEndian
		}
		switch elf.Type(order.Uint16(content[16:])) {
		case elf.ET_REL:
			return FileTypeObject
		case elf.ET_DYN:
			return FileTypeDynObj
		}
		return FileTypeUnknown
	}

	if bytes.HasPrefix(content, []byte("!<arch>\n")) {
		return FileTypeArchive
	}

	if looksLikeScript(content) {
		return FileTypeScript
	}

	return FileTypeUnknown
}

func looksLikeScript(content []byte) bool {
	trimmed := bytes.TrimLeft(content, " \t\r\n")
	for _, kw := range []string{"/*", "INPUT", "GROUP", "OUTPUT_FORMAT", "AS_NEEDED"} {
		if bytes.HasPrefix(trimmed, []byte(kw)) {
			return true
		}
	}
	return false
}

// CheckFileCompatibility reports whether an ELF input matches the machine,
// class and byte order of the selected backend.
func CheckFileCompatibility(b Backend, content []byte) bool {
	t := GetMachineTypeFromContent(content)
	return t == b.MachineType()
}
