package linker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hcyang1106/fraglinker/pkg/diag"
)

type InputKind uint8

const (
	InputObject InputKind = iota
	InputArchive
	InputDynObj
	InputScript
	InputExternal
)

func (k InputKind) String() string {
	switch k {
	case InputObject:
		return "Object"
	case InputArchive:
		return "Archive"
	case InputDynObj:
		return "DynObj"
	case InputScript:
		return "Script"
	}
	return "External"
}

// Input is one file named on the command line or by a linker script.
// Position is its place in the input list and breaks resolution ties.
type Input struct {
	Kind     InputKind
	Path     string
	File     *File
	Position int

	Object  *ObjectFile
	Shared  *SharedFile
	Members []*ObjectFile
}

// ReadInputFiles turns the positional arguments left by ParseArgs into
// inputs, in command line order.
func ReadInputFiles(m *Module, remaining []string) {
	for _, arg := range remaining {
		if name, ok := strings.CutPrefix(arg, "-l"); ok {
			file, err := OpenLibrary(m.Config, name)
			if err != nil {
				m.Diag.Report(diag.ErrLibraryNotFound, name)
				continue
			}
			ReadFile(m, file)
			continue
		}

		file, err := NewFile(arg)
		if err != nil {
			m.Diag.Report(diag.ErrCannotReadInput, arg, err)
			continue
		}
		ReadFile(m, file)
	}
}

func ReadFile(m *Module, file *File) {
	if m.Config.Options.Trace {
		m.Log.Info(file.DisplayName())
	}

	input := &Input{
		Path:     file.Name,
		File:     file,
		Position: len(m.Inputs),
	}

	switch GetFileTypeFromContent(file.Content) {
	case FileTypeObject:
		input.Kind = InputObject
		input.Object = readObject(m, file, true)
	case FileTypeArchive:
		input.Kind = InputArchive
		members, err := ReadArchiveMembers(file)
		if err != nil {
			m.Diag.Report(diag.ErrMalformedInput, file.Name, err)
			return
		}
		for _, member := range members {
			if GetFileTypeFromContent(member.Content) != FileTypeObject {
				continue
			}
			if obj := readObject(m, member, false); obj != nil {
				input.Members = append(input.Members, obj)
			}
		}
	case FileTypeDynObj:
		input.Kind = InputDynObj
		input.Shared = readShared(m, file)
	case FileTypeScript:
		input.Kind = InputScript
		m.Inputs = append(m.Inputs, input)
		ReadScript(m, file)
		return
	default:
		input.Kind = InputExternal
		m.Diag.Report(diag.ErrUnrecognizedInput, file.DisplayName())
		return
	}
	m.Inputs = append(m.Inputs, input)
}

func checkCompatible(m *Module, file *File) bool {
	if !CheckFileCompatibility(m.Backend, file.Content) {
		m.Diag.Report(diag.ErrIncompatibleInput, file.DisplayName(), m.Backend.Triple())
		return false
	}
	return true
}

func readObject(m *Module, file *File, isAlive bool) *ObjectFile {
	if !checkCompatible(m, file) {
		return nil
	}
	obj, err := NewObjectFile(file, isAlive)
	if err == nil {
		err = obj.Parse(m)
	}
	if err != nil {
		m.Diag.Report(diag.ErrMalformedInput, file.DisplayName(), err)
		return nil
	}
	obj.Priority = len(m.Objs) + 1
	m.Objs = append(m.Objs, obj)
	return obj
}

func readShared(m *Module, file *File) *SharedFile {
	if !checkCompatible(m, file) {
		return nil
	}
	if m.Config.CodeGenType == CodeGenObject || m.Config.Options.Static {
		m.Diag.Report(diag.ErrIncompatibleInput, file.DisplayName(), "static or relocatable output")
		return nil
	}
	so, err := NewSharedFile(file)
	if err == nil {
		err = so.Parse(m)
	}
	if err != nil {
		m.Diag.Report(diag.ErrMalformedInput, file.DisplayName(), err)
		return nil
	}
	so.Priority = len(m.SharedFiles) + 1
	m.SharedFiles = append(m.SharedFiles, so)
	return so
}

// ReadScript reads the files a GROUP or INPUT script names, at the
// position of the script.
func ReadScript(m *Module, file *File) {
	script, err := ParseScript(string(file.Content))
	if err != nil {
		m.Diag.Report(diag.ErrMalformedScript, file.Name, err)
		return
	}

	m.Config.LibraryPaths = append(m.Config.LibraryPaths, script.SearchDirs...)
	dir := filepath.Dir(file.Name)
	for _, name := range script.Inputs {
		if lib, ok := strings.CutPrefix(name, "-l"); ok {
			f, err := OpenLibrary(m.Config, lib)
			if err != nil {
				m.Diag.Report(diag.ErrLibraryNotFound, lib)
				continue
			}
			ReadFile(m, f)
			continue
		}

		path := name
		if m.Config.Sysroot != "" && filepath.IsAbs(name) && strings.HasPrefix(file.Name, m.Config.Sysroot) {
			path = filepath.Join(m.Config.Sysroot, name)
		}
		if _, err := os.Stat(path); err != nil {
			if alt := filepath.Join(dir, name); fileExists(alt) {
				path = alt
			} else if f, err := OpenLibrary(m.Config, ":"+name); err == nil {
				ReadFile(m, f)
				continue
			}
		}

		f, err := NewFile(path)
		if err != nil {
			m.Diag.Report(diag.ErrCannotReadInput, name, err)
			continue
		}
		ReadFile(m, f)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
