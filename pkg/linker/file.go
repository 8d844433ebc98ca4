package linker

import (
	"os"
	"path/filepath"

	"github.com/hcyang1106/fraglinker/pkg/utils"
)

type File struct {
	Name    string
	Content []byte
	Parent  *File // the archive a member was extracted from
}

func NewFile(filename string) (*File, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return &File{
		Name:    filename,
		Content: content,
	}, nil
}

// OpenLibrary looks up -l<name> in the library search paths. A shared
// object is preferred unless static linking was requested.
func OpenLibrary(cfg *LinkerConfig, name string) (*File, error) {
	var candidates []string
	if rest, ok := utils.RemovePrefix(name, ":"); ok {
		candidates = []string{rest}
	} else {
		if !cfg.Options.Static {
			candidates = append(candidates, "lib"+name+".so")
		}
		candidates = append(candidates, "lib"+name+".a")
	}

	for _, dir := range cfg.LibraryPaths {
		for _, c := range candidates {
			path := filepath.Join(dir, c)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			return NewFile(path)
		}
	}
	return nil, os.ErrNotExist
}

// Prettier name for diagnostics: lib.a(member.o)
func (f *File) DisplayName() string {
	if f.Parent != nil {
		return f.Parent.Name + "(" + f.Name + ")"
	}
	return f.Name
}
