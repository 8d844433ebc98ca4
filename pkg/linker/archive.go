package linker

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hcyang1106/fraglinker/pkg/utils"
)

var errBadArchiveName = errors.New("bad archive member name")

// ReadArchiveMembers splits a GNU ar archive into its member files. The
// symbol index is skipped, members are looked up by symbol resolution.
func ReadArchiveMembers(file *File) ([]*File, error) {
	content := file.Content
	if !bytes.HasPrefix(content, []byte("!<arch>\n")) {
		return nil, fmt.Errorf("%s: not an archive", file.Name)
	}

	pos := 8
	var strTab []byte
	var files []*File
	for len(content)-pos > 1 {
		if pos%2 == 1 {
			pos++
		}
		if len(content)-pos < ArHdrSize {
			break
		}

		hdr := ArHdr{}
		utils.Read[ArHdr](content[pos:], &hdr)
		dataStart := pos + ArHdrSize
		size, err := hdr.GetSize()
		if err != nil || size < 0 || dataStart+size > len(content) {
			return nil, fmt.Errorf("%s: corrupt archive member header at %#x", file.Name, pos)
		}
		pos = dataStart + size
		contents := content[dataStart:pos]

		if hdr.IsSymtab() {
			continue
		} else if hdr.IsStrTab() {
			strTab = contents
			continue
		}

		name, err := hdr.ReadName(strTab)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file.Name, err)
		}
		files = append(files, &File{
			Name:    name,
			Content: contents,
			Parent:  file,
		})
	}
	return files, nil
}
