//go:build !unix

package linker

import (
	"errors"
	"os"
)

// OutputFile buffers the image in memory where mmap is not available.
type OutputFile struct {
	path string
	mode os.FileMode
	Buf  []byte
}

func OpenOutputFile(path string, size uint64, executable bool) (*OutputFile, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o777
	}
	return &OutputFile{path: path, mode: mode, Buf: make([]byte, size)}, nil
}

func (o *OutputFile) Close() error {
	err := os.WriteFile(o.path, o.Buf, o.mode)
	o.Buf = nil
	if err != nil {
		os.Remove(o.path)
	}
	return err
}

func (o *OutputFile) Discard() {
	o.Buf = nil
	os.Remove(o.path)
}
