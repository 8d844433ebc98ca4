//go:build unix

package linker

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// OutputFile is the output image mapped into memory. Writers fill Buf
// directly and Close flushes it to disk.
type OutputFile struct {
	path string
	file *os.File
	Buf  []byte
}

func outputMode(executable bool) os.FileMode {
	if executable {
		return 0o777
	}
	return 0o644
}

// OpenOutputFile creates path with the given size and maps it. An old
// file is removed first so a running copy of it is not clobbered.
func OpenOutputFile(path string, size uint64, executable bool) (*OutputFile, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, outputMode(executable))
	if err != nil {
		return nil, err
	}
	out := &OutputFile{path: path, file: f}
	if err := f.Truncate(int64(size)); err != nil {
		out.Discard()
		return nil, err
	}
	if size == 0 {
		out.Buf = []byte{}
		return out, nil
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		out.Discard()
		return nil, err
	}
	out.Buf = buf
	return out, nil
}

// Close flushes the mapping and closes the file. On failure the partial
// file is removed.
func (o *OutputFile) Close() error {
	var err error
	if len(o.Buf) > 0 {
		err = unix.Msync(o.Buf, unix.MS_SYNC)
		if uerr := unix.Munmap(o.Buf); err == nil {
			err = uerr
		}
	}
	o.Buf = nil
	if cerr := o.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(o.path)
	}
	return err
}

// Discard drops the mapping and removes the file.
func (o *OutputFile) Discard() {
	if len(o.Buf) > 0 {
		_ = unix.Munmap(o.Buf)
	}
	o.Buf = nil
	_ = o.file.Close()
	_ = os.Remove(o.path)
}
