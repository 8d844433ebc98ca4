package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"runtime/debug"

	"golang.org/x/exp/constraints"
)

func Fatal(v any) {
	fmt.Printf("fatal: %v\n", v)
	debug.PrintStack()
	os.Exit(1)
}

func MustNo(err error) {
	if err != nil {
		Fatal(err)
	}
}

// Read decodes a little endian value, which is what every host tool
// below works with. Use ReadOrder for target data.
func Read[T any](content []byte, val *T) {
	ReadOrder[T](content, binary.LittleEndian, val)
}

func ReadOrder[T any](content []byte, order binary.ByteOrder, val *T) {
	reader := bytes.NewReader(content)
	err := binary.Read(reader, order, val)
	MustNo(err)
}

// TryRead is ReadOrder for untrusted input: short buffers become errors.
func TryRead[T any](content []byte, order binary.ByteOrder, val *T) error {
	if binary.Size(val) > len(content) {
		return fmt.Errorf("need %d bytes, have %d", binary.Size(val), len(content))
	}
	return binary.Read(bytes.NewReader(content), order, val)
}

func Write[T any](data []byte, order binary.ByteOrder, e T) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, order, e)
	MustNo(err)
	copy(data, buf.Bytes())
}

func Assert(res bool) {
	if !res {
		Fatal(res)
	}
}

// o => -o
// plugin => -plugin, --plugin
func AddDashes(option string) []string {
	res := []string{}

	if len(option) == 1 {
		res = append(res, "-"+option)
	} else {
		res = append(res, "-"+option, "--"+option)
	}

	return res
}

func ReadSlice[T any](content []byte, order binary.ByteOrder, size int) []T {
	Assert(len(content)%size == 0)
	ret := make([]T, 0, len(content)/size)
	for len(content) > 0 {
		var ele T
		ReadOrder[T](content, order, &ele)
		ret = append(ret, ele)
		content = content[size:]
	}
	return ret
}

// align must be a power of two, 0 means no alignment
func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

func RemovePrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}

func AllZeros(bs []byte) bool {
	for _, b := range bs {
		if b != 0 {
			return false
		}
	}
	return true
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0
	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

// Bit returns bit pos of val as 0 or 1.
func Bit[T constraints.Unsigned](val T, pos int) T {
	return (val >> pos) & 1
}

// Bits returns val[hi:lo], both ends inclusive.
func Bits[T constraints.Unsigned](val T, hi, lo int) T {
	return (val >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// SignExtend treats bit size of val as the sign bit.
func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(63-size)) >> (63 - size))
}

func HasSingleBit(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
