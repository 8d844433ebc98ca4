package utils

// ULEB128 decodes an unsigned LEB128 value at the start of buf.
// n is the number of bytes consumed, 0 if buf ends mid-value.
func ULEB128(buf []byte) (val uint64, n int) {
	shift := 0
	for i, b := range buf {
		if shift < 64 {
			val |= uint64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			return val, i + 1
		}
	}
	return 0, 0
}

// SLEB128 decodes a signed LEB128 value at the start of buf.
func SLEB128(buf []byte) (val int64, n int) {
	shift := 0
	for i, b := range buf {
		if shift < 64 {
			val |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				val |= -1 << shift
			}
			return val, i + 1
		}
	}
	return 0, 0
}

func AppendULEB128(buf []byte, val uint64) []byte {
	for {
		b := byte(val & 0x7f)
		val >>= 7
		if val != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if val == 0 {
			return buf
		}
	}
}

func AppendSLEB128(buf []byte, val int64) []byte {
	for {
		b := byte(val & 0x7f)
		val >>= 7
		done := (val == 0 && b&0x40 == 0) || (val == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		buf = append(buf, b)
		if done {
			return buf
		}
	}
}
