package linker

import (
	"encoding/binary"
	"testing"

	"github.com/hcyang1106/fraglinker/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id uint32, body []byte) []byte {
	rec := binary.LittleEndian.AppendUint32(nil, uint32(4+len(body)))
	rec = binary.LittleEndian.AppendUint32(rec, id)
	return append(rec, body...)
}

func cieRecord(version byte, aug string, augData []byte) []byte {
	body := []byte{version}
	body = append(body, aug...)
	body = append(body, 0)
	body = utils.AppendULEB128(body, 1)  // code alignment
	body = utils.AppendSLEB128(body, -8) // data alignment
	body = append(body, 16)              // return address register
	if len(aug) > 0 && aug[0] == 'z' {
		body = utils.AppendULEB128(body, uint64(len(augData)))
		body = append(body, augData...)
	}
	body = append(body, 0x0c, 0x07, 0x08, 0x90, 0x01) // def_cfa rsp+8, offset r16
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	return record(0, body)
}

func fdeRecord(ciePointer uint32) []byte {
	// pc begin, pc range, augmentation length, padding
	body := []byte{0, 0, 0, 0, 0x10, 0, 0, 0, 0, 0, 0, 0}
	return record(ciePointer, body)
}

var terminator = []byte{0, 0, 0, 0}

func concat(parts ...[]byte) []byte {
	var res []byte
	for _, p := range parts {
		res = append(res, p...)
	}
	return res
}

func readEhFrame(t *testing.T, data []byte) (*InputSection, *EhFrame, error) {
	t.Helper()
	sec := &InputSection{Name: ".eh_frame", Kind: SectionKindEhFrame, Contents: data}
	eh, err := NewEhFrameReader(binary.LittleEndian).Read(sec)
	return sec, eh, err
}

func TestEhFrameWellFormed(t *testing.T) {
	cie := cieRecord(1, "zR", []byte{0x1b})
	fde1 := fdeRecord(uint32(len(cie) + 4))
	fde2 := fdeRecord(uint32(len(cie) + len(fde1) + 4))
	data := concat(cie, fde1, fde2, terminator)

	sec, eh, err := readEhFrame(t, data)
	require.NoError(t, err)
	require.Len(t, eh.CIEs, 1)
	require.Len(t, eh.FDEs, 2)
	assert.NotNil(t, eh.Terminator)
	assert.Equal(t, byte(0x1b), eh.CIEs[0].FDEEncoding)
	assert.Equal(t, "zR", eh.CIEs[0].Augmentation)
	assert.Same(t, eh.CIEs[0], eh.FDEs[1].CIE)
	assert.Len(t, eh.CIEs[0].FDEs, 2)

	kinds := []FragmentKind{}
	offset := uint64(0)
	for _, frag := range sec.Fragments {
		assert.Equal(t, offset, frag.Offset, "fragments are contiguous")
		offset += frag.Size()
		kinds = append(kinds, frag.Kind)
	}
	assert.Equal(t, uint64(len(data)), offset, "every byte is covered")
	assert.Equal(t, uint64(len(data)), sec.Size)
	assert.Equal(t, []FragmentKind{
		FragmentKindCIE, FragmentKindFDE, FragmentKindFDE, FragmentKindTerminator,
	}, kinds)
}

func TestEhFrameCleanEndWithoutTerminator(t *testing.T) {
	cie := cieRecord(3, "", nil)
	data := concat(cie, fdeRecord(uint32(len(cie)+4)))
	_, eh, err := readEhFrame(t, data)
	require.NoError(t, err)
	assert.Nil(t, eh.Terminator)
	assert.Equal(t, byte(dwEhPeAbsptr), eh.CIEs[0].FDEEncoding)
}

func TestEhFrameTerminatorOnly(t *testing.T) {
	sec, eh, err := readEhFrame(t, concat(terminator))
	require.NoError(t, err)
	assert.Empty(t, eh.CIEs)
	assert.Empty(t, eh.FDEs)
	require.Len(t, sec.Fragments, 1)
	assert.Equal(t, FragmentKindTerminator, sec.Fragments[0].Kind)
	assert.Equal(t, uint64(4), sec.Fragments[0].Size())
}

func TestEhFrameEmptySection(t *testing.T) {
	sec, eh, err := readEhFrame(t, nil)
	require.NoError(t, err)
	assert.Empty(t, eh.CIEs)
	assert.Empty(t, sec.Fragments)
}

func TestEhFrameFDEBeforeCIE(t *testing.T) {
	sec, _, err := readEhFrame(t, concat(fdeRecord(4), terminator))
	assert.ErrorIs(t, err, ErrFDEBeforeCIE)
	assert.Empty(t, sec.Fragments, "rejected streams leave the section untouched")
}

func TestEhFrameLegacyAugmentation(t *testing.T) {
	_, _, err := readEhFrame(t, concat(cieRecord(1, "eh", nil), terminator))
	assert.ErrorIs(t, err, ErrLegacyAugmentation)
}

func TestEhFrameAugmentationWithoutData(t *testing.T) {
	cie := cieRecord(1, "S", nil)
	data := concat(cie, fdeRecord(uint32(len(cie)+4)), terminator)

	_, eh, err := readEhFrame(t, data)
	require.NoError(t, err)
	require.Len(t, eh.CIEs, 1)
	require.Len(t, eh.FDEs, 1)
	assert.Equal(t, "S", eh.CIEs[0].Augmentation)
	assert.Equal(t, byte(dwEhPeAbsptr), eh.CIEs[0].FDEEncoding)
	assert.False(t, eh.CIEs[0].HasPersonality)
}

func TestEhFrameCIEVersion(t *testing.T) {
	for _, v := range []byte{0, 2, 4, 5, 255} {
		_, _, err := readEhFrame(t, concat(cieRecord(v, "zR", []byte{0x1b}), terminator))
		assert.ErrorIs(t, err, ErrBadCIEVersion, "version %d", v)
	}
	for _, v := range []byte{1, 3} {
		_, _, err := readEhFrame(t, concat(cieRecord(v, "zR", []byte{0x1b}), terminator))
		assert.NoError(t, err, "version %d", v)
	}
}

func TestEhFrameAugmentations(t *testing.T) {
	// personality: pcrel|sdata4 and a 4 byte pointer, then LSDA and FDE encodings
	cie := cieRecord(1, "zPLR", []byte{0x9b, 1, 2, 3, 4, 0x1b, 0x1b})
	_, eh, err := readEhFrame(t, concat(cie, terminator))
	require.NoError(t, err)
	assert.True(t, eh.CIEs[0].HasPersonality)
	assert.Equal(t, byte(0x1b), eh.CIEs[0].FDEEncoding)

	_, _, err = readEhFrame(t, concat(cieRecord(1, "zX", []byte{0}), terminator))
	assert.ErrorIs(t, err, ErrUnknownAugmentation)

	_, _, err = readEhFrame(t, concat(cieRecord(1, "zR", []byte{0x07}), terminator))
	assert.ErrorIs(t, err, ErrBadPointerEncoding)

	_, _, err = readEhFrame(t, concat(cieRecord(1, "zP", []byte{0x0f}), terminator))
	assert.ErrorIs(t, err, ErrBadPointerEncoding)
}

func TestEhFrameAlignedPersonality(t *testing.T) {
	// "zP" with DW_EH_PE_aligned|udata8: the pointer is padded to 8 bytes
	// relative to the section start
	body := []byte{1, 'z', 'P', 0, 1, 0x78, 16}
	body = append(body, 16) // augmentation data length
	body = append(body, dwEhPeAligned|dwEhPeUdata8)
	// record header (8) + body so far (9) = 17, pad to 24
	body = append(body, 0, 0, 0, 0, 0, 0, 0)
	body = append(body, 1, 2, 3, 4, 5, 6, 7, 8)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	_, eh, err := readEhFrame(t, concat(record(0, body), terminator))
	require.NoError(t, err)
	assert.True(t, eh.CIEs[0].HasPersonality)

	// same CIE cut right after the padding
	short := record(0, body[:16])
	_, _, err = readEhFrame(t, concat(short, terminator))
	assert.ErrorIs(t, err, ErrTruncatedCIE)
}

func TestEhFrameEmptyFDE(t *testing.T) {
	cie := cieRecord(1, "", nil)
	_, _, err := readEhFrame(t, concat(cie, record(uint32(len(cie)+4), nil), terminator))
	assert.ErrorIs(t, err, ErrEmptyFDE)
}

func TestEhFrameTruncated(t *testing.T) {
	cie := cieRecord(1, "zR", []byte{0x1b})
	_, _, err := readEhFrame(t, cie[:len(cie)-2])
	assert.ErrorIs(t, err, ErrTruncatedRecord)

	_, _, err = readEhFrame(t, []byte{0, 0})
	assert.ErrorIs(t, err, ErrTruncatedRecord)

	// no NUL terminating the augmentation string
	_, _, err = readEhFrame(t, record(0, []byte{1, 'z', 'R', 'R'}))
	assert.ErrorIs(t, err, ErrTruncatedCIE)
}

func TestEhFrameExtendedLength(t *testing.T) {
	cie := cieRecord(1, "zR", []byte{0x1b})
	body := cie[8:]

	ext := binary.LittleEndian.AppendUint32(nil, 0xffffffff)
	ext = binary.LittleEndian.AppendUint64(ext, uint64(4+len(body)))
	ext = binary.LittleEndian.AppendUint32(ext, 0)
	ext = append(ext, body...)

	sec, eh, err := readEhFrame(t, concat(ext, terminator))
	require.NoError(t, err)
	require.Len(t, eh.CIEs, 1)
	assert.Equal(t, uint64(len(ext)), sec.Fragments[0].Size())
}

func TestEhFrameBigEndian(t *testing.T) {
	le := cieRecord(1, "zR", []byte{0x1b})
	be := make([]byte, len(le))
	copy(be, le)
	binary.BigEndian.PutUint32(be, binary.LittleEndian.Uint32(le))

	sec := &InputSection{Name: ".eh_frame", Kind: SectionKindEhFrame, Contents: concat(be, terminator)}
	eh, err := NewEhFrameReader(binary.BigEndian).Read(sec)
	require.NoError(t, err)
	assert.Len(t, eh.CIEs, 1)
}
