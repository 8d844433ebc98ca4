package linker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/hcyang1106/fraglinker/pkg/utils"
)

var (
	ErrFDEBeforeCIE        = errors.New("FDE before any CIE")
	ErrTruncatedRecord     = errors.New("truncated CFI record")
	ErrTruncatedCIE        = errors.New("truncated CIE")
	ErrBadCIEVersion       = errors.New("unsupported CIE version")
	ErrLegacyAugmentation  = errors.New("unsupported \"eh\" CIE augmentation")
	ErrUnknownAugmentation = errors.New("unknown CIE augmentation")
	ErrBadPointerEncoding  = errors.New("unsupported pointer encoding")
	ErrEmptyFDE            = errors.New("FDE without body")
)

// DW_EH_PE_* values used when validating augmentation data.
const (
	dwEhPeAbsptr  = 0x00
	dwEhPeUdata2  = 0x02
	dwEhPeUdata4  = 0x03
	dwEhPeUdata8  = 0x04
	dwEhPeAligned = 0x50
)

type CIE struct {
	Frag           *Fragment
	Augmentation   string
	FDEEncoding    byte
	HasPersonality bool
	FDEs           []*FDE
}

type FDE struct {
	Frag *Fragment
	CIE  *CIE
}

type EhFrame struct {
	CIEs       []*CIE
	FDEs       []*FDE
	Terminator *Fragment
}

type ehToken uint8

const (
	ehTokenCIE ehToken = iota
	ehTokenFDE
	ehTokenTerminator
	ehTokenUnknown
	numEhTokens
)

type ehState uint8

const (
	ehStateQ0 ehState = iota
	ehStateQ1
	ehStateAccept
	ehStateReject
	numEhStates
)

var ehTransitions = [numEhStates][numEhTokens]ehState{
	ehStateQ0: {
		ehTokenCIE:        ehStateQ1,
		ehTokenFDE:        ehStateReject,
		ehTokenTerminator: ehStateAccept,
		ehTokenUnknown:    ehStateReject,
	},
	ehStateQ1: {
		ehTokenCIE:        ehStateQ1,
		ehTokenFDE:        ehStateQ1,
		ehTokenTerminator: ehStateAccept,
		ehTokenUnknown:    ehStateReject,
	},
	ehStateAccept: {ehStateAccept, ehStateAccept, ehStateAccept, ehStateAccept},
	ehStateReject: {ehStateReject, ehStateReject, ehStateReject, ehStateReject},
}

// ehRecord is one scanned token. dataOffset is where the payload starts
// relative to the record, right after the CIE id / CIE pointer word.
type ehRecord struct {
	token      ehToken
	offset     uint64
	size       uint64
	dataOffset uint64
	err        error
}

type EhFrameReader struct {
	order binary.ByteOrder
}

func NewEhFrameReader(order binary.ByteOrder) *EhFrameReader {
	return &EhFrameReader{order: order}
}

// Read splits sec into CIE, FDE and terminator fragments. Nothing is
// added to sec unless the whole stream is accepted.
func (r *EhFrameReader) Read(sec *InputSection) (*EhFrame, error) {
	data := sec.Contents
	eh := &EhFrame{}
	frags := make([]*Fragment, 0)

	state := ehStateQ0
	cursor := uint64(0)
	for state != ehStateAccept {
		if cursor == uint64(len(data)) {
			state = ehStateAccept
			break
		}

		rec := r.scan(data, cursor)
		next := ehTransitions[state][rec.token]
		if next == ehStateReject {
			if rec.err != nil {
				return nil, fmt.Errorf("offset %#x: %w", cursor, rec.err)
			}
			return nil, fmt.Errorf("offset %#x: %w", cursor, ErrFDEBeforeCIE)
		}

		raw := data[rec.offset : rec.offset+rec.size]
		switch rec.token {
		case ehTokenCIE:
			cie, err := r.addCIE(raw, rec)
			if err != nil {
				return nil, fmt.Errorf("offset %#x: %w", cursor, err)
			}
			frags = append(frags, cie.Frag)
			eh.CIEs = append(eh.CIEs, cie)
		case ehTokenFDE:
			fde, err := r.addFDE(raw, rec, eh)
			if err != nil {
				return nil, fmt.Errorf("offset %#x: %w", cursor, err)
			}
			frags = append(frags, fde.Frag)
			eh.FDEs = append(eh.FDEs, fde)
		case ehTokenTerminator:
			eh.Terminator = NewRegionFragment(FragmentKindTerminator, raw)
			frags = append(frags, eh.Terminator)
		}

		cursor += rec.size
		state = next
	}

	// anything after a terminator is carried over untouched
	if cursor < uint64(len(data)) {
		frags = append(frags, NewRegionFragment(FragmentKindRegion, data[cursor:]))
	}

	for _, frag := range frags {
		sec.AppendFragment(frag, 1)
	}
	sec.EhFrame = eh
	return eh, nil
}

func (r *EhFrameReader) scan(data []byte, cursor uint64) ehRecord {
	rec := ehRecord{token: ehTokenUnknown, offset: cursor}
	rest := data[cursor:]
	if len(rest) < 4 {
		rec.err = ErrTruncatedRecord
		return rec
	}

	length := r.order.Uint32(rest)
	switch length {
	case 0:
		rec.token = ehTokenTerminator
		rec.size = 4
		return rec
	case 0xffffffff:
		if len(rest) < 12 {
			rec.err = ErrTruncatedRecord
			return rec
		}
		rec.size = r.order.Uint64(rest[4:]) + 12
		rec.dataOffset = 16
	default:
		rec.size = uint64(length) + 4
		rec.dataOffset = 8
	}

	if rec.size > uint64(len(rest)) || rec.dataOffset > rec.size {
		rec.err = ErrTruncatedRecord
		return rec
	}

	if r.order.Uint32(rest[rec.dataOffset-4:]) == 0 {
		rec.token = ehTokenCIE
	} else {
		rec.token = ehTokenFDE
	}
	return rec
}

func (r *EhFrameReader) addCIE(raw []byte, rec ehRecord) (*CIE, error) {
	p := rec.dataOffset
	size := uint64(len(raw))
	if p >= size {
		return nil, ErrTruncatedCIE
	}

	version := raw[p]
	p++
	if version != 1 && version != 3 {
		return nil, fmt.Errorf("%w: %d", ErrBadCIEVersion, version)
	}

	nul := bytes.IndexByte(raw[p:], 0)
	if nul < 0 {
		return nil, ErrTruncatedCIE
	}
	aug := string(raw[p : p+uint64(nul)])
	p += uint64(nul) + 1

	// code alignment factor, data alignment factor, return address register
	n := 0
	if _, n = utils.ULEB128(raw[p:]); n == 0 {
		return nil, ErrTruncatedCIE
	}
	p += uint64(n)
	if _, n = utils.SLEB128(raw[p:]); n == 0 {
		return nil, ErrTruncatedCIE
	}
	p += uint64(n)
	if p >= size {
		return nil, ErrTruncatedCIE
	}
	p++

	cie := &CIE{
		Frag:         NewRegionFragment(FragmentKindCIE, raw),
		Augmentation: aug,
		FDEEncoding:  dwEhPeAbsptr,
	}
	if strings.HasPrefix(aug, "eh") {
		return nil, ErrLegacyAugmentation
	}
	// Only "z" augmentations carry data this reader understands; the
	// rest keep the default pointer encoding.
	if aug == "" || aug[0] != 'z' {
		return cie, nil
	}

	if _, n = utils.ULEB128(raw[p:]); n == 0 {
		return nil, ErrTruncatedCIE
	}
	p += uint64(n)

	for _, c := range aug[1:] {
		if p >= size {
			return nil, ErrTruncatedCIE
		}
		switch c {
		case 'L':
			p++
		case 'P':
			enc := raw[p]
			p++
			width, ok := encodingWidth(enc)
			if !ok {
				return nil, fmt.Errorf("%w %#x", ErrBadPointerEncoding, enc)
			}
			if enc&0x70 == dwEhPeAligned {
				p = utils.AlignTo(rec.offset+p, width) - rec.offset
			}
			if p+width > size {
				return nil, ErrTruncatedCIE
			}
			p += width
			cie.HasPersonality = true
		case 'R':
			enc := raw[p]
			p++
			if _, ok := encodingWidth(enc); !ok {
				return nil, fmt.Errorf("%w %#x", ErrBadPointerEncoding, enc)
			}
			cie.FDEEncoding = enc
		default:
			return nil, fmt.Errorf("%w %q", ErrUnknownAugmentation, aug)
		}
	}
	return cie, nil
}

func (r *EhFrameReader) addFDE(raw []byte, rec ehRecord, eh *EhFrame) (*FDE, error) {
	if rec.dataOffset == rec.size {
		return nil, ErrEmptyFDE
	}
	cie := eh.CIEs[len(eh.CIEs)-1]
	fde := &FDE{
		Frag: NewRegionFragment(FragmentKindFDE, raw),
		CIE:  cie,
	}
	cie.FDEs = append(cie.FDEs, fde)
	return fde, nil
}

// encodingWidth maps the format bits of a DW_EH_PE value to its size.
// absptr is taken as 4 bytes, the signed forms share the unsigned widths.
func encodingWidth(enc byte) (uint64, bool) {
	switch enc & 0x07 {
	case dwEhPeAbsptr:
		return 4, true
	case dwEhPeUdata2:
		return 2, true
	case dwEhPeUdata4:
		return 4, true
	case dwEhPeUdata8:
		return 8, true
	}
	return 0, false
}
