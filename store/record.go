package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrNotFound  = errors.New("store: artifact not found")
	ErrBadRecord = errors.New("store: bad artifact record")
)

// Record is one compiled artifact as persisted. The store does not interpret
// the body; checksums are carried through for the caller to verify.
type Record struct {
	Platform string
	Arch     string
	Features string
	Kernel   string
	Checksum uint64
	Body     []byte
}

// Values are framed as a fixed sequence of TLV records:
//
//	'P' platform, 'A' arch, 'F' features, 'K' kernel name,
//	'H' checksum (8 bytes big-endian),
//	'Z' lz4 block body (4-byte big-endian raw size prefix) or 'B' raw body.
//
// Headers come in two forms: [lowercase lit, 1-byte length] for bodies up to
// 255 bytes, [uppercase lit, 4-byte little-endian length] above that. Disk
// data is untrusted, so parsing always reports explicit errors.

const caseBit byte = 'a' - 'A'

func appendTLV(into []byte, lit byte, body []byte) []byte {
	if lit < 'A' || lit > 'Z' {
		panic("store: record types are A..Z")
	}
	if len(body) <= 0xff {
		into = append(into, lit|caseBit, byte(len(body)))
	} else {
		into = append(into, lit)
		into = binary.LittleEndian.AppendUint32(into, uint32(len(body)))
	}
	return append(into, body...)
}

func probeTLV(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	switch b := data[0]; {
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return b - caseBit, 2, int(data[1])
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return b, 5, int(bl)
	default:
		return '-', 0, 0
	}
}

func takeTLV(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := probeTLV(data)
	if flit == 0 || flit == '-' || hdrlen+bodylen > len(data) {
		return nil, nil, fmt.Errorf("%w: truncated %c record", ErrBadRecord, lit)
	}
	if flit != lit {
		return nil, nil, fmt.Errorf("%w: want %c record, got %c", ErrBadRecord, lit, flit)
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

func (r *Record) encode() []byte {
	buf := make([]byte, 0, len(r.Body)+len(r.Kernel)+64)
	buf = appendTLV(buf, 'P', []byte(r.Platform))
	buf = appendTLV(buf, 'A', []byte(r.Arch))
	buf = appendTLV(buf, 'F', []byte(r.Features))
	buf = appendTLV(buf, 'K', []byte(r.Kernel))
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], r.Checksum)
	buf = appendTLV(buf, 'H', sum[:])
	return appendBody(buf, r.Body)
}

func appendBody(into []byte, body []byte) []byte {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(body)))
	binary.BigEndian.PutUint32(dst[:4], uint32(len(body)))
	n, err := lz4.CompressBlock(body, dst[4:])
	if err != nil || n == 0 || n >= len(body) {
		// Incompressible, keep it raw.
		return appendTLV(into, 'B', body)
	}
	return appendTLV(into, 'Z', dst[:4+n])
}

func decode(data []byte) (*Record, error) {
	var rec Record
	var body []byte
	var err error

	if body, data, err = takeTLV('P', data); err != nil {
		return nil, err
	}
	rec.Platform = string(body)
	if body, data, err = takeTLV('A', data); err != nil {
		return nil, err
	}
	rec.Arch = string(body)
	if body, data, err = takeTLV('F', data); err != nil {
		return nil, err
	}
	rec.Features = string(body)
	if body, data, err = takeTLV('K', data); err != nil {
		return nil, err
	}
	rec.Kernel = string(body)
	if body, data, err = takeTLV('H', data); err != nil {
		return nil, err
	}
	if len(body) != 8 {
		return nil, fmt.Errorf("%w: checksum record is %d bytes", ErrBadRecord, len(body))
	}
	rec.Checksum = binary.BigEndian.Uint64(body)

	rec.Body, err = takeBody(data)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func takeBody(data []byte) ([]byte, error) {
	lit, _, _ := probeTLV(data)
	switch lit {
	case 'B':
		body, _, err := takeTLV('B', data)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), body...), nil
	case 'Z':
		packed, _, err := takeTLV('Z', data)
		if err != nil {
			return nil, err
		}
		if len(packed) < 4 {
			return nil, fmt.Errorf("%w: compressed body too short", ErrBadRecord)
		}
		rawlen := binary.BigEndian.Uint32(packed[:4])
		if rawlen > 0x7fffffff {
			return nil, fmt.Errorf("%w: compressed body claims %d bytes", ErrBadRecord, rawlen)
		}
		raw := make([]byte, rawlen)
		n, err := lz4.UncompressBlock(packed[4:], raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		if n != int(rawlen) {
			return nil, fmt.Errorf("%w: body inflated to %d bytes, want %d", ErrBadRecord, n, rawlen)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: want body record, got %c", ErrBadRecord, lit)
	}
}
