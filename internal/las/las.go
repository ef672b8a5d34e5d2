// Package las reads the public header block of LAS point cloud files, enough
// to report point counts and spatial extent for reconstruction products
// without decoding point records.
package las

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	signature = "LASF"

	// headerSize12 is the public header block length through LAS 1.3.
	headerSize12 = 227

	// headerSize14 adds the extended VLR and 64-bit point count fields.
	headerSize14 = 375
)

// Header is the subset of the LAS public header block gleaner reports on.
type Header struct {
	VersionMajor uint8
	VersionMinor uint8
	PointFormat  uint8
	PointCount   uint64

	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
}

// ReadHeaderFile opens path and parses its header block.
func ReadHeaderFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadHeader(f)
}

// ReadHeader parses the public header block from r. LAS 1.0 through 1.4 are
// accepted; for 1.4 files the 64-bit point count supersedes the legacy field.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, headerSize12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("las: short header: %w", err)
	}
	if string(buf[0:4]) != signature {
		return nil, fmt.Errorf("las: bad signature %q", buf[0:4])
	}

	le := binary.LittleEndian
	if size := le.Uint16(buf[94:96]); size < headerSize12 {
		return nil, fmt.Errorf("las: header size %d below minimum %d", size, headerSize12)
	}

	h := &Header{
		VersionMajor: buf[24],
		VersionMinor: buf[25],
		PointFormat:  buf[104],
		PointCount:   uint64(le.Uint32(buf[107:111])),
		MaxX:         math.Float64frombits(le.Uint64(buf[179:187])),
		MinX:         math.Float64frombits(le.Uint64(buf[187:195])),
		MaxY:         math.Float64frombits(le.Uint64(buf[195:203])),
		MinY:         math.Float64frombits(le.Uint64(buf[203:211])),
		MaxZ:         math.Float64frombits(le.Uint64(buf[211:219])),
		MinZ:         math.Float64frombits(le.Uint64(buf[219:227])),
	}

	// 1.4 moved the authoritative count past the legacy fields; the legacy
	// slot is zero for point formats 6 and up.
	if h.VersionMajor == 1 && h.VersionMinor >= 4 {
		ext := make([]byte, headerSize14-headerSize12)
		if _, err := io.ReadFull(r, ext); err != nil {
			return nil, fmt.Errorf("las: short 1.4 header: %w", err)
		}
		if count := le.Uint64(ext[20:28]); count != 0 {
			h.PointCount = count
		}
	}

	return h, nil
}

// EncodeHeader renders a minimal LAS 1.2 header block carrying h's point
// count, format and extent. It backs virtual-mode reconstruction products
// and test fixtures; no point records follow the header.
func EncodeHeader(h *Header) []byte {
	buf := make([]byte, headerSize12)
	le := binary.LittleEndian

	copy(buf[0:4], signature)
	buf[24] = 1
	buf[25] = 2
	copy(buf[26:58], "gleaner")
	copy(buf[58:90], "gleaner")
	le.PutUint16(buf[94:96], headerSize12)
	le.PutUint32(buf[96:100], headerSize12)
	buf[104] = h.PointFormat
	le.PutUint16(buf[105:107], 20)
	le.PutUint32(buf[107:111], uint32(min(h.PointCount, math.MaxUint32)))

	// Millimetre scale, the usual choice for survey data.
	for _, off := range []int{131, 139, 147} {
		le.PutUint64(buf[off:off+8], math.Float64bits(0.001))
	}

	le.PutUint64(buf[179:187], math.Float64bits(h.MaxX))
	le.PutUint64(buf[187:195], math.Float64bits(h.MinX))
	le.PutUint64(buf[195:203], math.Float64bits(h.MaxY))
	le.PutUint64(buf[203:211], math.Float64bits(h.MinY))
	le.PutUint64(buf[211:219], math.Float64bits(h.MaxZ))
	le.PutUint64(buf[219:227], math.Float64bits(h.MinZ))

	return buf
}
