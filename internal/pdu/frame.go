package pdu

// This file frames complete PDUs for the wire: BHS, optional CRC32C
// header digest, data segment padded to a 4-byte boundary, optional
// CRC32C data digest (RFC 3720 Section 10.2.3). The codec does not
// negotiate digests; the connection's configuration says whether to
// apply them.

import (
	"fmt"
	"hash/crc32"
	"io"
)

// Digests selects which CRC32C digests are applied on a connection.
type Digests struct {
	// Header enables the 4-byte CRC32C over the BHS.
	Header bool

	// Data enables the 4-byte CRC32C over the padded data segment.
	Data bool
}

// castagnoli is the CRC32C polynomial table (RFC 3720 Section 12.1).
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the iSCSI digest over the given bytes.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// Encode assembles a complete wire PDU: the BHS with its
// DataSegmentLength field set to len(data), followed by the optional
// header digest, the data segment padded with zeros to a 4-byte
// boundary, and the optional data digest over data plus padding.
func Encode(bhs BHS, data []byte, d Digests) ([]byte, error) {
	if err := bhs.SetDataSegmentLength(len(data)); err != nil {
		return nil, fmt.Errorf("encode PDU: %w", err)
	}

	size := BHSSize + PaddedLen(len(data))
	if d.Header {
		size += DigestSize
	}
	if d.Data && len(data) > 0 {
		size += DigestSize
	}

	out := make([]byte, 0, size)
	out = append(out, bhs[:]...)

	if d.Header {
		out = appendDigest(out, out[:BHSSize])
	}

	dataStart := len(out)
	out = append(out, data...)
	for i := len(data); i < PaddedLen(len(data)); i++ {
		out = append(out, 0)
	}

	// RFC 3720 Section 10.2.3: no data digest when the data segment
	// is absent.
	if d.Data && len(data) > 0 {
		out = appendDigest(out, out[dataStart:])
	}

	return out, nil
}

// appendDigest appends the big-endian CRC32C of covered to out.
func appendDigest(out, covered []byte) []byte {
	sum := CRC32C(covered)
	return append(out, uint8(sum>>24), uint8(sum>>16), uint8(sum>>8), uint8(sum))
}

// readDigest reads a 4-byte big-endian digest from r.
func readDigest(r io.Reader) (uint32, error) {
	var buf [DigestSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

// Read reads one complete PDU from r, verifying digests when the
// connection negotiated them. The returned data slice excludes padding.
func Read(r io.Reader, d Digests) (BHS, []byte, error) {
	var bhs BHS
	if _, err := io.ReadFull(r, bhs[:]); err != nil {
		return BHS{}, nil, fmt.Errorf("read BHS: %w", err)
	}

	if d.Header {
		sum, err := readDigest(r)
		if err != nil {
			return BHS{}, nil, fmt.Errorf("read header digest: %w", err)
		}
		if sum != CRC32C(bhs[:]) {
			return BHS{}, nil, fmt.Errorf("read PDU: %w", ErrHeaderDigest)
		}
	}

	n := bhs.DataSegmentLength()
	if n == 0 {
		return bhs, nil, nil
	}

	padded := make([]byte, PaddedLen(n))
	if _, err := io.ReadFull(r, padded); err != nil {
		return BHS{}, nil, fmt.Errorf("read data segment: %w: %w", ErrTruncated, err)
	}

	if d.Data {
		sum, err := readDigest(r)
		if err != nil {
			return BHS{}, nil, fmt.Errorf("read data digest: %w", err)
		}
		if sum != CRC32C(padded) {
			return BHS{}, nil, fmt.Errorf("read PDU: %w", ErrDataDigest)
		}
	}

	return bhs, padded[:n], nil
}
