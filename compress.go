package enet

import (
	"errors"
	"hash/crc32"

	"github.com/klauspost/compress/s2"
)

// Compressor compresses datagram bodies. A body is sent compressed only when
// the result is smaller than the input.
type Compressor interface {
	Compress(dst, src []byte) []byte
	// Decompress decodes src into dst. It fails if the decoded body would be
	// larger than limit bytes.
	Decompress(dst, src []byte, limit int) ([]byte, error)
}

// S2Compressor compresses with S2, a Snappy-compatible block format.
type S2Compressor struct{}

var errDecompressedTooLarge = errors.New("decompressed body exceeds limit")

func (S2Compressor) Compress(dst, src []byte) []byte {
	return s2.Encode(dst[:cap(dst)], src)
}

func (S2Compressor) Decompress(dst, src []byte, limit int) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errDecompressedTooLarge
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	return s2.Decode(dst[:n], src)
}

// ChecksumFunc computes the checksum of a datagram. The checksum field itself
// holds the peer's connect ID while the sum is computed.
type ChecksumFunc func(data []byte) uint32

// CRC32 is the IEEE CRC-32 checksum.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
