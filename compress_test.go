package enet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS2RoundTrip(t *testing.T) {
	var c S2Compressor
	src := bytes.Repeat([]byte("enet datagram "), 100)

	compressed := c.Compress(nil, src)
	assert.Less(t, len(compressed), len(src))

	got, err := c.Decompress(nil, compressed, len(src))
	require.NoError(t, err)
	assert.Equal(t, src, got)

	// A buffer with room is reused.
	buf := make([]byte, 0, 2*len(src))
	got, err = c.Decompress(buf, compressed, len(src))
	require.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Same(t, &buf[:1][0], &got[0])
}

func TestS2DecompressLimit(t *testing.T) {
	var c S2Compressor
	compressed := c.Compress(nil, make([]byte, 1000))

	_, err := c.Decompress(nil, compressed, 999)
	assert.ErrorIs(t, err, errDecompressedTooLarge)

	_, err = c.Decompress(nil, []byte{0xFF, 0xFF, 0xFF}, MaximumMTU)
	assert.Error(t, err)
}

func TestCRC32(t *testing.T) {
	assert.Equal(t, uint32(0xCBF43926), CRC32([]byte("123456789")))
	assert.Zero(t, CRC32(nil))
}
