package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/gpustream/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using Snappy.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte, size int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("snappy decompress: encoded length %d, want %d", n, size)
	}
	decompressed, err := snappy.Decode(make([]byte, size), data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return decompressed, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}

// CompressTo compresses src data into the dst buffer using Snappy.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	bound := snappy.MaxEncodedLen(len(src))
	if bound < 0 {
		return fmt.Errorf("snappy: block of %d bytes is too large", len(src))
	}
	dst.Grow(bound)
	encoded := snappy.Encode(dst.AvailableBuffer()[:bound], src)
	dst.Write(encoded)
	return nil
}
