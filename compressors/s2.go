package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/gpustream/core"
	"github.com/klauspost/compress/s2"
)

// S2Compressor implements the Compressor interface using the S2 block format,
// a faster snappy extension.
type S2Compressor struct {
	better bool
}

var _ core.Compressor = (*S2Compressor)(nil)

// NewS2Compressor returns an S2 compressor. With better set, blocks are
// encoded with EncodeBetter for a higher ratio at some speed cost.
func NewS2Compressor(better bool) *S2Compressor {
	return &S2Compressor{better: better}
}

func (c *S2Compressor) encode(dst, src []byte) []byte {
	if c.better {
		return s2.EncodeBetter(dst, src)
	}
	return s2.Encode(dst, src)
}

func (c *S2Compressor) Compress(data []byte) ([]byte, error) {
	return c.encode(nil, data), nil
}

func (c *S2Compressor) Decompress(data []byte, size int) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress error: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("s2 decompress: encoded length %d, want %d", n, size)
	}
	out, err := s2.Decode(make([]byte, size), data)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress error: %w", err)
	}
	return out, nil
}

func (c *S2Compressor) Type() core.CompressionType {
	return core.CompressionS2
}

func (c *S2Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	bound := s2.MaxEncodedLen(len(src))
	if bound < 0 {
		return fmt.Errorf("s2: block of %d bytes is too large", len(src))
	}
	dst.Grow(bound)
	dst.Write(c.encode(dst.AvailableBuffer()[:bound], src))
	return nil
}
