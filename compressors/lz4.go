package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/gpustream/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 block format.
type LZ4Compressor struct {
	// lz4.Compressor keeps its hash table between calls and is not safe for
	// concurrent use, so instances are pooled.
	blocks *core.GenericPool[*lz4.Compressor]
}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{
		blocks: core.NewGenericPool(func() *lz4.Compressor {
			return &lz4.Compressor{}
		}),
	}
}

func (c *LZ4Compressor) compressBlock(src, dst []byte) (int, error) {
	if c.blocks == nil {
		return lz4.CompressBlock(src, dst, nil)
	}
	bc := c.blocks.Get()
	defer c.blocks.Put(bc)
	return bc.CompressBlock(src, dst)
}

// Compress returns ErrIncompressible when the block format cannot shrink data.
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := c.compressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		return nil, ErrIncompressible
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Decompress(data []byte, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, size)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

// CompressTo compresses src data into the dst buffer using LZ4.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	if len(src) == 0 {
		return nil
	}
	bound := lz4.CompressBlockBound(len(src))
	dst.Grow(bound)
	tmp := dst.AvailableBuffer()[:bound]
	n, err := c.compressBlock(src, tmp)
	if err != nil {
		return fmt.Errorf("lz4 CompressTo block compress error: %w", err)
	}
	if n == 0 {
		return ErrIncompressible
	}
	dst.Write(tmp[:n])
	return nil
}
