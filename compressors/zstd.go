package compressors

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/INLOpen/gpustream/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd frames.
// Encoders and decoders are created once and shared; EncodeAll and
// DecodeAll are safe for concurrent use.
type ZstdCompressor struct {
	level zstd.EncoderLevel

	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return NewZstdCompressorLevel(zstd.SpeedDefault)
}

func NewZstdCompressorLevel(level zstd.EncoderLevel) *ZstdCompressor {
	return &ZstdCompressor{level: level}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(c.level),
			zstd.WithEncoderConcurrency(1),
		)
		if c.initErr != nil {
			c.initErr = fmt.Errorf("zstd encoder: %w", c.initErr)
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(core.MaxChunkSize),
		)
		if c.initErr != nil {
			c.initErr = fmt.Errorf("zstd decoder: %w", c.initErr)
		}
	})
	return c.initErr
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
}

func (c *ZstdCompressor) Decompress(data []byte, size int) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	out, err := c.decoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d", len(out), size)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}

// CompressTo compresses src data into the dst buffer using ZSTD.
func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	if err := c.init(); err != nil {
		return err
	}
	dst.Reset()
	dst.Write(c.encoder.EncodeAll(src, dst.AvailableBuffer()))
	return nil
}
