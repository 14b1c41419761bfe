package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/gpustream/core"
	"github.com/klauspost/compress/zlib"
)

// ZlibCompressor implements the Compressor interface using zlib streams.
type ZlibCompressor struct {
	level int
}

var _ core.Compressor = (*ZlibCompressor)(nil)

func NewZlibCompressor() *ZlibCompressor {
	return &ZlibCompressor{level: zlib.DefaultCompression}
}

func (c *ZlibCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *ZlibCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	w, err := zlib.NewWriterLevel(dst, c.level)
	if err != nil {
		return fmt.Errorf("zlib writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return fmt.Errorf("zlib compress write error: %w", err)
	}
	return w.Close()
}

func (c *ZlibCompressor) Decompress(data []byte, size int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("zlib decompress error: %w", err)
	}
	// Trailing data means the recorded size is wrong.
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("zlib decompress: stream longer than %d bytes", size)
	}
	return out, nil
}

func (c *ZlibCompressor) Type() core.CompressionType {
	return core.CompressionZlib
}
