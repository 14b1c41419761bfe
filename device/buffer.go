package device

import (
	"fmt"
	"io"

	"github.com/INLOpen/gpustream/core"
)

// MaxBufferLength is the largest buffer the emulated device allocates.
const MaxBufferLength = 1 << 32

// Buffer is a linear device resource.
type Buffer struct {
	*storage
}

var _ Resource = (*Buffer)(nil)

// NewBuffer allocates a zeroed buffer of length bytes.
func (d *Device) NewBuffer(length uint64, label string) (*Buffer, error) {
	if length == 0 || length > MaxBufferLength {
		return nil, &core.ConfigError{Field: "length", Value: fmt.Sprint(length), Message: fmt.Sprintf("must be in [1, %d]", uint64(MaxBufferLength))}
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	b := &Buffer{storage: newStorage(d, label, length)}
	d.logger.Debug("Buffer allocated.", "id", b.id, "label", label, "length", length)
	return b, nil
}

func (b *Buffer) Kind() Kind     { return KindBuffer }
func (b *Buffer) Length() uint64 { return b.size }

// Contents returns a copy of the buffer, or nil once it is released.
func (b *Buffer) Contents() []byte {
	data, err := b.snapshot()
	if err != nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// ReadAt implements io.ReaderAt over the published contents.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	data, err := b.snapshot()
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", off, core.ErrOutOfBounds)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off. Writes past the end fail without modifying the buffer.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if err := b.CheckRange(off, uint64(len(p))); err != nil {
		return 0, err
	}
	if err := b.mutate(func(dst []byte) { copy(dst[off:], p) }); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CheckRange reports whether [off, off+length) lies inside the buffer.
func (b *Buffer) CheckRange(off int64, length uint64) error {
	if off < 0 || uint64(off) > b.size || length > b.size-uint64(off) {
		return fmt.Errorf("buffer %q range [%d, +%d) of %d bytes: %w", b.label, off, length, b.size, core.ErrOutOfBounds)
	}
	return nil
}

// Footprint returns the byte ranges a write of length bytes at off touches.
func (b *Buffer) Footprint(off, length uint64) Footprint {
	return func(fn func(off, length uint64)) {
		if length > 0 {
			fn(off, length)
		}
	}
}
