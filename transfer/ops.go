package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/gogpu/gputypes"
)

// op is one load appended to a batch. Implementations: *bufferLoad and
// *textureLoad.
type op interface {
	name() string
	target() device.Resource
	source() *Handle
	// footprint returns the destination ranges the op writes, or false
	// when its shape is out of bounds.
	footprint() (device.Footprint, bool)
}

type bufferLoad struct {
	dst       *device.Buffer
	dstOffset uint64
	length    uint64
	src       *Handle
	srcOffset uint64
}

func (o *bufferLoad) name() string            { return "load_buffer" }
func (o *bufferLoad) target() device.Resource { return o.dst }
func (o *bufferLoad) source() *Handle         { return o.src }

func (o *bufferLoad) footprint() (device.Footprint, bool) {
	if o.dstOffset > 1<<62 || o.dst.CheckRange(int64(o.dstOffset), o.length) != nil {
		return nil, false
	}
	return o.dst.Footprint(o.dstOffset, o.length), true
}

type textureLoad struct {
	dst           *device.Texture
	slice         uint32
	level         uint32
	region        device.Region
	bytesPerRow   uint64
	bytesPerImage uint64
	src           *Handle
	srcOffset     uint64
}

func (o *textureLoad) name() string            { return "load_texture" }
func (o *textureLoad) target() device.Resource { return o.dst }
func (o *textureLoad) source() *Handle         { return o.src }

func (o *textureLoad) footprint() (device.Footprint, bool) {
	if o.dst.CheckRegion(o.region, o.level, o.slice) != nil {
		return nil, false
	}
	return o.dst.Footprint(o.region, o.level, o.slice), true
}

func newTextureLoad(dst *device.Texture, slice, level uint32, size gputypes.Extent3D, bytesPerRow, bytesPerImage uint64, origin device.Origin, src *Handle, srcOffset uint64) *textureLoad {
	return &textureLoad{
		dst:           dst,
		slice:         slice,
		level:         level,
		region:        device.Region{Origin: origin, Size: size},
		bytesPerRow:   bytesPerRow,
		bytesPerImage: bytesPerImage,
		src:           src,
		srcOffset:     srcOffset,
	}
}

// execute decodes the op's source range and writes it to the destination.
// It returns the number of bytes read from the source.
func execute(ctx context.Context, o op) (uint64, error) {
	switch o := o.(type) {
	case *bufferLoad:
		if err := o.dst.CheckRange(int64(o.dstOffset), o.length); err != nil {
			return 0, wrapOpError(o, err)
		}
		data, err := readSource(ctx, o.src, o.srcOffset, o.length)
		if err != nil {
			return 0, wrapOpError(o, err)
		}
		if _, err := o.dst.WriteAt(data, int64(o.dstOffset)); err != nil {
			return 0, wrapOpError(o, err)
		}
		return o.length, nil

	case *textureLoad:
		if err := o.dst.CheckRegion(o.region, o.level, o.slice); err != nil {
			return 0, wrapOpError(o, err)
		}
		n, err := o.dst.LinearSize(o.region, o.bytesPerRow, o.bytesPerImage)
		if err != nil {
			return 0, wrapOpError(o, err)
		}
		data, err := readSource(ctx, o.src, o.srcOffset, n)
		if err != nil {
			return 0, wrapOpError(o, err)
		}
		if err := o.dst.ReplaceRegion(o.region, o.level, o.slice, data, o.bytesPerRow, o.bytesPerImage); err != nil {
			return 0, wrapOpError(o, err)
		}
		return n, nil

	default:
		return 0, fmt.Errorf("unknown operation %T", o)
	}
}

// readSource decodes length bytes at off. The range must lie entirely
// inside the container.
func readSource(ctx context.Context, src *Handle, off, length uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size, err := src.Size()
	if err != nil {
		return nil, err
	}
	if off > size || length > size-off {
		return nil, fmt.Errorf("source range [%d, +%d) of %d bytes: %w", off, length, size, core.ErrOutOfBounds)
	}
	data := make([]byte, length)
	n, err := src.ReadAt(data, int64(off))
	if err != nil && !(errors.Is(err, io.EOF) && uint64(n) == length) {
		return nil, err
	}
	return data, nil
}

func wrapOpError(o op, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &core.TransferError{Op: o.name(), Resource: o.target().Label(), Err: err}
}
