package device

import (
	"fmt"
	"math/bits"

	"github.com/INLOpen/gpustream/core"
	"github.com/gogpu/gputypes"
)

// CubeFaces is the number of array layers one cube occupies.
const CubeFaces = 6

// Origin is the texel where a region starts.
type Origin = gputypes.Origin3D

// Region is a box of texels inside one mip level of one slice.
type Region struct {
	Origin Origin
	Size   gputypes.Extent3D
}

// RegionOf returns the region covering size from the origin.
func RegionOf(size gputypes.Extent3D) Region {
	return Region{Size: size}
}

// TextureDescriptor describes a texture to allocate. For 1D and 2D textures
// Size.DepthOrArrayLayers is the slice count; for 3D it is the depth.
// Cube textures are 2D with a multiple of six layers (six when unset).
type TextureDescriptor struct {
	Label         string
	Format        gputypes.TextureFormat
	Dimension     gputypes.TextureDimension
	Size          gputypes.Extent3D
	MipLevelCount uint32
	Cube          bool
}

// BytesPerPixel returns the texel size of the supported uncompressed formats.
func BytesPerPixel(format gputypes.TextureFormat) (uint32, error) {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return 4, nil
	case gputypes.TextureFormatR8Unorm:
		return 1, nil
	default:
		return 0, fmt.Errorf("format %v: %w", format, core.ErrUnsupportedFormat)
	}
}

// Texture is a multi-dimensional device resource. Its storage holds every
// slice in order, each slice holding its mip levels from largest to
// smallest, each level tightly packed in x, y, z order.
type Texture struct {
	*storage

	desc       TextureDescriptor
	bpp        uint32
	width      uint32
	height     uint32
	depth      uint32
	slices     uint32
	sliceBytes uint64
	mipOffsets []uint64
}

var _ Resource = (*Texture)(nil)

// NewTexture allocates a zeroed texture.
func (d *Device) NewTexture(desc *TextureDescriptor) (*Texture, error) {
	if desc == nil {
		return nil, core.ErrNilArgument
	}
	t := &Texture{desc: *desc}
	if err := t.init(); err != nil {
		return nil, err
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	t.storage = newStorage(d, desc.Label, t.sliceBytes*uint64(t.slices))
	d.logger.Debug("Texture allocated.",
		"id", t.id,
		"label", desc.Label,
		"width", t.width,
		"height", t.height,
		"depth", t.depth,
		"slices", t.slices,
		"mips", len(t.mipOffsets),
	)
	return t, nil
}

func (t *Texture) init() error {
	desc := &t.desc
	bpp, err := BytesPerPixel(desc.Format)
	if err != nil {
		return &core.ConfigError{Field: "format", Value: fmt.Sprint(desc.Format), Message: "unsupported texture format"}
	}
	t.bpp = bpp
	size := desc.Size
	if size.Width == 0 {
		return &core.ConfigError{Field: "width", Value: "0", Message: "must be positive"}
	}
	layers := max(size.DepthOrArrayLayers, 1)

	switch desc.Dimension {
	case gputypes.TextureDimension1D:
		if size.Height > 1 || desc.Cube {
			return &core.ConfigError{Field: "dimension", Value: "1d", Message: "1D textures have height 1 and cannot be cubes"}
		}
		t.width, t.height, t.depth, t.slices = size.Width, 1, 1, layers
	case gputypes.TextureDimension2D:
		if size.Height == 0 {
			return &core.ConfigError{Field: "height", Value: "0", Message: "must be positive"}
		}
		if desc.Cube {
			if size.DepthOrArrayLayers <= 1 {
				layers = CubeFaces
			}
			if layers%CubeFaces != 0 {
				return &core.ConfigError{Field: "depth_or_array_layers", Value: fmt.Sprint(layers), Message: "cube textures need a multiple of six layers"}
			}
			if size.Width != size.Height {
				return &core.ConfigError{Field: "size", Value: fmt.Sprintf("%dx%d", size.Width, size.Height), Message: "cube faces must be square"}
			}
		}
		t.width, t.height, t.depth, t.slices = size.Width, size.Height, 1, layers
	case gputypes.TextureDimension3D:
		if size.Height == 0 {
			return &core.ConfigError{Field: "height", Value: "0", Message: "must be positive"}
		}
		if desc.Cube {
			return &core.ConfigError{Field: "dimension", Value: "3d", Message: "3D textures cannot be cubes"}
		}
		t.width, t.height, t.depth, t.slices = size.Width, size.Height, layers, 1
	default:
		return &core.ConfigError{Field: "dimension", Value: fmt.Sprint(desc.Dimension), Message: "unknown texture dimension"}
	}
	desc.Size.DepthOrArrayLayers = layers

	maxMips := uint32(bits.Len32(max(t.width, t.height, t.depth)))
	if desc.MipLevelCount == 0 {
		desc.MipLevelCount = 1
	}
	if desc.MipLevelCount > maxMips {
		return &core.ConfigError{Field: "mip_level_count", Value: fmt.Sprint(desc.MipLevelCount), Message: fmt.Sprintf("at most %d levels fit", maxMips)}
	}

	t.mipOffsets = make([]uint64, desc.MipLevelCount)
	var off uint64
	for level := range desc.MipLevelCount {
		t.mipOffsets[level] = off
		m := t.mipSize(level)
		off += uint64(m.Width) * uint64(m.Height) * uint64(m.DepthOrArrayLayers) * uint64(bpp)
	}
	t.sliceBytes = off
	if t.sliceBytes*uint64(t.slices) > MaxBufferLength {
		return &core.ConfigError{Field: "size", Value: fmt.Sprint(t.sliceBytes * uint64(t.slices)), Message: "texture too large"}
	}
	return nil
}

func (t *Texture) Kind() Kind { return KindTexture }

// Descriptor returns the normalized descriptor the texture was created with.
func (t *Texture) Descriptor() TextureDescriptor { return t.desc }

func (t *Texture) Format() gputypes.TextureFormat       { return t.desc.Format }
func (t *Texture) Dimension() gputypes.TextureDimension { return t.desc.Dimension }
func (t *Texture) BytesPerPixel() uint32                { return t.bpp }
func (t *Texture) MipLevelCount() uint32                { return t.desc.MipLevelCount }

// SliceCount is the number of array layers (six per cube).
func (t *Texture) SliceCount() uint32 { return t.slices }

// MipSize returns the extent of a mip level; its DepthOrArrayLayers is the
// level's depth (1 for non-3D textures).
func (t *Texture) MipSize(level uint32) gputypes.Extent3D {
	return t.mipSize(level)
}

func (t *Texture) mipSize(level uint32) gputypes.Extent3D {
	return gputypes.Extent3D{
		Width:              max(t.width>>level, 1),
		Height:             max(t.height>>level, 1),
		DepthOrArrayLayers: max(t.depth>>level, 1),
	}
}

// CheckRegion validates a region against a level and slice.
func (t *Texture) CheckRegion(region Region, level, slice uint32) error {
	if level >= t.desc.MipLevelCount {
		return fmt.Errorf("texture %q level %d of %d: %w", t.label, level, t.desc.MipLevelCount, core.ErrOutOfBounds)
	}
	if slice >= t.slices {
		return fmt.Errorf("texture %q slice %d of %d: %w", t.label, slice, t.slices, core.ErrOutOfBounds)
	}
	m := t.mipSize(level)
	o, s := region.Origin, region.Size
	if s.Width == 0 || s.Height == 0 || s.DepthOrArrayLayers == 0 ||
		uint64(o.X)+uint64(s.Width) > uint64(m.Width) ||
		uint64(o.Y)+uint64(s.Height) > uint64(m.Height) ||
		uint64(o.Z)+uint64(s.DepthOrArrayLayers) > uint64(m.DepthOrArrayLayers) {
		return fmt.Errorf("texture %q region %v+%v outside level %d extent %v: %w", t.label, o, s, level, m, core.ErrOutOfBounds)
	}
	return nil
}

// LinearSize returns how many bytes a caller-side image of region with the
// given pitches spans. bytesPerImage is only consulted when the region is
// deeper than one texel.
func (t *Texture) LinearSize(region Region, bytesPerRow, bytesPerImage uint64) (uint64, error) {
	s := region.Size
	rowBytes := uint64(s.Width) * uint64(t.bpp)
	if bytesPerRow < rowBytes {
		return 0, fmt.Errorf("bytes per row %d below %d: %w", bytesPerRow, rowBytes, core.ErrOutOfBounds)
	}
	if s.DepthOrArrayLayers > 1 && bytesPerImage < bytesPerRow*uint64(s.Height) {
		return 0, fmt.Errorf("bytes per image %d below %d: %w", bytesPerImage, bytesPerRow*uint64(s.Height), core.ErrOutOfBounds)
	}
	n := uint64(s.Height-1)*bytesPerRow + rowBytes
	if s.DepthOrArrayLayers > 1 {
		n += uint64(s.DepthOrArrayLayers-1) * bytesPerImage
	}
	return n, nil
}

// Footprint returns the storage byte ranges covered by region. The region
// must have been validated with CheckRegion.
func (t *Texture) Footprint(region Region, level, slice uint32) Footprint {
	return func(fn func(off, length uint64)) {
		t.rows(region, level, slice, func(_, _ uint32, off uint64) {
			fn(off, uint64(region.Size.Width)*uint64(t.bpp))
		})
	}
}

// rows calls fn with the storage offset of every row of region.
func (t *Texture) rows(region Region, level, slice uint32, fn func(y, z uint32, off uint64)) {
	m := t.mipSize(level)
	bpp := uint64(t.bpp)
	rowPitch := uint64(m.Width) * bpp
	imagePitch := rowPitch * uint64(m.Height)
	base := uint64(slice)*t.sliceBytes + t.mipOffsets[level]
	o, s := region.Origin, region.Size
	for z := range s.DepthOrArrayLayers {
		for y := range s.Height {
			off := base + uint64(o.Z+z)*imagePitch + uint64(o.Y+y)*rowPitch + uint64(o.X)*bpp
			fn(y, z, off)
		}
	}
}

// ReplaceRegion copies src into region. src rows are bytesPerRow apart and
// src images bytesPerImage apart.
func (t *Texture) ReplaceRegion(region Region, level, slice uint32, src []byte, bytesPerRow, bytesPerImage uint64) error {
	if err := t.CheckRegion(region, level, slice); err != nil {
		return err
	}
	need, err := t.LinearSize(region, bytesPerRow, bytesPerImage)
	if err != nil {
		return err
	}
	if uint64(len(src)) < need {
		return fmt.Errorf("source of %d bytes, region needs %d: %w", len(src), need, core.ErrOutOfBounds)
	}
	rowBytes := uint64(region.Size.Width) * uint64(t.bpp)
	return t.mutate(func(dst []byte) {
		t.rows(region, level, slice, func(y, z uint32, off uint64) {
			s := uint64(z)*bytesPerImage + uint64(y)*bytesPerRow
			copy(dst[off:off+rowBytes], src[s:s+rowBytes])
		})
	})
}

// GetBytes copies region into dst using the given pitches.
func (t *Texture) GetBytes(dst []byte, bytesPerRow, bytesPerImage uint64, region Region, level, slice uint32) error {
	if err := t.CheckRegion(region, level, slice); err != nil {
		return err
	}
	need, err := t.LinearSize(region, bytesPerRow, bytesPerImage)
	if err != nil {
		return err
	}
	if uint64(len(dst)) < need {
		return fmt.Errorf("destination of %d bytes, region needs %d: %w", len(dst), need, core.ErrOutOfBounds)
	}
	data, err := t.snapshot()
	if err != nil {
		return err
	}
	rowBytes := uint64(region.Size.Width) * uint64(t.bpp)
	t.rows(region, level, slice, func(y, z uint32, off uint64) {
		d := uint64(z)*bytesPerImage + uint64(y)*bytesPerRow
		copy(dst[d:d+rowBytes], data[off:off+rowBytes])
	})
	return nil
}
