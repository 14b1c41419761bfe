package device

import (
	"bytes"
	"sync/atomic"

	"github.com/INLOpen/gpustream/core"
)

// Kind distinguishes the closed set of resource types.
type Kind uint8

const (
	KindBuffer Kind = iota + 1
	KindTexture
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	default:
		return "unknown"
	}
}

// Resource is a device-resident destination. The set of implementations is
// closed: *Buffer and *Texture.
type Resource interface {
	ID() uint64
	Label() string
	Kind() Kind
	Device() *Device
	// Retain adds a reference. It reports false if the resource was
	// already released.
	Retain() bool
	// Release drops a reference; the backing store is freed with the last one.
	Release()
	Released() bool
	AllocatedSize() uint64

	store() *storage
}

var resourceIDs atomic.Uint64

// storage is the copy-on-write backing store shared by buffers and textures.
type storage struct {
	id    uint64
	label string
	dev   *Device
	size  uint64

	data atomic.Pointer[[]byte]
	refs atomic.Int64
}

func newStorage(dev *Device, label string, size uint64) *storage {
	s := &storage{
		id:    resourceIDs.Add(1),
		label: label,
		dev:   dev,
		size:  size,
	}
	b := make([]byte, size)
	s.data.Store(&b)
	s.refs.Store(1)
	dev.resources.Add(1)
	return s
}

func (s *storage) ID() uint64            { return s.id }
func (s *storage) Label() string         { return s.label }
func (s *storage) Device() *Device       { return s.dev }
func (s *storage) AllocatedSize() uint64 { return s.size }
func (s *storage) store() *storage       { return s }

func (s *storage) Retain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *storage) Release() {
	if s.refs.Add(-1) == 0 {
		s.data.Store(nil)
		s.dev.resources.Add(-1)
	}
}

func (s *storage) Released() bool { return s.refs.Load() <= 0 }

// snapshot returns the currently published bytes. Callers must not modify them.
func (s *storage) snapshot() ([]byte, error) {
	p := s.data.Load()
	if p == nil {
		return nil, core.ErrResourceReleased
	}
	return *p, nil
}

// mutate copies the published bytes, applies fn and publishes the result.
// Publication is a plain store, so a concurrent mutate that started from
// the same snapshot overwrites this one.
func (s *storage) mutate(fn func(b []byte)) error {
	cur := s.data.Load()
	if cur == nil {
		return core.ErrResourceReleased
	}
	next := bytes.Clone(*cur)
	fn(next)
	s.data.Store(&next)
	if s.Released() {
		s.data.Store(nil)
		return core.ErrResourceReleased
	}
	return nil
}

// Footprint calls fn for every destination byte range a write of the given
// shape would touch, in increasing offset order.
type Footprint func(fn func(off, length uint64))
