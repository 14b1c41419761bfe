// Package device emulates an accelerator in host memory. Buffers and
// textures are device-resident resources with reference counts; their
// backing stores are published copy-on-write and are not locked, so two
// concurrent writers to one resource may lose each other's updates.
package device

import (
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/gpustream/cache"
	"github.com/INLOpen/gpustream/container"
	"github.com/INLOpen/gpustream/core"
)

const (
	// DefaultChunkCacheEntries bounds the number of decoded chunks a device keeps.
	DefaultChunkCacheEntries = 256
	// DefaultChunkCacheBytes bounds the decoded bytes a device keeps.
	DefaultChunkCacheBytes = 64 << 20
)

var (
	chunkCacheHits   = expvar.NewInt("gpustream_chunk_cache_hits")
	chunkCacheMisses = expvar.NewInt("gpustream_chunk_cache_misses")
	devicesOpen      = expvar.NewInt("gpustream_devices_open")
)

var deviceIDs atomic.Uint64

// Device owns resources, tracked source handles and a decoded-chunk cache
// shared by every handle bound to it.
type Device struct {
	id     uint64
	name   string
	logger *slog.Logger

	chunks *cache.LRU[container.ChunkKey, []byte]

	mu      sync.Mutex
	closed  bool
	nextTag uint64
	tracked map[uint64]io.Closer

	resources atomic.Int64
}

type deviceOptions struct {
	name          string
	logger        *slog.Logger
	cacheEntries  int
	cacheMaxBytes int64
}

// Option configures a Device.
type Option func(*deviceOptions)

func WithName(name string) Option {
	return func(o *deviceOptions) { o.name = name }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *deviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithChunkCache sizes the decoded-chunk cache. An entry count <= 0
// disables caching.
func WithChunkCache(entries int, maxBytes int64) Option {
	return func(o *deviceOptions) {
		o.cacheEntries = entries
		o.cacheMaxBytes = maxBytes
	}
}

// New creates an emulated device.
func New(opts ...Option) *Device {
	o := deviceOptions{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		cacheEntries:  DefaultChunkCacheEntries,
		cacheMaxBytes: DefaultChunkCacheBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	id := deviceIDs.Add(1)
	if o.name == "" {
		o.name = fmt.Sprintf("device-%d", id)
	}

	chunks := cache.New(cache.Options[container.ChunkKey, []byte]{
		Capacity: o.cacheEntries,
		MaxCost:  o.cacheMaxBytes,
		Cost:     func(b []byte) int64 { return int64(len(b)) },
	})
	chunks.SetMetrics(chunkCacheHits, chunkCacheMisses)

	d := &Device{
		id:      id,
		name:    o.name,
		logger:  o.logger.With("component", "Device", "device", o.name),
		chunks:  chunks,
		tracked: make(map[uint64]io.Closer),
	}
	devicesOpen.Add(1)
	d.logger.Debug("Device created.", "chunk_cache_entries", o.cacheEntries, "chunk_cache_bytes", o.cacheMaxBytes)
	return d
}

var systemDefault = sync.OnceValue(func() *Device {
	return New(WithName("system-default"))
})

// SystemDefault returns the process-wide device, creating it on first use.
func SystemDefault() *Device { return systemDefault() }

func (d *Device) ID() uint64   { return d.id }
func (d *Device) Name() string { return d.name }

// Logger returns the device's logger so components bound to it can log
// under the same device attribute.
func (d *Device) Logger() *slog.Logger { return d.logger }

// ChunkCache returns the decoded-chunk cache shared by handles of this device.
func (d *Device) ChunkCache() *cache.LRU[container.ChunkKey, []byte] { return d.chunks }

// LiveResources returns the number of resources not yet fully released.
func (d *Device) LiveResources() int64 { return d.resources.Load() }

// Track registers c to be closed when the device closes. The returned
// function unregisters it.
func (d *Device) Track(c io.Closer) (untrack func(), err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, core.ErrDeviceClosed
	}
	d.nextTag++
	tag := d.nextTag
	d.tracked[tag] = c
	return func() {
		d.mu.Lock()
		delete(d.tracked, tag)
		d.mu.Unlock()
	}, nil
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close closes every tracked closer and drops cached chunks. Resources stay
// readable until released.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	tracked := d.tracked
	d.tracked = nil
	d.mu.Unlock()

	var firstErr error
	for _, c := range tracked {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.chunks.Clear()
	devicesOpen.Add(-1)
	d.logger.Debug("Device closed.", "tracked", len(tracked))
	return firstErr
}

func (d *Device) checkOpen() error {
	if d.Closed() {
		return core.ErrDeviceClosed
	}
	return nil
}
