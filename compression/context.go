// Package compression writes containers through a stateful, single-writer
// compression context.
package compression

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/gpustream/container"
	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/INLOpen/gpustream/sys"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/INLOpen/gpustream/compression"

// DefaultChunkSize returns the chunk size used when callers have no preference.
func DefaultChunkSize() int {
	return core.DefaultChunkSize
}

type options struct {
	logger     *slog.Logger
	hooks      hooks.HookManager
	tracer     trace.Tracer
	compressor core.Compressor
	sizeHint   int64
}

// Option configures a Context.
type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHooks(hm hooks.HookManager) Option {
	return func(o *options) {
		if hm != nil {
			o.hooks = hm
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithCompressor replaces the built-in codec for the context's method.
func WithCompressor(c core.Compressor) Option {
	return func(o *options) { o.compressor = c }
}

// WithSizeHint reserves n bytes for the destination up front. Filesystems
// without preallocation ignore it.
func WithSizeHint(n int64) Option {
	return func(o *options) { o.sizeHint = n }
}

// Context compresses appended bytes into a container at a destination path.
// The container becomes visible at the path only when Flush reports
// core.StatusComplete. A Context is not safe for concurrent use.
type Context struct {
	path      string
	tmpPath   string
	method    core.CompressionType
	chunkSize int

	file     sys.FileHandle
	reserved bool
	w        *container.Writer

	logger *slog.Logger
	hooks  hooks.HookManager
	tracer trace.Tracer

	err     error
	done    bool
	started time.Time
}

// Open validates its arguments and creates the context's temporary file.
// Invalid method or chunk size yield *core.ConfigError without touching the
// filesystem; an unusable path yields *core.PathError.
func Open(path string, method core.CompressionType, chunkSize int, opts ...Option) (*Context, error) {
	if err := container.ValidateMethod(method); err != nil {
		return nil, err
	}
	if err := container.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, &core.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}

	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		hooks:  hooks.Noop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}

	tmpPath := core.FormatTempFilename(path, core.TempFileSuffix)
	f, err := sys.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &core.PathError{Op: "create", Path: path, Err: err}
	}
	reserved := false
	if o.sizeHint > 0 {
		err := sys.Preallocate(f, o.sizeHint)
		reserved = err == nil
		if err != nil && !errors.Is(err, sys.ErrAdviseNotSupported) {
			o.logger.Debug("Preallocation failed.", "path", tmpPath, "size", o.sizeHint, "error", err)
		}
	}

	var wopts []container.WriterOption
	if o.compressor != nil {
		wopts = append(wopts, container.WithCompressor(o.compressor))
	}
	w, err := container.NewWriter(f, method, chunkSize, wopts...)
	if err != nil {
		f.Close()
		_ = sys.Remove(tmpPath)
		if core.IsConfigError(err) {
			return nil, err
		}
		return nil, &core.PathError{Op: "write", Path: path, Err: err}
	}

	return &Context{
		path:      path,
		tmpPath:   tmpPath,
		method:    method,
		chunkSize: chunkSize,
		file:      f,
		reserved:  reserved,
		w:         w,
		logger:    o.logger.With("component", "CompressionContext", "path", path, "method", method.String()),
		hooks:     o.hooks,
		tracer:    o.tracer,
		started:   time.Now(),
	}, nil
}

func (c *Context) Path() string                 { return c.path }
func (c *Context) Method() core.CompressionType { return c.method }
func (c *Context) ChunkSize() int               { return c.chunkSize }

// Append buffers p and compresses every completed chunk. A write failure is
// remembered and reported by Flush; later appends are ignored.
func (c *Context) Append(p []byte) {
	if c.done {
		c.logger.Warn("Append after flush ignored", "bytes", len(p))
		return
	}
	if c.err != nil || len(p) == 0 {
		return
	}
	if _, err := c.w.Write(p); err != nil {
		c.err = err
		c.logger.Error("Failed to compress appended data", "error", err)
	}
}

// Flush finalizes the container and consumes the context. It returns
// core.StatusComplete when the container was written, synced and moved into
// place, and core.StatusError otherwise. Calling Flush again returns
// core.StatusError.
func (c *Context) Flush() core.Status {
	if c.done {
		c.logger.Error("Flush called on a consumed context", "error", core.ErrContextFlushed)
		if c.err == nil {
			c.err = core.ErrContextFlushed
		}
		return core.StatusError
	}
	c.done = true

	ctx, span := c.tracer.Start(context.Background(), "compression.Flush", trace.WithAttributes(
		attribute.String("path", c.path),
		attribute.String("method", c.method.String()),
		attribute.Int("chunk_size", c.chunkSize),
	))
	defer span.End()

	err := c.hooks.Trigger(ctx, hooks.NewPreCompressionFlushEvent(hooks.CompressionFlushPayload{
		Path:     c.path,
		Method:   c.method,
		Chunks:   c.w.Chunks(),
		RawBytes: c.w.RawSize(),
	}))
	if err == nil {
		err = c.err
	}
	if err == nil {
		err = c.finalize()
	}

	status := core.StatusComplete
	if err != nil {
		status = core.StatusError
		c.err = err
		c.abort()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Compression flush failed", "error", err)
	} else {
		c.logger.Debug("Compression flush complete", "chunks", c.w.Chunks(), "raw_bytes", c.w.RawSize(), "stored_bytes", c.w.StoredSize())
	}
	span.SetAttributes(
		attribute.Int("chunks", c.w.Chunks()),
		attribute.Int64("raw_bytes", c.w.RawSize()),
		attribute.Int64("stored_bytes", c.w.StoredSize()),
	)

	_ = c.hooks.Trigger(ctx, hooks.NewPostCompressionFlushEvent(hooks.PostCompressionFlushPayload{
		Path:        c.path,
		Method:      c.method,
		Chunks:      c.w.Chunks(),
		RawBytes:    c.w.RawSize(),
		StoredBytes: c.w.StoredSize(),
		Status:      status,
		Error:       err,
		Duration:    time.Since(c.started),
	}))
	return status
}

func (c *Context) finalize() error {
	if _, err := c.w.Finish(); err != nil {
		return err
	}
	if c.reserved {
		// Release preallocated blocks past the end of the container.
		st, err := c.file.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", c.tmpPath, err)
		}
		if err := c.file.Truncate(st.Size()); err != nil {
			return fmt.Errorf("truncate %s: %w", c.tmpPath, err)
		}
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", c.tmpPath, err)
	}
	err := c.file.Close()
	c.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", c.tmpPath, err)
	}
	if err := sys.Rename(c.tmpPath, c.path); err != nil {
		return &core.PathError{Op: "rename", Path: c.path, Err: err}
	}
	if err := sys.SyncDir(filepath.Dir(c.path)); err != nil && !errors.Is(err, sys.ErrAdviseNotSupported) {
		c.logger.Warn("Failed to sync destination directory", "error", err)
	}
	return nil
}

// abort discards the writer and removes the temporary file.
func (c *Context) abort() {
	c.w.Abort()
	if c.file != nil {
		_ = c.file.Close()
		c.file = nil
	}
	if err := sys.Remove(c.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("Failed to remove temporary container", "tmp", c.tmpPath, "error", err)
	}
}

// Err returns the failure behind a StatusError flush, for diagnostics.
func (c *Context) Err() error { return c.err }

// Close discards an unflushed context. It is a no-op after Flush.
func (c *Context) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	c.abort()
	return nil
}

// WriteFile compresses data into a container at path in one call.
func WriteFile(path string, method core.CompressionType, chunkSize int, data []byte, opts ...Option) error {
	opts = append([]Option{WithSizeHint(int64(len(data)))}, opts...)
	cc, err := Open(path, method, chunkSize, opts...)
	if err != nil {
		return err
	}
	cc.Append(data)
	if status := cc.Flush(); status != core.StatusComplete {
		return fmt.Errorf("compress %s: flush finished with status %s: %w", path, status, cc.Err())
	}
	return nil
}
