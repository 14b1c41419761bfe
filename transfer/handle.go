package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/gpustream/container"
	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/INLOpen/gpustream/sys"
)

// Handle is a read-only binding to a compressed container on storage.
// The container's header and index are parsed on first use. A Handle is
// safe for concurrent use by any number of batches.
type Handle struct {
	dev    *device.Device
	uri    string
	path   string
	method core.CompressionType
	label  atomic.Pointer[string]

	file    sys.FileHandle
	untrack func()

	mu       sync.Mutex
	reader   *container.Reader
	bindErr  error
	closed   bool
	closeErr error

	refs  atomic.Int64
	owned atomic.Bool

	logger *slog.Logger
}

type handleOptions struct {
	label  string
	logger *slog.Logger
	hooks  hooks.HookManager
}

// HandleOption configures OpenHandle.
type HandleOption func(*handleOptions)

func WithHandleLabel(label string) HandleOption {
	return func(o *handleOptions) { o.label = label }
}

func WithHandleLogger(logger *slog.Logger) HandleOption {
	return func(o *handleOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHandleHooks(hm hooks.HookManager) HandleOption {
	return func(o *handleOptions) {
		if hm != nil {
			o.hooks = hm
		}
	}
}

// OpenHandle binds uri, a file:// URI or a plain path, to dev. A missing
// or unreadable container yields a *core.HandleError wrapping
// core.ErrNotFound or core.ErrPermission. A container whose method differs
// from method is only detected when the handle is first read.
func OpenHandle(dev *device.Device, uri string, method core.CompressionType, opts ...HandleOption) (*Handle, error) {
	o := handleOptions{hooks: hooks.Noop()}
	if dev != nil {
		o.logger = dev.Logger()
	} else {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, opt := range opts {
		opt(&o)
	}

	h, err := openHandle(dev, uri, method, &o)

	payload := hooks.HandleOpenPayload{URI: uri, Method: method, Error: err}
	if h != nil {
		payload.Path = h.path
	}
	_ = o.hooks.Trigger(context.Background(), hooks.NewPostHandleOpenEvent(payload))
	if err != nil {
		o.logger.Debug("Source handle rejected.", "component", "Handle", "uri", uri, "error", err)
		return nil, err
	}
	return h, nil
}

func openHandle(dev *device.Device, uri string, method core.CompressionType, o *handleOptions) (*Handle, error) {
	if dev == nil {
		return nil, &core.HandleError{URI: uri, Err: core.ErrNilArgument}
	}
	if !method.IsValid() {
		return nil, &core.HandleError{URI: uri, Err: fmt.Errorf("%w: %d", core.ErrUnsupportedMethod, method)}
	}
	path, err := PathFromURI(uri)
	if err != nil {
		return nil, &core.HandleError{URI: uri, Err: err}
	}
	if dev.Closed() {
		return nil, &core.HandleError{URI: uri, Err: core.ErrDeviceClosed}
	}

	f, err := sys.Open(path)
	if err != nil {
		return nil, &core.HandleError{URI: uri, Err: classifyOpenError(err)}
	}
	if err := sys.AdviseSequential(f, 0, 0); err != nil && !errors.Is(err, sys.ErrAdviseNotSupported) {
		o.logger.Debug("Read-ahead advice failed.", "path", path, "error", err)
	}

	h := &Handle{
		dev:    dev,
		uri:    uri,
		path:   path,
		method: method,
		file:   f,
		logger: o.logger.With("component", "Handle", "path", path),
	}
	h.label.Store(&o.label)
	h.refs.Store(1)
	h.owned.Store(true)

	untrack, err := dev.Track(closerFunc(h.closeFile))
	if err != nil {
		f.Close()
		return nil, &core.HandleError{URI: uri, Err: err}
	}
	h.untrack = untrack
	h.logger.Debug("Source handle opened.", "method", method)
	return h, nil
}

func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", core.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", core.ErrPermission, err)
	default:
		return err
	}
}

// PathFromURI returns the filesystem path named by uri. It accepts plain
// paths, file:///abs and the file:////abs form.
func PathFromURI(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty", core.ErrInvalidURI)
	}
	if !strings.Contains(uri, "://") {
		return filepath.Clean(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrInvalidURI, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: scheme %q", core.ErrInvalidURI, u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("%w: remote host %q", core.ErrInvalidURI, u.Host)
	}
	if u.Path == "" {
		return "", fmt.Errorf("%w: no path", core.ErrInvalidURI)
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (h *Handle) URI() string                  { return h.uri }
func (h *Handle) Path() string                 { return h.path }
func (h *Handle) Method() core.CompressionType { return h.method }
func (h *Handle) Device() *device.Device       { return h.dev }

func (h *Handle) Label() string { return *h.label.Load() }

func (h *Handle) SetLabel(label string) { h.label.Store(&label) }

// bind parses the container once and checks it against the declared method.
func (h *Handle) bind() (*container.Reader, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reader != nil || h.bindErr != nil {
		return h.reader, h.bindErr
	}
	if h.closed {
		return nil, &core.HandleError{URI: h.uri, Err: core.ErrResourceReleased}
	}
	r, err := container.NewReader(h.file, container.WithChunkCache(h.dev.ChunkCache()))
	if err != nil {
		if !errors.Is(err, core.ErrFormat) {
			err = fmt.Errorf("%w: %v", core.ErrFormat, err)
		}
		h.bindErr = &core.HandleError{URI: h.uri, Err: err}
		h.logger.Warn("Source container is unreadable.", "error", err)
		return nil, h.bindErr
	}
	if r.Method() != h.method {
		r.Close()
		h.bindErr = &core.HandleError{URI: h.uri, Err: fmt.Errorf("%w: declared %s, container holds %s", core.ErrFormat, h.method, r.Method())}
		h.logger.Warn("Source container method mismatch.", "declared", h.method, "actual", r.Method())
		return nil, h.bindErr
	}
	h.reader = r
	return r, nil
}

// Reader returns the parsed container, opening it on first use.
func (h *Handle) Reader() (*container.Reader, error) {
	if h.refs.Load() <= 0 {
		return nil, &core.HandleError{URI: h.uri, Err: core.ErrResourceReleased}
	}
	return h.bind()
}

// Size returns the uncompressed length of the container.
func (h *Handle) Size() (uint64, error) {
	r, err := h.Reader()
	if err != nil {
		return 0, err
	}
	return r.Size(), nil
}

// ReadAt reads decoded bytes at off.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	r, err := h.Reader()
	if err != nil {
		return 0, err
	}
	return r.ReadAt(p, off)
}

// Retain adds a reference; it reports false once the handle is closed.
func (h *Handle) Retain() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. The file is closed with the last one.
func (h *Handle) Release() {
	if h.refs.Add(-1) == 0 {
		if h.untrack != nil {
			h.untrack()
		}
		_ = h.closeFile()
	}
}

// Close drops the caller's reference. Batches that retained the handle
// keep it readable until they finish.
func (h *Handle) Close() error {
	if h.owned.CompareAndSwap(true, false) {
		h.Release()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeErr
}

func (h *Handle) closeFile() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return h.closeErr
	}
	h.closed = true
	h.refs.Store(0)
	if h.reader != nil {
		h.reader.Close()
	}
	h.closeErr = h.file.Close()
	h.logger.Debug("Source handle closed.", "error", h.closeErr)
	return h.closeErr
}
