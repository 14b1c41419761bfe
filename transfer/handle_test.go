package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/INLOpen/gpustream/internal/testutil"
	"github.com/INLOpen/gpustream/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T) *device.Device {
	t.Helper()
	dev := device.New(device.WithName(t.Name()))
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestPathFromURI(t *testing.T) {
	testCases := []struct {
		name    string
		uri     string
		want    string
		wantErr bool
	}{
		{"Plain path", "/tmp/a/../b.lz4", "/tmp/b.lz4", false},
		{"Relative path", "data/b.lz4", "data/b.lz4", false},
		{"File URI", "file:///tmp/b.lz4", "/tmp/b.lz4", false},
		{"Four slashes", "file:////tmp/b.lz4", "/tmp/b.lz4", false},
		{"Localhost", "file://localhost/tmp/b.lz4", "/tmp/b.lz4", false},
		{"Empty", "", "", true},
		{"Other scheme", "https://example.com/b.lz4", "", true},
		{"Remote host", "file://server/b.lz4", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PathFromURI(tc.uri)
			if tc.wantErr {
				assert.ErrorIs(t, err, core.ErrInvalidURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tc.want), got)
		})
	}
}

func TestOpenHandle_Errors(t *testing.T) {
	dev := newTestDevice(t)
	dir := t.TempDir()

	t.Run("Nonexistent path", func(t *testing.T) {
		h, err := OpenHandle(dev, "file://"+filepath.Join(dir, "missing.lz4"), core.CompressionLZ4)
		require.Error(t, err)
		assert.Nil(t, h)
		assert.True(t, core.IsHandleError(err))
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Permission denied", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores file permissions")
		}
		path := testutil.WriteContainer(t, dir, "locked.lz4", core.CompressionLZ4, 256, testutil.Repeat("x", 10))
		require.NoError(t, os.Chmod(path, 0o000))
		_, err := OpenHandle(dev, path, core.CompressionLZ4)
		assert.True(t, core.IsHandleError(err))
		assert.ErrorIs(t, err, core.ErrPermission)
	})

	t.Run("Unknown method", func(t *testing.T) {
		_, err := OpenHandle(dev, filepath.Join(dir, "x"), core.CompressionType(99))
		assert.True(t, core.IsHandleError(err))
		assert.ErrorIs(t, err, core.ErrUnsupportedMethod)
	})

	t.Run("Nil device", func(t *testing.T) {
		_, err := OpenHandle(nil, filepath.Join(dir, "x"), core.CompressionLZ4)
		assert.True(t, core.IsHandleError(err))
	})

	t.Run("Closed device", func(t *testing.T) {
		closed := device.New()
		require.NoError(t, closed.Close())
		path := testutil.WriteContainer(t, dir, "ok.lz4", core.CompressionLZ4, 256, testutil.Repeat("x", 10))
		_, err := OpenHandle(closed, path, core.CompressionLZ4)
		assert.True(t, core.IsHandleError(err))
		assert.ErrorIs(t, err, core.ErrDeviceClosed)
	})
}

func TestHandle_LazyFormatErrors(t *testing.T) {
	dev := newTestDevice(t)
	dir := t.TempDir()

	t.Run("Not a container", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.lz4")
		require.NoError(t, os.WriteFile(path, []byte("definitely not a container, just some bytes"), 0o644))
		h, err := OpenHandle(dev, path, core.CompressionLZ4)
		require.NoError(t, err, "format is only checked on first use")
		defer h.Close()

		_, err = h.Size()
		assert.True(t, core.IsHandleError(err))
		assert.ErrorIs(t, err, core.ErrFormat)
	})

	t.Run("Method mismatch", func(t *testing.T) {
		path := testutil.WriteContainer(t, dir, "data.zstd", core.CompressionZSTD, 256, testutil.Repeat("abcd", 64))
		h, err := OpenHandle(dev, path, core.CompressionLZ4)
		require.NoError(t, err)
		defer h.Close()

		_, err = h.Size()
		assert.ErrorIs(t, err, core.ErrFormat)
		assert.Contains(t, err.Error(), "declared lz4")
	})
}

func TestHandle_SizeAndRead(t *testing.T) {
	dev := newTestDevice(t)
	data := testutil.Pattern(5000, 3)
	path := testutil.WriteContainer(t, t.TempDir(), "p.s2", core.CompressionS2, 1024, data)

	h, err := OpenHandle(dev, "file://"+path, core.CompressionS2, WithHandleLabel("pattern"))
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, "pattern", h.Label())
	h.SetLabel("renamed")
	assert.Equal(t, "renamed", h.Label())
	assert.Equal(t, path, h.Path())

	size, err := h.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), size)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := make([]byte, 300)
			off := int64(i * 500)
			n, rerr := h.ReadAt(p, off)
			assert.NoError(t, rerr)
			assert.Equal(t, data[off:off+int64(n)], p[:n])
		}()
	}
	wg.Wait()
}

func TestHandle_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteContainer(t, dir, "l.lz4", core.CompressionLZ4, 256, testutil.Repeat("abcd", 10))

	t.Run("Retained handle outlives Close", func(t *testing.T) {
		dev := newTestDevice(t)
		h, err := OpenHandle(dev, path, core.CompressionLZ4)
		require.NoError(t, err)
		require.True(t, h.Retain())
		require.NoError(t, h.Close())
		require.NoError(t, h.Close(), "close is idempotent")

		_, err = h.Size()
		require.NoError(t, err)
		h.Release()
		_, err = h.Size()
		assert.ErrorIs(t, err, core.ErrResourceReleased)
		assert.False(t, h.Retain())
	})

	t.Run("Device close closes handles", func(t *testing.T) {
		dev := device.New()
		h, err := OpenHandle(dev, path, core.CompressionLZ4)
		require.NoError(t, err)
		require.NoError(t, dev.Close())
		_, err = h.Size()
		assert.ErrorIs(t, err, core.ErrResourceReleased)
		require.NoError(t, h.Close())
	})
}

type recordingListener struct {
	mu     sync.Mutex
	events []hooks.HookEvent
}

func (l *recordingListener) OnEvent(_ context.Context, e hooks.HookEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *recordingListener) Priority() int { return 0 }
func (l *recordingListener) IsAsync() bool { return false }

func (l *recordingListener) Events() []hooks.HookEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]hooks.HookEvent(nil), l.events...)
}

func TestOpenHandle_Hook(t *testing.T) {
	dev := newTestDevice(t)
	hm := hooks.NewHookManager(nil)
	rec := &recordingListener{}
	hm.Register(hooks.EventPostHandleOpen, rec)

	missing := filepath.Join(t.TempDir(), "missing")
	_, err := OpenHandle(dev, missing, core.CompressionNone, WithHandleHooks(hm))
	require.Error(t, err)

	events := rec.Events()
	require.Len(t, events, 1)
	payload, ok := events[0].Payload().(hooks.HandleOpenPayload)
	require.True(t, ok)
	assert.Equal(t, missing, payload.URI)
	assert.ErrorIs(t, payload.Error, core.ErrNotFound)
}

// keepOpened records the files it opens.
type keepOpened struct {
	sys.File
	mu    sync.Mutex
	files []*os.File
}

func (k *keepOpened) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := k.File.OpenFile(name, flag, perm)
	if err == nil {
		k.mu.Lock()
		k.files = append(k.files, f)
		k.mu.Unlock()
	}
	return f, err
}

func TestDeviceCloseReportsHandleCloseError(t *testing.T) {
	dev := newTestDevice(t)
	path := testutil.WriteContainer(t, t.TempDir(), "c.lz4", core.CompressionLZ4, 64, testutil.Repeat("c", 64))

	opened := &keepOpened{File: sys.NewFile()}
	prev := sys.SetDefaultFile(opened)
	t.Cleanup(func() { sys.SetDefaultFile(prev) })

	_, err := OpenHandle(dev, path, core.CompressionLZ4)
	require.NoError(t, err)
	require.Len(t, opened.files, 1)
	// Closing the descriptor underneath the handle makes its own close fail.
	require.NoError(t, opened.files[0].Close())

	err = dev.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrClosed)
}
