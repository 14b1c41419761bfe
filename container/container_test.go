package container

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/gpustream/cache"
	"github.com/INLOpen/gpustream/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func writeContainer(t *testing.T, method core.CompressionType, chunkSize int, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data."+method.String())
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f, method, chunkSize)
	require.NoError(t, err)
	// Write in uneven pieces so chunk boundaries never line up with calls.
	for rest := data; len(rest) > 0; {
		n := min(len(rest), 1+len(rest)/3)
		_, err := w.Write(rest[:n])
		require.NoError(t, err)
		rest = rest[n:]
	}
	_, err = w.Finish()
	require.NoError(t, err)
	return path
}

func testPayload(n int) []byte {
	rnd := rand.New(rand.NewSource(int64(n)))
	out := make([]byte, n)
	for i := range out {
		// Runs of repeated bytes keep the data compressible.
		if i%64 < 48 {
			out[i] = byte(i / 64)
		} else {
			out[i] = byte(rnd.Intn(256))
		}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	data := testPayload(10_000)
	for _, method := range core.CompressionTypes() {
		for _, chunkSize := range []int{100, 256, 4096, 1 << 16} {
			t.Run(method.String(), func(t *testing.T) {
				path := writeContainer(t, method, chunkSize, data)
				r, err := Open(path)
				require.NoError(t, err)
				defer r.Close()

				assert.Equal(t, method, r.Method())
				assert.Equal(t, chunkSize, r.ChunkSize())
				assert.Equal(t, uint64(len(data)), r.Size())
				want := blake3.Sum256(data)
				assert.Equal(t, want[:], r.Digest())

				got := make([]byte, len(data))
				n, err := r.ReadAt(got, 0)
				require.NoError(t, err)
				assert.Equal(t, len(data), n)
				assert.Equal(t, data, got)
				require.NoError(t, r.Verify())
			})
		}
	}
}

func TestScenarioABCD(t *testing.T) {
	data := bytes.Repeat([]byte("abcd"), 256)
	path := writeContainer(t, core.CompressionLZ4, 256, data)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	ix := r.Index()
	require.Len(t, ix.Chunks, 4)
	for _, c := range ix.Chunks {
		assert.Equal(t, core.CompressionLZ4, c.Codec)
		assert.Less(t, c.StoredLen, c.RawLen)
	}
	got, err := io.ReadAll(io.NewSectionReader(r, 0, int64(r.Size())))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadAtRanges(t *testing.T) {
	data := testPayload(3000)
	path := writeContainer(t, core.CompressionZSTD, 256, data)
	r, err := Open(path, WithChunkCache(cache.New(cache.Options[ChunkKey, []byte]{Capacity: 4})))
	require.NoError(t, err)
	defer r.Close()

	testCases := []struct {
		name string
		off  int64
		n    int
	}{
		{"inside one chunk", 10, 20},
		{"across boundary", 250, 20},
		{"across many chunks", 100, 1500},
		{"tail", 2990, 10},
		{"zero length", 5, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, tc.n)
			n, err := r.ReadAt(buf, tc.off)
			require.NoError(t, err)
			assert.Equal(t, tc.n, n)
			assert.Equal(t, data[tc.off:tc.off+int64(tc.n)], buf)
		})
	}

	t.Run("short read at end", func(t *testing.T) {
		buf := make([]byte, 20)
		n, err := r.ReadAt(buf, 2990)
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, 10, n)
		assert.Equal(t, data[2990:], buf[:n])
	})

	t.Run("past end", func(t *testing.T) {
		_, err := r.ReadAt(make([]byte, 1), 3000)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("negative offset", func(t *testing.T) {
		_, err := r.ReadAt(make([]byte, 1), -1)
		assert.ErrorIs(t, err, core.ErrOutOfBounds)
	})
}

func TestIdempotentReads(t *testing.T) {
	data := testPayload(5000)
	path := writeContainer(t, core.CompressionS2, 512, data)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	first := make([]byte, len(data))
	second := make([]byte, len(data))
	_, err = r.ReadAt(first, 0)
	require.NoError(t, err)
	_, err = r.ReadAt(second, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEmptyContainer(t *testing.T) {
	path := writeContainer(t, core.CompressionLZ4, 128, nil)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, uint64(0), r.Size())
	assert.Empty(t, r.Index().Chunks)
	_, err = r.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, r.Verify())
}

func TestIncompressibleChunksStoredRaw(t *testing.T) {
	data := make([]byte, 2048)
	rand.New(rand.NewSource(3)).Read(data)
	path := writeContainer(t, core.CompressionSnappy, 1024, data)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	for _, c := range r.Index().Chunks {
		assert.Equal(t, core.CompressionNone, c.Codec)
		assert.Equal(t, c.RawLen, c.StoredLen)
	}
	got := make([]byte, len(data))
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCorruption(t *testing.T) {
	data := testPayload(4096)

	t.Run("bad magic", func(t *testing.T) {
		path := writeContainer(t, core.CompressionLZ4, 1024, data)
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		raw[0] ^= 0xff
		require.NoError(t, os.WriteFile(path, raw, 0o644))
		_, err = Open(path)
		assert.ErrorIs(t, err, core.ErrFormat)
	})

	t.Run("truncated", func(t *testing.T) {
		path := writeContainer(t, core.CompressionLZ4, 1024, data)
		require.NoError(t, os.Truncate(path, 10))
		_, err := Open(path)
		assert.ErrorIs(t, err, core.ErrFormat)
	})

	t.Run("payload bit flip", func(t *testing.T) {
		path := writeContainer(t, core.CompressionNone, 1024, data)
		r, err := Open(path)
		require.NoError(t, err)
		off := r.Index().Chunks[1].Offset
		require.NoError(t, r.Close())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		raw[off+7] ^= 0x01
		require.NoError(t, os.WriteFile(path, raw, 0o644))

		r, err = Open(path)
		require.NoError(t, err)
		defer r.Close()
		_, err = r.ReadAt(make([]byte, 10), 1024)
		assert.ErrorIs(t, err, core.ErrChecksum)
		assert.ErrorIs(t, r.Verify(), core.ErrChecksum)
	})

	t.Run("not a container", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain.txt")
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 100), 0o644))
		_, err := Open(path)
		assert.ErrorIs(t, err, core.ErrFormat)
	})
}

func TestNewWriterValidation(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewWriter(&buf, core.CompressionLZ4, 0)
	assert.True(t, core.IsConfigError(err))
	_, err = NewWriter(&buf, core.CompressionType(99), 256)
	assert.True(t, core.IsConfigError(err))
	_, err = NewWriter(&buf, core.CompressionLZ4, core.MaxChunkSize+1)
	assert.True(t, core.IsConfigError(err))
	assert.Zero(t, buf.Len(), "validation must happen before any output")
}

func TestWriterFinishTwice(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, core.CompressionLZ4, 64)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), w.RawSize())
	_, err = w.Finish()
	require.NoError(t, err)
	_, err = w.Finish()
	assert.ErrorIs(t, err, core.ErrContextFlushed)
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, core.ErrContextFlushed)
}

func TestWriterAbort(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, core.CompressionLZ4, 64)
	require.NoError(t, err)
	require.NotNil(t, w.scratch)
	_, err = w.Write(bytes.Repeat([]byte("z"), 100))
	require.NoError(t, err)
	written := buf.Len()

	w.Abort()
	assert.Nil(t, w.scratch, "scratch buffer goes back to the pool")

	w.Abort()
	_, err = w.Finish()
	assert.ErrorIs(t, err, core.ErrContextFlushed)
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, core.ErrContextFlushed)
	assert.Equal(t, written, buf.Len(), "no index or trailer after abort")
}

func TestChunkCacheSharedAndDropped(t *testing.T) {
	data := testPayload(2048)
	path := writeContainer(t, core.CompressionLZ4, 512, data)
	shared := cache.New(cache.Options[ChunkKey, []byte]{Capacity: 64})

	r, err := Open(path, WithChunkCache(shared))
	require.NoError(t, err)
	_, err = r.ReadAt(make([]byte, 2048), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, shared.Len())

	require.NoError(t, r.Close())
	assert.Equal(t, 0, shared.Len())
}
