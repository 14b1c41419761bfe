package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync/atomic"

	"github.com/INLOpen/gpustream/compressors"
	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/sys"
	"github.com/zeebo/blake3"
)

// ChunkKey identifies a decoded chunk in a shared cache.
type ChunkKey struct {
	Reader uint64
	Index  int
}

// ChunkCache stores decoded chunks. Implementations must be safe for
// concurrent use and must not modify cached slices.
type ChunkCache interface {
	Get(key ChunkKey) ([]byte, bool)
	Put(key ChunkKey, value []byte)
	RemoveFunc(match func(key ChunkKey) bool) int
}

var readerIDs atomic.Uint64

// Reader gives random access to the uncompressed content of a container.
// It is safe for concurrent use.
type Reader struct {
	id     uint64
	f      sys.FileHandle
	owned  bool
	header core.FileHeader
	index  *Index
	comp   core.Compressor
	cache  ChunkCache
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithChunkCache shares decoded chunks through c.
func WithChunkCache(c ChunkCache) ReaderOption {
	return func(r *Reader) { r.cache = c }
}

// Open opens the container at path. Errors from opening the file are
// returned unwrapped so callers can classify them with errors.Is.
func Open(path string, opts ...ReaderOption) (*Reader, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// NewReader parses the header, trailer and index of f. The caller keeps
// ownership of f.
func NewReader(f sys.FileHandle, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{id: readerIDs.Add(1), f: f}
	for _, opt := range opts {
		opt(r)
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat container: %w", err)
	}
	size := fi.Size()
	headerSize := int64(r.header.Size())
	if size < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: file of %d bytes is too short", core.ErrFormat, size)
	}

	hb := make([]byte, headerSize)
	if _, err := f.ReadAt(hb, 0); err != nil {
		return nil, fmt.Errorf("read container header: %w", err)
	}
	if err := binary.Read(bytes.NewReader(hb), binary.LittleEndian, &r.header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", core.ErrFormat, err)
	}
	if r.header.Magic != core.ContainerMagicNumber {
		return nil, fmt.Errorf("%w: bad magic %#x", core.ErrFormat, r.header.Magic)
	}
	if r.header.Version != core.FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrFormat, r.header.Version)
	}

	tb := make([]byte, trailerSize)
	if _, err := f.ReadAt(tb, size-trailerSize); err != nil {
		return nil, fmt.Errorf("read container trailer: %w", err)
	}
	tr := parseTrailer(tb)
	if tr.Magic != core.ContainerTrailerMagic {
		return nil, fmt.Errorf("%w: bad trailer magic %#x", core.ErrFormat, tr.Magic)
	}
	if tr.IndexOffset < uint64(headerSize) || tr.IndexOffset+uint64(tr.IndexLen) != uint64(size-trailerSize) {
		return nil, fmt.Errorf("%w: index at %d+%d does not end at trailer", core.ErrFormat, tr.IndexOffset, tr.IndexLen)
	}

	ib := make([]byte, tr.IndexLen)
	if _, err := f.ReadAt(ib, int64(tr.IndexOffset)); err != nil {
		return nil, fmt.Errorf("read container index: %w", err)
	}
	r.index, err = decodeIndex(ib)
	if err != nil {
		return nil, err
	}
	if err := r.validateIndex(tr.IndexOffset); err != nil {
		return nil, err
	}

	r.comp, err = compressors.ForType(r.header.CompressorType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFormat, err)
	}
	return r, nil
}

func (r *Reader) validateIndex(indexOffset uint64) error {
	ix := r.index
	if ix.Method != r.header.CompressorType || ix.ChunkSize != r.header.ChunkSize {
		return fmt.Errorf("%w: index disagrees with header", core.ErrFormat)
	}
	if ix.ChunkSize == 0 || ix.ChunkSize > core.MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d", core.ErrFormat, ix.ChunkSize)
	}
	var raw uint64
	for i, c := range ix.Chunks {
		if c.Codec != ix.Method && c.Codec != core.CompressionNone {
			return fmt.Errorf("%w: chunk %d uses %s in a %s container", core.ErrFormat, i, c.Codec, ix.Method)
		}
		if c.RawOffset != raw {
			return fmt.Errorf("%w: chunk %d starts at %d, want %d", core.ErrFormat, i, c.RawOffset, raw)
		}
		last := i == len(ix.Chunks)-1
		if c.RawLen == 0 || c.RawLen > ix.ChunkSize || (!last && c.RawLen != ix.ChunkSize) {
			return fmt.Errorf("%w: chunk %d has %d bytes", core.ErrFormat, i, c.RawLen)
		}
		if c.StoredLen > c.RawLen {
			return fmt.Errorf("%w: chunk %d stores %d bytes for %d", core.ErrFormat, i, c.StoredLen, c.RawLen)
		}
		if c.Offset < recordHeaderSize || c.Offset+uint64(c.StoredLen) > indexOffset {
			return fmt.Errorf("%w: chunk %d payload out of range", core.ErrFormat, i)
		}
		raw += uint64(c.RawLen)
	}
	if raw != ix.Size {
		return fmt.Errorf("%w: chunks hold %d bytes, index says %d", core.ErrFormat, raw, ix.Size)
	}
	return nil
}

// ID is unique per reader within the process.
func (r *Reader) ID() uint64 { return r.id }

func (r *Reader) Header() core.FileHeader { return r.header }

func (r *Reader) Method() core.CompressionType { return r.header.CompressorType }

func (r *Reader) ChunkSize() int { return int(r.header.ChunkSize) }

// Size returns the uncompressed content length.
func (r *Reader) Size() uint64 { return r.index.Size }

// Digest returns the BLAKE3-256 digest of the uncompressed content.
func (r *Reader) Digest() []byte { return bytes.Clone(r.index.Digest) }

// Index returns a copy of the chunk table.
func (r *Reader) Index() Index {
	ix := *r.index
	ix.Chunks = append([]ChunkInfo(nil), r.index.Chunks...)
	ix.Digest = bytes.Clone(r.index.Digest)
	return ix
}

// Chunk returns the decoded bytes of chunk i. The returned slice is shared
// and must not be modified.
func (r *Reader) Chunk(i int) ([]byte, error) {
	if i < 0 || i >= len(r.index.Chunks) {
		return nil, fmt.Errorf("chunk %d: %w", i, core.ErrOutOfBounds)
	}
	key := ChunkKey{Reader: r.id, Index: i}
	if r.cache != nil {
		if data, ok := r.cache.Get(key); ok {
			return data, nil
		}
	}
	data, err := r.decodeChunk(i)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(key, data)
	}
	return data, nil
}

func (r *Reader) decodeChunk(i int) ([]byte, error) {
	info := r.index.Chunks[i]
	n := recordHeaderSize + int(info.StoredLen)

	buf := core.ChunkBufferPool.Get()
	defer core.ChunkBufferPool.Put(buf)
	buf.Grow(n)
	record := buf.AvailableBuffer()[:n]
	if _, err := r.f.ReadAt(record, int64(info.Offset)-recordHeaderSize); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", i, err)
	}
	rec := parseRecordHeader(record[:recordHeaderSize])
	if rec.Codec != info.Codec || rec.RawLen != info.RawLen || rec.StoredLen != info.StoredLen || rec.Checksum != info.Checksum {
		return nil, fmt.Errorf("%w: chunk %d record disagrees with index", core.ErrFormat, i)
	}
	payload := record[recordHeaderSize:]

	var out []byte
	if info.Codec == core.CompressionNone {
		if len(payload) != int(info.RawLen) {
			return nil, fmt.Errorf("%w: raw chunk %d has %d bytes", core.ErrFormat, i, len(payload))
		}
		out = bytes.Clone(payload)
	} else {
		var err error
		out, err = r.comp.Decompress(payload, int(info.RawLen))
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", i, err)
		}
	}
	if crc32.ChecksumIEEE(out) != info.Checksum {
		return nil, fmt.Errorf("chunk %d: %w", i, core.ErrChecksum)
	}
	return out, nil
}

// ReadAt reads uncompressed content starting at off, decoding only the
// chunks that overlap the requested range.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", off, core.ErrOutOfBounds)
	}
	size := int64(r.index.Size)
	if off >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	chunkSize := int64(r.header.ChunkSize)
	n := 0
	for n < len(p) && off < size {
		i := int(off / chunkSize)
		data, err := r.Chunk(i)
		if err != nil {
			return n, err
		}
		copied := copy(p[n:], data[off-int64(i)*chunkSize:])
		n += copied
		off += int64(copied)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Verify decodes every chunk and checks the content digest.
func (r *Reader) Verify() error {
	h := blake3.New()
	for i := range r.index.Chunks {
		data, err := r.decodeChunk(i)
		if err != nil {
			return err
		}
		_, _ = h.Write(data)
	}
	if !bytes.Equal(h.Sum(nil), r.index.Digest) {
		return fmt.Errorf("%w: content digest mismatch", core.ErrChecksum)
	}
	return nil
}

// Close drops cached chunks and closes the file if the reader opened it.
func (r *Reader) Close() error {
	if r.cache != nil {
		id := r.id
		r.cache.RemoveFunc(func(k ChunkKey) bool { return k.Reader == id })
	}
	if r.owned {
		return r.f.Close()
	}
	return nil
}
