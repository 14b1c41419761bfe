package container

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/gpustream/compressors"
	"github.com/INLOpen/gpustream/core"
	"github.com/zeebo/blake3"
)

const writeBufferSize = 256 * 1024

// Writer encodes a stream of bytes into a container. It is not safe for
// concurrent use.
type Writer struct {
	w          *bufio.Writer
	comp       core.Compressor
	method     core.CompressionType
	chunkSize  int
	pending    []byte
	offset     uint64
	rawSize    uint64
	storedSize uint64
	chunks     []ChunkInfo
	hasher     *blake3.Hasher
	scratch    *bytes.Buffer
	err        error
	finished   bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompressor overrides the compressor used for the writer's method.
func WithCompressor(c core.Compressor) WriterOption {
	return func(w *Writer) {
		if c != nil {
			w.comp = c
		}
	}
}

// NewWriter writes a container header to dst and returns a Writer that
// appends chunks to it. dst must be positioned at offset 0.
func NewWriter(dst io.Writer, method core.CompressionType, chunkSize int, opts ...WriterOption) (*Writer, error) {
	if err := ValidateMethod(method); err != nil {
		return nil, err
	}
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	comp, err := compressors.ForType(method)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		w:         bufio.NewWriterSize(dst, writeBufferSize),
		comp:      comp,
		method:    method,
		chunkSize: chunkSize,
		pending:   make([]byte, 0, chunkSize),
		hasher:    blake3.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.comp.Type() != method {
		return nil, &core.ConfigError{Field: "compressor", Value: w.comp.Type().String(), Message: "does not match method " + method.String()}
	}

	header := core.NewFileHeader(core.ContainerMagicNumber, method, uint32(chunkSize))
	if err := binary.Write(w.w, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("write container header: %w", err)
	}
	w.offset = uint64(header.Size())
	w.scratch = core.ChunkBufferPool.Get()
	return w, nil
}

// Write buffers p and emits every completed chunk.
func (w *Writer) Write(p []byte) (int, error) {
	if w.finished {
		return 0, core.ErrContextFlushed
	}
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		n := min(w.chunkSize-len(w.pending), len(p))
		w.pending = append(w.pending, p[:n]...)
		p = p[n:]
		written += n
		if len(w.pending) == w.chunkSize {
			if err := w.emit(); err != nil {
				w.err = err
				return written, err
			}
		}
	}
	return written, nil
}

func (w *Writer) emit() error {
	raw := w.pending
	codec := w.method
	err := w.comp.CompressTo(w.scratch, raw)
	switch {
	case errors.Is(err, compressors.ErrIncompressible):
		codec = core.CompressionNone
	case err != nil:
		return fmt.Errorf("compress chunk %d: %w", len(w.chunks), err)
	case w.scratch.Len() >= len(raw):
		codec = core.CompressionNone
	}
	payload := raw
	if codec != core.CompressionNone {
		payload = w.scratch.Bytes()
	}

	rec := recordHeader{
		Codec:     codec,
		RawLen:    uint32(len(raw)),
		StoredLen: uint32(len(payload)),
		Checksum:  crc32.ChecksumIEEE(raw),
	}
	var hdr [recordHeaderSize]byte
	rec.put(hdr[:])
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("write chunk payload: %w", err)
	}
	_, _ = w.hasher.Write(raw)

	w.chunks = append(w.chunks, ChunkInfo{
		Codec:     codec,
		Offset:    w.offset + recordHeaderSize,
		RawOffset: w.rawSize,
		RawLen:    rec.RawLen,
		StoredLen: rec.StoredLen,
		Checksum:  rec.Checksum,
	})
	w.offset += recordHeaderSize + uint64(len(payload))
	w.rawSize += uint64(len(raw))
	w.storedSize += uint64(len(payload))
	w.pending = w.pending[:0]
	return nil
}

// Finish writes the trailing partial chunk, the index and the trailer and
// flushes buffered output. It does not sync or close the destination.
func (w *Writer) Finish() (*Index, error) {
	if w.finished {
		return nil, core.ErrContextFlushed
	}
	w.finished = true
	defer w.release()
	if w.err != nil {
		return nil, w.err
	}
	if len(w.pending) > 0 {
		if err := w.emit(); err != nil {
			return nil, err
		}
	}

	ix := &Index{
		Method:    w.method,
		ChunkSize: uint32(w.chunkSize),
		Size:      w.rawSize,
		Digest:    w.hasher.Sum(nil),
		Chunks:    w.chunks,
	}
	encoded, err := encodeIndex(ix)
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	if _, err := w.w.Write(encoded); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	tr := trailer{IndexOffset: w.offset, IndexLen: uint32(len(encoded)), Magic: core.ContainerTrailerMagic}
	if _, err := w.w.Write(tr.bytes()); err != nil {
		return nil, fmt.Errorf("write trailer: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return nil, fmt.Errorf("flush container: %w", err)
	}
	return ix, nil
}

// Abort discards the writer without writing the index. Later calls to
// Write and Finish fail with core.ErrContextFlushed.
func (w *Writer) Abort() {
	w.finished = true
	w.release()
}

func (w *Writer) release() {
	if w.scratch != nil {
		core.ChunkBufferPool.Put(w.scratch)
		w.scratch = nil
	}
}

// Chunks returns the number of chunks emitted so far.
func (w *Writer) Chunks() int { return len(w.chunks) }

// RawSize returns the uncompressed bytes accepted so far, including the pending chunk.
func (w *Writer) RawSize() int64 { return int64(w.rawSize) + int64(len(w.pending)) }

// StoredSize returns the payload bytes emitted so far.
func (w *Writer) StoredSize() int64 { return int64(w.storedSize) }
