// Package container implements the on-disk format written by compression
// contexts and read by source handles.
//
// Layout:
//
//	header   core.FileHeader (magic, version, created-at, method, chunk size)
//	chunk*   record header (codec u8, raw len u32, stored len u32, crc32 u32) + payload
//	index    CBOR-encoded Index
//	trailer  index offset u64, index length u32, trailer magic u32
//
// Every chunk except the last holds exactly ChunkSize uncompressed bytes, so
// the chunk covering any uncompressed offset is found by division. A chunk
// whose compressed form is not smaller than its input is stored raw with
// codec none.
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/gpustream/core"
	"github.com/fxamacker/cbor/v2"
)

const (
	recordHeaderSize = 13
	trailerSize      = 16
)

// ChunkInfo locates one chunk inside a container.
type ChunkInfo struct {
	Codec     core.CompressionType `cbor:"1,keyasint"`
	Offset    uint64               `cbor:"2,keyasint"` // file offset of the payload
	RawOffset uint64               `cbor:"3,keyasint"`
	RawLen    uint32               `cbor:"4,keyasint"`
	StoredLen uint32               `cbor:"5,keyasint"`
	Checksum  uint32               `cbor:"6,keyasint"`
}

// Index is the chunk table stored before the trailer.
type Index struct {
	Method    core.CompressionType `cbor:"1,keyasint"`
	ChunkSize uint32               `cbor:"2,keyasint"`
	Size      uint64               `cbor:"3,keyasint"`
	Digest    []byte               `cbor:"4,keyasint"` // BLAKE3-256 of the uncompressed content
	Chunks    []ChunkInfo          `cbor:"5,keyasint"`
}

// StoredSize is the summed payload size of all chunks.
func (ix *Index) StoredSize() uint64 {
	var n uint64
	for _, c := range ix.Chunks {
		n += uint64(c.StoredLen)
	}
	return n
}

var (
	indexEncMode cbor.EncMode
	indexDecMode cbor.DecMode
)

func init() {
	var err error
	indexEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("container: cbor encoder: %v", err))
	}
	indexDecMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 30,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("container: cbor decoder: %v", err))
	}
}

func encodeIndex(ix *Index) ([]byte, error) {
	return indexEncMode.Marshal(ix)
}

func decodeIndex(data []byte) (*Index, error) {
	var ix Index
	if err := indexDecMode.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("%w: index: %v", core.ErrFormat, err)
	}
	return &ix, nil
}

type recordHeader struct {
	Codec     core.CompressionType
	RawLen    uint32
	StoredLen uint32
	Checksum  uint32
}

func (h recordHeader) put(b []byte) {
	b[0] = byte(h.Codec)
	binary.LittleEndian.PutUint32(b[1:5], h.RawLen)
	binary.LittleEndian.PutUint32(b[5:9], h.StoredLen)
	binary.LittleEndian.PutUint32(b[9:13], h.Checksum)
}

func parseRecordHeader(b []byte) recordHeader {
	return recordHeader{
		Codec:     core.CompressionType(b[0]),
		RawLen:    binary.LittleEndian.Uint32(b[1:5]),
		StoredLen: binary.LittleEndian.Uint32(b[5:9]),
		Checksum:  binary.LittleEndian.Uint32(b[9:13]),
	}
}

type trailer struct {
	IndexOffset uint64
	IndexLen    uint32
	Magic       uint32
}

func (t trailer) bytes() []byte {
	b := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(b[0:8], t.IndexOffset)
	binary.LittleEndian.PutUint32(b[8:12], t.IndexLen)
	binary.LittleEndian.PutUint32(b[12:16], t.Magic)
	return b
}

func parseTrailer(b []byte) trailer {
	return trailer{
		IndexOffset: binary.LittleEndian.Uint64(b[0:8]),
		IndexLen:    binary.LittleEndian.Uint32(b[8:12]),
		Magic:       binary.LittleEndian.Uint32(b[12:16]),
	}
}

// ValidateChunkSize checks a chunk size before any I/O happens.
func ValidateChunkSize(chunkSize int) error {
	if chunkSize <= 0 {
		return &core.ConfigError{Field: "chunk_size", Value: fmt.Sprint(chunkSize), Message: "must be positive"}
	}
	if chunkSize > core.MaxChunkSize {
		return &core.ConfigError{Field: "chunk_size", Value: fmt.Sprint(chunkSize), Message: fmt.Sprintf("must not exceed %d", core.MaxChunkSize)}
	}
	return nil
}

// ValidateMethod checks a compression method before any I/O happens.
func ValidateMethod(method core.CompressionType) error {
	if !method.IsValid() {
		return &core.ConfigError{Field: "method", Value: fmt.Sprint(uint8(method)), Message: "unknown compression method"}
	}
	return nil
}
