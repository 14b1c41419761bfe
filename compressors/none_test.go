package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/gpustream/core"
)

func TestNoCompressionCompressor(t *testing.T) {
	compressor := &NoCompressionCompressor{}

	if compressor.Type() != core.CompressionNone {
		t.Errorf("NoCompressionCompressor.Type() got = %v, want %v", compressor.Type(), core.CompressionNone)
	}

	data := []byte("this is some test data")

	compressed, err := compressor.Compress(data)
	if err != nil {
		t.Fatalf("Compress() returned an unexpected error: %v", err)
	}
	if !bytes.Equal(data, compressed) {
		t.Errorf("Expected compressed data to be the same as original, but it was different")
	}

	decompressed, err := compressor.Decompress(compressed, len(data))
	if err != nil {
		t.Fatalf("Decompress() returned an unexpected error: %v", err)
	}
	if !bytes.Equal(data, decompressed) {
		t.Errorf("Decompressed data does not match original data")
	}

	if _, err := compressor.Decompress(compressed, len(data)+1); err == nil {
		t.Errorf("Decompress() with mismatched size should fail")
	}
}
