package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/INLOpen/gpustream/compression"
	"github.com/INLOpen/gpustream/core"
)

// MinHazardRuns is the smallest number of repetitions hazard tests use.
const MinHazardRuns = 100

// HazardRuns returns how many times hazard tests repeat a load. It reads
// GPUSTREAM_HAZARD_RUNS and never returns less than MinHazardRuns.
func HazardRuns() int {
	v := strings.TrimSpace(os.Getenv("GPUSTREAM_HAZARD_RUNS"))
	if v == "" {
		return MinHazardRuns
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < MinHazardRuns {
		return MinHazardRuns
	}
	return n
}

// WriteContainer compresses data into dir/name and returns the path. It
// fails the test if the flush does not complete.
func WriteContainer(t testing.TB, dir, name string, method core.CompressionType, chunkSize int, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := compression.WriteFile(path, method, chunkSize, data); err != nil {
		t.Fatalf("write container %s (%s, chunk %d): %v", path, method, chunkSize, err)
	}
	return path
}

// Repeat returns s repeated n times.
func Repeat(s string, n int) []byte {
	return bytes.Repeat([]byte(s), n)
}

// Pattern returns n bytes that compress moderately well and differ per seed.
func Pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i/7) ^ seed ^ byte(i%13)
	}
	return out
}

// FaceImage returns a tightly packed RGBA8 image of size x size whose
// texels encode face, row and column, so misplaced rows are detectable.
func FaceImage(size, face int) []byte {
	out := make([]byte, size*size*4)
	for y := range size {
		for x := range size {
			i := (y*size + x) * 4
			out[i] = byte(face*40 + 1)
			out[i+1] = byte(y)
			out[i+2] = byte(x)
			out[i+3] = 0xFF
		}
	}
	return out
}
