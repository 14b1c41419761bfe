package core

import "fmt"

// This file centralizes constants related to the container file format.

// --- Magic Numbers ---
const (
	// ContainerMagicNumber identifies a compressed container file.
	ContainerMagicNumber uint32 = 0x4F495343 // "CSIO"
	// ContainerTrailerMagic closes the fixed trailer at the end of a container.
	ContainerTrailerMagic uint32 = 0x58444E49 // "INDX"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version of the container format.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize = 64 * 1024
	// MaxChunkSize bounds a single chunk so a corrupt header cannot force huge allocations.
	MaxChunkSize = 64 * 1024 * 1024
	// ChecksumSize is the size of a CRC32 chunk checksum.
	ChecksumSize = 4
)

// TempFileSuffix marks a container that has not been flushed yet.
const TempFileSuffix = "tmp"

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}
