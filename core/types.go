package core

import (
	"bytes"
	"strings"
)

// CompressionType identifies the compression method of a container.
// It is stored on disk as a single byte.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
	CompressionZlib   CompressionType = 4
	CompressionS2     CompressionType = 5
)

// Compressor compresses and decompresses single chunks.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decodes data whose uncompressed length is known to be size.
	Decompress(data []byte, size int) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	case CompressionZlib:
		return "zlib"
	case CompressionS2:
		return "s2"
	default:
		return "unknown"
	}
}

// IsValid reports whether ct names a supported method.
func (ct CompressionType) IsValid() bool {
	return ct <= CompressionS2
}

// ParseCompressionType maps a method name to its CompressionType.
func ParseCompressionType(name string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	case "zlib":
		return CompressionZlib, nil
	case "s2":
		return CompressionS2, nil
	}
	return CompressionNone, &ConfigError{Field: "method", Value: name, Message: "unknown compression method"}
}

// CompressionTypes lists every supported method in on-disk order.
func CompressionTypes() []CompressionType {
	return []CompressionType{
		CompressionNone,
		CompressionSnappy,
		CompressionLZ4,
		CompressionZSTD,
		CompressionZlib,
		CompressionS2,
	}
}
