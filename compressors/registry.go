package compressors

import (
	"errors"
	"fmt"

	"github.com/INLOpen/gpustream/core"
)

// ErrIncompressible is returned by compressors whose block format cannot
// represent data smaller than its input. Callers store such chunks raw.
var ErrIncompressible = errors.New("data is incompressible")

var (
	sharedNone   = &NoCompressionCompressor{}
	sharedSnappy = NewSnappyCompressor()
	sharedLZ4    = NewLz4Compressor()
	sharedZstd   = NewZstdCompressor()
	sharedZlib   = NewZlibCompressor()
	sharedS2     = NewS2Compressor(false)
)

// ForType returns the shared compressor for a method.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return sharedNone, nil
	case core.CompressionSnappy:
		return sharedSnappy, nil
	case core.CompressionLZ4:
		return sharedLZ4, nil
	case core.CompressionZSTD:
		return sharedZstd, nil
	case core.CompressionZlib:
		return sharedZlib, nil
	case core.CompressionS2:
		return sharedS2, nil
	default:
		return nil, fmt.Errorf("%w: %d", core.ErrUnsupportedMethod, ct)
	}
}
