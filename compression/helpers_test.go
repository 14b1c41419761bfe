package compression

import (
	"testing"

	"github.com/INLOpen/gpustream/compressors"
	"github.com/INLOpen/gpustream/core"
	"github.com/stretchr/testify/require"
)

func mustCompressor(t *testing.T, ct core.CompressionType) core.Compressor {
	t.Helper()
	c, err := compressors.ForType(ct)
	require.NoError(t, err)
	return c
}
