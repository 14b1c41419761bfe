package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteContainer(t, dir, "abcd.lz4", core.CompressionLZ4, 256, testutil.Repeat("abcd", 256))

	var out bytes.Buffer
	require.NoError(t, inspect(&out, path, true, true))
	text := out.String()
	assert.Contains(t, text, "lz4")
	assert.Regexp(t, `Chunks:\s+4`, text)
	assert.Regexp(t, `Size:\s+1024`, text)
	assert.Contains(t, text, "CODEC")
	assert.Contains(t, text, "Verified: ok")
}

func TestInspect_Errors(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	assert.Error(t, inspect(&out, filepath.Join(dir, "missing.lz4"), false, false))

	junk := filepath.Join(dir, "junk.lz4")
	require.NoError(t, os.WriteFile(junk, []byte("not a container"), 0o644))
	assert.Error(t, inspect(&out, junk, false, false))
}
