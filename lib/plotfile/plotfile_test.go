package plotfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotfs/plotfs/lib/plotfile"
)

func writePlotFile(t *testing.T, dir string, id [32]byte, k uint8, payload []byte) string {
	t.Helper()
	path := filepath.Join(dir, "plot")
	var buf []byte
	buf = append(buf, plotfile.Magic...)
	buf = append(buf, id[:]...)
	buf = append(buf, k)
	buf = append(buf, payload...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestOpenParsesHeaderAndSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var id [32]byte
	id[0] = 0x42
	payload := []byte("some opaque proof-of-space bytes")
	path := writePlotFile(t, dir, id, 32, payload)

	f, err := plotfile.Open(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, id, f.Header.ID)
	assert.Equal(t, uint8(32), f.Header.K)
	assert.Equal(t, int64(plotfile.HeaderSize+len(payload)), f.Size)

	got := make([]byte, f.Size)
	n, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, int(f.Size), n)
	assert.Equal(t, payload, got[plotfile.HeaderSize:])
}

func TestOpenRejectsBadMagic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "plot")
	require.NoError(t, os.WriteFile(path, append([]byte("not a plot file at all, long enough"), make([]byte, plotfile.HeaderSize)...), 0o644))

	_, err := plotfile.Open(path)
	assert.Error(t, err)
}

func TestOpenRejectsEmptyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "plot")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := plotfile.Open(path)
	assert.Error(t, err)
}

func TestOpenRejectsMissingFile(t *testing.T) {
	t.Parallel()
	_, err := plotfile.Open(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}
