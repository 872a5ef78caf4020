package plotwriter_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/diskio"
	"github.com/plotfs/plotfs/lib/geometry"
	"github.com/plotfs/plotfs/lib/plotwriter"
	"github.com/plotfs/plotfs/lib/recoveryheader"
)

func makeBackingFile(t *testing.T, dir, name string, size int64) (string, [devheader.IDSize]byte) {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	var id [devheader.IDSize]byte
	id[0] = name[0]
	return path, id
}

func TestCopyWritesChainedRecoveryHeadersAndPayload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	pathA, idA := makeBackingFile(t, dir, "a-device", 1<<16)
	pathB, idB := makeBackingFile(t, dir, "b-device", 1<<16)
	paths := map[[devheader.IDSize]byte]string{idA: pathA, idB: pathB}

	shards := []geometry.Shard{
		{DeviceID: idA, Begin: 1000, End: 1000 + recoveryheader.Size + 50},
		{DeviceID: idB, Begin: 2000, End: 2000 + recoveryheader.Size + 30},
	}

	payload := bytes.Repeat([]byte{0xab}, 80)
	src := bytes.NewReader(payload)

	openDevice := func(id [devheader.IDSize]byte) (*diskio.Handle, error) {
		return diskio.Open(paths[id], true)
	}

	err := plotwriter.Copy(context.Background(), src, shards, openDevice)
	require.NoError(t, err)

	ha, err := diskio.Open(pathA, false)
	require.NoError(t, err)
	defer ha.Close()

	hdrBuf := make([]byte, recoveryheader.Size)
	_, err = ha.ReadAt(hdrBuf, int64(shards[0].Begin))
	require.NoError(t, err)
	rp, err := recoveryheader.Parse(hdrBuf)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), rp.ShardSize)
	assert.True(t, rp.HasNext())
	assert.Equal(t, idB, rp.NextDeviceID)
	assert.Equal(t, shards[1].Begin, rp.NextDeviceOffset)

	gotA := make([]byte, 50)
	_, err = ha.ReadAt(gotA, int64(shards[0].Begin)+recoveryheader.Size)
	require.NoError(t, err)
	assert.Equal(t, payload[:50], gotA)

	hb, err := diskio.Open(pathB, false)
	require.NoError(t, err)
	defer hb.Close()

	_, err = hb.ReadAt(hdrBuf, int64(shards[1].Begin))
	require.NoError(t, err)
	rp2, err := recoveryheader.Parse(hdrBuf)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), rp2.ShardSize)
	assert.False(t, rp2.HasNext())

	gotB := make([]byte, 30)
	_, err = hb.ReadAt(gotB, int64(shards[1].Begin)+recoveryheader.Size)
	require.NoError(t, err)
	assert.Equal(t, payload[50:], gotB)
}
