package ledger_test

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotfs/plotfs/lib/allocator"
	"github.com/plotfs/plotfs/lib/geometry"
	"github.com/plotfs/plotfs/lib/ledger"
	"github.com/plotfs/plotfs/lib/ploterr"
	"github.com/plotfs/plotfs/lib/vfs"
)

// makeDevice creates a regular file of size bytes to stand in for a raw
// block device; diskio.Size falls back to the ordinary file size for
// anything that isn't a device node.
func makeDevice(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(size))
	return path
}

func makePlotFile(t *testing.T, dir, name string, payloadSize int) (string, [32]byte) {
	t.Helper()
	var id [32]byte
	_, err := rand.Read(id[:])
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	var buf []byte
	buf = append(buf, "Proof of Space Plot"...)
	buf = append(buf, id[:]...)
	buf = append(buf, 32) // k
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf = append(buf, payload...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path, id
}

func TestInitTwiceRequiresForce(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.bin")

	m := ledger.NewManager(path)
	require.NoError(t, m.Init(false))

	_, err := m.AddDevice(makeDevice(t, dir, "dev0", 1<<20), false)
	require.NoError(t, err)

	assert.Error(t, m.Init(false))
	assert.NoError(t, m.Init(true))

	g, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, g.Devices)
}

func TestAddDeviceHappyPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := ledger.NewManager(filepath.Join(dir, "ledger.bin"))
	require.NoError(t, m.Init(false))

	devPath := makeDevice(t, dir, "dev0", 4<<20)
	dev, err := m.AddDevice(devPath, false)
	require.NoError(t, err)
	assert.Equal(t, devPath, dev.Path)
	assert.Equal(t, uint64(1024), dev.Begin)
	assert.Equal(t, uint64(4<<20), dev.End)

	_, err = m.AddDevice(devPath, false)
	assert.Error(t, err)
}

func TestAddPlotSplitsAcrossTwoDevices(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.bin")
	m := ledger.NewManager(ledgerPath)
	require.NoError(t, m.Init(false))

	small := makeDevice(t, dir, "dev0", 1024+int64(allocator.HeaderOverhead)+2000)
	big := makeDevice(t, dir, "dev1", 1024+int64(allocator.HeaderOverhead)+65536)
	_, err := m.AddDevice(small, false)
	require.NoError(t, err)
	_, err = m.AddDevice(big, false)
	require.NoError(t, err)

	// 65600 bytes of payload needs more plot capacity than the bigger
	// device alone has, forcing the allocator to chain a second shard
	// onto the smaller device.
	plotPath, _ := makePlotFile(t, dir, "plot1", 65600)
	plot, err := m.AddPlot(context.Background(), plotPath, false)
	require.NoError(t, err)
	assert.Zero(t, plot.Flags&geometry.Reserved)
	require.Len(t, plot.Shards, 2)
	assert.NotEqual(t, plot.Shards[0].DeviceID, plot.Shards[1].DeviceID)

	srcInfo, err := os.Stat(plotPath)
	require.NoError(t, err)

	server := vfs.NewServer(ledgerPath)
	_, err = server.Reload()
	require.NoError(t, err)
	attr, err := server.Attr(plot.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(srcInfo.Size()), attr.Size)

	reader, err := server.Open(plot.ID)
	require.NoError(t, err)
	defer reader.Close()

	got := make([]byte, attr.Size)
	n, err := reader.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, int(attr.Size), n)

	want, err := os.ReadFile(plotPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAddPlotFailsCleanlyWhenOutOfSpace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.bin")
	m := ledger.NewManager(ledgerPath)
	require.NoError(t, m.Init(false))

	tiny := makeDevice(t, dir, "dev0", 1024+int64(allocator.HeaderOverhead)+10)
	_, err := m.AddDevice(tiny, false)
	require.NoError(t, err)

	before, err := m.Load()
	require.NoError(t, err)

	plotPath, _ := makePlotFile(t, dir, "plot1", 1<<20)
	_, err = m.AddPlot(context.Background(), plotPath, false)
	require.Error(t, err)
	kind, ok := ploterr.Of(err)
	require.True(t, ok)
	assert.Equal(t, ploterr.NotEnoughSpace, kind)

	after, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemovePlotTombstonesMetadataOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.bin")
	m := ledger.NewManager(ledgerPath)
	require.NoError(t, m.Init(false))

	devPath := makeDevice(t, dir, "dev0", 4<<20)
	_, err := m.AddDevice(devPath, false)
	require.NoError(t, err)

	plotPath, _ := makePlotFile(t, dir, "plot1", 1<<10)
	plot, err := m.AddPlot(context.Background(), plotPath, false)
	require.NoError(t, err)

	before, err := os.ReadFile(devPath)
	require.NoError(t, err)

	require.NoError(t, m.RemovePlot(plot.ID))

	after, err := os.ReadFile(devPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	g, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, g.Plots)

	assert.Error(t, m.RemovePlot(plot.ID))
}

func TestRemoveSourceDeletesOriginalAfterSuccessfulCopy(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.bin")
	m := ledger.NewManager(ledgerPath)
	require.NoError(t, m.Init(false))

	devPath := makeDevice(t, dir, "dev0", 4<<20)
	_, err := m.AddDevice(devPath, false)
	require.NoError(t, err)

	plotPath, _ := makePlotFile(t, dir, "plot1", 1<<10)
	_, err = m.AddPlot(context.Background(), plotPath, true)
	require.NoError(t, err)

	_, statErr := os.Stat(plotPath)
	assert.True(t, os.IsNotExist(statErr))
}
