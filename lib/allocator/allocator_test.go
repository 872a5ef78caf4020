package allocator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotfs/plotfs/lib/allocator"
	"github.com/plotfs/plotfs/lib/geometry"
	"github.com/plotfs/plotfs/lib/ploterr"
)

func dev(idByte byte, begin, end uint64) geometry.Device {
	var id [32]byte
	id[0] = idByte
	return geometry.Device{ID: id, Path: "dev", Begin: begin, End: end}
}

func TestReserveTotality(t *testing.T) {
	t.Parallel()

	testcases := map[string]struct {
		devices  []geometry.Device
		plotSize uint64
	}{
		"single device, plenty of room": {
			devices:  []geometry.Device{dev(1, 1024, 10<<20)},
			plotSize: 1 << 20,
		},
		"plot spans two devices": {
			devices:  []geometry.Device{dev(1, 1024, 512<<10), dev(2, 1024, 768<<10)},
			plotSize: 1 << 20,
		},
		"plot exactly fills every device": {
			devices:  []geometry.Device{dev(1, 1024, 1024+allocator.HeaderOverhead+1000), dev(2, 1024, 1024+allocator.HeaderOverhead+1000)},
			plotSize: 2000,
		},
	}

	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			g := geometry.Geometry{Devices: tc.devices}
			shards, err := allocator.Reserve(g, tc.plotSize)
			require.NoError(t, err)
			require.NotEmpty(t, shards)

			var total uint64
			for _, s := range shards {
				assert.Greater(t, s.End-s.Begin, uint64(allocator.HeaderOverhead))
				total += s.End - s.Begin - allocator.HeaderOverhead
			}
			assert.Equal(t, tc.plotSize, total)
		})
	}
}

func TestReserveDisjointFromExistingAndEachOther(t *testing.T) {
	t.Parallel()

	existingDevID := dev(1, 1024, 10<<20).ID
	g := geometry.Geometry{
		Devices: []geometry.Device{dev(1, 1024, 10<<20)},
		Plots: []geometry.Plot{
			{
				ID: [32]byte{0xaa},
				K:  32,
				Shards: []geometry.Shard{
					{DeviceID: existingDevID, Begin: 1024, End: 1024 + 1<<20},
				},
			},
		},
	}

	shards, err := allocator.Reserve(g, 1<<20)
	require.NoError(t, err)

	existing := g.Plots[0].Shards[0]
	for _, s := range shards {
		if s.DeviceID != existing.DeviceID {
			continue
		}
		overlap := s.Begin < existing.End && existing.Begin < s.End
		assert.False(t, overlap, "new shard %+v overlaps existing shard %+v", s, existing)
	}

	for i := range shards {
		for j := range shards {
			if i == j || shards[i].DeviceID != shards[j].DeviceID {
				continue
			}
			overlap := shards[i].Begin < shards[j].End && shards[j].Begin < shards[i].End
			assert.False(t, overlap, "shard %d overlaps shard %d", i, j)
		}
	}
}

func TestReserveNotEnoughSpace(t *testing.T) {
	t.Parallel()
	g := geometry.Geometry{Devices: []geometry.Device{dev(1, 1024, 1024+allocator.HeaderOverhead+10)}}
	_, err := allocator.Reserve(g, 1<<20)
	require.Error(t, err)
	kind, ok := ploterr.Of(err)
	require.True(t, ok)
	assert.Equal(t, ploterr.NotEnoughSpace, kind)
}

func TestReserveRejectsZeroSizePlot(t *testing.T) {
	t.Parallel()
	g := geometry.Geometry{Devices: []geometry.Device{dev(1, 1024, 1<<20)}}
	_, err := allocator.Reserve(g, 0)
	assert.Error(t, err)
}

func TestFreeBytesExcludesReservedShards(t *testing.T) {
	t.Parallel()
	id := dev(1, 1024, 1<<20).ID
	g := geometry.Geometry{
		Devices: []geometry.Device{dev(1, 1024, 1<<20)},
		Plots: []geometry.Plot{
			{ID: [32]byte{1}, K: 32, Shards: []geometry.Shard{
				{DeviceID: id, Begin: 1024, End: 1024 + 4096},
			}},
		},
	}
	free := allocator.FreeBytes(g)
	assert.Equal(t, (1<<20)-1024-4096, int(free[id]))
}
