// Package allocator derives free space from a Geometry and places a new
// plot's shards across the device pool: fewest devices touched first,
// emptiest device first, longest free run first.
package allocator

import (
	"sort"

	"golang.org/x/exp/constraints"

	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/geometry"
	"github.com/plotfs/plotfs/lib/ploterr"
	"github.com/plotfs/plotfs/lib/recoveryheader"
)

// greater orders the emptiest-device/longest-extent placement policy
// below without repeating the comparison at each call site.
func greater[T constraints.Ordered](a, b T) bool { return a > b }

// HeaderOverhead is the number of bytes at the start of every shard
// reserved for its recovery-point header; a shard must be at least
// HeaderOverhead+1 bytes long to hold any plot data.
const HeaderOverhead = recoveryheader.Size

// extent is one free byte range on a device, plus a shared pointer to
// that device's running total so the sort in Reserve can favor
// emptier devices without a second pass.
type extent struct {
	deviceID        [devheader.IDSize]byte
	begin, end      uint64
	deviceFreeTotal *uint64
}

func (e extent) length() uint64 { return e.end - e.begin }

// freeExtents derives the free byte ranges of every device in g by
// subtracting each existing shard from its device's [begin, end) span.
// Shards on the same device are assumed disjoint (the ledger enforces
// this on allocation).
func freeExtents(g geometry.Geometry) []extent {
	type devShards struct {
		dev    geometry.Device
		shards []geometry.Shard
	}
	byDevice := make(map[[devheader.IDSize]byte]*devShards, len(g.Devices))
	for _, d := range g.Devices {
		byDevice[d.ID] = &devShards{dev: d}
	}
	for _, p := range g.Plots {
		for _, s := range p.Shards {
			if ds, ok := byDevice[s.DeviceID]; ok {
				ds.shards = append(ds.shards, s)
			}
		}
	}

	var exts []extent
	for _, d := range g.Devices {
		total := new(uint64)

		ds := byDevice[d.ID]
		shards := append([]geometry.Shard(nil), ds.shards...)
		sort.Slice(shards, func(i, j int) bool { return shards[i].Begin < shards[j].Begin })

		cursor := d.Begin
		for _, s := range shards {
			if s.Begin > cursor {
				length := s.Begin - cursor
				exts = append(exts, extent{deviceID: d.ID, begin: cursor, end: s.Begin, deviceFreeTotal: total})
				*total += length
			}
			if s.End > cursor {
				cursor = s.End
			}
		}
		if cursor < d.End {
			exts = append(exts, extent{deviceID: d.ID, begin: cursor, end: d.End, deviceFreeTotal: total})
			*total += d.End - cursor
		}
	}
	return exts
}

// FreeBytes reports, per device id, the total free bytes available for
// new plot data (header overhead of future shards not yet subtracted).
// Used by the CLI's device listing; the allocator itself only ever
// needs the ordered extent list, not this summary.
func FreeBytes(g geometry.Geometry) map[[devheader.IDSize]byte]uint64 {
	out := make(map[[devheader.IDSize]byte]uint64, len(g.Devices))
	for _, d := range g.Devices {
		out[d.ID] = 0
	}
	for _, e := range freeExtents(g) {
		out[e.deviceID] += e.length()
	}
	return out
}

// Reserve computes the shard placement for a new plot of size
// plotSize bytes, returning shards in the order the plot writer must
// copy into them (and thus the order recovery-point chaining follows).
func Reserve(g geometry.Geometry, plotSize uint64) ([]geometry.Shard, error) {
	if plotSize == 0 {
		return nil, ploterr.New(ploterr.PlotInvalid, "cannot allocate a zero-size plot")
	}

	exts := freeExtents(g)
	sort.SliceStable(exts, func(i, j int) bool {
		if *exts[i].deviceFreeTotal != *exts[j].deviceFreeTotal {
			return greater(*exts[i].deviceFreeTotal, *exts[j].deviceFreeTotal)
		}
		return greater(exts[i].length(), exts[j].length())
	})

	var shards []geometry.Shard
	remaining := plotSize
	for _, e := range exts {
		if remaining == 0 {
			break
		}
		want := remaining + HeaderOverhead
		reservation := want
		if e.length() < reservation {
			reservation = e.length()
		}
		if reservation <= HeaderOverhead {
			continue
		}
		shards = append(shards, geometry.Shard{
			DeviceID: e.deviceID,
			Begin:    e.begin,
			End:      e.begin + reservation,
		})
		remaining -= reservation - HeaderOverhead
	}

	if remaining > 0 {
		return nil, ploterr.New(ploterr.NotEnoughSpace, "need %d more bytes of plot capacity than the device pool has free", remaining)
	}
	return shards, nil
}
