// Package plotwriter drives the physical copy of a source plot file
// into its reserved shards: a recovery-point header per shard followed
// by a run of plot bytes, with progress reported through
// lib/textui.Progress the way long scans elsewhere in this lineage
// report theirs.
package plotwriter

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/diskio"
	"github.com/plotfs/plotfs/lib/geometry"
	"github.com/plotfs/plotfs/lib/ploterr"
	"github.com/plotfs/plotfs/lib/recoveryheader"
	"github.com/plotfs/plotfs/lib/textui"
)

// chunkSize bounds a single copy loop iteration so a plot writer has a
// chance to report progress on files far larger than available memory.
const chunkSize = 1 << 30 // 1 GiB

// Stats is a progress snapshot reported at most once per tick.
type Stats struct {
	Shard      int
	NumShards  int
	BytesDone  int64
	BytesTotal int64
}

func (s Stats) String() string {
	return fmt.Sprintf("shard %d/%d: %d/%d bytes", s.Shard+1, s.NumShards, s.BytesDone, s.BytesTotal)
}

// OpenDevice resolves a shard's device id to a writable handle; callers
// supply this so plotwriter doesn't need to know how the ledger looks
// up device paths.
type OpenDevice func(id [devheader.IDSize]byte) (*diskio.Handle, error)

// Copy streams src into shards, writing each shard's recovery-point
// header before the plot-byte run it precedes, and reports progress at
// most once per second via a textui.Progress. The source's read
// position advances across shards: src is read sequentially from
// offset 0, in chunks of at most 1 GiB, for exactly the shards' total
// plot-byte capacity.
func Copy(ctx context.Context, src io.ReaderAt, shards []geometry.Shard, openDevice OpenDevice) error {
	var total int64
	for _, s := range shards {
		total += int64(s.End - s.Begin - recoveryheader.Size)
	}

	progressWriter := textui.NewProgress[Stats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()

	var srcOffset int64
	var done int64

	for i, s := range shards {
		dev, err := openDevice(s.DeviceID)
		if err != nil {
			return ploterr.Wrap(ploterr.DeviceIo, err, "open device for shard %d", i)
		}

		shardPlotBytes := int64(s.End - s.Begin - recoveryheader.Size)

		var nextID [devheader.IDSize]byte
		var nextOffset uint64
		if i+1 < len(shards) {
			nextID = shards[i+1].DeviceID
			nextOffset = shards[i+1].Begin
		}
		header := recoveryheader.Format(uint64(shardPlotBytes), nextID, nextOffset)
		if _, err := dev.WriteAt(header, int64(s.Begin)); err != nil {
			dev.Close()
			return ploterr.Wrap(ploterr.DeviceIo, err, "write recovery header for shard %d", i)
		}

		devOffset := int64(s.Begin) + recoveryheader.Size
		remaining := shardPlotBytes
		buf := make([]byte, chunkSize)
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if _, err := src.ReadAt(buf[:n], srcOffset); err != nil && err != io.EOF {
				dev.Close()
				return ploterr.Wrap(ploterr.PlotIo, err, "read source plot at offset %d", srcOffset)
			}
			if _, err := dev.WriteAt(buf[:n], devOffset); err != nil {
				dev.Close()
				return ploterr.Wrap(ploterr.DeviceIo, err, "write shard %d at offset %d", i, devOffset)
			}
			srcOffset += n
			devOffset += n
			remaining -= n
			done += n

			progressWriter.Set(Stats{Shard: i, NumShards: len(shards), BytesDone: done, BytesTotal: total})
		}

		if err := dev.Sync(); err != nil {
			dev.Close()
			return ploterr.Wrap(ploterr.DeviceIo, err, "sync shard %d", i)
		}
		if err := dev.Close(); err != nil {
			return ploterr.Wrap(ploterr.DeviceIo, err, "close device for shard %d", i)
		}
	}

	return nil
}
