// Package recoveryheader reads and writes the header that opens every
// shard, chaining it to the next shard of the same plot so a standalone
// tool can walk a plot's layout even if the ledger is lost.
package recoveryheader

import (
	"github.com/plotfs/plotfs/lib/binstruct"
	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/ploterr"
)

// Magic is the fixed ASCII tag at the start of every recovery-point
// header, NUL-terminated to fill 22 bytes.
const Magic = "PlotFS Recovery Point"

// Version is the recovery-point header format version, carried as a
// single version byte.
const Version = 64

// Size is the on-disk footprint of the header; plot bytes of the shard
// start immediately after it. This is the byte-exact total of the
// fields laid out below (22+1+1+8+32+8); the header's own version
// constant happens to share the value 64 with an older, narrower
// revision of this format, which is coincidence, not a second meaning
// of Size.
const Size = 72

type rawHeader struct {
	Magic            [22]byte        `bin:"off=0,siz=22"`
	Zero             binstruct.U8    `bin:"off=22,siz=1"`
	FormatVersion    binstruct.U8    `bin:"off=23,siz=1"`
	ShardSize        binstruct.U64be `bin:"off=24,siz=8"`
	NextDeviceID     [devheader.IDSize]byte `bin:"off=32,siz=32"`
	NextDeviceOffset binstruct.U64be `bin:"off=64,siz=8"`
	binstruct.End                    `bin:"off=72"`
}

// Header is the decoded form of a recovery-point header. NextDeviceID
// is the zero value when there is no following shard.
type Header struct {
	ShardSize        uint64
	NextDeviceID     [devheader.IDSize]byte
	NextDeviceOffset uint64
}

// HasNext reports whether this header chains to another shard.
func (h Header) HasNext() bool {
	var zero [devheader.IDSize]byte
	return h.NextDeviceID != zero
}

// Format builds the on-disk header for a shard. Pass a zero
// nextDeviceID and nextDeviceOffset 0 for the last shard of a plot.
func Format(shardSize uint64, nextDeviceID [devheader.IDSize]byte, nextDeviceOffset uint64) []byte {
	var raw rawHeader
	copy(raw.Magic[:], Magic)
	raw.FormatVersion = Version
	raw.ShardSize = binstruct.U64be(shardSize)
	raw.NextDeviceID = nextDeviceID
	raw.NextDeviceOffset = binstruct.U64be(nextDeviceOffset)
	dat, err := binstruct.Marshal(raw)
	if err != nil {
		panic(err)
	}
	return dat
}

// Parse decodes a recovery-point header.
func Parse(dat []byte) (Header, error) {
	if len(dat) < Size {
		return Header{}, ploterr.New(ploterr.PlotInvalid, "short read of recovery-point header: got %d bytes, need %d", len(dat), Size)
	}
	var raw rawHeader
	if _, err := binstruct.Unmarshal(dat[:Size], &raw); err != nil {
		return Header{}, ploterr.Wrap(ploterr.PlotInvalid, err, "decode recovery-point header")
	}
	if string(raw.Magic[:len(Magic)]) != Magic {
		return Header{}, ploterr.New(ploterr.PlotInvalid, "bad recovery-point magic")
	}
	return Header{
		ShardSize:        uint64(raw.ShardSize),
		NextDeviceID:     raw.NextDeviceID,
		NextDeviceOffset: uint64(raw.NextDeviceOffset),
	}, nil
}
