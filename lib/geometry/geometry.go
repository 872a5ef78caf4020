// Package geometry encodes and decodes the ledger: the single
// structured binary buffer describing every registered device, every
// plot, and every shard. It is PlotFS's sole authoritative layout
// record, so the decoder verifies the buffer's structure (every length
// and offset in range) before any field is dereferenced, the same
// bounds-checked-read discipline lib/binstruct's structHandler applies
// one field at a time, just generalized to the variable-length vectors
// a fixed reflect-driven struct codec can't express.
package geometry

import (
	"encoding/binary"

	"github.com/plotfs/plotfs/lib/binstruct/binutil"
	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/ploterr"
)

// PlotFlags is the bitmask carried on every Plot.
type PlotFlags uint32

// Reserved marks a plot whose shards have been allocated but whose
// bytes have not finished copying; see the two-phase commit in
// lib/ledger's AddPlot.
const Reserved PlotFlags = 1

// Device is a registered raw backing store.
type Device struct {
	ID    [devheader.IDSize]byte
	Path  string
	Begin uint64
	End   uint64
}

// Shard is a contiguous extent of one device, owned by exactly one
// plot. [Begin, Begin+recoveryheader.Size) holds the shard's
// recovery-point header; plot bytes occupy the rest up to End.
type Shard struct {
	DeviceID [devheader.IDSize]byte
	Begin    uint64
	End      uint64
}

// Plot is an immutable logical file striped across one or more Shards.
type Plot struct {
	ID     [32]byte
	K      uint8
	Flags  PlotFlags
	Shards []Shard
}

// Geometry is the ordered list of Devices and the ordered list of
// Plots: the entire content of the ledger file.
type Geometry struct {
	Devices []Device
	Plots   []Plot
}

const (
	magic        = "PLOTGEOM"
	formatVer    = 1
	headerSize   = len(magic) + 1 // magic + version byte
	maxPathLen   = 1 << 16
	maxDevices   = 1 << 20
	maxPlots     = 1 << 20
	maxShards    = 1 << 20
)

// Encode serializes g as the whole-buffer ledger format. Callers rewrite
// the entire ledger file on every mutation; there is no incremental
// update.
func Encode(g Geometry) []byte {
	buf := make([]byte, 0, 4096)
	buf = append(buf, magic...)
	buf = append(buf, formatVer)

	buf = appendU32(buf, uint32(len(g.Devices)))
	for _, d := range g.Devices {
		buf = append(buf, d.ID[:]...)
		buf = appendU16(buf, uint16(len(d.Path)))
		buf = append(buf, d.Path...)
		buf = appendU64(buf, d.Begin)
		buf = appendU64(buf, d.End)
	}

	buf = appendU32(buf, uint32(len(g.Plots)))
	for _, p := range g.Plots {
		buf = append(buf, p.ID[:]...)
		buf = append(buf, p.K)
		buf = appendU32(buf, uint32(p.Flags))
		buf = appendU16(buf, uint16(len(p.Shards)))
		for _, s := range p.Shards {
			buf = append(buf, s.DeviceID[:]...)
			buf = appendU64(buf, s.Begin)
			buf = appendU64(buf, s.End)
		}
	}

	return buf
}

// Decode verifies and decodes a ledger buffer. Every read is
// bounds-checked before the bytes it covers are interpreted, so a
// truncated or tampered buffer is rejected with LedgerCorrupt rather
// than read out of bounds.
func Decode(buf []byte) (Geometry, error) {
	r := &reader{buf: buf}

	gotMagic, err := r.take(len(magic))
	if err != nil {
		return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "ledger magic")
	}
	if string(gotMagic) != magic {
		return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "bad ledger magic")
	}
	ver, err := r.u8()
	if err != nil {
		return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "ledger version")
	}
	if ver != formatVer {
		return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "unsupported ledger version %d", ver)
	}

	var g Geometry

	numDevices, err := r.u32()
	if err != nil {
		return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "device count")
	}
	if numDevices > maxDevices {
		return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "device count %d exceeds sane bound", numDevices)
	}
	g.Devices = make([]Device, 0, numDevices)
	for i := uint32(0); i < numDevices; i++ {
		var d Device
		idBytes, err := r.take(devheader.IDSize)
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "device %d id", i)
		}
		copy(d.ID[:], idBytes)

		pathLen, err := r.u16()
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "device %d path length", i)
		}
		if int(pathLen) > maxPathLen {
			return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "device %d path length %d exceeds sane bound", i, pathLen)
		}
		pathBytes, err := r.take(int(pathLen))
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "device %d path", i)
		}
		d.Path = string(pathBytes)

		d.Begin, err = r.u64()
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "device %d begin", i)
		}
		d.End, err = r.u64()
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "device %d end", i)
		}
		if d.Begin > d.End {
			return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "device %d begin=%d > end=%d", i, d.Begin, d.End)
		}
		g.Devices = append(g.Devices, d)
	}

	numPlots, err := r.u32()
	if err != nil {
		return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "plot count")
	}
	if numPlots > maxPlots {
		return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "plot count %d exceeds sane bound", numPlots)
	}
	g.Plots = make([]Plot, 0, numPlots)
	for i := uint32(0); i < numPlots; i++ {
		var p Plot
		idBytes, err := r.take(32)
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "plot %d id", i)
		}
		copy(p.ID[:], idBytes)

		p.K, err = r.u8()
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "plot %d k", i)
		}
		flags, err := r.u32()
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "plot %d flags", i)
		}
		p.Flags = PlotFlags(flags)

		numShards, err := r.u16()
		if err != nil {
			return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "plot %d shard count", i)
		}
		if int(numShards) > maxShards {
			return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "plot %d shard count %d exceeds sane bound", i, numShards)
		}
		p.Shards = make([]Shard, 0, numShards)
		for j := uint16(0); j < numShards; j++ {
			var s Shard
			devIDBytes, err := r.take(devheader.IDSize)
			if err != nil {
				return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "plot %d shard %d device id", i, j)
			}
			copy(s.DeviceID[:], devIDBytes)
			s.Begin, err = r.u64()
			if err != nil {
				return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "plot %d shard %d begin", i, j)
			}
			s.End, err = r.u64()
			if err != nil {
				return Geometry{}, ploterr.Wrap(ploterr.LedgerCorrupt, err, "plot %d shard %d end", i, j)
			}
			if s.Begin >= s.End {
				return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "plot %d shard %d begin=%d >= end=%d", i, j, s.Begin, s.End)
			}
			p.Shards = append(p.Shards, s)
		}
		g.Plots = append(g.Plots, p)
	}

	if !r.atEnd() {
		return Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "%d trailing bytes after ledger", r.remaining())
	}

	return g, nil
}

// reader is a bounds-checked cursor over a ledger buffer; every
// accessor refuses to read past the end instead of panicking on a
// short slice, mirroring binutil.NeedNBytes.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) take(n int) ([]byte, error) {
	if err := binutil.NeedNBytes(r.buf[r.pos:], n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) atEnd() bool    { return r.pos == len(r.buf) }
func (r *reader) remaining() int { return len(r.buf) - r.pos }

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
