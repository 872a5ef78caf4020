// Package devheader reads and writes the 1024-byte header that marks a
// raw device or partition as formatted for PlotFS.
package devheader

import (
	"crypto/rand"
	"fmt"

	"github.com/plotfs/plotfs/lib/binstruct"
	"github.com/plotfs/plotfs/lib/ploterr"
)

// Signature is the fixed byte sequence that identifies a formatted
// PlotFS device. It must stay byte-exact across versions: it is not an
// authorship statement, just an opaque compatibility tag, but changing
// it invalidates every device already in the field.
const Signature = "PlotFS\n" +
	"by: Matthew Szatmary <matt@szatmary.org> (@m3u8)\n" +
	"Donate Chia to: xch1hsyyclxn2v59ysd4n8nk577sduw64sg90nr8z26c3h8emq7magdqqzq9n5\n"

const (
	// Size is the total on-disk footprint of the header.
	Size = 1024
	// readSize is how much open() needs to read to parse every field;
	// everything past it is zero padding.
	readSize = 512

	sigLen = 184
	idLen  = 32
)

// IDSize is the width of a device id in bytes.
const IDSize = idLen

type rawHeader struct {
	Signature  [sigLen]byte    `bin:"off=0,siz=184"`
	Pad1       [72]byte        `bin:"off=184,siz=72"`
	ID         [idLen]byte     `bin:"off=256,siz=32"`
	RangeBegin binstruct.U64be `bin:"off=288,siz=8"`
	RangeEnd   binstruct.U64be `bin:"off=296,siz=8"`
	Pad2       [720]byte       `bin:"off=304,siz=720"`
	binstruct.End              `bin:"off=1024"`
}

// Header is the decoded form of a device header.
type Header struct {
	ID    [IDSize]byte
	Begin uint64
	End   uint64
}

// NewID generates a random, effectively-unguessable device id.
func NewID() ([IDSize]byte, error) {
	var id [IDSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("devheader: generate id: %w", err)
	}
	return id, nil
}

// Format builds the 1024-byte on-disk header for a freshly-registered
// device spanning [begin, end).
func Format(id [IDSize]byte, begin, end uint64) []byte {
	var raw rawHeader
	copy(raw.Signature[:], Signature)
	raw.ID = id
	raw.RangeBegin = binstruct.U64be(begin)
	raw.RangeEnd = binstruct.U64be(end)
	dat, err := binstruct.Marshal(raw)
	if err != nil {
		// rawHeader is a fixed, hand-checked layout; a marshal error here
		// means the struct tags themselves are wrong, not bad input.
		panic(err)
	}
	return dat
}

// Parse decodes a device header from the first readSize bytes read from
// a candidate device. It distinguishes "not a PlotFS device" from a
// structurally-valid-but-nonsensical header so callers can tell an
// unformatted device from a corrupt one.
func Parse(dat []byte) (Header, error) {
	if len(dat) < readSize {
		return Header{}, ploterr.New(ploterr.DeviceIo, "short read of device header: got %d bytes, need %d", len(dat), readSize)
	}
	// The struct covers the full 1024-byte header even though callers
	// only need to supply readSize bytes; pad the rest with zeros, which
	// is what an on-disk header has there anyway.
	padded := make([]byte, Size)
	copy(padded, dat)
	var raw rawHeader
	if _, err := binstruct.Unmarshal(padded, &raw); err != nil {
		return Header{}, ploterr.Wrap(ploterr.DeviceIo, err, "decode device header")
	}
	if string(raw.Signature[:len(Signature)]) != Signature {
		return Header{}, ploterr.New(ploterr.DeviceUnformatted, "missing PlotFS signature")
	}
	h := Header{
		ID:    raw.ID,
		Begin: uint64(raw.RangeBegin),
		End:   uint64(raw.RangeEnd),
	}
	if h.Begin > h.End {
		return Header{}, ploterr.New(ploterr.DeviceIo, "device header begin=%d > end=%d", h.Begin, h.End)
	}
	return h, nil
}

// ReadSize is how many leading bytes of a device a caller must supply
// to Parse.
func ReadSize() int { return readSize }
