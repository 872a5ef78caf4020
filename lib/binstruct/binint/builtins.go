// Package binint provides fixed-width integer types that know how to
// marshal and unmarshal themselves to a specific wire encoding. PlotFS's
// on-disk headers are defined entirely in big-endian fields, so only
// big-endian 8-, 32- and 64-bit widths are provided.
package binint

import (
	"encoding/binary"

	"github.com/plotfs/plotfs/lib/binstruct/binutil"
)

// U8 is an 8-bit unsigned integer; byte order is moot at one byte.
type U8 uint8

func (U8) BinaryStaticSize() int            { return 1 }
func (x U8) MarshalBinary() ([]byte, error) { return []byte{byte(x)}, nil }

func (x *U8) UnmarshalBinary(dat []byte) (int, error) {
	if err := binutil.NeedNBytes(dat, 1); err != nil {
		return 0, err
	}
	*x = U8(dat[0])
	return 1, nil
}

// U32be is a 32-bit unsigned integer stored big-endian.
type U32be uint32

func (U32be) BinaryStaticSize() int { return 4 }

func (x U32be) MarshalBinary() ([]byte, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(x))
	return buf[:], nil
}

func (x *U32be) UnmarshalBinary(dat []byte) (int, error) {
	if err := binutil.NeedNBytes(dat, 4); err != nil {
		return 0, err
	}
	*x = U32be(binary.BigEndian.Uint32(dat))
	return 4, nil
}

// U64be is a 64-bit unsigned integer stored big-endian, used for every
// offset and size field in the device header and recovery-point header.
type U64be uint64

func (U64be) BinaryStaticSize() int { return 8 }

func (x U64be) MarshalBinary() ([]byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(x))
	return buf[:], nil
}

func (x *U64be) UnmarshalBinary(dat []byte) (int, error) {
	if err := binutil.NeedNBytes(dat, 8); err != nil {
		return 0, err
	}
	*x = U64be(binary.BigEndian.Uint64(dat))
	return 8, nil
}
