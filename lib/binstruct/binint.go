package binstruct

import (
	"reflect"

	"github.com/plotfs/plotfs/lib/binstruct/binint"
)

// Re-exported so struct definitions can write binstruct.U64be without a
// second import.
type (
	U8    = binint.U8
	U32be = binint.U32be
	U64be = binint.U64be
)

// intKind2Type maps a reflect.Kind for a plain Go integer type to the
// binint type that knows how to marshal it, so that a struct field
// declared as a bare uint8/uint32/uint64 (rather than one of the binint
// aliases) still round-trips via marshalWithoutInterface.
var intKind2Type = map[reflect.Kind]reflect.Type{
	reflect.Uint8:  reflect.TypeOf(U8(0)),
	reflect.Uint32: reflect.TypeOf(U32be(0)),
	reflect.Uint64: reflect.TypeOf(U64be(0)),
}
