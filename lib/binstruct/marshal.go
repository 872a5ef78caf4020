package binstruct

import (
	"encoding"
	"fmt"
	"reflect"
)

// Marshaler is anything that can encode itself to a fixed-layout byte
// slice; binstruct.Struct tags drive encoding for everything else.
type Marshaler = encoding.BinaryMarshaler

// Marshal encodes obj, which must be a Marshaler, a statically-sized
// struct tagged with `bin:"off=...,siz=..."` fields, a fixed-size array
// of either, or a plain uint8/uint32/uint64.
func Marshal(obj any) ([]byte, error) {
	if mar, ok := obj.(Marshaler); ok {
		dat, err := mar.MarshalBinary()
		if err != nil {
			err = &MarshalError{Type: reflect.TypeOf(obj), Method: "MarshalBinary", Err: err}
		}
		return dat, err
	}
	return marshalWithoutInterface(obj)
}

func marshalWithoutInterface(obj any) ([]byte, error) {
	val := reflect.ValueOf(obj)
	switch val.Kind() {
	case reflect.Uint8, reflect.Uint32, reflect.Uint64:
		typ := intKind2Type[val.Kind()]
		dat, err := val.Convert(typ).Interface().(Marshaler).MarshalBinary()
		if err != nil {
			err = &MarshalError{Type: typ, Method: "MarshalBinary", Err: err}
		}
		return dat, err
	case reflect.Ptr:
		return Marshal(val.Elem().Interface())
	case reflect.Array:
		var ret []byte
		for i := 0; i < val.Len(); i++ {
			bs, err := Marshal(val.Index(i).Interface())
			ret = append(ret, bs...)
			if err != nil {
				return ret, err
			}
		}
		return ret, nil
	case reflect.Struct:
		return getStructHandler(val.Type()).Marshal(val)
	default:
		panic(&InvalidTypeError{
			Type: val.Type(),
			Err:  fmt.Errorf("does not implement binstruct.Marshaler and kind=%v is not a supported statically-sized kind", val.Kind()),
		})
	}
}
