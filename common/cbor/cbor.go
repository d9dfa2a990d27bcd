// Package cbor provides helpers for encoding and decoding canonical CBOR.
//
// Using this package will produce canonical encodings which can be used
// in cryptographic contexts like signing as the same message is guaranteed
// to always have the same serialization.
package cbor

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CfgDebugStrictCBOR enables CBOR round-trip enforcement.
const CfgDebugStrictCBOR = "debug.strict_cbor"

var (
	// Flags has the flags used by the CBOR wrapper.
	Flags = flag.NewFlagSet("", flag.ContinueOnError)

	encOptions = cbor.EncOptions{
		Sort:          cbor.SortCoreDeterministic,
		ShortestFloat: cbor.ShortestFloat16,
		NaNConvert:    cbor.NaNConvert7e00,
		InfConvert:    cbor.InfConvertFloat16,
		IndefLength:   cbor.IndefLengthForbidden,
		Time:          cbor.TimeUnix,
		TimeTag:       cbor.EncTagNone,
		TagsMd:        cbor.TagsForbidden,
	}

	// Unknown fields are rejected so that an unknown body discriminant is a
	// decode failure rather than an empty body.
	decOptions = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		TagsMd:            cbor.TagsForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   256,
	}

	encMode cbor.EncMode
	decMode cbor.DecMode
)

// RawMessage is a raw encoded CBOR value.
type RawMessage = cbor.RawMessage

// FixSliceForSerde will convert `nil` to `[]byte` to work around serde
// brain damage.
func FixSliceForSerde(b []byte) []byte {
	if b != nil {
		return b
	}
	return []byte{}
}

// Marshal serializes a given type into a CBOR byte vector.
//
// Panics if the value cannot be serialized.
func Marshal(src interface{}) []byte {
	b, err := MarshalErr(src)
	if err != nil {
		panic("common/cbor: failed to marshal: " + err.Error())
	}
	return b
}

// MarshalErr serializes a given type into a CBOR byte vector, returning an
// error instead of panicking.
func MarshalErr(src interface{}) ([]byte, error) {
	return encMode.Marshal(src)
}

// Unmarshal deserializes a CBOR byte vector into a given type.
func Unmarshal(data []byte, dst interface{}) error {
	if data == nil {
		return nil
	}

	if err := decMode.Unmarshal(data, dst); err != nil {
		return err
	}

	// If we are running with the strict CBOR debug option, ensure that
	// the structure round-trips.
	if viper.GetBool(CfgDebugStrictCBOR) {
		reencoded := Marshal(dst)
		if !bytes.Equal(data, reencoded) {
			return fmt.Errorf(
				"common/cbor: encoded %T does not round-trip (expected: %s, actual: %s)",
				dst,
				hex.EncodeToString(data),
				hex.EncodeToString(reencoded),
			)
		}
	}

	return nil
}

// MustUnmarshal deserializes a CBOR byte vector into a given type.
// Panics if unmarshal fails.
func MustUnmarshal(data []byte, dst interface{}) {
	if err := Unmarshal(data, dst); err != nil {
		panic(err)
	}
}

func init() {
	var err error
	if encMode, err = encOptions.EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = decOptions.DecMode(); err != nil {
		panic(err)
	}

	Flags.Bool(CfgDebugStrictCBOR, false, "(DEBUG) Enforce that CBOR blobs roundtrip")
	_ = Flags.MarkHidden(CfgDebugStrictCBOR)

	_ = viper.BindPFlags(Flags)
}
