package rpc

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical payloads always
// produce identical bytes regardless of map iteration order.
var encMode cbor.EncMode

// decMode decodes generic values into map[string]any so that forwarded
// payloads look the same as locally produced JSON-style maps.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is a raw encoded CBOR value used to defer decoding of
// response payloads until the caller knows the concrete type.
type RawMessage = cbor.RawMessage

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Convert re-encodes src and decodes it into dst. It lets callers read a
// payload into a typed struct whether it was produced in-process (a Go
// struct or map) or arrived over the wire (RawMessage).
func Convert(src any, dst any) error {
	if raw, ok := src.(RawMessage); ok {
		return Unmarshal(raw, dst)
	}
	data, err := Marshal(src)
	if err != nil {
		return err
	}
	return Unmarshal(data, dst)
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
