// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Message bodies decoded into any must come out as
		// map[string]any so they interoperate with ordinary Go code.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Bound nesting so a hostile peer cannot exhaust the stack.
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an already-encoded CBOR value.
type RawMessage = cbor.RawMessage

// IsUnsupportedType reports whether err came from asking the encoder to
// serialize a value CBOR cannot represent (channels, functions, and
// the like). These are application errors, not codec failures.
func IsUnsupportedType(err error) bool {
	var unsupported *cbor.UnsupportedTypeError
	return errors.As(err, &unsupported)
}
