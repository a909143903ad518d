// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sampleSpec struct {
	Tag       string `cbor:"tag"`
	AutoFlush bool   `cbor:"auto_flush"`
	Rotate    int    `cbor:"rotate,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"zeta": 1, "alpha": "a", "mid": []int{1, 2}}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("map encoding is not deterministic")
		}
	}
}

func TestUnmarshalIntoAnyProducesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(sampleSpec{Tag: "system", AutoFlush: true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", decoded)
	}
	if fields["tag"] != "system" || fields["auto_flush"] != true {
		t.Errorf("decoded fields = %v", fields)
	}
	if _, present := fields["rotate"]; present {
		t.Error("omitempty field was encoded")
	}
}

func TestIsUnsupportedType(t *testing.T) {
	_, err := Marshal(map[string]any{"callback": func() {}})
	if err == nil {
		t.Fatal("Marshal of a func value should fail")
	}
	if !IsUnsupportedType(err) {
		t.Errorf("IsUnsupportedType(%v) = false, want true", err)
	}
	if IsUnsupportedType(nil) {
		t.Error("IsUnsupportedType(nil) = true")
	}
}
