// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestParseRoundTripsNames(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		tag, err := Parse(name)
		if err != nil {
			t.Fatalf("Parse(%q): %v", name, err)
		}
		if tag.String() != name {
			t.Errorf("Parse(%q).String() = %q", name, tag.String())
		}
	}
	if _, err := Parse("gzip"); err == nil {
		t.Error("Parse(\"gzip\") should fail")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("log line: worker 17 connected to manager\n"), 2000)

	for _, tag := range []Tag{LZ4, Zstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := Compress(data, tag)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if len(compressed) >= len(data) {
				t.Fatalf("compressed %d bytes into %d", len(data), len(compressed))
			}
			restored, err := Decompress(compressed, tag, len(data))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(restored, data) {
				t.Fatal("round trip altered the data")
			}
		})
	}
}

func TestCompressRandomDataIsIncompressible(t *testing.T) {
	data := make([]byte, 64*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	for _, tag := range []Tag{LZ4, Zstd} {
		if _, err := Compress(data, tag); !errors.Is(err, ErrIncompressible) {
			t.Errorf("%s: err = %v, want ErrIncompressible", tag, err)
		}
	}
}

func TestDecompressRejectsSizeMismatch(t *testing.T) {
	data := bytes.Repeat([]byte{'a'}, 4096)
	compressed, err := Compress(data, LZ4)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, err := Decompress(compressed, LZ4, len(data)+1); err == nil {
		t.Error("LZ4 size mismatch not detected")
	}
	if _, err := Decompress(data, None, len(data)-1); err == nil {
		t.Error("None size mismatch not detected")
	}
}
