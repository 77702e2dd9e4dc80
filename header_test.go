/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteHeaderLineRejectsCRLF(t *testing.T) {
	tests := []struct {
		name string
		v    string
	}{
		{"embedded CRLF", "evil\r\nX-Injected: true"},
		{"bare LF", "evil\nX-Injected: true"},
		{"bare CR", "evil\rX-Injected: true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := writeHeaderLine(&stringWriterWrapper{&buf}, "X-Test", tt.v)
			if err == nil {
				t.Fatalf("writeHeaderLine(%q) = nil error, want rejection", tt.v)
			}
			we, ok := err.(*writeError)
			if !ok {
				t.Fatalf("err = %T, want *writeError", err)
			}
			if we.Kind != ParseInvalidChar {
				t.Fatalf("err.Kind = %v, want ParseInvalidChar", we.Kind)
			}
			if buf.Len() != 0 {
				t.Fatalf("bytes were written (%q) before validation rejected the value", buf.String())
			}
		})
	}
}

func TestWriteHeaderLineAcceptsValidValue(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHeaderLine(&stringWriterWrapper{&buf}, "X-Test", "ok"); err != nil {
		t.Fatalf("writeHeaderLine: %v", err)
	}
	if got, want := buf.String(), "X-Test: ok\r\n"; got != want {
		t.Fatalf("wrote %q, want %q", got, want)
	}
}

func TestHeaderWriteSubsetRejectsSmuggledHeader(t *testing.T) {
	h := Header{"X-Evil": {"a\r\nX-Injected: true"}}
	var buf bytes.Buffer
	err := h.writeSubset(&buf, nil, DefaultOptions())
	if err == nil {
		t.Fatalf("writeSubset with a CR/LF value = nil error, want rejection")
	}
	if strings.Contains(buf.String(), "X-Injected") {
		t.Fatalf("smuggled header line reached the wire: %q", buf.String())
	}
}
