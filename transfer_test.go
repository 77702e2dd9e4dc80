/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import "testing"

func TestParseContentLengthBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		cl      string
		wantErr bool
		wantN   int64
	}{
		{"plain", "5", false, 5},
		{"leading plus rejected", "+5", true, 0},
		{"leading minus rejected", "-5", true, 0},
		{"non-digit rejected", "5x", true, 0},
		{"zero", "0", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := parseContentLength(tt.cl)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseContentLength(%q) = %d, nil, want error", tt.cl, n)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseContentLength(%q): %v", tt.cl, err)
			}
			if n != tt.wantN {
				t.Fatalf("parseContentLength(%q) = %d, want %d", tt.cl, n, tt.wantN)
			}
		})
	}
}

func TestDedupeContentLength(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		wantErr bool
		want    string
	}{
		{"single value", []string{"5"}, false, "5"},
		{"identical duplicates accepted", []string{"5", "5"}, false, "5"},
		{"conflicting values rejected", []string{"5", "6"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Header{HeaderContentLength: append([]string(nil), tt.values...)}
			err := dedupeContentLength(h)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("dedupeContentLength(%v) = nil, want error", tt.values)
				}
				return
			}
			if err != nil {
				t.Fatalf("dedupeContentLength(%v): %v", tt.values, err)
			}
			if got := h.get(HeaderContentLength); got != tt.want {
				t.Fatalf("Content-Length = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeTransferEncodingConflict(t *testing.T) {
	h := Header{HeaderTransferEncoding: {"chunked", "gzip"}}
	if _, err := normalizeTransferEncoding(h); err == nil {
		t.Fatalf("normalizeTransferEncoding with conflicting codings = nil error, want ParseTransferEncoding")
	}

	h = Header{HeaderTransferEncoding: {"chunked"}}
	toks, err := normalizeTransferEncoding(h)
	if err != nil {
		t.Fatalf("normalizeTransferEncoding(chunked): %v", err)
	}
	if !isChunked(toks) {
		t.Fatalf("isChunked(%v) = false, want true", toks)
	}
}

func TestDecodeBodyFraming(t *testing.T) {
	tests := []struct {
		name          string
		isResponse    bool
		isServer      bool
		requestMethod string
		statusCode    int
		header        Header
		wantFraming   bodyFraming
		wantLength    int64
		wantErr       bool
	}{
		{
			name:          "request with chunked Transfer-Encoding",
			requestMethod: MethodPost,
			isServer:      true,
			header:        Header{HeaderTransferEncoding: {"chunked"}},
			wantFraming:   framingChunked,
			wantLength:    -1,
		},
		{
			name:          "Transfer-Encoding strips conflicting Content-Length",
			requestMethod: MethodPost,
			isServer:      true,
			header:        Header{HeaderTransferEncoding: {"chunked"}, HeaderContentLength: {"10"}},
			wantFraming:   framingChunked,
			wantLength:    -1,
		},
		{
			name:          "request with Content-Length",
			requestMethod: MethodPost,
			isServer:      true,
			header:        Header{HeaderContentLength: {"4"}},
			wantFraming:   framingLength,
			wantLength:    4,
		},
		{
			name:          "GET request carries no body",
			requestMethod: MethodGet,
			isServer:      true,
			header:        Header{},
			wantFraming:   framingEmpty,
		},
		{
			name:          "response with close-delimited body",
			isResponse:    true,
			requestMethod: MethodGet,
			statusCode:    StatusOK,
			header:        Header{},
			wantFraming:   framingCloseDelimited,
			wantLength:    -1,
		},
		{
			name:          "204 response has no body",
			isResponse:    true,
			requestMethod: MethodGet,
			statusCode:    StatusNoContent,
			header:        Header{HeaderContentLength: {"5"}},
			wantFraming:   framingEmpty,
		},
		{
			name:          "HEAD response has no body",
			isResponse:    true,
			requestMethod: MethodHead,
			statusCode:    StatusOK,
			header:        Header{HeaderContentLength: {"5"}},
			wantFraming:   framingEmpty,
		},
		{
			name:          "conflicting Content-Length rejected",
			requestMethod: MethodPost,
			isServer:      true,
			header:        Header{HeaderContentLength: {"5", "6"}},
			wantErr:       true,
		},
		{
			name:          "duplicate identical Content-Length accepted",
			requestMethod: MethodPost,
			isServer:      true,
			header:        Header{HeaderContentLength: {"5", "5"}},
			wantFraming:   framingLength,
			wantLength:    5,
		},
		{
			name:          "signed Content-Length rejected",
			requestMethod: MethodPost,
			isServer:      true,
			header:        Header{HeaderContentLength: {"+5"}},
			wantErr:       true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framing, length, err := decodeBodyFraming(tt.isResponse, tt.isServer, tt.requestMethod, tt.statusCode, tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("decodeBodyFraming() = nil error, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeBodyFraming(): %v", err)
			}
			if framing != tt.wantFraming {
				t.Fatalf("framing = %v, want %v", framing, tt.wantFraming)
			}
			if length != tt.wantLength {
				t.Fatalf("length = %d, want %d", length, tt.wantLength)
			}
		})
	}
}

func TestShouldKeepAlive(t *testing.T) {
	tests := []struct {
		name     string
		major    int
		minor    int
		header   Header
		framing  bodyFraming
		upgraded bool
		want     bool
	}{
		{"HTTP/1.1 default keep-alive", 1, 1, Header{}, framingLength, false, true},
		{"HTTP/1.1 Connection close", 1, 1, Header{HeaderConnection: {"close"}}, framingLength, false, false},
		{"HTTP/1.0 default close", 1, 0, Header{}, framingLength, false, false},
		{"HTTP/1.0 explicit keep-alive", 1, 0, Header{HeaderConnection: {"keep-alive"}}, framingLength, false, true},
		{"close-delimited body forces close", 1, 1, Header{}, framingCloseDelimited, false, false},
		{"upgraded connection forces close", 1, 1, Header{}, framingLength, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldKeepAlive(tt.major, tt.minor, tt.header, tt.framing, tt.upgraded); got != tt.want {
				t.Fatalf("shouldKeepAlive() = %v, want %v", got, tt.want)
			}
		})
	}
}
