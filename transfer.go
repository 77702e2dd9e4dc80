/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// bodyFraming is the outcome of the body-framing decision table in
// spec.md §4.2.
type bodyFraming int

const (
	framingEmpty bodyFraming = iota
	framingChunked
	framingLength
	framingCloseDelimited
)

// decodeBodyFraming implements spec.md §4.2's fixed precedence exactly:
//
//  1. request method disallows body, role==server -> Empty
//  2. response 1xx/204/304, or request was HEAD    -> Empty
//  3. Transfer-Encoding: chunked present            -> Chunked
//  4. Content-Length present and valid               -> Length(n)
//  5. (responses only) none of the above             -> CloseDelimited
//  6. (requests) none of the above                   -> Empty
//
// header is mutated: a stripped Content-Length (invariant: TE beats CL)
// and deduplicated identical Content-Length values are removed/collapsed
// in place, grounded on the teacher's fixLength (utils_transfer.go).
func decodeBodyFraming(isResponse bool, isServer bool, requestMethod string, statusCode int, header Header) (framing bodyFraming, length int64, err error) {
	te, err := normalizeTransferEncoding(header)
	if err != nil {
		return framingEmpty, 0, err
	}

	if err := dedupeContentLength(header); err != nil {
		return framingEmpty, 0, err
	}

	// Rule 1: request method that never carries a body, on the server
	// reading it in.
	if !isResponse && isServer && requestMethodUsuallyLacksBody(requestMethod) && len(te) == 0 && header.get(HeaderContentLength) == "" {
		return framingEmpty, 0, nil
	}

	// Rule 2: responses that never have a body, or a response to HEAD.
	if isResponse {
		if statusCode/100 == 1 && statusCode != StatusSwitchingProtocols {
			return framingEmpty, 0, nil
		}
		if statusCode == StatusNoContent || statusCode == StatusNotModified {
			return framingEmpty, 0, nil
		}
		if noResponseBodyExpected(requestMethod) {
			return framingEmpty, 0, nil
		}
	}

	// Invariant: Transfer-Encoding wins over Content-Length; strip CL.
	if len(te) > 0 {
		if header.get(HeaderContentLength) != "" {
			header.Del(HeaderContentLength)
		}
		if isChunked(te) {
			return framingChunked, -1, nil
		}
		// A TE stack that isn't (just) chunked with no declared length is
		// close-delimited on responses, empty-bodied on requests (no
		// core support for other codings beyond chunked).
		if isResponse {
			return framingCloseDelimited, -1, nil
		}
		return framingEmpty, 0, nil
	}

	// Rule 4: Content-Length.
	if cl := header.get(HeaderContentLength); cl != "" {
		n, err := parseContentLength(cl)
		if err != nil {
			return framingEmpty, 0, err
		}
		if n == 0 {
			return framingEmpty, 0, nil
		}
		return framingLength, n, nil
	}

	// Rule 5 / 6.
	if isResponse {
		return framingCloseDelimited, -1, nil
	}
	return framingEmpty, 0, nil
}

// parseContentLength rejects a leading '+' and non-digit content per
// spec.md §6 and §8's boundary case ("Content-Length: +5" must be
// rejected with Parse::ContentLength).
func parseContentLength(cl string) (int64, error) {
	cl = strings.TrimSpace(cl)
	if cl == "" {
		return -1, nil
	}
	if cl[0] == '+' || cl[0] == '-' {
		return 0, newParseError(ParseContentLength, "signed Content-Length: "+cl)
	}
	for i := 0; i < len(cl); i++ {
		if cl[i] < '0' || cl[i] > '9' {
			return 0, newParseError(ParseContentLength, "non-digit Content-Length: "+cl)
		}
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0, newParseError(ParseContentLength, "bad Content-Length: "+cl)
	}
	return n, nil
}

// dedupeContentLength implements spec.md §6/§8: "multiple identical
// values collapsed; differing values rejected". It mutates header in
// place, collapsing N identical Content-Length values, whether on separate
// lines or comma-separated on one line, into a single value.
func dedupeContentLength(header Header) error {
	cls := header[HeaderContentLength]
	var vals []string
	for _, line := range cls {
		for _, v := range strings.Split(line, ",") {
			vals = append(vals, strings.TrimSpace(v))
		}
	}
	if len(vals) <= 1 {
		return nil
	}
	first := vals[0]
	for _, v := range vals[1:] {
		if v != first || v == "" {
			return newParseError(ParseContentLength, "conflicting Content-Length values: "+strings.Join(cls, ", "))
		}
	}
	header.Del(HeaderContentLength)
	header.Add(HeaderContentLength, first)
	return nil
}

// normalizeTransferEncoding validates and returns the Transfer-Encoding
// coding stack. A request/response whose Transfer-Encoding header lines
// disagree with each other is a fatal ParseTransferEncoding error
// (spec.md §3 invariant); the only coding this core understands is
// "chunked", which (per RFC 7230 §3.3.1) must be the final, and in this
// implementation the only, coding.
func normalizeTransferEncoding(header Header) ([]string, error) {
	lines := header[HeaderTransferEncoding]
	if len(lines) == 0 {
		return nil, nil
	}
	var toks []string
	for _, line := range lines {
		for _, tok := range strings.Split(line, ",") {
			tok = trimOWS(tok)
			if tok == "" {
				continue
			}
			toks = append(toks, strings.ToLower(tok))
		}
	}
	if len(toks) == 0 {
		header.Del(HeaderTransferEncoding)
		return nil, nil
	}
	if len(toks) != 1 || toks[0] != "chunked" {
		return nil, newParseError(ParseTransferEncoding, "unsupported or conflicting Transfer-Encoding: "+strings.Join(lines, " | "))
	}
	return toks, nil
}

func isChunked(te []string) bool { return len(te) == 1 && te[0] == "chunked" }

// fixTrailer validates the Trailer header against RFC 7230 §4.1.2:
// Transfer-Encoding/Trailer/Content-Length may never be declared as
// trailers, and a Trailer header without a chunked framing is rejected
// (spec.md §3: "Trailers may only be emitted after a chunked body").
func fixTrailer(header Header, framing bodyFraming) (Header, error) {
	vv, ok := header[HeaderTrailer]
	if !ok {
		return nil, nil
	}
	header.Del(HeaderTrailer)

	trailer := make(Header)
	for _, v := range vv {
		for _, part := range strings.Split(v, ",") {
			key := CanonicalHeaderKey(trimOWS(part))
			if key == "" {
				continue
			}
			switch key {
			case HeaderTransferEncoding, HeaderTrailer, HeaderContentLength:
				return nil, newParseError(ParseHeader, "illegal trailer key: "+key)
			}
			trailer[key] = nil
		}
	}
	if len(trailer) == 0 {
		return nil, nil
	}
	if framing != framingChunked {
		return nil, newParseError(ParseHeader, "Trailer header present without chunked framing")
	}
	return trailer, nil
}

func headerValueContainsToken(v, token string) bool {
	v = trimOWS(v)
	if comma := strings.IndexByte(v, ','); comma != -1 {
		return tokenEqual(trimOWS(v[:comma]), token) || headerValueContainsToken(v[comma+1:], token)
	}
	return tokenEqual(v, token)
}

func headerValuesContainsToken(values []string, token string) bool {
	for _, v := range values {
		if headerValueContainsToken(v, token) {
			return true
		}
	}
	return false
}

func isOWS(b byte) bool { return b == ' ' || b == '\t' }

func trimOWS(x string) string {
	for len(x) > 0 && isOWS(x[0]) {
		x = x[1:]
	}
	for len(x) > 0 && isOWS(x[len(x)-1]) {
		x = x[:len(x)-1]
	}
	return x
}

func tokenEqual(t1, t2 string) bool {
	if len(t1) != len(t2) {
		return false
	}
	for i := 0; i < len(t1); i++ {
		if t1[i] >= utf8.RuneSelf {
			return false
		}
		if lowerASCII(t1[i]) != lowerASCII(t2[i]) {
			return false
		}
	}
	return true
}

func lowerASCII(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// shouldKeepAlive implements spec.md §4.3's keep-alive decision: holds
// iff HTTP/1.1 (or 1.0 with Connection: keep-alive), no Connection:
// close, the body framing was self-delimiting (not close-delimited), no
// upgrade, and no fatal error (callers check the error case separately).
func shouldKeepAlive(major, minor int, header Header, framing bodyFraming, upgraded bool) bool {
	if upgraded {
		return false
	}
	if framing == framingCloseDelimited {
		return false
	}
	conn := header[HeaderConnection]
	hasClose := headerValuesContainsToken(conn, "close")
	if hasClose {
		return false
	}
	if major < 1 {
		return false
	}
	if major == 1 && minor == 0 {
		return headerValuesContainsToken(conn, "keep-alive")
	}
	return true
}
