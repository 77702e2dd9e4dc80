/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"io"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Well-known header names, canonicalized. Kept as plain constants rather
// than a typed-header abstraction: spec.md's Non-goals explicitly exclude
// "typed header abstractions (headers are name/value byte pairs here)".
const (
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderConnection       = "Connection"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderDate             = "Date"
	HeaderExpect           = "Expect"
	HeaderHost             = "Host"
	HeaderRange            = "Range"
	HeaderTE               = "TE"
	HeaderTrailer          = "Trailer"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderUpgrade          = "Upgrade"

	// TrailerPrefix is a magic prefix for ResponseWriter.Header() map keys
	// that, if present, signals that the map entry is actually for the
	// response trailers, and not the response headers. See declareTrailer.
	TrailerPrefix = "Trailer:"

	TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)

var timeFormats = []string{TimeFormat, time.RFC850, time.ANSIC}

// Header is a duplicate-preserving multimap of header name/value pairs,
// keyed by CanonicalHeaderKey. The values under one name keep the order
// in which they were added; the names themselves are not ordered and are
// written sorted (see writeSubset). CanonicalHeaderKey decides the
// on-wire casing unless TitleCaseHeaders (see Options) says otherwise.
type Header map[string][]string

// CanonicalHeaderKey returns the canonical format of the header key s.
func CanonicalHeaderKey(s string) string { return textproto.CanonicalMIMEHeaderKey(s) }

// Add adds the key/value pair, appending to any existing values for key.
// The key is stored in CanonicalHeaderKey form; the caller's casing is
// not kept.
func (h Header) Add(key, value string) {
	textproto.MIMEHeader(h).Add(key, value)
}

// Set replaces any existing values for key with the single value
// provided, using CanonicalHeaderKey's casing for the stored key. Per
// spec.md §9's open question: Set always replaces the casing of the
// stored key, Add never changes the casing of an entry already present.
func (h Header) Set(key, value string) {
	textproto.MIMEHeader(h).Set(key, value)
}

// Get returns the first value associated with the given key.
func (h Header) Get(key string) string { return textproto.MIMEHeader(h).Get(key) }

func (h Header) get(key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns all values associated with the given key.
func (h Header) Values(key string) []string { return textproto.MIMEHeader(h).Values(key) }

// Del deletes the values associated with key.
func (h Header) Del(key string) { textproto.MIMEHeader(h).Del(key) }

// Clone returns a copy of h or nil if h is nil.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	n := make(Header, len(h))
	for k, vv := range h {
		cp := make([]string, len(vv))
		copy(cp, vv)
		n[k] = cp
	}
	return n
}

// has reports whether h contains a (canonicalized) key.
func (h Header) has(key string) bool {
	_, ok := h[key]
	return ok
}

type keyValues struct {
	key    string
	values []string
}

// headerSorter implements sort.Interface by sorting a []keyValues by key,
// preserving the relative order of values within a key.
type headerSorter struct{ kvs []keyValues }

func (s *headerSorter) Len() int           { return len(s.kvs) }
func (s *headerSorter) Swap(i, j int)      { s.kvs[i], s.kvs[j] = s.kvs[j], s.kvs[i] }
func (s *headerSorter) Less(i, j int) bool { return s.kvs[i].key < s.kvs[j].key }

var headerSorterPool = sync.Pool{New: func() any { return new(headerSorter) }}

// sortedKeyValues returns h's keys sorted in the returned kvs slice. The
// headerSorter used to sort is returned to the pool by the caller via
// headerSorterPool.Put(sorter) once done.
func (h Header) sortedKeyValues(exclude map[string]bool) (kvs []keyValues, sorter *headerSorter) {
	sorter = headerSorterPool.Get().(*headerSorter)
	if cap(sorter.kvs) < len(h) {
		sorter.kvs = make([]keyValues, 0, len(h))
	}
	kvs = sorter.kvs[:0]
	for k, vv := range h {
		if !exclude[k] {
			kvs = append(kvs, keyValues{k, vv})
		}
	}
	sorter.kvs = kvs
	sort.Sort(sorter)
	return kvs, sorter
}

// titleCase title-cases each dash-separated token of name, e.g.
// "content-type" -> "Content-Type". Used when Options.TitleCaseHeaders is
// set, matching servers (notably some older load balancers) that are
// picky about header-name casing rather than accepting the canonical
// form textproto produces.
func titleCase(name string) string {
	upper := true
	out := []byte(name)
	for i, c := range out {
		switch {
		case upper && 'a' <= c && c <= 'z':
			out[i] = c - ('a' - 'A')
		case !upper && 'A' <= c && c <= 'Z':
			out[i] = c + ('a' - 'A')
		}
		upper = c == '-'
	}
	return string(out)
}

// writeSubset writes the header in wire format, sorted by name, skipping
// any key in exclude and any key that is not a valid field name (which
// includes keys carrying the TrailerPrefix magic prefix; those reach the
// wire later, through the chunked encoder's trailer). Names are
// title-cased when opts.TitleCaseHeaders is set.
func (h Header) writeSubset(w io.Writer, exclude map[string]bool, opts *Options) error {
	ws, ok := w.(io.StringWriter)
	if !ok {
		ws = &stringWriterWrapper{w}
	}

	kvs, sorter := h.sortedKeyValues(exclude)
	defer headerSorterPool.Put(sorter)

	for _, kv := range kvs {
		if !httpguts.ValidHeaderFieldName(kv.key) {
			continue
		}
		outKey := kv.key
		if opts != nil && opts.TitleCaseHeaders {
			outKey = titleCase(outKey)
		}
		for _, v := range kv.values {
			// A value must be validated before any sanitizing trim: a
			// literal CR or LF here is a smuggled header line, not
			// whitespace to clean up, and must fail the write rather than
			// be silently folded away (spec.md §6).
			if err := writeHeaderLine(ws, outKey, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeHeaderLine(w io.StringWriter, k, v string) error {
	if !httpguts.ValidHeaderFieldValue(v) {
		return &writeError{Kind: ParseInvalidChar, msg: "invalid header value for " + k}
	}
	v = strings.TrimSpace(v)
	for _, s := range []string{k, ": ", v, "\r\n"} {
		if _, err := w.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

type stringWriterWrapper struct{ w io.Writer }

func (s *stringWriterWrapper) WriteString(str string) (int, error) {
	return s.w.Write([]byte(str))
}
