/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import "time"

// DefaultMaxHeaderBytes mirrors the teacher's constant of the same name:
// the default ceiling on a single request/response header block.
const DefaultMaxHeaderBytes = 1 << 20 // 1 MB

// DefaultMaxBufSize is the default Options.MaxBufSize: the size of a
// connection's read buffer, which does not grow.
const DefaultMaxBufSize = 8 << 10

// Options configures the wire-level behavior of the HTTP/1 codec, the
// buffered transport, and the connection state machine. A nil *Options is
// never passed to exported constructors; DefaultOptions() fills the zero
// value the way the teacher's Server/Transport structs rely on field
// zero-values meaning "use the default".
type Options struct {
	// MaxHeaderListSize bounds the total decoded size of a single
	// request or response header block, counted as the summed length of
	// its header names and values (the start line and the line
	// separators are not counted). A block whose total exceeds this
	// limit is rejected with Parse::TooLarge (spec.md §4.1, §7). Zero
	// means DefaultMaxHeaderBytes.
	MaxHeaderListSize int

	// MaxBufSize is the size of the per-connection bufio read buffer
	// (and of a client connection's write buffer); the buffer keeps this
	// size and does not grow. It is also the starting size of
	// readMessageHead's header-size check, which doubles up to
	// MaxHeaderListSize. Zero means DefaultMaxBufSize.
	MaxBufSize int

	// Writev, when true, batches a response's status line, headers and
	// any buffered body fragment into a single vectored write instead of
	// several small writes, the way the teacher's bufio.Writer batches
	// header writes ahead of a flush.
	Writev bool

	// KeepAlive is set to true by DefaultOptions but is not consulted by
	// Server or Transport: connection reuse is switched off with
	// Server.SetKeepAlivesEnabled and Transport.DisableKeepAlives.
	KeepAlive bool

	// HalfClose is not read by any code in this module; its value does
	// not change how a peer's TCP half-close is handled.
	HalfClose bool

	// TitleCaseHeaders writes header field names as Title-Case (e.g.
	// "content-type" -> "Content-Type") when the server writes response
	// headers and chunked trailers. Names stored through Header are in
	// canonical form already, so the output differs only for keys placed
	// in the map directly. Client request heads are written with the
	// default options and ignore this field.
	TitleCaseHeaders bool

	// PreserveHeaderCase is not consulted anywhere in this module: Header
	// stores every name in CanonicalHeaderKey form, so the casing a peer
	// used is not kept.
	PreserveHeaderCase bool

	// AllowHTTP09 makes ReadRequestHead accept a request line whose
	// version token is empty (e.g. "GET / " with a trailing space) as
	// HTTP/0.9, with no header block read after it. A request line with
	// no version separator at all (e.g. "GET /") is still rejected as
	// Parse::Method. ReadResponseHead does not consult this field, and
	// the server answers an HTTP/0.9 request with an ordinary status
	// line and headers.
	AllowHTTP09 bool

	// AllowObsoleteMultiline is not consulted by the codec. Header blocks
	// are parsed by net/textproto, which joins an RFC 7230 Appendix B
	// continuation line (one starting with SP/HTAB) onto the previous
	// value whatever this field says; folded headers are never rejected.
	AllowObsoleteMultiline bool

	// AllowSpacesAfterHeaderValue is not consulted by the codec;
	// net/textproto trims trailing whitespace from every header value
	// whatever this field says.
	AllowSpacesAfterHeaderValue bool

	// ReadTimeout/WriteTimeout/IdleTimeout mirror the teacher's
	// Server fields of the same names (types_server.go).
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// PipelineFlush is filled to 1 by withDefaults but not otherwise
	// read: the server writes and flushes each response in full before
	// it reads the next pipelined request.
	PipelineFlush int

	// H2Enabled is not consulted anywhere in this module; HTTP/2 is
	// served or spoken only through the relay/h2 package, whatever its
	// value.
	H2Enabled bool

	// H2MaxConcurrentStreams caps concurrent streams accepted per H2
	// connection; zero uses golang.org/x/net/http2's own default.
	H2MaxConcurrentStreams uint32

	// H2InitialWindowSize sets the per-stream flow-control window
	// advertised at connection setup; zero uses http2's default.
	H2InitialWindowSize int32

	// H2AdaptiveWindow, when true, gives the h2 package's server larger
	// starting upload buffers: H2InitialWindowSize per stream (1 MB when
	// that is zero) and that times the concurrent-stream limit per
	// connection. The windows are fixed at those sizes; no
	// bandwidth-delay estimate is made, and the h2 Transport ignores
	// this field.
	H2AdaptiveWindow bool

	// H2PingTimeout bounds how long the adapter waits for a PING ack
	// before treating the connection as dead.
	H2PingTimeout time.Duration

	// H2PingInterval is how long an h2 connection may sit with no frames
	// at all before the adapter sends a health-check PING, distinct from
	// H2PingTimeout (which only bounds the wait for that PING's ack).
	// Zero leaves http2's own default idle-read behavior in place.
	H2PingInterval time.Duration
}

// DefaultOptions returns an Options with every zero-valued field resolved
// to its documented default.
func DefaultOptions() *Options {
	return &Options{
		MaxHeaderListSize: DefaultMaxHeaderBytes,
		MaxBufSize:        DefaultMaxBufSize,
		KeepAlive:         true,
		PipelineFlush:     1,
		H2PingTimeout:     15 * time.Second,
	}
}

// Resolved returns opts with every zero-valued field filled to its
// documented default, for packages outside relay (e.g. h2) that need a
// fully-populated Options without reaching into unexported internals.
func (o *Options) Resolved() *Options { return o.withDefaults() }

// withDefaults returns opts if non-nil, else DefaultOptions(), and fills
// any zero-valued numeric field of a caller-supplied Options the same way,
// matching the teacher's "if v := field; v != 0 { use it } else { default
// }" idiom scattered through types_server.go/types_transport.go.
func (o *Options) withDefaults() *Options {
	if o == nil {
		return DefaultOptions()
	}
	cp := *o
	if cp.MaxHeaderListSize == 0 {
		cp.MaxHeaderListSize = DefaultMaxHeaderBytes
	}
	if cp.MaxBufSize == 0 {
		cp.MaxBufSize = DefaultMaxBufSize
	}
	if cp.PipelineFlush == 0 {
		cp.PipelineFlush = 1
	}
	if cp.H2PingTimeout == 0 {
		cp.H2PingTimeout = 15 * time.Second
	}
	return &cp
}
