/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"context"
	"net/url"
)

// Recognized methods. Any token is a legal method; these are the ones
// whose body-framing behavior spec.md §4.2 calls out by name.
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
	MethodConnect = "CONNECT"
	MethodOptions = "OPTIONS"
	MethodTrace   = "TRACE"
)

// Protocol/scheme string constants used throughout the codec and client.
const (
	ProtoHTTP10 = "HTTP/1.0"
	ProtoHTTP11 = "HTTP/1.1"

	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// contextKey values for context.WithValue, following the teacher's
// pointer-identity pattern so they can't collide with keys from other
// packages.
type contextKey struct{ name string }

var (
	localAddrContextKey = &contextKey{"local-addr"}
	serverContextKey    = &contextKey{"relay-server"}
)

// messageHead is the data common to a Request head and a Response head: the
// header multimap, the advertised/negotiated body framing, and the
// trailer keys the codec will need to look for after the body.
type messageHead struct {
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     Header
	Trailer    Header

	ContentLength    int64 // -1 means unknown (chunked/close-delimited)
	TransferEncoding []string
	Close            bool // Connection: close was requested or implied
}

// ProtoAtLeast reports whether the message is using HTTP >= major.minor.
func (m messageHead) ProtoAtLeast(major, minor int) bool {
	return m.ProtoMajor > major || (m.ProtoMajor == major && m.ProtoMinor >= minor)
}

// Request is an HTTP request head plus its Body. Request is used both for
// outgoing client requests and parsed server requests, as net/http does.
type Request struct {
	Method string
	URL    *url.URL

	Proto      string
	ProtoMajor int
	ProtoMinor int

	Header Header
	Body   Body

	// GetBody, if set, returns a fresh copy of Body. relay's Transport
	// never calls it and does not replay requests (spec.md §4.5 "Write
	// errors are fatal" applies per-connection); it is there for a
	// caller that retries at a higher layer.
	GetBody func() (Body, error)

	ContentLength    int64
	TransferEncoding []string
	Close            bool
	Host             string
	Trailer          Header

	RemoteAddr string
	RequestURI string

	ctx context.Context
}

func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || (r.ProtoMajor == major && r.ProtoMinor >= minor)
}

// Context returns the request's context, defaulting to context.Background.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("relay: nil context")
	}
	r2 := new(Request)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

// expectsContinue reports whether the request carries "Expect:
// 100-continue" (spec.md §4.3).
func (r *Request) expectsContinue() bool {
	return headerValueContainsToken(r.Header.get(HeaderExpect), "100-continue")
}

// wantsClose reports whether the request asked for the connection to
// close after the response: Request.Close is set, or a Connection header
// lists "close". The protocol version is not considered here.
func (r *Request) wantsClose() bool {
	if r.Close {
		return true
	}
	return headerValuesContainsToken(r.Header[HeaderConnection], "close")
}

// setTrailer implements trailerSink, letting a connBody attach the
// trailer it parsed off a chunked request body back onto the Request.
func (r *Request) setTrailer(h Header) { r.Trailer = h }

// Response is an HTTP response head plus its Body.
type Response struct {
	Status     string
	StatusCode int
	Proto      string
	ProtoMajor int
	ProtoMinor int

	Header  Header
	Body    Body
	Trailer Header

	ContentLength    int64
	TransferEncoding []string
	Close            bool

	Request *Request
}

func (r *Response) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || (r.ProtoMajor == major && r.ProtoMinor >= minor)
}

// setTrailer implements trailerSink for a Response parsed by the client
// role (client.go).
func (r *Response) setTrailer(h Header) { r.Trailer = h }

// bodyAllowedForStatus reports whether a response with the given status
// may carry a body, per the invariant from spec.md §3: 1xx (except 101),
// 204 and 304 responses never do. HEAD responses are covered separately
// by noResponseBodyExpected.
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199 && status != StatusSwitchingProtocols:
		return false
	case status == StatusNoContent:
		return false
	case status == StatusNotModified:
		return false
	}
	return true
}

func noResponseBodyExpected(requestMethod string) bool {
	return requestMethod == MethodHead
}

func requestMethodUsuallyLacksBody(method string) bool {
	switch method {
	case MethodGet, MethodHead, MethodDelete, MethodOptions, MethodTrace, MethodConnect:
		return true
	}
	return false
}

// Common status codes referenced by the codec and server.
const (
	StatusContinue           = 100
	StatusSwitchingProtocols = 101

	StatusOK = 200

	StatusNoContent = 204

	StatusNotModified = 304

	StatusBadRequest          = 400
	StatusExpectationFailed   = 417
	StatusRequestEntityTooLarge = 413
	StatusRequestHeaderFieldsTooLarge = 431
	StatusInternalServerError = 500
)

var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	204: "No Content",
	304: "Not Modified",
	400: "Bad Request",
	413: "Request Entity Too Large",
	417: "Expectation Failed",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
}

// StatusText returns a text for the HTTP status code, or "" if unknown.
func StatusText(code int) string { return statusText[code] }
