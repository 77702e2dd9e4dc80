/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package trc carries the client-side tracing hooks relay.Transport fires
// while dialing and round-tripping a request: ambient instrumentation, not
// a protocol concern, kept as its own leaf package the way the teacher
// keeps tracing out of transport.go entirely. Grounded on the teacher's
// trc/utils.go.
package trc

import "context"

// ClientTrace holds functions invoked at various stages of an outgoing
// relay.Transport round trip. Any particular hook may be nil. Functions
// may be called concurrently from different goroutines and some may be
// called after the request has completed or failed.
type ClientTrace struct {
	// GetConn is called before a connection is created or retrieved from
	// an idle pool, with the host:port of the target.
	GetConn func(hostPort string)

	// GotConn is called after a connection has been obtained, reporting
	// whether it came from the idle pool.
	GotConn func(reused bool)

	// ConnectStart is called when a new connection's dial begins.
	ConnectStart func(network, addr string)

	// ConnectDone is called when the dial completes, successfully or not.
	ConnectDone func(network, addr string, err error)

	// TLSHandshakeStart is called when the TLS handshake begins.
	TLSHandshakeStart func()

	// TLSHandshakeDone is called when the TLS handshake completes.
	TLSHandshakeDone func(err error)

	// WroteHeaders is called after the request headers are written.
	WroteHeaders func()

	// WroteRequest is called after the full request (headers and body)
	// has been written.
	WroteRequest func(err error)

	// GotFirstResponseByte is called when the first byte of the response
	// headers is available.
	GotFirstResponseByte func()
}

// compose folds old's hooks into t: a hook t doesn't set is taken from
// old outright; a hook both set runs t's first, then old's.
func (t *ClientTrace) compose(old *ClientTrace) {
	if old == nil {
		return
	}
	chainClientTrace(t, old)
}

type clientTraceContextKey struct{}

// ContextClientTrace returns the ClientTrace associated with ctx, or nil.
func ContextClientTrace(ctx context.Context) *ClientTrace {
	trace, _ := ctx.Value(clientTraceContextKey{}).(*ClientTrace)
	return trace
}

// WithClientTrace returns a context based on ctx whose relay.Transport
// round trips invoke trace's hooks in addition to any already registered
// on ctx (trace's hooks fire first).
func WithClientTrace(ctx context.Context, trace *ClientTrace) context.Context {
	if trace == nil {
		panic("trc: nil ClientTrace")
	}
	old := ContextClientTrace(ctx)
	trace.compose(old)
	return context.WithValue(ctx, clientTraceContextKey{}, trace)
}

// chainClientTrace wires each non-nil hook already on t to run before the
// corresponding hook from old (or installs old's directly if t has none),
// field by field since Go has no generic function composition over
// arbitrary signatures.
func chainClientTrace(t, old *ClientTrace) {
	if old.GetConn != nil {
		cur := t.GetConn
		t.GetConn = func(hostPort string) {
			if cur != nil {
				cur(hostPort)
			}
			old.GetConn(hostPort)
		}
	}
	if old.GotConn != nil {
		cur := t.GotConn
		t.GotConn = func(reused bool) {
			if cur != nil {
				cur(reused)
			}
			old.GotConn(reused)
		}
	}
	if old.ConnectStart != nil {
		cur := t.ConnectStart
		t.ConnectStart = func(network, addr string) {
			if cur != nil {
				cur(network, addr)
			}
			old.ConnectStart(network, addr)
		}
	}
	if old.ConnectDone != nil {
		cur := t.ConnectDone
		t.ConnectDone = func(network, addr string, err error) {
			if cur != nil {
				cur(network, addr, err)
			}
			old.ConnectDone(network, addr, err)
		}
	}
	if old.TLSHandshakeStart != nil {
		cur := t.TLSHandshakeStart
		t.TLSHandshakeStart = func() {
			if cur != nil {
				cur()
			}
			old.TLSHandshakeStart()
		}
	}
	if old.TLSHandshakeDone != nil {
		cur := t.TLSHandshakeDone
		t.TLSHandshakeDone = func(err error) {
			if cur != nil {
				cur(err)
			}
			old.TLSHandshakeDone(err)
		}
	}
	if old.WroteHeaders != nil {
		cur := t.WroteHeaders
		t.WroteHeaders = func() {
			if cur != nil {
				cur()
			}
			old.WroteHeaders()
		}
	}
	if old.WroteRequest != nil {
		cur := t.WroteRequest
		t.WroteRequest = func(err error) {
			if cur != nil {
				cur(err)
			}
			old.WroteRequest(err)
		}
	}
	if old.GotFirstResponseByte != nil {
		cur := t.GotFirstResponseByte
		t.GotFirstResponseByte = func() {
			if cur != nil {
				cur()
			}
			old.GotFirstResponseByte()
		}
	}
}
