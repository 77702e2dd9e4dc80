/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// maxDrainBytes bounds the "drain on drop" behavior of spec.md §4.3/§5: a
// request body dropped unread is drained up to this many bytes so the
// socket can be reused, after which the connection is closed instead.
const maxDrainBytes = 256 << 10

// Body is a lazy, finite sequence of byte chunks, optionally followed by
// a trailer set (spec.md §3/§4.4). It is deliberately shaped as an
// io.ReadCloser plus a post-EOF Trailer accessor rather than a hand-rolled
// poll/Pending/Ready state machine: in this module's concurrency model
// (§5) a blocking Read on the connection's own goroutine already is the
// suspension point, so Go's own io.Reader convention is the idiomatic
// rendering of spec.md's "poll next frame" contract.
type Body interface {
	io.Reader
	io.Closer

	// Trailer returns the trailer header set retrieved after end-of-stream.
	// It returns nil until Read has returned io.EOF.
	Trailer() Header
}

// emptyBody is a Body with no bytes and no trailer; Read always returns
// io.EOF and Close always returns nil. Grounded on the teacher's no_body.go.
type emptyBody struct{}

func (emptyBody) Read(p []byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error               { return nil }
func (emptyBody) Trailer() Header            { return nil }
func (emptyBody) WriteTo(w io.Writer) (int64, error) { return 0, nil }

// NoBody is the shared empty Body value, source (a) of spec.md §3.
var NoBody Body = emptyBody{}

var (
	_ io.WriterTo = NoBody
	_ Body        = NoBody
)

// fixedBody is source (b) of spec.md §3: a Body backed by an in-memory
// buffer, used for small outgoing request/response bodies the caller
// already has fully in hand.
type fixedBody struct {
	r       io.Reader
	onClose func()
}

// NewFixedBody returns a Body that yields exactly the bytes of buf.
func NewFixedBody(buf []byte) Body {
	return &fixedBody{r: bytes.NewReader(buf)}
}

func (b *fixedBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *fixedBody) Close() error {
	if b.onClose != nil {
		b.onClose()
	}
	return nil
}
func (b *fixedBody) Trailer() Header { return nil }

// connBody is source (c) of spec.md §3: a Body streamed from the network
// decoder attached to an owning connection. Grounded on the teacher's
// `body`/`bodyLocked` pair (types_transfer.go, body_locked.go): a
// non-owning "body reader" handle (§9's design note) that can only be
// read while the connection it belongs to has not moved on to the next
// transaction.
type connBody struct {
	mu           sync.Mutex
	reader       io.Reader // chunkedReader, io.LimitedReader, or the raw conn reader
	framing      bodyFraming
	owner        connOwner // non-owning reference; nil once detached
	trailerOwner trailerSink
	isClosing    bool // connection closes once this body is done
	sawEOF       bool
	closed       bool
	earlyClose   bool
	onEOF        func()
}

// connOwner is the minimal surface a connBody needs from its owning
// dispatcher: a notification, once this body reader reaches EOF, that the
// connection may move on to the next transaction (spec.md §9). Draining
// the rest of an early-closed body (spec.md §4.3 "Drain on drop") is done
// by connBody.Close itself.
type connOwner interface {
	bodyReaderDetached()
}

// trailerSink receives trailers parsed off a chunked body, e.g. the
// owning Request or Response (mergeSetHeader equivalent).
type trailerSink interface {
	setTrailer(Header)
}

func newConnBody(reader io.Reader, framing bodyFraming, isClosing bool, owner connOwner, sink trailerSink) *connBody {
	return &connBody{reader: reader, framing: framing, isClosing: isClosing, owner: owner, trailerOwner: sink}
}

func (b *connBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBodyReadAfterClose
	}
	return b.readLocked(p)
}

func (b *connBody) readLocked(p []byte) (int, error) {
	if b.sawEOF {
		return 0, io.EOF
	}
	n, err := b.reader.Read(p)
	if err == io.EOF {
		b.sawEOF = true
		if cr, ok := b.reader.(*chunkedReader); ok {
			if tr := cr.Trailer(); tr != nil && b.trailerOwner != nil {
				b.trailerOwner.setTrailer(tr)
			}
		} else if lr, ok := b.reader.(*io.LimitedReader); ok && lr.N > 0 {
			err = io.ErrUnexpectedEOF
		}
		b.detach()
	} else if err == nil && n > 0 {
		if lr, ok := b.reader.(*io.LimitedReader); ok && lr.N == 0 {
			err = io.EOF
			b.sawEOF = true
			b.detach()
		}
	}
	if b.sawEOF && b.onEOF != nil {
		b.onEOF()
	}
	return n, err
}

func (b *connBody) detach() {
	if b.owner != nil {
		b.owner.bodyReaderDetached()
		b.owner = nil
	}
}

func (b *connBody) Trailer() Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cr, ok := b.reader.(*chunkedReader); ok {
		return cr.Trailer()
	}
	return nil
}

// Close implements the "drain on drop" behavior of spec.md §4.3: up to
// maxDrainBytes of unread body is consumed so the connection can be
// reused; beyond that, earlyClose is recorded and the caller (the
// dispatcher) must close the connection instead of reusing it.
func (b *connBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	defer func() { b.closed = true }()

	switch {
	case b.sawEOF:
		// nothing to drain
	case b.isClosing:
		// connection is going away regardless; don't bother draining
	default:
		if lr, ok := b.reader.(*io.LimitedReader); ok && lr.N > maxDrainBytes {
			b.earlyClose = true
			return nil
		}
		n, err := io.CopyN(io.Discard, bodyLocked{b}, maxDrainBytes)
		if err == io.EOF {
			err = nil
		}
		if n == maxDrainBytes {
			b.earlyClose = true
		}
		return err
	}
	return nil
}

func (b *connBody) didEarlyClose() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.earlyClose
}

func (b *connBody) remains() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.sawEOF
}

func (b *connBody) registerOnEOF(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEOF = fn
}

// bodyLocked is an io.Reader reading from a *connBody whose mutex is
// already held by the caller (used by Close's drain loop).
type bodyLocked struct{ b *connBody }

func (bl bodyLocked) Read(p []byte) (int, error) {
	if bl.b.closed {
		return 0, ErrBodyReadAfterClose
	}
	return bl.b.readLocked(p)
}

// callbackBody is source (d) of spec.md §3: a Body produced by a user
// callback. Cancellation (ctx) propagates when the Body is dropped
// (Close) without having reached EOF, per spec.md §5's "Cancellation".
type callbackBody struct {
	ctx    context.Context
	cancel context.CancelFunc
	next   func(context.Context) ([]byte, error)
	trailerNext func(context.Context) (Header, error)
	pending []byte
	eof     bool
	trailer Header
}

// NewCallbackBody builds a Body whose chunks are produced by next and
// whose trailer (if any) is produced by trailerFn once next first
// reports io.EOF. Either may block; cancellation of ctx (including via
// Close before EOF) must make next/trailerFn return promptly.
func NewCallbackBody(ctx context.Context, next func(context.Context) ([]byte, error), trailerFn func(context.Context) (Header, error)) Body {
	ctx, cancel := context.WithCancel(ctx)
	return &callbackBody{ctx: ctx, cancel: cancel, next: next, trailerNext: trailerFn}
}

func (b *callbackBody) Read(p []byte) (int, error) {
	if b.eof {
		return 0, io.EOF
	}
	for len(b.pending) == 0 {
		chunk, err := b.next(b.ctx)
		if err != nil {
			b.eof = true
			if b.trailerNext != nil {
				if tr, terr := b.trailerNext(b.ctx); terr == nil {
					b.trailer = tr
				}
			}
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, err
		}
		if len(chunk) == 0 {
			continue // a zero-length produced chunk carries no frame
		}
		b.pending = chunk
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *callbackBody) Close() error {
	b.cancel()
	return nil
}

func (b *callbackBody) Trailer() Header { return b.trailer }
